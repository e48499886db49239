package app

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	customMiddleware "keygate/internal/middleware"
	handlers "keygate/internal/transport/http"
	ws "keygate/internal/websocket"
)

func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.NewOTelMiddleware(a.OTelProviders.Tracer, a.Metrics, a.Logger).Handler)
	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(customMiddleware.Recoverer(a.Errors))
	r.Use(customMiddleware.SecurityHeaders)
	if a.Config.Security.EnableCORS {
		r.Use(customMiddleware.CORS(a.corsConfig()))
	}
	r.Use(customMiddleware.StripSlashes)

	r.NotFound(a.Errors.NotFound)
	r.MethodNotAllowed(a.Errors.MethodNotAllowed)

	health := handlers.NewHealthHandler(a.HealthService, a.Logger)
	r.Get("/healthz", health.LivenessCheck)
	r.Get("/readyz", health.ReadinessCheck)
	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	keyHandler := handlers.NewKeyHandler(a.KeyService, a.Config.Policy.KeyLifetime, a.Errors, a.Logger)
	r.Group(func(r chi.Router) {
		r.Use(customMiddleware.Timeout(a.Config.Server.RequestTimeout, a.Errors))
		r.Use(render.SetContentType(render.ContentTypeJSON))
		if a.RateLimiter != nil {
			r.Use(a.RateLimiter.Handler)
		}
		r.Mount("/", keyHandler.Routes())
	})

	if a.Config.Security.AdminEnabled {
		a.setupAdminRoutes(r)
	}

	a.Router = r
}

// setupAdminRoutes mounts the bearer-protected operator surface.
func (a *Application) setupAdminRoutes(r chi.Router) {
	creds := customMiddleware.AdminCredentials{
		Token:     a.Config.Security.AdminToken,
		TokenHash: a.Config.Security.AdminTokenHash,
	}

	var feed http.Handler
	if a.FeedHub != nil {
		feed = ws.Handler(a.FeedHub, originChecker(a.Config.Security.AllowedOrigins), a.Logger)
	}
	admin := handlers.NewAdminHandler(a.KeyService, feed, a.Errors, a.Logger)

	r.Route("/admin", func(r chi.Router) {
		r.Use(customMiddleware.AdminAuth(creds, a.Logger))
		r.Use(customMiddleware.Timeout(a.Config.Server.RequestTimeout, a.Errors))
		r.Mount("/", admin.Routes())
	})

	// Original dashboard path.
	r.With(customMiddleware.AdminAuth(creds, a.Logger),
		customMiddleware.Timeout(a.Config.Server.RequestTimeout, a.Errors)).
		Get("/api/stats", admin.Stats)
}

func (a *Application) corsConfig() customMiddleware.CORSConfig {
	return customMiddleware.CORSConfig{
		AllowedOrigins: a.Config.Security.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", customMiddleware.RequestIDHeader},
		MaxAge:         300,
		Logger:         a.Logger,
	}
}

// originChecker accepts same-origin upgrades and any origin in allowed.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

