package http

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"keygate/internal/activation"
	apierrors "keygate/internal/errors"
	"keygate/internal/identity"
	"keygate/internal/keys"
	"keygate/internal/middleware"
	"keygate/internal/services"
)

// Response messages
const (
	MsgExistingKey     = "Your existing key (already issued)"
	MsgServerError     = "Server error. Please try again later."
	MsgMissingParams   = "Missing key or HWID"
	MsgInvalidParams   = "Invalid key or HWID"
	MsgInvalidKey      = "Invalid key"
	MsgDeviceMismatch  = "Key already activated on another device"
	MsgActivated       = "Key activated!"
	MsgAccessGranted   = "Access granted"
	MsgTooManyAttempts = "Too many attempts. Try again later."
)

// IssueResponse is the body of GET /key.
type IssueResponse struct {
	Success  bool   `json:"success"`
	Key      string `json:"key,omitempty"`
	Expires  string `json:"expires,omitempty"`
	Existing bool   `json:"existing"`
	Message  string `json:"message"`
}

// VerifyResponse is the body of GET /verify.
type VerifyResponse struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	Expires        string `json:"expires,omitempty"`
	TimeLeft       string `json:"timeLeft,omitempty"`
	Session        string `json:"session,omitempty"`
	SessionExpires string `json:"sessionExpires,omitempty"`
}

// SessionResponse is the body of GET /session.
type SessionResponse struct {
	Valid   bool   `json:"valid"`
	Key     string `json:"key,omitempty"`
	HWID    string `json:"hwid,omitempty"`
	Expires string `json:"expires,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type issueParams struct {
	Service string `query:"service" validate:"max=64"`
	ClickID string `query:"clickid" validate:"max=256"`
	SubID   string `query:"subid" validate:"max=256"`
}

type verifyParams struct {
	Key  string `query:"key" validate:"required"`
	HWID string `query:"hwid" validate:"required,max=256,devicetoken"`
}

type sessionParams struct {
	Token string `query:"token" validate:"required,len=64,hexadecimal"`
}

// KeyHandler serves the public key endpoints.
type KeyHandler struct {
	service     services.KeyService
	validator   *middleware.Validator
	errs        *apierrors.ErrorHandler
	keyLifetime time.Duration
	logger      *slog.Logger
}

// NewKeyHandler creates a key handler. keyLifetime only shapes the user
// facing messages.
func NewKeyHandler(service services.KeyService, keyLifetime time.Duration, errs *apierrors.ErrorHandler, logger *slog.Logger) *KeyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if errs == nil {
		errs = apierrors.NewErrorHandler(logger, false)
	}
	return &KeyHandler{
		service:     service,
		validator:   middleware.NewValidator(),
		errs:        errs,
		keyLifetime: keyLifetime,
		logger:      logger.With(slog.String("handler", "key")),
	}
}

// Routes returns the public routes. The router is mounted at "/".
func (h *KeyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/key", h.Issue)
	r.Get("/verify", h.Verify)
	r.Get("/session", h.Session)
	return r
}

// Issue handles GET /key.
func (h *KeyHandler) Issue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := issueParams{Service: q.Get("service"), ClickID: q.Get("clickid"), SubID: q.Get("subid")}
	if err := h.validator.Struct(params); err != nil {
		h.errs.HandleError(w, r, err)
		return
	}

	result, err := h.service.Issue(r.Context(), identity.FromRequest(r), params.Service)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "key issuance failed", slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, IssueResponse{Success: false, Message: MsgServerError})
		return
	}

	msg := MsgExistingKey
	if !result.Existing {
		msg = fmt.Sprintf("Valid for %d hours", hours(result.ExpiresAt.Sub(result.CreatedAt)))
	}
	render.JSON(w, r, IssueResponse{
		Success:  true,
		Key:      result.Key,
		Expires:  formatTime(result.ExpiresAt),
		Existing: result.Existing,
		Message:  msg,
	})
}

// Verify handles GET /verify.
func (h *KeyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := verifyParams{Key: q.Get("key"), HWID: q.Get("hwid")}
	if err := h.validator.Struct(params); err != nil {
		msg := MsgInvalidParams
		if middleware.MissingFields(err) {
			msg = MsgMissingParams
		}
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, VerifyResponse{Success: false, Message: msg})
		return
	}

	result, err := h.service.Verify(r.Context(), activation.Request{
		RawKey:    params.Key,
		Device:    params.HWID,
		IP:        identity.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		status, msg := h.verifyFailure(err)
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", strconv.Itoa(60))
		}
		if status >= http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "verification failed", slog.String("error", err.Error()))
		}
		render.Status(r, status)
		render.JSON(w, r, VerifyResponse{Success: false, Message: msg})
		return
	}

	resp := VerifyResponse{
		Success:  true,
		Message:  MsgAccessGranted,
		Expires:  formatTime(result.ExpiresAt),
		TimeLeft: result.TimeLeftHours(),
	}
	if result.FirstActivation {
		resp.Message = MsgActivated
	}
	if result.Session != nil {
		resp.Session = result.Session.Token
		resp.SessionExpires = formatTime(result.Session.ExpiresAt)
	}
	render.JSON(w, r, resp)
}

func (h *KeyHandler) verifyFailure(err error) (int, string) {
	switch {
	case errors.Is(err, keys.ErrTooManyAttempts):
		return http.StatusTooManyRequests, MsgTooManyAttempts
	case errors.Is(err, keys.ErrInvalidFormat), errors.Is(err, keys.ErrNotFound):
		return http.StatusOK, MsgInvalidKey
	case errors.Is(err, keys.ErrExpired):
		return http.StatusOK, fmt.Sprintf("Key expired (%dh limit)", hours(h.keyLifetime))
	case errors.Is(err, keys.ErrDeviceMismatch):
		return http.StatusOK, MsgDeviceMismatch
	default:
		return http.StatusInternalServerError, MsgServerError
	}
}

// Session handles GET /session.
func (h *KeyHandler) Session(w http.ResponseWriter, r *http.Request) {
	params := sessionParams{Token: r.URL.Query().Get("token")}
	if err := h.validator.Struct(params); err != nil {
		reason := "invalid token"
		if middleware.MissingFields(err) {
			reason = "missing token"
		}
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, SessionResponse{Valid: false, Reason: reason})
		return
	}

	sess, err := h.service.Session(r.Context(), params.Token)
	switch {
	case errors.Is(err, keys.ErrSessionNotFound):
		render.JSON(w, r, SessionResponse{Valid: false, Reason: "session not found or expired"})
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "session lookup failed", slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, SessionResponse{Valid: false, Reason: MsgServerError})
		return
	}

	render.JSON(w, r, SessionResponse{
		Valid:   true,
		Key:     sess.Key,
		HWID:    sess.Device,
		Expires: formatTime(sess.ExpiresAt),
	})
}

// isoMillis renders timestamps as UTC ISO 8601 with milliseconds.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(isoMillis)
}

func hours(d time.Duration) int {
	return int(math.Ceil(d.Hours()))
}
