package app

import (
	"context"
	"fmt"
	"log/slog"

	"keygate/internal/activation"
	"keygate/internal/config"
	"keygate/internal/issuer"
	"keygate/internal/keystore"
	"keygate/internal/keystore/gormstore"
	"keygate/internal/keystore/memory"
	"keygate/internal/keystore/redisstore"
	"keygate/internal/sweeper"
)

// OpenStore connects the backend selected by cfg.Driver and verifies it
// answers a ping.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (keystore.Store, error) {
	var (
		store keystore.Store
		err   error
	)
	switch cfg.Driver {
	case keystore.DriverMemory, "":
		store = memory.New()
	case keystore.DriverRedis:
		client, cerr := redisstore.Connect(ctx, cfg.RedisURL)
		if cerr != nil {
			return nil, cerr
		}
		store = redisstore.New(client, cfg.RedisPrefix)
	case keystore.DriverPostgres, keystore.DriverSQLite:
		store, err = gormstore.Open(ctx, gormstore.Config{Driver: cfg.Driver, DSN: cfg.DSN, LogSQL: cfg.LogSQL})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}

	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("key store %s unreachable: %w", cfg.Driver, err)
	}
	logger.InfoContext(ctx, "Key store ready", slog.String("driver", cfg.Driver))
	return store, nil
}

// Engine is the key lifecycle without any transport. The server and
// keygatectl both build one.
type Engine struct {
	Store    keystore.Store
	Issuer   *issuer.Issuer
	Verifier *activation.Verifier
	Guard    *activation.AttemptGuard
	Sweeper  *sweeper.Sweeper
}

// NewEngine builds the issuer, verifier and sweeper over store from the
// policy and attempt guard settings. The guard is always registered with the
// sweeper; extra options are appended.
func NewEngine(store keystore.Store, cfg *config.Config, logger *slog.Logger, sweepOpts ...sweeper.Option) *Engine {
	policy := cfg.Policy.Keys()
	g := cfg.Security.AttemptGuard
	guard := activation.NewAttemptGuard(g.MaxFailures, g.Window, g.Block)

	opts := append([]sweeper.Option{
		sweeper.WithInterval(cfg.Policy.SweepInterval),
		sweeper.WithPruner(guard),
	}, sweepOpts...)

	return &Engine{
		Store: store,
		Issuer: issuer.New(store, policy, logger,
			issuer.WithInlinePurge(cfg.Policy.InlineSweep),
			issuer.WithMaxAttempts(cfg.Policy.MaxKeyAttempts)),
		Verifier: activation.New(store, policy, logger, activation.WithGuard(guard)),
		Guard:    guard,
		Sweeper:  sweeper.New(store, policy, logger, opts...),
	}
}
