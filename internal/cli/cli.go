// Package cli implements keygatectl, the operator command line for a keygate
// key store.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"keygate/internal/activation"
	"keygate/internal/app"
	"keygate/internal/config"
	"keygate/internal/identity"
	"keygate/internal/infrastructure"
	"keygate/internal/keys"
	"keygate/internal/services"
)

// Opener builds the key service a command runs against. The closer releases
// the underlying store.
type Opener func(ctx context.Context) (services.KeyService, io.Closer, error)

type options struct {
	configPath string
	timeout    time.Duration
	open       Opener
}

// NewRootCommand builds the keygatectl command tree. A nil opener uses the
// configured store (see DefaultOpener).
func NewRootCommand(open Opener) *cobra.Command {
	opts := &options{open: open}
	cmd := &cobra.Command{
		Use:           "keygatectl",
		Short:         "Operate a keygate key store",
		Version:       config.AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (overrides "+config.EnvPrefix+"_CONFIG)")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "deadline for the whole command")

	cmd.AddCommand(
		newIssueCommand(opts),
		newVerifyCommand(opts),
		newSweepCommand(opts),
		newStatsCommand(opts),
		newExportCommand(opts),
	)
	return cmd
}

// DefaultOpener loads the configuration from the environment and config
// file and opens the configured store. Logs go to stderr.
func DefaultOpener(configPath string) Opener {
	return func(ctx context.Context) (services.KeyService, io.Closer, error) {
		if configPath != "" {
			if err := os.Setenv(config.EnvPrefix+"_CONFIG", configPath); err != nil {
				return nil, nil, err
			}
		}
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		logger := infrastructure.NewLogger(os.Stderr, cfg.Logging.Level)

		store, err := app.OpenStore(ctx, cfg.Store, logger)
		if err != nil {
			return nil, nil, err
		}
		eng := app.NewEngine(store, cfg, logger)
		svc := services.NewKeyService(services.Deps{
			Store:    store,
			Issuer:   eng.Issuer,
			Verifier: eng.Verifier,
			Sweeper:  eng.Sweeper,
			Logger:   logger,
		})
		return svc, store, nil
	}
}

// with runs fn against an opened service under the command deadline. Every
// log line of one invocation carries the same trace id.
func (o *options) with(cmd *cobra.Command, fn func(ctx context.Context, svc services.KeyService) error) error {
	ctx, cancel := context.WithTimeout(infrastructure.EnsureTraceID(cmd.Context()), o.timeout)
	defer cancel()

	open := o.open
	if open == nil {
		open = DefaultOpener(o.configPath)
	}
	svc, closer, err := open(ctx)
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer closer.Close()
	return fn(ctx, svc)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newIssueCommand(opts *options) *cobra.Command {
	var ident, sub, service string
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue (or look up) the key bound to an identity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if ident == "" && sub == "" {
				return errors.New("one of --identity or --sub is required")
			}
			return opts.with(cmd, func(ctx context.Context, svc services.KeyService) error {
				res, err := svc.Issue(ctx, identity.Signals{ClickID: ident, SubID: sub}, service)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"key":      res.Key,
					"service":  res.Service,
					"identity": identity.Identity(res.Identity).Origin(),
					"expires":  res.ExpiresAt.UTC().Format(time.RFC3339),
					"existing": res.Existing,
				})
			})
		},
	}
	cmd.Flags().StringVar(&ident, "identity", "", "click id the identity is derived from")
	cmd.Flags().StringVar(&sub, "sub", "", "sub id the identity is derived from")
	cmd.Flags().StringVar(&service, "service", "", "referring service (lootlabs, linkvertise, ...)")
	return cmd
}

func newVerifyCommand(opts *options) *cobra.Command {
	var key, hwid string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Activate a key for a device",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.with(cmd, func(ctx context.Context, svc services.KeyService) error {
				res, err := svc.Verify(ctx, activation.Request{
					RawKey:    key,
					Device:    hwid,
					UserAgent: "keygatectl/" + config.AppVersion,
				})
				if err != nil {
					return fmt.Errorf("verify %s: %w", keys.Mask(keys.Normalize(key)), err)
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"key":             res.Key,
					"firstActivation": res.FirstActivation,
					"expires":         res.ExpiresAt.UTC().Format(time.RFC3339),
					"timeLeft":        res.TimeLeftHours(),
					"session":         res.Session.Token,
					"sessionExpires":  res.Session.ExpiresAt.UTC().Format(time.RFC3339),
				})
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "activation key")
	cmd.Flags().StringVar(&hwid, "hwid", "", "device token")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("hwid")
	return cmd
}

func newSweepCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Purge stale bindings, expired keys and sessions now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.with(cmd, func(ctx context.Context, svc services.KeyService) error {
				rep, err := svc.Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rep)
			})
		},
	}
}

func newStatsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print key and activation counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.with(cmd, func(ctx context.Context, svc services.KeyService) error {
				stats, err := svc.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func newExportCommand(opts *options) *cobra.Command {
	var (
		out   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write recent activations and stats to an xlsx workbook",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}
			return opts.with(cmd, func(ctx context.Context, svc services.KeyService) error {
				if out == "-" {
					return svc.ExportActivations(ctx, cmd.OutOrStdout(), limit)
				}
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("create %s: %w", out, err)
				}
				if err := svc.ExportActivations(ctx, f, limit); err != nil {
					f.Close()
					_ = os.Remove(out)
					return err
				}
				if err := f.Close(); err != nil {
					return fmt.Errorf("close %s: %w", out, err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "activations.xlsx", "output path, - for stdout")
	cmd.Flags().IntVar(&limit, "limit", 1000, "maximum activations to include")
	return cmd
}
