package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"keygate/internal/app"
	"keygate/internal/config"
	"keygate/internal/infrastructure"
	"keygate/internal/keystore/memory"
	"keygate/internal/report"
	"keygate/internal/services"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// sharedOpener serves every command from one memory store so state carries
// across invocations.
func sharedOpener(t *testing.T) Opener {
	t.Helper()
	store := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := app.NewEngine(store, config.Default(), logger)
	svc := services.NewKeyService(services.Deps{
		Store: store, Issuer: eng.Issuer, Verifier: eng.Verifier, Sweeper: eng.Sweeper, Logger: logger,
	})
	return func(context.Context) (services.KeyService, io.Closer, error) {
		return svc, nopCloser{}, nil
	}
}

func run(t *testing.T, open Opener, args ...string) (map[string]interface{}, error) {
	t.Helper()
	cmd := NewRootCommand(open)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		return nil, err
	}
	var body map[string]interface{}
	if out.Len() > 0 {
		require.NoError(t, json.Unmarshal(out.Bytes(), &body))
	}
	return body, nil
}

func TestIssueVerifyStats(t *testing.T) {
	open := sharedOpener(t)

	issued, err := run(t, open, "issue", "--identity", "click-42", "--service", "linkvertise")
	require.NoError(t, err)
	key := issued["key"].(string)
	assert.Regexp(t, `^LV-[0-9A-F]{4}-[0-9A-F]{2}$`, key)
	assert.Equal(t, "click", issued["identity"])
	assert.Equal(t, false, issued["existing"])

	again, err := run(t, open, "issue", "--identity", "click-42")
	require.NoError(t, err)
	assert.Equal(t, key, again["key"])
	assert.Equal(t, true, again["existing"])

	verified, err := run(t, open, "verify", "--key", key, "--hwid", "HW-1")
	require.NoError(t, err)
	assert.Equal(t, true, verified["firstActivation"])
	assert.Equal(t, "9h", verified["timeLeft"])
	assert.Len(t, verified["session"], 64)

	_, err = run(t, open, "verify", "--key", key, "--hwid", "HW-2")
	assert.ErrorContains(t, err, "another device")

	stats, err := run(t, open, "stats")
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats["totalKeys"])
	assert.EqualValues(t, 1, stats["usedKeys"])

	rep, err := run(t, open, "sweep")
	require.NoError(t, err)
	assert.EqualValues(t, 0, rep["keys"])
}

func TestIssueRequiresIdentity(t *testing.T) {
	_, err := run(t, sharedOpener(t), "issue", "--service", "lootlabs")
	assert.ErrorContains(t, err, "--identity or --sub")
}

func TestVerifyRequiresFlags(t *testing.T) {
	_, err := run(t, sharedOpener(t), "verify", "--key", "LL-0000-01")
	assert.ErrorContains(t, err, "hwid")
}

func TestExportWritesWorkbook(t *testing.T) {
	open := sharedOpener(t)
	issued, err := run(t, open, "issue", "--sub", "s-1", "--service", "lootlabs")
	require.NoError(t, err)
	_, err = run(t, open, "verify", "--key", issued["key"].(string), "--hwid", "HW-9")
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "acts.xlsx")
	_, err = run(t, open, "export", "--out", out, "--limit", "5")
	require.NoError(t, err)

	f, err := excelize.OpenFile(out)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(report.SheetActivations)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	_, err = run(t, open, "export", "--limit", "0")
	assert.ErrorContains(t, err, "--limit must be positive")
}

func TestDefaultOpenerMemoryStore(t *testing.T) {
	t.Setenv(config.EnvPrefix+"_SECURITY_ADMIN_TOKEN", "token")
	t.Setenv(config.EnvPrefix+"_STORE_DRIVER", "memory")
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	svc, closer, err := DefaultOpener("")(context.Background())
	require.NoError(t, err)
	defer closer.Close()

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalKeys)
}

func TestCommandContextCarriesTraceID(t *testing.T) {
	shared := sharedOpener(t)
	var traceIDs []string
	open := func(ctx context.Context) (services.KeyService, io.Closer, error) {
		traceIDs = append(traceIDs, infrastructure.GetTraceID(ctx))
		return shared(ctx)
	}

	_, err := run(t, open, "stats")
	require.NoError(t, err)
	_, err = run(t, open, "stats")
	require.NoError(t, err)

	require.Len(t, traceIDs, 2)
	assert.Len(t, traceIDs[0], 36)
	assert.NotEqual(t, traceIDs[0], traceIDs[1])
}
