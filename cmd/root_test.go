package cmd

import (
	"bytes"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-job-tracker/internal/app"
	"github.com/JakeFAU/keyword-job-tracker/internal/config"
	"github.com/JakeFAU/keyword-job-tracker/internal/devserver"
)

// isolateApp builds apps against a private registry for the duration of t.
func isolateApp(t *testing.T) {
	t.Helper()
	orig := newApp
	newApp = func(cfg config.Config, logger *zap.Logger, out io.Writer) (*app.App, error) {
		return app.New(cfg, logger, app.Options{Out: out, Registerer: prometheus.NewRegistry()})
	}
	t.Cleanup(func() { newApp = orig })
}

func writeConfig(t *testing.T, baseURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobtracker.yaml")
	body := "api:\n  base_url: " + baseURL + "\n" +
		"tracker:\n  reconnect_delay_ms: 10\n  settle_delay_ms: 10\n" +
		"insight:\n  poll_interval_seconds: 1\n" +
		"logging:\n  development: false\n  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCLI_AnalyzeAndTrack(t *testing.T) {
	isolateApp(t)
	srv := devserver.New(devserver.Options{StepDelay: 2 * time.Millisecond, CloseGrace: time.Second})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	cfgPath := writeConfig(t, ts.URL)

	out, err := runCLI(t, "analyze", "white", "tea", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "job 1 completed")
	assert.Contains(t, out, "Results for job 1")

	out, err = runCLI(t, "track", "1", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "job 1 completed")

	out, err = runCLI(t, "analyze", "fail please", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, out, "job 2 failed: search volume provider unavailable")
}

func TestCLI_HistoryAndInsight(t *testing.T) {
	isolateApp(t)
	srv := devserver.New(devserver.Options{StepDelay: 20 * time.Millisecond, CloseGrace: time.Second})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	cfgPath := writeConfig(t, ts.URL)

	out, err := runCLI(t, "history", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "no jobs")

	_, err = runCLI(t, "analyze", "white tea", "--config", cfgPath)
	require.NoError(t, err)
	_, err = runCLI(t, "analyze", "black coffee", "--config", cfgPath)
	require.NoError(t, err)

	out, err = runCLI(t, "history", "--config", cfgPath)
	require.NoError(t, err)
	require.Contains(t, out, "SEED")
	assert.Less(t, strings.Index(out, "black coffee"), strings.Index(out, "white tea"), "newest first")

	out, err = runCLI(t, "history", "--keyword", "TEA", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "white tea")
	assert.NotContains(t, out, "black coffee")

	out, err = runCLI(t, "history", "--keyword", "tea", "--track", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "job 1 completed")

	_, err = runCLI(t, "history", "--keyword", "matcha", "--track", "--config", cfgPath)
	require.ErrorContains(t, err, "no job to track")

	out, err = runCLI(t, "insight", "1", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "integrated analysis processing")
	assert.Contains(t, out, `"white tea" draws`)

	out, err = runCLI(t, "insight", "1", "--config", cfgPath)
	require.NoError(t, err)
	assert.NotContains(t, out, "processing", "a finished analysis is reused")
	assert.Contains(t, out, `"white tea" draws`)
}

func TestCLI_Errors(t *testing.T) {
	isolateApp(t)
	cfgPath := writeConfig(t, "http://127.0.0.1:1")

	_, err := runCLI(t, "track", "abc", "--config", cfgPath)
	require.ErrorContains(t, err, `invalid job id "abc"`)

	_, err = runCLI(t, "track", "--config", cfgPath)
	require.Error(t, err)

	_, err = runCLI(t, "insight", "0", "--config", cfgPath)
	require.ErrorContains(t, err, `invalid job id "0"`)

	_, err = runCLI(t, "history", "--skip", "-1", "--config", cfgPath)
	require.ErrorContains(t, err, "must not be negative")

	_, err = runCLI(t, "analyze", "x", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "load config")
}
