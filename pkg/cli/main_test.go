package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/nimburion/conveyor/pkg/config"
	"github.com/nimburion/conveyor/pkg/health"
	"github.com/nimburion/conveyor/pkg/observability/logger"
	"github.com/nimburion/conveyor/pkg/pipeline"
	"github.com/nimburion/conveyor/pkg/testutil"
	"github.com/nimburion/conveyor/pkg/worker"
)

const testConfig = `
log:
  level: error
pipeline:
  pipelines:
    content: [research, draft]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conveyor.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, opts Options, args ...string) (string, error) {
	t.Helper()
	cmd := NewCommand(opts)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func findCommand(root *cobra.Command, path ...string) *cobra.Command {
	cmd, _, err := root.Find(path)
	if err != nil || cmd == root {
		return nil
	}
	return cmd
}

func noopWorker(_ *config.Config, _ logger.Logger, w *worker.Worker) error {
	return w.Register("research", func(context.Context, *worker.Task) (json.RawMessage, error) {
		return nil, nil
	})
}

func TestNewCommandTree(t *testing.T) {
	root := NewCommand(Options{})
	if root.Use != "conveyor" {
		t.Fatalf("expected default name conveyor, got %q", root.Use)
	}
	for _, path := range [][]string{
		{"version"}, {"serve"}, {"dispatch"}, {"scheduler", "run"},
		{"jobs", "submit"}, {"jobs", "status"}, {"dlq", "list"}, {"dlq", "replay"},
		{"health"}, {"rollup"}, {"snapshot"}, {"reconcile"},
		{"migrate", "up"}, {"migrate", "down"}, {"migrate", "status"},
		{"config", "show"}, {"config", "validate"},
	} {
		if findCommand(root, path...) == nil {
			t.Errorf("expected command %v", path)
		}
	}
	if findCommand(root, "worker") != nil {
		t.Error("expected no worker command without ConfigureWorker")
	}

	custom := &cobra.Command{Use: "custom"}
	root = NewCommand(Options{ConfigureWorker: noopWorker, CustomCommands: []*cobra.Command{custom, nil}})
	if findCommand(root, "worker") == nil {
		t.Error("expected worker command with ConfigureWorker")
	}
	if findCommand(root, "custom") == nil {
		t.Error("expected custom command")
	}
}

func TestCommandPolicies(t *testing.T) {
	root := NewCommand(Options{ConfigureWorker: noopWorker, CustomCommands: []*cobra.Command{{Use: "custom"}}})
	cases := []struct {
		path []string
		want CommandPolicy
	}{
		{[]string{"serve"}, PolicyRun},
		{[]string{"worker"}, PolicyRun},
		{[]string{"dispatch"}, PolicyScheduled},
		{[]string{"rollup"}, PolicyScheduled},
		{[]string{"migrate", "up"}, PolicyMigration},
		{[]string{"migrate", "status"}, PolicyAlways},
		{[]string{"health"}, PolicyAlways},
		{[]string{"jobs", "submit"}, PolicyManual},
		{[]string{"custom"}, PolicyManual},
	}
	for _, tc := range cases {
		cmd := findCommand(root, tc.path...)
		if cmd == nil {
			t.Fatalf("missing command %v", tc.path)
		}
		if got := GetCommandPolicies(cmd)[defaultPolicyContext]; got != string(tc.want) {
			t.Errorf("%v: expected policy %s, got %s", tc.path, tc.want, got)
		}
	}
}

func TestSetCommandPoliciesIgnoresBlankEntries(t *testing.T) {
	cmd := &cobra.Command{Use: "x"}
	SetCommandPolicies(cmd, map[string]CommandPolicy{" ": PolicyRun, "deploy": "", "run": PolicyManual})
	got := GetCommandPolicies(cmd)
	if len(got) != 1 || got["run"] != string(PolicyManual) {
		t.Fatalf("unexpected policies %v", got)
	}
	SetCommandPolicies(nil, map[string]CommandPolicy{"run": PolicyRun})
	if len(GetCommandPolicies(nil)) != 0 {
		t.Fatal("expected no policies for nil command")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, Options{Name: "conveyor-test"}, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "Service:    conveyor-test") {
		t.Errorf("unexpected version output:\n%s", out)
	}
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	path := writeConfig(t, testConfig)
	secretPath := filepath.Join(t.TempDir(), "extra-secrets.yaml")
	if err := os.WriteFile(secretPath, []byte("database:\n  url: postgres://user:hunter2@db/conveyor\n"), 0o600); err != nil {
		t.Fatalf("write secrets: %v", err)
	}
	// restores the variable the --secret-file flag sets
	t.Setenv("CONVEYOR_SECRETS_FILE", secretPath)
	t.Setenv("CONVEYOR_HTTP_PORT", "9191")

	out, err := run(t, Options{}, "--config-file", path, "--secret-file", secretPath, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if strings.Contains(out, "hunter2") {
		t.Errorf("expected secret to be redacted:\n%s", out)
	}
	if !strings.Contains(out, "url: ***") {
		t.Errorf("expected masked url:\n%s", out)
	}
	if !strings.Contains(out, "port: 9191") {
		t.Errorf("expected env override to be shown:\n%s", out)
	}
}

func TestConfigValidate(t *testing.T) {
	out, err := run(t, Options{}, "--config-file", writeConfig(t, testConfig), "config", "validate")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "configuration is valid") {
		t.Errorf("unexpected output %q", out)
	}

	bad := writeConfig(t, "log:\n  level: error\ndatabase:\n  type: cassandra\n")
	if _, err := run(t, Options{}, "--config-file", bad, "config", "validate"); err == nil || !strings.Contains(err.Error(), "database.type") {
		t.Fatalf("expected database.type error, got %v", err)
	}
}

func TestJobsSubmit(t *testing.T) {
	path := writeConfig(t, testConfig)
	out, err := run(t, Options{}, "--config-file", path,
		"jobs", "submit", "--type", "content", "--payload", `{"topic":"go"}`, "--priority", "3")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var job pipeline.Job
	if err := json.Unmarshal([]byte(out), &job); err != nil {
		t.Fatalf("decode job %q: %v", out, err)
	}
	if job.ID == "" || job.Stage != "research" || job.Status != pipeline.JobQueued || job.Priority != 3 {
		t.Errorf("unexpected job %+v", job)
	}

	if _, err := run(t, Options{}, "--config-file", path, "jobs", "submit", "--type", "unknown"); err == nil {
		t.Error("expected unknown job type to fail")
	}
	if _, err := run(t, Options{}, "--config-file", path, "jobs", "status", "missing"); !errors.Is(err, pipeline.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestHealthCommandOnEmptyPipeline(t *testing.T) {
	out, err := run(t, Options{}, "--config-file", writeConfig(t, testConfig), "health", "--deps")
	if err != nil {
		t.Fatalf("health: %v\n%s", err, out)
	}
	var report struct {
		Pipeline struct {
			Status string `json:"status"`
		} `json:"pipeline"`
		Dependencies struct {
			Status string `json:"status"`
		} `json:"dependencies"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Pipeline.Status != "healthy" || report.Dependencies.Status != "healthy" {
		t.Errorf("unexpected report %s", out)
	}
}

func TestDispatchAndSnapshotCommands(t *testing.T) {
	path := writeConfig(t, testConfig)
	out, err := run(t, Options{}, "--config-file", path, "dispatch")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !strings.Contains(out, "started_at") {
		t.Errorf("expected tick report, got %s", out)
	}
	if _, err := run(t, Options{}, "--config-file", path, "snapshot"); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	out, err = run(t, Options{}, "--config-file", path, "rollup")
	if err != nil {
		t.Fatalf("rollup: %v", err)
	}
	if !strings.Contains(out, `"refreshed": 0`) {
		t.Errorf("expected no rollups on an empty store, got %s", out)
	}
	out, err = run(t, Options{}, "--config-file", path, "reconcile", "--grace", "0s")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !strings.Contains(out, `"resent": 0`) {
		t.Errorf("expected an empty reconcile report, got %s", out)
	}
}

func TestMigrateRequiresPostgres(t *testing.T) {
	_, err := run(t, Options{}, "--config-file", writeConfig(t, testConfig), "migrate", "up")
	if err == nil || !strings.Contains(err.Error(), "database.type postgres") {
		t.Fatalf("expected postgres requirement, got %v", err)
	}
	if _, err := run(t, Options{}, "migrate", "down", "two"); err == nil {
		t.Fatal("expected invalid steps to fail")
	}
}

func TestApplySecretFileFlag(t *testing.T) {
	if err := applySecretFileFlag("conveyor", ""); err != nil {
		t.Fatalf("empty path: %v", err)
	}
	if err := applySecretFileFlag("conveyor", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected missing file error")
	}
	if err := applySecretFileFlag("conveyor", t.TempDir()); err == nil || !strings.Contains(err.Error(), "directory") {
		t.Fatalf("expected directory error, got %v", err)
	}
}

func TestResolveEnvPrefix(t *testing.T) {
	if got := resolveEnvPrefix("  "); got != config.DefaultEnvPrefix {
		t.Errorf("expected default prefix, got %s", got)
	}
	if got := resolveEnvPrefix(" conveyor "); got != "CONVEYOR" {
		t.Errorf("expected CONVEYOR, got %s", got)
	}
}

func TestAppWithMemoryBackends(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Pipeline.Pipelines = pipeline.Pipelines{"content": {"research", "draft"}}
	cfg.Pipeline.StageQueues = map[string]string{"draft": "writing"}

	app, err := NewApp(context.Background(), cfg, testutil.NopLogger{})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer app.Close(context.Background())

	if got := app.Stages(); len(got) != 2 || got[0] != "draft" || got[1] != "research" {
		t.Errorf("unexpected stages %v", got)
	}
	if got := app.Queues(); len(got) != 2 || got[0] != "research" || got[1] != "writing" {
		t.Errorf("unexpected queues %v", got)
	}

	w, err := app.NewWorker(func(w *worker.Worker) error {
		return noopWorker(cfg, app.Log, w)
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	defer w.Stop(context.Background())

	handler, err := app.Handler(w.HTTPHandler())
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected healthy, got %d: %s", rec.Code, rec.Body.String())
	}
	for _, name := range []string{"process", "queue", "stage_source"} {
		result, err := app.Health.CheckOne(context.Background(), name)
		if err != nil || result.Status != health.StatusHealthy {
			t.Errorf("expected %s to be healthy, got %+v (%v)", name, result, err)
		}
	}

	if _, err := NewApp(context.Background(), nil, testutil.NopLogger{}); err == nil {
		t.Error("expected nil config to fail")
	}
}

func TestNewSchedulerRequiresPostgresForPostgresLocks(t *testing.T) {
	cfg := config.DefaultConfig()
	app, err := NewApp(context.Background(), cfg, testutil.NopLogger{})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer app.Close(context.Background())

	if _, err := app.NewScheduler(); err == nil || !strings.Contains(err.Error(), "requires database.type postgres") {
		t.Fatalf("expected postgres requirement, got %v", err)
	}
}
