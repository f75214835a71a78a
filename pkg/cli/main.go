// Package cli builds the conveyor command line.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nimburion/conveyor/pkg/config"
	"github.com/nimburion/conveyor/pkg/observability/logger"
	"github.com/nimburion/conveyor/pkg/version"
	"github.com/nimburion/conveyor/pkg/worker"
)

const (
	policiesAnnotationPrefix = "policies."
	defaultPolicyContext     = "run"
)

// CommandPolicy tells deployment tooling when a command is meant to run.
type CommandPolicy string

const (
	PolicyAlways    CommandPolicy = "always"
	PolicyMigration CommandPolicy = "migration"
	PolicyRun       CommandPolicy = "run"
	PolicyManual    CommandPolicy = "manual"
	PolicyScheduled CommandPolicy = "scheduled"
)

// Options customizes the command tree.
type Options struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string

	// ConfigureWorker registers stage handlers. The worker command and the
	// worker intake of serve are only available when it is set.
	ConfigureWorker func(cfg *config.Config, log logger.Logger, w *worker.Worker) error

	// CustomCommands are added to the root command.
	CustomCommands []*cobra.Command
}

type loaded struct {
	cfg     *config.Config
	secrets *config.Config
	log     logger.Logger
}

// NewCommand creates the conveyor CLI.
func NewCommand(opts Options) *cobra.Command {
	if opts.Name == "" {
		opts.Name = "conveyor"
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = config.DefaultEnvPrefix
	}
	if opts.Description == "" {
		opts.Description = "Durable multi-stage job queue and dispatcher"
	}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	SetCommandPolicies(rootCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})

	var cfgPath, secretFilePath string
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&secretFilePath, "secret-file", "", "path to secrets file (sets "+opts.EnvPrefix+"_SECRETS_FILE)")

	load := func() (*loaded, error) {
		return loadConfigAndLogger(cfgPath, opts.EnvPrefix, secretFilePath, opts.Name)
	}
	withApp := func(cmd *cobra.Command, fn func(ctx context.Context, app *App) error) error {
		l, err := load()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		app, err := NewApp(ctx, l.cfg, l.log)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := app.Close(context.Background()); closeErr != nil {
				l.log.Error("failed to close application", "error", closeErr)
			}
		}()
		return fn(ctx, app)
	}

	rootCmd.AddCommand(
		newVersionCommand(opts.Name),
		newServeCommand(opts, withApp),
		newDispatchCommand(withApp),
		newSchedulerCommand(withApp),
		newJobsCommand(withApp),
		newDLQCommand(withApp),
		newHealthCommand(withApp),
		newRollupCommand(withApp),
		newSnapshotCommand(withApp),
		newReconcileCommand(withApp),
		newMigrateCommand(load),
		newConfigCommand(load),
	)
	if opts.ConfigureWorker != nil {
		rootCmd.AddCommand(newWorkerCommand(opts, withApp))
	}
	for _, custom := range opts.CustomCommands {
		if custom != nil {
			rootCmd.AddCommand(custom)
		}
	}
	for _, cmd := range rootCmd.Commands() {
		ensureDefaultPolicy(cmd)
	}
	return rootCmd
}

// Execute runs the command and exits with appropriate code.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfigAndLogger loads configuration with secrets and builds the
// process logger from it.
func loadConfigAndLogger(cfgPath, envPrefix, secretFilePath, defaultServiceName string) (*loaded, error) {
	if err := applySecretFileFlag(envPrefix, secretFilePath); err != nil {
		return nil, err
	}
	cfg, secrets, err := config.NewViperLoader(cfgPath, envPrefix).
		WithServiceNameDefault(defaultServiceName).
		LoadWithSecrets()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logCfg := cfg.Log.Logger()
	logCfg.Fields = map[string]string{"service": cfg.Service.Name}
	if cfg.Service.Environment != "" {
		logCfg.Fields["environment"] = cfg.Service.Environment
	}
	log, err := logger.NewZapLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	if strings.EqualFold(cfg.Log.Level, string(logger.DebugLevel)) {
		log.Debug("effective configuration", "config", cfg.Redacted(secrets))
	}
	return &loaded{cfg: cfg, secrets: secrets, log: log}, nil
}

func applySecretFileFlag(envPrefix, secretFilePath string) error {
	if secretFilePath == "" {
		return nil
	}
	info, err := os.Stat(secretFilePath)
	if err != nil {
		return fmt.Errorf("secret file %s is not accessible: %w", secretFilePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secret file %s must not be a directory", secretFilePath)
	}
	return os.Setenv(resolveEnvPrefix(envPrefix)+"_SECRETS_FILE", filepath.Clean(secretFilePath))
}

func resolveEnvPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return config.DefaultEnvPrefix
	}
	return strings.ToUpper(trimmed)
}

func newVersionCommand(name string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			info := version.Current(name)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
		},
	}
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	return cmd
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// SetCommandPolicies stores policies as command annotations.
func SetCommandPolicies(cmd *cobra.Command, policies map[string]CommandPolicy) {
	if cmd == nil || len(policies) == 0 {
		return
	}
	if cmd.Annotations == nil {
		cmd.Annotations = map[string]string{}
	}
	for key, policy := range policies {
		key = strings.TrimSpace(key)
		if key == "" || policy == "" {
			continue
		}
		cmd.Annotations[policiesAnnotationPrefix+key] = string(policy)
	}
}

// GetCommandPolicies reads the policies stored by SetCommandPolicies.
func GetCommandPolicies(cmd *cobra.Command) map[string]string {
	out := map[string]string{}
	if cmd == nil {
		return out
	}
	keys := make([]string, 0, len(cmd.Annotations))
	for key := range cmd.Annotations {
		if strings.HasPrefix(key, policiesAnnotationPrefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		out[strings.TrimPrefix(key, policiesAnnotationPrefix)] = cmd.Annotations[key]
	}
	return out
}

func ensureDefaultPolicy(cmd *cobra.Command) {
	if _, ok := GetCommandPolicies(cmd)[defaultPolicyContext]; !ok {
		SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyManual})
	}
	for _, child := range cmd.Commands() {
		ensureDefaultPolicy(child)
	}
}

var errUnhealthy = errors.New("pipeline is unhealthy")
