package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nimburion/conveyor/pkg/deadletter"
	"github.com/nimburion/conveyor/pkg/health"
	"github.com/nimburion/conveyor/pkg/migrate"
	"github.com/nimburion/conveyor/pkg/pipeline"
	"github.com/nimburion/conveyor/pkg/server"
	"github.com/nimburion/conveyor/pkg/store/postgres"
	"github.com/nimburion/conveyor/pkg/worker"
)

type appRunner func(cmd *cobra.Command, fn func(ctx context.Context, app *App) error) error

type configLoader func() (*loaded, error)

func newServeCommand(opts Options, withApp appRunner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, and the scheduler when enabled",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				var (
					w      *worker.Worker
					intake http.Handler
				)
				if opts.ConfigureWorker != nil {
					var err error
					w, err = app.NewWorker(func(w *worker.Worker) error {
						return opts.ConfigureWorker(app.Config, app.Log, w)
					})
					if err != nil {
						return err
					}
					intake = w.HTTPHandler()
				}
				handler, err := app.Handler(intake)
				if err != nil {
					return err
				}

				httpCfg := app.Config.HTTP
				srv := server.NewServer(server.Config{
					Port:         httpCfg.Port,
					ReadTimeout:  httpCfg.ReadTimeout,
					WriteTimeout: httpCfg.WriteTimeout,
					IdleTimeout:  httpCfg.IdleTimeout,
				}, handler, app.Log)

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return srv.Start(gctx) })
				if app.Config.Scheduler.Enabled {
					rt, err := app.NewScheduler()
					if err != nil {
						return err
					}
					g.Go(func() error { return rt.Start(gctx) })
				}
				err = g.Wait()

				if w != nil {
					stopCtx, cancel := context.WithTimeout(context.Background(), app.Config.Worker.StopTimeout)
					defer cancel()
					if stopErr := w.Stop(stopCtx); stopErr != nil {
						err = errors.Join(err, stopErr)
					}
				}
				return err
			})
		},
	}
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyRun})
	return cmd
}

func newWorkerCommand(opts Options, withApp appRunner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Poll the registered stages until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				w, err := app.NewWorker(func(w *worker.Worker) error {
					return opts.ConfigureWorker(app.Config, app.Log, w)
				})
				if err != nil {
					return err
				}
				pollErr := w.Poll(ctx)
				stopCtx, cancel := context.WithTimeout(context.Background(), app.Config.Worker.StopTimeout)
				defer cancel()
				return errors.Join(pollErr, w.Stop(stopCtx))
			})
		},
	}
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyRun})
	return cmd
}

func newDispatchCommand(withApp appRunner) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run one dispatcher tick, or tick every dispatcher.interval with --watch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				if !watch {
					report, err := app.Dispatcher.Tick(ctx)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), report)
				}
				ticker := time.NewTicker(app.Config.Dispatcher.Interval)
				defer ticker.Stop()
				for {
					if _, err := app.Dispatcher.Tick(ctx); err != nil && ctx.Err() == nil {
						app.Log.Error("dispatcher tick failed", "error", err)
					}
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
				}
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep ticking until interrupted")
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyScheduled})
	return cmd
}

func newSchedulerCommand(withApp appRunner) *cobra.Command {
	schedulerCmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Periodic task commands",
	}
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the dispatcher tick, rollup, snapshot and health tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				rt, err := app.NewScheduler()
				if err != nil {
					return err
				}
				return rt.Start(ctx)
			})
		},
	}
	SetCommandPolicies(runCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyRun})
	schedulerCmd.AddCommand(runCmd)
	return schedulerCmd
}

func newJobsCommand(withApp appRunner) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Job commands",
	}

	var (
		jobType     string
		payload     string
		stage       string
		priority    int
		maxAttempts int
		retryDelay  int
		delay       time.Duration
	)
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Create a job and enqueue its first stage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var raw json.RawMessage
			if payload != "" {
				raw = json.RawMessage(payload)
			}
			return withApp(cmd, func(ctx context.Context, app *App) error {
				job, err := app.Tracker.CreateJob(ctx, pipeline.CreateJobRequest{
					JobType:           jobType,
					Payload:           raw,
					InitialStage:      stage,
					Priority:          priority,
					MaxAttempts:       maxAttempts,
					RetryDelaySeconds: retryDelay,
					Delay:             delay,
				})
				if err != nil && job != nil {
					// Recorded but not sent; reconcile picks the stage up.
					if writeErr := writeJSON(cmd.OutOrStdout(), job); writeErr != nil {
						return writeErr
					}
				}
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), job)
			})
		},
	}
	submitCmd.Flags().StringVar(&jobType, "type", "", "job type")
	submitCmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	submitCmd.Flags().StringVar(&stage, "stage", "", "initial stage (default: first stage of the job type pipeline)")
	submitCmd.Flags().IntVar(&priority, "priority", 0, "priority, higher runs first")
	submitCmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempts per stage (default: pipeline.default_max_attempts)")
	submitCmd.Flags().IntVar(&retryDelay, "retry-delay", 0, "base retry delay in seconds (default: pipeline.default_retry_delay_seconds)")
	submitCmd.Flags().DurationVar(&delay, "delay", 0, "delay before the first stage becomes visible")
	_ = submitCmd.MarkFlagRequired("type")

	var withEvents bool
	statusCmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job and its stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				job, err := app.Tracker.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				stages, err := app.Tracker.ListStages(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"job": job, "stages": stages}
				if withEvents {
					events, err := app.Tracker.ListEvents(ctx, args[0])
					if err != nil {
						return err
					}
					out["events"] = events
				}
				return writeJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	statusCmd.Flags().BoolVar(&withEvents, "events", false, "include the job event log")

	jobsCmd.AddCommand(submitCmd, statusCmd)
	return jobsCmd
}

func newDLQCommand(withApp appRunner) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Dead-letter commands",
	}

	var (
		filter deadletter.Filter
		since  time.Duration
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter records, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				f := filter
				if since > 0 {
					f.Since = time.Now().Add(-since)
				}
				records, err := app.Tracker.ListDeadLetters(ctx, f)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), records)
			})
		},
	}
	listCmd.Flags().StringVar(&filter.QueueName, "queue", "", "filter by queue")
	listCmd.Flags().StringVar(&filter.Stage, "stage", "", "filter by stage")
	listCmd.Flags().StringVar(&filter.JobID, "job", "", "filter by job id")
	listCmd.Flags().DurationVar(&since, "since", 0, "only records routed within this duration")
	listCmd.Flags().IntVar(&filter.Limit, "limit", 0, "maximum records to return")

	replayCmd := &cobra.Command{
		Use:   "replay <record-id>",
		Short: "Re-enqueue the stage of a dead-letter record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				res, err := app.Tracker.ReplayDeadLetter(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}

	dlqCmd.AddCommand(listCmd, replayCmd)
	return dlqCmd
}

func newHealthCommand(withApp appRunner) *cobra.Command {
	var deps bool
	var durationSeconds, errorRate float64
	var queueDepth int
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Evaluate pipeline health; exits non-zero when unhealthy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				thresholds := app.Config.Monitor.Thresholds
				if cmd.Flags().Changed("duration-seconds") {
					thresholds.DurationSeconds = durationSeconds
				}
				if cmd.Flags().Changed("error-rate") {
					thresholds.ErrorRate = errorRate
				}
				if cmd.Flags().Changed("queue-depth") {
					thresholds.QueueDepth = queueDepth
				}
				report, err := app.Monitor.HealthCheck(ctx, thresholds)
				if err != nil {
					return err
				}
				out := map[string]any{"pipeline": report}
				status := report.Status
				if deps {
					result := app.Health.Check(ctx)
					out["dependencies"] = result
					status = health.Worst(status, result.Status)
				}
				if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
					return err
				}
				if status == health.StatusUnhealthy {
					return errUnhealthy
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&deps, "deps", false, "also check database, queue and broker connectivity")
	cmd.Flags().Float64Var(&durationSeconds, "duration-seconds", 0, "override the p95 duration threshold")
	cmd.Flags().Float64Var(&errorRate, "error-rate", 0, "override the error rate threshold")
	cmd.Flags().IntVar(&queueDepth, "queue-depth", 0, "override the queued rows threshold")
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	return cmd
}

func newRollupCommand(withApp appRunner) *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "rollup",
		Short: "Refresh metric rollups over the trailing window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				n, err := app.Monitor.RefreshRollups(ctx, window)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]int{"refreshed": n})
			})
		},
	}
	cmd.Flags().DurationVar(&window, "window", 0, "trailing window (default: monitor.rollup_window)")
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyScheduled})
	return cmd
}

func newReconcileCommand(withApp appRunner) *cobra.Command {
	var (
		grace time.Duration
		limit int
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Resend pending stages and advance completed ones left behind",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				report, err := app.Tracker.Reconcile(ctx, grace, limit)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 5*time.Minute, "skip stages updated more recently than this")
	cmd.Flags().IntVar(&limit, "limit", pipeline.DefaultReconcileLimit, "maximum stages repaired in one pass")
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyScheduled})
	return cmd
}

func newSnapshotCommand(withApp appRunner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Record a queue depth sample per stage and status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				counts, err := app.Monitor.CaptureQueueDepthSnapshot(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), counts)
			})
		},
	}
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyScheduled})
	return cmd
}

func newMigrateCommand(load configLoader) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
	}
	SetCommandPolicies(migrateCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyMigration})

	run := func(cmd *cobra.Command, command migrate.Command, steps int) error {
		l, err := load()
		if err != nil {
			return err
		}
		if !l.cfg.Database.IsPostgres() {
			return errors.New("migrations require database.type postgres")
		}
		adapter, err := postgres.Open(l.cfg.Database.Postgres(), l.log)
		if err != nil {
			return err
		}
		defer adapter.Close()
		manager, err := migrate.NewEmbeddedManager(adapter.DB(), l.cfg.Database.MigrationsTable)
		if err != nil {
			return err
		}
		res, err := migrate.Execute(cmd.Context(), command, steps, migrate.Options{Logger: l.log}, manager.Operations())
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), res)
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, _ []string) error { return run(cmd, migrate.CommandUp, 0) },
	}
	downCmd := &cobra.Command{
		Use:   "down [steps]",
		Short: "Revert the latest migrations (default 1)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid down steps %q", args[0])
				}
				steps = n
			}
			return run(cmd, migrate.CommandDown, steps)
		},
	}
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, _ []string) error { return run(cmd, migrate.CommandStatus, 0) },
	}
	for _, sub := range []*cobra.Command{upCmd, downCmd, statusCmd} {
		SetCommandPolicies(sub, map[string]CommandPolicy{defaultPolicyContext: PolicyMigration})
	}
	SetCommandPolicies(statusCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	migrateCmd.AddCommand(upCmd, downCmd, statusCmd)
	return migrateCmd
}

func newConfigCommand(load configLoader) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	SetCommandPolicies(configCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := load()
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), l.cfg.Redacted(l.secrets))
			return err
		},
	}
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := load(); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return err
		},
	}
	configCmd.AddCommand(showCmd, validateCmd)
	return configCmd
}
