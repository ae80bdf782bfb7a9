package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"act-placemat/backend/internal/app"
	"act-placemat/backend/internal/pipeline"
	"act-placemat/backend/internal/scoring"
	"act-placemat/backend/pkg/config"
	"act-placemat/backend/pkg/logger"
)

type cliOptions struct {
	configPath string
	dryRun     bool
	schedule   string
	timeout    time.Duration
	limit      int
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &cliOptions{}

	rootCmd := &cobra.Command{
		Use:   "placemat-pipeline",
		Short: "Resolve contacts, discover connections and link them into the Placemat graph",
		Long: `placemat-pipeline pulls LinkedIn and Gmail contact records, resolves them
into canonical identities, discovers connections between projects, people and
organisations, writes confident connections to relation fields and scores
project health.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Pipeline settings YAML (overrides PIPELINE_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&opts.dryRun, "dry-run", false, "Report links without writing relation fields")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Minute, "Upper bound for a single run")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once and print the summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				ctx, cancel := context.WithTimeout(ctx, opts.timeout)
				defer cancel()
				summary, err := a.Runner.RunOnce(ctx)
				if err != nil {
					return err
				}
				return writeJSON(out, summary)
			})
		},
	}

	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the pipeline on a cron schedule until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.schedule != "" {
				if _, err := cron.ParseStandard(opts.schedule); err != nil {
					return fmt.Errorf("invalid --cron: %w", err)
				}
			}
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				spec := a.Config.Pipeline.Schedule
				if opts.schedule != "" {
					spec = opts.schedule
				}
				scheduler, err := pipeline.NewScheduler(a.Runner, spec, opts.timeout)
				if err != nil {
					return err
				}
				scheduler.Start()

				<-ctx.Done()
				<-scheduler.Stop().Done()
				return nil
			})
		},
	}
	scheduleCmd.Flags().StringVar(&opts.schedule, "cron", "", "Cron expression (defaults to the configured schedule)")

	scoreCmd := &cobra.Command{
		Use:   "score <entity-id>...",
		Short: "Score entities and print their health",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				scorer := scoring.NewScorer(a.Graph, a.Graph)
				results := scorer.ScoreAll(ctx, args, scoring.Options{
					StrictAutonomy: a.Config.Pipeline.StrictAutonomy,
					Now:            time.Now(),
					MaxConcurrency: a.Config.Pipeline.MaxConcurrency,
				})
				return writeJSON(out, results)
			})
		},
	}

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent pipeline runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				runs, err := a.Store.ListRuns(ctx, opts.limit)
				if err != nil {
					return err
				}
				return writeJSON(out, runs)
			})
		},
	}
	runsCmd.Flags().IntVar(&opts.limit, "limit", 20, "Number of runs to list")

	contactsCmd := &cobra.Command{
		Use:   "contacts",
		Short: "Rank resolved people by outreach priority",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				ranked := scoring.RankContacts(a.Resolver.Index().All(), time.Now())
				if opts.limit > 0 && opts.limit < len(ranked) {
					ranked = ranked[:opts.limit]
				}
				return writeJSON(out, ranked)
			})
		},
	}
	contactsCmd.Flags().IntVar(&opts.limit, "limit", 20, "Number of contacts to list")

	rootCmd.AddCommand(runCmd, scheduleCmd, scoreCmd, runsCmd, contactsCmd)
	return rootCmd
}

// loadConfig reads env configuration and applies command line overrides
func loadConfig(opts *cliOptions) (*config.Config, error) {
	if opts.configPath != "" {
		os.Setenv("PIPELINE_CONFIG", opts.configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if opts.dryRun {
		cfg.Pipeline.DryRun = true
	}
	return cfg, nil
}

func withApp(parent context.Context, opts *cliOptions, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Env); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Get().Error("Failed to initialize application", zap.Error(err))
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
