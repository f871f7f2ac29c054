// Package cmd defines the harvester CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alekkss/avito/internal/app"
	"github.com/alekkss/avito/internal/config"
	"github.com/alekkss/avito/internal/logging"
	"github.com/alekkss/avito/internal/publish"
)

// runnerKeyType is the key for storing the Runner in the context.
type runnerKeyType string

const runnerKey runnerKeyType = "runner"

// Runner is the pipeline surface the commands use. Tests inject a fake.
type Runner interface {
	Run(ctx context.Context, command string, stages ...app.Stage) (publish.RunSummary, error)
	Stats(ctx context.Context) (app.Stats, error)
	Serve() error
	ServerAddr() string
	Logger() *zap.Logger
	Close() error
}

// newRunner is the application factory. It's a variable so tests can replace it.
var newRunner = func(ctx context.Context, cfgPath string) (Runner, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		File:        cfg.Logging.File,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	p, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return &pipelineRunner{Pipeline: p, logger: logger}, nil
}

type pipelineRunner struct {
	*app.Pipeline
	logger *zap.Logger
}

func (r *pipelineRunner) Logger() *zap.Logger { return r.logger }

func (r *pipelineRunner) Close() error {
	err := r.Pipeline.Close()
	_ = r.logger.Sync()
	return err
}

// cli owns the Runner built for one invocation.
type cli struct {
	cfgFile string
	runner  Runner
}

// NewRootCmd builds the harvester command tree.
func NewRootCmd() *cobra.Command {
	cmd, _ := newRootCmd()
	return cmd
}

func newRootCmd() (*cobra.Command, *cli) {
	c := &cli{}
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Collects catalog listings, normalizes them and exports a report.",
		Long: `harvester walks a paginated marketplace catalog in a disguised Chrome
session, stores every listing, groups them with an LLM classifier and writes
an xlsx report. Each stage can be run on its own.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Builds the pipeline before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			runner, err := newRunner(cmd.Context(), c.cfgFile)
			if err != nil {
				return fmt.Errorf("initialize harvester: %w", err)
			}
			c.runner = runner
			cmd.SetContext(context.WithValue(cmd.Context(), runnerKey, runner))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(
		newStageCmd("run", "Scrape, normalize and export in one go", app.AllStages...),
		newStageCmd("scrape", "Walk the catalog and store raw listings", app.StageScrape),
		newStageCmd("normalize", "Classify stored listings that are not normalized yet", app.StageNormalize),
		newStageCmd("export", "Write normalized listings to the xlsx report", app.StageExport),
		newStatsCmd(),
		newServeCmd(),
	)
	return cmd, c
}

// close releases the Runner if one was built. It runs whether or not the
// command failed.
func (c *cli) close() error {
	if c.runner == nil {
		return nil
	}
	err := c.runner.Close()
	c.runner = nil
	return err
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root, c := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if cerr := c.close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("shutdown: %w", cerr))
	}
	if err != nil {
		fmt.Fprintf(stderr, "harvester: %v\n", err)
		return 1
	}
	return 0
}

func resolveRunner(ctx context.Context) (Runner, error) {
	runner, ok := ctx.Value(runnerKey).(Runner)
	if !ok || runner == nil {
		return nil, errors.New("harvester not initialized")
	}
	return runner, nil
}
