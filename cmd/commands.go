package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alekkss/avito/internal/app"
	"github.com/alekkss/avito/internal/publish"
)

// newStageCmd builds a command that runs the given pipeline stages in order.
func newStageCmd(name, short string, stages ...app.Stage) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, err := resolveRunner(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := runner.Run(cmd.Context(), name, stages...)
			printSummary(cmd.OutOrStdout(), summary)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print how many raw and normalized listings are stored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, err := resolveRunner(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := runner.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "raw listings:        %d\n", stats.Raw)
			fmt.Fprintf(out, "normalized listings: %d\n", stats.Normalized)
			fmt.Fprintf(out, "pending:             %d\n", max(stats.Raw-stats.Normalized, 0))
			return nil
		},
	}
}

// newServeCmd exposes the operator API over the stored data until interrupted.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the operator API and metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, err := resolveRunner(cmd.Context())
			if err != nil {
				return err
			}
			if err := runner.Serve(); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			addr := runner.ServerAddr()
			if addr == "" {
				return fmt.Errorf("serve: metrics.addr is not configured")
			}
			runner.Logger().Info("Operator API listening", zap.String("addr", addr))
			fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", addr)
			<-cmd.Context().Done()
			runner.Logger().Info("Shutting down operator API")
			return nil
		},
	}
}

func printSummary(w io.Writer, s publish.RunSummary) {
	fmt.Fprintf(w, "run %s (%s)\n", s.RunID, s.Command)
	if s.CrawlState != "" {
		fmt.Fprintf(w, "  crawl:      %s (%s), %d pages, %d listings, %d duplicates\n",
			s.CrawlState, s.StopReason, s.Pages, s.Listings, s.Duplicates)
	}
	if s.Normalized > 0 || s.FailedBatches > 0 {
		fmt.Fprintf(w, "  normalized: %d (%.1f%%), %d failed batches\n", s.Normalized, s.SuccessRate, s.FailedBatches)
	}
	if s.ReportPath != "" {
		fmt.Fprintf(w, "  report:     %s (%d rows)\n", s.ReportPath, s.Exported)
	}
	if s.ReportURI != "" {
		fmt.Fprintf(w, "  archived:   %s\n", s.ReportURI)
	}
}
