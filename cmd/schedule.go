package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/preflight-ci/preflight/api/schemas"
	"github.com/preflight-ci/preflight/internal/analyzer"
	"github.com/preflight-ci/preflight/internal/catalog"
	"github.com/preflight-ci/preflight/internal/changes"
	"github.com/preflight-ci/preflight/internal/config"
	"github.com/preflight-ci/preflight/internal/enrich"
	"github.com/preflight-ci/preflight/internal/observability"
	"github.com/preflight-ci/preflight/internal/scheduler"
)

// newScheduleCmd creates and configures the `schedule` command.
func newScheduleCmd() *cobra.Command {
	var (
		repoPath    string
		fromRev     string
		toRev       string
		changesFile string
		budget      float64
		outputPath  string
	)

	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Compute a test schedule for a change set under a time budget",
		Long: `Analyzes the given change set for risk, ranks the catalogued tests it
impacts and selects the set to run within the execution-time budget, while
guaranteeing coverage of critical-risk areas. Changes come either from a git
revision range (--repo/--from/--to) or from a JSON file (--changes).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfig()
			if err != nil {
				return err
			}

			changeSet, err := loadChanges(ctx, logger, repoPath, fromRev, toRev, changesFile)
			if err != nil {
				return err
			}

			sched, closeCatalog, err := buildScheduler(cfg, logger)
			if err != nil {
				return err
			}
			defer closeCatalog()

			schedule := sched.Schedule(ctx, changeSet, budget)
			return writeSchedule(schedule, outputPath)
		},
	}

	scheduleCmd.Flags().StringVar(&repoPath, "repo", ".", "Path to the git repository to collect changes from")
	scheduleCmd.Flags().StringVar(&fromRev, "from", "", "Base revision of the change set (default: parent of --to)")
	scheduleCmd.Flags().StringVar(&toRev, "to", "HEAD", "Head revision of the change set")
	scheduleCmd.Flags().StringVar(&changesFile, "changes", "", "JSON file with the change set (overrides --repo/--from/--to)")
	scheduleCmd.Flags().Float64Var(&budget, "budget", 600, "Execution-time budget in seconds")
	scheduleCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write the schedule JSON to this file instead of stdout")

	return scheduleCmd
}

// loadChanges reads the change set either from a JSON file or from git.
func loadChanges(ctx context.Context, logger *zap.Logger, repoPath, fromRev, toRev, changesFile string) ([]schemas.CodeChange, error) {
	if changesFile != "" {
		data, err := os.ReadFile(changesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read changes file: %w", err)
		}
		var changeSet []schemas.CodeChange
		if err := json.Unmarshal(data, &changeSet); err != nil {
			return nil, fmt.Errorf("failed to parse changes file: %w", err)
		}
		return changeSet, nil
	}

	collector := changes.NewCollector(logger)
	return collector.Collect(ctx, repoPath, fromRev, toRev)
}

// buildScheduler wires the catalog, analyzer and optional enricher into a
// scheduler. The returned func flushes the catalog.
func buildScheduler(cfg *config.Config, logger *zap.Logger) (*scheduler.Scheduler, func(), error) {
	cat := catalog.New(cfg.Catalog.Path, logger)
	an := analyzer.New(cfg.Analyzer, analyzer.DefaultAreaRules(), logger)

	var enricher schemas.RiskEnricher
	if cfg.Enrichment.Enabled {
		client, err := enrich.NewClient(cfg.Enrichment, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize enrichment client: %w", err)
		}
		enricher = client
	}

	sched, err := scheduler.New(cat, an, enricher, cfg.Scheduler, logger)
	if err != nil {
		return nil, nil, err
	}

	closeCatalog := func() {
		if err := cat.Close(); err != nil {
			logger.Warn("Failed to flush catalog on shutdown", zap.Error(err))
		}
	}
	return sched, closeCatalog, nil
}

func writeSchedule(schedule schemas.TestSchedule, outputPath string) error {
	data, err := json.MarshalIndent(schedule, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize schedule: %w", err)
	}

	if outputPath == "" {
		fmt.Println(string(data))
		return nil
	}
	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write schedule to %s: %w", outputPath, err)
	}
	return nil
}
