package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/preflight-ci/preflight/api/schemas"
	"github.com/preflight-ci/preflight/internal/catalog"
	"github.com/preflight-ci/preflight/internal/observability"
)

// newCatalogCmd groups the catalog maintenance subcommands.
func newCatalogCmd() *cobra.Command {
	catalogCmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect and maintain the test catalog",
	}
	catalogCmd.AddCommand(newCatalogImportCmd())
	catalogCmd.AddCommand(newCatalogRecordCmd())
	catalogCmd.AddCommand(newCatalogListCmd())
	return catalogCmd
}

// newCatalogImportCmd bulk-upserts test descriptors from a JSON file.
func newCatalogImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Bulk-import test descriptors from a JSON array",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()
			cfg, err := getConfig()
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read descriptor file: %w", err)
			}
			var descriptors []schemas.TestDescriptor
			if err := json.Unmarshal(data, &descriptors); err != nil {
				return fmt.Errorf("failed to parse descriptor file: %w", err)
			}

			cat := catalog.New(cfg.Catalog.Path, logger)
			for _, t := range descriptors {
				if err := cat.AddOrUpdateTest(t); err != nil {
					return fmt.Errorf("failed to import test %q: %w", t.ID, err)
				}
			}

			logger.Info("Catalog import complete",
				zap.Int("imported", len(descriptors)),
				zap.Int("catalog_size", cat.Len()))
			return nil
		},
	}
}

// newCatalogRecordCmd is the out-of-band metrics feedback path: it folds one
// observed test run into the catalog.
func newCatalogRecordCmd() *cobra.Command {
	var (
		duration  float64
		success   bool
		failure   bool
		flakiness float64
	)

	recordCmd := &cobra.Command{
		Use:   "record <test-id>",
		Short: "Record an observed test run into the rolling metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if success && failure {
				return fmt.Errorf("--success and --failure are mutually exclusive")
			}

			logger := observability.GetLogger()
			cfg, err := getConfig()
			if err != nil {
				return err
			}

			var (
				execTime     *float64
				outcome      *bool
				flakinessVal *float64
			)
			if cmd.Flags().Changed("duration") {
				execTime = &duration
			}
			if success || failure {
				v := success
				outcome = &v
			}
			if cmd.Flags().Changed("flakiness") {
				flakinessVal = &flakiness
			}

			cat := catalog.New(cfg.Catalog.Path, logger)
			if err := cat.UpdateMetrics(args[0], execTime, outcome, flakinessVal); err != nil {
				return err
			}

			logger.Info("Recorded test run", zap.String("test_id", args[0]))
			return nil
		},
	}

	recordCmd.Flags().Float64Var(&duration, "duration", 0, "Observed execution time in seconds")
	recordCmd.Flags().BoolVar(&success, "success", false, "The run passed")
	recordCmd.Flags().BoolVar(&failure, "failure", false, "The run failed")
	recordCmd.Flags().Float64Var(&flakiness, "flakiness", 0, "Updated flakiness score in [0,1]")

	return recordCmd
}

// newCatalogListCmd prints the catalog as JSON.
func newCatalogListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print all catalogued tests as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()
			cfg, err := getConfig()
			if err != nil {
				return err
			}

			cat := catalog.New(cfg.Catalog.Path, logger)
			data, err := json.MarshalIndent(cat.All(), "", "  ")
			if err != nil {
				return fmt.Errorf("failed to serialize catalog: %w", err)
			}
			fmt.Println(string(data))
			return nil
		},
	}
}
