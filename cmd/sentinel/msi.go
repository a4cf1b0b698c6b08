package main

import (
	"github.com/spf13/cobra"

	"github.com/Alias1177/Sentinel/internal/stability"
	"github.com/Alias1177/Sentinel/models"
)

var msiInputs models.StabilityInputs

var msiCmd = &cobra.Command{
	Use:   "msi",
	Short: "Compute a one-off market stability report",
	Long: `Compute the market stability index from explicit inputs and print the report
with its component breakdown.

Example usage:
  sentinel msi --trust 100
  sentinel msi --trust 72.5 --anomaly-rate 0.03 --anomalies 12 --mismatch 0.1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		aggregator, err := stability.NewAggregator(cfg.Stability, logger)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), aggregator.Compute(msiInputs))
	},
}

func init() {
	msiCmd.Flags().Float64Var(&msiInputs.AverageTrustScore, "trust", 100, "Average trust score across instruments [0,100]")
	msiCmd.Flags().Float64Var(&msiInputs.MarketAnomalyRate, "anomaly-rate", 0, "Market anomaly rate [0,1]")
	msiCmd.Flags().IntVar(&msiInputs.TotalAnomalies, "anomalies", 0, "Total anomalies")
	msiCmd.Flags().Float64Var(&msiInputs.FeedMismatchRate, "mismatch", 0, "Feed mismatch rate [0,1]")
}
