package main

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mlgcn/vision"
)

var statsCmd = &cobra.Command{
	Use:   "stats OUTPUT.json",
	Short: "Count label co-occurrences in data.train",
	Long: `Writes the co-occurrence counts of the training annotations in the format
read by graph.stats.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Data.Train == "" {
			return errors.New("data.train is not set")
		}
		ds, err := vision.LoadDataset(cfg.Data.Train, cfg.Data.Labels)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(ds.CoOccurrence(), "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[0], data, 0o644); err != nil {
			return errors.Wrap(err, "write statistics")
		}
		logger.Info("statistics written", zap.String("path", args[0]), zap.Int("samples", ds.Len()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
