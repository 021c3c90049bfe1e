package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mlgcn/checkpoint"
	"mlgcn/internal/logging"
	"mlgcn/train"
	"mlgcn/vision"
)

var trainOutput string

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Fit the model on the configured annotations",
	Long: `Trains on data.train for train.epochs epochs with one learning rate per
parameter group, reports mAP on data.val when set, and writes a JSON
checkpoint.`,
	Args: cobra.NoArgs,
	RunE: runTrain,
}

func init() {
	trainCmd.Flags().StringVarP(&trainOutput, "output", "o", "", "Checkpoint path (default: paths.checkpoint)")
}

func runTrain(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	if cfg.Data.Train == "" {
		return errors.New("data.train is not set")
	}
	out := trainOutput
	if out == "" {
		out = cfg.Paths.Checkpoint
	}
	if out == "" {
		return errors.New("no checkpoint path: set paths.checkpoint or --output")
	}

	trainSet, err := vision.LoadDataset(cfg.Data.Train, cfg.Data.Labels)
	if err != nil {
		return err
	}
	emb, err := labelEmbeddings(ctx)
	if err != nil {
		return err
	}
	m, err := buildModel(ctx)
	if err != nil {
		return err
	}

	tr, err := train.NewTrainer(m, emb, cfg.Train, train.WithLogger(logger.Named(logging.Train)))
	if err != nil {
		return err
	}
	defer tr.Close()

	history, err := tr.Fit(ctx, trainSet)
	if err != nil {
		return err
	}

	if cfg.Data.Val != "" {
		valSet, err := vision.LoadDataset(cfg.Data.Val, cfg.Data.Labels)
		if err != nil {
			return err
		}
		loss, mAP, ap, err := tr.Score(ctx, valSet)
		if err != nil {
			return err
		}
		logger.Info("validation",
			zap.Float64("loss", loss),
			zap.Float64("mAP", mAP),
			zap.Float64s("ap", ap))
	}

	sd, err := m.StateDict()
	if err != nil {
		return err
	}
	cp, err := checkpoint.FromStateDict(sd, cfg.Model.Arch, cfg.Data.Labels)
	if err != nil {
		return err
	}
	if err := cp.Save(out); err != nil {
		return err
	}
	logger.Info("checkpoint saved",
		zap.String("path", out),
		zap.String("id", cp.Metadata.ID),
		zap.Float64s("loss", history))
	return nil
}
