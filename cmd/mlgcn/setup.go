package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"mlgcn/checkpoint"
	"mlgcn/embedding"
	"mlgcn/gcn"
	"mlgcn/internal/logging"
	"mlgcn/model"
)

// labelEmbeddings embeds the configured labels from the vector file when set,
// otherwise with the text encoder.
func labelEmbeddings(ctx context.Context) (tensor.Tensor, error) {
	var src embedding.Source
	if cfg.Paths.Embeddings != "" {
		f, err := embedding.LoadFile(cfg.Paths.Embeddings)
		if err != nil {
			return nil, err
		}
		src = f
	} else {
		enc, err := embedding.NewEncoder(embedding.EncoderConfig{
			ModelsDir: cfg.Paths.ModelsDir,
			ModelName: cfg.Paths.Encoder,
			Logger:    logger.Named(logging.Embedding),
		})
		if err != nil {
			return nil, err
		}
		src = enc
	}
	emb, err := src.Embed(ctx, cfg.Data.Labels)
	if err != nil {
		return nil, errors.Wrap(err, "embed labels")
	}
	// the GCN input width follows the embedding source
	cfg.Model.InChannel = emb.Shape()[len(emb.Shape())-1]
	return emb, nil
}

// buildModel constructs the configured architecture. A saved checkpoint, if
// present, takes precedence over ImageNet weights.
func buildModel(ctx context.Context) (*model.Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	stats, err := gcn.LoadStats(cfg.Graph.Stats)
	if err != nil {
		return nil, err
	}
	mc, err := cfg.ModelConfig()
	if err != nil {
		return nil, err
	}
	opt := model.WithLogger(logger.Named(logging.Model))

	cp, err := loadCheckpoint()
	if err != nil {
		return nil, err
	}

	var pretrained *model.PretrainedOptions
	if cfg.Model.Pretrained && cp == nil {
		pretrained = &model.PretrainedOptions{CacheDir: cfg.Paths.ModelsDir}
	}

	var m *model.Model
	switch cfg.Model.Arch {
	case "resnet50":
		m, err = model.GRN50(ctx, mc, stats, pretrained, opt)
	default:
		m, err = model.GRN101(ctx, mc, stats, pretrained, opt)
	}
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return m, nil
	}

	if len(cp.Labels) > 0 && !equalStrings(cp.Labels, cfg.Data.Labels) {
		return nil, errors.Wrapf(gcn.ErrLabelMismatch, "checkpoint %s", cfg.Paths.Checkpoint)
	}
	sd, err := cp.StateDict()
	if err != nil {
		return nil, err
	}
	loaded, err := m.LoadStateDict(sd)
	if err != nil {
		return nil, err
	}
	logger.Info("checkpoint restored",
		zap.String("path", cfg.Paths.Checkpoint),
		zap.String("id", cp.Metadata.ID),
		zap.Int("loaded", len(loaded)))
	return m, nil
}

func loadCheckpoint() (*checkpoint.Checkpoint, error) {
	if cfg.Paths.Checkpoint == "" {
		return nil, nil
	}
	if _, err := os.Stat(cfg.Paths.Checkpoint); os.IsNotExist(err) {
		return nil, nil
	}
	return checkpoint.Load(cfg.Paths.Checkpoint)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
