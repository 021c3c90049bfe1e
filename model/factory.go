package model

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"mlgcn/checkpoint"
	"mlgcn/gcn"
	"mlgcn/resnet"
)

// PretrainedOptions controls where ImageNet weights come from.
type PretrainedOptions struct {
	// CacheDir holds downloaded checkpoints; defaults to ./models.
	CacheDir string
	// URL overrides the torchvision checkpoint location.
	URL string
}

// GRN50 builds a GCNResNet on a ResNet-50 backbone. With pretrained set, the
// torchvision ImageNet weights are downloaded (once) and merged by name.
func GRN50(ctx context.Context, cfg Config, stats *gcn.Stats, pretrained *PretrainedOptions, opts ...Option) (*Model, error) {
	cfg.Block, cfg.Layers = resnet.Bottleneck, resnet.Layers50
	return build(ctx, cfg, stats, checkpoint.ResNet50URL, pretrained, opts...)
}

// GRN101 builds a GCNResNet on a ResNet-101 backbone.
func GRN101(ctx context.Context, cfg Config, stats *gcn.Stats, pretrained *PretrainedOptions, opts ...Option) (*Model, error) {
	cfg.Block, cfg.Layers = resnet.Bottleneck, resnet.Layers101
	return build(ctx, cfg, stats, checkpoint.ResNet101URL, pretrained, opts...)
}

func build(ctx context.Context, cfg Config, stats *gcn.Stats, url string, pretrained *PretrainedOptions, opts ...Option) (*Model, error) {
	m, err := New(cfg, stats, opts...)
	if err != nil {
		return nil, err
	}
	if pretrained == nil {
		return m, nil
	}

	if pretrained.URL != "" {
		url = pretrained.URL
	}
	dir := pretrained.CacheDir
	if dir == "" {
		dir = "./models"
	}

	m.logger.Info("loading pretrained backbone", zap.String("url", url), zap.String("cache", dir))
	path, err := checkpoint.Fetch(ctx, url, dir)
	if err != nil {
		return nil, err
	}
	sd, err := checkpoint.LoadTorch(path)
	if err != nil {
		return nil, err
	}
	loaded, err := m.LoadStateDict(sd)
	if err != nil {
		return nil, errors.Wrap(err, "merge pretrained weights")
	}
	m.logger.Info("pretrained weights merged", zap.Int("loaded", len(loaded)), zap.Int("available", len(sd)))
	return m, nil
}
