package embedding

import (
	"context"

	"github.com/nlpodyssey/cybertron/pkg/tasks"
	"github.com/nlpodyssey/cybertron/pkg/tasks/textencoding"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"
)

// DefaultEncoderModel is a small sentence-transformers model (384 dims).
const DefaultEncoderModel = "sentence-transformers/all-MiniLM-L6-v2"

// Encoder embeds label names with a pretrained text encoder.
type Encoder struct {
	Interface   textencoding.Interface
	Concurrency int
	logger      *zap.Logger
}

// EncoderConfig selects and configures the text encoder.
type EncoderConfig struct {
	ModelsDir   string // default ./models
	ModelName   string // default DefaultEncoderModel
	Concurrency int    // parallel Encode calls, default 4
	Logger      *zap.Logger
}

// NewEncoder loads (downloading on first use) the configured model.
func NewEncoder(cfg EncoderConfig) (*Encoder, error) {
	if cfg.ModelsDir == "" {
		cfg.ModelsDir = "./models"
	}
	if cfg.ModelName == "" {
		cfg.ModelName = DefaultEncoderModel
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	cfg.Logger.Info("loading text encoder (may download on first run)",
		zap.String("model", cfg.ModelName),
		zap.String("dir", cfg.ModelsDir))
	m, err := tasks.Load[textencoding.Interface](&tasks.Config{
		ModelsDir: cfg.ModelsDir,
		ModelName: cfg.ModelName,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "load encoder %s", cfg.ModelName)
	}
	return &Encoder{Interface: m, Concurrency: cfg.Concurrency, logger: cfg.Logger}, nil
}

// Embed encodes every label with the model's default pooling.
func (e *Encoder) Embed(ctx context.Context, labels []string) (tensor.Tensor, error) {
	vecs := make([][]float32, len(labels))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Concurrency)
	for i, label := range labels {
		i, label := i, label
		g.Go(func() error {
			result, err := e.Interface.Encode(ctx, label, 0)
			if err != nil {
				return errors.Wrapf(err, "encode %q", label)
			}
			data := result.Vector.Data().F64()
			v := make([]float32, len(data))
			for k, x := range data {
				v[k] = float32(x)
			}
			vecs[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return stack(labels, vecs)
}

// stack packs per-label vectors into (1, L, E).
func stack(labels []string, vecs [][]float32) (tensor.Tensor, error) {
	if len(vecs) == 0 {
		return nil, errors.New("embedding: no labels")
	}
	dim := len(vecs[0])
	data := make([]float32, 0, len(vecs)*dim)
	for i, v := range vecs {
		if len(v) != dim {
			return nil, errors.Errorf("embedding: %q has %d dims, want %d", labels[i], len(v), dim)
		}
		data = append(data, v...)
	}
	return tensor.New(tensor.WithShape(1, len(vecs), dim), tensor.WithBacking(data)), nil
}
