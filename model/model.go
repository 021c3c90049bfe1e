// Package model wires a ResNet backbone and a two-layer GCN over the label
// co-occurrence graph into a multi-label classifier that also produces
// per-label spatial heatmaps.
package model

import (
	"math/rand"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"mlgcn/gcn"
	"mlgcn/internal/param"
	"mlgcn/resnet"
)

// ErrEmbeddingDim is returned when label embeddings do not match the
// configured label count or embedding width.
var ErrEmbeddingDim = errors.New("model: label embeddings do not match configuration")

// ErrAttached is returned by Predict and Attach once a trainer has extended
// the model graph.
var ErrAttached = errors.New("model: graph is attached to a trainer")

// Config describes a GCNResNet. The expression graph is static, so batch size
// and image size are fixed for the lifetime of a model.
type Config struct {
	Block      resnet.Block
	Layers     [4]int
	NumLabels  int
	InChannel  int // label embedding width
	BaseWidth  int
	BatchSize  int
	ImageSize  int
	P          float64 // co-occurrence re-weighting
	Tao        float64 // co-occurrence threshold
	LeakySlope float64
	GCBias     bool
	Seed       int64
}

// DefaultConfig is a ResNet-50 sized model for 14 labels at 448px.
func DefaultConfig() Config {
	return Config{
		Block:      resnet.Bottleneck,
		Layers:     resnet.Layers50,
		NumLabels:  14,
		InChannel:  300,
		BaseWidth:  64,
		BatchSize:  1,
		ImageSize:  448,
		P:          0.15,
		Tao:        0.4,
		LeakySlope: 0.2,
	}
}

func (c Config) validate() error {
	switch {
	case c.NumLabels <= 0:
		return errors.Errorf("model: NumLabels must be positive, got %d", c.NumLabels)
	case c.InChannel <= 0:
		return errors.Errorf("model: InChannel must be positive, got %d", c.InChannel)
	case c.BatchSize <= 0:
		return errors.Errorf("model: BatchSize must be positive, got %d", c.BatchSize)
	case c.ImageSize < 32:
		return errors.Errorf("model: ImageSize must be at least 32, got %d", c.ImageSize)
	}
	return nil
}

// Option configures a Model.
type Option func(*Model)

// WithLogger sets the logger; the default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(m *Model) { m.logger = l }
}

// Model is the GCNResNet graph together with its adjacency parameter.
type Model struct {
	Config   Config
	Graph    *gorgonia.ExprGraph
	Backbone *resnet.Backbone
	GC1      *gcn.GraphConvolution
	GC2      *gcn.GraphConvolution

	// Inputs, bound on every run.
	Images *gorgonia.Node // (B, 3, S, S)
	Inp    *gorgonia.Node // (L, E)
	Adj    *gorgonia.Node // (L, L), GenAdj(A) computed outside the graph

	// Intermediate and output nodes.
	Features     *gorgonia.Node // (B, C, H, W)
	Pooled       *gorgonia.Node // (B, C)
	LabelVectors *gorgonia.Node // (L, C)
	Scores       *gorgonia.Node // (B, L)
	Heatmaps     *gorgonia.Node // (B, L, H, W)

	a        *mat.Dense
	logger   *zap.Logger
	vm       gorgonia.VM
	attached bool
}

// Output is the result of one forward pass.
type Output struct {
	Scores   tensor.Tensor // (B, L)
	Heatmaps tensor.Tensor // (B, L, H, W)
}

// New builds the model graph. stats provides the label co-occurrence counts
// the adjacency parameter is initialised from.
func New(cfg Config, stats *gcn.Stats, opts ...Option) (*Model, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if stats == nil {
		return nil, errors.New("model: co-occurrence statistics are required")
	}
	if cfg.LeakySlope == 0 {
		cfg.LeakySlope = 0.2
	}

	m := &Model{Config: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}

	a, err := gcn.GenA(stats, cfg.NumLabels, cfg.P, cfg.Tao)
	if err != nil {
		return nil, err
	}
	m.a = a

	r := rand.New(rand.NewSource(cfg.Seed))
	g := gorgonia.NewGraph()
	m.Graph = g

	m.Backbone, err = resnet.NewBackbone(g, resnet.Config{
		Block:     cfg.Block,
		Layers:    cfg.Layers,
		BaseWidth: cfg.BaseWidth,
		StemSlope: cfg.LeakySlope,
		Rand:      r,
	})
	if err != nil {
		return nil, err
	}

	channels := m.Backbone.OutChannels()
	m.GC1 = gcn.NewGraphConvolution(g, "gc1", cfg.InChannel, channels/2, gcn.WithRand(r), gcn.WithBias(cfg.GCBias))
	m.GC2 = gcn.NewGraphConvolution(g, "gc2", channels/2, channels, gcn.WithRand(r), gcn.WithBias(cfg.GCBias))

	m.Images = gorgonia.NewTensor(g, param.Dtype, 4,
		gorgonia.WithShape(cfg.BatchSize, 3, cfg.ImageSize, cfg.ImageSize),
		gorgonia.WithName("images"))
	m.Inp = gorgonia.NewMatrix(g, param.Dtype,
		gorgonia.WithShape(cfg.NumLabels, cfg.InChannel),
		gorgonia.WithName("inp"))
	m.Adj = gorgonia.NewMatrix(g, param.Dtype,
		gorgonia.WithShape(cfg.NumLabels, cfg.NumLabels),
		gorgonia.WithName("adj"))

	if err := m.forward(); err != nil {
		return nil, errors.Wrap(err, "build forward graph")
	}

	m.logger.Info("model built",
		zap.String("block", cfg.Block.Name),
		zap.Ints("layers", cfg.Layers[:]),
		zap.Int("labels", cfg.NumLabels),
		zap.Int("channels", channels),
		zap.Int("params", len(m.Params())),
		zap.String("device", Device()))
	return m, nil
}

// Params returns every learnable: backbone first, then gc1 and gc2.
func (m *Model) Params() param.Params {
	ps := m.Backbone.Params()
	ps = append(ps, m.GC1.Params()...)
	return append(ps, m.GC2.Params()...)
}

// A returns a copy of the adjacency parameter.
func (m *Model) A() *mat.Dense {
	return mat.DenseCopyOf(m.a)
}

// SetA replaces the adjacency parameter.
func (m *Model) SetA(a mat.Matrix) error {
	r, c := a.Dims()
	if r != m.Config.NumLabels || c != m.Config.NumLabels {
		return errors.Wrapf(gcn.ErrLabelMismatch, "adjacency is %dx%d, model has %d labels", r, c, m.Config.NumLabels)
	}
	m.a = mat.DenseCopyOf(a)
	return nil
}

// FeatureSize is the spatial resolution of the feature map and heatmaps.
func (m *Model) FeatureSize() (int, int) {
	return m.Backbone.OutputSize(m.Config.ImageSize, m.Config.ImageSize)
}

// Bind sets the run inputs: images (B, 3, S, S) and label embeddings
// (1, L, E) or (L, E). Only the first element of a batched embedding tensor
// is used. The propagation operator is recomputed from A.
func (m *Model) Bind(images, embeddings tensor.Tensor) error {
	if !images.Shape().Eq(m.Images.Shape()) {
		return errors.Errorf("model: images have shape %v, graph expects %v", images.Shape(), m.Images.Shape())
	}
	inp, err := m.firstEmbedding(embeddings)
	if err != nil {
		return err
	}
	if err := gorgonia.Let(m.Images, images); err != nil {
		return errors.Wrap(err, "bind images")
	}
	if err := gorgonia.Let(m.Inp, inp); err != nil {
		return errors.Wrap(err, "bind embeddings")
	}
	if err := gorgonia.Let(m.Adj, gcn.ToTensor(gcn.GenAdj(m.a))); err != nil {
		return errors.Wrap(err, "bind adjacency")
	}
	return nil
}

func (m *Model) firstEmbedding(t tensor.Tensor) (*tensor.Dense, error) {
	l, e := m.Config.NumLabels, m.Config.InChannel
	shp := t.Shape()
	switch {
	case len(shp) == 3 && shp[1] == l && shp[2] == e:
	case len(shp) == 2 && shp[0] == l && shp[1] == e:
	default:
		return nil, errors.Wrapf(ErrEmbeddingDim, "got shape %v, want (1, %d, %d)", shp, l, e)
	}

	data := make([]float32, l*e)
	switch src := t.Data().(type) {
	case []float32:
		copy(data, src[:l*e])
	case []float64:
		for i := range data {
			data[i] = float32(src[i])
		}
	default:
		return nil, errors.Wrapf(ErrEmbeddingDim, "unsupported dtype %v", t.Dtype())
	}
	return tensor.New(tensor.WithShape(l, e), tensor.WithBacking(data)), nil
}

// Predict runs the forward pass and returns copies of the scores and heatmaps.
// A Model must not be used from several goroutines at once.
func (m *Model) Predict(images, embeddings tensor.Tensor) (*Output, error) {
	if m.attached {
		return nil, errors.Wrap(ErrAttached, "predict through the trainer")
	}
	if err := m.Bind(images, embeddings); err != nil {
		return nil, err
	}
	if err := m.SetTraining(false); err != nil {
		return nil, err
	}
	if m.vm == nil {
		m.vm = gorgonia.NewTapeMachine(m.Graph)
	}
	defer m.vm.Reset()

	m.logger.Debug("forward", zap.String("device", Device()), zap.Int("batch", m.Config.BatchSize))
	if err := m.vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "forward")
	}
	return m.Output()
}

// SetTraining selects batch statistics (true) or the running statistics
// (false) in every batch normalisation layer.
func (m *Model) SetTraining(training bool) error {
	return m.Backbone.SetTraining(training)
}

// Attach marks the graph as extended by a trainer. Predict is refused from
// then on, and a second Attach fails.
func (m *Model) Attach() error {
	if m.attached {
		return ErrAttached
	}
	if err := m.Close(); err != nil {
		return errors.Wrap(err, "close inference machine")
	}
	m.attached = true
	return nil
}

// Output copies the current values of the output nodes.
func (m *Model) Output() (*Output, error) {
	scores, err := cloneValue(m.Scores)
	if err != nil {
		return nil, err
	}
	heatmaps, err := cloneValue(m.Heatmaps)
	if err != nil {
		return nil, err
	}
	return &Output{Scores: scores, Heatmaps: heatmaps}, nil
}

// Close releases the inference machine.
func (m *Model) Close() error {
	if m.vm == nil {
		return nil
	}
	err := m.vm.Close()
	m.vm = nil
	return err
}

func cloneValue(n *gorgonia.Node) (tensor.Tensor, error) {
	v := n.Value()
	if v == nil {
		return nil, errors.Errorf("model: %s has no value", n.Name())
	}
	t, ok := v.(tensor.Tensor)
	if !ok {
		return nil, errors.Errorf("model: %s holds %T, not a tensor", n.Name(), v)
	}
	return t.Clone().(tensor.Tensor), nil
}
