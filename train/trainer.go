package train

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"mlgcn/internal/param"
	"mlgcn/model"
	"mlgcn/vision"
)

// Config holds the optimiser settings.
type Config struct {
	Optimizer   string  `yaml:"optimizer"` // "sgd" or "adam"
	LR          float64 `yaml:"lr"`
	LRScale     float64 `yaml:"lr_scale"` // multiplier for gc1 and gc2
	Momentum    float64 `yaml:"momentum"`
	WeightDecay float64 `yaml:"weight_decay"`
	Epochs      int     `yaml:"epochs"`
	Seed        int64   `yaml:"seed"`
	// Freeze names parameter groups ("conv1", "layer1", ..., "gc2") that
	// receive no gradient and no update.
	Freeze []string `yaml:"freeze"`
}

// DefaultConfig is SGD with momentum 0.9 and weight decay 1e-4.
func DefaultConfig() Config {
	return Config{
		Optimizer:   "sgd",
		LR:          0.1,
		LRScale:     model.DefaultLRScale,
		Momentum:    0.9,
		WeightDecay: 1e-4,
		Epochs:      20,
	}
}

func (c Config) solver(lr float64) (gorgonia.Solver, error) {
	switch c.Optimizer {
	case "", "sgd":
		return gorgonia.NewMomentum(
			gorgonia.WithLearnRate(lr),
			gorgonia.WithMomentum(c.Momentum),
			gorgonia.WithL2Reg(c.WeightDecay)), nil
	case "adam":
		return gorgonia.NewAdamSolver(
			gorgonia.WithLearnRate(lr),
			gorgonia.WithL2Reg(c.WeightDecay)), nil
	}
	return nil, errors.Errorf("train: unknown optimizer %q", c.Optimizer)
}

type group struct {
	name   string
	nodes  gorgonia.Nodes
	solver gorgonia.Solver
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithLogger sets the logger; the default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(t *Trainer) { t.logger = l }
}

// Trainer extends a model graph with targets, a loss and its gradients. The
// model is attached to the trainer: its own Predict returns
// model.ErrAttached, and Evaluate takes its place.
type Trainer struct {
	Model   *model.Model
	Config  Config
	Targets *gorgonia.Node // (B, L)
	Loss    *gorgonia.Node

	embeddings tensor.Tensor
	groups     []group
	lossVal    gorgonia.Value
	vm         gorgonia.VM
	rand       *rand.Rand
	logger     *zap.Logger
}

// NewTrainer builds the loss and backward graph. embeddings are the label
// embeddings bound on every step.
func NewTrainer(m *model.Model, embeddings tensor.Tensor, cfg Config, opts ...Option) (*Trainer, error) {
	t := &Trainer{
		Model:      m,
		Config:     cfg,
		embeddings: embeddings,
		rand:       rand.New(rand.NewSource(cfg.Seed)),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if err := m.Attach(); err != nil {
		return nil, errors.Wrap(err, "train")
	}

	t.Targets = gorgonia.NewMatrix(m.Graph, param.Dtype,
		gorgonia.WithShape(m.Config.BatchSize, m.Config.NumLabels),
		gorgonia.WithName("targets"))

	var err error
	if t.Loss, err = SoftMarginLoss(m.Scores, t.Targets); err != nil {
		return nil, errors.Wrap(err, "loss")
	}
	gorgonia.Read(t.Loss, &t.lossVal)

	frozen := make(map[string]bool, len(cfg.Freeze))
	for _, name := range cfg.Freeze {
		frozen[name] = true
	}

	var learnables gorgonia.Nodes
	for _, pg := range m.ParamGroups(cfg.LR, cfg.LRScale) {
		if len(pg.Params) == 0 {
			continue
		}
		if frozen[pg.Name] {
			t.logger.Info("freezing group", zap.String("group", pg.Name), zap.Int("params", len(pg.Params)))
			delete(frozen, pg.Name)
			continue
		}
		s, err := cfg.solver(pg.LR)
		if err != nil {
			return nil, err
		}
		nodes := pg.Params.Nodes()
		t.groups = append(t.groups, group{name: pg.Name, nodes: nodes, solver: s})
		learnables = append(learnables, nodes...)
	}

	for name := range frozen {
		return nil, errors.Errorf("train: cannot freeze unknown group %q", name)
	}
	if len(learnables) == 0 {
		return nil, errors.New("train: every parameter group is frozen")
	}

	if _, err := gorgonia.Grad(t.Loss, learnables...); err != nil {
		return nil, errors.Wrap(err, "gradient")
	}
	t.vm = gorgonia.NewTapeMachine(m.Graph, gorgonia.BindDualValues(learnables...))

	t.logger.Info("trainer ready",
		zap.String("optimizer", cfg.Optimizer),
		zap.Float64("lr", cfg.LR),
		zap.Int("groups", len(t.groups)),
		zap.Int("learnables", len(learnables)))
	return t, nil
}

func (t *Trainer) bind(images, targets tensor.Tensor) error {
	if err := t.Model.Bind(images, t.embeddings); err != nil {
		return err
	}
	if !targets.Shape().Eq(t.Targets.Shape()) {
		return errors.Errorf("train: targets have shape %v, graph expects %v", targets.Shape(), t.Targets.Shape())
	}
	return errors.Wrap(gorgonia.Let(t.Targets, targets), "bind targets")
}

func (t *Trainer) run() (float64, error) {
	if err := t.vm.RunAll(); err != nil {
		return 0, errors.Wrap(err, "run")
	}
	switch v := t.lossVal.Data().(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	}
	return 0, errors.Errorf("train: loss holds %T", t.lossVal.Data())
}

// Step runs one forward and backward pass and updates every group with its
// own solver. It returns the loss before the update.
func (t *Trainer) Step(images, targets tensor.Tensor) (float64, error) {
	if err := t.bind(images, targets); err != nil {
		return 0, err
	}
	if err := t.Model.SetTraining(true); err != nil {
		return 0, err
	}
	defer t.vm.Reset()

	loss, err := t.run()
	if err != nil {
		return 0, err
	}
	for _, g := range t.groups {
		if err := g.solver.Step(gorgonia.NodesToValueGrads(g.nodes)); err != nil {
			return 0, errors.Wrapf(err, "update %s", g.name)
		}
	}
	return loss, nil
}

// Evaluate runs the forward pass in inference mode without updating
// parameters and returns the loss and a copy of the model outputs.
func (t *Trainer) Evaluate(images, targets tensor.Tensor) (float64, *model.Output, error) {
	if err := t.bind(images, targets); err != nil {
		return 0, nil, err
	}
	if err := t.Model.SetTraining(false); err != nil {
		return 0, nil, err
	}
	defer t.vm.Reset()

	loss, err := t.run()
	if err != nil {
		return 0, nil, err
	}
	out, err := t.Model.Output()
	return loss, out, err
}

// Fit trains for the configured number of epochs over shuffled full batches
// of ds and returns the mean loss per epoch.
func (t *Trainer) Fit(ctx context.Context, ds *vision.Dataset) ([]float64, error) {
	bs := t.Model.Config.BatchSize
	if ds.Len() < bs {
		return nil, errors.Errorf("train: %d samples cannot fill a batch of %d", ds.Len(), bs)
	}

	history := make([]float64, 0, t.Config.Epochs)
	for epoch := 0; epoch < t.Config.Epochs; epoch++ {
		start := time.Now()
		var total float64
		batches := ds.Batches(t.rand.Perm(ds.Len()), bs)
		for _, idx := range batches {
			if err := ctx.Err(); err != nil {
				return history, err
			}
			images, err := loadImages(ctx, ds, idx, t.Model.Config.ImageSize)
			if err != nil {
				return history, err
			}
			loss, err := t.Step(images, ds.Targets(idx))
			if err != nil {
				return history, errors.Wrapf(err, "epoch %d", epoch)
			}
			total += loss
		}
		mean := total / float64(len(batches))
		history = append(history, mean)
		t.logger.Info("epoch",
			zap.Int("epoch", epoch),
			zap.Float64("loss", mean),
			zap.Int("batches", len(batches)),
			zap.Duration("took", time.Since(start)))
	}
	return history, nil
}

// Score evaluates every full batch of ds in order and returns the mean loss
// and the mAP of the collected scores.
func (t *Trainer) Score(ctx context.Context, ds *vision.Dataset) (float64, float64, []float64, error) {
	labels := t.Model.Config.NumLabels
	var scores, targets []float64
	var total float64

	batches := ds.Batches(nil, t.Model.Config.BatchSize)
	if len(batches) == 0 {
		return 0, math.NaN(), nil, errors.New("train: no full batch to score")
	}
	for _, idx := range batches {
		images, err := loadImages(ctx, ds, idx, t.Model.Config.ImageSize)
		if err != nil {
			return 0, 0, nil, err
		}
		y := ds.Targets(idx)
		loss, out, err := t.Evaluate(images, y)
		if err != nil {
			return 0, 0, nil, err
		}
		total += loss
		scores = appendFloats(scores, out.Scores.Data())
		targets = appendFloats(targets, y.Data())
	}
	mAP, ap := MeanAP(scores, targets, labels)
	return total / float64(len(batches)), mAP, ap, nil
}

// Close releases the training machine.
func (t *Trainer) Close() error {
	return t.vm.Close()
}

func loadImages(ctx context.Context, ds *vision.Dataset, idx []int, size int) (*tensor.Dense, error) {
	paths := make([]string, len(idx))
	for i, j := range idx {
		paths[i] = ds.Path(j)
	}
	return vision.LoadBatch(ctx, paths, size)
}

func appendFloats(dst []float64, data interface{}) []float64 {
	switch d := data.(type) {
	case []float32:
		for _, v := range d {
			dst = append(dst, float64(v))
		}
	case []float64:
		dst = append(dst, d...)
	}
	return dst
}
