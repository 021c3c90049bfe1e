package model

import (
	"context"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"mlgcn/gcn"
	"mlgcn/resnet"
)

func tinyConfig() Config {
	cfg := DefaultConfig()
	cfg.Block = resnet.BasicBlock
	cfg.Layers = [4]int{1, 1, 1, 1}
	cfg.BaseWidth = 4
	cfg.NumLabels = 3
	cfg.InChannel = 5
	cfg.BatchSize = 2
	cfg.ImageSize = 64
	cfg.Seed = 17
	return cfg
}

func tinyStats() *gcn.Stats {
	return &gcn.Stats{
		Adj: [][]float64{
			{0, 6, 2},
			{6, 0, 3},
			{2, 3, 0},
		},
		Nums: []float64{10, 8, 4},
	}
}

func randTensor(seed int64, shape ...int) *tensor.Dense {
	r := rand.New(rand.NewSource(seed))
	data := make([]float32, tensor.Shape(shape).TotalSize())
	for i := range data {
		data[i] = r.Float32()*2 - 1
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

func newTiny(t *testing.T) *Model {
	t.Helper()
	m, err := New(tinyConfig(), tinyStats())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestPredictShapes(t *testing.T) {
	m := newTiny(t)
	cfg := m.Config

	out, err := m.Predict(
		randTensor(1, cfg.BatchSize, 3, cfg.ImageSize, cfg.ImageSize),
		randTensor(2, 1, cfg.NumLabels, cfg.InChannel))
	require.NoError(t, err)

	h, w := m.FeatureSize()
	assert.Equal(t, 2, h)
	assert.Equal(t, 2, w)
	assert.Equal(t, tensor.Shape{cfg.BatchSize, cfg.NumLabels}, out.Scores.Shape())
	assert.Equal(t, tensor.Shape{cfg.BatchSize, cfg.NumLabels, h, w}, out.Heatmaps.Shape())
	assert.Equal(t, tensor.Shape{cfg.NumLabels, m.Backbone.OutChannels()}, m.LabelVectors.Shape())
}

func TestScoresAreSpatialMeanOfHeatmaps(t *testing.T) {
	m := newTiny(t)
	cfg := m.Config

	out, err := m.Predict(
		randTensor(3, cfg.BatchSize, 3, cfg.ImageSize, cfg.ImageSize),
		randTensor(4, cfg.NumLabels, cfg.InChannel))
	require.NoError(t, err)

	scores := out.Scores.Data().([]float32)
	hm := out.Heatmaps.Data().([]float32)
	h, w := m.FeatureSize()
	for b := 0; b < cfg.BatchSize; b++ {
		for l := 0; l < cfg.NumLabels; l++ {
			var sum float64
			base := (b*cfg.NumLabels + l) * h * w
			for k := 0; k < h*w; k++ {
				sum += float64(hm[base+k])
			}
			assert.InDelta(t, sum/float64(h*w), scores[b*cfg.NumLabels+l], 1e-3, "b=%d l=%d", b, l)
		}
	}
}

func TestPredictUsesFirstEmbedding(t *testing.T) {
	m := newTiny(t)
	cfg := m.Config
	images := randTensor(5, cfg.BatchSize, 3, cfg.ImageSize, cfg.ImageSize)
	emb := randTensor(6, 1, cfg.NumLabels, cfg.InChannel)

	single, err := m.Predict(images, emb)
	require.NoError(t, err)

	// a second batch element must not change the result
	twoData := append(append([]float32(nil), emb.Data().([]float32)...), randTensor(7, cfg.NumLabels*cfg.InChannel).Data().([]float32)...)
	two := tensor.New(tensor.WithShape(2, cfg.NumLabels, cfg.InChannel), tensor.WithBacking(twoData))
	batched, err := m.Predict(images, two)
	require.NoError(t, err)

	assert.InDeltaSlice(t, single.Scores.Data(), batched.Scores.Data(), 1e-5)
}

func TestPredictRejectsBadInputs(t *testing.T) {
	m := newTiny(t)
	cfg := m.Config

	_, err := m.Predict(randTensor(1, cfg.BatchSize, 3, 32, 32), randTensor(2, 1, cfg.NumLabels, cfg.InChannel))
	assert.Error(t, err)

	_, err = m.Predict(randTensor(1, cfg.BatchSize, 3, cfg.ImageSize, cfg.ImageSize), randTensor(2, 1, cfg.NumLabels, cfg.InChannel+1))
	assert.True(t, errors.Is(err, ErrEmbeddingDim))
}

func TestNewValidates(t *testing.T) {
	cfg := tinyConfig()
	cfg.NumLabels = 4
	_, err := New(cfg, tinyStats())
	assert.True(t, errors.Is(err, gcn.ErrLabelMismatch))

	cfg = tinyConfig()
	cfg.ImageSize = 16
	_, err = New(cfg, tinyStats())
	assert.Error(t, err)

	_, err = New(tinyConfig(), nil)
	assert.Error(t, err)
}

func TestDeterministicInit(t *testing.T) {
	a, b := newTiny(t), newTiny(t)

	sa, err := a.StateDict()
	require.NoError(t, err)
	sb, err := b.StateDict()
	require.NoError(t, err)

	require.Equal(t, len(sa), len(sb))
	for name, v := range sa {
		assert.Equal(t, v.Data(), sb[name].Data(), name)
	}

	cfg := tinyConfig()
	cfg.Seed++
	c, err := New(cfg, tinyStats())
	require.NoError(t, err)
	sc, err := c.StateDict()
	require.NoError(t, err)
	assert.NotEqual(t, sa["conv1.weight"].Data(), sc["conv1.weight"].Data())
}

func TestParamGroups(t *testing.T) {
	m := newTiny(t)
	groups := m.ParamGroups(0.1, DefaultLRScale)

	var names []string
	for _, g := range groups {
		names = append(names, g.Name)
	}
	assert.Equal(t, []string{"conv1", "bn1", "relu", "maxpool", "layer1", "layer2", "layer3", "layer4", "gc1", "gc2"}, names)

	for _, g := range groups[:8] {
		assert.InDelta(t, 0.1, g.LR, 1e-12, g.Name)
	}
	for _, g := range groups[8:] {
		assert.InDelta(t, 1.0, g.LR, 1e-12, g.Name)
		assert.NotEmpty(t, g.Params)
	}
	assert.Empty(t, groups[2].Params)

	var total int
	for _, g := range groups {
		total += len(g.Params)
	}
	assert.Equal(t, len(m.Params()), total)
}

func TestLoadStateDictIgnoresUnknownKeys(t *testing.T) {
	src := newTiny(t)
	sd, err := src.StateDict()
	require.NoError(t, err)

	sd["fc.weight"] = randTensor(1, 10, 32)
	sd["bn1.num_batches_tracked"] = randTensor(2, 1)
	sd["layer1.0.conv1.weight"] = randTensor(3, 7) // wrong size, skipped

	cfg := tinyConfig()
	cfg.Seed = 99
	dst, err := New(cfg, tinyStats())
	require.NoError(t, err)
	before, err := dst.StateDict()
	require.NoError(t, err)

	loaded, err := dst.LoadStateDict(sd)
	require.NoError(t, err)
	assert.NotContains(t, loaded, "fc.weight")
	assert.NotContains(t, loaded, "bn1.num_batches_tracked")
	assert.Contains(t, loaded, "bn1.running_mean")
	assert.NotContains(t, loaded, "layer1.0.conv1.weight")
	assert.Contains(t, loaded, "conv1.weight")
	assert.Contains(t, loaded, AdjacencyKey)

	after, err := dst.StateDict()
	require.NoError(t, err)
	assert.Equal(t, sd["conv1.weight"].Data(), after["conv1.weight"].Data())
	assert.Equal(t, sd["gc2.weight"].Data(), after["gc2.weight"].Data())
	assert.Equal(t, before["layer1.0.conv1.weight"].Data(), after["layer1.0.conv1.weight"].Data())
	_, ok := after["fc.weight"]
	assert.False(t, ok)
}

func TestLoadStateDictReshapesFlatBatchNorm(t *testing.T) {
	m := newTiny(t)
	flat := tensor.New(tensor.WithShape(4), tensor.WithBacking([]float32{1, 2, 3, 4}))

	loaded, err := m.LoadStateDict(map[string]tensor.Tensor{"bn1.weight": flat})
	require.NoError(t, err)
	assert.Equal(t, []string{"bn1.weight"}, loaded)

	sd, err := m.StateDict()
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 4, 1, 1}, sd["bn1.weight"].Shape())
	assert.Equal(t, []float32{1, 2, 3, 4}, sd["bn1.weight"].Data())
}

func TestPredictUsesRunningStats(t *testing.T) {
	m := newTiny(t)
	cfg := m.Config
	emb := randTensor(2, 1, cfg.NumLabels, cfg.InChannel)

	// Same first image, different second image.
	a := randTensor(1, cfg.BatchSize, 3, cfg.ImageSize, cfg.ImageSize)
	b := a.Clone().(*tensor.Dense)
	other := randTensor(3, cfg.BatchSize, 3, cfg.ImageSize, cfg.ImageSize).Data().([]float32)
	half := len(other) / 2
	copy(b.Data().([]float32)[half:], other[half:])

	outA, err := m.Predict(a, emb)
	require.NoError(t, err)
	outB, err := m.Predict(b, emb)
	require.NoError(t, err)
	l := cfg.NumLabels
	assert.InDeltaSlice(t, outA.Scores.Data().([]float32)[:l], outB.Scores.Data().([]float32)[:l], 1e-5)

	shift := func(v float32) *tensor.Dense {
		data := []float32{v, v, v, v}
		return tensor.New(tensor.WithShape(4), tensor.WithBacking(data))
	}
	loaded, err := m.LoadStateDict(map[string]tensor.Tensor{
		"bn1.running_mean": shift(0.5),
		"bn1.running_var":  shift(4),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"bn1.running_mean", "bn1.running_var"}, loaded)

	sd, err := m.StateDict()
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 4, 4, 4}, sd["bn1.running_var"].Data())
	assert.Equal(t, tensor.Shape{4}, sd["bn1.running_mean"].Shape())

	shifted, err := m.Predict(a, emb)
	require.NoError(t, err)
	assert.NotEqual(t, outA.Scores.Data(), shifted.Scores.Data())
}

func TestTrainingModeKeepsRunningStats(t *testing.T) {
	m := newTiny(t)
	bn := m.Backbone.BN1
	data := []float32{1, 2, 3, 4}
	mean := tensor.New(tensor.WithShape(4), tensor.WithBacking(data))
	variance := tensor.New(tensor.WithShape(4), tensor.WithBacking([]float32{5, 6, 7, 8}))
	require.NoError(t, bn.SetRunningStats(mean, variance))

	require.NoError(t, m.SetTraining(false))
	require.NoError(t, m.SetTraining(true))

	gotMean, gotVar, err := bn.RunningStats()
	require.NoError(t, err)
	assert.Equal(t, data, gotMean.Data())
	assert.Equal(t, []float32{5, 6, 7, 8}, gotVar.Data())
}

func TestAttachRefusesPredict(t *testing.T) {
	m := newTiny(t)
	require.NoError(t, m.Attach())
	assert.ErrorIs(t, m.Attach(), ErrAttached)

	cfg := m.Config
	_, err := m.Predict(randTensor(1, cfg.BatchSize, 3, cfg.ImageSize, cfg.ImageSize), randTensor(2, 1, cfg.NumLabels, cfg.InChannel))
	assert.ErrorIs(t, err, ErrAttached)
}

func TestSetA(t *testing.T) {
	m := newTiny(t)
	assert.Error(t, m.SetA(mat.NewDense(2, 2, nil)))

	id := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	require.NoError(t, m.SetA(id))
	assert.True(t, mat.Equal(id, m.A()))
}

func TestGRN50WithoutPretrained(t *testing.T) {
	cfg := tinyConfig()
	cfg.BaseWidth = 2
	cfg.BatchSize = 1
	m, err := GRN50(context.Background(), cfg, tinyStats(), nil)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, resnet.Layers50, m.Config.Layers)
	assert.Equal(t, 0.2, m.Backbone.Config.StemSlope)
	assert.Equal(t, resnet.Bottleneck.Name, m.Config.Block.Name)
	assert.Equal(t, 2*8*4, m.Backbone.OutChannels())
	assert.Equal(t, 32, m.GC1.Out)
	assert.Contains(t, m.GC1.String(), "(5 -> 32)")
}
