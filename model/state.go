package model

import (
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"mlgcn/gcn"
	"mlgcn/internal/param"
)

// AdjacencyKey is the state-dict name of the adjacency parameter.
const AdjacencyKey = "A"

// StateDict returns a copy of every learnable and of every batch
// normalisation running statistic, keyed by name, plus the adjacency
// parameter under AdjacencyKey.
func (m *Model) StateDict() (map[string]tensor.Tensor, error) {
	sd := make(map[string]tensor.Tensor)
	for _, p := range m.Params() {
		v, err := cloneValue(p.Node)
		if err != nil {
			return nil, err
		}
		sd[p.Name] = v
	}
	for _, bn := range m.Backbone.BatchNorms() {
		mean, variance, err := bn.RunningStats()
		if err != nil {
			return nil, err
		}
		sd[param.Join(bn.Name, runningMean)] = mean
		sd[param.Join(bn.Name, runningVar)] = variance
	}
	sd[AdjacencyKey] = gcn.ToTensor(m.a)
	return sd, nil
}

// Running-statistics buffer suffixes, as in torchvision checkpoints.
const (
	runningMean = "running_mean"
	runningVar  = "running_var"
)

// loadRunningStats copies the running mean and variance of every batch
// normalisation layer for which sd holds both buffers.
func (m *Model) loadRunningStats(sd map[string]tensor.Tensor, known map[string]bool) ([]string, error) {
	var loaded []string
	for _, bn := range m.Backbone.BatchNorms() {
		meanKey, varKey := param.Join(bn.Name, runningMean), param.Join(bn.Name, runningVar)
		known[meanKey], known[varKey] = true, true
		mean, okMean := sd[meanKey]
		variance, okVar := sd[varKey]
		if !okMean || !okVar {
			continue
		}
		channels := bn.Scale.Shape().TotalSize()
		shape := tensor.Shape{channels}
		if mean.Shape().TotalSize() != channels || variance.Shape().TotalSize() != channels {
			m.logger.Warn("skipping running statistics with mismatched size",
				zap.String("name", bn.Name),
				zap.Int("have", channels),
				zap.Ints("got", mean.Shape()))
			continue
		}
		mt, err := asFloat32(mean, shape)
		if err != nil {
			return loaded, errors.Wrap(err, meanKey)
		}
		vt, err := asFloat32(variance, shape)
		if err != nil {
			return loaded, errors.Wrap(err, varKey)
		}
		if err := bn.SetRunningStats(mt, vt); err != nil {
			return loaded, err
		}
		loaded = append(loaded, meanKey, varKey)
	}
	return loaded, nil
}

// LoadStateDict copies every entry of sd whose name the model knows. Names
// the model does not have are ignored; entries whose element count differs
// from the model's are skipped with a warning. It returns the loaded names.
func (m *Model) LoadStateDict(sd map[string]tensor.Tensor) ([]string, error) {
	var loaded []string
	known := make(map[string]bool)

	for _, p := range m.Params() {
		known[p.Name] = true
		src, ok := sd[p.Name]
		if !ok {
			continue
		}
		want := p.Node.Shape()
		if src.Shape().TotalSize() != want.TotalSize() {
			m.logger.Warn("skipping parameter with mismatched size",
				zap.String("name", p.Name),
				zap.Ints("have", want),
				zap.Ints("got", src.Shape()))
			continue
		}
		val, err := asFloat32(src, want)
		if err != nil {
			return loaded, errors.Wrap(err, p.Name)
		}
		if err := gorgonia.Let(p.Node, val); err != nil {
			return loaded, errors.Wrapf(err, "load %s", p.Name)
		}
		loaded = append(loaded, p.Name)
	}

	stats, err := m.loadRunningStats(sd, known)
	loaded = append(loaded, stats...)
	if err != nil {
		return loaded, err
	}

	known[AdjacencyKey] = true
	if src, ok := sd[AdjacencyKey]; ok {
		a, err := gcn.FromTensor(src)
		if err == nil {
			err = m.SetA(a)
		}
		if err != nil {
			m.logger.Warn("skipping adjacency", zap.Error(err))
		} else {
			loaded = append(loaded, AdjacencyKey)
		}
	}

	var ignored []string
	for name := range sd {
		if !known[name] {
			ignored = append(ignored, name)
		}
	}
	sort.Strings(ignored)
	m.logger.Debug("state dict merged",
		zap.Int("loaded", len(loaded)),
		zap.Strings("ignored", ignored))
	return loaded, nil
}

// asFloat32 copies src into a fresh float32 tensor of the given shape.
func asFloat32(src tensor.Tensor, shape tensor.Shape) (*tensor.Dense, error) {
	data := make([]float32, shape.TotalSize())
	switch v := src.Data().(type) {
	case []float32:
		copy(data, v)
	case []float64:
		for i := range data {
			data[i] = float32(v[i])
		}
	default:
		return nil, errors.Errorf("unsupported dtype %v", src.Dtype())
	}
	return tensor.New(tensor.WithShape(shape.Clone()...), tensor.WithBacking(data)), nil
}
