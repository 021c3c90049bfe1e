package resnet

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"mlgcn/internal/param"
)

const (
	bnMomentum = 0.1 // weight of the current batch in the running statistics
	bnEpsilon  = 1e-5
)

// Conv2d is a bias-free square convolution over NCHW input.
type Conv2d struct {
	Name   string
	Weight *gorgonia.Node // (out, in, k, k)
	Kernel int
	Stride int
	Pad    int
}

// newConv2d initialises the kernel from N(0, sqrt(2/(k*k*out))).
func newConv2d(g *gorgonia.ExprGraph, r *rand.Rand, name string, in, out, kernel, stride, pad int) *Conv2d {
	n := float64(kernel * kernel * out)
	return &Conv2d{
		Name: name,
		Weight: gorgonia.NewTensor(g, param.Dtype, 4,
			gorgonia.WithShape(out, in, kernel, kernel),
			gorgonia.WithName(param.Join(name, "weight")),
			gorgonia.WithInit(param.Normal(r, 0, math.Sqrt(2/n)))),
		Kernel: kernel,
		Stride: stride,
		Pad:    pad,
	}
}

func (c *Conv2d) Forward(x *gorgonia.Node) (*gorgonia.Node, error) {
	out, err := gorgonia.Conv2d(x, c.Weight,
		tensor.Shape{c.Kernel, c.Kernel},
		[]int{c.Pad, c.Pad},
		[]int{c.Stride, c.Stride},
		[]int{1, 1})
	if err != nil {
		return nil, errors.Wrapf(err, "%s", c.Name)
	}
	return out, nil
}

func (c *Conv2d) Params() param.Params {
	return param.Params{{Name: param.Join(c.Name, "weight"), Node: c.Weight}}
}

// BatchNorm normalises each channel with a learnable scale and shift of
// shape (1, C, 1, 1).
type BatchNorm struct {
	Name  string
	Scale *gorgonia.Node
	Shift *gorgonia.Node
	op    *gorgonia.BatchNormOp
}

func newBatchNorm(g *gorgonia.ExprGraph, name string, channels int) *BatchNorm {
	return &BatchNorm{
		Name: name,
		Scale: gorgonia.NewTensor(g, param.Dtype, 4,
			gorgonia.WithShape(1, channels, 1, 1),
			gorgonia.WithName(param.Join(name, "weight")),
			gorgonia.WithInit(param.Constant(1))),
		Shift: gorgonia.NewTensor(g, param.Dtype, 4,
			gorgonia.WithShape(1, channels, 1, 1),
			gorgonia.WithName(param.Join(name, "bias")),
			gorgonia.WithInit(param.Constant(0))),
	}
}

func (bn *BatchNorm) Forward(x *gorgonia.Node) (*gorgonia.Node, error) {
	out, _, _, op, err := gorgonia.BatchNorm(x, bn.Scale, bn.Shift, bnMomentum, bnEpsilon)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", bn.Name)
	}
	// running mean 0, running variance 1
	if err := op.Reset(); err != nil {
		return nil, errors.Wrapf(err, "%s", bn.Name)
	}
	bn.op = op
	return out, nil
}

func (bn *BatchNorm) Params() param.Params {
	return param.Params{
		{Name: param.Join(bn.Name, "weight"), Node: bn.Scale},
		{Name: param.Join(bn.Name, "bias"), Node: bn.Shift},
	}
}

// SetTraining switches between batch statistics (training) and the running
// statistics (inference). The running statistics survive the switch.
func (bn *BatchNorm) SetTraining(training bool) error {
	if bn.op == nil {
		return errors.Errorf("%s: not part of a forward graph", bn.Name)
	}
	if !training {
		return bn.op.SetTraining(false)
	}
	mean, variance, err := bn.RunningStats()
	if err != nil {
		return err
	}
	if err := bn.op.SetTraining(true); err != nil {
		return errors.Wrapf(err, "%s", bn.Name)
	}
	return bn.SetRunningStats(mean, variance)
}

// RunningStats returns copies of the running mean and variance, each of
// shape (C).
func (bn *BatchNorm) RunningStats() (mean, variance tensor.Tensor, err error) {
	if bn.op == nil {
		return nil, nil, errors.Errorf("%s: not part of a forward graph", bn.Name)
	}
	m, v := bn.op.Stats()
	return m.Clone().(tensor.Tensor), v.Clone().(tensor.Tensor), nil
}

// SetRunningStats copies mean and variance into the running statistics.
func (bn *BatchNorm) SetRunningStats(mean, variance tensor.Tensor) error {
	if bn.op == nil {
		return errors.Errorf("%s: not part of a forward graph", bn.Name)
	}
	return errors.Wrapf(bn.op.SetStats(mean, variance), "%s", bn.Name)
}

// convOutput is the spatial size after a kernel/stride/pad window.
func convOutput(size, kernel, stride, pad int) int {
	return (size+2*pad-kernel)/stride + 1
}
