// Package resnet builds residual-network feature extractors on a gorgonia
// expression graph. Parameter names follow the torchvision state-dict layout
// so that pretrained checkpoints can be merged by name.
package resnet

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"mlgcn/internal/param"
)

// Depth presets.
var (
	Layers50  = [4]int{3, 4, 6, 3}
	Layers101 = [4]int{3, 4, 23, 3}
)

// Config describes a backbone.
type Config struct {
	Block     Block
	Layers    [4]int
	BaseWidth int // channels of the stem and of layer1's inner convolutions; 64 for standard ResNets
	// StemSlope makes the stem activation a leaky ReLU with this negative
	// slope. Zero keeps the plain ReLU.
	StemSlope float64
	Rand      *rand.Rand
}

// Stage is a named sub-module and its learnables. Parameter-free stages
// (relu, maxpool) are listed with no params.
type Stage struct {
	Name   string
	Params param.Params
}

// Sequential is one of layer1..layer4.
type Sequential struct {
	Name   string
	Blocks []Residual
}

func (s *Sequential) Forward(x *gorgonia.Node) (*gorgonia.Node, error) {
	var err error
	for i, b := range s.Blocks {
		if x, err = b.Forward(x); err != nil {
			return nil, errors.Wrapf(err, "%s.%d", s.Name, i)
		}
	}
	return x, nil
}

func (s *Sequential) Params() param.Params {
	var ps param.Params
	for _, b := range s.Blocks {
		ps = append(ps, b.Params()...)
	}
	return ps
}

// Backbone is conv1 -> bn1 -> relu (leaky with StemSlope) -> maxpool ->
// layer1..layer4.
type Backbone struct {
	Graph  *gorgonia.ExprGraph
	Config Config

	Conv1  *Conv2d
	BN1    *BatchNorm
	Layers [4]*Sequential

	inplanes int
	training bool
}

// NewBackbone creates every learnable of the network on g.
func NewBackbone(g *gorgonia.ExprGraph, cfg Config) (*Backbone, error) {
	if cfg.Block.build == nil {
		return nil, errors.New("resnet: block kind not set")
	}
	if cfg.BaseWidth <= 0 {
		cfg.BaseWidth = 64
	}
	for i, n := range cfg.Layers {
		if n <= 0 {
			return nil, errors.Errorf("resnet: layer%d needs at least one block", i+1)
		}
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(0))
	}

	b := &Backbone{Graph: g, Config: cfg, inplanes: cfg.BaseWidth, training: true}
	b.Conv1 = newConv2d(g, cfg.Rand, "conv1", 3, cfg.BaseWidth, 7, 2, 3)
	b.BN1 = newBatchNorm(g, "bn1", cfg.BaseWidth)

	strides := [4]int{1, 2, 2, 2}
	for i := range b.Layers {
		planes := cfg.BaseWidth << uint(i)
		b.Layers[i] = b.makeLayer(fmt.Sprintf("layer%d", i+1), planes, cfg.Layers[i], strides[i])
	}
	return b, nil
}

func (b *Backbone) makeLayer(name string, planes, blocks, stride int) *Sequential {
	g, r, block := b.Graph, b.Config.Rand, b.Config.Block
	seq := &Sequential{Name: name}

	var down *downsample
	if stride != 1 || b.inplanes != planes*block.Expansion {
		down = newDownsample(g, r, param.Join(name, "0.downsample"), b.inplanes, planes*block.Expansion, stride)
	}
	seq.Blocks = append(seq.Blocks, block.build(g, r, param.Join(name, "0"), b.inplanes, planes, stride, down))
	b.inplanes = planes * block.Expansion
	for i := 1; i < blocks; i++ {
		seq.Blocks = append(seq.Blocks, block.build(g, r, param.Join(name, fmt.Sprint(i)), b.inplanes, planes, 1, nil))
	}
	return seq
}

// Forward maps images (N, 3, H, W) to the final feature map (N, C, H/32, W/32).
func (b *Backbone) Forward(x *gorgonia.Node) (*gorgonia.Node, error) {
	out, err := b.Conv1.Forward(x)
	if err != nil {
		return nil, err
	}
	if out, err = b.BN1.Forward(out); err != nil {
		return nil, err
	}
	if out, err = b.stemActivation(out); err != nil {
		return nil, err
	}
	if out, err = gorgonia.MaxPool2D(out, tensor.Shape{3, 3}, []int{1, 1}, []int{2, 2}); err != nil {
		return nil, errors.Wrap(err, "maxpool")
	}
	for _, layer := range b.Layers {
		if out, err = layer.Forward(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (b *Backbone) stemActivation(x *gorgonia.Node) (*gorgonia.Node, error) {
	if b.Config.StemSlope > 0 {
		return gorgonia.LeakyRelu(x, b.Config.StemSlope)
	}
	return gorgonia.Rectify(x)
}

// OutChannels is the channel width of the final feature map.
func (b *Backbone) OutChannels() int {
	return b.Config.BaseWidth * 8 * b.Config.Block.Expansion
}

// OutputSize is the spatial resolution of the final feature map for an
// h x w input.
func (b *Backbone) OutputSize(h, w int) (int, int) {
	f := func(s int) int {
		s = convOutput(s, 7, 2, 3) // conv1
		s = convOutput(s, 3, 2, 1) // maxpool
		for i := 1; i < 4; i++ {
			s = convOutput(s, 3, 2, 1) // strided 3x3 of layer2..4
		}
		return s
	}
	return f(h), f(w)
}

// Stages lists the named sub-modules in forward order.
func (b *Backbone) Stages() []Stage {
	stages := []Stage{
		{Name: "conv1", Params: b.Conv1.Params()},
		{Name: "bn1", Params: b.BN1.Params()},
		{Name: "relu"},
		{Name: "maxpool"},
	}
	for _, l := range b.Layers {
		stages = append(stages, Stage{Name: l.Name, Params: l.Params()})
	}
	return stages
}

// BatchNorms lists every batch normalisation layer in forward order.
func (b *Backbone) BatchNorms() []*BatchNorm {
	bns := []*BatchNorm{b.BN1}
	for _, l := range b.Layers {
		for _, blk := range l.Blocks {
			bns = append(bns, blk.BatchNorms()...)
		}
	}
	return bns
}

// SetTraining puts every batch normalisation layer in training or inference
// mode. New backbones start in training mode.
func (b *Backbone) SetTraining(training bool) error {
	if b.training == training {
		return nil
	}
	for _, bn := range b.BatchNorms() {
		if err := bn.SetTraining(training); err != nil {
			return err
		}
	}
	b.training = training
	return nil
}

// Params returns every learnable in forward order.
func (b *Backbone) Params() param.Params {
	var ps param.Params
	for _, s := range b.Stages() {
		ps = append(ps, s.Params...)
	}
	return ps
}
