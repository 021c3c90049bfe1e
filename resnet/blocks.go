package resnet

import (
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"

	"mlgcn/internal/param"
)

// Residual is one residual unit of a stage.
type Residual interface {
	Forward(x *gorgonia.Node) (*gorgonia.Node, error)
	Params() param.Params
	BatchNorms() []*BatchNorm
}

const bottleneckExpansion = 4

// Block describes a residual block kind.
type Block struct {
	Name      string
	Expansion int
	build     func(g *gorgonia.ExprGraph, r *rand.Rand, name string, inplanes, planes, stride int, down *downsample) Residual
}

var (
	// BasicBlock is two 3x3 convolutions.
	BasicBlock = Block{Name: "basic", Expansion: 1, build: newBasic}
	// Bottleneck is 1x1 -> 3x3 -> 1x1 with a 4x channel expansion.
	Bottleneck = Block{Name: "bottleneck", Expansion: bottleneckExpansion, build: newBottleneck}
)

// BlockByName resolves "basic" or "bottleneck".
func BlockByName(name string) (Block, error) {
	switch name {
	case BasicBlock.Name:
		return BasicBlock, nil
	case Bottleneck.Name, "":
		return Bottleneck, nil
	}
	return Block{}, errors.Errorf("resnet: unknown block %q", name)
}

// downsample projects the identity branch when the shape changes.
type downsample struct {
	conv *Conv2d
	bn   *BatchNorm
}

func newDownsample(g *gorgonia.ExprGraph, r *rand.Rand, name string, in, out, stride int) *downsample {
	return &downsample{
		conv: newConv2d(g, r, param.Join(name, "0"), in, out, 1, stride, 0),
		bn:   newBatchNorm(g, param.Join(name, "1"), out),
	}
}

func (d *downsample) forward(x *gorgonia.Node) (*gorgonia.Node, error) {
	out, err := d.conv.Forward(x)
	if err != nil {
		return nil, err
	}
	return d.bn.Forward(out)
}

func (d *downsample) batchNorms() []*BatchNorm {
	if d == nil {
		return nil
	}
	return []*BatchNorm{d.bn}
}

func (d *downsample) params() param.Params {
	if d == nil {
		return nil
	}
	return append(d.conv.Params(), d.bn.Params()...)
}

type basic struct {
	conv1, conv2 *Conv2d
	bn1, bn2     *BatchNorm
	down         *downsample
}

func newBasic(g *gorgonia.ExprGraph, r *rand.Rand, name string, inplanes, planes, stride int, down *downsample) Residual {
	return &basic{
		conv1: newConv2d(g, r, param.Join(name, "conv1"), inplanes, planes, 3, stride, 1),
		bn1:   newBatchNorm(g, param.Join(name, "bn1"), planes),
		conv2: newConv2d(g, r, param.Join(name, "conv2"), planes, planes, 3, 1, 1),
		bn2:   newBatchNorm(g, param.Join(name, "bn2"), planes),
		down:  down,
	}
}

func (b *basic) Forward(x *gorgonia.Node) (*gorgonia.Node, error) {
	out, err := b.conv1.Forward(x)
	if err != nil {
		return nil, err
	}
	if out, err = b.bn1.Forward(out); err != nil {
		return nil, err
	}
	if out, err = gorgonia.Rectify(out); err != nil {
		return nil, err
	}
	if out, err = b.conv2.Forward(out); err != nil {
		return nil, err
	}
	if out, err = b.bn2.Forward(out); err != nil {
		return nil, err
	}
	return residual(out, x, b.down)
}

func (b *basic) BatchNorms() []*BatchNorm {
	return append([]*BatchNorm{b.bn1, b.bn2}, b.down.batchNorms()...)
}

func (b *basic) Params() param.Params {
	var ps param.Params
	ps = append(ps, b.conv1.Params()...)
	ps = append(ps, b.bn1.Params()...)
	ps = append(ps, b.conv2.Params()...)
	ps = append(ps, b.bn2.Params()...)
	return append(ps, b.down.params()...)
}

type bottleneck struct {
	conv1, conv2, conv3 *Conv2d
	bn1, bn2, bn3       *BatchNorm
	down                *downsample
}

func newBottleneck(g *gorgonia.ExprGraph, r *rand.Rand, name string, inplanes, planes, stride int, down *downsample) Residual {
	return &bottleneck{
		conv1: newConv2d(g, r, param.Join(name, "conv1"), inplanes, planes, 1, 1, 0),
		bn1:   newBatchNorm(g, param.Join(name, "bn1"), planes),
		conv2: newConv2d(g, r, param.Join(name, "conv2"), planes, planes, 3, stride, 1),
		bn2:   newBatchNorm(g, param.Join(name, "bn2"), planes),
		conv3: newConv2d(g, r, param.Join(name, "conv3"), planes, planes*bottleneckExpansion, 1, 1, 0),
		bn3:   newBatchNorm(g, param.Join(name, "bn3"), planes*bottleneckExpansion),
		down:  down,
	}
}

func (b *bottleneck) Forward(x *gorgonia.Node) (*gorgonia.Node, error) {
	out := x
	var err error
	for i, pair := range []struct {
		conv *Conv2d
		bn   *BatchNorm
	}{{b.conv1, b.bn1}, {b.conv2, b.bn2}, {b.conv3, b.bn3}} {
		if out, err = pair.conv.Forward(out); err != nil {
			return nil, err
		}
		if out, err = pair.bn.Forward(out); err != nil {
			return nil, err
		}
		if i < 2 {
			if out, err = gorgonia.Rectify(out); err != nil {
				return nil, err
			}
		}
	}
	return residual(out, x, b.down)
}

func (b *bottleneck) BatchNorms() []*BatchNorm {
	return append([]*BatchNorm{b.bn1, b.bn2, b.bn3}, b.down.batchNorms()...)
}

func (b *bottleneck) Params() param.Params {
	var ps param.Params
	for _, m := range []interface{ Params() param.Params }{b.conv1, b.bn1, b.conv2, b.bn2, b.conv3, b.bn3} {
		ps = append(ps, m.Params()...)
	}
	return append(ps, b.down.params()...)
}

// residual adds the (possibly projected) identity and rectifies.
func residual(out, identity *gorgonia.Node, down *downsample) (*gorgonia.Node, error) {
	var err error
	if down != nil {
		if identity, err = down.forward(identity); err != nil {
			return nil, err
		}
	}
	if out, err = gorgonia.Add(out, identity); err != nil {
		return nil, err
	}
	return gorgonia.Rectify(out)
}
