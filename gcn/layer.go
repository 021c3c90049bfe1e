package gcn

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"mlgcn/internal/param"
)

// GraphConvolution is a single GCN layer (Kipf & Welling, arXiv:1609.02907):
// out = adj · (input · W) [+ b].
type GraphConvolution struct {
	Graph *gorgonia.ExprGraph
	Name  string
	In    int
	Out   int

	Weight *gorgonia.Node // (In, Out)
	Bias   *gorgonia.Node // (1, Out), nil when the layer has no bias
}

type layerOptions struct {
	bias bool
	rng  *rand.Rand
	init gorgonia.InitWFn
}

// Option configures a GraphConvolution.
type Option func(*layerOptions)

// WithBias adds a learnable per-feature bias.
func WithBias(b bool) Option {
	return func(o *layerOptions) { o.bias = b }
}

// WithRand sets the random source used by the default initialiser.
func WithRand(r *rand.Rand) Option {
	return func(o *layerOptions) { o.rng = r }
}

// WithInit overrides the weight (and bias) initialiser.
func WithInit(fn gorgonia.InitWFn) Option {
	return func(o *layerOptions) { o.init = fn }
}

// NewGraphConvolution creates the layer's learnables on g. Weight and bias are
// drawn uniformly from [-1/sqrt(out), 1/sqrt(out)] unless WithInit is given.
func NewGraphConvolution(g *gorgonia.ExprGraph, name string, in, out int, opts ...Option) *GraphConvolution {
	o := layerOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewSource(0))
	}
	if o.init == nil {
		stdv := 1.0 / math.Sqrt(float64(out))
		o.init = param.Uniform(o.rng, -stdv, stdv)
	}

	l := &GraphConvolution{
		Graph: g,
		Name:  name,
		In:    in,
		Out:   out,
	}
	l.Weight = gorgonia.NewMatrix(g, param.Dtype,
		gorgonia.WithShape(in, out),
		gorgonia.WithName(param.Join(name, "weight")),
		gorgonia.WithInit(o.init))
	if o.bias {
		l.Bias = gorgonia.NewMatrix(g, param.Dtype,
			gorgonia.WithShape(1, out),
			gorgonia.WithName(param.Join(name, "bias")),
			gorgonia.WithInit(o.init))
	}
	return l
}

// Forward propagates node features over adj. Input is (N, In) or (B, N, In);
// a batched input is flattened for the projection and restored afterwards,
// every batch element sharing the same adj (N, N).
func (l *GraphConvolution) Forward(input, adj *gorgonia.Node) (*gorgonia.Node, error) {
	shp := input.Shape()
	switch len(shp) {
	case 2:
		return l.forward2D(input, adj)
	case 3:
	default:
		return nil, errors.Errorf("%s: expected rank 2 or 3 input, got shape %v", l.Name, shp)
	}

	b, n, e := shp[0], shp[1], shp[2]
	if b == 1 {
		flat, err := gorgonia.Reshape(input, tensor.Shape{n, e})
		if err != nil {
			return nil, err
		}
		out, err := l.forward2D(flat, adj)
		if err != nil {
			return nil, err
		}
		return gorgonia.Reshape(out, tensor.Shape{1, n, l.Out})
	}

	// (B, N, In) -> (B*N, In) for the shared projection
	flat, err := gorgonia.Reshape(input, tensor.Shape{b * n, e})
	if err != nil {
		return nil, err
	}
	support, err := gorgonia.Mul(flat, l.Weight)
	if err != nil {
		return nil, err
	}

	// propagate each batch element: (N, N) x (N, Out)
	var outs gorgonia.Nodes
	for i := 0; i < b; i++ {
		rows, err := gorgonia.Slice(support, gorgonia.S(i*n, (i+1)*n))
		if err != nil {
			return nil, err
		}
		prop, err := gorgonia.Mul(adj, rows)
		if err != nil {
			return nil, err
		}
		if prop, err = l.addBias(prop); err != nil {
			return nil, err
		}
		outs = append(outs, prop)
	}
	stacked, err := gorgonia.Concat(0, outs...)
	if err != nil {
		return nil, err
	}
	return gorgonia.Reshape(stacked, tensor.Shape{b, n, l.Out})
}

func (l *GraphConvolution) forward2D(input, adj *gorgonia.Node) (*gorgonia.Node, error) {
	support, err := gorgonia.Mul(input, l.Weight)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: input x weight", l.Name)
	}
	output, err := gorgonia.Mul(adj, support)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: adj x support", l.Name)
	}
	return l.addBias(output)
}

func (l *GraphConvolution) addBias(x *gorgonia.Node) (*gorgonia.Node, error) {
	if l.Bias == nil {
		return x, nil
	}
	// Bias (1, Out) broadcast over the N rows of x.
	return gorgonia.BroadcastAdd(x, l.Bias, nil, []byte{0})
}

// Params returns the layer's learnables.
func (l *GraphConvolution) Params() param.Params {
	ps := param.Params{{Name: param.Join(l.Name, "weight"), Node: l.Weight}}
	if l.Bias != nil {
		ps = append(ps, param.Param{Name: param.Join(l.Name, "bias"), Node: l.Bias})
	}
	return ps
}

func (l *GraphConvolution) String() string {
	return fmt.Sprintf("GraphConvolution (%d -> %d)", l.In, l.Out)
}
