// Package param holds the named-learnable bookkeeping shared by the layer
// packages, plus seeded initialisers so that two models built from the same
// seed start from identical values.
package param

import (
	"math/rand"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Dtype is the element type of every learnable and input in the model.
var Dtype = tensor.Float32

// Param is a learnable node together with its checkpoint name.
type Param struct {
	Name string
	Node *gorgonia.Node
}

// Params is an ordered list of learnables.
type Params []Param

// Nodes returns the underlying graph nodes, in order.
func (ps Params) Nodes() gorgonia.Nodes {
	nodes := make(gorgonia.Nodes, 0, len(ps))
	for _, p := range ps {
		nodes = append(nodes, p.Node)
	}
	return nodes
}

// Names returns the checkpoint names, in order.
func (ps Params) Names() []string {
	names := make([]string, 0, len(ps))
	for _, p := range ps {
		names = append(names, p.Name)
	}
	return names
}

// Join prefixes name with scope using the dotted convention of torch state dicts.
func Join(scope, name string) string {
	if scope == "" {
		return name
	}
	return scope + "." + name
}

// Uniform draws from [lo, hi) using r.
func Uniform(r *rand.Rand, lo, hi float64) gorgonia.InitWFn {
	return fill(func() float64 { return lo + (hi-lo)*r.Float64() })
}

// Normal draws from N(mean, std) using r.
func Normal(r *rand.Rand, mean, std float64) gorgonia.InitWFn {
	return fill(func() float64 { return mean + std*r.NormFloat64() })
}

// Constant fills every element with v.
func Constant(v float64) gorgonia.InitWFn {
	return fill(func() float64 { return v })
}

func fill(next func() float64) gorgonia.InitWFn {
	return func(dt tensor.Dtype, s ...int) interface{} {
		size := tensor.Shape(s).TotalSize()
		switch dt {
		case tensor.Float64:
			out := make([]float64, size)
			for i := range out {
				out[i] = next()
			}
			return out
		case tensor.Float32:
			out := make([]float32, size)
			for i := range out {
				out[i] = float32(next())
			}
			return out
		default:
			panic("param: unsupported dtype " + dt.String())
		}
	}
}
