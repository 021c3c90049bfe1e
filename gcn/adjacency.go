package gcn

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

// ErrLabelMismatch is returned when co-occurrence statistics do not cover
// exactly the configured labels.
var ErrLabelMismatch = errors.New("gcn: label count does not match adjacency size")

// Stats are label co-occurrence counts gathered from a training set.
// Adj[i][j] counts images holding both label i and label j; Nums[i] counts
// images holding label i.
type Stats struct {
	Adj  [][]float64 `json:"adj" yaml:"adj"`
	Nums []float64   `json:"nums" yaml:"nums"`
}

// Len returns the number of labels described by s.
func (s *Stats) Len() int { return len(s.Nums) }

// Validate checks that s is square and consistent.
func (s *Stats) Validate() error {
	n := len(s.Nums)
	if len(s.Adj) != n {
		return errors.Wrapf(ErrLabelMismatch, "adj has %d rows, nums has %d entries", len(s.Adj), n)
	}
	for i, row := range s.Adj {
		if len(row) != n {
			return errors.Wrapf(ErrLabelMismatch, "adj row %d has %d columns, want %d", i, len(row), n)
		}
	}
	return nil
}

// GenA builds the re-weighted label correlation matrix used to initialise the
// adjacency parameter:
//
//	P(j|i) = adj[i][j] / nums[i]
//	B      = P >= tao
//	A      = B * p / (colsum(B) + 1e-6) + I
func GenA(s *Stats, numLabels int, p, tao float64) (*mat.Dense, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Len() != numLabels {
		return nil, errors.Wrapf(ErrLabelMismatch, "stats describe %d labels, model has %d", s.Len(), numLabels)
	}

	a := mat.NewDense(numLabels, numLabels, nil)
	for i := 0; i < numLabels; i++ {
		for j := 0; j < numLabels; j++ {
			var cond float64
			if s.Nums[i] > 0 {
				cond = s.Adj[i][j] / s.Nums[i]
			}
			if cond >= tao {
				a.Set(i, j, 1)
			}
		}
	}

	for j := 0; j < numLabels; j++ {
		col := mat.Sum(a.ColView(j))
		scale := p / (col + 1e-6)
		for i := 0; i < numLabels; i++ {
			a.Set(i, j, a.At(i, j)*scale)
		}
	}
	for i := 0; i < numLabels; i++ {
		a.Set(i, i, a.At(i, i)+1)
	}
	return a, nil
}

// GenAdj turns A into the symmetric propagation operator (A·D)ᵀ·D with
// D = diag(rowsum(A)^-1/2). Rows summing to zero propagate nothing.
func GenAdj(a mat.Matrix) *mat.Dense {
	n, _ := a.Dims()
	d := mat.NewDiagDense(n, nil)
	for i := 0; i < n; i++ {
		var sum float64
		for j := 0; j < n; j++ {
			sum += a.At(i, j)
		}
		if sum > 0 {
			d.SetDiag(i, 1/math.Sqrt(sum))
		}
	}

	var ad mat.Dense
	ad.Mul(a, d)
	var out mat.Dense
	out.Mul(ad.T(), d)
	return &out
}

// ToTensor converts m into a float32 (rows, cols) tensor.
func ToTensor(m mat.Matrix) *tensor.Dense {
	r, c := m.Dims()
	data := make([]float32, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			data[i*c+j] = float32(m.At(i, j))
		}
	}
	return tensor.New(tensor.WithShape(r, c), tensor.WithBacking(data))
}

// FromTensor converts a rank-2 float32 or float64 tensor into a gonum matrix.
func FromTensor(t tensor.Tensor) (*mat.Dense, error) {
	shp := t.Shape()
	if len(shp) != 2 {
		return nil, errors.Errorf("gcn: expected a matrix, got shape %v", shp)
	}
	r, c := shp[0], shp[1]
	out := mat.NewDense(r, c, nil)
	switch data := t.Data().(type) {
	case []float32:
		for i, v := range data {
			out.Set(i/c, i%c, float64(v))
		}
	case []float64:
		for i, v := range data {
			out.Set(i/c, i%c, v)
		}
	default:
		return nil, errors.Errorf("gcn: unsupported tensor dtype %v", t.Dtype())
	}
	return out, nil
}
