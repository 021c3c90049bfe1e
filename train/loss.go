// Package train fits a GCNResNet with per-group learning rates and scores it
// with mean average precision.
package train

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

// SoftMarginLoss is the multi-label soft margin loss over logits x and 0/1
// targets y, both (B, L):
//
//	mean(log(1 + exp(x)) - y*x)
func SoftMarginLoss(x, y *gorgonia.Node) (*gorgonia.Node, error) {
	if !x.Shape().Eq(y.Shape()) {
		return nil, errors.Errorf("train: logits %v and targets %v differ in shape", x.Shape(), y.Shape())
	}
	sp, err := gorgonia.Softplus(x)
	if err != nil {
		return nil, errors.Wrap(err, "softplus")
	}
	yx, err := gorgonia.HadamardProd(y, x)
	if err != nil {
		return nil, err
	}
	diff, err := gorgonia.Sub(sp, yx)
	if err != nil {
		return nil, err
	}
	return gorgonia.Mean(diff)
}
