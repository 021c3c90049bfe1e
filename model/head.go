package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// forward wires the graph:
//
//	v = gc2(leaky(gc1(inp, adj)), adj)            (L, C)
//	f = backbone(images)                          (B, C, H, W)
//	scores   = avgpool(f) · vᵀ                    (B, L)
//	heatmaps = Σ_c f[b,c,h,w] · v[l,c]            (B, L, H, W)
func (m *Model) forward() error {
	// 1. Label graph
	v, err := m.GC1.Forward(m.Inp, m.Adj)
	if err != nil {
		return err
	}
	if v, err = gorgonia.LeakyRelu(v, m.Config.LeakySlope); err != nil {
		return errors.Wrap(err, "leaky relu")
	}
	if v, err = m.GC2.Forward(v, m.Adj); err != nil {
		return err
	}
	m.LabelVectors = v

	// 2. Image features
	feat, err := m.Backbone.Forward(m.Images)
	if err != nil {
		return err
	}
	m.Features = feat

	// 3. Classification scores
	if m.Pooled, err = pool(feat); err != nil {
		return err
	}
	vT, err := gorgonia.Transpose(v)
	if err != nil {
		return err
	}
	if m.Scores, err = gorgonia.Mul(m.Pooled, vT); err != nil {
		return errors.Wrap(err, "scores")
	}

	// 4. Heatmaps
	if m.Heatmaps, err = heatmaps(feat, v); err != nil {
		return errors.Wrap(err, "heatmaps")
	}
	return nil
}

// pool averages the feature map over space: (B, C, H, W) -> (B, C).
func pool(feat *gorgonia.Node) (*gorgonia.Node, error) {
	shp := feat.Shape()
	flat, err := gorgonia.Reshape(feat, tensor.Shape{shp[0], shp[1], shp[2] * shp[3]})
	if err != nil {
		return nil, errors.Wrap(err, "avgpool")
	}
	avg, err := gorgonia.Mean(flat, 2)
	return avg, errors.Wrap(err, "avgpool")
}

// heatmaps contracts the channel axis of feat (B, C, H, W) with every label
// vector of v (L, C). The contraction is carried out as one matrix product
// over a channel-major view of the feature map.
func heatmaps(feat, v *gorgonia.Node) (*gorgonia.Node, error) {
	shp := feat.Shape()
	b, c, h, w := shp[0], shp[1], shp[2], shp[3]
	l := v.Shape()[0]

	// (B, C, H, W) -> (C, B, H, W) -> (C, B*H*W)
	cm, err := gorgonia.Transpose(feat, 1, 0, 2, 3)
	if err != nil {
		return nil, err
	}
	if cm, err = gorgonia.Reshape(cm, tensor.Shape{c, b * h * w}); err != nil {
		return nil, err
	}

	// (L, C) x (C, B*H*W) -> (L, B*H*W)
	hm, err := gorgonia.Mul(v, cm)
	if err != nil {
		return nil, err
	}

	// (L, B*H*W) -> (L, B, H, W) -> (B, L, H, W)
	if hm, err = gorgonia.Reshape(hm, tensor.Shape{l, b, h, w}); err != nil {
		return nil, err
	}
	return gorgonia.Transpose(hm, 1, 0, 2, 3)
}
