package model

import "mlgcn/internal/param"

// DefaultLRScale multiplies the learning rate of the graph layers.
const DefaultLRScale = 10.0

// ParamGroup pairs a named sub-module's learnables with a learning rate.
type ParamGroup struct {
	Name   string
	Params param.Params
	LR     float64
}

// ParamGroups lists one group per backbone stage at lr followed by gc1 and
// gc2 at lr*scale. Stages without learnables keep their entry.
func (m *Model) ParamGroups(lr, scale float64) []ParamGroup {
	stages := m.Backbone.Stages()
	groups := make([]ParamGroup, 0, len(stages)+2)
	for _, s := range stages {
		groups = append(groups, ParamGroup{Name: s.Name, Params: s.Params, LR: lr})
	}
	return append(groups,
		ParamGroup{Name: m.GC1.Name, Params: m.GC1.Params(), LR: lr * scale},
		ParamGroup{Name: m.GC2.Name, Params: m.GC2.Params(), LR: lr * scale},
	)
}
