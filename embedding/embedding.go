// Package embedding produces the label embedding matrix fed to the graph
// branch. Every Source returns a tensor of shape (1, L, E), the label order
// matching the order of the input names.
package embedding

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"math/rand"

	"gorgonia.org/tensor"
)

// Source turns label names into embedding vectors.
type Source interface {
	Embed(ctx context.Context, labels []string) (tensor.Tensor, error)
}

// Hashed is a deterministic stand-in for word vectors: every label seeds a
// generator from the md5 of its name, so the same name always maps to the
// same vector in [-1, 1).
type Hashed struct {
	Dim int
}

// NewHashed returns a Hashed source of the given width.
func NewHashed(dim int) *Hashed {
	return &Hashed{Dim: dim}
}

func (h *Hashed) Embed(_ context.Context, labels []string) (tensor.Tensor, error) {
	data := make([]float32, len(labels)*h.Dim)
	for i, label := range labels {
		hash := md5.Sum([]byte(label))
		seed := int64(binary.BigEndian.Uint64(hash[:8]))
		r := rand.New(rand.NewSource(seed))
		for d := 0; d < h.Dim; d++ {
			data[i*h.Dim+d] = r.Float32()*2 - 1
		}
	}
	return tensor.New(tensor.WithShape(1, len(labels), h.Dim), tensor.WithBacking(data)), nil
}
