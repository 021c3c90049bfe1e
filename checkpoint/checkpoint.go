// Package checkpoint persists model weights as JSON, reads PyTorch state
// dicts, and caches downloaded pretrained files.
package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Version of the JSON checkpoint layout.
const Version = "1.0.0"

// Checkpoint is a complete set of named weights plus metadata.
type Checkpoint struct {
	Weights  []WeightTensor `json:"weights"`
	Labels   []string       `json:"labels,omitempty"`
	Metadata Metadata       `json:"metadata"`
}

// WeightTensor is one named parameter.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// Metadata describes where a checkpoint came from.
type Metadata struct {
	ID          string    `json:"id"`
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	Arch        string    `json:"arch,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// FromStateDict builds a checkpoint with weights sorted by name.
func FromStateDict(sd map[string]tensor.Tensor, arch string, labels []string) (*Checkpoint, error) {
	names := make([]string, 0, len(sd))
	for name := range sd {
		names = append(names, name)
	}
	sort.Strings(names)

	cp := &Checkpoint{
		Labels: labels,
		Metadata: Metadata{
			ID:        uuid.NewString(),
			Version:   Version,
			Framework: "gorgonia",
			Arch:      arch,
			CreatedAt: time.Now().UTC(),
		},
	}
	for _, name := range names {
		t := sd[name]
		data, err := float32s(t)
		if err != nil {
			return nil, errors.Wrap(err, name)
		}
		cp.Weights = append(cp.Weights, WeightTensor{
			Name:  name,
			Shape: append([]int(nil), t.Shape()...),
			Data:  data,
		})
	}
	return cp, nil
}

// StateDict converts the weights back to tensors.
func (c *Checkpoint) StateDict() (map[string]tensor.Tensor, error) {
	sd := make(map[string]tensor.Tensor, len(c.Weights))
	for _, w := range c.Weights {
		if tensor.Shape(w.Shape).TotalSize() != len(w.Data) {
			return nil, errors.Errorf("checkpoint: %s has shape %v but %d values", w.Name, w.Shape, len(w.Data))
		}
		data := append([]float32(nil), w.Data...)
		sd[w.Name] = tensor.New(tensor.WithShape(w.Shape...), tensor.WithBacking(data))
	}
	return sd, nil
}

// Save writes the checkpoint as JSON, creating parent directories.
func (c *Checkpoint) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create checkpoint directory")
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode checkpoint")
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return errors.Wrap(err, "write checkpoint")
	}
	return nil
}

// Load reads a JSON checkpoint.
func Load(path string) (*Checkpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read checkpoint")
	}
	var c Checkpoint
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, errors.Wrapf(err, "decode checkpoint %s", path)
	}
	return &c, nil
}

func float32s(t tensor.Tensor) ([]float32, error) {
	switch v := t.Data().(type) {
	case []float32:
		return append([]float32(nil), v...), nil
	case []float64:
		out := make([]float32, len(v))
		for i, x := range v {
			out[i] = float32(x)
		}
		return out, nil
	default:
		return nil, errors.Errorf("unsupported dtype %v", t.Dtype())
	}
}
