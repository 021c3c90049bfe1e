package embedding

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"gorgonia.org/tensor"
)

// File serves precomputed vectors (e.g. GloVe) read from a JSON or YAML
// object mapping label name to vector.
type File struct {
	Vectors map[string][]float32
}

// LoadFile reads a .json, .yaml or .yml vector file.
func LoadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read embeddings")
	}
	f := &File{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(raw, &f.Vectors)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &f.Vectors)
	default:
		return nil, errors.Errorf("embedding: unsupported file %s", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return f, nil
}

// Embed looks every label up; a missing label is an error.
func (f *File) Embed(_ context.Context, labels []string) (tensor.Tensor, error) {
	vecs := make([][]float32, len(labels))
	for i, label := range labels {
		v, ok := f.Vectors[label]
		if !ok {
			return nil, errors.Errorf("embedding: no vector for label %q", label)
		}
		vecs[i] = v
	}
	return stack(labels, vecs)
}
