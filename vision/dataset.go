package vision

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"gorgonia.org/tensor"

	"mlgcn/gcn"
)

// Sample is one annotated image.
type Sample struct {
	Image  string   `json:"image" yaml:"image"`
	Labels []string `json:"labels" yaml:"labels"`
}

// Dataset is a list of multi-label samples over a fixed label vocabulary.
type Dataset struct {
	Root    string // image paths are relative to Root
	Labels  []string
	Samples []Sample

	index map[string]int
}

// LoadDataset reads a JSON or YAML list of samples. Labels outside the
// vocabulary are an error.
func LoadDataset(path string, labels []string) (*Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read annotations")
	}
	var samples []Sample
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(raw, &samples)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &samples)
	default:
		return nil, errors.Errorf("vision: unsupported annotation file %s", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return NewDataset(filepath.Dir(path), labels, samples)
}

// NewDataset validates samples against the label vocabulary.
func NewDataset(root string, labels []string, samples []Sample) (*Dataset, error) {
	d := &Dataset{Root: root, Labels: labels, Samples: samples, index: make(map[string]int, len(labels))}
	for i, l := range labels {
		d.index[l] = i
	}
	for _, s := range samples {
		for _, l := range s.Labels {
			if _, ok := d.index[l]; !ok {
				return nil, errors.Errorf("vision: %s has unknown label %q", s.Image, l)
			}
		}
	}
	return d, nil
}

// Len is the number of samples.
func (d *Dataset) Len() int { return len(d.Samples) }

// Path resolves the image path of sample i.
func (d *Dataset) Path(i int) string {
	p := d.Samples[i].Image
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.Root, p)
}

// Targets returns the multi-hot (len(idx), L) matrix for the given samples.
func (d *Dataset) Targets(idx []int) *tensor.Dense {
	l := len(d.Labels)
	data := make([]float32, len(idx)*l)
	for row, i := range idx {
		for _, name := range d.Samples[i].Labels {
			data[row*l+d.index[name]] = 1
		}
	}
	return tensor.New(tensor.WithShape(len(idx), l), tensor.WithBacking(data))
}

// Batches splits the sample order into full batches of size n. A nil order
// means dataset order. The trailing partial batch is dropped.
func (d *Dataset) Batches(order []int, n int) [][]int {
	if order == nil {
		order = make([]int, d.Len())
		for i := range order {
			order[i] = i
		}
	}
	var out [][]int
	for start := 0; start+n <= len(order); start += n {
		out = append(out, order[start:start+n])
	}
	return out
}

// CoOccurrence counts label pairs over the dataset, producing the statistics
// the adjacency matrix is built from.
func (d *Dataset) CoOccurrence() *gcn.Stats {
	l := len(d.Labels)
	s := &gcn.Stats{Adj: make([][]float64, l), Nums: make([]float64, l)}
	for i := range s.Adj {
		s.Adj[i] = make([]float64, l)
	}
	for _, sample := range d.Samples {
		seen := make(map[int]bool, len(sample.Labels))
		for _, name := range sample.Labels {
			seen[d.index[name]] = true
		}
		for i := range seen {
			s.Nums[i]++
			for j := range seen {
				if i != j {
					s.Adj[i][j]++
				}
			}
		}
	}
	return s
}
