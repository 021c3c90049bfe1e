package gcn

import (
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/nlpodyssey/gopickle/pickle"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrUnsupportedFormat is returned for statistics files of unknown type.
var ErrUnsupportedFormat = errors.New("gcn: unsupported statistics format")

// LoadStats reads co-occurrence statistics from a .json, .yaml/.yml or .pkl
// file. Pickles must hold a dict whose "adj" and "nums" entries are lists or
// numpy arrays (int, uint, bool or float dtypes).
func LoadStats(path string) (*Stats, error) {
	var (
		s   *Stats
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		s, err = decodeFile(path, json.Unmarshal)
	case ".yaml", ".yml":
		s, err = decodeFile(path, yaml.Unmarshal)
	case ".pkl", ".pickle":
		s, err = loadPickle(path)
	default:
		return nil, errors.Wrap(ErrUnsupportedFormat, path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load stats %s", path)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func decodeFile(path string, unmarshal func([]byte, interface{}) error) (*Stats, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Stats
	if err := unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

type pyGetter interface {
	Get(key interface{}) (interface{}, bool)
}

type pySequence interface {
	Len() int
	Get(i int) interface{}
}

func loadPickle(path string) (*Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	u := pickle.NewUnpickler(f)
	u.FindClass = findNumpyClass
	obj, err := u.Load()
	if err != nil {
		return nil, err
	}
	dict, ok := obj.(pyGetter)
	if !ok {
		return nil, errors.Errorf("expected a dict, got %T", obj)
	}

	rawAdj, ok := dict.Get("adj")
	if !ok {
		return nil, errors.New(`missing "adj" entry`)
	}
	rawNums, ok := dict.Get("nums")
	if !ok {
		return nil, errors.New(`missing "nums" entry`)
	}

	nums, err := pyFloats(rawNums)
	if err != nil {
		return nil, errors.Wrap(err, "nums")
	}
	if arr, ok := rawAdj.(*ndarray); ok {
		adj, err := arr.rows()
		if err != nil {
			return nil, errors.Wrap(err, "adj")
		}
		return &Stats{Adj: adj, Nums: nums}, nil
	}
	rows, ok := rawAdj.(pySequence)
	if !ok {
		return nil, errors.Errorf("adj: expected a list, got %T", rawAdj)
	}
	adj := make([][]float64, rows.Len())
	for i := range adj {
		if adj[i], err = pyFloats(rows.Get(i)); err != nil {
			return nil, errors.Wrapf(err, "adj row %d", i)
		}
	}
	return &Stats{Adj: adj, Nums: nums}, nil
}

func pyFloats(v interface{}) ([]float64, error) {
	if arr, ok := v.(*ndarray); ok {
		return arr.vector()
	}
	seq, ok := v.(pySequence)
	if !ok {
		return nil, errors.Errorf("expected a list, got %T", v)
	}
	out := make([]float64, seq.Len())
	for i := range out {
		f, err := pyFloat(seq.Get(i))
		if err != nil {
			return nil, errors.Wrapf(err, "index %d", i)
		}
		out[i] = f
	}
	return out, nil
}

func pyFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case *big.Int:
		f, _ := new(big.Float).SetInt(x).Float64()
		return f, nil
	default:
		return 0, errors.Errorf("unsupported element %T", v)
	}
}
