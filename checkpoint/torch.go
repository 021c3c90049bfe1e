package checkpoint

import (
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrUnsupportedStorage is returned for tensors that are not float32 or are
// not laid out contiguously.
var ErrUnsupportedStorage = errors.New("checkpoint: unsupported tensor storage")

// Model URLs of the torchvision ImageNet checkpoints.
const (
	ResNet50URL  = "https://download.pytorch.org/models/resnet50-19c8e357.pth"
	ResNet101URL = "https://download.pytorch.org/models/resnet101-5d3b4d8f.pth"
)

// LoadTorch reads a PyTorch state dict (.pth). Integer buffers such as
// num_batches_tracked are skipped; any other non-float32 tensor is an error.
func LoadTorch(path string) (map[string]tensor.Tensor, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	dict, ok := obj.(*types.OrderedDict)
	if !ok {
		return nil, errors.Errorf("checkpoint: %s holds %T, want a state dict", path, obj)
	}

	sd := make(map[string]tensor.Tensor, len(dict.Map))
	for key, entry := range dict.Map {
		name, ok := key.(string)
		if !ok {
			continue
		}
		t, ok := entry.Value.(*pytorch.Tensor)
		if !ok {
			continue
		}
		if _, isLong := t.Source.(*pytorch.LongStorage); isLong {
			continue
		}
		dense, err := fromTorch(t)
		if err != nil {
			return nil, errors.Wrap(err, name)
		}
		sd[name] = dense
	}
	return sd, nil
}

func fromTorch(t *pytorch.Tensor) (*tensor.Dense, error) {
	storage, ok := t.Source.(*pytorch.FloatStorage)
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedStorage, "%T", t.Source)
	}
	if !contiguous(t.Size, t.Stride) {
		return nil, errors.Wrapf(ErrUnsupportedStorage, "non-contiguous strides %v for size %v", t.Stride, t.Size)
	}

	shape := tensor.Shape(append([]int(nil), t.Size...))
	if len(shape) == 0 {
		shape = tensor.Shape{1}
	}
	n := shape.TotalSize()
	end := t.StorageOffset + n
	if end > len(storage.Data) {
		return nil, errors.Errorf("checkpoint: tensor overruns its storage (%d > %d)", end, len(storage.Data))
	}
	data := append([]float32(nil), storage.Data[t.StorageOffset:end]...)
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)), nil
}

func contiguous(size, stride []int) bool {
	expect := 1
	for i := len(size) - 1; i >= 0; i-- {
		if size[i] != 1 && stride[i] != expect {
			return false
		}
		expect *= size[i]
	}
	return true
}
