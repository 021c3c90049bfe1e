package gcn

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// ndarray is a numpy array rebuilt from its pickled reduce/build state.
type ndarray struct {
	shape   []int
	dtype   *npDtype
	fortran bool
	data    []float64
}

type npDtype struct {
	name  string // e.g. "i8", "f4"
	order byte   // '<', '>', '|' or '='
}

type npReconstruct struct{}

func (npReconstruct) Call(args ...interface{}) (interface{}, error) { return &ndarray{}, nil }

type npDtypeClass struct{}

func (npDtypeClass) Call(args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, errors.New("numpy.dtype: missing type name")
	}
	name, ok := args[0].(string)
	if !ok {
		return nil, errors.Errorf("numpy.dtype: type name is %T", args[0])
	}
	return &npDtype{name: name, order: '<'}, nil
}

type npArrayClass struct{}

func (npArrayClass) Call(args ...interface{}) (interface{}, error) { return &ndarray{}, nil }

// latin1Encode mirrors _codecs.encode(s, "latin1"), which protocol 2 pickles
// use to carry bytes.
type latin1Encode struct{}

func (latin1Encode) Call(args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, errors.New("_codecs.encode: missing argument")
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, errors.Errorf("_codecs.encode: argument is %T", args[0])
	}
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xff {
			return nil, errors.Errorf("_codecs.encode: rune %U outside latin1", r)
		}
		out = append(out, byte(r))
	}
	return out, nil
}

// findNumpyClass resolves the globals referenced by pickled numpy arrays.
func findNumpyClass(module, name string) (interface{}, error) {
	switch module + "." + name {
	case "numpy.core.multiarray._reconstruct", "numpy._core.multiarray._reconstruct":
		return npReconstruct{}, nil
	case "numpy.dtype":
		return npDtypeClass{}, nil
	case "numpy.ndarray":
		return npArrayClass{}, nil
	case "_codecs.encode":
		return latin1Encode{}, nil
	}
	return nil, errors.Errorf("unsupported pickled class %s.%s", module, name)
}

// PySetState applies (version, byteorder, ...).
func (d *npDtype) PySetState(state interface{}) error {
	t, ok := state.(pySequence)
	if !ok || t.Len() < 2 {
		return errors.Errorf("numpy.dtype: unexpected state %T", state)
	}
	if s, ok := t.Get(1).(string); ok && s != "" {
		d.order = s[0]
	}
	return nil
}

// PySetState applies (version, shape, dtype, is_fortran, rawdata).
func (a *ndarray) PySetState(state interface{}) error {
	t, ok := state.(pySequence)
	if !ok || t.Len() != 5 {
		return errors.Errorf("numpy.ndarray: unexpected state %T", state)
	}
	shape, ok := t.Get(1).(pySequence)
	if !ok {
		return errors.Errorf("numpy.ndarray: shape is %T", t.Get(1))
	}
	a.shape = make([]int, shape.Len())
	size := 1
	for i := range a.shape {
		n, err := pyFloat(shape.Get(i))
		if err != nil {
			return errors.Wrap(err, "numpy.ndarray: shape")
		}
		a.shape[i] = int(n)
		size *= a.shape[i]
	}
	if a.dtype, ok = t.Get(2).(*npDtype); !ok {
		return errors.Errorf("numpy.ndarray: dtype is %T", t.Get(2))
	}
	a.fortran, _ = t.Get(3).(bool)

	var raw []byte
	switch d := t.Get(4).(type) {
	case []byte:
		raw = d
	case string:
		b, err := latin1Encode{}.Call(d)
		if err != nil {
			return err
		}
		raw = b.([]byte)
	default:
		return errors.Errorf("numpy.ndarray: data is %T", d)
	}
	data, err := a.dtype.decode(raw, size)
	if err != nil {
		return err
	}
	a.data = data
	return nil
}

func (d *npDtype) decode(raw []byte, size int) ([]float64, error) {
	if len(d.name) < 2 {
		return nil, errors.Errorf("numpy: unsupported dtype %q", d.name)
	}
	width := int(d.name[1] - '0')
	if len(d.name) != 2 || width <= 0 || len(raw) != width*size {
		return nil, errors.Errorf("numpy: %d bytes do not hold %d %q values", len(raw), size, d.name)
	}
	var order binary.ByteOrder = binary.LittleEndian
	if d.order == '>' {
		order = binary.BigEndian
	}

	out := make([]float64, size)
	for i := range out {
		b := raw[i*width : (i+1)*width]
		switch d.name {
		case "f8":
			out[i] = math.Float64frombits(order.Uint64(b))
		case "f4":
			out[i] = float64(math.Float32frombits(order.Uint32(b)))
		case "i8":
			out[i] = float64(int64(order.Uint64(b)))
		case "i4":
			out[i] = float64(int32(order.Uint32(b)))
		case "i2":
			out[i] = float64(int16(order.Uint16(b)))
		case "i1":
			out[i] = float64(int8(b[0]))
		case "u8":
			out[i] = float64(order.Uint64(b))
		case "u4":
			out[i] = float64(order.Uint32(b))
		case "u2":
			out[i] = float64(order.Uint16(b))
		case "u1", "b1":
			out[i] = float64(b[0])
		default:
			return nil, errors.Errorf("numpy: unsupported dtype %q", d.name)
		}
	}
	return out, nil
}

// rows splits a 2-D array into C-ordered rows.
func (a *ndarray) rows() ([][]float64, error) {
	if len(a.shape) != 2 {
		return nil, errors.Errorf("expected a 2-D array, got shape %v", a.shape)
	}
	r, c := a.shape[0], a.shape[1]
	out := make([][]float64, r)
	for i := range out {
		out[i] = make([]float64, c)
		for j := range out[i] {
			if a.fortran {
				out[i][j] = a.data[j*r+i]
			} else {
				out[i][j] = a.data[i*c+j]
			}
		}
	}
	return out, nil
}

func (a *ndarray) vector() ([]float64, error) {
	if len(a.shape) != 1 {
		return nil, errors.Errorf("expected a 1-D array, got shape %v", a.shape)
	}
	return append([]float64(nil), a.data...), nil
}
