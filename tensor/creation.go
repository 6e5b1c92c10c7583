package tensor

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// NewTensor wraps data without copying it. data may be nil (no storage
// yet), a slice of exactly NumElems elements, or a scalar to broadcast.
func NewTensor(shape []int, dtype DType, device DeviceType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	owned := append([]int(nil), shape...)
	t := &Tensor{
		Shape:    owned,
		Strides:  calculateStrides(owned),
		DType:    dtype,
		Device:   device,
		NumElems: calculateNumElements(owned),
	}
	if data == nil {
		return t, nil
	}

	var err error
	switch dtype {
	case Float32:
		t.Data, err = storage[float32](data, t.NumElems)
	case Int32:
		t.Data, err = storage[int32](data, t.NumElems)
	default:
		err = errors.Errorf("unsupported dtype %s", dtype)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "%s tensor %v", dtype, shape)
	}
	return t, nil
}

func storage[T float32 | int32](data interface{}, n int) ([]T, error) {
	switch d := data.(type) {
	case []T:
		if len(d) != n {
			return nil, errors.Errorf("data length %d does not match tensor size %d", len(d), n)
		}
		return d, nil
	case T:
		out := make([]T, n)
		for i := range out {
			out[i] = d
		}
		return out, nil
	default:
		return nil, errors.Errorf("unsupported data %T", data)
	}
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape []int, dtype DType, device DeviceType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	n := calculateNumElements(shape)
	switch dtype {
	case Float32:
		return NewTensor(shape, dtype, device, make([]float32, n))
	case Int32:
		return NewTensor(shape, dtype, device, make([]int32, n))
	default:
		return nil, errors.Errorf("unsupported dtype %s", dtype)
	}
}

// XavierUniform draws a Float32 tensor from U(-b, b) with b = sqrt(6/(fanIn+fanOut)).
func XavierUniform(shape []int, fanIn, fanOut int, rng *rand.Rand) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if fanIn+fanOut <= 0 {
		return nil, errors.Errorf("xavier init needs positive fan, got in=%d out=%d", fanIn, fanOut)
	}

	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	data := make([]float32, calculateNumElements(shape))
	for i := range data {
		data[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}
	return NewTensor(shape, Float32, CPU, data)
}
