package tensor

import (
	"math"

	"github.com/pkg/errors"
)

// Reshape returns a view with a new shape over the same storage. One
// dimension may be -1 and is inferred.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape := append([]int(nil), newShape...)

	known, infer := 1, -1
	for i, dim := range shape {
		switch {
		case dim == -1 && infer < 0:
			infer = i
		case dim == -1:
			return nil, errors.New("only one dimension can be -1")
		case dim <= 0:
			return nil, errors.Errorf("invalid dimension %d at index %d", dim, i)
		default:
			known *= dim
		}
	}
	if infer >= 0 {
		if t.NumElems%known != 0 {
			return nil, errors.Errorf("cannot infer -1 in %v for %d elements", shape, t.NumElems)
		}
		shape[infer] = t.NumElems / known
		known *= shape[infer]
	}
	if known != t.NumElems {
		return nil, errors.Errorf("cannot reshape %v into %v", t.Shape, shape)
	}

	return &Tensor{
		Shape:        shape,
		Strides:      calculateStrides(shape),
		DType:        t.DType,
		Device:       t.Device,
		Data:         t.Data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}, nil
}

// Clone deep-copies shape and data. The gradient buffer is not copied.
func (t *Tensor) Clone() (*Tensor, error) {
	var data interface{}
	switch d := t.Data.(type) {
	case []float32:
		data = append([]float32(nil), d...)
	case []int32:
		data = append([]int32(nil), d...)
	default:
		return nil, errors.Errorf("cannot clone %s tensor with %T storage", t.DType, t.Data)
	}
	c, err := NewTensor(t.Shape, t.DType, t.Device, data)
	if err != nil {
		return nil, err
	}
	c.requiresGrad = t.requiresGrad
	return c, nil
}

func (t *Tensor) GetFloat32Data() ([]float32, error) {
	if t.DType != Float32 {
		return nil, errors.Errorf("tensor dtype is %s, not Float32", t.DType)
	}
	data, ok := t.Data.([]float32)
	if !ok {
		return nil, errors.New("tensor has no Float32 storage")
	}
	return data, nil
}

func (t *Tensor) GetInt32Data() ([]int32, error) {
	if t.DType != Int32 {
		return nil, errors.Errorf("tensor dtype is %s, not Int32", t.DType)
	}
	data, ok := t.Data.([]int32)
	if !ok {
		return nil, errors.New("tensor has no Int32 storage")
	}
	return data, nil
}

// CopyFrom overwrites the Float32 data with src, which must have the same length.
func (t *Tensor) CopyFrom(src []float32) error {
	data, err := t.GetFloat32Data()
	if err != nil {
		return err
	}
	if len(src) != len(data) {
		return errors.Errorf("data length %d does not match tensor size %d", len(src), len(data))
	}
	copy(data, src)
	return nil
}

// Equal reports bitwise equality of dtype, shape and data.
func (t *Tensor) Equal(other *Tensor) (bool, error) {
	if t.DType != other.DType || !SameShape(t.Shape, other.Shape) {
		return false, nil
	}

	switch a := t.Data.(type) {
	case []float32:
		b := other.Data.([]float32)
		for i := range a {
			if math.Float32bits(a[i]) != math.Float32bits(b[i]) {
				return false, nil
			}
		}
	case []int32:
		b := other.Data.([]int32)
		for i := range a {
			if a[i] != b[i] {
				return false, nil
			}
		}
	default:
		return false, errors.Errorf("cannot compare %s tensors", t.DType)
	}
	return true, nil
}

// ZeroGrad clears the gradient buffers that have been allocated.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t.grad == nil {
			continue
		}
		clear(t.grad.Data.([]float32))
	}
}

// Stack concatenates equally shaped tensors along a new leading axis.
func Stack(items []*Tensor) (*Tensor, error) {
	if len(items) == 0 {
		return nil, errors.New("cannot stack zero tensors")
	}

	first := items[0]
	for i, item := range items[1:] {
		if item.DType != first.DType || !SameShape(item.Shape, first.Shape) {
			return nil, errors.Errorf("item %d is %s %v, expected %s %v",
				i+1, item.DType, item.Shape, first.DType, first.Shape)
		}
	}

	shape := append([]int{len(items)}, first.Shape...)
	per := first.NumElems
	switch first.DType {
	case Float32:
		out := make([]float32, per*len(items))
		for i, item := range items {
			copy(out[i*per:], item.Data.([]float32))
		}
		return NewTensor(shape, Float32, first.Device, out)
	case Int32:
		out := make([]int32, per*len(items))
		for i, item := range items {
			copy(out[i*per:], item.Data.([]int32))
		}
		return NewTensor(shape, Int32, first.Device, out)
	default:
		return nil, errors.Errorf("cannot stack %s tensors", first.DType)
	}
}
