// Package tensor is the dense CPU storage shared by the data pipeline, the
// model and the optimizer. Images and activations are Float32; class labels
// are Int32.
package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

type DType int

const (
	Float32 DType = iota
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

// DeviceType names where tensor storage lives. Only host memory exists.
type DeviceType int

const CPU DeviceType = 0

func (d DeviceType) String() string {
	if d == CPU {
		return "CPU"
	}
	return "Unknown"
}

// ParseDevice accepts "cpu" (or an empty name) and rejects everything else.
func ParseDevice(name string) (DeviceType, error) {
	switch name {
	case "", "cpu", "CPU":
		return CPU, nil
	default:
		return CPU, errors.Errorf("device %q is not available, only cpu is supported", name)
	}
}

// Layout describes how the channel axis of an image tensor is ordered.
type Layout int

const (
	ChannelsFirst Layout = iota // [C, H, W]
	ChannelsLast                // [H, W, C]
)

func (l Layout) String() string {
	switch l {
	case ChannelsFirst:
		return "CHW"
	case ChannelsLast:
		return "HWC"
	default:
		return "Unknown"
	}
}

// ParseLayout accepts "CHW"/"chw"/"channels_first" and "HWC"/"hwc"/"channels_last".
func ParseLayout(name string) (Layout, error) {
	switch name {
	case "", "CHW", "chw", "channels_first":
		return ChannelsFirst, nil
	case "HWC", "hwc", "channels_last":
		return ChannelsLast, nil
	default:
		return ChannelsFirst, errors.Errorf("unknown layout %q", name)
	}
}

// Tensor is a dense, row-major tensor. Trainable tensors carry a gradient
// buffer of the same shape that layers accumulate into during Backward.
type Tensor struct {
	Shape    []int
	Strides  []int
	DType    DType
	Device   DeviceType
	Data     interface{} // []float32 or []int32
	NumElems int

	requiresGrad bool
	grad         *Tensor
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, elements=%d)", t.Shape, t.DType, t.NumElems)
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

// Grad is the accumulated gradient, or nil before the first Backward.
func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// GradData returns the gradient buffer, allocating a zeroed one on first use.
// Only Float32 tensors that require gradients have one.
func (t *Tensor) GradData() ([]float32, error) {
	if !t.requiresGrad {
		return nil, errors.Errorf("tensor %v does not require grad", t.Shape)
	}
	if t.DType != Float32 {
		return nil, errors.Errorf("gradients need a Float32 tensor, got %s", t.DType)
	}
	if t.grad == nil {
		g, err := Zeros(t.Shape, Float32, t.Device)
		if err != nil {
			return nil, err
		}
		t.grad = g
	}
	return t.grad.Data.([]float32), nil
}

// calculateStrides returns row-major strides; the last axis is contiguous.
func calculateStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return n
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return errors.New("shape needs at least one dimension")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return errors.Errorf("shape %v: dimension %d has size %d", shape, i, dim)
		}
	}
	return nil
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
