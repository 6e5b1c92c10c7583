package tensor

import (
	"github.com/pkg/errors"
)

// broadcastShape returns the shape of an elementwise result. Both operands
// must have the same rank; each pair of dimensions is equal or one is 1.
func broadcastShape(a, b []int) ([]int, error) {
	if len(a) != len(b) {
		return nil, errors.Errorf("cannot broadcast %v with %v: rank differs", a, b)
	}
	out := make([]int, len(a))
	for i := range a {
		switch {
		case a[i] == b[i], b[i] == 1:
			out[i] = a[i]
		case a[i] == 1:
			out[i] = b[i]
		default:
			return nil, errors.Errorf("cannot broadcast %v with %v", a, b)
		}
	}
	return out, nil
}

// broadcastStrides gives the strides that read a tensor of shape as if it
// had shape out; broadcast dimensions get stride 0.
func broadcastStrides(shape, out []int) []int {
	strides := calculateStrides(shape)
	for i := range shape {
		if shape[i] == 1 && out[i] != 1 {
			strides[i] = 0
		}
	}
	return strides
}

// offset maps flat index i of a tensor with shape out onto storage read
// through strides.
func offset(i int, out, outStrides, strides []int) int {
	off := 0
	for d := range out {
		off += (i / outStrides[d] % out[d]) * strides[d]
	}
	return off
}

// Add returns a + b with same-rank broadcasting.
func Add(a, b *Tensor) (*Tensor, error) {
	shape, err := broadcastShape(a.Shape, b.Shape)
	if err != nil {
		return nil, err
	}
	ad, err := a.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	bd, err := b.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	out := make([]float32, calculateNumElements(shape))
	if SameShape(a.Shape, b.Shape) {
		for i := range out {
			out[i] = ad[i] + bd[i]
		}
		return NewTensor(shape, Float32, a.Device, out)
	}

	outStrides := calculateStrides(shape)
	as, bs := broadcastStrides(a.Shape, shape), broadcastStrides(b.Shape, shape)
	for i := range out {
		out[i] = ad[offset(i, shape, outStrides, as)] + bd[offset(i, shape, outStrides, bs)]
	}
	return NewTensor(shape, Float32, a.Device, out)
}

// reduceToShape sums grad over the dimensions that were broadcast to reach
// its shape from shape.
func reduceToShape(grad *Tensor, shape []int) (*Tensor, error) {
	if SameShape(grad.Shape, shape) {
		return grad.Clone()
	}
	if _, err := broadcastShape(grad.Shape, shape); err != nil {
		return nil, err
	}
	g, err := grad.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	out := make([]float32, calculateNumElements(shape))
	gradStrides := calculateStrides(grad.Shape)
	rs := broadcastStrides(shape, grad.Shape)
	for i, v := range g {
		out[offset(i, grad.Shape, gradStrides, rs)] += v
	}
	return NewTensor(shape, Float32, grad.Device, out)
}

// MatMul multiplies [m, k] by [k, n].
func MatMul(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, errors.Errorf("matmul needs 2-D operands, got %v and %v", a.Shape, b.Shape)
	}
	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	if b.Shape[0] != k {
		return nil, errors.Errorf("incompatible dimensions for matmul: %v x %v", a.Shape, b.Shape)
	}
	ad, err := a.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	bd, err := b.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	out := make([]float32, m*n)
	for i := 0; i < m; i++ {
		row := out[i*n : (i+1)*n]
		for p := 0; p < k; p++ {
			av := ad[i*k+p]
			if av == 0 {
				continue
			}
			brow := bd[p*n : (p+1)*n]
			for j := range row {
				row[j] += av * brow[j]
			}
		}
	}
	return NewTensor([]int{m, n}, Float32, a.Device, out)
}

// Transpose swaps the two axes of a 2-D tensor.
func Transpose(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, errors.Errorf("transpose needs a 2-D tensor, got %v", t.Shape)
	}
	src, err := t.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	rows, cols := t.Shape[0], t.Shape[1]
	out := make([]float32, len(src))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = src[r*cols+c]
		}
	}
	return NewTensor([]int{cols, rows}, Float32, t.Device, out)
}

// ReLU returns max(0, x) elementwise.
func ReLU(t *Tensor) (*Tensor, error) {
	src, err := t.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(src))
	for i, v := range src {
		if v > 0 {
			out[i] = v
		}
	}
	return NewTensor(t.Shape, Float32, t.Device, out)
}
