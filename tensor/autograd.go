package tensor

import (
	"github.com/pkg/errors"
)

// Operation is one differentiable step. Forward remembers what Backward
// needs; Backward returns one gradient per input of the last Forward, in
// input order.
type Operation interface {
	Forward(inputs ...*Tensor) (*Tensor, error)
	Backward(gradOut *Tensor) ([]*Tensor, error)
}

// AddOp is broadcasting addition. Gradients are summed back over the
// broadcast dimensions.
type AddOp struct {
	shapes [2][]int
}

func (op *AddOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, errors.Errorf("add takes 2 inputs, got %d", len(inputs))
	}
	out, err := Add(inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}
	op.shapes = [2][]int{inputs[0].Shape, inputs[1].Shape}
	return out, nil
}

func (op *AddOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	if op.shapes[0] == nil {
		return nil, errors.New("add backward called before forward")
	}
	gradA, err := reduceToShape(gradOut, op.shapes[0])
	if err != nil {
		return nil, errors.Wrap(err, "add gradient for first input")
	}
	gradB, err := reduceToShape(gradOut, op.shapes[1])
	if err != nil {
		return nil, errors.Wrap(err, "add gradient for second input")
	}
	return []*Tensor{gradA, gradB}, nil
}

// MatMulOp is A @ B with dA = dOut @ B^T and dB = A^T @ dOut.
type MatMulOp struct {
	a, b *Tensor
}

func (op *MatMulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, errors.Errorf("matmul takes 2 inputs, got %d", len(inputs))
	}
	out, err := MatMul(inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}
	op.a, op.b = inputs[0], inputs[1]
	return out, nil
}

func (op *MatMulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	if op.a == nil {
		return nil, errors.New("matmul backward called before forward")
	}
	bT, err := Transpose(op.b)
	if err != nil {
		return nil, err
	}
	gradA, err := MatMul(gradOut, bT)
	if err != nil {
		return nil, errors.Wrap(err, "matmul gradient for A")
	}
	aT, err := Transpose(op.a)
	if err != nil {
		return nil, err
	}
	gradB, err := MatMul(aT, gradOut)
	if err != nil {
		return nil, errors.Wrap(err, "matmul gradient for B")
	}
	return []*Tensor{gradA, gradB}, nil
}

// ReLUOp passes the gradient where the input was positive.
type ReLUOp struct {
	input *Tensor
}

func (op *ReLUOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("relu takes 1 input, got %d", len(inputs))
	}
	out, err := ReLU(inputs[0])
	if err != nil {
		return nil, err
	}
	op.input = inputs[0]
	return out, nil
}

func (op *ReLUOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	if op.input == nil {
		return nil, errors.New("relu backward called before forward")
	}
	if !SameShape(gradOut.Shape, op.input.Shape) {
		return nil, errors.Errorf("relu grad shape %v does not match input %v", gradOut.Shape, op.input.Shape)
	}
	grad, err := gradOut.Clone()
	if err != nil {
		return nil, err
	}
	in := op.input.Data.([]float32)
	g := grad.Data.([]float32)
	for i := range g {
		if in[i] <= 0 {
			g[i] = 0
		}
	}
	return []*Tensor{grad}, nil
}
