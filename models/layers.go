package models

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-deeplab/tensor"
)

// Conv2D is a stride-1 convolution with "same" padding and optional dilation.
// Inputs and outputs are [N, C, H, W].
type Conv2D struct {
	Weight *tensor.Tensor // [out, in, k, k]
	Bias   *tensor.Tensor // [out]

	inChannels  int
	outChannels int
	kernelSize  int
	dilation    int
	padding     int

	input     *tensor.Tensor
	pointwise []pointwiseOps
}

// pointwiseOps records one image's 1x1 convolution, W @ X + b.
type pointwiseOps struct {
	matmul *tensor.MatMulOp
	add    *tensor.AddOp
}

// NewConv2D creates a convolution with Xavier-uniform weights and zero bias.
// kernelSize must be odd.
func NewConv2D(inChannels, outChannels, kernelSize, dilation int, rng *rand.Rand) (*Conv2D, error) {
	if kernelSize%2 == 0 {
		return nil, fmt.Errorf("kernel size must be odd, got %d", kernelSize)
	}
	if dilation < 1 {
		return nil, fmt.Errorf("dilation must be at least 1, got %d", dilation)
	}

	fanIn := inChannels * kernelSize * kernelSize
	fanOut := outChannels * kernelSize * kernelSize
	weight, err := tensor.XavierUniform([]int{outChannels, inChannels, kernelSize, kernelSize}, fanIn, fanOut, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	bias, err := tensor.Zeros([]int{outChannels}, tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("failed to create bias tensor: %v", err)
	}
	weight.SetRequiresGrad(true)
	bias.SetRequiresGrad(true)

	return &Conv2D{
		Weight:      weight,
		Bias:        bias,
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  kernelSize,
		dilation:    dilation,
		padding:     dilation * (kernelSize - 1) / 2,
	}, nil
}

// Forward computes the convolution and keeps the input for Backward.
func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 || input.Shape[1] != c.inChannels {
		return nil, fmt.Errorf("conv expects [N, %d, H, W], got %v", c.inChannels, input.Shape)
	}
	if c.kernelSize == 1 {
		return c.forwardPointwise(input)
	}
	in, err := input.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	n, h, w := input.Shape[0], input.Shape[2], input.Shape[3]
	k := c.kernelSize
	wt := c.Weight.Data.([]float32)
	bs := c.Bias.Data.([]float32)
	out := make([]float32, n*c.outChannels*h*w)

	for b := 0; b < n; b++ {
		for o := 0; o < c.outChannels; o++ {
			plane := out[(b*c.outChannels+o)*h*w : (b*c.outChannels+o+1)*h*w]
			for i := range plane {
				plane[i] = bs[o]
			}
			for ci := 0; ci < c.inChannels; ci++ {
				src := in[(b*c.inChannels+ci)*h*w : (b*c.inChannels+ci+1)*h*w]
				for ky := 0; ky < k; ky++ {
					dy := ky*c.dilation - c.padding
					for kx := 0; kx < k; kx++ {
						dx := kx*c.dilation - c.padding
						wv := wt[((o*c.inChannels+ci)*k+ky)*k+kx]
						for y := max(0, -dy); y < min(h, h-dy); y++ {
							row := plane[y*w : (y+1)*w]
							srcRow := src[(y+dy)*w : (y+dy+1)*w]
							for x := max(0, -dx); x < min(w, w-dx); x++ {
								row[x] += wv * srcRow[x+dx]
							}
						}
					}
				}
			}
		}
	}

	c.input = input
	return tensor.NewTensor([]int{n, c.outChannels, h, w}, tensor.Float32, tensor.CPU, out)
}

// Backward accumulates weight and bias gradients from gradOut and, when
// needInput is set, returns the gradient with respect to the input.
func (c *Conv2D) Backward(gradOut *tensor.Tensor, needInput bool) (*tensor.Tensor, error) {
	if c.input == nil {
		return nil, fmt.Errorf("conv backward called before forward")
	}
	n, h, w := c.input.Shape[0], c.input.Shape[2], c.input.Shape[3]
	if !tensor.SameShape(gradOut.Shape, []int{n, c.outChannels, h, w}) {
		return nil, fmt.Errorf("conv grad shape %v does not match output [%d %d %d %d]", gradOut.Shape, n, c.outChannels, h, w)
	}
	if c.kernelSize == 1 {
		return c.backwardPointwise(gradOut, needInput)
	}

	g := gradOut.Data.([]float32)
	in := c.input.Data.([]float32)
	wt := c.Weight.Data.([]float32)
	gw, err := c.Weight.GradData()
	if err != nil {
		return nil, err
	}
	gb, err := c.Bias.GradData()
	if err != nil {
		return nil, err
	}

	var gin []float32
	if needInput {
		gin = make([]float32, len(in))
	}

	k := c.kernelSize
	for b := 0; b < n; b++ {
		for o := 0; o < c.outChannels; o++ {
			plane := g[(b*c.outChannels+o)*h*w : (b*c.outChannels+o+1)*h*w]
			var sum float64
			for _, v := range plane {
				sum += float64(v)
			}
			gb[o] += float32(sum)

			for ci := 0; ci < c.inChannels; ci++ {
				base := (b*c.inChannels + ci) * h * w
				src := in[base : base+h*w]
				for ky := 0; ky < k; ky++ {
					dy := ky*c.dilation - c.padding
					for kx := 0; kx < k; kx++ {
						dx := kx*c.dilation - c.padding
						widx := ((o*c.inChannels+ci)*k+ky)*k + kx
						wv := wt[widx]
						var acc float64
						for y := max(0, -dy); y < min(h, h-dy); y++ {
							for x := max(0, -dx); x < min(w, w-dx); x++ {
								gv := plane[y*w+x]
								acc += float64(gv * src[(y+dy)*w+x+dx])
								if gin != nil {
									gin[base+(y+dy)*w+x+dx] += gv * wv
								}
							}
						}
						gw[widx] += float32(acc)
					}
				}
			}
		}
	}

	if !needInput {
		return nil, nil
	}
	return tensor.NewTensor(c.input.Shape, tensor.Float32, tensor.CPU, gin)
}

// forwardPointwise runs a 1x1 convolution as one matrix product per image:
// [out, in] @ [in, H*W] plus the bias broadcast over pixels.
func (c *Conv2D) forwardPointwise(input *tensor.Tensor) (*tensor.Tensor, error) {
	in, err := input.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	weight, err := c.Weight.Reshape([]int{c.outChannels, c.inChannels})
	if err != nil {
		return nil, err
	}
	bias, err := c.Bias.Reshape([]int{c.outChannels, 1})
	if err != nil {
		return nil, err
	}

	n, hw := input.Shape[0], input.Shape[2]*input.Shape[3]
	inPlane, outPlane := c.inChannels*hw, c.outChannels*hw
	out := make([]float32, n*outPlane)
	ops := make([]pointwiseOps, n)
	for b := 0; b < n; b++ {
		x, err := tensor.NewTensor([]int{c.inChannels, hw}, tensor.Float32, tensor.CPU, in[b*inPlane:(b+1)*inPlane])
		if err != nil {
			return nil, err
		}
		ops[b] = pointwiseOps{matmul: &tensor.MatMulOp{}, add: &tensor.AddOp{}}
		prod, err := ops[b].matmul.Forward(weight, x)
		if err != nil {
			return nil, err
		}
		y, err := ops[b].add.Forward(prod, bias)
		if err != nil {
			return nil, err
		}
		copy(out[b*outPlane:], y.Data.([]float32))
	}

	c.input = input
	c.pointwise = ops
	return tensor.NewTensor([]int{n, c.outChannels, input.Shape[2], input.Shape[3]}, tensor.Float32, tensor.CPU, out)
}

func (c *Conv2D) backwardPointwise(gradOut *tensor.Tensor, needInput bool) (*tensor.Tensor, error) {
	if len(c.pointwise) != gradOut.Shape[0] {
		return nil, fmt.Errorf("pointwise backward for %d images, forward saw %d", gradOut.Shape[0], len(c.pointwise))
	}
	g := gradOut.Data.([]float32)
	gw, err := c.Weight.GradData()
	if err != nil {
		return nil, err
	}
	gb, err := c.Bias.GradData()
	if err != nil {
		return nil, err
	}

	hw := gradOut.Shape[2] * gradOut.Shape[3]
	inPlane, outPlane := c.inChannels*hw, c.outChannels*hw
	var gin []float32
	if needInput {
		gin = make([]float32, len(c.pointwise)*inPlane)
	}
	for b, ops := range c.pointwise {
		gy, err := tensor.NewTensor([]int{c.outChannels, hw}, tensor.Float32, tensor.CPU, g[b*outPlane:(b+1)*outPlane])
		if err != nil {
			return nil, err
		}
		addGrads, err := ops.add.Backward(gy)
		if err != nil {
			return nil, err
		}
		mmGrads, err := ops.matmul.Backward(addGrads[0])
		if err != nil {
			return nil, err
		}
		for i, v := range mmGrads[0].Data.([]float32) {
			gw[i] += v
		}
		for i, v := range addGrads[1].Data.([]float32) {
			gb[i] += v
		}
		if gin != nil {
			copy(gin[b*inPlane:], mmGrads[1].Data.([]float32))
		}
	}

	if !needInput {
		return nil, nil
	}
	return tensor.NewTensor(c.input.Shape, tensor.Float32, tensor.CPU, gin)
}

// ReLU implements max(0, x) on top of tensor.ReLUOp.
type ReLU struct {
	op *tensor.ReLUOp
}

func NewReLU() *ReLU {
	return &ReLU{}
}

func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	r.op = &tensor.ReLUOp{}
	return r.op.Forward(input)
}

func (r *ReLU) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if r.op == nil {
		return nil, fmt.Errorf("relu backward called before forward")
	}
	grads, err := r.op.Backward(gradOut)
	if err != nil {
		return nil, err
	}
	return grads[0], nil
}

// Dropout zeroes activations with probability Rate during training and
// scales the survivors by 1/(1-Rate). It is the identity in eval mode.
type Dropout struct {
	Rate     float64
	rng      *rand.Rand
	scale    []float32
	training bool
}

func NewDropout(rate float64, rng *rand.Rand) (*Dropout, error) {
	if rate < 0 || rate >= 1 {
		return nil, fmt.Errorf("dropout rate must be in [0, 1), got %v", rate)
	}
	return &Dropout{Rate: rate, rng: rng, training: true}, nil
}

func (d *Dropout) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.training || d.Rate == 0 {
		d.scale = nil
		return input, nil
	}

	in, err := input.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	keep := float32(1 / (1 - d.Rate))
	d.scale = make([]float32, len(in))
	out := make([]float32, len(in))
	for i, v := range in {
		if d.rng.Float64() >= d.Rate {
			d.scale[i] = keep
			out[i] = v * keep
		}
	}
	return tensor.NewTensor(input.Shape, tensor.Float32, tensor.CPU, out)
}

func (d *Dropout) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if d.scale == nil {
		return gradOut, nil
	}
	g := gradOut.Data.([]float32)
	out := make([]float32, len(g))
	for i, v := range g {
		out[i] = v * d.scale[i]
	}
	return tensor.NewTensor(gradOut.Shape, tensor.Float32, tensor.CPU, out)
}

func (d *Dropout) Train() { d.training = true }
func (d *Dropout) Eval()  { d.training = false }
