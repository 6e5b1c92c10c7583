package training

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-deeplab/tensor"
	"github.com/tsawler/go-deeplab/vision/preprocessing"
)

// PixelCrossEntropyLoss is softmax cross-entropy over [N, C, H, W] scores and
// integer labels, averaged over pixels whose label is not IgnoreIndex.
//
// Labels are [N, H, W], or [N, ceil(H/s), ceil(W/s)] when LabelStride s > 1;
// label (y, x) is then scored against pixel (y*s, x*s) and every other score
// pixel gets a zero gradient.
type PixelCrossEntropyLoss struct {
	IgnoreIndex int32
	LabelStride int
}

// NewPixelCrossEntropyLoss ignores the reserved label 255.
func NewPixelCrossEntropyLoss() *PixelCrossEntropyLoss {
	return &PixelCrossEntropyLoss{IgnoreIndex: preprocessing.IgnoreLabel, LabelStride: 1}
}

// Forward returns the mean loss and its gradient with respect to scores. A
// batch with no valid pixels has loss 0 and a zero gradient.
func (l *PixelCrossEntropyLoss) Forward(scores, labels *tensor.Tensor) (float64, *tensor.Tensor, error) {
	if len(scores.Shape) != 4 {
		return 0, nil, errors.Errorf("scores must be [N, C, H, W], got %v", scores.Shape)
	}
	n, c, h, w := scores.Shape[0], scores.Shape[1], scores.Shape[2], scores.Shape[3]
	stride := max(l.LabelStride, 1)
	lh, lw := (h+stride-1)/stride, (w+stride-1)/stride
	if !tensor.SameShape(labels.Shape, []int{n, lh, lw}) {
		return 0, nil, errors.Errorf("labels shape %v does not match scores %v at stride %d", labels.Shape, scores.Shape, stride)
	}

	s, err := scores.GetFloat32Data()
	if err != nil {
		return 0, nil, err
	}
	y, err := labels.GetInt32Data()
	if err != nil {
		return 0, nil, errors.Wrap(err, "labels")
	}

	plane := h * w
	grad := make([]float32, len(s))
	probs := make([]float64, c)
	var total float64
	valid := 0

	for b := 0; b < n; b++ {
		base := b * c * plane
		for q := 0; q < lh*lw; q++ {
			label := y[b*lh*lw+q]
			if label == l.IgnoreIndex {
				continue
			}
			if label < 0 || int(label) >= c {
				return 0, nil, errors.Errorf("label %d at batch %d pixel %d outside [0, %d)", label, b, q, c)
			}
			p := (q/lw)*stride*w + (q%lw)*stride

			maxScore := math.Inf(-1)
			for k := 0; k < c; k++ {
				maxScore = math.Max(maxScore, float64(s[base+k*plane+p]))
			}
			var sum float64
			for k := 0; k < c; k++ {
				probs[k] = math.Exp(float64(s[base+k*plane+p]) - maxScore)
				sum += probs[k]
			}

			total += math.Log(sum) + maxScore - float64(s[base+int(label)*plane+p])
			for k := 0; k < c; k++ {
				g := probs[k] / sum
				if k == int(label) {
					g -= 1
				}
				grad[base+k*plane+p] = float32(g)
			}
			valid++
		}
	}

	if valid > 0 {
		inv := float32(1 / float64(valid))
		for i := range grad {
			grad[i] *= inv
		}
		total /= float64(valid)
	}

	g, err := tensor.NewTensor(scores.Shape, tensor.Float32, tensor.CPU, grad)
	if err != nil {
		return 0, nil, err
	}
	return total, g, nil
}
