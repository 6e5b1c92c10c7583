package training

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-deeplab/tensor"
	"github.com/tsawler/go-deeplab/vision/dataloader"
	"github.com/tsawler/go-deeplab/vision/preprocessing"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	PixelAccuracy MetricType = iota
	MeanIoU
	MeanClassAccuracy
	FrequencyWeightedIoU
	MacroPrecision
	MacroRecall
	MacroF1
)

func (mt MetricType) String() string {
	switch mt {
	case PixelAccuracy:
		return "PixelAccuracy"
	case MeanIoU:
		return "MeanIoU"
	case MeanClassAccuracy:
		return "MeanClassAccuracy"
	case FrequencyWeightedIoU:
		return "FrequencyWeightedIoU"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	default:
		return fmt.Sprintf("MetricType(%d)", int(mt))
	}
}

// ConfusionMatrix counts pixels by [true_class][predicted_class].
type ConfusionMatrix struct {
	NumClasses  int
	Matrix      [][]int64
	TotalPixels int64
	IgnoreIndex int32
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int64, numClasses)
	for i := range matrix {
		matrix[i] = make([]int64, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses:  numClasses,
		Matrix:      matrix,
		IgnoreIndex: preprocessing.IgnoreLabel,
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalPixels = 0
}

// UpdateFromScores adds the argmax predictions of [N, C, H, W] scores against
// [N, H, W] labels. Ignored pixels are skipped; other out-of-range labels are
// an error.
func (cm *ConfusionMatrix) UpdateFromScores(scores, labels *tensor.Tensor) error {
	if len(scores.Shape) != 4 || scores.Shape[1] != cm.NumClasses {
		return errors.Errorf("scores must be [N, %d, H, W], got %v", cm.NumClasses, scores.Shape)
	}
	n, c, h, w := scores.Shape[0], scores.Shape[1], scores.Shape[2], scores.Shape[3]
	if !tensor.SameShape(labels.Shape, []int{n, h, w}) {
		return errors.Errorf("labels shape %v does not match scores %v", labels.Shape, scores.Shape)
	}

	s, err := scores.GetFloat32Data()
	if err != nil {
		return err
	}
	y, err := labels.GetInt32Data()
	if err != nil {
		return err
	}

	plane := h * w
	for b := 0; b < n; b++ {
		base := b * c * plane
		for p := 0; p < plane; p++ {
			label := y[b*plane+p]
			if label == cm.IgnoreIndex {
				continue
			}
			if label < 0 || int(label) >= c {
				return errors.Errorf("label %d outside [0, %d)", label, c)
			}

			pred := 0
			best := s[base+p]
			for k := 1; k < c; k++ {
				if v := s[base+k*plane+p]; v > best {
					best = v
					pred = k
				}
			}
			cm.Matrix[label][pred]++
			cm.TotalPixels++
		}
	}
	return nil
}

// ClassIoU returns intersection over union per class and whether the class
// occurs in the ground truth or the predictions.
func (cm *ConfusionMatrix) ClassIoU() (iou []float64, present []bool) {
	iou = make([]float64, cm.NumClasses)
	present = make([]bool, cm.NumClasses)
	for k := 0; k < cm.NumClasses; k++ {
		tp := float64(cm.Matrix[k][k])
		var rowSum, colSum float64
		for j := 0; j < cm.NumClasses; j++ {
			rowSum += float64(cm.Matrix[k][j])
			colSum += float64(cm.Matrix[j][k])
		}
		union := rowSum + colSum - tp
		if union > 0 {
			iou[k] = tp / union
			present[k] = true
		}
	}
	return iou, present
}

// GetMetric computes one metric from the current counts.
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case PixelAccuracy:
		return cm.GetAccuracy()
	case MeanIoU:
		iou, present := cm.ClassIoU()
		return meanOver(iou, present)
	case MeanClassAccuracy:
		return cm.macro(func(k int, tp, row, col float64) (float64, bool) { return tp / row, row > 0 })
	case FrequencyWeightedIoU:
		if cm.TotalPixels == 0 {
			return 0
		}
		iou, _ := cm.ClassIoU()
		freq := make([]float64, cm.NumClasses)
		for k := range freq {
			freq[k] = float64(sumRow(cm.Matrix[k])) / float64(cm.TotalPixels)
		}
		return floats.Dot(freq, iou)
	case MacroPrecision:
		return cm.macro(func(k int, tp, row, col float64) (float64, bool) { return tp / col, col > 0 })
	case MacroRecall:
		return cm.macro(func(k int, tp, row, col float64) (float64, bool) { return tp / row, row > 0 })
	case MacroF1:
		p, r := cm.GetMetric(MacroPrecision), cm.GetMetric(MacroRecall)
		if p+r == 0 {
			return 0
		}
		return 2 * p * r / (p + r)
	default:
		return 0
	}
}

// ReportedMetrics lists the metrics WriteReport prints, in print order.
var ReportedMetrics = []MetricType{
	MeanIoU,
	PixelAccuracy,
	MeanClassAccuracy,
	FrequencyWeightedIoU,
	MacroPrecision,
	MacroRecall,
	MacroF1,
}

// WriteReport prints every metric of ReportedMetrics followed by the IoU of
// each class present in the counts.
func (cm *ConfusionMatrix) WriteReport(w io.Writer) error {
	for _, metric := range ReportedMetrics {
		if _, err := fmt.Fprintf(w, "%-22s %.4f\n", metric.String()+":", cm.GetMetric(metric)); err != nil {
			return errors.Wrap(err, "write metrics")
		}
	}
	iou, present := cm.ClassIoU()
	for k := range iou {
		if !present[k] {
			continue
		}
		if _, err := fmt.Fprintf(w, "  class %2d IoU: %.4f\n", k, iou[k]); err != nil {
			return errors.Wrap(err, "write metrics")
		}
	}
	return nil
}

// GetAccuracy returns the fraction of counted pixels predicted correctly.
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalPixels == 0 {
		return 0
	}
	diag := make([]float64, cm.NumClasses)
	for k := range diag {
		diag[k] = float64(cm.Matrix[k][k])
	}
	return floats.Sum(diag) / float64(cm.TotalPixels)
}

func (cm *ConfusionMatrix) macro(f func(k int, tp, row, col float64) (float64, bool)) float64 {
	values := make([]float64, cm.NumClasses)
	valid := make([]bool, cm.NumClasses)
	for k := 0; k < cm.NumClasses; k++ {
		tp := float64(cm.Matrix[k][k])
		var row, col float64
		for j := 0; j < cm.NumClasses; j++ {
			row += float64(cm.Matrix[k][j])
			col += float64(cm.Matrix[j][k])
		}
		values[k], valid[k] = f(k, tp, row, col)
	}
	return meanOver(values, valid)
}

func meanOver(values []float64, mask []bool) float64 {
	selected := make([]float64, 0, len(values))
	for i, v := range values {
		if mask[i] {
			selected = append(selected, v)
		}
	}
	if len(selected) == 0 {
		return 0
	}
	return floats.Sum(selected) / float64(len(selected))
}

func sumRow(row []int64) int64 {
	var s int64
	for _, v := range row {
		s += v
	}
	return s
}

// Predictor produces class scores for an image batch.
type Predictor interface {
	Forward(images *tensor.Tensor) (*tensor.Tensor, error)
}

// Evaluator scores a model on a validation stream.
type Evaluator interface {
	Evaluate(ctx context.Context, model Predictor, loader *dataloader.Loader, numClasses int) (meanIoU, accuracy float64, err error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, model Predictor, loader *dataloader.Loader, numClasses int) (float64, float64, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, model Predictor, loader *dataloader.Loader, numClasses int) (float64, float64, error) {
	return f(ctx, model, loader, numClasses)
}

// ConfusionEvaluator is the default Evaluator.
var ConfusionEvaluator Evaluator = EvaluatorFunc(ComputeMeanIoUAndAccuracy)

// ComputeMeanIoUAndAccuracy runs model over one pass of loader and returns
// mean IoU and pixel accuracy. It does not change the model's mode.
func ComputeMeanIoUAndAccuracy(ctx context.Context, model Predictor, loader *dataloader.Loader, numClasses int) (float64, float64, error) {
	cm, err := ComputeConfusionMatrix(ctx, model, loader, numClasses)
	if err != nil {
		return 0, 0, err
	}
	return cm.GetMetric(MeanIoU), cm.GetAccuracy(), nil
}

// ComputeConfusionMatrix accumulates the confusion matrix over one pass of
// loader.
func ComputeConfusionMatrix(ctx context.Context, model Predictor, loader *dataloader.Loader, numClasses int) (*ConfusionMatrix, error) {
	cm := NewConfusionMatrix(numClasses)

	it := loader.Epoch(ctx, 0)
	defer it.Close()

	for {
		batch, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "validation batch")
		}

		scores, err := model.Forward(batch.Images)
		if err != nil {
			return nil, errors.Wrap(err, "validation forward")
		}
		if err := cm.UpdateFromScores(scores, batch.Labels); err != nil {
			return nil, err
		}
	}
	return cm, nil
}
