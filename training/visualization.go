package training

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
	ValidationMetrics    PlotType = "validation_metrics"
	ConfusionMatrixPlot  PlotType = "confusion_matrix"
)

// PlotData is the JSON document consumed by external plotting tools.
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`

	Config PlotConfig `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line", "scatter", "heatmap"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint represents a single data point - flexible for different plot types
type DataPoint struct {
	X     interface{} `json:"x"`
	Y     interface{} `json:"y"`
	Z     interface{} `json:"z,omitempty"`
	Label string      `json:"label,omitempty"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel    string                 `json:"x_axis_label"`
	YAxisLabel    string                 `json:"y_axis_label"`
	XAxisScale    string                 `json:"x_axis_scale"` // "linear", "log"
	YAxisScale    string                 `json:"y_axis_scale"` // "linear", "log"
	ShowLegend    bool                   `json:"show_legend"`
	ShowGrid      bool                   `json:"show_grid"`
	Width         int                    `json:"width"`
	Height        int                    `json:"height"`
	Interactive   bool                   `json:"interactive"`
	CustomOptions map[string]interface{} `json:"custom_options,omitempty"`
}

type scalarPoint struct {
	step  int
	value float64
}

// PlotCollector is a ScalarSink that turns the controller's scalar stream
// into plot documents, written to its directory on Close.
type PlotCollector struct {
	mu        sync.Mutex
	modelName string
	dir       string

	iterLoss  []scalarPoint
	lr        []scalarPoint
	epochLoss []scalarPoint
	valMIoU   []scalarPoint
	valAcc    []scalarPoint

	confusion  [][]int64
	classNames []string
}

// NewPlotCollector writes plots to dir on Close. An empty dir keeps plots
// in memory only.
func NewPlotCollector(modelName, dir string) *PlotCollector {
	return &PlotCollector{modelName: modelName, dir: dir}
}

func (pc *PlotCollector) RecordScalar(tag string, value float64, step int) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	p := scalarPoint{step: step, value: value}
	switch tag {
	case TagLossIter:
		pc.iterLoss = append(pc.iterLoss, p)
	case TagLR:
		pc.lr = append(pc.lr, p)
	case TagLossEpoch:
		pc.epochLoss = append(pc.epochLoss, p)
	case TagValMIoU:
		pc.valMIoU = append(pc.valMIoU, p)
	case TagValAcc:
		pc.valAcc = append(pc.valAcc, p)
	}
}

// RecordConfusionMatrix keeps a copy of the latest validation confusion matrix.
func (pc *PlotCollector) RecordConfusionMatrix(cm *ConfusionMatrix, classNames []string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	pc.confusion = make([][]int64, len(cm.Matrix))
	for i, row := range cm.Matrix {
		pc.confusion[i] = append([]int64(nil), row...)
	}
	pc.classNames = classNames
	if len(pc.classNames) != cm.NumClasses {
		pc.classNames = make([]string, cm.NumClasses)
		for i := range pc.classNames {
			pc.classNames[i] = fmt.Sprintf("class_%d", i)
		}
	}
}

func toSeries(name, kind, color string, points []scalarPoint) SeriesData {
	data := make([]DataPoint, len(points))
	for i, p := range points {
		data[i] = DataPoint{X: p.step, Y: p.value}
	}
	return SeriesData{
		Name:  name,
		Type:  kind,
		Data:  data,
		Style: map[string]interface{}{"color": color, "line_width": 2},
	}
}

func values(points []scalarPoint) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.value
	}
	return out
}

// GenerateTrainingCurvesPlot plots per-iteration and per-epoch loss.
func (pc *PlotCollector) GenerateTrainingCurvesPlot() PlotData {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	series := []SeriesData{
		toSeries("Iteration Loss", "line", "#FF6B6B", pc.iterLoss),
		toSeries("Epoch Loss", "line", "#FF9F43", pc.epochLoss),
	}
	series[1].Style["x_axis"] = "epoch"

	metrics := map[string]interface{}{}
	if losses := values(pc.epochLoss); len(losses) > 0 {
		metrics["final_epoch_loss"] = losses[len(losses)-1]
		metrics["min_epoch_loss"] = floats.Min(losses)
		metrics["mean_epoch_loss"] = floats.Sum(losses) / float64(len(losses))
	}

	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Training Curves - %s", pc.modelName),
		Timestamp: time.Now(),
		ModelName: pc.modelName,
		Series:    series,
		Metrics:   metrics,
		Config: PlotConfig{
			XAxisLabel:  "Step",
			YAxisLabel:  "Loss",
			XAxisScale:  "linear",
			YAxisScale:  "linear",
			ShowLegend:  true,
			ShowGrid:    true,
			Width:       800,
			Height:      600,
			Interactive: true,
		},
	}
}

// GenerateLearningRateSchedulePlot plots the base learning rate per step.
func (pc *PlotCollector) GenerateLearningRateSchedulePlot() PlotData {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	return PlotData{
		PlotType:  LearningRateSchedule,
		Title:     fmt.Sprintf("Learning Rate Schedule - %s", pc.modelName),
		Timestamp: time.Now(),
		ModelName: pc.modelName,
		Series:    []SeriesData{toSeries("Learning Rate", "line", "#6C5CE7", pc.lr)},
		Config: PlotConfig{
			XAxisLabel:  "Step",
			YAxisLabel:  "Learning Rate",
			XAxisScale:  "linear",
			YAxisScale:  "linear",
			ShowLegend:  true,
			ShowGrid:    true,
			Width:       800,
			Height:      400,
			Interactive: true,
		},
	}
}

// GenerateValidationPlot plots mean IoU and pixel accuracy per epoch.
func (pc *PlotCollector) GenerateValidationPlot() PlotData {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	metrics := map[string]interface{}{}
	if miou := values(pc.valMIoU); len(miou) > 0 {
		best := floats.MaxIdx(miou)
		metrics["best_miou"] = miou[best]
		metrics["best_miou_epoch"] = pc.valMIoU[best].step
	}

	return PlotData{
		PlotType:  ValidationMetrics,
		Title:     fmt.Sprintf("Validation - %s", pc.modelName),
		Timestamp: time.Now(),
		ModelName: pc.modelName,
		Series: []SeriesData{
			toSeries("Mean IoU", "line", "#5F27CD", pc.valMIoU),
			toSeries("Pixel Accuracy", "line", "#4ECDC4", pc.valAcc),
		},
		Metrics: metrics,
		Config: PlotConfig{
			XAxisLabel:  "Epoch",
			YAxisLabel:  "Score",
			XAxisScale:  "linear",
			YAxisScale:  "linear",
			ShowLegend:  true,
			ShowGrid:    true,
			Width:       800,
			Height:      400,
			Interactive: true,
		},
	}
}

// GenerateConfusionMatrixPlot returns an empty PlotData until a matrix has
// been recorded.
func (pc *PlotCollector) GenerateConfusionMatrixPlot() PlotData {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if len(pc.confusion) == 0 {
		return PlotData{}
	}

	var data []DataPoint
	for i, row := range pc.confusion {
		for j, value := range row {
			data = append(data, DataPoint{
				X:     j,
				Y:     i,
				Z:     value,
				Label: fmt.Sprintf("True: %s, Pred: %s", pc.classNames[i], pc.classNames[j]),
			})
		}
	}

	return PlotData{
		PlotType:  ConfusionMatrixPlot,
		Title:     fmt.Sprintf("Confusion Matrix - %s", pc.modelName),
		Timestamp: time.Now(),
		ModelName: pc.modelName,
		Series: []SeriesData{{
			Name:  "Confusion Matrix",
			Type:  "heatmap",
			Data:  data,
			Style: map[string]interface{}{"colorscale": "Blues"},
		}},
		Config: PlotConfig{
			XAxisLabel:    "Predicted Class",
			YAxisLabel:    "True Class",
			XAxisScale:    "linear",
			YAxisScale:    "linear",
			Width:         600,
			Height:        600,
			Interactive:   true,
			CustomOptions: map[string]interface{}{"class_names": pc.classNames},
		},
	}
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	jsonData, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "marshal plot data")
	}
	return string(jsonData), nil
}

// Plots returns every plot that has data.
func (pc *PlotCollector) Plots() []PlotData {
	var plots []PlotData
	for _, plot := range []PlotData{
		pc.GenerateTrainingCurvesPlot(),
		pc.GenerateLearningRateSchedulePlot(),
		pc.GenerateValidationPlot(),
		pc.GenerateConfusionMatrixPlot(),
	} {
		if plot.hasData() {
			plots = append(plots, plot)
		}
	}
	return plots
}

func (pd PlotData) hasData() bool {
	for _, s := range pd.Series {
		if len(s.Data) > 0 {
			return true
		}
	}
	return false
}

// Close writes every non-empty plot as <dir>/<plot_type>.json.
func (pc *PlotCollector) Close() error {
	if pc.dir == "" {
		return nil
	}
	if err := os.MkdirAll(pc.dir, 0755); err != nil {
		return errors.Wrap(err, "create plot directory")
	}

	for _, plot := range pc.Plots() {
		doc, err := plot.ToJSON()
		if err != nil {
			return err
		}
		path := filepath.Join(pc.dir, string(plot.PlotType)+".json")
		if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
			return errors.Wrapf(err, "write plot %s", path)
		}
	}
	return nil
}

// Clear resets all collected data
func (pc *PlotCollector) Clear() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.iterLoss = nil
	pc.lr = nil
	pc.epochLoss = nil
	pc.valMIoU = nil
	pc.valAcc = nil
	pc.confusion = nil
	pc.classNames = nil
}
