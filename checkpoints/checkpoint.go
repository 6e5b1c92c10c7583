package checkpoints

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-deeplab/tensor"
)

// Framework and Version are stamped into checkpoint metadata.
const (
	Framework = "go-deeplab"
	Version   = "1.0.0"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "json"
	case FormatONNX:
		return "onnx"
	default:
		return "unknown"
	}
}

// ParseFormat maps "json" or "onnx" to a CheckpointFormat.
func ParseFormat(name string) (CheckpointFormat, error) {
	switch strings.ToLower(name) {
	case "json":
		return FormatJSON, nil
	case "onnx":
		return FormatONNX, nil
	default:
		return 0, errors.Errorf("unknown checkpoint format %q", name)
	}
}

// Checkpoint is the complete state needed to resume training: every
// trainable parameter, the optimizer's momentum buffers and loop progress.
type Checkpoint struct {
	ModelName string         `json:"model_name"`
	Weights   []WeightTensor `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	BestLoss     float64 `json:"best_loss"`
	BestAccuracy float64 `json:"best_accuracy"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer hyperparameters and per-parameter buffers.
type OptimizerState struct {
	Type       string             `json:"type"` // "SGD"
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor is one optimizer buffer, keyed by the parameter name it
// belongs to.
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	SessionID   string    `json:"session_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// Format returns the saver's output format.
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint encodes checkpoint and replaces path atomically: the bytes
// go to a temporary file in the same directory which is then renamed.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = Framework
		checkpoint.Metadata.Version = Version
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	var data []byte
	var err error
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatONNX:
		data, err = NewONNXExporter().Marshal(checkpoint)
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return errors.Wrapf(err, "encode %s checkpoint", cs.format)
	}

	return writeFileAtomic(path, data)
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read checkpoint")
	}
	return decode(cs.format, data, path)
}

// LoadCheckpointFile loads a checkpoint in either format, detected from its
// first byte.
func LoadCheckpointFile(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read checkpoint")
	}
	return decode(DetectFormat(data), data, path)
}

// DetectFormat reports FormatJSON for data starting with '{' and FormatONNX
// otherwise.
func DetectFormat(data []byte) CheckpointFormat {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatJSON
	}
	return FormatONNX
}

func decode(format CheckpointFormat, data []byte, path string) (*Checkpoint, error) {
	switch format {
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, errors.Wrapf(err, "decode checkpoint %s", path)
		}
		return &checkpoint, nil
	case FormatONNX:
		checkpoint, err := NewONNXImporter().Unmarshal(data)
		if err != nil {
			return nil, errors.Wrapf(err, "decode checkpoint %s", path)
		}
		return checkpoint, nil
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", format)
	}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "create checkpoint directory")
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temporary checkpoint file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "write checkpoint")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "sync checkpoint")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "close checkpoint")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "rename checkpoint into place")
	}
	return nil
}

// ExtractWeights copies named parameter tensors into checkpoint weights,
// sorted by name. "backbone.conv1.weight" becomes layer "backbone.conv1",
// type "weight".
func ExtractWeights(params map[string]*tensor.Tensor) ([]WeightTensor, error) {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	weights := make([]WeightTensor, 0, len(names))
	for _, name := range names {
		t := params[name]
		data, err := t.GetFloat32Data()
		if err != nil {
			return nil, errors.Wrapf(err, "extract weight %s", name)
		}

		layer, kind := name, ""
		if i := strings.LastIndex(name, "."); i >= 0 {
			layer, kind = name[:i], name[i+1:]
		}

		weights = append(weights, WeightTensor{
			Name:  name,
			Shape: append([]int(nil), t.Shape...),
			Data:  append([]float32(nil), data...),
			Layer: layer,
			Type:  kind,
		})
	}
	return weights, nil
}

// WeightMap returns the checkpoint weights as tensors keyed by name.
func (c *Checkpoint) WeightMap() (map[string]*tensor.Tensor, error) {
	out := make(map[string]*tensor.Tensor, len(c.Weights))
	for _, w := range c.Weights {
		t, err := tensor.NewTensor(w.Shape, tensor.Float32, tensor.CPU, append([]float32(nil), w.Data...))
		if err != nil {
			return nil, errors.Wrapf(err, "weight %s", w.Name)
		}
		out[w.Name] = t
	}
	return out, nil
}

// LoadWeightsIntoTensors copies weights into the tensors with matching names.
// Every target tensor must be present with an identical shape.
func LoadWeightsIntoTensors(weights []WeightTensor, tensors map[string]*tensor.Tensor) error {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	for name, t := range tensors {
		w, ok := byName[name]
		if !ok {
			return errors.Errorf("checkpoint has no weight %s", name)
		}
		if !tensor.SameShape(t.Shape, w.Shape) {
			return errors.Errorf("shape mismatch for weight %s: tensor %v vs checkpoint %v", name, t.Shape, w.Shape)
		}
		if err := t.CopyFrom(w.Data); err != nil {
			return errors.Wrapf(err, "copy weight %s", name)
		}
	}
	return nil
}
