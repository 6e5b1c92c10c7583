package checkpoints

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-deeplab/tensor"
)

func testCheckpoint() *Checkpoint {
	checkpoint := &Checkpoint{
		ModelName: "deeplab-atrous",
		Weights: []WeightTensor{
			{Name: "backbone.conv1.weight", Shape: []int{2, 3, 3, 3}, Data: make([]float32, 54), Layer: "backbone.conv1", Type: "weight"},
			{Name: "backbone.conv1.bias", Shape: []int{2}, Data: []float32{0.5, -0.25}, Layer: "backbone.conv1", Type: "bias"},
			{Name: "classifier.weight", Shape: []int{2, 2, 1, 1}, Data: []float32{1, 2, 3, 4}, Layer: "classifier", Type: "weight"},
		},
		TrainingState: TrainingState{
			Epoch:        3,
			Step:         412,
			LearningRate: 0.0007312,
			BestLoss:     0.125,
			BestAccuracy: 0.875,
			TotalSteps:   2000,
		},
		OptimizerState: &OptimizerState{
			Type:       "SGD",
			Parameters: map[string]float64{"momentum": 0.9, "weight_decay": 5e-4},
			StateData: []OptimizerTensor{
				{Name: "classifier.weight", Shape: []int{2, 2, 1, 1}, Data: []float32{0.1, 0.2, 0.3, 0.4}, StateType: "momentum"},
			},
		},
		Metadata: CheckpointMetadata{
			Version:     Version,
			Framework:   Framework,
			CreatedAt:   time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC),
			SessionID:   "4b7a7a0e-5f7c-4a53-9f55-5a1b8f1e0c11",
			Description: "epoch 3",
			Tags:        []string{"grabcut", "poly"},
		},
	}

	// Values chosen to stress bit-exactness.
	for i := range checkpoint.Weights[0].Data {
		checkpoint.Weights[0].Data[i] = float32(math.Sin(float64(i))) / 3
	}
	checkpoint.Weights[0].Data[1] = float32(math.SmallestNonzeroFloat32)
	checkpoint.Weights[0].Data[2] = float32(math.Copysign(0, -1))
	return checkpoint
}

func assertSameCheckpoint(t *testing.T, want, got *Checkpoint) {
	t.Helper()

	if got.ModelName != want.ModelName {
		t.Errorf("ModelName = %q, expected %q", got.ModelName, want.ModelName)
	}
	if got.TrainingState != want.TrainingState {
		t.Errorf("TrainingState = %+v, expected %+v", got.TrainingState, want.TrainingState)
	}
	if !got.Metadata.CreatedAt.Equal(want.Metadata.CreatedAt) {
		t.Errorf("CreatedAt = %v, expected %v", got.Metadata.CreatedAt, want.Metadata.CreatedAt)
	}
	if got.Metadata.SessionID != want.Metadata.SessionID || got.Metadata.Framework != want.Metadata.Framework {
		t.Errorf("metadata = %+v", got.Metadata)
	}
	if strings.Join(got.Metadata.Tags, ",") != strings.Join(want.Metadata.Tags, ",") {
		t.Errorf("tags = %v", got.Metadata.Tags)
	}

	if len(got.Weights) != len(want.Weights) {
		t.Fatalf("got %d weights, expected %d", len(got.Weights), len(want.Weights))
	}
	for i, w := range want.Weights {
		g := got.Weights[i]
		if g.Name != w.Name || g.Layer != w.Layer || g.Type != w.Type || !tensor.SameShape(g.Shape, w.Shape) {
			t.Errorf("weight %d = %s %s %s %v", i, g.Name, g.Layer, g.Type, g.Shape)
		}
		for j := range w.Data {
			if math.Float32bits(g.Data[j]) != math.Float32bits(w.Data[j]) {
				t.Fatalf("weight %s[%d] = %v, expected %v", w.Name, j, g.Data[j], w.Data[j])
			}
		}
	}

	if got.OptimizerState == nil {
		t.Fatal("optimizer state lost")
	}
	if got.OptimizerState.Type != "SGD" || got.OptimizerState.Parameters["momentum"] != 0.9 {
		t.Errorf("optimizer = %+v", got.OptimizerState)
	}
	buf := got.OptimizerState.StateData
	if len(buf) != 1 || buf[0].Name != "classifier.weight" || buf[0].StateType != "momentum" || buf[0].Data[3] != 0.4 {
		t.Errorf("optimizer buffers = %+v", buf)
	}
}

func TestCheckpointSaveLoad(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatONNX} {
		t.Run(format.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "models", "deeplab_epoch-3.pth")
			want := testCheckpoint()

			saver := NewCheckpointSaver(format)
			if err := saver.SaveCheckpoint(want, path); err != nil {
				t.Fatalf("SaveCheckpoint failed: %v", err)
			}

			got, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("LoadCheckpoint failed: %v", err)
			}
			assertSameCheckpoint(t, want, got)

			detected, err := LoadCheckpointFile(path)
			if err != nil {
				t.Fatalf("LoadCheckpointFile failed: %v", err)
			}
			assertSameCheckpoint(t, want, detected)
		})
	}
}

func TestSaveLeavesNoTemporaryFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m_epoch-0.pth")

	saver := NewCheckpointSaver(FormatONNX)
	for i := 0; i < 2; i++ {
		if err := saver.SaveCheckpoint(testCheckpoint(), path); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "m_epoch-0.pth" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory holds %v", names)
	}
}

func TestSaveFillsMetadata(t *testing.T) {
	c := testCheckpoint()
	c.Metadata = CheckpointMetadata{}
	path := filepath.Join(t.TempDir(), "c.json")

	if err := NewCheckpointSaver(FormatJSON).SaveCheckpoint(c, path); err != nil {
		t.Fatal(err)
	}
	got, err := LoadCheckpointFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Metadata.Framework != Framework || got.Metadata.CreatedAt.IsZero() {
		t.Errorf("metadata not filled: %+v", got.Metadata)
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    CheckpointFormat
		wantErr bool
	}{
		{"json", FormatJSON, false},
		{"ONNX", FormatONNX, false},
		{"pth", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr || (!tt.wantErr && got != tt.want) {
			t.Errorf("ParseFormat(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestLoadCorruptCheckpoint(t *testing.T) {
	dir := t.TempDir()

	truncated := filepath.Join(dir, "truncated.pth")
	data, err := NewONNXExporter().Marshal(testCheckpoint())
	if err != nil {
		t.Fatal(err)
	}
	os.WriteFile(truncated, data[:len(data)/2], 0644)
	if _, err := LoadCheckpointFile(truncated); err == nil {
		t.Error("expected error for truncated ONNX checkpoint")
	}

	badJSON := filepath.Join(dir, "bad.json")
	os.WriteFile(badJSON, []byte("{\"weights\": ["), 0644)
	if _, err := LoadCheckpointFile(badJSON); err == nil {
		t.Error("expected error for truncated JSON checkpoint")
	}

	if _, err := LoadCheckpointFile(filepath.Join(dir, "missing.pth")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestONNXImporterAcceptsUnpackedFloats(t *testing.T) {
	var tp []byte
	tp = protowire.AppendTag(tp, tensorDims, protowire.VarintType)
	tp = protowire.AppendVarint(tp, 2)
	for _, v := range []float32{1.5, -2.25} {
		tp = protowire.AppendTag(tp, tensorFloatData, protowire.Fixed32Type)
		tp = protowire.AppendFixed32(tp, math.Float32bits(v))
	}
	tp = appendString(tp, tensorName, "head.bias")

	var g []byte
	g = protowire.AppendTag(g, graphInitializer, protowire.BytesType)
	g = protowire.AppendBytes(g, tp)

	var m []byte
	m = protowire.AppendTag(m, 99, protowire.VarintType) // unknown field
	m = protowire.AppendVarint(m, 1)
	m = protowire.AppendTag(m, modelGraph, protowire.BytesType)
	m = protowire.AppendBytes(m, g)

	c, err := NewONNXImporter().Unmarshal(m)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(c.Weights) != 1 || c.Weights[0].Data[1] != -2.25 || c.Weights[0].Type != "bias" {
		t.Errorf("weights = %+v", c.Weights)
	}
	if c.OptimizerState != nil {
		t.Error("no optimizer state expected")
	}
}

func TestExtractAndLoadWeights(t *testing.T) {
	w, _ := tensor.NewTensor([]int{2, 2}, tensor.Float32, tensor.CPU, []float32{1, 2, 3, 4})
	b, _ := tensor.NewTensor([]int{2}, tensor.Float32, tensor.CPU, []float32{5, 6})
	params := map[string]*tensor.Tensor{"layer.weight": w, "layer.bias": b}

	weights, err := ExtractWeights(params)
	if err != nil {
		t.Fatal(err)
	}
	if weights[0].Name != "layer.bias" || weights[0].Layer != "layer" || weights[0].Type != "bias" {
		t.Errorf("weights not sorted or split: %+v", weights[0])
	}

	// Extracted data is a copy.
	w.Data.([]float32)[0] = 100
	if weights[1].Data[0] != 1 {
		t.Error("ExtractWeights should copy data")
	}

	if err := LoadWeightsIntoTensors(weights, params); err != nil {
		t.Fatal(err)
	}
	if w.Data.([]float32)[0] != 1 {
		t.Error("LoadWeightsIntoTensors did not restore data")
	}

	wrong, _ := tensor.Zeros([]int{3}, tensor.Float32, tensor.CPU)
	if err := LoadWeightsIntoTensors(weights, map[string]*tensor.Tensor{"layer.bias": wrong}); err == nil {
		t.Error("expected shape mismatch error")
	}
	if err := LoadWeightsIntoTensors(weights, map[string]*tensor.Tensor{"other.bias": wrong}); err == nil {
		t.Error("expected missing weight error")
	}

	c := &Checkpoint{Weights: weights}
	m, err := c.WeightMap()
	if err != nil {
		t.Fatal(err)
	}
	if m["layer.weight"].Data.([]float32)[3] != 4 {
		t.Errorf("WeightMap = %v", m["layer.weight"])
	}
}
