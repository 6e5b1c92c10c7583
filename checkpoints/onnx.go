package checkpoints

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from onnx.proto.
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelVersion         protowire.Number = 5
	modelDocString       protowire.Number = 6
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8
	modelMetadataProps   protowire.Number = 14

	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2

	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5

	tensorDims      protowire.Number = 1
	tensorDataType  protowire.Number = 2
	tensorFloatData protowire.Number = 4
	tensorName      protowire.Number = 8
	tensorDocString protowire.Number = 12

	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2
)

const (
	onnxIRVersion   = 7
	onnxOpset       = 13
	onnxFloat       = 1 // TensorProto.DataType.FLOAT
	weightDoc       = "weight"
	optimizerDocPfx = "optimizer:"
)

// Metadata property keys.
const (
	propModelName    = "model_name"
	propEpoch        = "training.epoch"
	propStep         = "training.step"
	propLearningRate = "training.learning_rate"
	propBestLoss     = "training.best_loss"
	propBestAccuracy = "training.best_accuracy"
	propTotalSteps   = "training.total_steps"
	propFramework    = "framework"
	propVersion      = "version"
	propCreatedAt    = "created_at"
	propSessionID    = "session_id"
	propTags         = "tags"
	propOptimizer    = "optimizer.type"
	propOptParamPfx  = "optimizer.param."
)

// ONNXExporter encodes checkpoints as an ONNX ModelProto. The graph carries
// one initializer per weight and per optimizer buffer; everything else is
// stored in metadata_props.
type ONNXExporter struct{}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// Marshal encodes checkpoint in the protobuf wire format.
func (oe *ONNXExporter) Marshal(checkpoint *Checkpoint) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, modelIRVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, onnxIRVersion)

	b = appendString(b, modelProducerName, Framework)
	b = appendString(b, modelProducerVersion, Version)

	b = protowire.AppendTag(b, modelVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)

	if checkpoint.Metadata.Description != "" {
		b = appendString(b, modelDocString, checkpoint.Metadata.Description)
	}

	graph, err := oe.buildGraph(checkpoint)
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, modelGraph, protowire.BytesType)
	b = protowire.AppendBytes(b, graph)

	var opset []byte
	opset = appendString(opset, opsetDomain, "")
	opset = protowire.AppendTag(opset, opsetVersion, protowire.VarintType)
	opset = protowire.AppendVarint(opset, onnxOpset)
	b = protowire.AppendTag(b, modelOpsetImport, protowire.BytesType)
	b = protowire.AppendBytes(b, opset)

	props, err := metadataProps(checkpoint)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, entryKey, k)
		entry = appendString(entry, entryValue, props[k])
		b = protowire.AppendTag(b, modelMetadataProps, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}

	return b, nil
}

func (oe *ONNXExporter) buildGraph(checkpoint *Checkpoint) ([]byte, error) {
	var g []byte
	name := checkpoint.ModelName
	if name == "" {
		name = Framework + "-model"
	}
	g = appendString(g, graphName, name)

	for _, w := range checkpoint.Weights {
		t, err := oe.createTensorProto(w.Name, weightDoc, w.Shape, w.Data)
		if err != nil {
			return nil, err
		}
		g = protowire.AppendTag(g, graphInitializer, protowire.BytesType)
		g = protowire.AppendBytes(g, t)
	}

	if checkpoint.OptimizerState != nil {
		for _, s := range checkpoint.OptimizerState.StateData {
			t, err := oe.createTensorProto(s.Name, optimizerDocPfx+s.StateType, s.Shape, s.Data)
			if err != nil {
				return nil, err
			}
			g = protowire.AppendTag(g, graphInitializer, protowire.BytesType)
			g = protowire.AppendBytes(g, t)
		}
	}

	return g, nil
}

// createTensorProto encodes a FLOAT initializer with packed float_data.
func (oe *ONNXExporter) createTensorProto(name, doc string, shape []int, data []float32) ([]byte, error) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(data) {
		return nil, errors.Errorf("tensor %s: shape %v needs %d values, have %d", name, shape, n, len(data))
	}

	var t []byte
	for _, d := range shape {
		t = protowire.AppendTag(t, tensorDims, protowire.VarintType)
		t = protowire.AppendVarint(t, uint64(int64(d)))
	}
	t = protowire.AppendTag(t, tensorDataType, protowire.VarintType)
	t = protowire.AppendVarint(t, onnxFloat)

	packed := make([]byte, 0, 4*len(data))
	for _, v := range data {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	t = protowire.AppendTag(t, tensorFloatData, protowire.BytesType)
	t = protowire.AppendBytes(t, packed)

	t = appendString(t, tensorName, name)
	t = appendString(t, tensorDocString, doc)
	return t, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func metadataProps(c *Checkpoint) (map[string]string, error) {
	ts := c.TrainingState
	props := map[string]string{
		propModelName:    c.ModelName,
		propEpoch:        strconv.Itoa(ts.Epoch),
		propStep:         strconv.Itoa(ts.Step),
		propLearningRate: formatFloat(ts.LearningRate),
		propBestLoss:     formatFloat(ts.BestLoss),
		propBestAccuracy: formatFloat(ts.BestAccuracy),
		propTotalSteps:   strconv.Itoa(ts.TotalSteps),
		propFramework:    c.Metadata.Framework,
		propVersion:      c.Metadata.Version,
		propCreatedAt:    c.Metadata.CreatedAt.Format(time.RFC3339Nano),
		propSessionID:    c.Metadata.SessionID,
	}

	if len(c.Metadata.Tags) > 0 {
		tags, err := json.Marshal(c.Metadata.Tags)
		if err != nil {
			return nil, errors.Wrap(err, "encode tags")
		}
		props[propTags] = string(tags)
	}

	if opt := c.OptimizerState; opt != nil {
		props[propOptimizer] = opt.Type
		for k, v := range opt.Parameters {
			props[propOptParamPfx+k] = formatFloat(v)
		}
	}
	return props, nil
}

// ONNXImporter decodes checkpoints written by ONNXExporter.
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// Unmarshal parses a ModelProto. Unknown fields are skipped.
func (oi *ONNXImporter) Unmarshal(data []byte) (*Checkpoint, error) {
	checkpoint := &Checkpoint{}
	props := make(map[string]string)
	var graph []byte

	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == modelGraph && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			graph = v
			return n, nil
		case num == modelDocString && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			checkpoint.Metadata.Description = v
			return n, nil
		case num == modelMetadataProps && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			k, val, err := oi.parseEntry(v)
			if err != nil {
				return 0, err
			}
			props[k] = val
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "parse ModelProto")
	}
	if graph == nil {
		return nil, errors.New("ModelProto has no graph")
	}

	if err := oi.parseGraph(graph, checkpoint); err != nil {
		return nil, err
	}
	if err := applyProps(props, checkpoint); err != nil {
		return nil, err
	}
	return checkpoint, nil
}

func (oi *ONNXImporter) parseEntry(data []byte) (key, value string, err error) {
	err = walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.BytesType && (num == entryKey || num == entryValue) {
			v, n := protowire.ConsumeString(b)
			if num == entryKey {
				key = v
			} else {
				value = v
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return key, value, err
}

func (oi *ONNXImporter) parseGraph(data []byte, checkpoint *Checkpoint) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != graphInitializer || typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		t, err := oi.parseTensor(v)
		if err != nil {
			return 0, err
		}

		if stateType, ok := strings.CutPrefix(t.doc, optimizerDocPfx); ok {
			if checkpoint.OptimizerState == nil {
				checkpoint.OptimizerState = &OptimizerState{Parameters: map[string]float64{}}
			}
			checkpoint.OptimizerState.StateData = append(checkpoint.OptimizerState.StateData, OptimizerTensor{
				Name: t.name, Shape: t.shape, Data: t.data, StateType: stateType,
			})
			return n, nil
		}

		layer, kind := t.name, ""
		if i := strings.LastIndex(t.name, "."); i >= 0 {
			layer, kind = t.name[:i], t.name[i+1:]
		}
		checkpoint.Weights = append(checkpoint.Weights, WeightTensor{
			Name: t.name, Shape: t.shape, Data: t.data, Layer: layer, Type: kind,
		})
		return n, nil
	})
}

type decodedTensor struct {
	name  string
	doc   string
	shape []int
	data  []float32
}

func (oi *ONNXImporter) parseTensor(data []byte) (*decodedTensor, error) {
	t := &decodedTensor{}
	dtype := uint64(onnxFloat)

	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case tensorDims:
			return consumeInt64s(typ, b, func(v int64) { t.shape = append(t.shape, int(v)) })
		case tensorDataType:
			if typ == protowire.VarintType {
				v, n := protowire.ConsumeVarint(b)
				dtype = v
				return n, nil
			}
		case tensorFloatData:
			return consumeFloats(typ, b, func(v float32) { t.data = append(t.data, v) })
		case tensorName:
			if typ == protowire.BytesType {
				v, n := protowire.ConsumeString(b)
				t.name = v
				return n, nil
			}
		case tensorDocString:
			if typ == protowire.BytesType {
				v, n := protowire.ConsumeString(b)
				t.doc = v
				return n, nil
			}
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "parse TensorProto")
	}

	if dtype != onnxFloat {
		return nil, errors.Errorf("tensor %s: unsupported data type %d", t.name, dtype)
	}
	n := 1
	for _, d := range t.shape {
		n *= d
	}
	if n != len(t.data) {
		return nil, errors.Errorf("tensor %s: shape %v needs %d values, have %d", t.name, t.shape, n, len(t.data))
	}
	if t.data == nil {
		t.data = []float32{}
	}
	return t, nil
}

// walkFields calls fn for every field in a message. fn returns the number of
// bytes it consumed from b, or a negative protowire error code.
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		data = data[m:]
	}
	return nil
}

// consumeInt64s accepts both packed and unpacked encodings.
func consumeInt64s(typ protowire.Type, b []byte, add func(int64)) (int, error) {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n >= 0 {
			add(int64(v))
		}
		return n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeVarint(packed)
			if m < 0 {
				return m, nil
			}
			add(int64(v))
			packed = packed[m:]
		}
		return n, nil
	}
	return 0, errors.Errorf("unexpected wire type %d for int64 field", typ)
}

// consumeFloats accepts both packed and unpacked encodings.
func consumeFloats(typ protowire.Type, b []byte, add func(float32)) (int, error) {
	switch typ {
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		if n >= 0 {
			add(math.Float32frombits(v))
		}
		return n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		if len(packed)%4 != 0 {
			return 0, errors.Errorf("packed float data length %d is not a multiple of 4", len(packed))
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeFixed32(packed)
			add(math.Float32frombits(v))
			packed = packed[m:]
		}
		return n, nil
	}
	return 0, errors.Errorf("unexpected wire type %d for float field", typ)
}

func applyProps(props map[string]string, c *Checkpoint) error {
	var err error
	atoi := func(key string) int {
		v, ok := props[key]
		if !ok || err != nil {
			return 0
		}
		var i int
		i, err = strconv.Atoi(v)
		if err != nil {
			err = errors.Wrapf(err, "metadata %s", key)
		}
		return i
	}
	atof := func(key string) float64 {
		v, ok := props[key]
		if !ok || err != nil {
			return 0
		}
		var f float64
		f, err = strconv.ParseFloat(v, 64)
		if err != nil {
			err = errors.Wrapf(err, "metadata %s", key)
		}
		return f
	}

	c.ModelName = props[propModelName]
	c.TrainingState = TrainingState{
		Epoch:        atoi(propEpoch),
		Step:         atoi(propStep),
		LearningRate: atof(propLearningRate),
		BestLoss:     atof(propBestLoss),
		BestAccuracy: atof(propBestAccuracy),
		TotalSteps:   atoi(propTotalSteps),
	}
	c.Metadata.Framework = props[propFramework]
	c.Metadata.Version = props[propVersion]
	c.Metadata.SessionID = props[propSessionID]

	if v, ok := props[propCreatedAt]; ok && err == nil {
		c.Metadata.CreatedAt, err = time.Parse(time.RFC3339Nano, v)
		if err != nil {
			err = errors.Wrap(err, "metadata created_at")
		}
	}
	if v, ok := props[propTags]; ok && err == nil {
		if jerr := json.Unmarshal([]byte(v), &c.Metadata.Tags); jerr != nil {
			err = errors.Wrap(jerr, "metadata tags")
		}
	}

	if typ, ok := props[propOptimizer]; ok {
		if c.OptimizerState == nil {
			c.OptimizerState = &OptimizerState{Parameters: map[string]float64{}}
		}
		c.OptimizerState.Type = typ
		for k := range props {
			if name, ok := strings.CutPrefix(k, propOptParamPfx); ok {
				c.OptimizerState.Parameters[name] = atof(k)
			}
		}
	}

	return err
}
