// Package models holds the reference segmentation network trained by the
// training controller.
package models

import (
	"math/rand"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-deeplab/checkpoints"
	"github.com/tsawler/go-deeplab/tensor"
)

// Parameter names used in state dicts and checkpoints.
const (
	BackbonePrefix   = "backbone."
	BackboneWeight   = "backbone.conv1.weight"
	BackboneBias     = "backbone.conv1.bias"
	ClassifierWeight = "classifier.weight"
	ClassifierBias   = "classifier.bias"
)

// Config describes an AtrousNet.
type Config struct {
	InChannels int
	Hidden     int
	NumClasses int
	Dilation   int
	Dropout    float64
	Seed       int64
	Layout     tensor.Layout // layout of the images passed to Forward
}

// DefaultConfig returns a small two-class network.
func DefaultConfig() Config {
	return Config{
		InChannels: 3,
		Hidden:     16,
		NumClasses: 2,
		Dilation:   2,
		Dropout:    0.1,
		Seed:       1,
		Layout:     tensor.ChannelsFirst,
	}
}

// AtrousNet is a dilated 3x3 convolution backbone followed by ReLU, dropout
// and a 1x1 convolution classifier. Scores keep the input resolution.
type AtrousNet struct {
	cfg        Config
	conv1      *Conv2D
	relu       *ReLU
	dropout    *Dropout
	classifier *Conv2D
	training   bool
}

// NewAtrousNet builds the network with weights drawn from cfg.Seed.
func NewAtrousNet(cfg Config) (*AtrousNet, error) {
	if cfg.InChannels <= 0 || cfg.Hidden <= 0 || cfg.NumClasses <= 0 {
		return nil, errors.Errorf("channel counts must be positive: in=%d hidden=%d classes=%d", cfg.InChannels, cfg.Hidden, cfg.NumClasses)
	}
	if cfg.Dilation <= 0 {
		cfg.Dilation = 1
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	conv1, err := NewConv2D(cfg.InChannels, cfg.Hidden, 3, cfg.Dilation, rng)
	if err != nil {
		return nil, errors.Wrap(err, "backbone")
	}
	classifier, err := NewConv2D(cfg.Hidden, cfg.NumClasses, 1, 1, rng)
	if err != nil {
		return nil, errors.Wrap(err, "classifier")
	}
	dropout, err := NewDropout(cfg.Dropout, rand.New(rand.NewSource(cfg.Seed+1)))
	if err != nil {
		return nil, err
	}

	return &AtrousNet{
		cfg:        cfg,
		conv1:      conv1,
		relu:       NewReLU(),
		dropout:    dropout,
		classifier: classifier,
		training:   true,
	}, nil
}

// Config returns the network configuration.
func (m *AtrousNet) Config() Config {
	return m.cfg
}

// NumClasses is the number of score channels.
func (m *AtrousNet) NumClasses() int {
	return m.cfg.NumClasses
}

// Forward maps an image batch to per-pixel class scores [N, C, H, W].
func (m *AtrousNet) Forward(images *tensor.Tensor) (*tensor.Tensor, error) {
	x := images
	if m.cfg.Layout == tensor.ChannelsLast {
		var err error
		if x, err = tensor.ToChannelsFirst(images); err != nil {
			return nil, errors.Wrap(err, "convert batch layout")
		}
	}

	h, err := m.conv1.Forward(x)
	if err != nil {
		return nil, errors.Wrap(err, "backbone")
	}
	if h, err = m.relu.Forward(h); err != nil {
		return nil, err
	}
	if h, err = m.dropout.Forward(h); err != nil {
		return nil, err
	}
	scores, err := m.classifier.Forward(h)
	if err != nil {
		return nil, errors.Wrap(err, "classifier")
	}
	return scores, nil
}

// Backward accumulates parameter gradients for the last Forward call.
func (m *AtrousNet) Backward(gradScores *tensor.Tensor) error {
	g, err := m.classifier.Backward(gradScores, true)
	if err != nil {
		return errors.Wrap(err, "classifier backward")
	}
	if g, err = m.dropout.Backward(g); err != nil {
		return err
	}
	if g, err = m.relu.Backward(g); err != nil {
		return err
	}
	if _, err = m.conv1.Backward(g, false); err != nil {
		return errors.Wrap(err, "backbone backward")
	}
	return nil
}

// ParameterGroup returns one of the four disjoint parameter groups: the
// classifier ("final") or backbone tensors, weights or biases.
func (m *AtrousNet) ParameterGroup(bias, final bool) []*tensor.Tensor {
	layer := m.conv1
	if final {
		layer = m.classifier
	}
	if bias {
		return []*tensor.Tensor{layer.Bias}
	}
	return []*tensor.Tensor{layer.Weight}
}

// Parameters returns every trainable tensor.
func (m *AtrousNet) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{m.conv1.Weight, m.conv1.Bias, m.classifier.Weight, m.classifier.Bias}
}

// ZeroGrad clears accumulated gradients.
func (m *AtrousNet) ZeroGrad() {
	tensor.ZeroGrad(m.Parameters())
}

func (m *AtrousNet) Train() {
	m.training = true
	m.dropout.Train()
}

func (m *AtrousNet) Eval() {
	m.training = false
	m.dropout.Eval()
}

func (m *AtrousNet) IsTraining() bool {
	return m.training
}

// StateDict returns the live parameter tensors keyed by name.
func (m *AtrousNet) StateDict() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{
		BackboneWeight:   m.conv1.Weight,
		BackboneBias:     m.conv1.Bias,
		ClassifierWeight: m.classifier.Weight,
		ClassifierBias:   m.classifier.Bias,
	}
}

// LoadStateDict copies values into the parameters. The key sets must match
// exactly and shapes must agree.
func (m *AtrousNet) LoadStateDict(state map[string]*tensor.Tensor) error {
	own := m.StateDict()
	for name := range state {
		if _, ok := own[name]; !ok {
			return errors.Errorf("unexpected key %q in state dict", name)
		}
	}
	for name, dst := range own {
		src, ok := state[name]
		if !ok {
			return errors.Errorf("missing key %q in state dict", name)
		}
		if !tensor.SameShape(src.Shape, dst.Shape) {
			return errors.Errorf("shape mismatch for %s: got %v, expected %v", name, src.Shape, dst.Shape)
		}
		data, err := src.GetFloat32Data()
		if err != nil {
			return errors.Wrapf(err, "state dict %s", name)
		}
		if err := dst.CopyFrom(data); err != nil {
			return errors.Wrapf(err, "state dict %s", name)
		}
	}
	return nil
}

// InitBackbone loads backbone.* weights from a checkpoint file in either
// format. An empty path keeps the random initialization.
func (m *AtrousNet) InitBackbone(path string) error {
	if path == "" {
		return nil
	}

	ckpt, err := checkpoints.LoadCheckpointFile(path)
	if err != nil {
		return errors.Wrap(err, "load pretrained backbone")
	}

	var backbone []checkpoints.WeightTensor
	for _, w := range ckpt.Weights {
		if strings.HasPrefix(w.Name, BackbonePrefix) {
			backbone = append(backbone, w)
		}
	}
	if len(backbone) == 0 {
		return errors.Errorf("%s contains no %s* weights", path, BackbonePrefix)
	}

	targets := make(map[string]*tensor.Tensor)
	for name, t := range m.StateDict() {
		if strings.HasPrefix(name, BackbonePrefix) {
			targets[name] = t
		}
	}
	if err := checkpoints.LoadWeightsIntoTensors(backbone, targets); err != nil {
		return errors.Wrap(err, "load pretrained backbone")
	}

	names := make([]string, 0, len(backbone))
	for _, w := range backbone {
		names = append(names, w.Name)
	}
	sort.Strings(names)
	klog.Infof("Initialized backbone from %s (%s)", path, strings.Join(names, ", "))
	return nil
}
