package training

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-deeplab/checkpoints"
	"github.com/tsawler/go-deeplab/tensor"
)

// ParamRole names one of the four parameter groups trained with distinct
// learning-rate multipliers.
type ParamRole int

const (
	OrdinaryWeight ParamRole = iota
	OrdinaryBias
	FinalWeight
	FinalBias
)

// ParamRoles lists every role in a fixed order.
var ParamRoles = []ParamRole{OrdinaryWeight, OrdinaryBias, FinalWeight, FinalBias}

func (r ParamRole) String() string {
	switch r {
	case OrdinaryWeight:
		return "ordinary_weight"
	case OrdinaryBias:
		return "ordinary_bias"
	case FinalWeight:
		return "final_weight"
	case FinalBias:
		return "final_bias"
	default:
		return fmt.Sprintf("ParamRole(%d)", int(r))
	}
}

// IsBias reports whether the role holds bias tensors.
func (r ParamRole) IsBias() bool {
	return r == OrdinaryBias || r == FinalBias
}

// IsFinal reports whether the role holds classifier tensors.
func (r ParamRole) IsFinal() bool {
	return r == FinalWeight || r == FinalBias
}

// LRMultiplier is the factor applied to the base learning rate: 1, 2, 10, 20.
func (r ParamRole) LRMultiplier() float64 {
	switch r {
	case OrdinaryBias:
		return 2
	case FinalWeight:
		return 10
	case FinalBias:
		return 20
	default:
		return 1
	}
}

// ParamGroup is one role's tensors and hyperparameters.
type ParamGroup struct {
	Role        ParamRole
	Params      []*tensor.Tensor
	LRMult      float64
	WeightDecay float64
	LR          float64
}

// SGDConfig holds SGD hyperparameters. Weight decay applies to weight groups
// only; bias groups use 0.
type SGDConfig struct {
	LR          float64
	Momentum    float64
	WeightDecay float64
	Dampening   float64
	Nesterov    bool
}

// SGD implements stochastic gradient descent with momentum over named
// parameter groups. The first step initializes each momentum buffer to the
// gradient.
type SGD struct {
	groups     map[ParamRole]*ParamGroup
	momentum   float64
	dampening  float64
	nesterov   bool
	velocities map[*tensor.Tensor][]float32
	names      map[*tensor.Tensor]string
	mutex      sync.RWMutex
}

// NewSGD builds the optimizer. Every tensor must belong to exactly one group,
// and when names is non-nil the groups must cover exactly the named tensors.
func NewSGD(groups map[ParamRole][]*tensor.Tensor, names map[string]*tensor.Tensor, cfg SGDConfig) (*SGD, error) {
	if cfg.LR < 0 || cfg.Momentum < 0 || cfg.WeightDecay < 0 {
		return nil, errors.Errorf("invalid SGD hyperparameters %+v", cfg)
	}

	sgd := &SGD{
		groups:     make(map[ParamRole]*ParamGroup, len(ParamRoles)),
		momentum:   cfg.Momentum,
		dampening:  cfg.Dampening,
		nesterov:   cfg.Nesterov,
		velocities: make(map[*tensor.Tensor][]float32),
		names:      make(map[*tensor.Tensor]string),
	}

	owner := make(map[*tensor.Tensor]ParamRole)
	for role, params := range groups {
		for _, p := range params {
			if prev, dup := owner[p]; dup {
				return nil, errors.Errorf("tensor %v is in both %s and %s groups", p.Shape, prev, role)
			}
			if p.DType != tensor.Float32 {
				return nil, errors.Errorf("%s group holds a %s tensor", role, p.DType)
			}
			owner[p] = role
			p.SetRequiresGrad(true)
		}
	}

	if names != nil {
		for name, p := range names {
			if _, ok := owner[p]; !ok {
				return nil, errors.Errorf("parameter %s is not in any group", name)
			}
			sgd.names[p] = name
		}
		for p := range owner {
			if _, ok := sgd.names[p]; !ok {
				return nil, errors.Errorf("grouped tensor %v has no name", p.Shape)
			}
		}
	}

	for _, role := range ParamRoles {
		wd := cfg.WeightDecay
		if role.IsBias() {
			wd = 0
		}
		sgd.groups[role] = &ParamGroup{
			Role:        role,
			Params:      groups[role],
			LRMult:      role.LRMultiplier(),
			WeightDecay: wd,
		}
	}
	sgd.SetLR(cfg.LR)

	return sgd, nil
}

// SetLR sets every group's learning rate to base times its multiplier.
func (sgd *SGD) SetLR(base float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	for _, g := range sgd.groups {
		g.LR = base * g.LRMult
	}
}

// GetLR returns the ordinary-weight group's learning rate.
func (sgd *SGD) GetLR() float64 {
	return sgd.GroupLR(OrdinaryWeight)
}

// GroupLR returns the learning rate of one group.
func (sgd *SGD) GroupLR(role ParamRole) float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.groups[role].LR
}

// Group returns a copy of one group's settings.
func (sgd *SGD) Group(role ParamRole) ParamGroup {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	g := *sgd.groups[role]
	g.Params = append([]*tensor.Tensor(nil), g.Params...)
	return g
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	for _, role := range ParamRoles {
		g := sgd.groups[role]
		for _, param := range g.Params {
			if param.Grad() == nil {
				continue
			}
			if err := sgd.update(param, g); err != nil {
				return errors.Wrapf(err, "%s group", role)
			}
		}
	}
	return nil
}

func (sgd *SGD) update(param *tensor.Tensor, g *ParamGroup) error {
	p := param.Data.([]float32)
	grad := param.Grad().Data.([]float32)
	if len(grad) != len(p) {
		return errors.Errorf("gradient size %d does not match parameter size %d", len(grad), len(p))
	}

	wd := float32(g.WeightDecay)
	lr := float32(g.LR)
	mom := float32(sgd.momentum)

	d := make([]float32, len(p))
	for i := range p {
		d[i] = grad[i] + wd*p[i]
	}

	if sgd.momentum != 0 {
		buf, ok := sgd.velocities[param]
		if !ok {
			buf = append([]float32(nil), d...)
			sgd.velocities[param] = buf
		} else {
			damp := 1 - float32(sgd.dampening)
			for i := range buf {
				buf[i] = mom*buf[i] + damp*d[i]
			}
		}

		if sgd.nesterov {
			for i := range d {
				d[i] += mom * buf[i]
			}
		} else {
			copy(d, buf)
		}
	}

	for i := range p {
		p[i] -= lr * d[i]
	}
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	for _, g := range sgd.groups {
		tensor.ZeroGrad(g.Params)
	}
}

// Hyperparameters returns the values recorded in checkpoints.
func (sgd *SGD) Hyperparameters() map[string]float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()

	params := map[string]float64{
		"momentum":  sgd.momentum,
		"dampening": sgd.dampening,
	}
	for _, role := range ParamRoles {
		g := sgd.groups[role]
		params[role.String()+".lr"] = g.LR
		params[role.String()+".weight_decay"] = g.WeightDecay
	}
	if sgd.nesterov {
		params["nesterov"] = 1
	}
	return params
}

// Describe renders the optimizer for the parameter report, one lr and weight
// decay per group in ParamRoles order.
func (sgd *SGD) Describe() string {
	hp := sgd.Hyperparameters()
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

	var b strings.Builder
	fmt.Fprintf(&b, "SGD(momentum=%s", f(hp["momentum"]))
	for _, role := range ParamRoles {
		fmt.Fprintf(&b, ", %s lr=%s wd=%s", role, f(hp[role.String()+".lr"]), f(hp[role.String()+".weight_decay"]))
	}
	b.WriteString(")")
	return b.String()
}

// MomentumState copies the momentum buffers out, keyed by parameter name and
// sorted by name. Parameters that have not been stepped yet have no buffer.
func (sgd *SGD) MomentumState() ([]checkpoints.OptimizerTensor, error) {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()

	out := make([]checkpoints.OptimizerTensor, 0, len(sgd.velocities))
	for param, buf := range sgd.velocities {
		name, ok := sgd.names[param]
		if !ok {
			return nil, errors.Errorf("momentum buffer for unnamed tensor %v", param.Shape)
		}
		out = append(out, checkpoints.OptimizerTensor{
			Name:      name,
			Shape:     append([]int(nil), param.Shape...),
			Data:      append([]float32(nil), buf...),
			StateType: "momentum",
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// LoadMomentumState replaces the momentum buffers with copies of state.
func (sgd *SGD) LoadMomentumState(state []checkpoints.OptimizerTensor) error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	byName := make(map[string]*tensor.Tensor, len(sgd.names))
	for p, name := range sgd.names {
		byName[name] = p
	}

	velocities := make(map[*tensor.Tensor][]float32, len(state))
	for _, s := range state {
		if s.StateType != "momentum" {
			continue
		}
		param, ok := byName[s.Name]
		if !ok {
			return errors.Errorf("momentum buffer for unknown parameter %s", s.Name)
		}
		if !tensor.SameShape(param.Shape, s.Shape) || len(s.Data) != param.NumElems {
			return errors.Errorf("momentum buffer %s has shape %v, parameter has %v", s.Name, s.Shape, param.Shape)
		}
		velocities[param] = append([]float32(nil), s.Data...)
	}
	sgd.velocities = velocities
	return nil
}
