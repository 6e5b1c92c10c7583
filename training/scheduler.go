package training

import (
	"math"

	"github.com/pkg/errors"
)

// LRScheduler maps training progress to a learning rate. Implementations are
// pure functions of their arguments.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// PolyLRScheduler decays the rate as base * (1 - step/MaxSteps)^Power and
// holds it at 0 once MaxSteps is reached.
type PolyLRScheduler struct {
	Power    float64
	MaxSteps int
}

// NewPolyLRScheduler creates a polynomial decay scheduler over maxSteps
// optimizer steps.
func NewPolyLRScheduler(power float64, maxSteps int) *PolyLRScheduler {
	if power <= 0 {
		power = 0.9
	}
	return &PolyLRScheduler{Power: power, MaxSteps: maxSteps}
}

func (s *PolyLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return PolyLR(baseLR, step, s.MaxSteps, s.Power)
}

func (s *PolyLRScheduler) GetName() string {
	return "PolyLR"
}

// PolyLR is the polynomial decay formula. step is clamped to [0, maxStep].
func PolyLR(baseLR float64, step, maxStep int, power float64) float64 {
	if maxStep <= 0 || step >= maxStep {
		return 0
	}
	if step < 0 {
		step = 0
	}
	return baseLR * math.Pow(1-float64(step)/float64(maxStep), power)
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler anneals from baseLR to EtaMin over TMax steps.
type CosineAnnealingLRScheduler struct {
	TMax   int
	EtaMin float64
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if step >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(step)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// NoOpScheduler keeps the base rate.
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "Constant"
}

// NewScheduler builds the scheduler named by policy: "poly", "step",
// "exponential", "cosine" or "constant". maxSteps is the total number of
// optimizer steps in the run and totalEpochs the number of epochs.
func NewScheduler(policy string, power float64, maxSteps, totalEpochs int) (LRScheduler, error) {
	switch policy {
	case "", "poly":
		return NewPolyLRScheduler(power, maxSteps), nil
	case "step":
		return NewStepLRScheduler(max(totalEpochs/3, 1), 0.1), nil
	case "exponential":
		return NewExponentialLRScheduler(0.95), nil
	case "cosine":
		return NewCosineAnnealingLRScheduler(maxSteps, 0), nil
	case "constant":
		return &NoOpScheduler{}, nil
	default:
		return nil, errors.Errorf("unknown lr policy %q", policy)
	}
}
