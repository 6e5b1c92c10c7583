package training

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-deeplab/checkpoints"
	"github.com/tsawler/go-deeplab/config"
	"github.com/tsawler/go-deeplab/tensor"
	"github.com/tsawler/go-deeplab/vision/dataloader"
)

// Model is the network contract the controller trains.
type Model interface {
	Predictor
	Backward(gradScores *tensor.Tensor) error
	ParameterGroup(bias, final bool) []*tensor.Tensor
	Train()
	Eval()
	IsTraining() bool
	StateDict() map[string]*tensor.Tensor
	LoadStateDict(state map[string]*tensor.Tensor) error
	InitBackbone(path string) error
}

// Phase is the controller's position in a run.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseTrain
	PhaseCheckpoint
	PhaseEval
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "Init"
	case PhaseTrain:
		return "Train"
	case PhaseCheckpoint:
		return "Checkpoint"
	case PhaseEval:
		return "Eval"
	case PhaseDone:
		return "Done"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// State is the loop's mutable progress.
type State struct {
	Phase       Phase
	Epoch       int
	Step        int
	RunningLoss float64
}

// EpochResult summarizes one finished epoch.
type EpochResult struct {
	Epoch        int
	Loss         float64
	LearningRate float64
	Duration     time.Duration
	Checkpoint   string
	Evaluated    bool
	MeanIoU      float64
	Accuracy     float64
}

// RunSummary is returned by Run.
type RunSummary struct {
	Epochs    []EpochResult
	FinalStep int
}

// ControllerOptions are the collaborators of a Controller. Only Model and
// TrainLoader are required; ValLoader is required when the run evaluates.
type ControllerOptions struct {
	Model       Model
	TrainLoader *dataloader.Loader
	ValLoader   *dataloader.Loader
	Evaluator   Evaluator  // defaults to ConfusionEvaluator
	Sink        ScalarSink // defaults to a sink that drops everything
	Out         io.Writer  // epoch reports, defaults to os.Stdout
	SessionID   string
}

// Controller runs the epoch loop: train, then optionally checkpoint, then
// optionally evaluate. It owns the model, optimizer and loop state; nothing
// else may touch them while Run is executing.
type Controller struct {
	cfg         *config.Config
	model       Model
	loss        *PixelCrossEntropyLoss
	optimizer   *SGD
	scheduler   LRScheduler
	trainLoader *dataloader.Loader
	valLoader   *dataloader.Loader
	evaluator   Evaluator
	sink        ScalarSink
	out         io.Writer
	checkpoints *CheckpointManager

	batchesPerEpoch int
	maxStep         int
	bestLoss        float64
	bestAccuracy    float64
	state           State
}

// NewController validates cfg and wires the optimizer, schedule and
// checkpoint manager around the model.
func NewController(cfg *config.Config, opts ControllerOptions) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	if opts.Model == nil || opts.TrainLoader == nil {
		return nil, errors.New("model and training loader are required")
	}
	if cfg.UseTest && opts.ValLoader == nil {
		return nil, errors.New("use_test is set but no validation loader was given")
	}

	batches := opts.TrainLoader.NumBatches()
	if batches == 0 {
		return nil, errors.New("training loader yields no batches")
	}
	maxStep := cfg.TotalEpochs * batches

	groups := make(map[ParamRole][]*tensor.Tensor, len(ParamRoles))
	for _, role := range ParamRoles {
		groups[role] = opts.Model.ParameterGroup(role.IsBias(), role.IsFinal())
	}
	optimizer, err := NewSGD(groups, opts.Model.StateDict(), SGDConfig{
		LR:          cfg.LR,
		Momentum:    cfg.Momentum,
		WeightDecay: cfg.WeightDecay,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create optimizer")
	}

	scheduler, err := NewScheduler(cfg.LRPolicy, cfg.PolyPower, maxStep, cfg.TotalEpochs)
	if err != nil {
		return nil, err
	}

	format, err := checkpoints.ParseFormat(cfg.CheckpointFormat)
	if err != nil {
		return nil, err
	}
	manager, err := NewCheckpointManager(CheckpointConfig{
		Path:      cfg.CheckpointPath,
		Format:    format,
		ModelName: cfg.ModelName,
		SessionID: opts.SessionID,
		Tags:      []string{cfg.ExpName, cfg.Dataset},

		MaxCheckpoints: cfg.KeepCheckpoints,
	})
	if err != nil {
		return nil, err
	}

	loss := NewPixelCrossEntropyLoss()
	loss.LabelStride = cfg.LabelDownsample

	c := &Controller{
		cfg:             cfg,
		model:           opts.Model,
		loss:            loss,
		optimizer:       optimizer,
		scheduler:       scheduler,
		trainLoader:     opts.TrainLoader,
		valLoader:       opts.ValLoader,
		evaluator:       opts.Evaluator,
		sink:            opts.Sink,
		out:             opts.Out,
		checkpoints:     manager,
		batchesPerEpoch: batches,
		maxStep:         maxStep,
		bestLoss:        math.Inf(1),
	}
	if c.evaluator == nil {
		c.evaluator = ConfusionEvaluator
	}
	if c.sink == nil {
		c.sink = MultiSink{}
	}
	if c.out == nil {
		c.out = os.Stdout
	}
	return c, nil
}

// State returns a copy of the loop state.
func (c *Controller) State() State {
	return c.state
}

// Optimizer exposes the optimizer, mainly for inspection in tests.
func (c *Controller) Optimizer() *SGD {
	return c.optimizer
}

// MaxStep is total epochs times batches per epoch.
func (c *Controller) MaxStep() int {
	return c.maxStep
}

// Checkpoints returns the controller's checkpoint manager.
func (c *Controller) Checkpoints() *CheckpointManager {
	return c.checkpoints
}

// Run executes the whole schedule. Checkpoint writes are joined and the sink
// is closed before it returns, whatever the outcome.
func (c *Controller) Run(ctx context.Context) (summary *RunSummary, err error) {
	summary = &RunSummary{}
	defer func() {
		c.state.Phase = PhaseDone
		summary.FinalStep = c.state.Step
		if werr := c.checkpoints.Wait(); werr != nil && err == nil {
			err = werr
		}
		if cerr := c.sink.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "close telemetry")
		}
	}()

	c.state = State{Phase: PhaseInit, Epoch: c.cfg.ResumeEpoch}
	if !c.cfg.Pending() {
		klog.Infof("Resume epoch %d equals total epochs, nothing to do", c.cfg.ResumeEpoch)
		return summary, nil
	}
	if err := c.initialize(); err != nil {
		return summary, err
	}

	fmt.Fprintln(c.out, "Training Network")
	for epoch := c.cfg.ResumeEpoch; epoch < c.cfg.TotalEpochs; epoch++ {
		result, err := c.runEpoch(ctx, epoch)
		summary.Epochs = append(summary.Epochs, result)
		if err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func (c *Controller) initialize() error {
	if c.cfg.ResumeEpoch > 0 {
		from := c.cfg.ResumeEpoch - 1
		fmt.Fprintf(c.out, "Initializing weights from: %s...\n", c.cfg.CheckpointPath(from))
		checkpoint, err := c.checkpoints.Load(from, c.model.StateDict(), c.optimizer)
		if err != nil {
			return err
		}
		c.state.Step = checkpoint.TrainingState.Step
		if c.state.Step <= 0 {
			c.state.Step = c.cfg.ResumeEpoch * c.batchesPerEpoch
		}
		if checkpoint.TrainingState.BestLoss > 0 {
			c.bestLoss = checkpoint.TrainingState.BestLoss
		}
		c.bestAccuracy = checkpoint.TrainingState.BestAccuracy
	} else {
		fmt.Fprintln(c.out, "Training from init...")
		if err := c.model.InitBackbone(c.cfg.Pretrained); err != nil {
			return errors.Wrap(err, "initialize backbone")
		}
	}

	if err := c.cfg.WriteReport([2]string{"optimizer", c.optimizer.Describe()}); err != nil {
		return err
	}
	klog.V(1).Infof("Controller ready: %d batches per epoch, max step %d, scheduler %s",
		c.batchesPerEpoch, c.maxStep, c.scheduler.GetName())
	return nil
}

func (c *Controller) runEpoch(ctx context.Context, epoch int) (EpochResult, error) {
	c.state.Epoch = epoch
	result := EpochResult{Epoch: epoch}
	start := time.Now()

	c.state.Phase = PhaseTrain
	c.model.Train()
	loss, lr, err := c.trainEpoch(ctx, epoch)
	if err != nil {
		return result, err
	}
	result.Loss = loss
	result.LearningRate = lr
	c.bestLoss = math.Min(c.bestLoss, loss)

	c.sink.RecordScalar(TagLossEpoch, loss, epoch)
	fmt.Fprintf(c.out, "[Epoch: %d]\n", epoch)
	fmt.Fprintf(c.out, "Loss: %f\n", loss)
	c.state.RunningLoss = 0
	result.Duration = time.Since(start)
	fmt.Fprintf(c.out, "Execution time: %v\n\n", result.Duration.Seconds())

	if epoch%c.cfg.Snapshot == c.cfg.Snapshot-1 {
		c.state.Phase = PhaseCheckpoint
		path := c.cfg.CheckpointPath(epoch)
		state := checkpoints.TrainingState{
			Epoch:        epoch,
			Step:         c.state.Step,
			LearningRate: lr,
			BestLoss:     c.bestLoss,
			BestAccuracy: c.bestAccuracy,
			TotalSteps:   c.maxStep,
		}
		if err := c.checkpoints.Save(state, c.model.StateDict(), c.optimizer); err != nil {
			return result, err
		}
		result.Checkpoint = path
		fmt.Fprintf(c.out, "Save model at %s\n\n", path)
	}

	if c.cfg.UseTest && epoch%c.cfg.EvalInterval == c.cfg.EvalInterval-1 {
		c.state.Phase = PhaseEval
		c.model.Eval()
		miou, acc, err := c.evaluator.Evaluate(ctx, c.model, c.valLoader, c.cfg.NumClasses)
		c.model.Train()
		if err != nil {
			return result, errors.Wrapf(err, "evaluate epoch %d", epoch)
		}
		c.sink.RecordScalar(TagValMIoU, miou, epoch)
		c.sink.RecordScalar(TagValAcc, acc, epoch)
		c.bestAccuracy = math.Max(c.bestAccuracy, acc)
		result.Evaluated = true
		result.MeanIoU = miou
		result.Accuracy = acc
		klog.Infof("Epoch %d validation: mIoU %.4f, accuracy %.4f", epoch, miou, acc)
	}
	return result, nil
}

// trainEpoch runs one pass over the training loader and returns the mean
// batch loss and the last learning rate used.
func (c *Controller) trainEpoch(ctx context.Context, epoch int) (float64, float64, error) {
	it := c.trainLoader.Epoch(ctx, epoch)
	defer it.Close()

	var bar *ProgressBar
	if c.cfg.Progress {
		bar = NewProgressBar(c.out, fmt.Sprintf("Epoch %d", epoch), c.batchesPerEpoch)
	}

	var lr float64
	batches := 0
	for {
		if err := ctx.Err(); err != nil {
			return 0, lr, errors.Wrapf(err, "training interrupted at epoch %d", epoch)
		}
		batch, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, lr, errors.Wrapf(err, "epoch %d", epoch)
		}

		lr = c.scheduler.GetLR(epoch, c.state.Step, c.cfg.LR)
		c.optimizer.SetLR(lr)

		loss, err := c.trainStep(batch)
		if err != nil {
			return 0, lr, &TrainingError{Epoch: epoch, Step: c.state.Step, Err: err}
		}

		c.state.RunningLoss += loss
		c.sink.RecordScalar(TagLossIter, loss, c.state.Step)
		c.sink.RecordScalar(TagLR, c.optimizer.GetLR(), c.state.Step)
		c.state.Step++
		batches++

		if bar != nil {
			bar.Update(batches, map[string]float64{"loss": loss, "lr": lr})
		}
		klog.V(3).Infof("epoch %d step %d loss %.6f lr %.6g", epoch, c.state.Step-1, loss, lr)
	}
	if bar != nil {
		bar.Finish()
	}

	if batches == 0 {
		return 0, lr, &TrainingError{Epoch: epoch, Step: c.state.Step, Err: errors.New("epoch produced no batches")}
	}
	return c.state.RunningLoss / float64(batches), lr, nil
}

func (c *Controller) trainStep(batch *dataloader.Batch) (float64, error) {
	c.optimizer.ZeroGrad()

	scores, err := c.model.Forward(batch.Images)
	if err != nil {
		return 0, errors.Wrap(err, "forward")
	}
	loss, grad, err := c.loss.Forward(scores, batch.Labels)
	if err != nil {
		return 0, errors.Wrap(err, "loss")
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return loss, errors.Errorf("non-finite loss %v", loss)
	}
	if err := c.model.Backward(grad); err != nil {
		return 0, errors.Wrap(err, "backward")
	}
	if err := c.optimizer.Step(); err != nil {
		return 0, errors.Wrap(err, "optimizer step")
	}
	return loss, nil
}
