package training

import (
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-deeplab/checkpoints"
	"github.com/tsawler/go-deeplab/tensor"
)

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	Path           func(epoch int) string       // File written for an epoch
	Format         checkpoints.CheckpointFormat // JSON or ONNX
	ModelName      string
	SessionID      string
	Tags           []string
	MaxCheckpoints int // Maximum number of checkpoints to keep (0 = unlimited)
}

// CheckpointManager saves and restores training checkpoints. Save copies the
// live state and hands the copy to a background writer, so the training loop
// never waits on disk. A failed write is reported by the next Save or by Wait.
type CheckpointManager struct {
	config CheckpointConfig
	saver  *checkpoints.CheckpointSaver

	wg    sync.WaitGroup
	mu    sync.Mutex
	err   error
	saved []savedCheckpoint // ordered by epoch
}

type savedCheckpoint struct {
	epoch int
	path  string
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(config CheckpointConfig) (*CheckpointManager, error) {
	if config.Path == nil {
		return nil, errors.New("checkpoint path function is required")
	}
	if config.MaxCheckpoints < 0 {
		return nil, errors.Errorf("max checkpoints must be non-negative, got %d", config.MaxCheckpoints)
	}
	return &CheckpointManager{
		config: config,
		saver:  checkpoints.NewCheckpointSaver(config.Format),
	}, nil
}

// Save snapshots params and the optimizer's momentum buffers for epoch and
// starts writing them. It returns the error of any earlier failed write.
func (cm *CheckpointManager) Save(state checkpoints.TrainingState, params map[string]*tensor.Tensor, optimizer *SGD) error {
	if err := cm.firstError(); err != nil {
		return err
	}

	path := cm.config.Path(state.Epoch)
	checkpoint, err := cm.snapshot(state, params, optimizer)
	if err != nil {
		return &CheckpointError{Epoch: state.Epoch, Path: path, Err: err}
	}

	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		err := cm.write(checkpoint, path)

		cm.mu.Lock()
		defer cm.mu.Unlock()
		if err != nil {
			klog.Errorf("Checkpoint for epoch %d failed: %v", state.Epoch, err)
			if cm.err == nil {
				cm.err = &CheckpointError{Epoch: state.Epoch, Path: path, Err: err}
			}
			return
		}
		klog.Infof("Saved model at %s", path)
		i, _ := slices.BinarySearchFunc(cm.saved, state.Epoch, func(s savedCheckpoint, epoch int) int {
			return s.epoch - epoch
		})
		cm.saved = slices.Insert(cm.saved, i, savedCheckpoint{epoch: state.Epoch, path: path})
		cm.cleanupOldCheckpoints()
	}()
	return nil
}

// Wait blocks until every started write has finished and returns the first
// write error.
func (cm *CheckpointManager) Wait() error {
	cm.wg.Wait()
	return cm.firstError()
}

// Saved lists the checkpoint files written and still kept, oldest epoch
// first.
func (cm *CheckpointManager) Saved() []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	paths := make([]string, len(cm.saved))
	for i, s := range cm.saved {
		paths[i] = s.path
	}
	return paths
}

// Load reads the checkpoint of epoch, copies its weights into params and,
// when the checkpoint carries them and optimizer is non-nil, restores the
// momentum buffers.
func (cm *CheckpointManager) Load(epoch int, params map[string]*tensor.Tensor, optimizer *SGD) (*checkpoints.Checkpoint, error) {
	path := cm.config.Path(epoch)
	checkpoint, err := checkpoints.LoadCheckpointFile(path)
	if err != nil {
		return nil, &CheckpointError{Epoch: epoch, Path: path, Err: err}
	}
	if err := checkpoints.LoadWeightsIntoTensors(checkpoint.Weights, params); err != nil {
		return nil, &CheckpointError{Epoch: epoch, Path: path, Err: err}
	}
	if optimizer != nil && checkpoint.OptimizerState != nil {
		if err := optimizer.LoadMomentumState(checkpoint.OptimizerState.StateData); err != nil {
			return nil, &CheckpointError{Epoch: epoch, Path: path, Err: err}
		}
	}
	klog.Infof("Initializing weights from: %s", path)
	return checkpoint, nil
}

func (cm *CheckpointManager) snapshot(state checkpoints.TrainingState, params map[string]*tensor.Tensor, optimizer *SGD) (*checkpoints.Checkpoint, error) {
	weights, err := checkpoints.ExtractWeights(params)
	if err != nil {
		return nil, err
	}

	checkpoint := &checkpoints.Checkpoint{
		ModelName:     cm.config.ModelName,
		Weights:       weights,
		TrainingState: state,
		Metadata: checkpoints.CheckpointMetadata{
			SessionID:   cm.config.SessionID,
			Description: "epoch checkpoint",
			Tags:        append([]string(nil), cm.config.Tags...),
		},
	}

	if optimizer != nil {
		momentum, err := optimizer.MomentumState()
		if err != nil {
			return nil, err
		}
		checkpoint.OptimizerState = &checkpoints.OptimizerState{
			Type:       "SGD",
			Parameters: optimizer.Hyperparameters(),
			StateData:  momentum,
		}
	}
	return checkpoint, nil
}

func (cm *CheckpointManager) write(checkpoint *checkpoints.Checkpoint, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "create checkpoint directory")
	}
	return cm.saver.SaveCheckpoint(checkpoint, path)
}

func (cm *CheckpointManager) firstError() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.err
}

// cleanupOldCheckpoints removes the files of the oldest epochs beyond
// MaxCheckpoints. Callers hold cm.mu.
func (cm *CheckpointManager) cleanupOldCheckpoints() {
	if cm.config.MaxCheckpoints <= 0 {
		return
	}
	for len(cm.saved) > cm.config.MaxCheckpoints {
		old := cm.saved[0].path
		cm.saved = cm.saved[1:]
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			klog.Warningf("Failed to remove old checkpoint %s: %v", old, err)
		}
	}
}
