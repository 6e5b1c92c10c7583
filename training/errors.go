package training

import (
	"fmt"
)

// TrainingError reports a failure inside the training loop, such as a
// non-finite loss. Epoch and Step locate it.
type TrainingError struct {
	Epoch int
	Step  int
	Err   error
}

func (e *TrainingError) Error() string {
	return fmt.Sprintf("training failed at epoch %d, step %d: %v", e.Epoch, e.Step, e.Err)
}

func (e *TrainingError) Unwrap() error {
	return e.Err
}

// CheckpointError reports a checkpoint that could not be written or read.
type CheckpointError struct {
	Epoch int
	Path  string
	Err   error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint for epoch %d (%s): %v", e.Epoch, e.Path, e.Err)
}

func (e *CheckpointError) Unwrap() error {
	return e.Err
}
