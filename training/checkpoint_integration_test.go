package training

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-deeplab/checkpoints"
)

func testCheckpointConfig(dir string, format checkpoints.CheckpointFormat) CheckpointConfig {
	return CheckpointConfig{
		Path:      func(epoch int) string { return filepath.Join(dir, fmt.Sprintf("net_epoch-%d.pth", epoch)) },
		Format:    format,
		ModelName: "net",
		SessionID: "session",
	}
}

func TestCheckpointManagerSaveLoad(t *testing.T) {
	for _, format := range []checkpoints.CheckpointFormat{checkpoints.FormatJSON, checkpoints.FormatONNX} {
		t.Run(format.String(), func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "models")
			cm, err := NewCheckpointManager(testCheckpointConfig(dir, format))
			if err != nil {
				t.Fatal(err)
			}

			sgd, names := newTestSGD(t, SGDConfig{LR: 0.1, Momentum: 0.9})
			for _, p := range names {
				setGrad(t, p, 0.5)
			}
			sgd.Step()

			state := checkpoints.TrainingState{Epoch: 3, Step: 40, LearningRate: 0.05, TotalSteps: 100}
			if err := cm.Save(state, names, sgd); err != nil {
				t.Fatalf("Save: %v", err)
			}
			// The snapshot is taken synchronously; later updates must not leak in.
			saved := names["body.weight"].Data.([]float32)[0]
			names["body.weight"].Data.([]float32)[0] = 42

			if err := cm.Wait(); err != nil {
				t.Fatalf("Wait: %v", err)
			}
			if got := cm.Saved(); len(got) != 1 || got[0] != filepath.Join(dir, "net_epoch-3.pth") {
				t.Errorf("Saved = %v", got)
			}

			restored, rNames := newTestSGD(t, SGDConfig{LR: 0.1, Momentum: 0.9})
			ckpt, err := cm.Load(3, rNames, restored)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if ckpt.TrainingState.Step != 40 || ckpt.TrainingState.Epoch != 3 {
				t.Errorf("training state = %+v", ckpt.TrainingState)
			}
			if ckpt.Metadata.SessionID != "session" || ckpt.ModelName != "net" {
				t.Errorf("metadata = %+v, model %s", ckpt.Metadata, ckpt.ModelName)
			}
			if got := rNames["body.weight"].Data.([]float32)[0]; got != saved {
				t.Errorf("restored weight %g, expected snapshot value %g", got, saved)
			}

			want, _ := sgd.MomentumState()
			got, _ := restored.MomentumState()
			if len(got) != len(want) {
				t.Fatalf("restored %d momentum buffers, expected %d", len(got), len(want))
			}
			for i := range want {
				if got[i].Name != want[i].Name || got[i].Data[0] != want[i].Data[0] {
					t.Errorf("momentum %d = %+v, expected %+v", i, got[i], want[i])
				}
			}
		})
	}
}

func TestCheckpointManagerLoadMissing(t *testing.T) {
	cm, _ := NewCheckpointManager(testCheckpointConfig(t.TempDir(), checkpoints.FormatJSON))
	_, names := newTestSGD(t, SGDConfig{LR: 0.1})

	_, err := cm.Load(7, names, nil)
	var ce *CheckpointError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CheckpointError, got %v", err)
	}
	if ce.Epoch != 7 {
		t.Errorf("error epoch = %d", ce.Epoch)
	}
}

func TestCheckpointManagerWriteFailure(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "models")
	if err := os.WriteFile(blocker, []byte("not a directory"), 0644); err != nil {
		t.Fatal(err)
	}

	cm, _ := NewCheckpointManager(testCheckpointConfig(blocker, checkpoints.FormatJSON))
	sgd, names := newTestSGD(t, SGDConfig{LR: 0.1})

	if err := cm.Save(checkpoints.TrainingState{Epoch: 0}, names, sgd); err != nil {
		t.Fatalf("first Save should only start the write: %v", err)
	}
	err := cm.Wait()
	var ce *CheckpointError
	if !errors.As(err, &ce) || ce.Epoch != 0 {
		t.Fatalf("expected CheckpointError for epoch 0, got %v", err)
	}

	if err := cm.Save(checkpoints.TrainingState{Epoch: 1}, names, sgd); !errors.As(err, &ce) {
		t.Errorf("next Save should report the earlier failure, got %v", err)
	}
}

func TestCheckpointManagerMaxCheckpoints(t *testing.T) {
	dir := t.TempDir()
	cfg := testCheckpointConfig(dir, checkpoints.FormatJSON)
	cfg.MaxCheckpoints = 2
	cm, err := NewCheckpointManager(cfg)
	if err != nil {
		t.Fatal(err)
	}
	_, names := newTestSGD(t, SGDConfig{LR: 0.1})

	// Writes run concurrently and may finish in any order; retention follows
	// the epoch.
	for epoch := 0; epoch < 4; epoch++ {
		if err := cm.Save(checkpoints.TrainingState{Epoch: epoch}, names, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := cm.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := cm.Saved(); len(got) != 2 || got[0] != cfg.Path(2) || got[1] != cfg.Path(3) {
		t.Errorf("Saved = %v, expected epochs 2 and 3", got)
	}

	for epoch, want := range []bool{false, false, true, true} {
		_, err := os.Stat(cfg.Path(epoch))
		if exists := err == nil; exists != want {
			t.Errorf("epoch %d checkpoint exists=%v, expected %v", epoch, exists, want)
		}
	}
}

func TestNewCheckpointManagerValidation(t *testing.T) {
	if _, err := NewCheckpointManager(CheckpointConfig{}); err == nil {
		t.Error("expected error without a path function")
	}
	cfg := testCheckpointConfig(t.TempDir(), checkpoints.FormatJSON)
	cfg.MaxCheckpoints = -1
	if _, err := NewCheckpointManager(cfg); err == nil {
		t.Error("expected error for negative MaxCheckpoints")
	}
}
