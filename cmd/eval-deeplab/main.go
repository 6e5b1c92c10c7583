// Command eval-deeplab scores a training checkpoint on a validation set.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-deeplab/checkpoints"
	"github.com/tsawler/go-deeplab/config"
	"github.com/tsawler/go-deeplab/models"
	"github.com/tsawler/go-deeplab/tensor"
	"github.com/tsawler/go-deeplab/training"
	"github.com/tsawler/go-deeplab/vision/dataloader"
	"github.com/tsawler/go-deeplab/vision/dataset"
)

func main() {
	klog.InitFlags(nil)
	checkpointPath := flag.String("checkpoint", "", "checkpoint to evaluate (default: the last epoch of the configured run)")
	limit := flag.Int("limit", 0, "use only the first N validation samples (0 = all)")
	writePlot := flag.Bool("plot", false, "write the confusion matrix plot next to the run")

	cfg, err := config.Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		klog.Exitf("parse flags: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		klog.Exitf("invalid configuration: %v", err)
	}
	path := *checkpointPath
	if path == "" {
		path = cfg.CheckpointPath(cfg.TotalEpochs - 1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, path, *limit, *writePlot)
	stop()
	klog.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "eval-deeplab: %+v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, path string, limit int, writePlot bool) error {
	klog.V(1).Infof("Evaluating on %s (%d logical cores)", cpuid.CPU.BrandName, cpuid.CPU.LogicalCores)

	layout, err := tensor.ParseLayout(cfg.Layout)
	if err != nil {
		return err
	}
	valSet, err := dataset.Open(dataset.OpenConfig{
		Kind:            cfg.Dataset,
		Root:            cfg.ValRoot,
		Manifest:        cfg.ValManifest,
		Normalize:       cfg.Normalize,
		Layout:          layout,
		AugmentedLabels: cfg.AugmentedLabels,
		Limit:           limit,
	})
	if err != nil {
		return errors.Wrap(err, "open validation set")
	}
	loader, err := dataloader.NewLoader(valSet, dataloader.Config{
		BatchSize:     cfg.ValBatchSize,
		NumWorkers:    cfg.ValWorkers,
		PrefetchDepth: cfg.PrefetchDepth,
	})
	if err != nil {
		return err
	}

	model, err := models.NewAtrousNet(models.Config{
		InChannels: 3,
		Hidden:     cfg.Hidden,
		NumClasses: cfg.NumClasses,
		Dilation:   cfg.Dilation,
		Dropout:    cfg.Dropout,
		Seed:       cfg.Seed,
		Layout:     layout,
	})
	if err != nil {
		return err
	}

	ckpt, err := checkpoints.LoadCheckpointFile(path)
	if err != nil {
		return err
	}
	weights, err := ckpt.WeightMap()
	if err != nil {
		return err
	}
	if err := model.LoadStateDict(weights); err != nil {
		return errors.Wrapf(err, "load %s", path)
	}
	model.Eval()
	fmt.Printf("Loaded %s (epoch %d, step %d)\n", path, ckpt.TrainingState.Epoch, ckpt.TrainingState.Step)

	cm, err := training.ComputeConfusionMatrix(ctx, model, loader, cfg.NumClasses)
	if err != nil {
		return err
	}

	fmt.Printf("Validation samples: %d\n", valSet.Len())
	if err := cm.WriteReport(os.Stdout); err != nil {
		return err
	}

	if writePlot {
		plots := training.NewPlotCollector(cfg.ModelName, filepath.Join(cfg.SaveDir(), "plots"))
		plots.RecordConfusionMatrix(cm, nil)
		if err := plots.Close(); err != nil {
			return err
		}
	}
	return nil
}
