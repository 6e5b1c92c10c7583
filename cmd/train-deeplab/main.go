// Command train-deeplab trains the atrous segmentation network on a GrabCut
// or Pascal VOC dataset.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-deeplab/config"
	"github.com/tsawler/go-deeplab/models"
	"github.com/tsawler/go-deeplab/tensor"
	"github.com/tsawler/go-deeplab/training"
	"github.com/tsawler/go-deeplab/vision/dataloader"
	"github.com/tsawler/go-deeplab/vision/dataset"
)

func main() {
	klog.InitFlags(nil)
	limit := flag.Int("limit", 0, "use only the first N training samples (0 = all)")
	valLimit := flag.Int("val-limit", 0, "use only the first N validation samples (0 = all)")
	plotURL := flag.String("plot-url", "", "publish training plots to this plotting service when the run ends")

	cfg, err := config.Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		klog.Exitf("parse flags: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		klog.Exitf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, *limit, *valLimit, *plotURL)
	stop()
	klog.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "train-deeplab: %+v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, limit, valLimit int, plotURL string) error {
	session := uuid.NewString()
	klog.Infof("Session %s on %s (%d logical cores)", session, cpuid.CPU.BrandName, cpuid.CPU.LogicalCores)

	layout, err := tensor.ParseLayout(cfg.Layout)
	if err != nil {
		return err
	}

	trainSet, err := dataset.Open(dataset.OpenConfig{
		Kind:            cfg.Dataset,
		Root:            cfg.TrainRoot,
		Manifest:        cfg.TrainManifest,
		Normalize:       cfg.Normalize,
		Layout:          layout,
		PadTo:           cfg.PadTo,
		LabelDownsample: cfg.LabelDownsample,
		AugmentedLabels: cfg.AugmentedLabels,
		Limit:           limit,
	})
	if err != nil {
		return errors.Wrap(err, "open training set")
	}
	trainLoader, err := dataloader.NewLoader(trainSet, dataloader.Config{
		BatchSize:     cfg.TrainBatchSize,
		Shuffle:       true,
		NumWorkers:    cfg.TrainWorkers,
		PrefetchDepth: cfg.PrefetchDepth,
		Seed:          cfg.Seed,
	})
	if err != nil {
		return err
	}
	klog.Infof("Training set: %d samples, %d batches per epoch", trainSet.Len(), trainLoader.NumBatches())

	var valLoader *dataloader.Loader
	if cfg.UseTest {
		valSet, err := dataset.Open(dataset.OpenConfig{
			Kind:            cfg.Dataset,
			Root:            cfg.ValRoot,
			Manifest:        cfg.ValManifest,
			Normalize:       cfg.Normalize,
			Layout:          layout,
			AugmentedLabels: cfg.AugmentedLabels,
			Limit:           valLimit,
		})
		if err != nil {
			return errors.Wrap(err, "open validation set")
		}
		var cache *dataloader.SampleCache
		if cfg.ValCacheSize > 0 {
			cache = dataloader.NewSampleCache(cfg.ValCacheSize)
		}
		valLoader, err = dataloader.NewLoader(valSet, dataloader.Config{
			BatchSize:     cfg.ValBatchSize,
			NumWorkers:    cfg.ValWorkers,
			PrefetchDepth: cfg.PrefetchDepth,
			Cache:         cache,
		})
		if err != nil {
			return err
		}
		klog.Infof("Validation set: %d samples", valSet.Len())
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
	training.PrintModelSummary(os.Stdout, cfg.ModelName, model.StateDict())

	plots := training.NewPlotCollector(cfg.ModelName, filepath.Join(cfg.SaveDir(), "plots"))
	sinks, err := training.OpenRunSinks(cfg, time.Now(), session, plots)
	if err != nil {
		return err
	}

	controller, err := training.NewController(cfg, training.ControllerOptions{
		Model:       model,
		TrainLoader: trainLoader,
		ValLoader:   valLoader,
		Sink:        sinks,
		Out:         os.Stdout,
		SessionID:   session,
	})
	if err != nil {
		sinks.Close()
		return err
	}

	summary, err := controller.Run(ctx)
	if err != nil {
		return err
	}
	klog.Infof("Finished %d epochs at step %d", len(summary.Epochs), summary.FinalStep)
	if saved := controller.Checkpoints().Saved(); len(saved) > 0 {
		klog.Infof("Checkpoints kept: %s", strings.Join(saved, ", "))
	}

	if plotURL != "" {
		svcCfg := training.DefaultPlottingServiceConfig()
		svcCfg.BaseURL = plotURL
		svc := training.NewPlottingService(svcCfg)
		if err := svc.CheckHealth(ctx); err != nil {
			klog.Warningf("Plotting service unavailable: %v", err)
			return nil
		}
		resp, err := svc.PublishCollector(ctx, plots)
		if err != nil {
			klog.Warningf("Publishing plots failed: %v", err)
		} else if resp.DashboardURL != "" {
			fmt.Printf("Plots: %s\n", resp.DashboardURL)
		}
	}
	return nil
}
