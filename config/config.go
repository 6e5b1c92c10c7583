// Package config holds the immutable run configuration for a training or
// evaluation run.
package config

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/tsawler/go-deeplab/tensor"
)

// Dataset kinds.
const (
	DatasetGrabCut = "grabcut"
	DatasetVOC     = "voc"
)

// Config is built once, by Default, Load or flag parsing, and then treated
// as read-only.
type Config struct {
	// Schedule
	TotalEpochs  int     `json:"total_epochs"`
	ResumeEpoch  int     `json:"resume_epoch"`
	LR           float64 `json:"lr"`
	WeightDecay  float64 `json:"weight_decay"`
	Momentum     float64 `json:"momentum"`
	PolyPower    float64 `json:"poly_power"`
	LRPolicy     string  `json:"lr_policy"`
	Snapshot     int     `json:"snapshot"`
	EvalInterval int     `json:"eval_interval"`
	UseTest      bool    `json:"use_test"`

	// Data
	Dataset         string `json:"dataset"`
	TrainRoot       string `json:"train_root"`
	TrainManifest   string `json:"train_manifest"`
	ValRoot         string `json:"val_root"`
	ValManifest     string `json:"val_manifest"`
	NumClasses      int    `json:"num_classes"`
	Normalize       bool   `json:"normalize"`
	Layout          string `json:"layout"`
	PadTo           int    `json:"pad_to"`
	LabelDownsample int    `json:"label_downsample"`
	AugmentedLabels bool   `json:"augmented_labels"`
	TrainBatchSize  int    `json:"train_batch_size"`
	ValBatchSize    int    `json:"val_batch_size"`
	TrainWorkers    int    `json:"train_workers"`
	ValWorkers      int    `json:"val_workers"`
	PrefetchDepth   int    `json:"prefetch_depth"`
	ValCacheSize    int    `json:"val_cache_size"`

	// Model
	ModelName  string  `json:"model_name"`
	Hidden     int     `json:"hidden"`
	Dilation   int     `json:"dilation"`
	Dropout    float64 `json:"dropout"`
	Pretrained string  `json:"pretrained"`
	Device     string  `json:"device"`
	Seed       int64   `json:"seed"`

	// Output
	SaveDirRoot      string `json:"save_dir_root"`
	RunID            int    `json:"run_id"`
	ExpName          string `json:"exp_name"`
	CheckpointFormat string `json:"checkpoint_format"`
	KeepCheckpoints  int    `json:"keep_checkpoints"`
	Progress         bool   `json:"progress"`
}

// Default returns the settings of the reference GrabCut run.
func Default() *Config {
	return &Config{
		TotalEpochs:  20,
		ResumeEpoch:  0,
		LR:           1e-3,
		WeightDecay:  5e-4,
		Momentum:     0.9,
		PolyPower:    0.9,
		LRPolicy:     "poly",
		Snapshot:     10,
		EvalInterval: 1,
		UseTest:      true,

		Dataset:         DatasetGrabCut,
		TrainManifest:   "dataset.txt",
		ValManifest:     "dataset.txt",
		NumClasses:      2,
		Normalize:       true,
		Layout:          "CHW",
		LabelDownsample: 1,
		TrainBatchSize:  10,
		ValBatchSize:    1,
		TrainWorkers:    4,
		ValWorkers:      2,
		PrefetchDepth:   2,
		ValCacheSize:    0,

		ModelName: "atrous-grabcut",
		Hidden:    16,
		Dilation:  2,
		Dropout:   0.1,
		Device:    "cpu",
		Seed:      1,

		SaveDirRoot:      "runs",
		RunID:            1,
		ExpName:          "grabcut-atrous",
		CheckpointFormat: "json",
	}
}

// Load reads a JSON file over the defaults. Keys missing from the file keep
// their default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"total_epochs", c.TotalEpochs},
		{"snapshot", c.Snapshot},
		{"eval_interval", c.EvalInterval},
		{"train_batch_size", c.TrainBatchSize},
		{"val_batch_size", c.ValBatchSize},
		{"num_classes", c.NumClasses},
		{"hidden", c.Hidden},
		{"dilation", c.Dilation},
		{"label_downsample", c.LabelDownsample},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return errors.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}

	if c.ResumeEpoch < 0 || c.ResumeEpoch > c.TotalEpochs {
		return errors.Errorf("resume_epoch %d outside [0, %d]", c.ResumeEpoch, c.TotalEpochs)
	}
	if c.LR < 0 || c.WeightDecay < 0 || c.Momentum < 0 || c.PolyPower < 0 {
		return errors.New("lr, weight_decay, momentum and poly_power must be non-negative")
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return errors.Errorf("dropout %g outside [0, 1)", c.Dropout)
	}
	if c.PadTo < 0 || c.PrefetchDepth < 0 || c.ValCacheSize < 0 {
		return errors.New("pad_to, prefetch_depth and val_cache_size must be non-negative")
	}
	if c.KeepCheckpoints < 0 {
		return errors.Errorf("keep_checkpoints %d is negative", c.KeepCheckpoints)
	}

	switch c.Dataset {
	case DatasetGrabCut, DatasetVOC:
	default:
		return errors.Errorf("unknown dataset %q", c.Dataset)
	}
	if _, err := tensor.ParseLayout(c.Layout); err != nil {
		return err
	}
	switch c.CheckpointFormat {
	case "json", "onnx":
	default:
		return errors.Errorf("unknown checkpoint format %q", c.CheckpointFormat)
	}
	switch c.LRPolicy {
	case "poly", "step", "exponential", "cosine", "constant":
	default:
		return errors.Errorf("unknown lr_policy %q", c.LRPolicy)
	}
	if _, err := tensor.ParseDevice(c.Device); err != nil {
		return err
	}
	if c.ModelName == "" || c.ExpName == "" {
		return errors.New("model_name and exp_name are required")
	}
	return nil
}

// SaveDir is <save_dir_root>/run_<run_id>.
func (c *Config) SaveDir() string {
	return filepath.Join(c.SaveDirRoot, "run_"+strconv.Itoa(c.RunID))
}

// ModelsDir holds checkpoints and telemetry.
func (c *Config) ModelsDir() string {
	return filepath.Join(c.SaveDir(), "models")
}

// CheckpointPath is the checkpoint file written after epoch.
func (c *Config) CheckpointPath(epoch int) string {
	return filepath.Join(c.ModelsDir(), fmt.Sprintf("%s_epoch-%d.pth", c.ModelName, epoch))
}

// ReportPath is the parameter report written when a run starts.
func (c *Config) ReportPath() string {
	return filepath.Join(c.SaveDir(), c.ExpName+".txt")
}

// Pending reports whether any epoch remains between ResumeEpoch and
// TotalEpochs.
func (c *Config) Pending() bool {
	return c.ResumeEpoch < c.TotalEpochs
}

// ReportEntries returns the reported parameters in report order, followed by
// extra.
func (c *Config) ReportEntries(extra ...[2]string) [][2]string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	entries := [][2]string{
		{"lr", f(c.LR)},
		{"wd", f(c.WeightDecay)},
		{"momentum", f(c.Momentum)},
		{"poly_power", f(c.PolyPower)},
		{"lr_policy", c.LRPolicy},
		{"epochs", strconv.Itoa(c.TotalEpochs)},
		{"resume_epoch", strconv.Itoa(c.ResumeEpoch)},
		{"snapshot", strconv.Itoa(c.Snapshot)},
		{"eval_interval", strconv.Itoa(c.EvalInterval)},
		{"dataset", c.Dataset},
		{"train_batch_size", strconv.Itoa(c.TrainBatchSize)},
		{"val_batch_size", strconv.Itoa(c.ValBatchSize)},
		{"num_classes", strconv.Itoa(c.NumClasses)},
		{"model_name", c.ModelName},
		{"seed", strconv.FormatInt(c.Seed, 10)},
		{"keep_checkpoints", strconv.Itoa(c.KeepCheckpoints)},
	}
	return append(entries, extra...)
}

// WriteReport writes one key:value line per reported parameter to
// ReportPath, creating SaveDir if needed. Callers append entries the config
// cannot describe, such as the optimizer, through extra.
func (c *Config) WriteReport(extra ...[2]string) error {
	if err := os.MkdirAll(c.SaveDir(), 0755); err != nil {
		return errors.Wrap(err, "create save dir")
	}
	f, err := os.Create(c.ReportPath())
	if err != nil {
		return errors.Wrap(err, "create parameter report")
	}

	w := bufio.NewWriter(f)
	for _, kv := range c.ReportEntries(extra...) {
		fmt.Fprintf(w, "%s:%s\n", kv[0], kv[1])
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, "write parameter report")
	}
	return errors.Wrap(f.Close(), "close parameter report")
}

// RegisterFlags binds every field to a flag on fs, using the current values
// as defaults. Call it on a config produced by Default or Load, then parse.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.TotalEpochs, "epochs", c.TotalEpochs, "number of training epochs")
	fs.IntVar(&c.ResumeEpoch, "resume-epoch", c.ResumeEpoch, "resume from the checkpoint of epoch resume-epoch-1 (0 = from init)")
	fs.Float64Var(&c.LR, "lr", c.LR, "base learning rate")
	fs.Float64Var(&c.WeightDecay, "wd", c.WeightDecay, "weight decay for weight groups")
	fs.Float64Var(&c.Momentum, "momentum", c.Momentum, "SGD momentum")
	fs.Float64Var(&c.PolyPower, "poly-power", c.PolyPower, "poly schedule power")
	fs.StringVar(&c.LRPolicy, "lr-policy", c.LRPolicy, "poly, step, exponential, cosine or constant")
	fs.IntVar(&c.Snapshot, "snapshot", c.Snapshot, "store a checkpoint every N epochs")
	fs.IntVar(&c.EvalInterval, "eval-interval", c.EvalInterval, "evaluate every N epochs")
	fs.BoolVar(&c.UseTest, "use-test", c.UseTest, "evaluate on the validation set during training")

	fs.StringVar(&c.Dataset, "dataset", c.Dataset, "grabcut or voc")
	fs.StringVar(&c.TrainRoot, "train-root", c.TrainRoot, "training dataset root")
	fs.StringVar(&c.TrainManifest, "train-manifest", c.TrainManifest, "training manifest or split file")
	fs.StringVar(&c.ValRoot, "val-root", c.ValRoot, "validation dataset root")
	fs.StringVar(&c.ValManifest, "val-manifest", c.ValManifest, "validation manifest or split file")
	fs.IntVar(&c.NumClasses, "num-classes", c.NumClasses, "number of classes")
	fs.BoolVar(&c.Normalize, "normalize", c.Normalize, "apply ImageNet normalization")
	fs.StringVar(&c.Layout, "layout", c.Layout, "CHW or HWC")
	fs.IntVar(&c.PadTo, "pad-to", c.PadTo, "pad training images to this square size (0 = off)")
	fs.IntVar(&c.LabelDownsample, "label-downsample", c.LabelDownsample, "training label subsampling factor")
	fs.BoolVar(&c.AugmentedLabels, "augmented-labels", c.AugmentedLabels, "read VOC labels from SegmentationClassAug")
	fs.IntVar(&c.TrainBatchSize, "batch-size", c.TrainBatchSize, "training batch size")
	fs.IntVar(&c.ValBatchSize, "val-batch-size", c.ValBatchSize, "validation batch size")
	fs.IntVar(&c.TrainWorkers, "workers", c.TrainWorkers, "training loader workers (0 = logical cores)")
	fs.IntVar(&c.ValWorkers, "val-workers", c.ValWorkers, "validation loader workers (0 = logical cores)")
	fs.IntVar(&c.PrefetchDepth, "prefetch", c.PrefetchDepth, "batches prepared ahead of the consumer")
	fs.IntVar(&c.ValCacheSize, "val-cache", c.ValCacheSize, "validation samples kept in memory (0 = off)")

	fs.StringVar(&c.ModelName, "model-name", c.ModelName, "model name used in checkpoint file names")
	fs.IntVar(&c.Hidden, "hidden", c.Hidden, "backbone channels")
	fs.IntVar(&c.Dilation, "dilation", c.Dilation, "backbone dilation")
	fs.Float64Var(&c.Dropout, "dropout", c.Dropout, "dropout rate")
	fs.StringVar(&c.Pretrained, "pretrained", c.Pretrained, "checkpoint holding backbone weights")
	fs.StringVar(&c.Device, "device", c.Device, "compute device")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "random seed")

	fs.StringVar(&c.SaveDirRoot, "save-dir", c.SaveDirRoot, "root directory for runs")
	fs.IntVar(&c.RunID, "run-id", c.RunID, "run number")
	fs.StringVar(&c.ExpName, "exp-name", c.ExpName, "experiment name for the parameter report")
	fs.StringVar(&c.CheckpointFormat, "checkpoint-format", c.CheckpointFormat, "json or onnx")
	fs.IntVar(&c.KeepCheckpoints, "keep-checkpoints", c.KeepCheckpoints, "newest checkpoints kept on disk (0 = keep all)")
	fs.BoolVar(&c.Progress, "progress", c.Progress, "show a per-batch progress bar")
}

// Parse registers -config and the Config flags on fs and parses args. Values
// from the -config JSON file override the defaults; flags given explicitly
// override the file. Flags fs already knows about are parsed as usual.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	var path string
	fs.StringVar(&path, "config", "", "JSON configuration file")
	cfg := Default()
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if path == "" {
		return cfg, nil
	}

	loaded, err := Load(path)
	if err != nil {
		return nil, err
	}
	overlay := flag.NewFlagSet("config", flag.ContinueOnError)
	loaded.RegisterFlags(overlay)
	var setErr error
	fs.Visit(func(f *flag.Flag) {
		if setErr != nil || overlay.Lookup(f.Name) == nil {
			return
		}
		if err := overlay.Set(f.Name, f.Value.String()); err != nil {
			setErr = errors.Wrapf(err, "flag -%s", f.Name)
		}
	})
	if setErr != nil {
		return nil, setErr
	}
	return loaded, nil
}
