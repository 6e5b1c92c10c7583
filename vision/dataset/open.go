package dataset

import (
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tsawler/go-deeplab/tensor"
)

// Dataset kinds understood by Open.
const (
	KindGrabCut = "grabcut"
	KindVOC     = "voc"
)

// OpenConfig selects one of the adapters by kind. Manifest is the GrabCut
// listing or the VOC split file; a relative path is taken from Root.
type OpenConfig struct {
	Kind            string
	Root            string
	Manifest        string
	Normalize       bool
	Layout          tensor.Layout
	PadTo           int
	LabelDownsample int
	AugmentedLabels bool

	// Limit keeps only the first Limit samples. 0 keeps everything.
	Limit int
}

// Open builds the dataset described by cfg.
func Open(cfg OpenConfig) (Dataset, error) {
	manifest := cfg.Manifest
	if manifest != "" && !filepath.IsAbs(manifest) {
		manifest = filepath.Join(cfg.Root, manifest)
	}

	var ds Dataset
	switch cfg.Kind {
	case KindGrabCut:
		if cfg.PadTo > 0 || cfg.LabelDownsample > 1 {
			return nil, errors.New("grabcut does not support padding or label downsampling")
		}
		g, err := NewGrabCutDataset(GrabCutConfig{
			Root:      cfg.Root,
			Manifest:  manifest,
			Normalize: cfg.Normalize,
			Layout:    cfg.Layout,
		})
		if err != nil {
			return nil, err
		}
		ds = g
	case KindVOC:
		if manifest == "" {
			return nil, errors.New("voc needs a split file")
		}
		v, err := NewPascalVOCDataset(PascalVOCConfig{
			Root:            cfg.Root,
			SplitFile:       manifest,
			Normalize:       cfg.Normalize,
			Layout:          cfg.Layout,
			AugmentedLabels: cfg.AugmentedLabels,
			PadTo:           cfg.PadTo,
			LabelDownsample: cfg.LabelDownsample,
		})
		if err != nil {
			return nil, err
		}
		ds = v
	default:
		return nil, errors.Errorf("unknown dataset kind %q", cfg.Kind)
	}

	if cfg.Limit > 0 && cfg.Limit < ds.Len() {
		return NewLimitDataset(ds, cfg.Limit)
	}
	return ds, nil
}
