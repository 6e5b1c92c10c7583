package dataset

import (
	"path/filepath"

	"github.com/tsawler/go-deeplab/tensor"
	"github.com/tsawler/go-deeplab/vision/preprocessing"
)

// DefaultGrabCutManifest is the listing file name inside a GrabCut root.
const DefaultGrabCutManifest = "dataset.txt"

// GrabCutConfig configures a GrabCut dataset.
type GrabCutConfig struct {
	Root      string
	Manifest  string // defaults to <Root>/dataset.txt
	Normalize bool
	Layout    tensor.Layout
}

// GrabCutDataset serves binary foreground masks. Raw mask value 255 becomes
// class 1 and the 128 boundary band becomes the ignore label.
type GrabCutDataset struct {
	manifest   *Manifest
	normalizer *preprocessing.Normalizer
	layout     tensor.Layout
}

// NewGrabCutDataset parses the manifest once; samples are decoded on Get.
func NewGrabCutDataset(cfg GrabCutConfig) (*GrabCutDataset, error) {
	manifestPath := cfg.Manifest
	if manifestPath == "" {
		manifestPath = filepath.Join(cfg.Root, DefaultGrabCutManifest)
	}

	m, err := LoadManifest(cfg.Root, manifestPath)
	if err != nil {
		return nil, err
	}

	d := &GrabCutDataset{manifest: m, layout: cfg.Layout}
	if cfg.Normalize {
		n := preprocessing.NewImageNetNormalizer(cfg.Layout)
		d.normalizer = &n
	}
	return d, nil
}

func (d *GrabCutDataset) Len() int {
	return d.manifest.Len()
}

// Manifest exposes the parsed listing.
func (d *GrabCutDataset) Manifest() *Manifest {
	return d.manifest
}

func (d *GrabCutDataset) Get(index int) (*Sample, error) {
	if index < 0 || index >= d.manifest.Len() {
		return nil, indexError(index, d.manifest.Len())
	}

	imagePath, labelPath := d.manifest.Resolve(index)
	img, err := loadImage(imagePath, d.layout, d.normalizer)
	if err != nil {
		return nil, newDataError(index, imagePath, err)
	}

	grid, err := preprocessing.DecodeLabelFile(labelPath)
	if err != nil {
		return nil, newDataError(index, labelPath, err)
	}
	if err := checkSpatial(img, d.layout, grid); err != nil {
		return nil, newDataError(index, labelPath, err)
	}

	label, err := preprocessing.RemapGrabCut(grid).ToTensor()
	if err != nil {
		return nil, newDataError(index, labelPath, err)
	}

	return &Sample{Image: img, Label: label}, nil
}
