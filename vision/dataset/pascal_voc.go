package dataset

import (
	"bufio"
	"os"
	"path"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-deeplab/tensor"
	"github.com/tsawler/go-deeplab/vision/preprocessing"
)

// VOCNumClasses is background plus the 20 Pascal VOC object classes.
const VOCNumClasses = 21

// PascalVOCConfig configures a Pascal VOC segmentation dataset.
type PascalVOCConfig struct {
	Root      string // VOCdevkit/VOC2012
	SplitFile string // one image id per line, or "<image> <label>" pairs
	Normalize bool
	Layout    tensor.Layout

	// AugmentedLabels reads masks from SegmentationClassAug instead of SegmentationClass.
	AugmentedLabels bool

	// PadTo zero-pads images (ignore-pads labels) to a square of this size. 0 disables.
	PadTo int

	// LabelDownsample subsamples labels by this integer factor. 0 or 1 disables.
	LabelDownsample int
}

// PascalVOCDataset reads JPEG images and paletted PNG class masks.
type PascalVOCDataset struct {
	manifest   *Manifest
	normalizer *preprocessing.Normalizer
	cfg        PascalVOCConfig
}

// NewPascalVOCDataset parses the split file into a manifest.
func NewPascalVOCDataset(cfg PascalVOCConfig) (*PascalVOCDataset, error) {
	m, err := loadVOCSplit(cfg)
	if err != nil {
		return nil, err
	}

	d := &PascalVOCDataset{manifest: m, cfg: cfg}
	if cfg.Normalize {
		n := preprocessing.NewImageNetNormalizer(cfg.Layout)
		d.normalizer = &n
	}
	return d, nil
}

// VOCImageFile returns JPEGImages/<id>.jpg relative to the VOC root.
func VOCImageFile(id string) string {
	return path.Join("JPEGImages", id+".jpg")
}

// VOCLabelFile returns the class mask path relative to the VOC root.
func VOCLabelFile(id string, augmented bool) string {
	dir := "SegmentationClass"
	if augmented {
		dir = "SegmentationClassAug"
	}
	return path.Join(dir, id+".png")
}

func loadVOCSplit(cfg PascalVOCConfig) (*Manifest, error) {
	f, err := os.Open(cfg.SplitFile)
	if err != nil {
		return nil, errors.Wrapf(err, "open split file %s", cfg.SplitFile)
	}
	defer f.Close()

	m := &Manifest{Root: cfg.Root}
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		switch len(fields) {
		case 0:
			continue
		case 1:
			m.Entries = append(m.Entries, Entry{
				Image: VOCImageFile(fields[0]),
				Label: VOCLabelFile(fields[0], cfg.AugmentedLabels),
			})
		case 2:
			m.Entries = append(m.Entries, Entry{Image: fields[0], Label: fields[1]})
		default:
			return nil, errors.Errorf("split file line %d: expected an id or an image/label pair", lineNo)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read split file")
	}

	return m, nil
}

func (d *PascalVOCDataset) Len() int {
	return d.manifest.Len()
}

// Manifest exposes the parsed listing.
func (d *PascalVOCDataset) Manifest() *Manifest {
	return d.manifest
}

func (d *PascalVOCDataset) Get(index int) (*Sample, error) {
	if index < 0 || index >= d.manifest.Len() {
		return nil, indexError(index, d.manifest.Len())
	}

	imagePath, labelPath := d.manifest.Resolve(index)
	img, err := loadImage(imagePath, d.cfg.Layout, d.normalizer)
	if err != nil {
		return nil, newDataError(index, imagePath, err)
	}

	grid, err := preprocessing.DecodeLabelFile(labelPath)
	if err != nil {
		return nil, newDataError(index, labelPath, err)
	}
	if err := checkSpatial(img, d.cfg.Layout, grid); err != nil {
		return nil, newDataError(index, labelPath, err)
	}

	if d.cfg.PadTo > 0 {
		img, err = preprocessing.PadImage(img, d.cfg.Layout, d.cfg.PadTo)
		if err != nil {
			return nil, newDataError(index, imagePath, err)
		}
		grid = grid.PadTo(d.cfg.PadTo, preprocessing.IgnoreLabel)
	}
	grid = grid.Downsample(d.cfg.LabelDownsample)

	label, err := grid.ToTensor()
	if err != nil {
		return nil, newDataError(index, labelPath, err)
	}

	return &Sample{Image: img, Label: label}, nil
}
