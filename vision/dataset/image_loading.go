package dataset

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-deeplab/tensor"
	"github.com/tsawler/go-deeplab/vision/preprocessing"
)

func loadImage(path string, layout tensor.Layout, normalizer *preprocessing.Normalizer) (*tensor.Tensor, error) {
	decoded, err := preprocessing.DecodeImageFile(path)
	if err != nil {
		return nil, err
	}

	img, err := preprocessing.ToTensor(decoded, layout)
	if err != nil {
		return nil, err
	}

	if normalizer != nil {
		return normalizer.Normalize(img)
	}
	return img, nil
}

func spatialDims(img *tensor.Tensor, layout tensor.Layout) (h, w int) {
	if layout == tensor.ChannelsLast {
		return img.Shape[0], img.Shape[1]
	}
	return img.Shape[1], img.Shape[2]
}

func checkSpatial(img *tensor.Tensor, layout tensor.Layout, grid *preprocessing.LabelGrid) error {
	h, w := spatialDims(img, layout)
	if h != grid.Height || w != grid.Width {
		return errors.Errorf("label is %dx%d but image is %dx%d", grid.Width, grid.Height, w, h)
	}
	return nil
}
