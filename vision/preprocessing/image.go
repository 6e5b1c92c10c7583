package preprocessing

import (
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"

	"github.com/tsawler/go-deeplab/tensor"
)

// ImageNet channel statistics used by pretrained backbones.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// DecodeImageFile opens and decodes a JPEG, PNG or BMP file.
func DecodeImageFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open image %s", path)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode image %s", path)
	}
	return img, nil
}

// ToTensor converts an image to a 3-channel Float32 tensor with values in [0, 1].
// Grayscale sources are replicated across the three channels.
func ToTensor(img image.Image, layout tensor.Layout) (*tensor.Tensor, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.Errorf("image has empty bounds %v", bounds)
	}

	data := make([]float32, 3*width*height)
	plane := width * height

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			rgb := [3]float32{
				float32(r) / 65535.0,
				float32(g) / 65535.0,
				float32(b) / 65535.0,
			}

			idx := y*width + x
			for c := 0; c < 3; c++ {
				if layout == tensor.ChannelsFirst {
					data[c*plane+idx] = rgb[c]
				} else {
					data[idx*3+c] = rgb[c]
				}
			}
		}
	}

	shape := []int{3, height, width}
	if layout == tensor.ChannelsLast {
		shape = []int{height, width, 3}
	}
	return tensor.NewTensor(shape, tensor.Float32, tensor.CPU, data)
}

// Normalizer applies a per-channel affine transform (x - mean_c) / std_c.
type Normalizer struct {
	Mean   [3]float32
	Std    [3]float32
	Layout tensor.Layout
}

// NewImageNetNormalizer returns a normalizer with ImageNet statistics.
func NewImageNetNormalizer(layout tensor.Layout) Normalizer {
	return Normalizer{Mean: ImageNetMean, Std: ImageNetStd, Layout: layout}
}

// Normalize returns a new tensor; the input is left untouched.
func (n Normalizer) Normalize(img *tensor.Tensor) (*tensor.Tensor, error) {
	return n.apply(img, func(v, mean, std float32) float32 { return (v - mean) / std })
}

// Denormalize inverts Normalize.
func (n Normalizer) Denormalize(img *tensor.Tensor) (*tensor.Tensor, error) {
	return n.apply(img, func(v, mean, std float32) float32 { return v*std + mean })
}

func (n Normalizer) apply(img *tensor.Tensor, f func(v, mean, std float32) float32) (*tensor.Tensor, error) {
	channelAxis := 0
	if n.Layout == tensor.ChannelsLast {
		channelAxis = 2
	}
	if len(img.Shape) != 3 || img.Shape[channelAxis] != 3 {
		return nil, errors.Errorf("expected a 3-channel %s image, got shape %v", n.Layout, img.Shape)
	}
	for c, s := range n.Std {
		if s == 0 {
			return nil, errors.Errorf("std for channel %d is zero", c)
		}
	}

	src, err := img.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	out := make([]float32, len(src))
	if n.Layout == tensor.ChannelsFirst {
		plane := img.Shape[1] * img.Shape[2]
		for c := 0; c < 3; c++ {
			for i := c * plane; i < (c+1)*plane; i++ {
				out[i] = f(src[i], n.Mean[c], n.Std[c])
			}
		}
	} else {
		for i := range src {
			c := i % 3
			out[i] = f(src[i], n.Mean[c], n.Std[c])
		}
	}

	return tensor.NewTensor(img.Shape, tensor.Float32, img.Device, out)
}

// LabelGrid is a decoded per-pixel class map in row-major order.
type LabelGrid struct {
	Width  int
	Height int
	Pix    []uint8
}

// DecodeLabelFile reads a label image. Paletted images yield their palette
// index, everything else its 8-bit gray value.
func DecodeLabelFile(path string) (*LabelGrid, error) {
	img, err := DecodeImageFile(path)
	if err != nil {
		return nil, err
	}
	return LabelsFromImage(img), nil
}

// LabelsFromImage extracts class ids from a decoded label image.
func LabelsFromImage(img image.Image) *LabelGrid {
	bounds := img.Bounds()
	grid := &LabelGrid{
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Pix:    make([]uint8, bounds.Dx()*bounds.Dy()),
	}

	switch src := img.(type) {
	case *image.Paletted:
		for y := 0; y < grid.Height; y++ {
			for x := 0; x < grid.Width; x++ {
				grid.Pix[y*grid.Width+x] = src.ColorIndexAt(bounds.Min.X+x, bounds.Min.Y+y)
			}
		}
	case *image.Gray:
		for y := 0; y < grid.Height; y++ {
			for x := 0; x < grid.Width; x++ {
				grid.Pix[y*grid.Width+x] = src.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y
			}
		}
	default:
		for y := 0; y < grid.Height; y++ {
			for x := 0; x < grid.Width; x++ {
				g := color.GrayModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray)
				grid.Pix[y*grid.Width+x] = g.Y
			}
		}
	}

	return grid
}

// ToTensor converts the grid to an Int32 [H, W] tensor.
func (g *LabelGrid) ToTensor() (*tensor.Tensor, error) {
	data := make([]int32, len(g.Pix))
	for i, v := range g.Pix {
		data[i] = int32(v)
	}
	return tensor.NewTensor([]int{g.Height, g.Width}, tensor.Int32, tensor.CPU, data)
}

// PadImage zero-pads a 3-channel image at the bottom and right so both
// spatial dimensions are at least size.
func PadImage(img *tensor.Tensor, layout tensor.Layout, size int) (*tensor.Tensor, error) {
	if len(img.Shape) != 3 {
		return nil, errors.Errorf("expected a 3D image, got shape %v", img.Shape)
	}

	h, w := img.Shape[1], img.Shape[2]
	if layout == tensor.ChannelsLast {
		h, w = img.Shape[0], img.Shape[1]
	}
	if h >= size && w >= size {
		return img, nil
	}

	src, err := img.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	nh, nw := max(h, size), max(w, size)
	out := make([]float32, 3*nh*nw)
	if layout == tensor.ChannelsFirst {
		for c := 0; c < 3; c++ {
			for y := 0; y < h; y++ {
				copy(out[c*nh*nw+y*nw:c*nh*nw+y*nw+w], src[c*h*w+y*w:c*h*w+(y+1)*w])
			}
		}
		return tensor.NewTensor([]int{3, nh, nw}, tensor.Float32, img.Device, out)
	}

	for y := 0; y < h; y++ {
		copy(out[y*nw*3:y*nw*3+w*3], src[y*w*3:(y+1)*w*3])
	}
	return tensor.NewTensor([]int{nh, nw, 3}, tensor.Float32, img.Device, out)
}
