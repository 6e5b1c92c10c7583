package training

import (
	"testing"

	"github.com/tsawler/go-deeplab/tensor"
	"github.com/tsawler/go-deeplab/vision/dataloader"
	"github.com/tsawler/go-deeplab/vision/dataset"
)

// sliceDataset serves pre-built samples.
type sliceDataset []*dataset.Sample

func (d sliceDataset) Len() int { return len(d) }

func (d sliceDataset) Get(index int) (*dataset.Sample, error) {
	if index < 0 || index >= len(d) {
		return nil, dataset.ErrIndexOutOfRange
	}
	return d[index], nil
}

// passThrough returns its input as the class scores.
type passThrough struct{}

func (passThrough) Forward(images *tensor.Tensor) (*tensor.Tensor, error) {
	return images, nil
}

func newSample(t *testing.T, image []float32, imageShape []int, labels []int32, labelShape []int) *dataset.Sample {
	t.Helper()
	return &dataset.Sample{
		Image: mustTensor(t, imageShape, image),
		Label: mustTensor(t, labelShape, labels),
	}
}

func newTestLoader(t *testing.T, ds dataset.Dataset, batchSize int) *dataloader.Loader {
	t.Helper()
	loader, err := dataloader.NewLoader(ds, dataloader.Config{BatchSize: batchSize, NumWorkers: 2})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	return loader
}
