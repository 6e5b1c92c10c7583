package dataset

import (
	"github.com/tsawler/go-deeplab/tensor"
)

// Sample is one preprocessed (image, label) pair. Image is Float32 in the
// dataset's layout; Label is Int32 [H, W].
type Sample struct {
	Image *tensor.Tensor
	Label *tensor.Tensor
}

// Dataset is index-addressable storage of samples. Implementations must be
// safe for concurrent Get calls.
type Dataset interface {
	Len() int
	Get(index int) (*Sample, error)
}

// SubsetDataset exposes a fixed selection of another dataset's indices.
type SubsetDataset struct {
	original Dataset
	indices  []int
}

// NewSubsetDataset selects indices from original, in the given order.
func NewSubsetDataset(original Dataset, indices []int) (*SubsetDataset, error) {
	owned := make([]int, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= original.Len() {
			return nil, indexError(idx, original.Len())
		}
		owned[i] = idx
	}
	return &SubsetDataset{original: original, indices: owned}, nil
}

// NewLimitDataset keeps the first limit samples of original.
func NewLimitDataset(original Dataset, limit int) (*SubsetDataset, error) {
	if limit < 0 || limit > original.Len() {
		limit = original.Len()
	}
	indices := make([]int, limit)
	for i := range indices {
		indices[i] = i
	}
	return NewSubsetDataset(original, indices)
}

func (s *SubsetDataset) Len() int {
	return len(s.indices)
}

func (s *SubsetDataset) Get(index int) (*Sample, error) {
	if index < 0 || index >= len(s.indices) {
		return nil, indexError(index, len(s.indices))
	}
	return s.original.Get(s.indices[index])
}
