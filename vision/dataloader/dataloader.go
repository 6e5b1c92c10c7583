package dataloader

import (
	"context"
	"io"
	"math/rand"
	"sync"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-deeplab/tensor"
	"github.com/tsawler/go-deeplab/vision/dataset"
)

// Config holds configuration for a Loader
type Config struct {
	BatchSize     int
	Shuffle       bool
	NumWorkers    int // <= 0 uses the logical core count
	PrefetchDepth int // batches assembled ahead of the consumer, default 2
	Seed          int64
	DropLast      bool
	Cache         *SampleCache // optional
}

// Batch is a stacked group of samples. Images is [N, ...sampleShape] and
// Labels is [N, H, W].
type Batch struct {
	Images  *tensor.Tensor
	Labels  *tensor.Tensor
	Indices []int
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Indices)
}

// Loader turns a dataset into batches assembled by a pool of workers.
type Loader struct {
	dataset dataset.Dataset
	cfg     Config
}

// DefaultNumWorkers is the logical core count, at least 1.
func DefaultNumWorkers() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return 1
}

// NewLoader validates cfg and fills defaults.
func NewLoader(ds dataset.Dataset, cfg Config) (*Loader, error) {
	if ds == nil {
		return nil, errors.New("dataset cannot be nil")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = DefaultNumWorkers()
	}
	if cfg.PrefetchDepth <= 0 {
		cfg.PrefetchDepth = 2
	}

	return &Loader{dataset: ds, cfg: cfg}, nil
}

// Dataset returns the underlying dataset.
func (l *Loader) Dataset() dataset.Dataset {
	return l.dataset
}

// Config returns the effective configuration.
func (l *Loader) Config() Config {
	return l.cfg
}

// NumBatches returns the number of batches in one epoch.
func (l *Loader) NumBatches() int {
	n := l.dataset.Len()
	if l.cfg.DropLast {
		return n / l.cfg.BatchSize
	}
	return (n + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// order returns the sample order for an epoch. Shuffling is a pure function
// of the seed and the epoch number.
func (l *Loader) order(epoch int) []int {
	indices := make([]int, l.dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	if l.cfg.Shuffle {
		rng := rand.New(rand.NewSource(l.cfg.Seed + int64(epoch)*1_000_003))
		rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}
	return indices
}

func (l *Loader) batches(epoch int) [][]int {
	order := l.order(epoch)
	n := l.NumBatches()

	out := make([][]int, 0, n)
	for b := 0; b < n; b++ {
		start := b * l.cfg.BatchSize
		end := min(start+l.cfg.BatchSize, len(order))
		out = append(out, order[start:end])
	}
	return out
}

type batchResult struct {
	batch *Batch
	err   error
}

type batchJob struct {
	indices []int
	out     chan batchResult
}

// EpochIterator delivers one epoch of batches in order. It is not safe for
// concurrent use by multiple consumers.
type EpochIterator struct {
	ctx    context.Context
	cancel context.CancelFunc
	queue  chan chan batchResult
	wg     sync.WaitGroup

	err    error
	closed bool
}

// Epoch starts the workers for one pass over the dataset. The caller must
// Close the iterator.
func (l *Loader) Epoch(ctx context.Context, epoch int) *EpochIterator {
	ctx, cancel := context.WithCancel(ctx)
	it := &EpochIterator{
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan chan batchResult, l.cfg.PrefetchDepth),
	}

	jobs := make(chan batchJob)
	batches := l.batches(epoch)
	workers := min(l.cfg.NumWorkers, max(len(batches), 1))

	klog.V(3).Infof("dataloader: epoch %d, %d batches, %d workers", epoch, len(batches), workers)

	it.wg.Add(1)
	go func() {
		defer it.wg.Done()
		defer close(jobs)
		defer close(it.queue)

		for _, indices := range batches {
			out := make(chan batchResult, 1)
			select {
			case it.queue <- out:
			case <-ctx.Done():
				return
			}
			select {
			case jobs <- batchJob{indices: indices, out: out}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for w := 0; w < workers; w++ {
		it.wg.Add(1)
		go func() {
			defer it.wg.Done()
			for job := range jobs {
				batch, err := l.assemble(ctx, job.indices)
				job.out <- batchResult{batch: batch, err: err}
			}
		}()
	}

	return it
}

// Next blocks until the next batch is ready. It returns io.EOF after the last
// batch; any sample error is returned once and then repeated.
func (it *EpochIterator) Next() (*Batch, error) {
	if it.err != nil {
		return nil, it.err
	}

	var out chan batchResult
	select {
	case ch, ok := <-it.queue:
		if !ok {
			if err := it.ctx.Err(); err != nil {
				it.err = errors.Wrap(err, "epoch interrupted")
				return nil, it.err
			}
			return nil, io.EOF
		}
		out = ch
	case <-it.ctx.Done():
		it.err = errors.Wrap(it.ctx.Err(), "epoch interrupted")
		return nil, it.err
	}

	select {
	case res := <-out:
		if res.err != nil {
			it.err = res.err
			it.cancel()
			return nil, it.err
		}
		return res.batch, nil
	case <-it.ctx.Done():
		it.err = errors.Wrap(it.ctx.Err(), "epoch interrupted")
		return nil, it.err
	}
}

// Close stops the workers and waits for them to exit.
func (it *EpochIterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	it.cancel()
	it.wg.Wait()
	for range it.queue {
	}
}

func (l *Loader) sample(index int) (*dataset.Sample, error) {
	if l.cfg.Cache != nil {
		if s, ok := l.cfg.Cache.Get(index); ok {
			return s, nil
		}
	}

	s, err := l.dataset.Get(index)
	if err != nil {
		return nil, err
	}

	if l.cfg.Cache != nil {
		l.cfg.Cache.Put(index, s)
	}
	return s, nil
}

func (l *Loader) assemble(ctx context.Context, indices []int) (*Batch, error) {
	images := make([]*tensor.Tensor, len(indices))
	labels := make([]*tensor.Tensor, len(indices))

	for i, idx := range indices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s, err := l.sample(idx)
		if err != nil {
			return nil, err
		}
		images[i] = s.Image
		labels[i] = s.Label
	}

	imgBatch, err := tensor.Stack(images)
	if err != nil {
		return nil, errors.Wrapf(err, "stack images of samples %v", indices)
	}
	lblBatch, err := tensor.Stack(labels)
	if err != nil {
		return nil, errors.Wrapf(err, "stack labels of samples %v", indices)
	}

	owned := make([]int, len(indices))
	copy(owned, indices)
	return &Batch{Images: imgBatch, Labels: lblBatch, Indices: owned}, nil
}
