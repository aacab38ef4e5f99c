// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package feeds

import (
	"image"
	"io"
	"math/rand/v2"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	// Extra image formats, on top of the ones imaging registers.
	_ "golang.org/x/image/webp"
)

// Feed is a train.Dataset over a list of labeled image files.
//
// Each Yield returns the images tensor shaped [batch_size, height, width, 3], with values rescaled
// to [0, 1], and the labels tensor with the class indices as int32, shaped [batch_size, 1].
//
// Create it with New and configure it with the chained methods, before the first Yield.
type Feed struct {
	name          string
	samples       []Sample
	width, height int
	batchSize     int
	dropRemainder bool
	augmentation  *Augmentation
	toTensor      *timage.ToTensorConfig
	loader        *loaderPool

	mu      sync.Mutex
	shuffle *rand.Rand
	rng     *rand.Rand
	order   []int
	next    int
}

var _ train.Dataset = (*Feed)(nil)

// New creates a Feed over samples. Images are resized (bilinear) to width x height.
//
// By default it yields the samples in order, without augmentation, with a smaller final batch if
// the number of samples is not a multiple of batchSize.
func New(name string, samples []Sample, batchSize, width, height int) *Feed {
	f := &Feed{
		name:      name,
		samples:   samples,
		width:     width,
		height:    height,
		batchSize: batchSize,
		toTensor:  timage.ToTensor(dtypes.Float32),
		loader:    newLoaderPool(DefaultLoaderParallelism),
		rng:       rand.New(rand.NewPCG(0, 0)),
	}
	f.Reset()
	return f
}

// Shuffle the samples at every Reset (and so at every epoch), with the given seed.
func (f *Feed) Shuffle(seed int64) *Feed {
	f.shuffle = rand.New(rand.NewPCG(uint64(seed), 0x5eed))
	f.Reset()
	return f
}

// Augment images with the given recipe. A nil value disables augmentation.
func (f *Feed) Augment(augmentation *Augmentation, seed int64) *Feed {
	f.augmentation = augmentation
	f.rng = rand.New(rand.NewPCG(uint64(seed), 0xa0a0))
	return f
}

// DropRemainder makes the feed yield only full batches: StepsPerEpoch(len(samples), batchSize) per epoch.
func (f *Feed) DropRemainder(drop bool) *Feed {
	f.dropRemainder = drop
	return f
}

// Parallelism sets the maximum number of images decoded in parallel. 0 decodes them inline.
func (f *Feed) Parallelism(n int) *Feed {
	f.loader = newLoaderPool(n)
	return f
}

// Name implements train.Dataset.
func (f *Feed) Name() string { return f.name }

// NumSamples in the feed.
func (f *Feed) NumSamples() int { return len(f.samples) }

// NumBatches yielded per epoch.
func (f *Feed) NumBatches() int {
	if f.dropRemainder {
		return StepsPerEpoch(len(f.samples), f.batchSize)
	}
	return (len(f.samples) + f.batchSize - 1) / f.batchSize
}

// Reset implements train.Dataset. It restarts the feed, with a new shuffle if configured.
func (f *Feed) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.order == nil {
		f.order = make([]int, len(f.samples))
		for ii := range f.order {
			f.order[ii] = ii
		}
	}
	if f.shuffle != nil {
		f.shuffle.Shuffle(len(f.order), func(i, j int) { f.order[i], f.order[j] = f.order[j], f.order[i] })
	}
	f.next = 0
}

// nextBatch returns the samples of the next batch, or io.EOF at the end of the epoch.
func (f *Feed) nextBatch() ([]Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	remaining := len(f.order) - f.next
	if remaining <= 0 || (f.dropRemainder && remaining < f.batchSize) {
		return nil, io.EOF
	}
	n := min(remaining, f.batchSize)
	batch := make([]Sample, n)
	for ii := range batch {
		batch[ii] = f.samples[f.order[f.next+ii]]
	}
	f.next += n
	return batch, nil
}

// YieldImages returns the next batch as Go images, already resized and augmented, and their labels.
func (f *Feed) YieldImages() (images []image.Image, labels []int, err error) {
	batch, err := f.nextBatch()
	if err != nil {
		return nil, nil, err
	}
	images, err = f.loader.loadBatch(batch, f.width, f.height)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "feed %q", f.name)
	}
	// Augmented sequentially: the random draws follow the batch order.
	labels = make([]int, len(batch))
	for ii, sample := range batch {
		if f.augmentation != nil {
			images[ii] = f.augmentation.Apply(images[ii], f.rng)
		}
		labels[ii] = sample.Label
	}
	return images, labels, nil
}

// Yield implements train.Dataset.
func (f *Feed) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	images, classes, err := f.YieldImages()
	if err != nil {
		return nil, nil, nil, err
	}
	var imagesT *tensors.Tensor
	err = exceptions.TryCatch[error](func() { imagesT = f.toTensor.Batch(images) })
	if err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "feed %q: failed to convert images to tensor", f.name)
	}
	labelsValues := make([][]int32, len(classes))
	for ii, class := range classes {
		labelsValues[ii] = []int32{int32(class)}
	}
	return nil, []*tensors.Tensor{imagesT}, []*tensors.Tensor{tensors.FromValue(labelsValues)}, nil
}

// LoadImage reads and decodes an image file, and resizes it (bilinear) to width x height.
func LoadImage(path string, width, height int) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read image %q", path)
	}
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img, nil
	}
	return imaging.Resize(img, width, height, imaging.Linear), nil
}
