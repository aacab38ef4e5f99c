// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages

import (
	"context"
	"path/filepath"

	"github.com/gomlx/finetune/internal/config"
	"github.com/gomlx/finetune/pkg/feeds"
	"github.com/gomlx/finetune/pkg/network"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Training fine-tunes the adapted network on the dataset and saves the trained network.
type Training struct {
	Config  config.TrainingConfig
	Backend BackendFn
}

// Name implements pipeline.Stage.
func (s *Training) Name() string { return NameTraining }

// Run implements pipeline.Stage.
func (s *Training) Run(ctx context.Context) error {
	cfg := s.Config
	backend, err := s.Backend()
	if err != nil {
		return err
	}
	n, err := network.Load(backend, cfg.UpdatedBaseModelPath)
	if err != nil {
		return err
	}
	split, err := scanDataset(cfg.TrainingData, cfg.ValidationSplit, n.Classes())
	if err != nil {
		return err
	}
	height, width := n.ImageSize()
	trainFeed := feeds.New("train", split.Training, cfg.BatchSize, width, height).
		Shuffle(cfg.Seed).
		DropRemainder(true)
	if cfg.Augmentation {
		augmentation := feeds.DefaultAugmentation
		trainFeed.Augment(&augmentation, cfg.Seed)
	}
	if trainFeed.NumBatches() == 0 {
		return errors.Errorf("not enough training images (%d) for one batch of %d", trainFeed.NumSamples(), cfg.BatchSize)
	}
	var validationFeed *feeds.Feed
	if steps := feeds.StepsPerEpoch(len(split.Validation), cfg.BatchSize); steps > 0 {
		validationFeed = feeds.New("validation", split.Validation, cfg.BatchSize, width, height).DropRemainder(true)
	} else {
		klog.Warningf("not enough validation images (%d) for one batch of %d, skipping validation", len(split.Validation), cfg.BatchSize)
	}
	klog.Infof("training on %d images (%d steps per epoch), validating on %d images, classes %v",
		trainFeed.NumSamples(), trainFeed.NumBatches(), len(split.Validation), split.Classes)

	if err = ctx.Err(); err != nil {
		return err
	}
	n.SetClassNames(split.Classes)
	if validationFeed == nil {
		_, err = n.Fit(trainFeed, nil, cfg.Epochs)
	} else {
		_, err = n.Fit(trainFeed, validationFeed, cfg.Epochs)
	}
	if err != nil {
		return err
	}
	return n.Save(cfg.TrainedModelPath)
}

// scanDataset splits the images of the class sub-directories of dir. If dir holds a single
// sub-directory (the archive's root folder), it's scanned instead.
//
// It fails if the number of classes found doesn't match the network's.
func scanDataset(dir string, validationSplit float64, classes int) (*feeds.Split, error) {
	for {
		names, err := feeds.Classes(dir)
		if err != nil {
			return nil, err
		}
		if len(names) != 1 {
			break
		}
		dir = filepath.Join(dir, names[0])
	}
	split, err := feeds.Scan(dir, validationSplit)
	if err != nil {
		return nil, err
	}
	if len(split.Classes) != classes {
		return nil, errors.Errorf("dataset %q has %d classes %v, but the network was adapted for %d classes",
			dir, len(split.Classes), split.Classes, classes)
	}
	return split, nil
}
