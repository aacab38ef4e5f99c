// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package feeds yields batches of labeled images read from a directory with one sub-directory per class,
// implementing train.Dataset.
//
// Class indices follow the sorted order of the sub-directory names. A dataset is split into
// training and validation subsets per class: the first fraction of each class' (sorted) files are
// validation, the rest training.
package feeds

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Sample is one image file and its class index.
type Sample struct {
	Path  string
	Label int
}

// Split is the result of scanning a dataset directory.
type Split struct {
	// Classes are the sorted class (sub-directory) names: the label of a sample indexes this slice.
	Classes    []string
	Training   []Sample
	Validation []Sample
}

// imageExtensions that are recognized when scanning a directory.
var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true,
	".tif": true, ".tiff": true, ".webp": true,
}

// Classes returns the sorted names of the sub-directories of dir, skipping hidden ones.
func Classes(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list dataset directory %q", dir)
	}
	var classes []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			classes = append(classes, entry.Name())
		}
	}
	sort.Strings(classes)
	if len(classes) == 0 {
		return nil, errors.Errorf("dataset directory %q has no class sub-directories", dir)
	}
	return classes, nil
}

// Scan lists the images of each class sub-directory of dir and splits them: for each class with n
// images, the first int(validationSplit*n) sorted files go to Validation and the rest to Training.
//
// Images in nested directories within a class directory are included.
func Scan(dir string, validationSplit float64) (*Split, error) {
	if validationSplit < 0 || validationSplit >= 1 {
		return nil, errors.Errorf("validation split must be in [0, 1), got %g", validationSplit)
	}
	classes, err := Classes(dir)
	if err != nil {
		return nil, err
	}
	split := &Split{Classes: classes}
	for label, class := range classes {
		files, err := listImages(filepath.Join(dir, class))
		if err != nil {
			return nil, err
		}
		numValidation := int(validationSplit * float64(len(files)))
		for ii, file := range files {
			sample := Sample{Path: file, Label: label}
			if ii < numValidation {
				split.Validation = append(split.Validation, sample)
			} else {
				split.Training = append(split.Training, sample)
			}
		}
	}
	if len(split.Training)+len(split.Validation) == 0 {
		return nil, errors.Errorf("no images found under %q", dir)
	}
	return split, nil
}

func listImages(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if imageExtensions[strings.ToLower(filepath.Ext(path))] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list images in %q", dir)
	}
	sort.Strings(files)
	return files, nil
}

// StepsPerEpoch is the number of full batches in an epoch: samples / batchSize, the remainder is dropped.
func StepsPerEpoch(samples, batchSize int) int {
	if batchSize <= 0 || samples <= 0 {
		return 0
	}
	return samples / batchSize
}
