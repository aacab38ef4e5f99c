// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Default values of the optional keys.
const (
	DefaultArchitecture          = "vgg16"
	DefaultValidationSplit       = 0.20
	DefaultEvalValidationSplit   = 0.30
	DefaultSeed                  = 42
	DefaultScoresFile            = "scores.json"
	DefaultRegisteredModelName   = "VGG16Model"
	WeightsNone                  = "none"
	weightsImagenetCatalogMarker = "imagenet"
)

// Params is the hyperparameters document, with defaults applied.
type Params struct {
	Augmentation bool
	// ImageSize is height, width and channels.
	ImageSize    []int
	BatchSize    int
	IncludeTop   bool
	Epochs       int
	Classes      int
	Weights      string
	LearningRate float64

	FreezeAll           bool
	FreezeTill          int
	ValidationSplit     float64
	EvalValidationSplit float64
	Architecture        string
	Seed                int64
}

// rawParams mirrors the document. Pointers tell a missing key apart from a zero value.
type rawParams struct {
	Augmentation *bool    `yaml:"AUGMENTATION"`
	ImageSize    []int    `yaml:"IMAGE_SIZE"`
	BatchSize    *int     `yaml:"BATCH_SIZE"`
	IncludeTop   *bool    `yaml:"INCLUDE_TOP"`
	Epochs       *int     `yaml:"EPOCHS"`
	Classes      *int     `yaml:"CLASSES"`
	Weights      *string  `yaml:"WEIGHTS"`
	LearningRate *float64 `yaml:"LEARNING_RATE"`

	FreezeAll           *bool    `yaml:"FREEZE_ALL"`
	FreezeTill          *int     `yaml:"FREEZE_TILL"`
	ValidationSplit     *float64 `yaml:"VALIDATION_SPLIT"`
	EvalValidationSplit *float64 `yaml:"EVAL_VALIDATION_SPLIT"`
	Architecture        *string  `yaml:"ARCHITECTURE"`
	Seed                *int64   `yaml:"SEED"`
}

// resolve validates the raw document and applies defaults.
func (r *rawParams) resolve(path string) (Params, error) {
	var v validator
	p := Params{
		FreezeAll:           true,
		ValidationSplit:     DefaultValidationSplit,
		EvalValidationSplit: DefaultEvalValidationSplit,
		Architecture:        DefaultArchitecture,
		Seed:                DefaultSeed,
	}

	if r.Augmentation == nil {
		v.missing("AUGMENTATION")
	} else {
		p.Augmentation = *r.Augmentation
	}
	if r.IncludeTop == nil {
		v.missing("INCLUDE_TOP")
	} else {
		p.IncludeTop = *r.IncludeTop
	}

	switch {
	case r.ImageSize == nil:
		v.missing("IMAGE_SIZE")
	case len(r.ImageSize) != 3:
		v.invalidf("IMAGE_SIZE", "want [height, width, channels], got %v", r.ImageSize)
	default:
		for _, dim := range r.ImageSize {
			if dim <= 0 {
				v.invalidf("IMAGE_SIZE", "dimensions must be positive, got %v", r.ImageSize)
				break
			}
		}
		if r.ImageSize[2] != 3 {
			v.invalidf("IMAGE_SIZE", "only RGB images (3 channels) are supported, got %d channels", r.ImageSize[2])
		}
		p.ImageSize = append([]int(nil), r.ImageSize...)
	}

	requirePositive := func(key string, value *int, min int, out *int) {
		if value == nil {
			v.missing(key)
			return
		}
		if *value < min {
			v.invalidf(key, "must be >= %d, got %d", min, *value)
			return
		}
		*out = *value
	}
	requirePositive("BATCH_SIZE", r.BatchSize, 1, &p.BatchSize)
	requirePositive("EPOCHS", r.Epochs, 1, &p.Epochs)
	requirePositive("CLASSES", r.Classes, 2, &p.Classes)

	if r.LearningRate == nil {
		v.missing("LEARNING_RATE")
	} else if *r.LearningRate <= 0 {
		v.invalidf("LEARNING_RATE", "must be > 0, got %g", *r.LearningRate)
	} else {
		p.LearningRate = *r.LearningRate
	}

	if r.Weights == nil || strings.TrimSpace(*r.Weights) == "" {
		v.missing("WEIGHTS")
	} else {
		p.Weights = strings.TrimSpace(*r.Weights)
		if strings.EqualFold(p.Weights, weightsImagenetCatalogMarker) {
			v.invalidf("WEIGHTS", "there is no built-in %q weights catalog: use %q or the path/URL of a zipped checkpoint with the base network weights",
				weightsImagenetCatalogMarker, WeightsNone)
		}
	}

	if r.FreezeAll != nil {
		p.FreezeAll = *r.FreezeAll
	}
	if r.FreezeTill != nil {
		if *r.FreezeTill < 0 {
			v.invalidf("FREEZE_TILL", "must be >= 0, got %d", *r.FreezeTill)
		}
		p.FreezeTill = *r.FreezeTill
	}
	checkSplit := func(key string, value *float64, out *float64) {
		if value == nil {
			return
		}
		if *value <= 0 || *value >= 1 {
			v.invalidf(key, "must be in the open interval (0, 1), got %g", *value)
			return
		}
		*out = *value
	}
	checkSplit("VALIDATION_SPLIT", r.ValidationSplit, &p.ValidationSplit)
	checkSplit("EVAL_VALIDATION_SPLIT", r.EvalValidationSplit, &p.EvalValidationSplit)
	if r.Architecture != nil {
		p.Architecture = strings.ToLower(strings.TrimSpace(*r.Architecture))
	}
	if r.Seed != nil {
		p.Seed = *r.Seed
	}

	if err := v.err(path); err != nil {
		return Params{}, err
	}
	return p, nil
}

// Flatten returns every hyperparameter keyed by its document name, formatted as text.
// It's what gets logged with a tracking run.
func (p Params) Flatten() map[string]string {
	dims := make([]string, len(p.ImageSize))
	for ii, dim := range p.ImageSize {
		dims[ii] = strconv.Itoa(dim)
	}
	return map[string]string{
		"AUGMENTATION":          strconv.FormatBool(p.Augmentation),
		"IMAGE_SIZE":            "[" + strings.Join(dims, ", ") + "]",
		"BATCH_SIZE":            strconv.Itoa(p.BatchSize),
		"INCLUDE_TOP":           strconv.FormatBool(p.IncludeTop),
		"EPOCHS":                strconv.Itoa(p.Epochs),
		"CLASSES":               strconv.Itoa(p.Classes),
		"WEIGHTS":               p.Weights,
		"LEARNING_RATE":         strconv.FormatFloat(p.LearningRate, 'g', -1, 64),
		"FREEZE_ALL":            strconv.FormatBool(p.FreezeAll),
		"FREEZE_TILL":           strconv.Itoa(p.FreezeTill),
		"VALIDATION_SPLIT":      strconv.FormatFloat(p.ValidationSplit, 'g', -1, 64),
		"EVAL_VALIDATION_SPLIT": strconv.FormatFloat(p.EvalValidationSplit, 'g', -1, 64),
		"ARCHITECTURE":          p.Architecture,
		"SEED":                  strconv.FormatInt(p.Seed, 10),
	}
}

// String lists the hyperparameters sorted by name, one "key=value" per entry.
func (p Params) String() string {
	flat := p.Flatten()
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for ii, k := range keys {
		parts[ii] = fmt.Sprintf("%s=%s", k, flat[k])
	}
	return strings.Join(parts, " ")
}
