// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"path/filepath"
)

// DataIngestionConfig is what the data acquisition stage needs.
type DataIngestionConfig struct {
	RootDir       string
	SourceURL     string
	LocalDataFile string
	UnzipDir      string
}

// BaseModelConfig is what the base model stage needs.
type BaseModelConfig struct {
	RootDir              string
	BaseModelPath        string
	UpdatedBaseModelPath string

	Architecture string
	ImageSize    []int
	LearningRate float64
	IncludeTop   bool
	Weights      string
	Classes      int
	FreezeAll    bool
	FreezeTill   int
	Seed         int64
}

// TrainingConfig is what the training stage needs.
type TrainingConfig struct {
	RootDir              string
	TrainedModelPath     string
	UpdatedBaseModelPath string
	TrainingData         string

	Epochs          int
	BatchSize       int
	Augmentation    bool
	ImageSize       []int
	ValidationSplit float64
	Seed            int64
}

// EvaluationConfig is what the evaluation stage needs.
type EvaluationConfig struct {
	PathOfModel         string
	TrainingData        string
	ScoresFile          string
	MLflowURI           string
	RegisteredModelName string

	ImageSize       []int
	BatchSize       int
	ValidationSplit float64

	// AllParams holds every hyperparameter, logged with the tracking run.
	AllParams map[string]string
}

// DataIngestion returns the data acquisition record, after creating its root directory.
func (c *Config) DataIngestion() (DataIngestionConfig, error) {
	s := c.settings.DataIngestion
	if err := createDirectories(s.RootDir); err != nil {
		return DataIngestionConfig{}, err
	}
	return DataIngestionConfig{
		RootDir:       s.RootDir,
		SourceURL:     s.SourceURL,
		LocalDataFile: s.LocalDataFile,
		UnzipDir:      s.UnzipDir,
	}, nil
}

// BaseModel returns the base model record, after creating its root directory.
func (c *Config) BaseModel() (BaseModelConfig, error) {
	s := c.settings.PrepareBaseModel
	if err := createDirectories(s.RootDir); err != nil {
		return BaseModelConfig{}, err
	}
	p := c.Params()
	return BaseModelConfig{
		RootDir:              s.RootDir,
		BaseModelPath:        s.BaseModelPath,
		UpdatedBaseModelPath: s.UpdatedBaseModelPath,
		Architecture:         p.Architecture,
		ImageSize:            p.ImageSize,
		LearningRate:         p.LearningRate,
		IncludeTop:           p.IncludeTop,
		Weights:              p.Weights,
		Classes:              p.Classes,
		FreezeAll:            p.FreezeAll,
		FreezeTill:           p.FreezeTill,
		Seed:                 p.Seed,
	}, nil
}

// Training returns the training record, after creating its root directory and the
// directory holding the trained model.
func (c *Config) Training() (TrainingConfig, error) {
	s := c.settings.Training
	if err := createDirectories(s.RootDir, filepath.Dir(s.TrainedModelPath)); err != nil {
		return TrainingConfig{}, err
	}
	p := c.Params()
	return TrainingConfig{
		RootDir:              s.RootDir,
		TrainedModelPath:     s.TrainedModelPath,
		UpdatedBaseModelPath: c.settings.PrepareBaseModel.UpdatedBaseModelPath,
		TrainingData:         s.TrainingData,
		Epochs:               p.Epochs,
		BatchSize:            p.BatchSize,
		Augmentation:         p.Augmentation,
		ImageSize:            p.ImageSize,
		ValidationSplit:      p.ValidationSplit,
		Seed:                 p.Seed,
	}, nil
}

// Evaluation returns the evaluation record, after creating the directory of the scores file.
func (c *Config) Evaluation() (EvaluationConfig, error) {
	s := c.settings.Evaluation
	if err := createDirectories(filepath.Dir(s.ScoresFile)); err != nil {
		return EvaluationConfig{}, err
	}
	p := c.Params()
	return EvaluationConfig{
		PathOfModel:         s.PathOfModel,
		TrainingData:        s.TrainingData,
		ScoresFile:          s.ScoresFile,
		MLflowURI:           s.MLflowURI,
		RegisteredModelName: s.RegisteredModelName,
		ImageSize:           p.ImageSize,
		BatchSize:           p.BatchSize,
		ValidationSplit:     p.EvalValidationSplit,
		AllParams:           p.Flatten(),
	}, nil
}
