// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stages implements the four stages of the fine-tuning pipeline: data ingestion, base model
// preparation, training and evaluation.
//
// Each stage reads its configuration record, consumes the artifacts of the previous stage from
// disk and writes its own.
package stages

import (
	"github.com/gomlx/finetune/internal/config"
	"github.com/gomlx/finetune/internal/pipeline"
	"github.com/gomlx/gomlx/backends"
)

// Stage names, in pipeline order.
const (
	NameIngestion  = "data_ingestion"
	NameBaseModel  = "prepare_base_model"
	NameTraining   = "training"
	NameEvaluation = "evaluation"
)

// Names of the stages in pipeline order.
var Names = []string{NameIngestion, NameBaseModel, NameTraining, NameEvaluation}

// BackendFn returns the GoMLX backend used by the stages that run the network.
// It's only called by those stages, so a data-only run never creates one.
type BackendFn func() (backends.Backend, error)

// All returns the pipeline stages, in order, with their configuration records resolved from cfg.
func All(cfg *config.Config, backend BackendFn) ([]pipeline.Stage, error) {
	ingestionCfg, err := cfg.DataIngestion()
	if err != nil {
		return nil, err
	}
	baseCfg, err := cfg.BaseModel()
	if err != nil {
		return nil, err
	}
	trainingCfg, err := cfg.Training()
	if err != nil {
		return nil, err
	}
	evaluationCfg, err := cfg.Evaluation()
	if err != nil {
		return nil, err
	}
	return []pipeline.Stage{
		&Ingestion{Config: ingestionCfg},
		&BaseModel{Config: baseCfg, Backend: backend},
		&Training{Config: trainingCfg, Backend: backend},
		NewEvaluation(evaluationCfg, backend),
	}, nil
}
