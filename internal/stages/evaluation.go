// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages

import (
	"context"
	"encoding/json"
	"os"

	"github.com/gomlx/finetune/internal/config"
	"github.com/gomlx/finetune/pkg/feeds"
	"github.com/gomlx/finetune/pkg/network"
	"github.com/gomlx/finetune/pkg/tracking"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Evaluation scores the trained network on a validation split, writes the scores file and logs
// the run to the tracking service.
type Evaluation struct {
	Config  config.EvaluationConfig
	Backend BackendFn

	// NewTracker creates the tracker for the configured URI. Defaults to tracking.New.
	NewTracker func(uri string) (tracking.Tracker, error)

	// Experiment where runs are logged.
	Experiment string

	// Scores of the last Run.
	Scores network.Scores
}

// NewEvaluation returns the evaluation stage.
func NewEvaluation(cfg config.EvaluationConfig, backend BackendFn) *Evaluation {
	return &Evaluation{Config: cfg, Backend: backend, NewTracker: tracking.New, Experiment: tracking.DefaultExperiment}
}

// Name implements pipeline.Stage.
func (s *Evaluation) Name() string { return NameEvaluation }

// Run implements pipeline.Stage.
func (s *Evaluation) Run(ctx context.Context) error {
	cfg := s.Config
	backend, err := s.Backend()
	if err != nil {
		return err
	}
	n, err := network.Load(backend, cfg.PathOfModel)
	if err != nil {
		return err
	}
	split, err := scanDataset(cfg.TrainingData, cfg.ValidationSplit, n.Classes())
	if err != nil {
		return err
	}
	if len(split.Validation) == 0 {
		return errors.Errorf("no validation images in %q with validation split %g", cfg.TrainingData, cfg.ValidationSplit)
	}
	height, width := n.ImageSize()
	validationFeed := feeds.New("evaluation", split.Validation, cfg.BatchSize, width, height)
	trainer, err := n.NewTrainer()
	if err != nil {
		return err
	}
	s.Scores, err = network.Evaluate(trainer, validationFeed)
	if err != nil {
		return err
	}
	klog.Infof("evaluation on %d images: loss=%.4f accuracy=%.2f%%", len(split.Validation), s.Scores.Loss, 100*s.Scores.Accuracy)
	if err = WriteScores(cfg.ScoresFile, s.Scores); err != nil {
		return err
	}
	return s.logToTracker(ctx)
}

// logToTracker records the hyperparameters, the scores and the trained model in a tracking run.
func (s *Evaluation) logToTracker(ctx context.Context) error {
	cfg := s.Config
	if cfg.MLflowURI == "" {
		klog.Infof("no tracking URI configured, skipping run logging")
		return nil
	}
	tracker, err := s.NewTracker(cfg.MLflowURI)
	if err != nil {
		return err
	}
	_, err = tracking.LogRun(ctx, tracker, tracking.Record{
		Experiment: s.Experiment,
		Params:     cfg.AllParams,
		Metrics: map[string]float64{
			"loss":     s.Scores.Loss,
			"accuracy": s.Scores.Accuracy,
		},
		ModelDir:            cfg.PathOfModel,
		RegisteredModelName: tracking.RegisteredModelName(cfg.MLflowURI, cfg.RegisteredModelName),
	})
	return err
}

// WriteScores writes scores as indented JSON to path, replacing any previous file.
func WriteScores(path string, scores network.Scores) error {
	content, err := json.MarshalIndent(scores, "", "    ")
	if err != nil {
		return errors.Wrap(err, "failed to encode scores")
	}
	if err = os.WriteFile(path, content, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write scores to %q", path)
	}
	klog.Infof("scores saved to %q", path)
	return nil
}

// ReadScores reads a scores file written by WriteScores.
func ReadScores(path string) (network.Scores, error) {
	var scores network.Scores
	content, err := os.ReadFile(path)
	if err != nil {
		return scores, errors.Wrapf(err, "failed to read scores from %q", path)
	}
	if err = json.Unmarshal(content, &scores); err != nil {
		return scores, errors.Wrapf(err, "invalid scores file %q", path)
	}
	return scores, nil
}

