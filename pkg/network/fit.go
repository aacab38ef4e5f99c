// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package network

import (
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Scores of an evaluation.
type Scores struct {
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
}

// EpochResult is the validation score at the end of one training epoch.
type EpochResult struct {
	Epoch      int
	Steps      int
	Validation Scores
	Duration   time.Duration
}

// ShowProgressBar attaches a command-line progress bar to the training loop.
var ShowProgressBar = true

// Fit trains the network for the given number of epochs over trainDS, and evaluates it on
// validationDS (if not nil) at the end of each epoch. Datasets must yield io.EOF at the end of an epoch.
func (n *Network) Fit(trainDS, validationDS train.Dataset, epochs int) ([]EpochResult, error) {
	if epochs < 1 {
		return nil, errors.Errorf("number of epochs must be >= 1, got %d", epochs)
	}
	trainer, err := n.NewTrainer()
	if err != nil {
		return nil, err
	}
	loop := train.NewLoop(trainer)
	if ShowProgressBar {
		commandline.AttachProgressBar(loop)
	}

	results := make([]EpochResult, 0, epochs)
	for epoch := range epochs {
		start := time.Now()
		firstStep := loop.LoopStep
		var lastMetrics []*tensors.Tensor
		var runErr error
		err = exceptions.TryCatch[error](func() {
			lastMetrics, runErr = loop.RunEpochs(trainDS, 1)
		})
		if err == nil {
			err = runErr
		}
		if err != nil {
			return results, errors.WithMessagef(err, "training failed in epoch %d", epoch+1)
		}
		for _, t := range lastMetrics {
			t.MustFinalizeAll()
		}
		result := EpochResult{Epoch: epoch + 1, Steps: loop.LoopStep - firstStep, Duration: time.Since(start)}
		if result.Steps == 0 {
			return results, errors.Errorf("training dataset %q yielded no batches: not enough samples for one batch?", trainDS.Name())
		}
		if validationDS != nil {
			result.Validation, err = Evaluate(trainer, validationDS)
			if err != nil {
				return results, err
			}
		}
		klog.Infof("epoch %d/%d: %d steps in %s, validation loss=%.4f accuracy=%.2f%%",
			result.Epoch, epochs, result.Steps, commandline.FormatDuration(result.Duration),
			result.Validation.Loss, 100*result.Validation.Accuracy)
		results = append(results, result)
	}
	return results, nil
}

// Evaluate runs the trainer's evaluation over ds, and returns the mean loss and accuracy.
// ds is reset afterwards.
func Evaluate(trainer *train.Trainer, ds train.Dataset) (Scores, error) {
	var values []*tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		var evalErr error
		values, evalErr = trainer.Eval(ds)
		if evalErr != nil {
			panic(evalErr)
		}
	})
	ds.Reset()
	if err != nil {
		return Scores{}, errors.WithMessagef(err, "failed to evaluate on %q", ds.Name())
	}
	defer func() {
		for _, t := range values {
			t.MustFinalizeAll()
		}
	}()
	var scores Scores
	var foundLoss, foundAccuracy bool
	for ii, metric := range trainer.EvalMetrics() {
		if ii >= len(values) {
			break
		}
		var target *float64
		switch {
		case metric.MetricType() == metrics.LossMetricType && !foundLoss:
			target, foundLoss = &scores.Loss, true
		case metric.MetricType() == metrics.AccuracyMetricType && !foundAccuracy:
			target, foundAccuracy = &scores.Accuracy, true
		default:
			continue
		}
		if *target, err = scalarValue(values[ii]); err != nil {
			return Scores{}, errors.WithMessagef(err, "metric %q", metric.Name())
		}
	}
	if !foundLoss || !foundAccuracy {
		return scores, errors.Errorf("evaluation on %q did not produce both loss and accuracy", ds.Name())
	}
	return scores, nil
}

func scalarValue(t *tensors.Tensor) (float64, error) {
	switch v := t.Value().(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return 0, errors.Errorf("unexpected metric value of type %T", v)
	}
}
