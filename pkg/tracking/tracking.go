// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tracking logs training runs (hyperparameters, metrics and the model) to an experiment
// tracking service.
//
// Two backends are supported, selected by the scheme of the tracking URI (see New):
//
//   - http(s)://: an MLflow tracking server, through its REST API.
//   - file:// or a bare path: a local directory tree, laid out like MLflow's "mlruns" store.
//     It can't register named model versions.
package tracking

import (
	"context"
	"net/url"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RunStatus is the life-cycle status of a run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "RUNNING"
	RunStatusFinished RunStatus = "FINISHED"
	RunStatusFailed   RunStatus = "FAILED"
	RunStatusKilled   RunStatus = "KILLED"
)

// Run identifies a run started with Tracker.StartRun.
type Run struct {
	ID           string
	ExperimentID string

	// ArtifactURI is where the run's artifacts are stored.
	ArtifactURI string
}

// Tracker is implemented by the tracking backends.
type Tracker interface {
	// StartRun creates a new run in experiment, creating the experiment if needed.
	StartRun(ctx context.Context, experiment, runName string) (Run, error)

	// LogParams records the run hyperparameters.
	LogParams(ctx context.Context, run Run, params map[string]string) error

	// LogMetrics records the final value of each metric.
	LogMetrics(ctx context.Context, run Run, metrics map[string]float64) error

	// LogModel uploads the model saved in modelDir as the "model" artifact of the run.
	// If registeredName is not empty, a new version of the registered model with that name is created.
	LogModel(ctx context.Context, run Run, modelDir, registeredName string) error

	// EndRun sets the terminal status of the run.
	EndRun(ctx context.Context, run Run, status RunStatus) error
}

// ModelArtifactPath is the artifact path where models are uploaded.
const ModelArtifactPath = "model"

// DefaultExperiment is the experiment used when none is given.
const DefaultExperiment = "Default"

// New returns the Tracker for the given tracking URI.
func New(uri string) (Tracker, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, errors.New("empty tracking URI")
	}
	if IsLocal(uri) {
		return NewFileStore(localPath(uri))
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid tracking URI %q", uri)
	}
	switch u.Scheme {
	case "http", "https":
		return NewClient(uri)
	default:
		return nil, errors.Errorf("unsupported tracking URI scheme %q in %q", u.Scheme, uri)
	}
}

// IsLocal returns whether uri points to a local file store: a "file:" URI or a bare path.
func IsLocal(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		// Windows paths, for instance.
		return !strings.Contains(uri, "://")
	}
	return u.Scheme == "" || u.Scheme == "file" || len(u.Scheme) == 1
}

// localPath returns the file system path of a local tracking URI.
func localPath(uri string) string {
	if u, err := url.Parse(uri); err == nil && u.Scheme == "file" {
		switch {
		case u.Opaque != "":
			return u.Opaque
		case u.Host != "" && u.Host != "localhost":
			// "file://mlruns" is taken as a relative path.
			return u.Host + u.Path
		default:
			return u.Path
		}
	}
	return uri
}

// RegisteredModelName returns the name to register the model under for the given tracking URI:
// empty for local file stores, which don't support a model registry, name otherwise.
func RegisteredModelName(uri, name string) string {
	if IsLocal(uri) {
		return ""
	}
	return name
}

// Record is everything logged for one run by LogRun.
type Record struct {
	Experiment string
	RunName    string
	Params     map[string]string
	Metrics    map[string]float64

	// ModelDir, if set, is uploaded as the model artifact.
	ModelDir string

	// RegisteredModelName, if set, registers the uploaded model.
	RegisteredModelName string
}

// LogRun opens a run, logs rec and ends the run: FINISHED if every call succeeded, FAILED otherwise.
func LogRun(ctx context.Context, tracker Tracker, rec Record) (Run, error) {
	experiment := rec.Experiment
	if experiment == "" {
		experiment = DefaultExperiment
	}
	run, err := tracker.StartRun(ctx, experiment, rec.RunName)
	if err != nil {
		return run, errors.WithMessagef(err, "failed to start run in experiment %q", experiment)
	}
	klog.V(1).Infof("tracking run %s started in experiment %s", run.ID, run.ExperimentID)
	err = logRecord(ctx, tracker, run, rec)
	status := RunStatusFinished
	if err != nil {
		status = RunStatusFailed
	}
	if endErr := tracker.EndRun(ctx, run, status); endErr != nil {
		if err == nil {
			err = errors.WithMessagef(endErr, "failed to end run %s", run.ID)
		} else {
			klog.Errorf("failed to mark run %s as %s: %+v", run.ID, status, endErr)
		}
	}
	if err != nil {
		return run, err
	}
	klog.Infof("tracking run %s (experiment %s) %s", run.ID, run.ExperimentID, status)
	return run, nil
}

func logRecord(ctx context.Context, tracker Tracker, run Run, rec Record) error {
	if len(rec.Params) > 0 {
		if err := tracker.LogParams(ctx, run, rec.Params); err != nil {
			return errors.WithMessagef(err, "failed to log parameters of run %s", run.ID)
		}
	}
	if len(rec.Metrics) > 0 {
		if err := tracker.LogMetrics(ctx, run, rec.Metrics); err != nil {
			return errors.WithMessagef(err, "failed to log metrics of run %s", run.ID)
		}
	}
	if rec.ModelDir != "" {
		if err := tracker.LogModel(ctx, run, rec.ModelDir, rec.RegisteredModelName); err != nil {
			return errors.WithMessagef(err, "failed to log model of run %s", run.ID)
		}
	}
	return nil
}

// sortedKeys of a map, for a deterministic logging order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
