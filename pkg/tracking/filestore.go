// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracking

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/finetune/pkg/ingestion"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// FileStore is a Tracker that writes runs to a local directory, using MLflow's file store layout:
//
//	<root>/<experiment_id>/meta.yaml
//	<root>/<experiment_id>/<run_id>/meta.yaml
//	<root>/<experiment_id>/<run_id>/params/<key>     (the value)
//	<root>/<experiment_id>/<run_id>/metrics/<key>    (lines of "<timestamp> <value> <step>")
//	<root>/<experiment_id>/<run_id>/artifacts/model/
type FileStore struct {
	root string
	mu   sync.Mutex
}

var _ Tracker = (*FileStore)(nil)

// ExperimentMeta is the content of an experiment's meta.yaml.
type ExperimentMeta struct {
	ExperimentID     string `yaml:"experiment_id"`
	Name             string `yaml:"name"`
	ArtifactLocation string `yaml:"artifact_location"`
	LifecycleStage   string `yaml:"lifecycle_stage"`
	CreationTime     int64  `yaml:"creation_time"`
}

// RunMeta is the content of a run's meta.yaml.
type RunMeta struct {
	RunID          string    `yaml:"run_id"`
	ExperimentID   string    `yaml:"experiment_id"`
	RunName        string    `yaml:"run_name"`
	Status         RunStatus `yaml:"status"`
	StartTime      int64     `yaml:"start_time"`
	EndTime        int64     `yaml:"end_time,omitempty"`
	ArtifactURI    string    `yaml:"artifact_uri"`
	LifecycleStage string    `yaml:"lifecycle_stage"`
}

const metaFileName = "meta.yaml"

// NewFileStore returns a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create tracking directory %q", dir)
	}
	return &FileStore{root: dir}, nil
}

// Root directory of the store.
func (s *FileStore) Root() string { return s.root }

func writeYAML(path string, value any) error {
	content, err := yaml.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %q", path)
	}
	return errors.Wrapf(os.WriteFile(path, content, 0o644), "failed to write %q", path)
}

func readYAML(path string, value any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read %q", path)
	}
	return errors.Wrapf(yaml.Unmarshal(content, value), "failed to parse %q", path)
}

// experimentID finds the experiment with the given name, or creates it with the next free numeric id.
func (s *FileStore) experimentID(name string) (string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read %q", s.root)
	}
	nextID := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		nextID = max(nextID, id+1)
		var meta ExperimentMeta
		if readYAML(filepath.Join(s.root, entry.Name(), metaFileName), &meta) == nil && meta.Name == name {
			return entry.Name(), nil
		}
	}
	expID := strconv.Itoa(nextID)
	expDir := filepath.Join(s.root, expID)
	if err = os.MkdirAll(expDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create experiment directory %q", expDir)
	}
	meta := ExperimentMeta{
		ExperimentID:     expID,
		Name:             name,
		ArtifactLocation: "file://" + filepath.ToSlash(expDir),
		LifecycleStage:   "active",
		CreationTime:     time.Now().UnixMilli(),
	}
	if err = writeYAML(filepath.Join(expDir, metaFileName), meta); err != nil {
		return "", err
	}
	klog.Infof("created tracking experiment %q in %q", name, expDir)
	return expID, nil
}

func (s *FileStore) runDir(run Run) string {
	return filepath.Join(s.root, run.ExperimentID, run.ID)
}

// StartRun implements Tracker. Run ids are random UUIDs, without dashes.
func (s *FileStore) StartRun(_ context.Context, experiment, runName string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expID, err := s.experimentID(experiment)
	if err != nil {
		return Run{}, err
	}
	runID := strings.ReplaceAll(uuid.NewString(), "-", "")
	run := Run{ID: runID, ExperimentID: expID}
	dir := s.runDir(run)
	for _, sub := range []string{"params", "metrics", "artifacts"} {
		if err = os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return Run{}, errors.Wrapf(err, "failed to create run directory %q", dir)
		}
	}
	run.ArtifactURI = "file://" + filepath.ToSlash(filepath.Join(dir, "artifacts"))
	if runName == "" {
		runName = runID[:8]
	}
	meta := RunMeta{
		RunID:          runID,
		ExperimentID:   expID,
		RunName:        runName,
		Status:         RunStatusRunning,
		StartTime:      time.Now().UnixMilli(),
		ArtifactURI:    run.ArtifactURI,
		LifecycleStage: "active",
	}
	if err = writeYAML(filepath.Join(dir, metaFileName), meta); err != nil {
		return Run{}, err
	}
	return run, nil
}

// validKey rejects keys that would escape their directory.
func validKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return errors.Errorf("invalid tracking key %q", key)
	}
	return nil
}

// LogParams implements Tracker.
func (s *FileStore) LogParams(_ context.Context, run Run, params map[string]string) error {
	dir := filepath.Join(s.runDir(run), "params")
	for _, key := range sortedKeys(params) {
		if err := validKey(key); err != nil {
			return err
		}
		path := filepath.Join(dir, key)
		if err := os.WriteFile(path, []byte(params[key]), 0o644); err != nil {
			return errors.Wrapf(err, "failed to write parameter %q", path)
		}
	}
	return nil
}

// LogMetrics implements Tracker. Values are appended to the metric files.
func (s *FileStore) LogMetrics(_ context.Context, run Run, metrics map[string]float64) error {
	dir := filepath.Join(s.runDir(run), "metrics")
	now := time.Now().UnixMilli()
	for _, key := range sortedKeys(metrics) {
		if err := validKey(key); err != nil {
			return err
		}
		path := filepath.Join(dir, key)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return errors.Wrapf(err, "failed to open metric %q", path)
		}
		_, err = fmt.Fprintf(f, "%d %s 0\n", now, strconv.FormatFloat(metrics[key], 'g', -1, 64))
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return errors.Wrapf(err, "failed to write metric %q", path)
		}
	}
	return nil
}

// LogModel implements Tracker: the model directory is stored zipped under artifacts/model.
// A local store has no model registry, so registeredName is ignored.
func (s *FileStore) LogModel(_ context.Context, run Run, modelDir, registeredName string) error {
	if registeredName != "" {
		klog.Warningf("local tracking store can't register models, ignoring registered model name %q", registeredName)
	}
	zipName := filepath.Base(filepath.Clean(modelDir)) + ".zip"
	zipPath := filepath.Join(s.runDir(run), "artifacts", ModelArtifactPath, zipName)
	if err := ingestion.Pack(modelDir, zipPath); err != nil {
		return err
	}
	klog.Infof("model %q stored in %q", modelDir, zipPath)
	return nil
}

// EndRun implements Tracker.
func (s *FileStore) EndRun(_ context.Context, run Run, status RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.runDir(run), metaFileName)
	var meta RunMeta
	if err := readYAML(path, &meta); err != nil {
		return err
	}
	meta.Status = status
	meta.EndTime = time.Now().UnixMilli()
	return writeYAML(path, meta)
}

// ReadRun returns the metadata of a run.
func (s *FileStore) ReadRun(run Run) (RunMeta, error) {
	var meta RunMeta
	err := readYAML(filepath.Join(s.runDir(run), metaFileName), &meta)
	return meta, err
}
