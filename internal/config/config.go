// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config resolves the two configuration documents of the pipeline: the settings document
// (paths, source URL, tracking URI) and the hyperparameters document.
//
// Both are YAML. They are parsed strictly (unknown keys are rejected), validated once by Load, and
// afterwards only read, through the typed per-stage records returned by Config.DataIngestion,
// Config.BaseModel, Config.Training and Config.Evaluation.
package config

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

const (
	// DefaultSettingsPath is where the settings document is looked up, relative to the working directory.
	DefaultSettingsPath = "config/config.yaml"

	// DefaultParamsPath is where the hyperparameters document is looked up, relative to the working directory.
	DefaultParamsPath = "params.yaml"
)

// Settings is the settings document.
type Settings struct {
	ArtifactsRoot    string             `yaml:"artifacts_root"`
	DataIngestion    DataIngestionPaths `yaml:"data_ingestion"`
	PrepareBaseModel BaseModelPaths     `yaml:"prepare_base_model"`
	Training         TrainingPaths      `yaml:"training"`
	Evaluation       EvaluationPaths    `yaml:"evaluation"`
}

// DataIngestionPaths is the "data_ingestion" section of the settings document.
type DataIngestionPaths struct {
	RootDir       string `yaml:"root_dir"`
	SourceURL     string `yaml:"source_URL"`
	LocalDataFile string `yaml:"local_data_file"`
	UnzipDir      string `yaml:"unzip_dir"`
}

// BaseModelPaths is the "prepare_base_model" section of the settings document.
type BaseModelPaths struct {
	RootDir              string `yaml:"root_dir"`
	BaseModelPath        string `yaml:"base_model_path"`
	UpdatedBaseModelPath string `yaml:"updated_base_model_path"`
}

// TrainingPaths is the "training" section of the settings document.
// TrainingData defaults to data_ingestion.unzip_dir.
type TrainingPaths struct {
	RootDir          string `yaml:"root_dir"`
	TrainedModelPath string `yaml:"trained_model_path"`
	TrainingData     string `yaml:"training_data"`
}

// EvaluationPaths is the "evaluation" section of the settings document. All of it is optional:
// PathOfModel defaults to training.trained_model_path, TrainingData to training's, and an empty
// MLflowURI disables tracking.
type EvaluationPaths struct {
	PathOfModel         string `yaml:"path_of_model"`
	TrainingData        string `yaml:"training_data"`
	ScoresFile          string `yaml:"scores_file"`
	MLflowURI           string `yaml:"mlflow_uri"`
	RegisteredModelName string `yaml:"registered_model_name"`
}

// Config holds both validated documents. It is not modified after Load.
type Config struct {
	settingsPath, paramsPath string

	settings Settings
	params   Params
}

// Load parses and validates both documents, and creates the artifacts root directory.
//
// It returns a *ParseError if a document can't be read, is empty or malformed, or holds unknown keys;
// and a *ValidationError if required keys are missing or invalid. Nothing is created on error.
func Load(settingsPath, paramsPath string) (*Config, error) {
	c := &Config{settingsPath: settingsPath, paramsPath: paramsPath}
	if err := decodeDocument(settingsPath, &c.settings); err != nil {
		return nil, err
	}
	var raw rawParams
	if err := decodeDocument(paramsPath, &raw); err != nil {
		return nil, err
	}
	if err := c.settings.validate(settingsPath); err != nil {
		return nil, err
	}
	params, err := raw.resolve(paramsPath)
	if err != nil {
		return nil, err
	}
	c.params = params
	c.settings.applyDefaults()

	if err := createDirectories(c.settings.ArtifactsRoot); err != nil {
		return nil, err
	}
	klog.V(1).Infof("configuration loaded from %q and %q", settingsPath, paramsPath)
	return c, nil
}

// Settings returns a copy of the settings document.
func (c *Config) Settings() Settings { return c.settings }

// Params returns a copy of the hyperparameters document, with defaults applied.
func (c *Config) Params() Params {
	p := c.params
	p.ImageSize = append([]int(nil), c.params.ImageSize...)
	return p
}

// decodeDocument reads the YAML document at path into out, rejecting empty documents and unknown keys.
func decodeDocument(path string, out any) error {
	expanded, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return &ParseError{Path: path, Err: err}
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return &ParseError{Path: path, Err: err}
	}

	// A first pass on the node tree tells an empty (or null) document apart from a malformed one.
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return &ParseError{Path: path, Err: err}
	}
	if len(root.Content) == 0 || (root.Content[0].Kind == yaml.ScalarNode && root.Content[0].Tag == "!!null") {
		return &ParseError{Path: path, Err: ErrEmptyDocument}
	}
	if root.Content[0].Kind != yaml.MappingNode {
		return &ParseError{Path: path, Err: errors.Errorf("expected a mapping at the top level, got %s", kindName(root.Content[0].Kind))}
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return &ParseError{Path: path, Err: err}
	}
	return nil
}

func kindName(kind yaml.Kind) string {
	switch kind {
	case yaml.SequenceNode:
		return "a sequence"
	case yaml.ScalarNode:
		return "a scalar"
	case yaml.AliasNode:
		return "an alias"
	default:
		return "an unknown node"
	}
}

func (s *Settings) validate(path string) error {
	var v validator
	v.requireString("artifacts_root", s.ArtifactsRoot)
	v.requireString("data_ingestion.root_dir", s.DataIngestion.RootDir)
	v.requireString("data_ingestion.source_URL", s.DataIngestion.SourceURL)
	v.requireString("data_ingestion.local_data_file", s.DataIngestion.LocalDataFile)
	v.requireString("data_ingestion.unzip_dir", s.DataIngestion.UnzipDir)
	v.requireString("prepare_base_model.root_dir", s.PrepareBaseModel.RootDir)
	v.requireString("prepare_base_model.base_model_path", s.PrepareBaseModel.BaseModelPath)
	v.requireString("prepare_base_model.updated_base_model_path", s.PrepareBaseModel.UpdatedBaseModelPath)
	v.requireString("training.root_dir", s.Training.RootDir)
	v.requireString("training.trained_model_path", s.Training.TrainedModelPath)
	return v.err(path)
}

func (s *Settings) applyDefaults() {
	if s.Training.TrainingData == "" {
		s.Training.TrainingData = s.DataIngestion.UnzipDir
	}
	if s.Evaluation.PathOfModel == "" {
		s.Evaluation.PathOfModel = s.Training.TrainedModelPath
	}
	if s.Evaluation.TrainingData == "" {
		s.Evaluation.TrainingData = s.Training.TrainingData
	}
	if s.Evaluation.ScoresFile == "" {
		s.Evaluation.ScoresFile = DefaultScoresFile
	}
	if s.Evaluation.RegisteredModelName == "" {
		s.Evaluation.RegisteredModelName = DefaultRegisteredModelName
	}
}

// createDirectories creates each directory (and parents) if missing.
func createDirectories(dirs ...string) error {
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		dir = filepath.Clean(dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "failed to create directory %q", dir)
		}
		klog.V(2).Infof("directory %q ready", dir)
	}
	return nil
}
