// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gomlx/finetune/internal/config"
	"github.com/gomlx/finetune/pkg/ingestion"
	"github.com/gomlx/finetune/pkg/network"
	"github.com/gomlx/finetune/pkg/tracking"
	"github.com/gomlx/gomlx/backends"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func init() {
	ingestion.ShowProgressBar = false
	network.ShowProgressBar = false
	if os.Getenv(backends.ConfigEnvVar) == "" {
		_ = os.Setenv(backends.ConfigEnvVar, "xla:cpu")
	}
}

// createDataset writes numPerClass PNG images per class under dir/root/<class>/, where the
// class is the brightness of the image.
func createDataset(t *testing.T, dir string, classes []string, numPerClass int) string {
	t.Helper()
	root := filepath.Join(dir, "dataset")
	for classIdx, class := range classes {
		classDir := filepath.Join(root, class)
		require.NoError(t, os.MkdirAll(classDir, 0o755))
		level := uint8(255 * classIdx / max(len(classes)-1, 1))
		for ii := range numPerClass {
			img := image.NewNRGBA(image.Rect(0, 0, 10, 10))
			for y := range 10 {
				for x := range 10 {
					img.Set(x, y, color.NRGBA{R: level, G: level, B: uint8(ii), A: 255})
				}
			}
			f, err := os.Create(filepath.Join(classDir, fmt.Sprintf("img%02d.png", ii)))
			require.NoError(t, err)
			require.NoError(t, png.Encode(f, img))
			require.NoError(t, f.Close())
		}
	}
	return dir
}

func TestWriteScoresOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scores.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"loss": 9, "accuracy": 0, "stale": true}`), 0o644))

	scores := network.Scores{Loss: 0.25, Accuracy: 0.875}
	require.NoError(t, WriteScores(path, scores))
	first, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\n    \"loss\": 0.25,\n    \"accuracy\": 0.875\n}", string(first))

	require.NoError(t, WriteScores(path, scores))
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	got, err := ReadScores(path)
	require.NoError(t, err)
	assert.Equal(t, scores, got)
}

func TestScanDataset(t *testing.T) {
	dir := createDataset(t, t.TempDir(), []string{"Normal", "Tumor"}, 10)

	// The single "dataset" folder is descended into.
	split, err := scanDataset(dir, 0.2, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"Normal", "Tumor"}, split.Classes)
	assert.Len(t, split.Validation, 4)
	assert.Len(t, split.Training, 16)

	_, err = scanDataset(dir, 0.2, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adapted for 3 classes")
}

// recordingTracker records the calls made by the evaluation stage.
type recordingTracker struct {
	mu             sync.Mutex
	params         map[string]string
	metrics        map[string]float64
	registeredName string
	modelDir       string
	status         tracking.RunStatus
}

func (r *recordingTracker) StartRun(_ context.Context, _, _ string) (tracking.Run, error) {
	return tracking.Run{ID: "run", ExperimentID: "0"}, nil
}

func (r *recordingTracker) LogParams(_ context.Context, _ tracking.Run, params map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.params = params
	return nil
}

func (r *recordingTracker) LogMetrics(_ context.Context, _ tracking.Run, metrics map[string]float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = metrics
	return nil
}

func (r *recordingTracker) LogModel(_ context.Context, _ tracking.Run, modelDir, registeredName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modelDir, r.registeredName = modelDir, registeredName
	return nil
}

func (r *recordingTracker) EndRun(_ context.Context, _ tracking.Run, status tracking.RunStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	return nil
}

func TestEvaluationTracking(t *testing.T) {
	for _, tc := range []struct {
		uri, wantName string
	}{
		{"file:///tmp/mlruns", ""},
		{"https://dagshub.com/user/repo.mlflow", "VGG16Model"},
	} {
		recorder := &recordingTracker{}
		s := NewEvaluation(config.EvaluationConfig{
			PathOfModel:         "artifacts/training/model",
			MLflowURI:           tc.uri,
			RegisteredModelName: "VGG16Model",
			AllParams:           map[string]string{"EPOCHS": "1"},
		}, nil)
		s.NewTracker = func(uri string) (tracking.Tracker, error) {
			assert.Equal(t, tc.uri, uri)
			return recorder, nil
		}
		s.Scores = network.Scores{Loss: 0.5, Accuracy: 0.75}
		require.NoError(t, s.logToTracker(context.Background()))
		assert.Equal(t, tc.wantName, recorder.registeredName, tc.uri)
		assert.Equal(t, map[string]float64{"loss": 0.5, "accuracy": 0.75}, recorder.metrics)
		assert.Equal(t, "1", recorder.params["EPOCHS"])
		assert.Equal(t, "artifacts/training/model", recorder.modelDir)
		assert.Equal(t, tracking.RunStatusFinished, recorder.status)
	}

	// No URI: nothing is logged.
	s := NewEvaluation(config.EvaluationConfig{}, nil)
	s.NewTracker = func(string) (tracking.Tracker, error) {
		t.Fatal("tracker should not be created without a tracking URI")
		return nil, nil
	}
	require.NoError(t, s.logToTracker(context.Background()))
}

// TestStages runs the base model, training and evaluation stages with a tiny network.
func TestStages(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in short mode")
	}
	backend, err := network.NewBackend()
	if err != nil {
		// The pure Go backend is always linked in with backends/default.
		t.Logf("backend %q not available, using the pure Go backend: %v", os.Getenv(backends.ConfigEnvVar), err)
		t.Setenv(backends.ConfigEnvVar, "go")
		backend, err = network.NewBackend()
	}
	require.NoError(t, err)
	backendFn := func() (backends.Backend, error) { return backend, nil }
	dir := t.TempDir()
	data := createDataset(t, filepath.Join(dir, "data"), []string{"dark", "bright"}, 12)
	imageSize := []int{8, 8, 3}
	ctx := context.Background()

	base := &BaseModel{Backend: backendFn, Config: config.BaseModelConfig{
		RootDir:              filepath.Join(dir, "prepare_base_model"),
		BaseModelPath:        filepath.Join(dir, "prepare_base_model", "base_model"),
		UpdatedBaseModelPath: filepath.Join(dir, "prepare_base_model", "base_model_updated"),
		Architecture:         "vgg_tiny",
		ImageSize:            imageSize,
		LearningRate:         0.01,
		IncludeTop:           false,
		Weights:              network.WeightsNone,
		Classes:              2,
		FreezeAll:            true,
		Seed:                 42,
	}}
	require.NoError(t, base.Run(ctx))
	assert.DirExists(t, base.Config.BaseModelPath)
	assert.DirExists(t, base.Config.UpdatedBaseModelPath)

	training := &Training{Backend: backendFn, Config: config.TrainingConfig{
		RootDir:              filepath.Join(dir, "training"),
		TrainedModelPath:     filepath.Join(dir, "training", "model"),
		UpdatedBaseModelPath: base.Config.UpdatedBaseModelPath,
		TrainingData:         data,
		Epochs:               1,
		BatchSize:            4,
		Augmentation:         true,
		ImageSize:            imageSize,
		ValidationSplit:      0.2,
		Seed:                 42,
	}}
	require.NoError(t, training.Run(ctx))
	trained, err := network.Load(backend, training.Config.TrainedModelPath)
	require.NoError(t, err)
	// Class names are the sorted class directories.
	assert.Equal(t, []string{"bright", "dark"}, trained.ClassNames())

	trackingDir := filepath.Join(dir, "mlruns")
	evaluation := NewEvaluation(config.EvaluationConfig{
		PathOfModel:         training.Config.TrainedModelPath,
		TrainingData:        data,
		ScoresFile:          filepath.Join(dir, "scores.json"),
		MLflowURI:           "file://" + trackingDir,
		RegisteredModelName: "VGG16Model",
		ImageSize:           imageSize,
		BatchSize:           4,
		ValidationSplit:     0.3,
		AllParams:           map[string]string{"EPOCHS": "1"},
	}, backendFn)
	require.NoError(t, evaluation.Run(ctx))
	scores, err := ReadScores(evaluation.Config.ScoresFile)
	require.NoError(t, err)
	assert.Equal(t, evaluation.Scores, scores)
	assert.GreaterOrEqual(t, scores.Accuracy, 0.0)
	assert.LessOrEqual(t, scores.Accuracy, 1.0)
	assert.DirExists(t, filepath.Join(trackingDir, "0"))
}
