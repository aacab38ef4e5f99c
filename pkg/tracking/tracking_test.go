// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracking

import (
	"archive/zip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsLocal(t *testing.T) {
	for _, uri := range []string{"mlruns", "/tmp/mlruns", "./mlruns", "file:///tmp/mlruns", "file:mlruns"} {
		assert.True(t, IsLocal(uri), uri)
	}
	for _, uri := range []string{"https://dagshub.com/user/repo.mlflow", "http://localhost:5000"} {
		assert.False(t, IsLocal(uri), uri)
	}
}

func TestLocalPath(t *testing.T) {
	assert.Equal(t, "/tmp/mlruns", localPath("file:///tmp/mlruns"))
	assert.Equal(t, "mlruns", localPath("file://mlruns"))
	assert.Equal(t, "mlruns", localPath("file:mlruns"))
	assert.Equal(t, "./mlruns", localPath("./mlruns"))
}

func TestRegisteredModelName(t *testing.T) {
	assert.Equal(t, "", RegisteredModelName("file:///tmp/mlruns", "VGG16Model"))
	assert.Equal(t, "", RegisteredModelName("mlruns", "VGG16Model"))
	assert.Equal(t, "VGG16Model", RegisteredModelName("https://dagshub.com/user/repo.mlflow", "VGG16Model"))
}

func TestNew(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
	_, err = New("ftp://example.com/mlruns")
	require.Error(t, err)

	tracker, err := New("file://" + t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, tracker)

	tracker, err = New("http://localhost:5000")
	require.NoError(t, err)
	assert.IsType(t, &Client{}, tracker)
}

// createModelDir creates a fake model directory.
func createModelDir(t *testing.T) string {
	dir := filepath.Join(t.TempDir(), "trained")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkpoint-n0000001-20260101-000000-step-00000010.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkpoint-n0000001-20260101-000000-step-00000010.bin"), []byte{1, 2, 3}, 0o644))
	return dir
}

func TestFileStore(t *testing.T) {
	root := filepath.Join(t.TempDir(), "mlruns")
	store, err := NewFileStore(root)
	require.NoError(t, err)
	ctx := context.Background()

	run, err := LogRun(ctx, store, Record{
		Experiment:          "cnn",
		Params:              map[string]string{"EPOCHS": "1", "BATCH_SIZE": "16"},
		Metrics:             map[string]float64{"loss": 0.5, "accuracy": 0.75},
		ModelDir:            createModelDir(t),
		RegisteredModelName: "VGG16Model",
	})
	require.NoError(t, err)
	assert.Equal(t, "0", run.ExperimentID)
	assert.Len(t, run.ID, 32)

	runDir := filepath.Join(root, run.ExperimentID, run.ID)
	value, err := os.ReadFile(filepath.Join(runDir, "params", "BATCH_SIZE"))
	require.NoError(t, err)
	assert.Equal(t, "16", string(value))
	value, err = os.ReadFile(filepath.Join(runDir, "metrics", "accuracy"))
	require.NoError(t, err)
	fields := strings.Fields(string(value))
	require.Len(t, fields, 3)
	assert.Equal(t, "0.75", fields[1])
	assert.FileExists(t, filepath.Join(runDir, "artifacts", "model", "trained.zip"))

	meta, err := store.ReadRun(run)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFinished, meta.Status)
	assert.NotZero(t, meta.EndTime)

	// Same experiment is reused, a new one gets the next id.
	again, err := store.StartRun(ctx, "cnn", "second")
	require.NoError(t, err)
	assert.Equal(t, run.ExperimentID, again.ExperimentID)
	assert.NotEqual(t, run.ID, again.ID)
	other, err := store.StartRun(ctx, "other", "")
	require.NoError(t, err)
	assert.Equal(t, "1", other.ExperimentID)
}

func TestFileStoreFailedRun(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	run, err := LogRun(context.Background(), store, Record{
		Params:   map[string]string{"../escape": "x"},
		Metrics:  map[string]float64{"loss": 1},
		ModelDir: createModelDir(t),
	})
	require.Error(t, err)
	meta, err := store.ReadRun(run)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, meta.Status)
}

// fakeMLflow records the requests of an MLflow tracking server.
type fakeMLflow struct {
	mu         sync.Mutex
	endpoints  []string
	requests   map[string]map[string]any
	artifacts  map[string][]byte
	authHeader string
	failOn     string
}

func newFakeMLflow(t *testing.T) (*fakeMLflow, *httptest.Server) {
	f := &fakeMLflow{requests: make(map[string]map[string]any), artifacts: make(map[string][]byte)}
	server := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(server.Close)
	return f, server
}

func (f *fakeMLflow) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authHeader = r.Header.Get("Authorization")
	if artifact, ok := strings.CutPrefix(r.URL.Path, artifactsPrefix); ok {
		content, _ := io.ReadAll(r.Body)
		f.artifacts[artifact] = content
		f.endpoints = append(f.endpoints, "artifacts")
		_, _ = w.Write([]byte("{}"))
		return
	}
	endpoint := strings.TrimPrefix(r.URL.Path, apiPrefix)
	f.endpoints = append(f.endpoints, endpoint)
	if endpoint == f.failOn {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error_code":"INTERNAL_ERROR","message":"boom"}`))
		return
	}
	request := map[string]any{}
	if r.Method == http.MethodPost {
		_ = json.NewDecoder(r.Body).Decode(&request)
	} else {
		for k, v := range r.URL.Query() {
			request[k] = v[0]
		}
	}
	f.requests[endpoint] = request
	switch endpoint {
	case "experiments/get-by-name":
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error_code":"RESOURCE_DOES_NOT_EXIST","message":"no experiment"}`))
	case "experiments/create":
		_, _ = w.Write([]byte(`{"experiment_id":"7"}`))
	case "runs/create":
		_, _ = w.Write([]byte(`{"run":{"info":{"run_id":"abc","experiment_id":"7","artifact_uri":"mlflow-artifacts:/7/abc/artifacts"}}}`))
	case "model-versions/create":
		_, _ = w.Write([]byte(`{"model_version":{"version":"1"}}`))
	default:
		_, _ = w.Write([]byte("{}"))
	}
}

func TestClient(t *testing.T) {
	t.Setenv(EnvToken, "secret")
	fake, server := newFakeMLflow(t)
	client, err := NewClient(server.URL)
	require.NoError(t, err)
	client.SetRateLimit(1000)

	uri := server.URL
	run, err := LogRun(context.Background(), client, Record{
		Experiment:          "cnn",
		Params:              map[string]string{"EPOCHS": "1"},
		Metrics:             map[string]float64{"loss": 0.5, "accuracy": 0.75},
		ModelDir:            createModelDir(t),
		RegisteredModelName: RegisteredModelName(uri, "VGG16Model"),
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", run.ID)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []string{
		"experiments/get-by-name", "experiments/create", "runs/create",
		"runs/log-batch", "runs/log-batch", "artifacts",
		"registered-models/create", "model-versions/create", "runs/update",
	}, fake.endpoints)
	assert.Equal(t, "Bearer secret", fake.authHeader)
	assert.Equal(t, "cnn", fake.requests["experiments/get-by-name"]["experiment_name"])
	assert.Equal(t, "VGG16Model", fake.requests["model-versions/create"]["name"])
	assert.Equal(t, "mlflow-artifacts:/7/abc/artifacts/model", fake.requests["model-versions/create"]["source"])
	assert.Equal(t, "FINISHED", fake.requests["runs/update"]["status"])

	content, found := fake.artifacts["7/abc/artifacts/model/trained.zip"]
	require.True(t, found, "artifacts uploaded: %v", fake.artifacts)
	zr, err := zip.NewReader(strings.NewReader(string(content)), int64(len(content)))
	require.NoError(t, err)
	assert.Len(t, zr.File, 2)
}

func TestClientFailure(t *testing.T) {
	fake, server := newFakeMLflow(t)
	fake.failOn = "runs/log-batch"
	client, err := NewClient(server.URL)
	require.NoError(t, err)
	client.SetRateLimit(1000)

	_, err = LogRun(context.Background(), client, Record{
		Params:  map[string]string{"EPOCHS": "1"},
		Metrics: map[string]float64{"loss": 0.5},
	})
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "INTERNAL_ERROR", apiErr.ErrorCode)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "FAILED", fake.requests["runs/update"]["status"])
}
