// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline_test

import (
	"archive/zip"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gomlx/finetune/internal/config"
	"github.com/gomlx/finetune/internal/pipeline"
	"github.com/gomlx/finetune/internal/stages"
	"github.com/gomlx/finetune/pkg/ingestion"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	ingestion.ShowProgressBar = false
}

// fakeStage records its runs in a shared log.
type fakeStage struct {
	name string
	err  error
	log  *[]string
}

func (s *fakeStage) Name() string { return s.name }

func (s *fakeStage) Run(_ context.Context) error {
	*s.log = append(*s.log, s.name)
	return s.err
}

func newFakes(log *[]string, failing string, failure error) []pipeline.Stage {
	var result []pipeline.Stage
	for _, name := range stages.Names {
		s := &fakeStage{name: name, log: log}
		if name == failing {
			s.err = failure
		}
		result = append(result, s)
	}
	return result
}

func TestRunOrder(t *testing.T) {
	var log []string
	p, err := pipeline.New(newFakes(&log, "", nil)...)
	require.NoError(t, err)
	assert.Equal(t, pipeline.PhasePending, p.State().Phase)

	results, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stages.Names, log)
	require.Len(t, results, 4)
	for _, r := range results {
		assert.Equal(t, pipeline.StatusCompleted, r.Status, r.Stage)
	}
	assert.Equal(t, pipeline.PhaseDone, p.State().Phase)
	assert.True(t, p.State().IsTerminal())
}

func TestRunStopsAtFailure(t *testing.T) {
	var log []string
	cause := errors.New("no model")
	p, err := pipeline.New(newFakes(&log, stages.NameBaseModel, cause)...)
	require.NoError(t, err)

	results, err := p.Run(context.Background())
	require.Error(t, err)
	var stageErr *pipeline.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, stages.NameBaseModel, stageErr.Stage)
	assert.ErrorIs(t, err, cause)

	assert.Equal(t, []string{stages.NameIngestion, stages.NameBaseModel}, log)
	assert.Equal(t, pipeline.StatusCompleted, results[0].Status)
	assert.Equal(t, pipeline.StatusFailed, results[1].Status)
	assert.Equal(t, pipeline.StatusNotRun, results[2].Status)
	assert.Equal(t, pipeline.StatusNotRun, results[3].Status)
	assert.Equal(t, pipeline.State{Phase: pipeline.PhaseFailed, Stage: 1}, p.State())
}

type panickingStage struct{}

func (panickingStage) Name() string                { return "panics" }
func (panickingStage) Run(_ context.Context) error { panic("boom") }

func TestRunRecoversPanics(t *testing.T) {
	p, err := pipeline.New(panickingStage{})
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestRunCanceled(t *testing.T) {
	var log []string
	p, err := pipeline.New(newFakes(&log, "", nil)...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, log)
}

func TestRunStage(t *testing.T) {
	var log []string
	p, err := pipeline.New(newFakes(&log, "", nil)...)
	require.NoError(t, err)
	results, err := p.RunStage(context.Background(), stages.NameTraining)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []string{stages.NameTraining}, log)

	_, err = p.RunStage(context.Background(), "deploy")
	require.Error(t, err)
}

func TestDuplicateStages(t *testing.T) {
	var log []string
	s := &fakeStage{name: "a", log: &log}
	_, err := pipeline.New(s, s)
	require.Error(t, err)
}

// TestInvalidArchiveStopsPipeline runs the real ingestion stage over a download that is not a zip
// file: the pipeline fails in ingestion and the following stages never run.
func TestInvalidArchiveStopsPipeline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>Virus scan warning</html>"))
	}))
	defer server.Close()

	dir := t.TempDir()
	var log []string
	ingestionStage := &stages.Ingestion{Config: config.DataIngestionConfig{
		RootDir:       dir,
		SourceURL:     server.URL + "/data.zip",
		LocalDataFile: filepath.Join(dir, "data.zip"),
		UnzipDir:      filepath.Join(dir, "unzipped"),
	}}
	p, err := pipeline.New(
		ingestionStage,
		&fakeStage{name: stages.NameBaseModel, log: &log},
		&fakeStage{name: stages.NameTraining, log: &log},
		&fakeStage{name: stages.NameEvaluation, log: &log},
	)
	require.NoError(t, err)
	results, err := p.Run(context.Background())
	require.Error(t, err)
	var stageErr *pipeline.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, stages.NameIngestion, stageErr.Stage)
	assert.ErrorIs(t, err, zip.ErrFormat)
	assert.Empty(t, log, "no stage should run after a failed ingestion")
	assert.Equal(t, pipeline.StatusNotRun, results[2].Status)
}
