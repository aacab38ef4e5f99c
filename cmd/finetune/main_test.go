// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/gomlx/finetune/internal/pipeline"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestLoggedByPipeline(t *testing.T) {
	stageErr := &pipeline.StageError{Stage: "training", Err: errors.New("no images")}
	assert.True(t, loggedByPipeline(stageErr))
	assert.True(t, loggedByPipeline(errors.WithMessage(stageErr, "pipeline failed")))
	assert.False(t, loggedByPipeline(errors.New("invalid settings")))
}
