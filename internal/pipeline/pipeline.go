// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline runs a fixed sequence of stages, each one only after the previous one
// completed successfully. The first failure stops the run.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Stage is one step of the pipeline.
type Stage interface {
	Name() string
	Run(ctx context.Context) error
}

// StageError is returned when a stage fails. It unwraps to the stage's error.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Status of a stage in a run.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusNotRun    Status = "NOT RUN"
)

// Result of one stage of a run.
type Result struct {
	Stage    string
	Status   Status
	Duration time.Duration
	Err      error
}

// Pipeline holds the ordered stages.
type Pipeline struct {
	stages []Stage
	state  State
}

// New creates a pipeline with the given stages, run in order. Stage names must be unique.
func New(stages ...Stage) (*Pipeline, error) {
	seen := make(map[string]bool, len(stages))
	for _, s := range stages {
		if seen[s.Name()] {
			return nil, errors.Errorf("stage %q given more than once", s.Name())
		}
		seen[s.Name()] = true
	}
	return &Pipeline{stages: stages, state: State{Phase: PhasePending}}, nil
}

// Stages returns the names of the stages, in order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for ii, s := range p.stages {
		names[ii] = s.Name()
	}
	return names
}

// State of the last run.
func (p *Pipeline) State() State { return p.state }

// Run every stage in order. It returns a result per stage (stages after a failure are NOT RUN)
// and, on failure, a *StageError.
func (p *Pipeline) Run(ctx context.Context) ([]Result, error) {
	return p.run(ctx, p.stages)
}

// RunStage runs only the named stage. Its inputs must have been produced by a previous run.
func (p *Pipeline) RunStage(ctx context.Context, name string) ([]Result, error) {
	for _, s := range p.stages {
		if s.Name() == name {
			return p.run(ctx, []Stage{s})
		}
	}
	return nil, errors.Errorf("unknown stage %q, valid stages are %v", name, p.Stages())
}

func (p *Pipeline) run(ctx context.Context, stages []Stage) ([]Result, error) {
	m := newMachine(len(stages))
	defer func() { p.state = m.state }()
	results := make([]Result, len(stages))
	for ii, s := range stages {
		results[ii] = Result{Stage: s.Name(), Status: StatusNotRun}
	}
	for ii, s := range stages {
		if err := m.advance(); err != nil {
			return results, err
		}
		err := ctx.Err()
		start := time.Now()
		if err == nil {
			klog.Infof(">>>>>> stage %s started <<<<<<", s.Name())
			err = runStage(ctx, s)
		}
		results[ii].Duration = time.Since(start)
		if err != nil {
			_ = m.fail()
			results[ii].Status, results[ii].Err = StatusFailed, err
			stageErr := &StageError{Stage: s.Name(), Err: err}
			klog.Errorf("%+v", stageErr)
			return results, stageErr
		}
		results[ii].Status = StatusCompleted
		klog.Infof(">>>>>> stage %s completed in %s <<<<<<\n\nx==========x", s.Name(), commandline.FormatDuration(results[ii].Duration))
	}
	return results, m.advance()
}

// runStage converts a panic in the stage into an error.
func runStage(ctx context.Context, s Stage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = errors.WithMessage(e, "panic")
			} else {
				err = errors.Errorf("panic: %v", r)
			}
		}
	}()
	return s.Run(ctx)
}
