// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"

	"github.com/pkg/errors"
)

// Phase of a pipeline run.
type Phase string

const (
	PhasePending Phase = "PENDING"
	PhaseRunning Phase = "RUNNING"
	PhaseDone    Phase = "DONE"
	PhaseFailed  Phase = "FAILED"
)

// State of a pipeline run: the phase and, while running or after a failure, the index of the
// current stage.
type State struct {
	Phase Phase
	Stage int
}

func (s State) String() string {
	switch s.Phase {
	case PhaseRunning, PhaseFailed:
		return fmt.Sprintf("%s(stage #%d)", s.Phase, s.Stage)
	default:
		return string(s.Phase)
	}
}

// IsTerminal reports whether no more transitions are possible.
func (s State) IsTerminal() bool {
	return s.Phase == PhaseDone || s.Phase == PhaseFailed
}

// machine enforces the pipeline state transitions:
//
//	Pending -> Running(0) -> Running(1) -> ... -> Running(n-1) -> Done
//
// with Failed reachable from any Running state.
type machine struct {
	state     State
	numStages int
}

func newMachine(numStages int) *machine {
	return &machine{state: State{Phase: PhasePending}, numStages: numStages}
}

// advance moves to the next stage, or to Done after the last one.
func (m *machine) advance() error {
	switch m.state.Phase {
	case PhasePending:
		if m.numStages == 0 {
			m.state = State{Phase: PhaseDone}
			return nil
		}
		m.state = State{Phase: PhaseRunning, Stage: 0}
	case PhaseRunning:
		if m.state.Stage+1 >= m.numStages {
			m.state = State{Phase: PhaseDone, Stage: m.state.Stage}
		} else {
			m.state.Stage++
		}
	default:
		return errors.Errorf("invalid pipeline transition: can't advance from %s", m.state)
	}
	return nil
}

// fail moves the running stage to Failed.
func (m *machine) fail() error {
	if m.state.Phase != PhaseRunning {
		return errors.Errorf("invalid pipeline transition: can't fail from %s", m.state)
	}
	m.state.Phase = PhaseFailed
	return nil
}
