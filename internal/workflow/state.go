package workflow

import (
	"fmt"

	"github.com/rogers-f/steward/internal/domain"
)

// validTransitions defines the legal run status transitions.
// Running -> Running covers both advancing and rewinding to an earlier stage.
var validTransitions = map[domain.RunStatus]map[domain.RunStatus]bool{
	domain.StatusPending: {domain.StatusRunning: true, domain.StatusFailed: true},
	domain.StatusRunning: {domain.StatusRunning: true, domain.StatusSucceeded: true, domain.StatusFailed: true},
}

// IsValidTransition checks if a status transition is legal.
func IsValidTransition(from, to domain.RunStatus) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Machine tracks a run's position: Pending, Running(i), Succeeded or Failed.
type Machine struct {
	status domain.RunStatus
	stage  int
	stages int
}

// NewMachine returns a machine in Pending for a pipeline of n stages.
func NewMachine(n int) *Machine {
	return &Machine{status: domain.StatusPending, stages: n}
}

// Status returns the current status.
func (m *Machine) Status() domain.RunStatus { return m.status }

// Stage returns the current stage index. It is meaningful only while Running
// or after Failed.
func (m *Machine) Stage() int { return m.stage }

// Start moves Pending to Running(0).
func (m *Machine) Start() error {
	if m.stages == 0 {
		return domain.ErrEmptyPipeline
	}
	return m.move(domain.StatusRunning, 0)
}

// Advance moves Running(i) to Running(i+1).
func (m *Machine) Advance() error {
	if m.status == domain.StatusRunning && m.stage+1 >= m.stages {
		return m.illegal(domain.StatusRunning, m.stage+1)
	}
	return m.move(domain.StatusRunning, m.stage+1)
}

// Rewind moves Running(i) back to Running(to) for a stage-level regeneration.
func (m *Machine) Rewind(to int) error {
	if m.status == domain.StatusRunning && (to < 0 || to > m.stage) {
		return m.illegal(domain.StatusRunning, to)
	}
	return m.move(domain.StatusRunning, to)
}

// Succeed moves Running(last) to Succeeded.
func (m *Machine) Succeed() error {
	if m.status == domain.StatusRunning && m.stage != m.stages-1 {
		return m.illegal(domain.StatusSucceeded, m.stage)
	}
	return m.move(domain.StatusSucceeded, m.stage)
}

// Fail moves Pending or Running(i) to Failed, keeping the stage index.
func (m *Machine) Fail() error {
	return m.move(domain.StatusFailed, m.stage)
}

func (m *Machine) move(to domain.RunStatus, stage int) error {
	if !IsValidTransition(m.status, to) {
		return m.illegal(to, stage)
	}
	m.status = to
	m.stage = stage
	return nil
}

func (m *Machine) illegal(to domain.RunStatus, stage int) error {
	return domain.NewEngineError(
		domain.ErrInvalidTransition.Code,
		fmt.Sprintf("illegal transition %s(%d) -> %s(%d)", m.status, m.stage, to, stage),
	)
}
