package workflow

import (
	"errors"
	"testing"

	"github.com/rogers-f/steward/internal/domain"
)

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to domain.RunStatus
		want     bool
	}{
		{domain.StatusPending, domain.StatusRunning, true},
		{domain.StatusPending, domain.StatusFailed, true},
		{domain.StatusPending, domain.StatusSucceeded, false},
		{domain.StatusRunning, domain.StatusRunning, true},
		{domain.StatusRunning, domain.StatusSucceeded, true},
		{domain.StatusRunning, domain.StatusFailed, true},
		{domain.StatusRunning, domain.StatusPending, false},
		{domain.StatusSucceeded, domain.StatusRunning, false},
		{domain.StatusSucceeded, domain.StatusFailed, false},
		{domain.StatusFailed, domain.StatusRunning, false},
		{domain.StatusFailed, domain.StatusPending, false},
	}
	for _, tt := range tests {
		if got := IsValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("IsValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestMachine_FullPath(t *testing.T) {
	m := NewMachine(3)
	if m.Status() != domain.StatusPending {
		t.Fatalf("initial status = %q, want pending", m.Status())
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 1; i < 3; i++ {
		if err := m.Advance(); err != nil {
			t.Fatalf("Advance to %d: %v", i, err)
		}
		if m.Stage() != i {
			t.Errorf("Stage = %d, want %d", m.Stage(), i)
		}
	}
	if err := m.Advance(); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("Advance past last stage: err = %v, want ErrInvalidTransition", err)
	}
	if err := m.Succeed(); err != nil {
		t.Fatalf("Succeed: %v", err)
	}
	if !m.Status().Terminal() {
		t.Error("succeeded should be terminal")
	}
	if err := m.Fail(); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("Fail after Succeed: err = %v, want ErrInvalidTransition", err)
	}
}

func TestMachine_SucceedBeforeLastStage(t *testing.T) {
	m := NewMachine(2)
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Succeed(); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestMachine_Rewind(t *testing.T) {
	m := NewMachine(4)
	_ = m.Start()
	_ = m.Advance()
	_ = m.Advance()

	if err := m.Rewind(3); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("rewind forward: err = %v, want ErrInvalidTransition", err)
	}
	if err := m.Rewind(1); err != nil {
		t.Fatalf("Rewind: %v", err)
	}
	if m.Stage() != 1 || m.Status() != domain.StatusRunning {
		t.Errorf("after rewind = %s(%d), want running(1)", m.Status(), m.Stage())
	}
}

func TestMachine_FailKeepsStage(t *testing.T) {
	m := NewMachine(3)
	_ = m.Start()
	_ = m.Advance()
	if err := m.Fail(); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if m.Stage() != 1 {
		t.Errorf("Stage = %d, want 1", m.Stage())
	}
	if err := m.Start(); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("restart after failure: err = %v, want ErrInvalidTransition", err)
	}
}

func TestMachine_EmptyPipeline(t *testing.T) {
	if err := NewMachine(0).Start(); !errors.Is(err, domain.ErrEmptyPipeline) {
		t.Errorf("err = %v, want ErrEmptyPipeline", err)
	}
}
