package types

import (
	"fmt"
	"time"
)

// ScanState is the lifecycle state of a scan.
type ScanState string

const (
	ScanCreated   ScanState = "created"
	ScanExecuting ScanState = "executing"
	ScanCompleted ScanState = "completed"
	ScanFailed    ScanState = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s ScanState) Terminal() bool {
	return s == ScanCompleted || s == ScanFailed
}

// CanTransitionTo reports whether moving from s to next goes forward.
// CREATED may fail directly (connection error); EXECUTING ends in COMPLETED or FAILED.
func (s ScanState) CanTransitionTo(next ScanState) bool {
	switch s {
	case ScanCreated:
		return next == ScanExecuting || next == ScanFailed
	case ScanExecuting:
		return next == ScanCompleted || next == ScanFailed
	default:
		return false
	}
}

// Scan is one point-in-time run of checks against a provider.
type Scan struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	ProviderID string `json:"provider_id"`

	// Sequence orders scans within a tenant; lower means earlier.
	Sequence int64 `json:"sequence"`

	Name    string   `json:"name,omitempty"`
	Trigger string   `json:"trigger,omitempty"`
	Checks  []string `json:"checks,omitempty"`

	State               ScanState     `json:"state"`
	Progress            int           `json:"progress"`
	StartedAt           time.Time     `json:"started_at,omitempty"`
	CompletedAt         time.Time     `json:"completed_at,omitempty"`
	Duration            time.Duration `json:"duration,omitempty"`
	UniqueResourceCount int           `json:"unique_resource_count"`
	InsertedAt          time.Time     `json:"inserted_at"`
}

// Transition moves the scan to next, rejecting backward moves.
func (s *Scan) Transition(next ScanState) error {
	if s.State == "" {
		s.State = ScanCreated
	}
	if !s.State.CanTransitionTo(next) {
		return fmt.Errorf("scan %s: invalid transition %s -> %s", s.ID, s.State, next)
	}
	s.State = next
	return nil
}

// AdvanceProgress records a reported percentage. Progress never decreases
// and is clamped to [0,100].
func (s *Scan) AdvanceProgress(percent int) {
	if percent > 100 {
		percent = 100
	}
	if percent > s.Progress {
		s.Progress = percent
	}
}

// Complete stamps completion time and duration.
func (s *Scan) Complete(at time.Time) error {
	if err := s.Transition(ScanCompleted); err != nil {
		return err
	}
	s.CompletedAt = at
	if !s.StartedAt.IsZero() {
		s.Duration = at.Sub(s.StartedAt)
	}
	return nil
}

// Fail moves the scan to FAILED and stamps the completion time.
func (s *Scan) Fail(at time.Time) error {
	if err := s.Transition(ScanFailed); err != nil {
		return err
	}
	s.CompletedAt = at
	if !s.StartedAt.IsZero() {
		s.Duration = at.Sub(s.StartedAt)
	}
	return nil
}
