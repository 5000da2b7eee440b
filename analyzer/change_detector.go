// Package analyzer classifies findings against the tenant's history.
package analyzer

import (
	"time"

	"github.com/yairfalse/warden/types"
)

// FindingDelta classifies current against the previous status for the same
// finding uid. A nil previous means the uid was never seen before.
func FindingDelta(previous *types.Status, current types.Status) types.Delta {
	switch {
	case previous == nil:
		return types.DeltaNew
	case *previous != current:
		return types.DeltaChanged
	default:
		return types.DeltaNone
	}
}

// Change is the outcome of comparing one result with its history.
type Change struct {
	Delta       types.Delta
	FirstSeenAt time.Time
}

// ChangeDetector compares incoming results with previously persisted findings.
type ChangeDetector struct {
	tally DeltaTally
}

// NewChangeDetector creates a new change detector
func NewChangeDetector() *ChangeDetector {
	return &ChangeDetector{}
}

// Detect classifies status against previous. The first-seen time carries
// over from the previous finding so a uid keeps its original discovery time.
func (d *ChangeDetector) Detect(previous *types.Finding, status types.Status, now time.Time) Change {
	if previous == nil {
		d.tally.add(types.DeltaNew)
		return Change{Delta: types.DeltaNew, FirstSeenAt: now}
	}

	prev := previous.Status
	change := Change{Delta: FindingDelta(&prev, status), FirstSeenAt: previous.FirstSeenAt}
	if change.FirstSeenAt.IsZero() {
		change.FirstSeenAt = now
	}
	d.tally.add(change.Delta)
	return change
}

// Tally returns the counts classified so far.
func (d *ChangeDetector) Tally() DeltaTally {
	return d.tally
}

// DeltaTally counts findings by delta.
type DeltaTally struct {
	New       int `json:"new"`
	Changed   int `json:"changed"`
	Unchanged int `json:"unchanged"`
}

func (t *DeltaTally) add(delta types.Delta) {
	switch delta {
	case types.DeltaNew:
		t.New++
	case types.DeltaChanged:
		t.Changed++
	default:
		t.Unchanged++
	}
}

// Merge adds other into t.
func (t *DeltaTally) Merge(other DeltaTally) {
	t.New += other.New
	t.Changed += other.Changed
	t.Unchanged += other.Unchanged
}

// Total returns the number of classified findings.
func (t DeltaTally) Total() int {
	return t.New + t.Changed + t.Unchanged
}
