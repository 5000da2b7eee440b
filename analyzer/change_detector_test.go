package analyzer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/yairfalse/warden/types"
)

func statusPtr(s types.Status) *types.Status { return &s }

func TestFindingDelta(t *testing.T) {
	tests := []struct {
		name     string
		previous *types.Status
		current  types.Status
		want     types.Delta
	}{
		{"never seen", nil, types.StatusFail, types.DeltaNew},
		{"never seen manual", nil, types.StatusManual, types.DeltaNew},
		{"same status", statusPtr(types.StatusFail), types.StatusFail, types.DeltaNone},
		{"pass to fail", statusPtr(types.StatusPass), types.StatusFail, types.DeltaChanged},
		{"fail to pass", statusPtr(types.StatusFail), types.StatusPass, types.DeltaChanged},
		{"manual to pass", statusPtr(types.StatusManual), types.StatusPass, types.DeltaChanged},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FindingDelta(tt.previous, tt.current))
		})
	}
}

func TestFindingDelta_NoneOnlyWhenEqual(t *testing.T) {
	statuses := []types.Status{types.StatusPass, types.StatusFail, types.StatusManual}
	for _, prev := range statuses {
		for _, cur := range statuses {
			got := FindingDelta(statusPtr(prev), cur)
			if prev == cur {
				assert.Equal(t, types.DeltaNone, got)
			} else {
				assert.Equal(t, types.DeltaChanged, got)
			}
		}
	}
}

func TestChangeDetector_Detect(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	firstSeen := now.Add(-48 * time.Hour)
	d := NewChangeDetector()

	change := d.Detect(nil, types.StatusFail, now)
	assert.Equal(t, types.DeltaNew, change.Delta)
	assert.Equal(t, now, change.FirstSeenAt)

	change = d.Detect(&types.Finding{Status: types.StatusPass, FirstSeenAt: firstSeen}, types.StatusFail, now)
	assert.Equal(t, types.DeltaChanged, change.Delta)
	assert.Equal(t, firstSeen, change.FirstSeenAt)

	change = d.Detect(&types.Finding{Status: types.StatusFail}, types.StatusFail, now)
	assert.Equal(t, types.DeltaNone, change.Delta)
	assert.Equal(t, now, change.FirstSeenAt)

	assert.Equal(t, DeltaTally{New: 1, Changed: 1, Unchanged: 1}, d.Tally())
	assert.Equal(t, 3, d.Tally().Total())
}

func TestDeltaTally_Merge(t *testing.T) {
	total := DeltaTally{New: 1}
	total.Merge(DeltaTally{New: 2, Changed: 3, Unchanged: 4})
	assert.Equal(t, DeltaTally{New: 3, Changed: 3, Unchanged: 4}, total)
}
