// Package aggregator recomputes per-resource failure counts after a scan.
package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/yairfalse/warden/storage"
	"github.com/yairfalse/warden/telemetry"
)

// FailedFindingsUpdater sets each touched resource's failed_findings_count
// to the number of distinct FAIL finding uids attached to it in the scan.
type FailedFindingsUpdater struct {
	store   storage.FailedFindingsCounter
	metrics *telemetry.ScanMetrics
	logger  *telemetry.Logger
}

// NewFailedFindingsUpdater creates an updater
func NewFailedFindingsUpdater(store storage.FailedFindingsCounter, metrics *telemetry.ScanMetrics, logger *telemetry.Logger) *FailedFindingsUpdater {
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &FailedFindingsUpdater{store: store, metrics: metrics, logger: logger}
}

// Recompute runs the bulk update for one scan and returns how many resources
// were updated. A missing scan fails with types.ErrNotFound and writes nothing.
func (u *FailedFindingsUpdater) Recompute(ctx context.Context, tenantID, scanID string) (int, error) {
	start := time.Now()

	updated, err := u.store.RecomputeFailedFindings(ctx, tenantID, scanID)
	if err != nil {
		return 0, fmt.Errorf("recompute failed findings for scan %s: %w", scanID, err)
	}

	if u.metrics != nil {
		u.metrics.ResourcesRecomputed.Add(ctx, int64(updated))
	}
	u.logger.WithContext(ctx).Info().
		Str("tenant_id", tenantID).
		Str("scan_id", scanID).
		Int("resources_updated", updated).
		Dur("took", time.Since(start)).
		Msg("failed findings recomputed")

	return updated, nil
}
