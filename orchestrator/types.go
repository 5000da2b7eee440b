package orchestrator

import (
	"time"

	"github.com/yairfalse/warden/analyzer"
	"github.com/yairfalse/warden/storage"
	"github.com/yairfalse/warden/types"
)

// Store is the persistence the controller needs.
type Store interface {
	storage.TxRunner
	storage.ScanStore
	storage.ProviderStore
}

// ScanRequest identifies the scan to perform. Checks, when set, limits the
// run to those check ids.
type ScanRequest struct {
	TenantID string   `json:"tenant_id"`
	ScanID   string   `json:"scan_id"`
	Checks   []string `json:"checks,omitempty"`
}

// ScanSummary reports what one Perform call did.
type ScanSummary struct {
	ScanID              string              `json:"scan_id"`
	State               types.ScanState     `json:"state"`
	Progress            int                 `json:"progress"`
	Batches             int                 `json:"batches"`
	Findings            int                 `json:"findings"`
	UniqueResourceCount int                 `json:"unique_resource_count"`
	Deltas              analyzer.DeltaTally `json:"deltas"`
	Duration            time.Duration       `json:"duration"`
}
