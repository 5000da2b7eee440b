package types

import "time"

// Status is the outcome of one check evaluation.
type Status string

const (
	StatusPass   Status = "PASS"
	StatusFail   Status = "FAIL"
	StatusManual Status = "MANUAL"
)

// Severity of the check that produced a finding.
type Severity string

const (
	SeverityCritical      Severity = "critical"
	SeverityHigh          Severity = "high"
	SeverityMedium        Severity = "medium"
	SeverityLow           Severity = "low"
	SeverityInformational Severity = "informational"
)

// Delta classifies a finding against the tenant's previous scan.
// The zero value means unchanged.
type Delta string

const (
	DeltaNone    Delta = ""
	DeltaNew     Delta = "new"
	DeltaChanged Delta = "changed"
)

// DefaultMutedReason is recorded when a result is muted without a reason.
const DefaultMutedReason = "Muted by mutelist"

// Finding is one check's evaluation for one resource in one scan.
type Finding struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	ScanID     string `json:"scan_id"`
	ProviderID string `json:"provider_id"`
	// ScanSequence copies the owning scan's sequence for history lookups.
	ScanSequence int64 `json:"scan_sequence"`

	UID            string            `json:"uid"`
	Delta          Delta             `json:"delta,omitempty"`
	Status         Status            `json:"status"`
	StatusExtended string            `json:"status_extended,omitempty"`
	Severity       Severity          `json:"severity"`
	CheckID        string            `json:"check_id"`
	CheckMetadata  map[string]any    `json:"check_metadata,omitempty"`
	RawResult      map[string]any    `json:"raw_result,omitempty"`
	Region         string            `json:"region,omitempty"`
	Muted          bool              `json:"muted"`
	MutedReason    string            `json:"muted_reason,omitempty"`
	Compliance     map[string]string `json:"compliance,omitempty"`
	ResourceIDs    []string          `json:"resource_ids"`
	FirstSeenAt    time.Time         `json:"first_seen_at"`
	InsertedAt     time.Time         `json:"inserted_at"`
}

// FindingResult is one result produced by the external check runner.
type FindingResult struct {
	UID            string         `json:"uid"`
	Status         Status         `json:"status"`
	StatusExtended string         `json:"status_extended"`
	Severity       Severity       `json:"severity"`
	CheckID        string         `json:"check_id"`
	CheckMetadata  map[string]any `json:"check_metadata"`
	Raw            map[string]any `json:"raw"`

	ResourceUID      string         `json:"resource_uid"`
	ResourceName     string         `json:"resource_name"`
	Region           string         `json:"region"`
	ServiceName      string         `json:"service_name"`
	ResourceType     string         `json:"resource_type"`
	ResourceTags     Tags           `json:"resource_tags"`
	ResourceMetadata map[string]any `json:"resource_metadata"`
	ResourceDetails  string         `json:"resource_details"`
	Partition        string         `json:"partition"`

	Muted       bool              `json:"muted"`
	MutedReason string            `json:"muted_reason,omitempty"`
	Compliance  map[string]string `json:"compliance"`
}

// EffectiveMutedReason returns the reason to persist for this result.
func (r FindingResult) EffectiveMutedReason() string {
	if !r.Muted {
		return ""
	}
	if r.MutedReason == "" {
		return DefaultMutedReason
	}
	return r.MutedReason
}

// Batch is one unit produced by the check runner.
type Batch struct {
	Progress int             `json:"progress"`
	Results  []FindingResult `json:"results"`
}
