package types

import "time"

// CheckStatusCounts aggregates check outcomes behind a requirement.
type CheckStatusCounts struct {
	Pass   int `json:"pass" yaml:"pass"`
	Fail   int `json:"fail" yaml:"fail"`
	Manual int `json:"manual" yaml:"manual"`
	Total  int `json:"total" yaml:"total"`
}

// ComplianceRequirement is the status of one framework requirement in one
// region of a scan. Unique per (scan, compliance id, requirement id, region).
type ComplianceRequirement struct {
	ID            string            `json:"id"`
	TenantID      string            `json:"tenant_id"`
	ScanID        string            `json:"scan_id"`
	ComplianceID  string            `json:"compliance_id"`
	Framework     string            `json:"framework"`
	Version       string            `json:"version"`
	RequirementID string            `json:"requirement_id"`
	Description   string            `json:"description"`
	Region        string            `json:"region"`
	ChecksStatus  CheckStatusCounts `json:"checks_status"`
	Status        Status            `json:"requirement_status"`
	InsertedAt    time.Time         `json:"inserted_at"`
}
