package storage

import (
	"context"

	"github.com/yairfalse/warden/types"
)

// Tx is a tenant-scoped unit of work. Everything written through a Tx
// commits atomically or not at all.
type Tx interface {
	TenantID() string

	// GetOrCreateResource returns the resource keyed by (tenant, provider, uid),
	// creating it from obs when absent. created reports which path was taken.
	GetOrCreateResource(ctx context.Context, providerID, uid string, obs types.Observation) (res *types.Resource, created bool, err error)
	SaveResource(ctx context.Context, res *types.Resource) error

	// GetOrCreateTag returns the tag keyed by (tenant, key, value).
	GetOrCreateTag(ctx context.Context, key, value string) (*types.ResourceTag, bool, error)
	// ReplaceResourceTags sets the resource's tag association to exactly tags.
	ReplaceResourceTags(ctx context.Context, resourceID string, tags []*types.ResourceTag) error

	// PreviousFinding returns the latest finding with uid for the provider from
	// a scan whose sequence is lower than beforeSequence, or nil when none exists.
	PreviousFinding(ctx context.Context, providerID, uid string, beforeSequence int64) (*types.Finding, error)
	CreateFinding(ctx context.Context, f *types.Finding) error

	SaveScan(ctx context.Context, s *types.Scan) error
}

// TxRunner opens tenant-scoped transactions.
type TxRunner interface {
	InTenantTx(ctx context.Context, tenantID string, fn func(tx Tx) error) error
}

// ScanStore persists scans.
type ScanStore interface {
	CreateScan(ctx context.Context, s *types.Scan) error
	GetScan(ctx context.Context, tenantID, scanID string) (*types.Scan, error)
	SaveScan(ctx context.Context, s *types.Scan) error
}

// ProviderStore persists providers.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p *types.Provider) error
	GetProvider(ctx context.Context, tenantID, providerID string) (*types.Provider, error)
	SaveProvider(ctx context.Context, p *types.Provider) error
}

// FailedFindingsCounter recomputes per-resource failure counts for a scan.
type FailedFindingsCounter interface {
	// RecomputeFailedFindings sets failed_findings_count on every resource
	// touched by the scan and returns how many resources were updated.
	RecomputeFailedFindings(ctx context.Context, tenantID, scanID string) (int, error)
}

// ComplianceStore persists materialized compliance requirements.
type ComplianceStore interface {
	ScanRegions(ctx context.Context, tenantID, scanID string) ([]string, error)
	// CreateComplianceRequirements writes rows in one transaction. A row with
	// an existing (scan, compliance, requirement, region) tuple replaces it.
	CreateComplianceRequirements(ctx context.Context, tenantID string, reqs []types.ComplianceRequirement) error
	ComplianceRequirements(ctx context.Context, tenantID, scanID string) ([]types.ComplianceRequirement, error)
}

// FindingReader queries persisted findings and resources.
type FindingReader interface {
	Findings(ctx context.Context, tenantID, scanID string) ([]types.Finding, error)
	Resource(ctx context.Context, tenantID, providerID, uid string) (*types.Resource, error)
	ResourceTags(ctx context.Context, tenantID, resourceID string) ([]types.ResourceTag, error)
}

// Lifecycle manages storage lifecycle
type Lifecycle interface {
	Close() error
}

// Store is the complete persistence boundary.
type Store interface {
	TxRunner
	ScanStore
	ProviderStore
	FailedFindingsCounter
	ComplianceStore
	FindingReader
	Lifecycle
}
