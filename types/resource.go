package types

import "time"

// Resource is a discovered cloud resource, unique per (tenant, provider, uid).
type Resource struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	ProviderID string `json:"provider_id"`
	UID        string `json:"uid"`

	Name      string `json:"name"`
	Region    string `json:"region"`
	Service   string `json:"service"`
	Type      string `json:"type"`
	Metadata  string `json:"metadata,omitempty"`
	Details   string `json:"details,omitempty"`
	Partition string `json:"partition,omitempty"`

	FailedFindingsCount int       `json:"failed_findings_count"`
	InsertedAt          time.Time `json:"inserted_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Observation holds the attributes of a resource as seen by one scan.
type Observation struct {
	Name      string
	Region    string
	Service   string
	Type      string
	Metadata  string
	Details   string
	Partition string
}

// Apply overwrites the resource with the observation. Last write wins:
// the latest scan's view replaces whatever was stored before.
func (r *Resource) Apply(o Observation) {
	r.Name = o.Name
	r.Region = o.Region
	r.Service = o.Service
	r.Type = o.Type
	r.Metadata = o.Metadata
	r.Details = o.Details
	r.Partition = o.Partition
}

// Identity returns the (uid, region) pair used to count unique resources.
func (r *Resource) Identity() ResourceIdentity {
	return ResourceIdentity{UID: r.UID, Region: r.Region}
}

// ResourceIdentity identifies a resource for duplicate-resource counting.
type ResourceIdentity struct {
	UID    string
	Region string
}

// ResourceTag is a tenant-wide key/value pair shared between resources.
type ResourceTag struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Key      string `json:"key"`
	Value    string `json:"value"`
}
