package types

import "time"

// ProviderType identifies the kind of connected account.
type ProviderType string

const (
	ProviderAWS        ProviderType = "aws"
	ProviderAzure      ProviderType = "azure"
	ProviderGCP        ProviderType = "gcp"
	ProviderKubernetes ProviderType = "kubernetes"
	ProviderM365       ProviderType = "m365"
	ProviderGitHub     ProviderType = "github"
)

// GlobalRegion is the logical region used for providers without regions.
const GlobalRegion = "-"

// IsRegional reports whether findings of this provider carry cloud regions.
func (t ProviderType) IsRegional() bool {
	switch t {
	case ProviderKubernetes, ProviderM365, ProviderGitHub:
		return false
	default:
		return true
	}
}

// Provider is one connected cloud account.
type Provider struct {
	ID       string       `json:"id"`
	TenantID string       `json:"tenant_id"`
	Type     ProviderType `json:"provider"`
	// UID is the account, project, subscription or cluster identifier.
	UID   string `json:"uid"`
	Alias string `json:"alias,omitempty"`

	Connected               bool      `json:"connected"`
	ConnectionLastCheckedAt time.Time `json:"connection_last_checked_at,omitempty"`
	InsertedAt              time.Time `json:"inserted_at"`
}

// MarkConnection records the outcome of a connectivity attempt.
func (p *Provider) MarkConnection(connected bool, at time.Time) {
	p.Connected = connected
	p.ConnectionLastCheckedAt = at
}
