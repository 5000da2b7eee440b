// Package filter scopes which check results a scan persists.
package filter

import (
	"github.com/yairfalse/warden/types"
)

// Filter controls which checks and services run and which resources are
// included.
type Filter struct {
	checks          map[string]bool
	excludeServices map[string]bool
	includeTags     map[string]string
	excludeTags     map[string]string
}

// New creates a new Filter. An empty checks list allows every check.
func New(checks, excludeServices []string, includeTags, excludeTags map[string]string) *Filter {
	return &Filter{
		checks:          toSet(checks),
		excludeServices: toSet(excludeServices),
		includeTags:     includeTags,
		excludeTags:     excludeTags,
	}
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// ShouldRunCheck returns true if results of the check should be kept.
func (f *Filter) ShouldRunCheck(checkID string) bool {
	return len(f.checks) == 0 || f.checks[checkID]
}

// ShouldScanService returns true if the given service is not excluded.
func (f *Filter) ShouldScanService(service string) bool {
	return !f.excludeServices[service]
}

// ShouldIncludeResult returns true if the result passes check, service and
// tag filters.
func (f *Filter) ShouldIncludeResult(r types.FindingResult) bool {
	if !f.ShouldRunCheck(r.CheckID) || !f.ShouldScanService(r.ServiceName) {
		return false
	}

	// Check include tags (whitelist) - ALL must match
	for k, v := range f.includeTags {
		if r.ResourceTags == nil || r.ResourceTags[k] != v {
			return false
		}
	}

	// Check exclude tags (blacklist) - ANY match excludes
	for k, v := range f.excludeTags {
		if r.ResourceTags != nil && r.ResourceTags[k] == v {
			return false
		}
	}

	return true
}

// FilterResults returns only results that pass the filter.
func (f *Filter) FilterResults(results []types.FindingResult) []types.FindingResult {
	if f.IsEmpty() {
		return results
	}

	filtered := make([]types.FindingResult, 0, len(results))
	for _, r := range results {
		if f.ShouldIncludeResult(r) {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// IsEmpty returns true if no filters are configured.
func (f *Filter) IsEmpty() bool {
	return len(f.checks) == 0 && len(f.excludeServices) == 0 &&
		len(f.includeTags) == 0 && len(f.excludeTags) == 0
}
