package compliance

import (
	"context"
	"fmt"
	"sort"

	"github.com/yairfalse/warden/providers"
	"github.com/yairfalse/warden/storage"
	"github.com/yairfalse/warden/telemetry"
	"github.com/yairfalse/warden/types"
)

// Store is the persistence the materializer needs.
type Store interface {
	storage.ScanStore
	storage.ProviderStore
	storage.ComplianceStore
}

// Result summarizes one materialization.
type Result struct {
	RequirementsCreated  int      `json:"requirements_created"`
	RegionsProcessed     []string `json:"regions_processed"`
	ComplianceFrameworks []string `json:"compliance_frameworks"`
}

// Materializer writes one ComplianceRequirement row per region, framework
// and requirement of the provider's template. Statuses are copied from the
// template as resolved there.
type Materializer struct {
	store       Store
	templates   TemplateProvider
	initializer providers.Initializer
	metrics     *telemetry.ScanMetrics
	logger      *telemetry.Logger
}

// NewMaterializer creates a materializer. When an initializer is set the
// provider is connected before any row is written; its regions are used when
// a regional scan persisted no findings.
func NewMaterializer(store Store, templates TemplateProvider, initializer providers.Initializer, metrics *telemetry.ScanMetrics, logger *telemetry.Logger) *Materializer {
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &Materializer{
		store:       store,
		templates:   templates,
		initializer: initializer,
		metrics:     metrics,
		logger:      logger,
	}
}

// Materialize writes the scan's compliance rows. Each region commits in its
// own transaction; a failure leaves earlier regions committed. Template and
// provider errors are returned unmodified.
func (m *Materializer) Materialize(ctx context.Context, tenantID, scanID string) (*Result, error) {
	scan, err := m.store.GetScan(ctx, tenantID, scanID)
	if err != nil {
		return nil, err
	}
	provider, err := m.store.GetProvider(ctx, tenantID, scan.ProviderID)
	if err != nil {
		return nil, err
	}

	tmpl, err := m.templates.Template(ctx, provider.Type)
	if err != nil {
		return nil, err
	}

	var handle providers.Handle
	if m.initializer != nil {
		if handle, err = m.initializer.Initialize(ctx, provider); err != nil {
			return nil, err
		}
	}

	result := &Result{RegionsProcessed: []string{}, ComplianceFrameworks: []string{}}
	if len(tmpl) == 0 {
		return result, nil
	}

	regions, err := m.regions(ctx, scan, provider, handle)
	if err != nil {
		return nil, err
	}

	frameworks := tmpl.IDs()
	for _, region := range regions {
		rows := buildRequirements(scan, tmpl, frameworks, region)
		if err := m.store.CreateComplianceRequirements(ctx, tenantID, rows); err != nil {
			return nil, fmt.Errorf("write compliance requirements for region %s: %w", region, err)
		}
		result.RequirementsCreated += len(rows)
		result.RegionsProcessed = append(result.RegionsProcessed, region)
	}
	result.ComplianceFrameworks = frameworks

	if m.metrics != nil {
		m.metrics.RequirementsCreated.Add(ctx, int64(result.RequirementsCreated))
	}
	m.logger.WithContext(ctx).Info().
		Str("scan_id", scanID).
		Int("requirements", result.RequirementsCreated).
		Strs("regions", result.RegionsProcessed).
		Strs("frameworks", result.ComplianceFrameworks).
		Msg("compliance requirements materialized")

	return result, nil
}

// regions returns the logical placeholder for non-regional providers, else
// the regions present in the scan's findings, falling back to the regions
// handle reports.
func (m *Materializer) regions(ctx context.Context, scan *types.Scan, provider *types.Provider, handle providers.Handle) ([]string, error) {
	if !provider.Type.IsRegional() {
		return []string{types.GlobalRegion}, nil
	}

	regions, err := m.store.ScanRegions(ctx, scan.TenantID, scan.ID)
	if err != nil {
		return nil, err
	}
	if len(regions) > 0 || handle == nil {
		return regions, nil
	}

	regions, err = handle.Regions(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(regions)
	return regions, nil
}

func buildRequirements(scan *types.Scan, tmpl Template, frameworks []string, region string) []types.ComplianceRequirement {
	var rows []types.ComplianceRequirement
	for _, complianceID := range frameworks {
		fw := tmpl[complianceID]
		for _, reqID := range fw.RequirementIDs() {
			req := fw.Requirements[reqID]
			rows = append(rows, types.ComplianceRequirement{
				TenantID:      scan.TenantID,
				ScanID:        scan.ID,
				ComplianceID:  complianceID,
				Framework:     fw.Framework,
				Version:       fw.Version,
				RequirementID: reqID,
				Description:   req.Description,
				Region:        region,
				ChecksStatus:  req.ChecksStatus,
				Status:        req.Status,
			})
		}
	}
	return rows
}
