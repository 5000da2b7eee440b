package orchestrator

import (
	"context"

	"github.com/yairfalse/warden/aggregator"
	"github.com/yairfalse/warden/compliance"
)

// PipelineResult combines the outcome of every post-scan stage.
type PipelineResult struct {
	Scan                *ScanSummary       `json:"scan"`
	ResourcesRecomputed int                `json:"resources_recomputed"`
	Compliance          *compliance.Result `json:"compliance"`
}

// Pipeline runs a scan and then its post-scan stages, in order, for one
// scan. The post-scan stages only run after the scan completed.
type Pipeline struct {
	controller   *Controller
	updater      *aggregator.FailedFindingsUpdater
	materializer *compliance.Materializer
}

// NewPipeline creates a pipeline
func NewPipeline(controller *Controller, updater *aggregator.FailedFindingsUpdater, materializer *compliance.Materializer) *Pipeline {
	return &Pipeline{
		controller:   controller,
		updater:      updater,
		materializer: materializer,
	}
}

// Run performs the scan, recomputes failed findings counts and
// materializes compliance requirements. The partial result is returned
// with the first error.
func (p *Pipeline) Run(ctx context.Context, req ScanRequest) (*PipelineResult, error) {
	result := &PipelineResult{}

	summary, err := p.controller.Perform(ctx, req)
	if err != nil {
		return result, err
	}
	result.Scan = summary

	updated, err := p.updater.Recompute(ctx, req.TenantID, req.ScanID)
	if err != nil {
		return result, err
	}
	result.ResourcesRecomputed = updated

	materialized, err := p.materializer.Materialize(ctx, req.TenantID, req.ScanID)
	if err != nil {
		return result, err
	}
	result.Compliance = materialized

	return result, nil
}
