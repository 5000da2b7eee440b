// Package reconciler upserts the resources and tags a finding refers to.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/yairfalse/warden/storage"
	"github.com/yairfalse/warden/types"
)

// ResourceReconciler keeps resources and their tag sets in line with what
// the latest scan observed.
type ResourceReconciler struct{}

// NewResourceReconciler creates a resource reconciler
func NewResourceReconciler() *ResourceReconciler {
	return &ResourceReconciler{}
}

// Reconcile gets or creates the resource behind result, overwrites its
// attributes with the latest observation and replaces its tag association.
// All writes go through tx and commit with the caller's batch.
func (r *ResourceReconciler) Reconcile(ctx context.Context, tx storage.Tx, providerID string, result types.FindingResult) (*types.Resource, types.ResourceIdentity, error) {
	if result.ResourceUID == "" {
		return nil, types.ResourceIdentity{}, fmt.Errorf("finding %s has no resource uid", result.UID)
	}

	obs, err := ObservationFromResult(result)
	if err != nil {
		return nil, types.ResourceIdentity{}, err
	}

	res, created, err := tx.GetOrCreateResource(ctx, providerID, result.ResourceUID, obs)
	if err != nil {
		return nil, types.ResourceIdentity{}, fmt.Errorf("failed to get or create resource %s: %w", result.ResourceUID, err)
	}

	if !created {
		res.Apply(obs)
		if err := tx.SaveResource(ctx, res); err != nil {
			return nil, types.ResourceIdentity{}, fmt.Errorf("failed to update resource %s: %w", res.UID, err)
		}
	}

	if err := r.reconcileTags(ctx, tx, res.ID, result.ResourceTags); err != nil {
		return nil, types.ResourceIdentity{}, err
	}

	return res, res.Identity(), nil
}

// reconcileTags makes tags the resource's exact tag set, creating tenant
// tags that do not exist yet.
func (r *ResourceReconciler) reconcileTags(ctx context.Context, tx storage.Tx, resourceID string, tags types.Tags) error {
	pairs := tags.Pairs()
	rows := make([]*types.ResourceTag, 0, len(pairs))
	for _, p := range pairs {
		tag, _, err := tx.GetOrCreateTag(ctx, p.Key, p.Value)
		if err != nil {
			return fmt.Errorf("failed to get or create tag %s: %w", p.Key, err)
		}
		rows = append(rows, tag)
	}

	if err := tx.ReplaceResourceTags(ctx, resourceID, rows); err != nil {
		return fmt.Errorf("failed to replace tags of %s: %w", resourceID, err)
	}
	return nil
}

// ObservationFromResult extracts the resource attributes carried by result.
// Metadata is stored as its JSON rendering.
func ObservationFromResult(result types.FindingResult) (types.Observation, error) {
	metadata := "{}"
	if len(result.ResourceMetadata) > 0 {
		raw, err := json.Marshal(result.ResourceMetadata)
		if err != nil {
			return types.Observation{}, fmt.Errorf("failed to encode metadata of %s: %w", result.ResourceUID, err)
		}
		metadata = string(raw)
	}

	return types.Observation{
		Name:      result.ResourceName,
		Region:    result.Region,
		Service:   result.ServiceName,
		Type:      result.ResourceType,
		Metadata:  metadata,
		Details:   result.ResourceDetails,
		Partition: result.Partition,
	}, nil
}
