package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/warden/types"
)

// boltTx is a Tx bound to one tenant bucket inside a bbolt write transaction.
type boltTx struct {
	tenantID string
	tb       *bbolt.Bucket
	now      time.Time

	// index entries to publish once the transaction commits
	pending []resourceEntry
}

func (t *boltTx) TenantID() string { return t.tenantID }

func (t *boltTx) GetOrCreateResource(ctx context.Context, providerID, uid string, obs types.Observation) (*types.Resource, bool, error) {
	uids := t.tb.Bucket(bucketResourceUIDs)
	resources := t.tb.Bucket(bucketResources)
	natural := joinKey(providerID, uid)

	if id := uids.Get(natural); id != nil {
		var res types.Resource
		found, err := getJSON(resources, id, &res)
		if err != nil {
			return nil, false, err
		}
		if !found {
			return nil, false, fmt.Errorf("resource index points to missing resource %s", id)
		}
		return &res, false, nil
	}

	res := &types.Resource{
		ID:         uuid.NewString(),
		TenantID:   t.tenantID,
		ProviderID: providerID,
		UID:        uid,
		InsertedAt: t.now,
		UpdatedAt:  t.now,
	}
	res.Apply(obs)

	if err := putJSON(resources, []byte(res.ID), res); err != nil {
		return nil, false, err
	}
	if err := uids.Put(natural, []byte(res.ID)); err != nil {
		return nil, false, err
	}

	t.pending = append(t.pending, resourceEntry{
		TenantID:   t.tenantID,
		ProviderID: providerID,
		UID:        uid,
		ResourceID: res.ID,
	})
	return res, true, nil
}

func (t *boltTx) SaveResource(ctx context.Context, res *types.Resource) error {
	resources := t.tb.Bucket(bucketResources)
	if resources.Get([]byte(res.ID)) == nil {
		return types.NotFound("resource", res.ID)
	}
	res.UpdatedAt = t.now
	return putJSON(resources, []byte(res.ID), res)
}

func (t *boltTx) GetOrCreateTag(ctx context.Context, key, value string) (*types.ResourceTag, bool, error) {
	keys := t.tb.Bucket(bucketTagKeys)
	tags := t.tb.Bucket(bucketTags)
	natural := joinKey(key, value)

	if id := keys.Get(natural); id != nil {
		var tag types.ResourceTag
		found, err := getJSON(tags, id, &tag)
		if err != nil {
			return nil, false, err
		}
		if !found {
			return nil, false, fmt.Errorf("tag index points to missing tag %s", id)
		}
		return &tag, false, nil
	}

	tag := &types.ResourceTag{
		ID:       uuid.NewString(),
		TenantID: t.tenantID,
		Key:      key,
		Value:    value,
	}
	if err := putJSON(tags, []byte(tag.ID), tag); err != nil {
		return nil, false, err
	}
	if err := keys.Put(natural, []byte(tag.ID)); err != nil {
		return nil, false, err
	}
	return tag, true, nil
}

// ReplaceResourceTags makes tags the exact association set of the resource.
func (t *boltTx) ReplaceResourceTags(ctx context.Context, resourceID string, tags []*types.ResourceTag) error {
	b := t.tb.Bucket(bucketResourceTags)
	prefix := joinKey(resourceID, "")

	var stale [][]byte
	err := scanPrefix(b, prefix, func(k, _ []byte) error {
		stale = append(stale, bytes.Clone(k))
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}

	for _, tag := range tags {
		if err := b.Put(joinKey(resourceID, tag.ID), []byte{}); err != nil {
			return fmt.Errorf("failed to associate tag %s: %w", tag.ID, err)
		}
	}
	return nil
}

// PreviousFinding returns the latest finding for (providerID, uid) whose
// scan sequence is strictly lower than beforeSequence, or nil.
func (t *boltTx) PreviousFinding(ctx context.Context, providerID, uid string, beforeSequence int64) (*types.Finding, error) {
	history := t.tb.Bucket(bucketFindingIndex)
	prefix := historyPrefix(providerID, uid)

	c := history.Cursor()
	k, v := c.Seek(sequenceBound(providerID, uid, beforeSequence))
	if k == nil {
		k, v = c.Last()
	} else {
		k, v = c.Prev()
	}
	if k == nil || !bytes.HasPrefix(k, prefix) {
		return nil, nil
	}

	var f types.Finding
	found, err := getJSON(t.tb.Bucket(bucketFindings), v, &f)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("finding history points to missing finding %q", v)
	}
	return &f, nil
}

func (t *boltTx) CreateFinding(ctx context.Context, f *types.Finding) error {
	if f.ID == "" {
		// v7 ids sort by creation time, keeping scan keys in insertion order
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		f.ID = id.String()
	}
	f.TenantID = t.tenantID
	if f.InsertedAt.IsZero() {
		f.InsertedAt = t.now
	}

	key := joinKey(f.ScanID, f.ID)
	if err := putJSON(t.tb.Bucket(bucketFindings), key, f); err != nil {
		return err
	}
	return t.tb.Bucket(bucketFindingIndex).Put(historyKey(f.ProviderID, f.UID, f.ScanSequence, f.ID), key)
}

func (t *boltTx) SaveScan(ctx context.Context, scan *types.Scan) error {
	scans := t.tb.Bucket(bucketScans)
	if scans.Get([]byte(scan.ID)) == nil {
		return types.NotFound("scan", scan.ID)
	}
	return putJSON(scans, []byte(scan.ID), scan)
}
