package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/warden/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createScan(t *testing.T, store *BoltStore, tenantID string) *types.Scan {
	t.Helper()
	scan := &types.Scan{TenantID: tenantID, ProviderID: "prov-1", Name: "test"}
	require.NoError(t, store.CreateScan(context.Background(), scan))
	return scan
}

func TestBoltStore_ScanSequenceIncreases(t *testing.T) {
	store := newTestStore(t)

	first := createScan(t, store, "tenant-a")
	second := createScan(t, store, "tenant-a")
	other := createScan(t, store, "tenant-b")

	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, int64(1), other.Sequence)
	assert.Equal(t, types.ScanCreated, first.State)

	loaded, err := store.GetScan(context.Background(), "tenant-a", second.ID)
	require.NoError(t, err)
	assert.Equal(t, second.Sequence, loaded.Sequence)
}

func TestBoltStore_GetScanIsTenantScoped(t *testing.T) {
	store := newTestStore(t)
	scan := createScan(t, store, "tenant-a")

	_, err := store.GetScan(context.Background(), "tenant-b", scan.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = store.GetScan(context.Background(), "tenant-a", "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestBoltStore_GetOrCreateResourceIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var firstID string
	err := store.InTenantTx(ctx, "tenant-a", func(tx Tx) error {
		res, created, err := tx.GetOrCreateResource(ctx, "prov-1", "arn:bucket", types.Observation{Name: "bucket", Region: "us-east-1"})
		require.NoError(t, err)
		assert.True(t, created)
		firstID = res.ID

		again, created, err := tx.GetOrCreateResource(ctx, "prov-1", "arn:bucket", types.Observation{Name: "ignored"})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, firstID, again.ID)
		assert.Equal(t, "bucket", again.Name)
		return nil
	})
	require.NoError(t, err)

	res, err := store.Resource(ctx, "tenant-a", "prov-1", "arn:bucket")
	require.NoError(t, err)
	assert.Equal(t, firstID, res.ID)

	_, err = store.Resource(ctx, "tenant-b", "prov-1", "arn:bucket")
	assert.ErrorIs(t, err, types.ErrNotFound)

	count, _ := store.Stats()
	assert.Equal(t, 1, count)
}

func TestBoltStore_IndexRebuiltOnReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	err = store.InTenantTx(ctx, "tenant-a", func(tx Tx) error {
		_, _, err := tx.GetOrCreateResource(ctx, "prov-1", "r1", types.Observation{})
		return err
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	res, err := reopened.Resource(ctx, "tenant-a", "prov-1", "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", res.UID)
}

func TestBoltStore_FailedTxLeavesNothing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.InTenantTx(ctx, "tenant-a", func(tx Tx) error {
		if _, _, err := tx.GetOrCreateResource(ctx, "prov-1", "r1", types.Observation{}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.Resource(ctx, "tenant-a", "prov-1", "r1")
	assert.ErrorIs(t, err, types.ErrNotFound)
	count, _ := store.Stats()
	assert.Zero(t, count)
}

func TestBoltStore_ReplaceResourceTags(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	setTags := func(resourceID string, tags types.Tags) {
		err := store.InTenantTx(ctx, "tenant-a", func(tx Tx) error {
			var rows []*types.ResourceTag
			for _, p := range tags.Pairs() {
				tag, _, err := tx.GetOrCreateTag(ctx, p.Key, p.Value)
				if err != nil {
					return err
				}
				rows = append(rows, tag)
			}
			return tx.ReplaceResourceTags(ctx, resourceID, rows)
		})
		require.NoError(t, err)
	}

	var resourceID string
	err := store.InTenantTx(ctx, "tenant-a", func(tx Tx) error {
		res, _, err := tx.GetOrCreateResource(ctx, "prov-1", "r1", types.Observation{})
		resourceID = res.ID
		return err
	})
	require.NoError(t, err)

	setTags(resourceID, types.Tags{"A": "1", "B": "2"})
	setTags(resourceID, types.Tags{"B": "2", "C": "3"})

	tags, err := store.ResourceTags(ctx, "tenant-a", resourceID)
	require.NoError(t, err)
	assert.Equal(t, types.Tags{"B": "2", "C": "3"}, types.TagsFromEntities(tags))
}

func TestBoltStore_GetOrCreateTagSharedAcrossResources(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.InTenantTx(ctx, "tenant-a", func(tx Tx) error {
		first, created, err := tx.GetOrCreateTag(ctx, "env", "prod")
		require.NoError(t, err)
		assert.True(t, created)

		second, created, err := tx.GetOrCreateTag(ctx, "env", "prod")
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestBoltStore_PreviousFinding(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	s1 := createScan(t, store, "tenant-a")
	s2 := createScan(t, store, "tenant-a")
	s3 := createScan(t, store, "tenant-a")

	put := func(scan *types.Scan, uid string, status types.Status) {
		err := store.InTenantTx(ctx, "tenant-a", func(tx Tx) error {
			return tx.CreateFinding(ctx, &types.Finding{
				ScanID:       scan.ID,
				ProviderID:   "prov-1",
				ScanSequence: scan.Sequence,
				UID:          uid,
				Status:       status,
			})
		})
		require.NoError(t, err)
	}

	put(s1, "f1", types.StatusPass)
	put(s2, "f1", types.StatusFail)
	put(s2, "f1-other", types.StatusPass)

	err := store.InTenantTx(ctx, "tenant-a", func(tx Tx) error {
		prev, err := tx.PreviousFinding(ctx, "prov-1", "f1", s3.Sequence)
		require.NoError(t, err)
		require.NotNil(t, prev)
		assert.Equal(t, types.StatusFail, prev.Status)
		assert.Equal(t, s2.ID, prev.ScanID)

		prev, err = tx.PreviousFinding(ctx, "prov-1", "f1", s2.Sequence)
		require.NoError(t, err)
		require.NotNil(t, prev)
		assert.Equal(t, types.StatusPass, prev.Status)

		prev, err = tx.PreviousFinding(ctx, "prov-1", "f1", s1.Sequence)
		require.NoError(t, err)
		assert.Nil(t, prev)

		prev, err = tx.PreviousFinding(ctx, "prov-2", "f1", s3.Sequence)
		require.NoError(t, err)
		assert.Nil(t, prev)
		return nil
	})
	require.NoError(t, err)
}

func TestBoltStore_RecomputeFailedFindings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	scan := createScan(t, store, "tenant-a")

	var failingID, passingID string
	err := store.InTenantTx(ctx, "tenant-a", func(tx Tx) error {
		failing, _, err := tx.GetOrCreateResource(ctx, "prov-1", "r1", types.Observation{})
		require.NoError(t, err)
		passing, _, err := tx.GetOrCreateResource(ctx, "prov-1", "r2", types.Observation{})
		require.NoError(t, err)
		failingID, passingID = failing.ID, passing.ID

		passing.FailedFindingsCount = 7
		require.NoError(t, tx.SaveResource(ctx, passing))

		for _, f := range []struct {
			uid      string
			status   types.Status
			resource string
		}{
			{"u1", types.StatusFail, failing.ID},
			{"u1", types.StatusFail, failing.ID},
			{"u2", types.StatusFail, failing.ID},
			{"u3", types.StatusPass, failing.ID},
			{"u4", types.StatusPass, passing.ID},
		} {
			err := tx.CreateFinding(ctx, &types.Finding{
				ScanID:       scan.ID,
				ProviderID:   "prov-1",
				ScanSequence: scan.Sequence,
				UID:          f.uid,
				Status:       f.status,
				ResourceIDs:  []string{f.resource},
			})
			require.NoError(t, err)
		}
		return nil
	})
	require.NoError(t, err)

	updated, err := store.RecomputeFailedFindings(ctx, "tenant-a", scan.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, updated)

	failing, err := store.Resource(ctx, "tenant-a", "prov-1", "r1")
	require.NoError(t, err)
	assert.Equal(t, failingID, failing.ID)
	assert.Equal(t, 2, failing.FailedFindingsCount)

	passing, err := store.Resource(ctx, "tenant-a", "prov-1", "r2")
	require.NoError(t, err)
	assert.Equal(t, passingID, passing.ID)
	assert.Zero(t, passing.FailedFindingsCount)
}

func TestBoltStore_RecomputeFailedFindingsMissingScan(t *testing.T) {
	store := newTestStore(t)

	updated, err := store.RecomputeFailedFindings(context.Background(), "tenant-a", "nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Zero(t, updated)
}

func TestBoltStore_ScanRegions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	scan := createScan(t, store, "tenant-a")

	err := store.InTenantTx(ctx, "tenant-a", func(tx Tx) error {
		for i, region := range []string{"us-west-2", "", "eu-west-1", "us-west-2"} {
			err := tx.CreateFinding(ctx, &types.Finding{
				ScanID:       scan.ID,
				ProviderID:   "prov-1",
				ScanSequence: scan.Sequence,
				UID:          string(rune('a' + i)),
				Region:       region,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	regions, err := store.ScanRegions(ctx, "tenant-a", scan.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"eu-west-1", "us-west-2"}, regions)
}

func TestBoltStore_CreateComplianceRequirementsUpserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	scan := createScan(t, store, "tenant-a")

	req := types.ComplianceRequirement{
		ScanID:        scan.ID,
		ComplianceID:  "cis_1.4_aws",
		Framework:     "CIS",
		Version:       "1.4",
		RequirementID: "1.1",
		Region:        "us-east-1",
		Status:        types.StatusFail,
	}
	require.NoError(t, store.CreateComplianceRequirements(ctx, "tenant-a", []types.ComplianceRequirement{req}))

	req.Status = types.StatusPass
	require.NoError(t, store.CreateComplianceRequirements(ctx, "tenant-a", []types.ComplianceRequirement{req}))

	rows, err := store.ComplianceRequirements(ctx, "tenant-a", scan.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, types.StatusPass, rows[0].Status)
	assert.NotEmpty(t, rows[0].ID)
	assert.Equal(t, "tenant-a", rows[0].TenantID)
}

func TestBoltStore_FindingsInInsertionOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	scan := createScan(t, store, "tenant-a")

	uids := []string{"z", "a", "m"}
	err := store.InTenantTx(ctx, "tenant-a", func(tx Tx) error {
		for _, uid := range uids {
			if err := tx.CreateFinding(ctx, &types.Finding{ScanID: scan.ID, ProviderID: "p", ScanSequence: scan.Sequence, UID: uid}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	findings, err := store.Findings(ctx, "tenant-a", scan.ID)
	require.NoError(t, err)
	require.Len(t, findings, 3)
	for i, f := range findings {
		assert.Equal(t, uids[i], f.UID)
	}
}
