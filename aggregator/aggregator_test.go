package aggregator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/warden/storage"
	"github.com/yairfalse/warden/types"
)

func TestRecompute_CountsDistinctFailingUIDs(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	scan := &types.Scan{TenantID: "tenant-a", ProviderID: "prov-1"}
	require.NoError(t, store.CreateScan(ctx, scan))

	err = store.InTenantTx(ctx, "tenant-a", func(tx storage.Tx) error {
		res, _, err := tx.GetOrCreateResource(ctx, "prov-1", "r1", types.Observation{})
		if err != nil {
			return err
		}
		for _, uid := range []string{"u1", "u1", "u2"} {
			err := tx.CreateFinding(ctx, &types.Finding{
				ScanID:       scan.ID,
				ProviderID:   "prov-1",
				ScanSequence: scan.Sequence,
				UID:          uid,
				Status:       types.StatusFail,
				ResourceIDs:  []string{res.ID},
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	updated, err := NewFailedFindingsUpdater(store, nil, nil).Recompute(ctx, "tenant-a", scan.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	res, err := store.Resource(ctx, "tenant-a", "prov-1", "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.FailedFindingsCount)
}

type countingStore struct {
	calls int
	err   error
}

func (c *countingStore) RecomputeFailedFindings(ctx context.Context, tenantID, scanID string) (int, error) {
	c.calls++
	return 0, c.err
}

func TestRecompute_ScanNotFound(t *testing.T) {
	store := &countingStore{err: types.NotFound("scan", "missing")}

	updated, err := NewFailedFindingsUpdater(store, nil, nil).Recompute(context.Background(), "tenant-a", "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Zero(t, updated)
	assert.Equal(t, 1, store.calls)
}
