package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/yairfalse/warden/types"
)

// pgTx is a storage.Tx bound to one tenant transaction.
type pgTx struct {
	tx       *sql.Tx
	tenantID string
	now      time.Time
}

func (t *pgTx) TenantID() string { return t.tenantID }

const resourceColumns = `id, tenant_id, provider_id, uid, name, region, service, type,
       metadata, details, partition, failed_findings_count, inserted_at, updated_at`

func selectResource(ctx context.Context, tx *sql.Tx, tenantID, providerID, uid string) (*types.Resource, error) {
	var r types.Resource
	err := tx.QueryRowContext(ctx, `SELECT `+resourceColumns+`
FROM resources WHERE tenant_id=$1 AND provider_id=$2 AND uid=$3`, tenantID, providerID, uid).Scan(
		&r.ID, &r.TenantID, &r.ProviderID, &r.UID, &r.Name, &r.Region, &r.Service, &r.Type,
		&r.Metadata, &r.Details, &r.Partition, &r.FailedFindingsCount, &r.InsertedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetOrCreateResource inserts with ON CONFLICT DO NOTHING. When a concurrent
// transaction already holds the key no row comes back and the winner is read.
func (t *pgTx) GetOrCreateResource(ctx context.Context, providerID, uid string, obs types.Observation) (*types.Resource, bool, error) {
	res := &types.Resource{
		ID:         uuid.NewString(),
		TenantID:   t.tenantID,
		ProviderID: providerID,
		UID:        uid,
		InsertedAt: t.now,
		UpdatedAt:  t.now,
	}
	res.Apply(obs)

	const q = `
INSERT INTO resources
(id, tenant_id, provider_id, uid, name, region, service, type, metadata, details, partition, inserted_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (tenant_id, provider_id, uid) DO NOTHING
RETURNING id;`

	var id string
	err := t.tx.QueryRowContext(ctx, q,
		res.ID, res.TenantID, res.ProviderID, res.UID, res.Name, res.Region, res.Service, res.Type,
		res.Metadata, res.Details, res.Partition, res.InsertedAt, res.UpdatedAt,
	).Scan(&id)
	switch {
	case err == nil:
		return res, true, nil
	case errors.Is(err, sql.ErrNoRows):
		existing, err := selectResource(ctx, t.tx, t.tenantID, providerID, uid)
		if err != nil {
			return nil, false, fmt.Errorf("fetch resource %s: %w", uid, err)
		}
		return existing, false, nil
	default:
		return nil, false, fmt.Errorf("insert resource %s: %w", uid, err)
	}
}

func (t *pgTx) SaveResource(ctx context.Context, res *types.Resource) error {
	const q = `
UPDATE resources SET
 name=$3, region=$4, service=$5, type=$6, metadata=$7, details=$8, partition=$9,
 failed_findings_count=$10, updated_at=$11
WHERE tenant_id=$1 AND id=$2;`
	res.UpdatedAt = t.now
	r, err := t.tx.ExecContext(ctx, q,
		t.tenantID, res.ID, res.Name, res.Region, res.Service, res.Type,
		res.Metadata, res.Details, res.Partition, res.FailedFindingsCount, res.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return expectRow(r, "resource", res.ID)
}

func (t *pgTx) GetOrCreateTag(ctx context.Context, key, value string) (*types.ResourceTag, bool, error) {
	tag := &types.ResourceTag{ID: uuid.NewString(), TenantID: t.tenantID, Key: key, Value: value}

	var id string
	err := t.tx.QueryRowContext(ctx, `
INSERT INTO resource_tags (id, tenant_id, key, value) VALUES ($1,$2,$3,$4)
ON CONFLICT (tenant_id, key, value) DO NOTHING
RETURNING id;`, tag.ID, tag.TenantID, key, value).Scan(&id)
	switch {
	case err == nil:
		return tag, true, nil
	case errors.Is(err, sql.ErrNoRows):
		err := t.tx.QueryRowContext(ctx, `
SELECT id FROM resource_tags WHERE tenant_id=$1 AND key=$2 AND value=$3`, t.tenantID, key, value).Scan(&tag.ID)
		if err != nil {
			return nil, false, fmt.Errorf("fetch tag %s=%s: %w", key, value, err)
		}
		return tag, false, nil
	default:
		return nil, false, fmt.Errorf("insert tag %s=%s: %w", key, value, err)
	}
}

func (t *pgTx) ReplaceResourceTags(ctx context.Context, resourceID string, tags []*types.ResourceTag) error {
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM resource_tag_mappings WHERE tenant_id=$1 AND resource_id=$2`, t.tenantID, resourceID); err != nil {
		return fmt.Errorf("clear tags: %w", err)
	}
	if len(tags) == 0 {
		return nil
	}

	ids := make([]string, len(tags))
	for i, tag := range tags {
		ids[i] = tag.ID
	}
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO resource_tag_mappings (tenant_id, resource_id, tag_id)
SELECT $1, $2, unnest($3::text[])
ON CONFLICT DO NOTHING;`, t.tenantID, resourceID, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("associate tags: %w", err)
	}
	return nil
}

const findingColumns = `f.id, f.tenant_id, f.scan_id, f.provider_id, f.scan_sequence, f.uid, f.delta,
       f.status, f.status_extended, f.severity, f.check_id, f.check_metadata, f.raw_result,
       f.region, f.muted, f.muted_reason, f.compliance, f.first_seen_at, f.inserted_at,
       ARRAY(SELECT fr.resource_id FROM finding_resources fr WHERE fr.finding_id = f.id ORDER BY fr.resource_id)`

func scanFinding(row interface{ Scan(...any) error }) (*types.Finding, error) {
	var f types.Finding
	var delta sql.NullString
	var status, severity string
	var checkMetadata, rawResult, compliance []byte
	err := row.Scan(
		&f.ID, &f.TenantID, &f.ScanID, &f.ProviderID, &f.ScanSequence, &f.UID, &delta,
		&status, &f.StatusExtended, &severity, &f.CheckID, &checkMetadata, &rawResult,
		&f.Region, &f.Muted, &f.MutedReason, &compliance, &f.FirstSeenAt, &f.InsertedAt,
		pq.Array(&f.ResourceIDs),
	)
	if err != nil {
		return nil, err
	}
	f.Delta = types.Delta(delta.String)
	f.Status = types.Status(status)
	f.Severity = types.Severity(severity)
	for _, field := range []struct {
		raw  []byte
		dest any
	}{
		{checkMetadata, &f.CheckMetadata},
		{rawResult, &f.RawResult},
		{compliance, &f.Compliance},
	} {
		if err := json.Unmarshal(field.raw, field.dest); err != nil {
			return nil, fmt.Errorf("decode finding %s: %w", f.ID, err)
		}
	}
	return &f, nil
}

func (t *pgTx) PreviousFinding(ctx context.Context, providerID, uid string, beforeSequence int64) (*types.Finding, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+findingColumns+`
FROM findings f
WHERE f.tenant_id=$1 AND f.provider_id=$2 AND f.uid=$3 AND f.scan_sequence < $4
ORDER BY f.scan_sequence DESC, f.inserted_at DESC
LIMIT 1;`, t.tenantID, providerID, uid, beforeSequence)

	f, err := scanFinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return f, err
}

func (t *pgTx) CreateFinding(ctx context.Context, f *types.Finding) error {
	if f.ID == "" {
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

	checkMetadata, err := jsonObject(f.CheckMetadata)
	if err != nil {
		return err
	}
	rawResult, err := jsonObject(f.RawResult)
	if err != nil {
		return err
	}
	compliance, err := jsonObject(f.Compliance)
	if err != nil {
		return err
	}

	const q = `
INSERT INTO findings
(id, tenant_id, scan_id, provider_id, scan_sequence, uid, delta, status, status_extended, severity,
 check_id, check_metadata, raw_result, region, muted, muted_reason, compliance, first_seen_at, inserted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19);`
	_, err = t.tx.ExecContext(ctx, q,
		f.ID, f.TenantID, f.ScanID, f.ProviderID, f.ScanSequence, f.UID, nullString(string(f.Delta)),
		string(f.Status), f.StatusExtended, string(f.Severity), f.CheckID, checkMetadata, rawResult,
		f.Region, f.Muted, f.MutedReason, compliance, f.FirstSeenAt, f.InsertedAt,
	)
	if err != nil {
		return fmt.Errorf("insert finding %s: %w", f.UID, err)
	}

	if len(f.ResourceIDs) == 0 {
		return nil
	}
	_, err = t.tx.ExecContext(ctx, `
INSERT INTO finding_resources (tenant_id, finding_id, resource_id)
SELECT $1, $2, unnest($3::text[])
ON CONFLICT DO NOTHING;`, t.tenantID, f.ID, pq.Array(f.ResourceIDs))
	if err != nil {
		return fmt.Errorf("link finding %s: %w", f.UID, err)
	}
	return nil
}

func (t *pgTx) SaveScan(ctx context.Context, scan *types.Scan) error {
	return saveScan(ctx, t.tx, scan)
}

// jsonObject encodes m, writing {} for nil maps.
func jsonObject[M ~map[string]V, V any](m M) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}
