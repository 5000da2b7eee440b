// Package postgres implements storage.Store on PostgreSQL with row-level
// security. Every statement runs in a transaction that first binds
// app.tenant_id, so the tenant policies filter rows even if a query forgets
// its tenant predicate.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/yairfalse/warden/storage"
	"github.com/yairfalse/warden/types"
)

//go:embed schema.sql
var schema string

// Store is a PostgreSQL backed storage.Store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db), nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates tables, indexes and tenant policies.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the pool
func (s *Store) Close() error {
	return s.db.Close()
}

// withTenant runs fn in a transaction bound to tenantID.
func (s *Store) withTenant(ctx context.Context, tenantID string, fn func(tx *sql.Tx) error) (err error) {
	if tenantID == "" {
		return fmt.Errorf("tenant id cannot be empty")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT set_config('app.tenant_id', $1, true)`, tenantID); err != nil {
		return fmt.Errorf("bind tenant: %w", err)
	}
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// InTenantTx implements storage.TxRunner.
func (s *Store) InTenantTx(ctx context.Context, tenantID string, fn func(tx storage.Tx) error) error {
	return s.withTenant(ctx, tenantID, func(tx *sql.Tx) error {
		return fn(&pgTx{tx: tx, tenantID: tenantID, now: s.now()})
	})
}

const scanColumns = `id, tenant_id, provider_id, sequence, name, trigger, checks, state, progress,
       started_at, completed_at, duration_ms, unique_resource_count, inserted_at`

// CreateScan inserts the scan and reads back its sequence.
func (s *Store) CreateScan(ctx context.Context, scan *types.Scan) error {
	if scan.ID == "" {
		scan.ID = uuid.NewString()
	}
	if scan.State == "" {
		scan.State = types.ScanCreated
	}
	scan.InsertedAt = s.now()

	const q = `
INSERT INTO scans (id, tenant_id, provider_id, name, trigger, checks, state, progress, inserted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
RETURNING sequence;`
	return s.withTenant(ctx, scan.TenantID, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, q,
			scan.ID, scan.TenantID, scan.ProviderID, scan.Name, scan.Trigger,
			pq.Array(scan.Checks), string(scan.State), scan.Progress, scan.InsertedAt,
		).Scan(&scan.Sequence)
		if isUniqueViolation(err) {
			return fmt.Errorf("scan %s: %w", scan.ID, types.ErrConflict)
		}
		return err
	})
}

// GetScan loads a scan
func (s *Store) GetScan(ctx context.Context, tenantID, scanID string) (*types.Scan, error) {
	var scan *types.Scan
	err := s.withTenant(ctx, tenantID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+scanColumns+` FROM scans WHERE tenant_id=$1 AND id=$2`, tenantID, scanID)
		var err error
		scan, err = scanScan(row)
		if errors.Is(err, sql.ErrNoRows) {
			return types.NotFound("scan", scanID)
		}
		return err
	})
	return scan, err
}

// SaveScan updates the mutable scan columns.
func (s *Store) SaveScan(ctx context.Context, scan *types.Scan) error {
	return s.withTenant(ctx, scan.TenantID, func(tx *sql.Tx) error {
		return saveScan(ctx, tx, scan)
	})
}

func saveScan(ctx context.Context, tx *sql.Tx, scan *types.Scan) error {
	const q = `
UPDATE scans SET
 state = $3,
 progress = $4,
 started_at = $5,
 completed_at = $6,
 duration_ms = $7,
 unique_resource_count = $8
WHERE tenant_id=$1 AND id=$2;`
	res, err := tx.ExecContext(ctx, q,
		scan.TenantID, scan.ID, string(scan.State), scan.Progress,
		nullTime(scan.StartedAt), nullTime(scan.CompletedAt),
		scan.Duration.Milliseconds(), scan.UniqueResourceCount,
	)
	if err != nil {
		return err
	}
	return expectRow(res, "scan", scan.ID)
}

func scanScan(row interface{ Scan(...any) error }) (*types.Scan, error) {
	var (
		scan               types.Scan
		state              string
		started, completed sql.NullTime
		durationMS         int64
	)
	err := row.Scan(
		&scan.ID, &scan.TenantID, &scan.ProviderID, &scan.Sequence, &scan.Name, &scan.Trigger,
		pq.Array(&scan.Checks), &state, &scan.Progress,
		&started, &completed, &durationMS, &scan.UniqueResourceCount, &scan.InsertedAt,
	)
	if err != nil {
		return nil, err
	}
	scan.State = types.ScanState(state)
	scan.StartedAt = started.Time
	scan.CompletedAt = completed.Time
	scan.Duration = time.Duration(durationMS) * time.Millisecond
	return &scan, nil
}

// CreateProvider inserts a provider
func (s *Store) CreateProvider(ctx context.Context, p *types.Provider) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.InsertedAt = s.now()

	const q = `
INSERT INTO providers (id, tenant_id, provider, uid, alias, connected, connection_last_checked_at, inserted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8);`
	return s.withTenant(ctx, p.TenantID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			p.ID, p.TenantID, string(p.Type), p.UID, p.Alias, p.Connected,
			nullTime(p.ConnectionLastCheckedAt), p.InsertedAt,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("provider %s/%s: %w", p.Type, p.UID, types.ErrConflict)
		}
		return err
	})
}

// GetProvider loads a provider
func (s *Store) GetProvider(ctx context.Context, tenantID, providerID string) (*types.Provider, error) {
	const q = `
SELECT id, tenant_id, provider, uid, alias, connected, connection_last_checked_at, inserted_at
FROM providers WHERE tenant_id=$1 AND id=$2;`

	var p types.Provider
	err := s.withTenant(ctx, tenantID, func(tx *sql.Tx) error {
		var (
			kind    string
			checked sql.NullTime
		)
		err := tx.QueryRowContext(ctx, q, tenantID, providerID).Scan(
			&p.ID, &p.TenantID, &kind, &p.UID, &p.Alias, &p.Connected, &checked, &p.InsertedAt,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return types.NotFound("provider", providerID)
		}
		if err != nil {
			return err
		}
		p.Type = types.ProviderType(kind)
		p.ConnectionLastCheckedAt = checked.Time
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveProvider persists connection state and alias.
func (s *Store) SaveProvider(ctx context.Context, p *types.Provider) error {
	const q = `
UPDATE providers SET alias=$3, connected=$4, connection_last_checked_at=$5
WHERE tenant_id=$1 AND id=$2;`
	return s.withTenant(ctx, p.TenantID, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, q, p.TenantID, p.ID, p.Alias, p.Connected, nullTime(p.ConnectionLastCheckedAt))
		if err != nil {
			return err
		}
		return expectRow(res, "provider", p.ID)
	})
}

// RecomputeFailedFindings sets failed_findings_count for every resource the
// scan touched in one UPDATE.
func (s *Store) RecomputeFailedFindings(ctx context.Context, tenantID, scanID string) (int, error) {
	const q = `
WITH touched AS (
    SELECT DISTINCT fr.resource_id
    FROM finding_resources fr
    JOIN findings f ON f.id = fr.finding_id
    WHERE f.tenant_id = $1 AND f.scan_id = $2
), failing AS (
    SELECT fr.resource_id, COUNT(DISTINCT f.uid) AS failed
    FROM finding_resources fr
    JOIN findings f ON f.id = fr.finding_id
    WHERE f.tenant_id = $1 AND f.scan_id = $2 AND f.status = 'FAIL'
    GROUP BY fr.resource_id
)
UPDATE resources r
SET failed_findings_count = COALESCE(failing.failed, 0), updated_at = $3
FROM touched
LEFT JOIN failing ON failing.resource_id = touched.resource_id
WHERE r.id = touched.resource_id AND r.tenant_id = $1;`

	var updated int64
	err := s.withTenant(ctx, tenantID, func(tx *sql.Tx) error {
		if err := requireScan(ctx, tx, tenantID, scanID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, q, tenantID, scanID, s.now())
		if err != nil {
			return fmt.Errorf("update failed findings: %w", err)
		}
		updated, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return int(updated), nil
}

// ScanRegions returns distinct non-empty finding regions.
func (s *Store) ScanRegions(ctx context.Context, tenantID, scanID string) ([]string, error) {
	var regions []string
	err := s.withTenant(ctx, tenantID, func(tx *sql.Tx) error {
		if err := requireScan(ctx, tx, tenantID, scanID); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `
SELECT DISTINCT region FROM findings
WHERE tenant_id=$1 AND scan_id=$2 AND region <> ''
ORDER BY region;`, tenantID, scanID)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var r string
			if err := rows.Scan(&r); err != nil {
				return err
			}
			regions = append(regions, r)
		}
		return rows.Err()
	})
	return regions, err
}

// CreateComplianceRequirements upserts all rows in one transaction.
func (s *Store) CreateComplianceRequirements(ctx context.Context, tenantID string, reqs []types.ComplianceRequirement) error {
	if len(reqs) == 0 {
		return nil
	}
	const q = `
INSERT INTO compliance_requirements
(id, tenant_id, scan_id, compliance_id, framework, version, requirement_id,
 description, region, checks_status, requirement_status, inserted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (tenant_id, scan_id, compliance_id, requirement_id, region) DO UPDATE SET
 framework = EXCLUDED.framework,
 version = EXCLUDED.version,
 description = EXCLUDED.description,
 checks_status = EXCLUDED.checks_status,
 requirement_status = EXCLUDED.requirement_status;`

	now := s.now()
	return s.withTenant(ctx, tenantID, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, q)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for _, req := range reqs {
			id := req.ID
			if id == "" {
				id = uuid.NewString()
			}
			counts, err := json.Marshal(req.ChecksStatus)
			if err != nil {
				return err
			}
			_, err = stmt.ExecContext(ctx,
				id, tenantID, req.ScanID, req.ComplianceID, req.Framework, req.Version, req.RequirementID,
				req.Description, req.Region, counts, string(req.Status), now,
			)
			if err != nil {
				return fmt.Errorf("upsert requirement %s/%s: %w", req.ComplianceID, req.RequirementID, err)
			}
		}
		return nil
	})
}

// ComplianceRequirements lists a scan's requirement rows.
func (s *Store) ComplianceRequirements(ctx context.Context, tenantID, scanID string) ([]types.ComplianceRequirement, error) {
	const q = `
SELECT id, tenant_id, scan_id, compliance_id, framework, version, requirement_id,
       description, region, checks_status, requirement_status, inserted_at
FROM compliance_requirements
WHERE tenant_id=$1 AND scan_id=$2
ORDER BY compliance_id, requirement_id, region;`

	var out []types.ComplianceRequirement
	err := s.withTenant(ctx, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, q, tenantID, scanID)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var (
				req    types.ComplianceRequirement
				counts []byte
				status string
			)
			if err := rows.Scan(
				&req.ID, &req.TenantID, &req.ScanID, &req.ComplianceID, &req.Framework, &req.Version,
				&req.RequirementID, &req.Description, &req.Region, &counts, &status, &req.InsertedAt,
			); err != nil {
				return err
			}
			if err := json.Unmarshal(counts, &req.ChecksStatus); err != nil {
				return fmt.Errorf("decode checks_status: %w", err)
			}
			req.Status = types.Status(status)
			out = append(out, req)
		}
		return rows.Err()
	})
	return out, err
}

// Findings lists a scan's findings in insertion order.
func (s *Store) Findings(ctx context.Context, tenantID, scanID string) ([]types.Finding, error) {
	var out []types.Finding
	err := s.withTenant(ctx, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+findingColumns+`
FROM findings f WHERE f.tenant_id=$1 AND f.scan_id=$2
ORDER BY f.inserted_at, f.id;`, tenantID, scanID)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			f, err := scanFinding(rows)
			if err != nil {
				return err
			}
			out = append(out, *f)
		}
		return rows.Err()
	})
	return out, err
}

// Resource looks up a resource by natural key.
func (s *Store) Resource(ctx context.Context, tenantID, providerID, uid string) (*types.Resource, error) {
	var res *types.Resource
	err := s.withTenant(ctx, tenantID, func(tx *sql.Tx) error {
		var err error
		res, err = selectResource(ctx, tx, tenantID, providerID, uid)
		if errors.Is(err, sql.ErrNoRows) {
			return types.NotFound("resource", uid)
		}
		return err
	})
	return res, err
}

// ResourceTags lists the tags attached to a resource.
func (s *Store) ResourceTags(ctx context.Context, tenantID, resourceID string) ([]types.ResourceTag, error) {
	const q = `
SELECT t.id, t.tenant_id, t.key, t.value
FROM resource_tag_mappings m
JOIN resource_tags t ON t.id = m.tag_id
WHERE m.tenant_id=$1 AND m.resource_id=$2
ORDER BY t.key, t.value;`

	var out []types.ResourceTag
	err := s.withTenant(ctx, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, q, tenantID, resourceID)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var tag types.ResourceTag
			if err := rows.Scan(&tag.ID, &tag.TenantID, &tag.Key, &tag.Value); err != nil {
				return err
			}
			out = append(out, tag)
		}
		return rows.Err()
	})
	return out, err
}

func requireScan(ctx context.Context, tx *sql.Tx, tenantID, scanID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM scans WHERE tenant_id=$1 AND id=$2`, tenantID, scanID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return types.NotFound("scan", scanID)
	}
	return err
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return types.NotFound(kind, id)
	}
	return nil
}

// isUniqueViolation reports a PostgreSQL unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
