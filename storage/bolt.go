package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/warden/types"
)

// Top-level bucket holding one nested bucket per tenant.
var bucketTenants = []byte("tenants")

// Per-tenant bucket names
var (
	bucketScans        = []byte("scans")
	bucketProviders    = []byte("providers")
	bucketResources    = []byte("resources")
	bucketResourceUIDs = []byte("resource_uids")
	bucketTags         = []byte("tags")
	bucketTagKeys      = []byte("tag_keys")
	bucketResourceTags = []byte("resource_tags")
	bucketFindings     = []byte("findings")
	bucketFindingIndex = []byte("finding_history")
	bucketCompliance   = []byte("compliance_requirements")
)

var tenantBuckets = [][]byte{
	bucketScans, bucketProviders, bucketResources, bucketResourceUIDs,
	bucketTags, bucketTagKeys, bucketResourceTags,
	bucketFindings, bucketFindingIndex, bucketCompliance,
}

// BoltStore implements Store on an embedded bbolt database. Every tenant
// lives in its own nested bucket, so a transaction bound to a tenant can
// never see another tenant's rows.
type BoltStore struct {
	mu sync.RWMutex

	// In-memory (tenant, provider, uid) -> resource id index
	index *btree.BTreeG[resourceEntry]

	db  *bbolt.DB
	dir string
	now func() time.Time
}

var _ Store = (*BoltStore)(nil)

type resourceEntry struct {
	TenantID   string
	ProviderID string
	UID        string
	ResourceID string
}

func lessResourceEntry(a, b resourceEntry) bool {
	if a.TenantID != b.TenantID {
		return a.TenantID < b.TenantID
	}
	if a.ProviderID != b.ProviderID {
		return a.ProviderID < b.ProviderID
	}
	return a.UID < b.UID
}

// NewBoltStore opens (or creates) the database under dir.
func NewBoltStore(dir string) (*BoltStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dir, "warden.db"), 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTenants)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &BoltStore{
		index: btree.NewG[resourceEntry](32, lessResourceEntry),
		db:    db,
		dir:   dir,
		now:   func() time.Time { return time.Now().UTC() },
	}

	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to rebuild resource index: %w", err)
	}

	return s, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Stats returns the number of indexed resources and the database size.
func (s *BoltStore) Stats() (resourceCount int, dbSizeBytes int64) {
	s.mu.RLock()
	resourceCount = s.index.Len()
	s.mu.RUnlock()

	_ = s.db.View(func(tx *bbolt.Tx) error {
		dbSizeBytes = tx.Size()
		return nil
	})
	return resourceCount, dbSizeBytes
}

// InTenantTx runs fn inside one bbolt write transaction scoped to tenantID.
// If fn returns an error nothing it wrote is visible.
func (s *BoltStore) InTenantTx(ctx context.Context, tenantID string, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var pending []resourceEntry
	err := s.db.Update(func(btx *bbolt.Tx) error {
		tb, err := createTenant(btx, tenantID)
		if err != nil {
			return err
		}
		tx := &boltTx{tenantID: tenantID, tb: tb, now: s.now()}
		if err := fn(tx); err != nil {
			return err
		}
		pending = tx.pending
		return nil
	})
	if err != nil {
		return err
	}

	s.addToIndex(pending)
	return nil
}

// CreateScan assigns an id and the next per-tenant sequence number.
func (s *BoltStore) CreateScan(ctx context.Context, scan *types.Scan) error {
	return s.db.Update(func(btx *bbolt.Tx) error {
		tb, err := createTenant(btx, scan.TenantID)
		if err != nil {
			return err
		}
		b := tb.Bucket(bucketScans)

		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate scan sequence: %w", err)
		}
		if scan.ID == "" {
			scan.ID = uuid.NewString()
		}
		if scan.State == "" {
			scan.State = types.ScanCreated
		}
		scan.Sequence = int64(seq) //nolint:gosec // bbolt sequences fit in int64
		scan.InsertedAt = s.now()
		return putJSON(b, []byte(scan.ID), scan)
	})
}

// GetScan loads a scan
func (s *BoltStore) GetScan(ctx context.Context, tenantID, scanID string) (*types.Scan, error) {
	var scan types.Scan
	err := s.db.View(func(btx *bbolt.Tx) error {
		return getTenantJSON(btx, tenantID, bucketScans, []byte(scanID), &scan, "scan")
	})
	if err != nil {
		return nil, err
	}
	return &scan, nil
}

// SaveScan overwrites an existing scan
func (s *BoltStore) SaveScan(ctx context.Context, scan *types.Scan) error {
	return s.db.Update(func(btx *bbolt.Tx) error {
		return replaceTenantJSON(btx, scan.TenantID, bucketScans, []byte(scan.ID), scan, "scan")
	})
}

// CreateProvider stores a new provider
func (s *BoltStore) CreateProvider(ctx context.Context, p *types.Provider) error {
	return s.db.Update(func(btx *bbolt.Tx) error {
		tb, err := createTenant(btx, p.TenantID)
		if err != nil {
			return err
		}
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		p.InsertedAt = s.now()
		return putJSON(tb.Bucket(bucketProviders), []byte(p.ID), p)
	})
}

// GetProvider loads a provider
func (s *BoltStore) GetProvider(ctx context.Context, tenantID, providerID string) (*types.Provider, error) {
	var p types.Provider
	err := s.db.View(func(btx *bbolt.Tx) error {
		return getTenantJSON(btx, tenantID, bucketProviders, []byte(providerID), &p, "provider")
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveProvider overwrites an existing provider
func (s *BoltStore) SaveProvider(ctx context.Context, p *types.Provider) error {
	return s.db.Update(func(btx *bbolt.Tx) error {
		return replaceTenantJSON(btx, p.TenantID, bucketProviders, []byte(p.ID), p, "provider")
	})
}

// RecomputeFailedFindings counts distinct FAIL uids per resource for the
// scan and writes all counts in a single transaction.
func (s *BoltStore) RecomputeFailedFindings(ctx context.Context, tenantID, scanID string) (int, error) {
	updated := 0
	err := s.db.Update(func(btx *bbolt.Tx) error {
		tb := tenantBucket(btx, tenantID)
		if tb == nil || tb.Bucket(bucketScans).Get([]byte(scanID)) == nil {
			return types.NotFound("scan", scanID)
		}

		failing := make(map[string]map[string]struct{})
		err := forEachScanFinding(tb, scanID, func(f *types.Finding) error {
			for _, rid := range f.ResourceIDs {
				if _, ok := failing[rid]; !ok {
					failing[rid] = make(map[string]struct{})
				}
				if f.Status == types.StatusFail {
					failing[rid][f.UID] = struct{}{}
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		resources := tb.Bucket(bucketResources)
		for rid, uids := range failing {
			var res types.Resource
			ok, err := getJSON(resources, []byte(rid), &res)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			res.FailedFindingsCount = len(uids)
			if err := putJSON(resources, []byte(rid), &res); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// ScanRegions returns the distinct non-empty regions of a scan's findings.
func (s *BoltStore) ScanRegions(ctx context.Context, tenantID, scanID string) ([]string, error) {
	seen := make(map[string]struct{})
	err := s.db.View(func(btx *bbolt.Tx) error {
		tb := tenantBucket(btx, tenantID)
		if tb == nil || tb.Bucket(bucketScans).Get([]byte(scanID)) == nil {
			return types.NotFound("scan", scanID)
		}
		return forEachScanFinding(tb, scanID, func(f *types.Finding) error {
			if f.Region != "" {
				seen[f.Region] = struct{}{}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	regions := make([]string, 0, len(seen))
	for r := range seen {
		regions = append(regions, r)
	}
	sort.Strings(regions)
	return regions, nil
}

// CreateComplianceRequirements upserts requirement rows atomically.
func (s *BoltStore) CreateComplianceRequirements(ctx context.Context, tenantID string, reqs []types.ComplianceRequirement) error {
	if len(reqs) == 0 {
		return nil
	}
	return s.db.Update(func(btx *bbolt.Tx) error {
		tb, err := createTenant(btx, tenantID)
		if err != nil {
			return err
		}
		b := tb.Bucket(bucketCompliance)
		now := s.now()

		for i := range reqs {
			req := reqs[i]
			key := joinKey(req.ScanID, req.ComplianceID, req.RequirementID, req.Region)

			var existing types.ComplianceRequirement
			found, err := getJSON(b, key, &existing)
			if err != nil {
				return err
			}
			switch {
			case found:
				req.ID = existing.ID
				req.InsertedAt = existing.InsertedAt
			case req.ID == "":
				req.ID = uuid.NewString()
				req.InsertedAt = now
			default:
				req.InsertedAt = now
			}
			req.TenantID = tenantID

			if err := putJSON(b, key, &req); err != nil {
				return fmt.Errorf("failed to put requirement %s/%s: %w", req.ComplianceID, req.RequirementID, err)
			}
		}
		return nil
	})
}

// ComplianceRequirements lists a scan's requirement rows ordered by
// compliance id, requirement id and region.
func (s *BoltStore) ComplianceRequirements(ctx context.Context, tenantID, scanID string) ([]types.ComplianceRequirement, error) {
	var out []types.ComplianceRequirement
	err := s.db.View(func(btx *bbolt.Tx) error {
		tb := tenantBucket(btx, tenantID)
		if tb == nil {
			return nil
		}
		return scanPrefix(tb.Bucket(bucketCompliance), joinKey(scanID, ""), func(_, v []byte) error {
			var req types.ComplianceRequirement
			if err := json.Unmarshal(v, &req); err != nil {
				return err
			}
			out = append(out, req)
			return nil
		})
	})
	return out, err
}

// Findings lists a scan's findings in insertion order.
func (s *BoltStore) Findings(ctx context.Context, tenantID, scanID string) ([]types.Finding, error) {
	var out []types.Finding
	err := s.db.View(func(btx *bbolt.Tx) error {
		tb := tenantBucket(btx, tenantID)
		if tb == nil {
			return nil
		}
		return forEachScanFinding(tb, scanID, func(f *types.Finding) error {
			out = append(out, *f)
			return nil
		})
	})
	return out, err
}

// Resource looks up a resource by its natural key through the index.
func (s *BoltStore) Resource(ctx context.Context, tenantID, providerID, uid string) (*types.Resource, error) {
	s.mu.RLock()
	entry, found := s.index.Get(resourceEntry{TenantID: tenantID, ProviderID: providerID, UID: uid})
	s.mu.RUnlock()
	if !found {
		return nil, types.NotFound("resource", uid)
	}

	var res types.Resource
	err := s.db.View(func(btx *bbolt.Tx) error {
		return getTenantJSON(btx, tenantID, bucketResources, []byte(entry.ResourceID), &res, "resource")
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ResourceTags returns the tags currently associated with a resource.
func (s *BoltStore) ResourceTags(ctx context.Context, tenantID, resourceID string) ([]types.ResourceTag, error) {
	var out []types.ResourceTag
	err := s.db.View(func(btx *bbolt.Tx) error {
		tb := tenantBucket(btx, tenantID)
		if tb == nil {
			return nil
		}
		tags := tb.Bucket(bucketTags)
		return scanPrefix(tb.Bucket(bucketResourceTags), joinKey(resourceID, ""), func(k, _ []byte) error {
			tagID := lastKeyPart(k)
			var tag types.ResourceTag
			ok, err := getJSON(tags, []byte(tagID), &tag)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, tag)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Value < out[j].Value
	})
	return out, err
}

func (s *BoltStore) addToIndex(entries []resourceEntry) {
	if len(entries) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.index.ReplaceOrInsert(e)
	}
}

// rebuildIndex loads every resource natural key from disk.
func (s *BoltStore) rebuildIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.index.Clear(false)
	return s.db.View(func(btx *bbolt.Tx) error {
		tenants := btx.Bucket(bucketTenants)
		return tenants.ForEachBucket(func(tenantID []byte) error {
			uids := tenants.Bucket(tenantID).Bucket(bucketResourceUIDs)
			if uids == nil {
				return nil
			}
			return uids.ForEach(func(k, v []byte) error {
				parts := splitKey(k)
				if len(parts) != 2 {
					return fmt.Errorf("malformed resource key %q", k)
				}
				s.index.ReplaceOrInsert(resourceEntry{
					TenantID:   string(tenantID),
					ProviderID: parts[0],
					UID:        parts[1],
					ResourceID: string(v),
				})
				return nil
			})
		})
	})
}

func forEachScanFinding(tb *bbolt.Bucket, scanID string, fn func(f *types.Finding) error) error {
	return scanPrefix(tb.Bucket(bucketFindings), joinKey(scanID, ""), func(_, v []byte) error {
		var f types.Finding
		if err := json.Unmarshal(v, &f); err != nil {
			return fmt.Errorf("failed to decode finding: %w", err)
		}
		return fn(&f)
	})
}

// tenantBucket returns the tenant's bucket or nil if the tenant has no data.
func tenantBucket(btx *bbolt.Tx, tenantID string) *bbolt.Bucket {
	return btx.Bucket(bucketTenants).Bucket([]byte(tenantID))
}

func createTenant(btx *bbolt.Tx, tenantID string) (*bbolt.Bucket, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id cannot be empty")
	}
	tb, err := btx.Bucket(bucketTenants).CreateBucketIfNotExists([]byte(tenantID))
	if err != nil {
		return nil, fmt.Errorf("failed to create tenant bucket: %w", err)
	}
	for _, name := range tenantBuckets {
		if _, err := tb.CreateBucketIfNotExists(name); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", name, err)
		}
	}
	return tb, nil
}

func getTenantJSON(btx *bbolt.Tx, tenantID string, bucket, key []byte, v any, kind string) error {
	tb := tenantBucket(btx, tenantID)
	if tb == nil {
		return types.NotFound(kind, string(key))
	}
	found, err := getJSON(tb.Bucket(bucket), key, v)
	if err != nil {
		return err
	}
	if !found {
		return types.NotFound(kind, string(key))
	}
	return nil
}

func replaceTenantJSON(btx *bbolt.Tx, tenantID string, bucket, key []byte, v any, kind string) error {
	tb := tenantBucket(btx, tenantID)
	if tb == nil || tb.Bucket(bucket).Get(key) == nil {
		return types.NotFound(kind, string(key))
	}
	return putJSON(tb.Bucket(bucket), key, v)
}

func getJSON(b *bbolt.Bucket, key []byte, v any) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return b.Put(key, data)
}
