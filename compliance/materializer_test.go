package compliance

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/warden/providers"
	"github.com/yairfalse/warden/storage"
	"github.com/yairfalse/warden/types"
)

var cisTemplate = Template{
	"cis_1.4_aws": {
		Framework: "CIS AWS Foundations Benchmark",
		Version:   "1.4.0",
		Requirements: map[string]Requirement{
			"1.1": {
				Description:  "Ensure root access key does not exist",
				ChecksStatus: types.CheckStatusCounts{Total: 1},
				Status:       types.StatusPass,
			},
			"1.2": {
				Description:  "Ensure MFA is enabled for root account",
				ChecksStatus: types.CheckStatusCounts{Fail: 1, Total: 1},
				Status:       types.StatusFail,
			},
		},
	},
}

type fixture struct {
	store    *storage.BoltStore
	provider *types.Provider
	scan     *types.Scan
}

func newFixture(t *testing.T, kind types.ProviderType, regions ...string) fixture {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	provider := &types.Provider{TenantID: "tenant-a", Type: kind, UID: "123456789012"}
	require.NoError(t, store.CreateProvider(ctx, provider))
	scan := &types.Scan{TenantID: "tenant-a", ProviderID: provider.ID}
	require.NoError(t, store.CreateScan(ctx, scan))

	err = store.InTenantTx(ctx, "tenant-a", func(tx storage.Tx) error {
		for i, region := range regions {
			err := tx.CreateFinding(ctx, &types.Finding{
				ScanID:       scan.ID,
				ProviderID:   provider.ID,
				ScanSequence: scan.Sequence,
				UID:          string(rune('a' + i)),
				Region:       region,
				Status:       types.StatusPass,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	return fixture{store: store, provider: provider, scan: scan}
}

func TestMaterialize_PerRegionRows(t *testing.T) {
	f := newFixture(t, types.ProviderAWS, "us-east-1", "eu-west-1", "us-east-1")
	m := NewMaterializer(f.store, StaticTemplates{types.ProviderAWS: cisTemplate}, nil, nil, nil)

	result, err := m.Materialize(context.Background(), "tenant-a", f.scan.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, result.RequirementsCreated)
	assert.Equal(t, []string{"eu-west-1", "us-east-1"}, result.RegionsProcessed)
	assert.Equal(t, []string{"cis_1.4_aws"}, result.ComplianceFrameworks)

	rows, err := f.store.ComplianceRequirements(context.Background(), "tenant-a", f.scan.ID)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	for _, row := range rows {
		assert.Equal(t, "CIS AWS Foundations Benchmark", row.Framework)
		if row.RequirementID == "1.2" {
			assert.Equal(t, types.StatusFail, row.Status)
			assert.Equal(t, types.CheckStatusCounts{Fail: 1, Total: 1}, row.ChecksStatus)
		}
	}
}

func TestMaterialize_Idempotent(t *testing.T) {
	f := newFixture(t, types.ProviderAWS, "us-east-1")
	m := NewMaterializer(f.store, StaticTemplates{types.ProviderAWS: cisTemplate}, nil, nil, nil)

	_, err := m.Materialize(context.Background(), "tenant-a", f.scan.ID)
	require.NoError(t, err)
	_, err = m.Materialize(context.Background(), "tenant-a", f.scan.ID)
	require.NoError(t, err)

	rows, err := f.store.ComplianceRequirements(context.Background(), "tenant-a", f.scan.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestMaterialize_EmptyTemplate(t *testing.T) {
	f := newFixture(t, types.ProviderAWS, "us-east-1")
	m := NewMaterializer(f.store, StaticTemplates{types.ProviderAWS: {}}, nil, nil, nil)

	result, err := m.Materialize(context.Background(), "tenant-a", f.scan.ID)
	require.NoError(t, err)
	assert.Zero(t, result.RequirementsCreated)
	assert.Empty(t, result.RegionsProcessed)
	assert.Empty(t, result.ComplianceFrameworks)
}

func TestMaterialize_KubernetesUsesPlaceholderRegion(t *testing.T) {
	f := newFixture(t, types.ProviderKubernetes, "kube-system")
	tmpl := Template{"cis_1.6_kubernetes": {
		Framework:    "CIS Kubernetes Benchmark",
		Version:      "1.6.0",
		Requirements: map[string]Requirement{"1.1": {Status: types.StatusPass}},
	}}
	m := NewMaterializer(f.store, StaticTemplates{types.ProviderKubernetes: tmpl}, nil, nil, nil)

	result, err := m.Materialize(context.Background(), "tenant-a", f.scan.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{types.GlobalRegion}, result.RegionsProcessed)
	assert.Equal(t, 1, result.RequirementsCreated)
}

func TestMaterialize_FallsBackToProviderRegions(t *testing.T) {
	f := newFixture(t, types.ProviderAWS)
	offline := providers.Offline{Regions: []string{"us-west-2", "ap-south-1"}}
	m := NewMaterializer(f.store, StaticTemplates{types.ProviderAWS: cisTemplate}, offline, nil, nil)

	result, err := m.Materialize(context.Background(), "tenant-a", f.scan.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"ap-south-1", "us-west-2"}, result.RegionsProcessed)
	assert.Equal(t, 4, result.RequirementsCreated)
}

type failingTemplates struct{ err error }

func (f failingTemplates) Template(context.Context, types.ProviderType) (Template, error) {
	return nil, f.err
}

func TestMaterialize_TemplateErrorPropagatesUnmodified(t *testing.T) {
	f := newFixture(t, types.ProviderAWS, "us-east-1")
	boom := &types.TemplateError{ProviderType: types.ProviderAWS, Err: errors.New("registry unavailable")}
	m := NewMaterializer(f.store, failingTemplates{err: boom}, nil, nil, nil)

	_, err := m.Materialize(context.Background(), "tenant-a", f.scan.ID)
	assert.Same(t, boom, err)
}

type failingInitializer struct{ err error }

func (f failingInitializer) Initialize(context.Context, *types.Provider) (providers.Handle, error) {
	return nil, f.err
}

func TestMaterialize_ProviderInitErrorPropagatesUnmodified(t *testing.T) {
	f := newFixture(t, types.ProviderAWS, "us-east-1")
	unreachable := errors.New("provider initialization failed")
	m := NewMaterializer(f.store, StaticTemplates{types.ProviderAWS: cisTemplate}, failingInitializer{err: unreachable}, nil, nil)

	result, err := m.Materialize(context.Background(), "tenant-a", f.scan.ID)
	assert.Same(t, unreachable, err)
	assert.Nil(t, result)

	rows, err := f.store.ComplianceRequirements(context.Background(), "tenant-a", f.scan.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMaterialize_MissingTemplateForProviderType(t *testing.T) {
	f := newFixture(t, types.ProviderAWS, "us-east-1")
	m := NewMaterializer(f.store, StaticTemplates{}, nil, nil, nil)

	_, err := m.Materialize(context.Background(), "tenant-a", f.scan.ID)
	var tmplErr *types.TemplateError
	assert.ErrorAs(t, err, &tmplErr)
}

func TestMaterialize_ScanNotFound(t *testing.T) {
	f := newFixture(t, types.ProviderAWS)
	m := NewMaterializer(f.store, StaticTemplates{types.ProviderAWS: cisTemplate}, nil, nil, nil)

	_, err := m.Materialize(context.Background(), "tenant-a", "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestDirTemplates(t *testing.T) {
	dir := t.TempDir()
	awsDir := filepath.Join(dir, "aws")
	require.NoError(t, os.MkdirAll(awsDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(awsDir, "cis_1.4_aws.yaml"), []byte(`
framework: CIS AWS Foundations Benchmark
version: "1.4.0"
requirements:
  "1.1":
    description: Ensure root access key does not exist
    checks_status: {pass: 0, fail: 0, manual: 0, total: 1}
    status: PASS
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(awsDir, "README.md"), []byte("ignored"), 0o600))

	tmpl, err := DirTemplates{Dir: dir}.Template(context.Background(), types.ProviderAWS)
	require.NoError(t, err)
	require.Contains(t, tmpl, "cis_1.4_aws")
	assert.Equal(t, "1.4.0", tmpl["cis_1.4_aws"].Version)
	assert.Equal(t, 1, tmpl["cis_1.4_aws"].Requirements["1.1"].ChecksStatus.Total)

	empty, err := DirTemplates{Dir: dir}.Template(context.Background(), types.ProviderGCP)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDirTemplates_InvalidStatus(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "aws"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "aws", "bad.yml"), []byte(`
framework: Bad
requirements:
  "1":
    status: MAYBE
`), 0o600))

	_, err := DirTemplates{Dir: dir}.Template(context.Background(), types.ProviderAWS)
	var tmplErr *types.TemplateError
	require.ErrorAs(t, err, &tmplErr)
	assert.ErrorContains(t, err, "MAYBE")
}
