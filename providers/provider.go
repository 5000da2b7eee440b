// Package providers defines the boundary to provider connectivity and the
// external check runner.
package providers

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/yairfalse/warden/types"
)

// Handle is a connected provider.
type Handle interface {
	Regions(ctx context.Context) ([]string, error)
}

// Initializer connects to a provider account. Any returned error means the
// provider is unreachable.
type Initializer interface {
	Initialize(ctx context.Context, p *types.Provider) (Handle, error)
}

// RunRequest selects what the check runner evaluates.
type RunRequest struct {
	TenantID string
	ScanID   string
	Provider *types.Provider
	Checks   []string
}

// CheckRunner evaluates checks and yields results lazily, one batch at a
// time, with non-decreasing progress. A non-nil error ends the sequence.
type CheckRunner interface {
	Run(ctx context.Context, req RunRequest) iter.Seq2[types.Batch, error]
}

// Registry dispatches initialization by provider type.
type Registry struct {
	mu           sync.RWMutex
	initializers map[types.ProviderType]Initializer
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{initializers: make(map[types.ProviderType]Initializer)}
}

// Register sets the initializer for a provider type.
func (r *Registry) Register(kind types.ProviderType, initializer Initializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initializers[kind] = initializer
}

// Initialize implements Initializer.
func (r *Registry) Initialize(ctx context.Context, p *types.Provider) (Handle, error) {
	r.mu.RLock()
	initializer, ok := r.initializers[p.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no initializer registered for provider type %s", p.Type)
	}
	return initializer.Initialize(ctx, p)
}

// Types returns the registered provider types
func (r *Registry) Types() []types.ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]types.ProviderType, 0, len(r.initializers))
	for kind := range r.initializers {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// StaticHandle is a handle with a fixed region list.
type StaticHandle []string

func (h StaticHandle) Regions(ctx context.Context) ([]string, error) {
	return append([]string(nil), h...), nil
}

// Offline connects without contacting the provider. Used for replayed scans
// where results were captured elsewhere.
type Offline struct {
	Regions []string
}

func (o Offline) Initialize(ctx context.Context, p *types.Provider) (Handle, error) {
	if !p.Type.IsRegional() {
		return StaticHandle{types.GlobalRegion}, nil
	}
	return StaticHandle(o.Regions), nil
}
