package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/easel-ai/easel-engine/pkg/apperrors"
	"github.com/easel-ai/easel-engine/pkg/config"
	"github.com/easel-ai/easel-engine/pkg/tools"
)

// catalogSnapshotKey is where the last aggregated catalog is mirrored in
// Redis, so sibling engine instances can serve a warm catalog on boot.
const catalogSnapshotKey = "easel:tools:catalog"

// catalogCache is the slice of the redis client the registry uses; tests
// substitute an in-memory implementation.
type catalogCache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Registry aggregates tool catalogs from builtin and remote providers.
// Catalogs are cached for a TTL; a provider that fails to list is skipped
// for that aggregation, never fatal. Provider identity namespaces tool
// names, so same-named tools from different providers coexist.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]tools.Provider
	order     []string

	cached   map[string][]tools.Descriptor
	cachedAt time.Time

	ttl             time.Duration
	providerTimeout time.Duration
	redis           catalogCache
	augment         PromptAugmenter
	logger          *zap.Logger
	wg              sync.WaitGroup
}

// PromptAugmenter rewrites a tool description for one user, letting
// per-user guidance ride along in the catalog the model sees.
type PromptAugmenter func(userID string, d tools.Descriptor) string

// RegistryOption customizes the registry.
type RegistryOption func(*Registry)

// WithPromptAugmenter installs a per-user description augmenter.
func WithPromptAugmenter(a PromptAugmenter) RegistryOption {
	return func(r *Registry) {
		r.augment = a
	}
}

// NewRegistry creates a registry. The redis client is optional; when nil
// the catalog is cached in-process only.
func NewRegistry(cfg config.RegistryConfig, redisClient *redis.Client, logger *zap.Logger, opts ...RegistryOption) *Registry {
	ttl := time.Duration(cfg.CatalogTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Minute
	}
	providerTimeout := time.Duration(cfg.ProviderTimeoutSeconds) * time.Second
	if providerTimeout <= 0 {
		providerTimeout = 5 * time.Second
	}
	r := &Registry{
		providers:       make(map[string]tools.Provider),
		ttl:             ttl,
		providerTimeout: providerTimeout,
		logger:          logger.Named("tool-registry"),
	}
	if redisClient != nil {
		r.redis = redisClient
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterProvider adds a provider under its own name. Registering a
// provider invalidates the cached catalog, locally and in Redis; a sibling
// instance's snapshot predates the config change.
func (r *Registry) RegisterProvider(p tools.Provider) {
	r.mu.Lock()
	name := p.Name()
	if _, exists := r.providers[name]; !exists {
		r.order = append(r.order, name)
	}
	r.providers[name] = p
	r.cached = nil
	r.mu.Unlock()

	r.dropSnapshot()
}

// Catalog returns the aggregated tool catalog keyed by provider name,
// serving the cached copy while it is fresh. Providers are listed
// concurrently, each under its own timeout; a failing provider contributes
// nothing and is logged, the rest of the catalog is still served.
func (r *Registry) Catalog(ctx context.Context) map[string][]tools.Descriptor {
	r.mu.RLock()
	if r.cached != nil && time.Since(r.cachedAt) < r.ttl {
		cached := r.cached
		r.mu.RUnlock()
		return cached
	}
	r.mu.RUnlock()

	// a sibling instance may have aggregated recently; serve its snapshot
	// instead of re-listing every provider
	if snap := r.restoreSnapshot(ctx); snap != nil {
		r.mu.Lock()
		r.cached = snap
		r.cachedAt = time.Now()
		r.mu.Unlock()
		return snap
	}

	r.mu.RLock()
	providers := make([]tools.Provider, 0, len(r.order))
	for _, name := range r.order {
		providers = append(providers, r.providers[name])
	}
	r.mu.RUnlock()

	type listing struct {
		provider    string
		descriptors []tools.Descriptor
		err         error
	}

	results := make(chan listing, len(providers))
	var wg sync.WaitGroup
	for _, p := range providers {
		wg.Add(1)
		go func(p tools.Provider) {
			defer wg.Done()
			listCtx, cancel := context.WithTimeout(ctx, r.providerTimeout)
			defer cancel()
			descriptors, err := p.ListTools(listCtx)
			results <- listing{provider: p.Name(), descriptors: descriptors, err: err}
		}(p)
	}
	wg.Wait()
	close(results)

	catalog := make(map[string][]tools.Descriptor)
	for res := range results {
		if res.err != nil {
			r.logger.Warn("Provider failed to list tools, skipping",
				zap.String("provider", res.provider),
				zap.Error(res.err))
			continue
		}
		if len(res.descriptors) > 0 {
			catalog[res.provider] = res.descriptors
		}
	}

	r.mu.Lock()
	r.cached = catalog
	r.cachedAt = time.Now()
	r.mu.Unlock()

	r.snapshot(ctx, catalog)
	return catalog
}

// ToolsFor returns the catalog filtered by the caller's allow-list, with
// per-user prompt augmentation applied to tool descriptions. The cached
// catalog is never mutated.
func (r *Registry) ToolsFor(ctx context.Context, userID string, allowList map[string][]string) map[string][]tools.Descriptor {
	filtered := ResolveToolAccess(r.Catalog(ctx), allowList)
	if r.augment == nil {
		return filtered
	}
	out := make(map[string][]tools.Descriptor, len(filtered))
	for provider, descriptors := range filtered {
		augmented := make([]tools.Descriptor, len(descriptors))
		for i, d := range descriptors {
			d.Description = r.augment(userID, d)
			augmented[i] = d
		}
		out[provider] = augmented
	}
	return out
}

// Lookup resolves a tool for execution by provider and tool name.
func (r *Registry) Lookup(providerName, toolName string) (tools.Tool, error) {
	r.mu.RLock()
	p, ok := r.providers[providerName]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	tool, ok := p.Lookup(toolName)
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return tool, nil
}

// Invalidate discards the cached catalog, locally and in Redis; the next
// Catalog call lists providers again.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()

	r.dropSnapshot()
}

// Track registers an in-flight invocation with the registry so shutdown can
// wait for it. The returned func must be called when the invocation ends.
func (r *Registry) Track() func() {
	r.wg.Add(1)
	return r.wg.Done
}

// Close waits for in-flight invocations to finish, then closes every
// provider that holds a connection.
func (r *Registry) Close() {
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, p := range r.providers {
		if closer, ok := p.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				r.logger.Warn("Failed to close provider",
					zap.String("provider", name), zap.Error(err))
			}
		}
	}
}

// snapshot mirrors the catalog to Redis on a best-effort basis.
func (r *Registry) snapshot(ctx context.Context, catalog map[string][]tools.Descriptor) {
	if r.redis == nil {
		return
	}
	payload, err := json.Marshal(catalog)
	if err != nil {
		return
	}
	if err := r.redis.Set(ctx, catalogSnapshotKey, payload, r.ttl).Err(); err != nil {
		r.logger.Debug("Failed to snapshot catalog to redis", zap.Error(err))
	}
}

// restoreSnapshot reads a sibling's catalog snapshot, if one is live.
func (r *Registry) restoreSnapshot(ctx context.Context) map[string][]tools.Descriptor {
	if r.redis == nil {
		return nil
	}
	payload, err := r.redis.Get(ctx, catalogSnapshotKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Debug("Failed to read catalog snapshot from redis", zap.Error(err))
		}
		return nil
	}
	var catalog map[string][]tools.Descriptor
	if err := json.Unmarshal(payload, &catalog); err != nil {
		r.logger.Warn("Discarding malformed catalog snapshot", zap.Error(err))
		return nil
	}
	if len(catalog) == 0 {
		return nil
	}
	return catalog
}

// dropSnapshot removes the shared snapshot so no instance serves a catalog
// that predates a provider change.
func (r *Registry) dropSnapshot() {
	if r.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.redis.Del(ctx, catalogSnapshotKey).Err(); err != nil {
		r.logger.Debug("Failed to drop catalog snapshot from redis", zap.Error(err))
	}
}
