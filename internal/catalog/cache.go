// Package catalog keeps a local snapshot of the tenant's products and
// categories so the register can browse and sell while the link is down.
// Refreshes replace the snapshot wholesale and are deduplicated so concurrent
// readers trigger at most one fetch. When the durable store stops accepting
// writes mid-session, caching degrades to memory rather than blocking sales.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tillware/possync/internal/store"
	"github.com/tillware/possync/internal/types"
	"golang.org/x/sync/singleflight"
)

// ErrOffline means a refresh was requested while the tenant API is unreachable.
var ErrOffline = errors.New("tenant api unreachable")

// Fetcher is the slice of the tenant API client the cache needs.
type Fetcher interface {
	FetchCatalog(ctx context.Context) (*types.CatalogResponse, error)
	FetchImage(ctx context.Context, path string) (string, error)
	FetchImages(ctx context.Context, paths []string) (map[string]string, error)
}

// Connectivity reports the committed online state.
type Connectivity interface {
	IsOnline() bool
}

// Options tune cache behavior.
type Options struct {
	// TTL is how long a snapshot counts as fresh.
	TTL time.Duration
	// PrefetchImages downloads product images in the background after each
	// successful refresh.
	PrefetchImages bool
	// ImageCacheSize bounds the in-memory image cache used after degradation.
	ImageCacheSize int
}

// Cache serves catalog reads from local storage and refreshes them from the
// tenant API when stale.
type Cache struct {
	fetcher Fetcher
	online  Connectivity
	opts    Options
	group   singleflight.Group

	mu       sync.RWMutex
	backend  store.CatalogStore
	degraded bool
}

// New creates a cache backed by the given store, normally the durable one.
func New(backend store.CatalogStore, fetcher Fetcher, online Connectivity, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}
	return &Cache{
		fetcher: fetcher,
		online:  online,
		opts:    opts,
		backend: backend,
	}
}

// Degraded reports whether catalog caching has fallen back to memory.
func (c *Cache) Degraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}

func (c *Cache) store() store.CatalogStore {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backend
}

// Products returns the cached product snapshot, refreshing it first when the
// snapshot is stale and the tenant API is reachable. A failed refresh is not
// fatal: the stale snapshot is served and the failure logged.
func (c *Cache) Products(ctx context.Context) ([]types.CachedProduct, error) {
	c.refreshIfStale(ctx)
	return c.store().Products(ctx)
}

// Categories returns the cached category snapshot, refreshing like Products.
func (c *Cache) Categories(ctx context.Context) ([]types.CachedCategory, error) {
	c.refreshIfStale(ctx)
	return c.store().Categories(ctx)
}

// CachedAt returns when the current snapshot was written, zero if never.
func (c *Cache) CachedAt(ctx context.Context) (time.Time, error) {
	return c.store().CatalogCachedAt(ctx)
}

// Fresh reports whether the snapshot is within its TTL.
func (c *Cache) Fresh(ctx context.Context) bool {
	cachedAt, err := c.CachedAt(ctx)
	if err != nil || cachedAt.IsZero() {
		return false
	}
	return time.Since(cachedAt) < c.opts.TTL
}

func (c *Cache) refreshIfStale(ctx context.Context) {
	if c.Fresh(ctx) || !c.online.IsOnline() {
		return
	}
	if err := c.Refresh(ctx, false); err != nil && !errors.Is(err, ErrOffline) {
		slog.Warn("catalog refresh failed, serving stale snapshot",
			"component", "catalog",
			"error", err,
		)
	}
}

// Refresh fetches the catalog and replaces the local snapshot. With force set,
// the TTL is ignored. Concurrent calls collapse into a single fetch.
func (c *Cache) Refresh(ctx context.Context, force bool) error {
	if !c.online.IsOnline() {
		return ErrOffline
	}
	if !force && c.Fresh(ctx) {
		return nil
	}

	// The flight is shared by every concurrent caller, so it must not die
	// with whichever caller happened to start it.
	refreshCtx := context.WithoutCancel(ctx)
	_, err, _ := c.group.Do("catalog", func() (any, error) {
		return nil, c.refresh(refreshCtx)
	})
	return err
}

// refresh fetches and stores the snapshot. The store layer owns the cached-at
// stamp.
func (c *Cache) refresh(ctx context.Context) error {
	catalog, err := c.fetcher.FetchCatalog(ctx)
	if err != nil {
		return fmt.Errorf("fetch catalog: %w", err)
	}

	if err := c.store().ReplaceCatalog(ctx, catalog.Products, catalog.Categories); err != nil {
		if degradeErr := c.degrade(err); degradeErr != nil {
			return degradeErr
		}
		if err := c.store().ReplaceCatalog(ctx, catalog.Products, catalog.Categories); err != nil {
			return fmt.Errorf("replace catalog after degradation: %w", err)
		}
	}

	slog.Info("catalog refreshed",
		"component", "catalog",
		"products", len(catalog.Products),
		"categories", len(catalog.Categories),
	)

	if c.opts.PrefetchImages {
		go c.prefetchImages(ctx, catalog.Products)
	}
	return nil
}

// degrade swaps the backend for an in-memory store for the rest of the
// session. Sale durability is unaffected; only catalog and image caching
// move off disk.
func (c *Cache) degrade(cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.degraded {
		return nil
	}

	mem, err := store.NewMemoryCatalogStore(c.opts.ImageCacheSize)
	if err != nil {
		return fmt.Errorf("create degraded catalog store: %w", err)
	}
	c.backend = mem
	c.degraded = true

	slog.Warn("durable catalog writes failing, degrading to in-memory cache",
		"component", "catalog",
		"error", cause,
	)
	return nil
}
