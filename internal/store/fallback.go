package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tillware/possync/internal/types"
)

// MemoryCatalogStore is the degraded-mode substitute for catalog and image
// caching on hardware where the durable store is unreliable. It holds the
// catalog snapshot in memory and images in a bounded LRU; nothing survives a
// process restart. It is never used for the pending sale queue, whose
// durability guarantee is load-bearing.
type MemoryCatalogStore struct {
	mu         sync.RWMutex
	products   []types.CachedProduct
	categories []types.CachedCategory
	cachedAt   time.Time
	images     *lru.Cache[string, types.CachedImage]
}

var _ CatalogStore = (*MemoryCatalogStore)(nil)

// NewMemoryCatalogStore creates a memory store holding at most imageCapacity
// cached images.
func NewMemoryCatalogStore(imageCapacity int) (*MemoryCatalogStore, error) {
	if imageCapacity < 1 {
		imageCapacity = 1
	}
	images, err := lru.New[string, types.CachedImage](imageCapacity)
	if err != nil {
		return nil, fmt.Errorf("create image cache: %w", err)
	}
	return &MemoryCatalogStore{images: images}, nil
}

// ReplaceCatalog swaps the in-memory snapshot wholesale. Like the durable
// store, it owns the cached-at stamp for the snapshot and its entries.
func (m *MemoryCatalogStore) ReplaceCatalog(_ context.Context, products []types.CachedProduct, categories []types.CachedCategory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	m.products = append([]types.CachedProduct(nil), products...)
	for i := range m.products {
		m.products[i].CachedAt = now
	}
	m.categories = append([]types.CachedCategory(nil), categories...)
	for i := range m.categories {
		m.categories[i].CachedAt = now
	}
	m.cachedAt = now
	return nil
}

// Products returns the in-memory product snapshot.
func (m *MemoryCatalogStore) Products(_ context.Context) ([]types.CachedProduct, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.CachedProduct(nil), m.products...), nil
}

// Categories returns the in-memory category snapshot.
func (m *MemoryCatalogStore) Categories(_ context.Context) ([]types.CachedCategory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.CachedCategory(nil), m.categories...), nil
}

// CatalogCachedAt returns when the snapshot was written, zero if never.
func (m *MemoryCatalogStore) CatalogCachedAt(_ context.Context) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cachedAt, nil
}

// PutImage caches an image, evicting the least-recently-added entry when full.
func (m *MemoryCatalogStore) PutImage(_ context.Context, img types.CachedImage) error {
	if img.CachedAt.IsZero() {
		img.CachedAt = time.Now().UTC()
	}
	m.images.Add(img.URL, img)
	return nil
}

// GetImage returns a cached image or ErrNotFound.
func (m *MemoryCatalogStore) GetImage(_ context.Context, url string) (*types.CachedImage, error) {
	img, ok := m.images.Get(url)
	if !ok {
		return nil, ErrNotFound
	}
	return &img, nil
}

// ClearImages drops all cached images.
func (m *MemoryCatalogStore) ClearImages(_ context.Context) error {
	m.images.Purge()
	return nil
}

// ImageCount reports how many images are currently cached.
func (m *MemoryCatalogStore) ImageCount() int {
	return m.images.Len()
}

// ProbeDurable runs the store's write/read probe under a bounded deadline.
// A non-nil error means catalog/image caching should degrade to memory.
func ProbeDurable(ctx context.Context, s *SQLiteStore, timeout time.Duration) error {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.Probe(probeCtx)
}
