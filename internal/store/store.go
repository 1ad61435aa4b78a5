package store

import (
	"context"
	"time"

	"github.com/tillware/possync/internal/types"
)

// CatalogStore is the read-side cache contract. The durable SQLiteStore and
// the degraded-mode MemoryCatalogStore both implement it.
type CatalogStore interface {
	ReplaceCatalog(ctx context.Context, products []types.CachedProduct, categories []types.CachedCategory) error
	Products(ctx context.Context) ([]types.CachedProduct, error)
	Categories(ctx context.Context) ([]types.CachedCategory, error)
	CatalogCachedAt(ctx context.Context) (time.Time, error)
	PutImage(ctx context.Context, img types.CachedImage) error
	GetImage(ctx context.Context, url string) (*types.CachedImage, error)
	ClearImages(ctx context.Context) error
}

// SaleStore is the durable pending-sale queue contract. Only the durable
// store implements it; sale durability is load-bearing and never degraded.
type SaleStore interface {
	EnqueueSale(ctx context.Context, sale *types.PendingSale) error
	PendingSales(ctx context.Context) ([]types.PendingSale, error)
	AllSales(ctx context.Context) ([]types.PendingSale, error)
	GetSale(ctx context.Context, tempID string) (*types.PendingSale, error)
	MarkSaleAttempt(ctx context.Context, tempID, lastError string, status types.SaleStatus) error
	SetSaleStatus(ctx context.Context, tempID string, status types.SaleStatus) error
	ResetSale(ctx context.Context, tempID string) error
	RemoveSale(ctx context.Context, tempID string) error
	PendingCount(ctx context.Context) (int, error)
	RecordSyncedSale(ctx context.Context, rec types.SyncedSaleRecord) error
	SyncedSale(ctx context.Context, tempReceipt string) (*types.SyncedSaleRecord, error)
	AppendSyncLog(ctx context.Context, entry types.SyncLogEntry) error
	SyncLog(ctx context.Context, limit int) ([]types.SyncLogEntry, error)
}

// MetaStore holds small key/value client state (last-seen-online and the like).
type MetaStore interface {
	SetMeta(ctx context.Context, key, value string) error
	GetMeta(ctx context.Context, key string) (string, error)
}

// Store is the full durable store contract.
type Store interface {
	CatalogStore
	SaleStore
	MetaStore
	Probe(ctx context.Context) error
	Close() error
}
