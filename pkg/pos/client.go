// Package pos is the embeddable register client: the single entry point a
// till UI builds on. It owns the durable store, the catalog cache, the
// optimistic stock ledger, the connectivity monitor, and the sync engine,
// and exposes sale completion and browsing operations that work identically
// online and offline.
package pos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tillware/possync/internal/catalog"
	"github.com/tillware/possync/internal/config"
	"github.com/tillware/possync/internal/engine"
	"github.com/tillware/possync/internal/events"
	"github.com/tillware/possync/internal/ledger"
	"github.com/tillware/possync/internal/netmon"
	"github.com/tillware/possync/internal/queue"
	"github.com/tillware/possync/internal/remote"
	"github.com/tillware/possync/internal/store"
	"github.com/tillware/possync/internal/types"
)

// SaleInput is what the till hands over when the cashier completes a sale.
type SaleInput struct {
	Lines          []types.SaleLine
	PaymentMethod  types.PaymentMethod
	AmountTendered decimal.Decimal
	Discount       decimal.Decimal
	CustomerID     string
	Notes          string
}

// Client is the register client.
type Client struct {
	cfg     *config.Config
	store   *store.SQLiteStore
	bus     *events.Bus
	api     *remote.Client
	monitor *netmon.Monitor
	ledger  *ledger.Ledger
	queue   *queue.Queue
	catalog *catalog.Cache
	engine  *engine.Engine

	degradedStorage bool

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a client from configuration. The durable store must open: sale
// durability is the one guarantee that never degrades. An unreliable store
// surfaced by the startup probe only moves catalog and image caching to
// memory.
func New(cfg *config.Config) (*Client, error) {
	s, err := store.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open durable store: %w", err)
	}

	c := &Client{
		cfg:    cfg,
		store:  s,
		bus:    events.NewBus(),
		ledger: ledger.New(),
	}

	if err := store.ProbeDurable(context.Background(), s, time.Duration(cfg.Storage.ProbeTimeout)); err != nil {
		c.degradedStorage = true
		slog.Warn("durable store failed startup probe, catalog caching degrades to memory",
			"component", "pos",
			"path", cfg.Storage.Path,
			"error", err,
		)
	}

	c.api = remote.New(remote.Config{
		BaseURL:      cfg.API.BaseURL,
		Token:        cfg.API.Token,
		Timeout:      time.Duration(cfg.API.Timeout),
		FetchRetries: cfg.API.FetchRetries,
	})

	var meta netmon.MetaWriter
	if !c.degradedStorage {
		meta = s
	}
	c.monitor = netmon.New(c.api.Ping, c.bus, meta,
		time.Duration(cfg.Network.ProbeInterval),
		time.Duration(cfg.Network.Debounce),
	)

	c.queue = queue.New(s, c.bus)

	// The ledger is memory-only; rebuild it from the queue on cold start.
	sales, err := s.AllSales(context.Background())
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("rebuild stock ledger: %w", err)
	}
	c.ledger.Rebuild(sales)

	var backend store.CatalogStore = s
	if c.degradedStorage {
		mem, err := store.NewMemoryCatalogStore(cfg.Storage.ImageCacheSize)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("create degraded catalog store: %w", err)
		}
		backend = mem
	}
	c.catalog = catalog.New(backend, c.api, c.monitor, catalog.Options{
		TTL:            time.Duration(cfg.Catalog.TTL),
		PrefetchImages: cfg.Catalog.PrefetchImages,
		ImageCacheSize: cfg.Storage.ImageCacheSize,
	})

	c.engine = engine.New(c.queue, c.ledger, c.api, s, c.monitor, c.bus, c.catalog, engine.Config{
		Interval:          time.Duration(cfg.Sync.Interval),
		ReconnectCooldown: time.Duration(cfg.Sync.ReconnectCooldown),
		MaxAttempts:       cfg.Sync.MaxAttempts,
	})

	return c, nil
}

// Start launches the connectivity monitor and sync engine. Both stop when
// ctx is cancelled or Close is called.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.monitor.Run(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.engine.Run(runCtx)
	}()
}

// Close stops background work and releases the store and transport.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	var errs []error
	if err := c.api.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CompleteSale finalizes a sale at the till: totals are computed against the
// cached catalog, the sale is durably queued, and its stock impact applied to
// the ledger. The sale is accepted whether or not the link is up; if the
// durable write fails, the sale is failed outright rather than silently lost.
func (c *Client) CompleteSale(ctx context.Context, input SaleInput) (*types.PendingSale, error) {
	if len(input.Lines) == 0 {
		return nil, errors.New("sale has no line items")
	}

	products, err := c.catalog.Products(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog for totals: %w", err)
	}
	byID := make(map[string]types.CachedProduct, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	subtotal := decimal.Zero
	tax := decimal.Zero
	lineDiscounts := decimal.Zero
	for _, line := range input.Lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("product %s: quantity must be positive", line.ProductID)
		}
		p, ok := byID[line.ProductID]
		if !ok {
			return nil, fmt.Errorf("product %s not in catalog", line.ProductID)
		}
		lineTotal := line.UnitPrice.Mul(decimal.NewFromInt(line.Quantity)).Sub(line.Discount)
		subtotal = subtotal.Add(line.UnitPrice.Mul(decimal.NewFromInt(line.Quantity)))
		lineDiscounts = lineDiscounts.Add(line.Discount)
		if p.Taxable {
			tax = tax.Add(lineTotal.Mul(p.TaxRate))
		}
	}

	total := subtotal.Sub(lineDiscounts).Sub(input.Discount).Add(tax)
	change := input.AmountTendered.Sub(total)
	if input.PaymentMethod == types.PaymentCash && change.IsNegative() {
		return nil, fmt.Errorf("amount tendered %s is less than total %s", input.AmountTendered, total)
	}

	sale := &types.PendingSale{
		TempReceipt:    types.NewTempReceipt(),
		Lines:          input.Lines,
		PaymentMethod:  input.PaymentMethod,
		AmountTendered: input.AmountTendered,
		Subtotal:       subtotal,
		Discount:       lineDiscounts.Add(input.Discount),
		Tax:            tax,
		Total:          total,
		Change:         change,
		CustomerID:     input.CustomerID,
		Notes:          input.Notes,
		UserID:         c.cfg.API.UserID,
		BranchID:       c.cfg.API.BranchID,
	}

	if err := c.queue.Enqueue(ctx, sale); err != nil {
		return nil, err
	}
	c.ledger.ApplySale(sale)
	return sale, nil
}

// Products returns the cached catalog with optimistic stock applied, so a
// product sold twice offline shows a stock figure two lower than the server's.
func (c *Client) Products(ctx context.Context) ([]types.CachedProduct, error) {
	products, err := c.catalog.Products(ctx)
	if err != nil {
		return nil, err
	}
	for i := range products {
		products[i].StockQty = ledger.DisplayedStock(products[i], c.ledger.Delta(products[i].ID))
	}
	return products, nil
}

// Categories returns the cached category tree.
func (c *Client) Categories(ctx context.Context) ([]types.CachedCategory, error) {
	return c.catalog.Categories(ctx)
}

// Image returns a product image, fetching it on a cache miss when online.
func (c *Client) Image(ctx context.Context, path string) (*types.CachedImage, error) {
	return c.catalog.Image(ctx, path)
}

// RefreshCatalog forces a catalog refresh regardless of TTL.
func (c *Client) RefreshCatalog(ctx context.Context) error {
	return c.catalog.Refresh(ctx, true)
}

// SyncNow runs a drain cycle immediately.
func (c *Client) SyncNow(ctx context.Context) (*types.DrainReport, error) {
	return c.engine.Drain(ctx)
}

// PendingSales returns sales awaiting sync in enqueue order.
func (c *Client) PendingSales(ctx context.Context) ([]types.PendingSale, error) {
	return c.queue.List(ctx)
}

// AllSales returns every queue entry including dead-lettered sales.
func (c *Client) AllSales(ctx context.Context) ([]types.PendingSale, error) {
	return c.queue.All(ctx)
}

// PendingCount feeds the persistent unsynced-sales indicator.
func (c *Client) PendingCount(ctx context.Context) (int, error) {
	return c.queue.PendingCount(ctx)
}

// SyncedSale resolves a temporary receipt to its server-issued identifiers.
func (c *Client) SyncedSale(ctx context.Context, tempReceipt string) (*types.SyncedSaleRecord, error) {
	return c.store.SyncedSale(ctx, tempReceipt)
}

// SyncLog returns the newest audit entries, up to limit.
func (c *Client) SyncLog(ctx context.Context, limit int) ([]types.SyncLogEntry, error) {
	return c.store.SyncLog(ctx, limit)
}

// RetrySale returns a dead-lettered sale to the pending queue. Its stock
// contribution was reversed when it was parked, so it is applied again.
func (c *Client) RetrySale(ctx context.Context, tempReceipt string) error {
	sale, err := c.queue.Get(ctx, tempReceipt)
	if err != nil {
		return err
	}
	if err := c.queue.Retry(ctx, tempReceipt); err != nil {
		return err
	}
	c.ledger.ApplySale(sale)
	return nil
}

// AbandonSale permanently discards a queue entry. A pending sale gives back
// its stock delta; a dead-lettered one already did when it was parked.
func (c *Client) AbandonSale(ctx context.Context, tempReceipt string) error {
	sale, err := c.queue.Get(ctx, tempReceipt)
	if err != nil {
		return err
	}
	if err := c.queue.Remove(ctx, tempReceipt); err != nil {
		return err
	}
	if sale.Status != types.StatusDeadLetter {
		c.ledger.ReverseSale(sale)
	}
	if err := c.store.AppendSyncLog(ctx, types.SyncLogEntry{
		Action:      types.ActionAbandoned,
		TempReceipt: tempReceipt,
	}); err != nil {
		slog.Warn("failed to append sync log",
			"component", "pos",
			"action", string(types.ActionAbandoned),
			"temp_receipt", tempReceipt,
			"error", err,
		)
	}
	return nil
}

// StockDelta returns a product's live optimistic adjustment.
func (c *Client) StockDelta(productID string) int64 {
	return c.ledger.Delta(productID)
}

// IsOnline reports committed connectivity.
func (c *Client) IsOnline() bool {
	return c.monitor.IsOnline()
}

// ProbeConnectivity runs one connectivity probe immediately instead of
// waiting for the monitor's next tick. Used by one-shot commands that cannot
// sit out the probe interval.
func (c *Client) ProbeConnectivity(ctx context.Context) {
	c.monitor.Check(ctx)
}

// CanQueueOffline reports whether completed sales can still be accepted while
// the link is down. True whenever the durable store is open; degraded catalog
// caching does not affect it.
func (c *Client) CanQueueOffline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// DegradedStorage reports whether catalog caching is running from memory.
func (c *Client) DegradedStorage() bool {
	return c.degradedStorage || c.catalog.Degraded()
}

// Events subscribes to client events (connectivity, queued sales, sync
// reports). The returned cancel must be called when done.
func (c *Client) Events() (<-chan events.Event, func()) {
	return c.bus.Subscribe()
}
