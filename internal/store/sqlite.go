package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tillware/possync/internal/types"
	_ "modernc.org/sqlite"
)

// metaKeyProbe is the client_meta key used by Probe round trips.
const metaKeyProbe = "storage_probe"

// metaKeyCatalogCachedAt records when the catalog snapshot was last replaced.
// Kept in client_meta so an empty-but-fresh catalog still reads as fresh.
const metaKeyCatalogCachedAt = "catalog_cached_at"

// SQLiteStore is the durable local store backing the catalog cache, the
// pending sale queue, synced-sale records, and the sync log.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the local database.
// It initializes WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Probe verifies the store accepts writes within the caller's deadline.
// Used by the capability probe that decides durable vs degraded caching.
func (s *SQLiteStore) Probe(ctx context.Context) error {
	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.SetMeta(ctx, metaKeyProbe, stamp); err != nil {
		return fmt.Errorf("probe write: %w", err)
	}
	got, err := s.GetMeta(ctx, metaKeyProbe)
	if err != nil {
		return fmt.Errorf("probe read: %w", err)
	}
	if got != stamp {
		return fmt.Errorf("probe readback mismatch: %q != %q", got, stamp)
	}
	return nil
}

// --- Catalog ---

// ReplaceCatalog atomically swaps the cached catalog snapshot:
// clear-then-bulk-insert in one transaction, never a partial replacement.
func (s *SQLiteStore) ReplaceCatalog(ctx context.Context, products []types.CachedProduct, categories []types.CachedCategory) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM products"); err != nil {
		return fmt.Errorf("clear products: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM categories"); err != nil {
		return fmt.Errorf("clear categories: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)

	prodStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO products (id, name, sku, category_id, price, taxable, tax_rate, track_stock, stock_qty, image_url, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare product insert: %w", err)
	}
	defer prodStmt.Close()

	for _, p := range products {
		_, err := prodStmt.ExecContext(ctx,
			p.ID, p.Name, p.SKU, p.CategoryID,
			p.Price.String(), boolToInt(p.Taxable), p.TaxRate.String(),
			boolToInt(p.TrackStock), p.StockQty, p.ImageURL, now,
		)
		if err != nil {
			return fmt.Errorf("insert product %s: %w", p.ID, err)
		}
	}

	catStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO categories (id, name, parent_id, sort_order, cached_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare category insert: %w", err)
	}
	defer catStmt.Close()

	for _, c := range categories {
		if _, err := catStmt.ExecContext(ctx, c.ID, c.Name, c.ParentID, c.SortOrder, now); err != nil {
			return fmt.Errorf("insert category %s: %w", c.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO client_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, metaKeyCatalogCachedAt, now); err != nil {
		return fmt.Errorf("record catalog snapshot time: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Products returns the cached product snapshot.
func (s *SQLiteStore) Products(ctx context.Context) ([]types.CachedProduct, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, sku, category_id, price, taxable, tax_rate, track_stock, stock_qty, image_url, cached_at
		FROM products
		ORDER BY name ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var products []types.CachedProduct
	for rows.Next() {
		var p types.CachedProduct
		var price, taxRate, cachedAt string
		var taxable, trackStock int
		err := rows.Scan(&p.ID, &p.Name, &p.SKU, &p.CategoryID, &price, &taxable, &taxRate, &trackStock, &p.StockQty, &p.ImageURL, &cachedAt)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		if p.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse price for %s: %w", p.ID, err)
		}
		if p.TaxRate, err = decimal.NewFromString(taxRate); err != nil {
			return nil, fmt.Errorf("parse tax rate for %s: %w", p.ID, err)
		}
		p.Taxable = taxable != 0
		p.TrackStock = trackStock != 0
		p.CachedAt = parseTime(cachedAt)
		products = append(products, p)
	}
	return products, rows.Err()
}

// Categories returns the cached category snapshot.
func (s *SQLiteStore) Categories(ctx context.Context) ([]types.CachedCategory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, parent_id, sort_order, cached_at
		FROM categories
		ORDER BY sort_order ASC, name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	defer rows.Close()

	var categories []types.CachedCategory
	for rows.Next() {
		var c types.CachedCategory
		var cachedAt string
		if err := rows.Scan(&c.ID, &c.Name, &c.ParentID, &c.SortOrder, &cachedAt); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		c.CachedAt = parseTime(cachedAt)
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// CatalogCachedAt returns when the current snapshot was written, including a
// snapshot that legitimately contains zero products.
// Returns the zero time when no snapshot was ever written.
func (s *SQLiteStore) CatalogCachedAt(ctx context.Context) (time.Time, error) {
	cachedAt, err := s.GetMeta(ctx, metaKeyCatalogCachedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("query catalog age: %w", err)
	}
	if cachedAt == "" {
		return time.Time{}, nil
	}
	return parseTime(cachedAt), nil
}

// PutImage caches an image payload, replacing any previous entry for the URL.
func (s *SQLiteStore) PutImage(ctx context.Context, img types.CachedImage) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO images (url, base64, cached_at) VALUES (?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET base64 = excluded.base64, cached_at = excluded.cached_at
	`, img.URL, img.Base64, now)
	if err != nil {
		return fmt.Errorf("put image: %w", err)
	}
	return nil
}

// GetImage returns a cached image or ErrNotFound.
func (s *SQLiteStore) GetImage(ctx context.Context, url string) (*types.CachedImage, error) {
	var img types.CachedImage
	var cachedAt string
	err := s.db.QueryRowContext(ctx, "SELECT url, base64, cached_at FROM images WHERE url = ?", url).
		Scan(&img.URL, &img.Base64, &cachedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get image: %w", err)
	}
	img.CachedAt = parseTime(cachedAt)
	return &img, nil
}

// ClearImages removes all cached images.
func (s *SQLiteStore) ClearImages(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM images"); err != nil {
		return fmt.Errorf("clear images: %w", err)
	}
	return nil
}

// --- Pending sale queue ---

// EnqueueSale durably appends a pending sale keyed by its temporary receipt
// identifier. Returns ErrDuplicateSale if the identifier is already queued.
func (s *SQLiteStore) EnqueueSale(ctx context.Context, sale *types.PendingSale) error {
	payload, err := json.Marshal(sale)
	if err != nil {
		return fmt.Errorf("marshal sale payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_sales (temp_id, payload, status, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sale.TempReceipt, string(payload), string(sale.Status), sale.Attempts, sale.LastError,
		sale.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateSale
		}
		return fmt.Errorf("enqueue sale: %w", err)
	}
	return nil
}

// PendingSales returns queued sales awaiting sync (pending or syncing),
// in enqueue order. Dead-lettered sales are excluded.
func (s *SQLiteStore) PendingSales(ctx context.Context) ([]types.PendingSale, error) {
	return s.querySales(ctx, `
		SELECT temp_id, payload, status, attempts, last_error, created_at
		FROM pending_sales
		WHERE status IN (?, ?)
		ORDER BY seq ASC
	`, string(types.StatusPending), string(types.StatusSyncing))
}

// AllSales returns every queue entry regardless of status, in enqueue order.
func (s *SQLiteStore) AllSales(ctx context.Context) ([]types.PendingSale, error) {
	return s.querySales(ctx, `
		SELECT temp_id, payload, status, attempts, last_error, created_at
		FROM pending_sales
		ORDER BY seq ASC
	`)
}

func (s *SQLiteStore) querySales(ctx context.Context, query string, args ...any) ([]types.PendingSale, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending sales: %w", err)
	}
	defer rows.Close()

	var sales []types.PendingSale
	for rows.Next() {
		sale, err := scanPendingSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
	}
	return sales, rows.Err()
}

// GetSale returns a single queue entry or ErrNotFound.
func (s *SQLiteStore) GetSale(ctx context.Context, tempID string) (*types.PendingSale, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT temp_id, payload, status, attempts, last_error, created_at
		FROM pending_sales
		WHERE temp_id = ?
	`, tempID)

	sale, err := scanPendingSale(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sale, nil
}

// scanPendingSale reconstructs a PendingSale from a row: the JSON payload
// carries the business fields, the columns are authoritative for sync state.
func scanPendingSale(scanner interface{ Scan(...any) error }) (*types.PendingSale, error) {
	var tempID, payload, status, lastError, createdAt string
	var attempts int
	if err := scanner.Scan(&tempID, &payload, &status, &attempts, &lastError, &createdAt); err != nil {
		return nil, err
	}

	var sale types.PendingSale
	if err := json.Unmarshal([]byte(payload), &sale); err != nil {
		return nil, fmt.Errorf("parse sale payload %s: %w", tempID, err)
	}
	sale.TempReceipt = tempID
	sale.Status = types.SaleStatus(status)
	sale.Attempts = attempts
	sale.LastError = lastError
	sale.CreatedAt = parseTime(createdAt)
	return &sale, nil
}

// MarkSaleAttempt increments the attempt counter and records the last error
// and resulting status without removing the entry.
func (s *SQLiteStore) MarkSaleAttempt(ctx context.Context, tempID, lastError string, status types.SaleStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pending_sales
		SET attempts = attempts + 1, last_error = ?, status = ?
		WHERE temp_id = ?
	`, lastError, string(status), tempID)
	if err != nil {
		return fmt.Errorf("mark sale attempt: %w", err)
	}
	return requireRow(result)
}

// SetSaleStatus updates only the status column.
func (s *SQLiteStore) SetSaleStatus(ctx context.Context, tempID string, status types.SaleStatus) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE pending_sales SET status = ? WHERE temp_id = ?", string(status), tempID)
	if err != nil {
		return fmt.Errorf("set sale status: %w", err)
	}
	return requireRow(result)
}

// ResetSale returns a sale to the pending state with a clean attempt history.
// Used by the operator dead-letter escape hatch.
func (s *SQLiteStore) ResetSale(ctx context.Context, tempID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pending_sales
		SET status = ?, attempts = 0, last_error = ''
		WHERE temp_id = ?
	`, string(types.StatusPending), tempID)
	if err != nil {
		return fmt.Errorf("reset sale: %w", err)
	}
	return requireRow(result)
}

// RemoveSale deletes a queue entry after a confirmed successful sync or an
// explicit abandonment.
func (s *SQLiteStore) RemoveSale(ctx context.Context, tempID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM pending_sales WHERE temp_id = ?", tempID)
	if err != nil {
		return fmt.Errorf("remove sale: %w", err)
	}
	return requireRow(result)
}

// PendingCount returns the number of sales awaiting sync.
func (s *SQLiteStore) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pending_sales WHERE status IN (?, ?)",
		string(types.StatusPending), string(types.StatusSyncing)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending sales: %w", err)
	}
	return count, nil
}

// --- Synced sales ---

// RecordSyncedSale writes the temp-receipt to canonical-receipt mapping.
// Idempotent on the temp receipt: a replayed confirmation keeps the first record.
func (s *SQLiteStore) RecordSyncedSale(ctx context.Context, rec types.SyncedSaleRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO synced_sales (temp_receipt, sale_id, receipt_number, synced_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(temp_receipt) DO NOTHING
	`, rec.TempReceipt, rec.SaleID, rec.ReceiptNumber, rec.SyncedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record synced sale: %w", err)
	}
	return nil
}

// SyncedSale resolves a temporary receipt to its canonical record, letting the
// UI answer "did this provisional sale go through" after queue removal.
func (s *SQLiteStore) SyncedSale(ctx context.Context, tempReceipt string) (*types.SyncedSaleRecord, error) {
	var rec types.SyncedSaleRecord
	var syncedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT temp_receipt, sale_id, receipt_number, synced_at
		FROM synced_sales WHERE temp_receipt = ?
	`, tempReceipt).Scan(&rec.TempReceipt, &rec.SaleID, &rec.ReceiptNumber, &syncedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get synced sale: %w", err)
	}
	rec.SyncedAt = parseTime(syncedAt)
	return &rec, nil
}

// --- Sync log ---

// AppendSyncLog appends an audit entry. Failures here are never fatal to the
// operation being logged; callers log and continue.
func (s *SQLiteStore) AppendSyncLog(ctx context.Context, entry types.SyncLogEntry) error {
	at := entry.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_log (action, cycle_id, temp_receipt, details, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, string(entry.Action), entry.CycleID, entry.TempReceipt, entry.Details, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append sync log: %w", err)
	}
	return nil
}

// SyncLog returns the most recent audit entries, newest first.
func (s *SQLiteStore) SyncLog(ctx context.Context, limit int) ([]types.SyncLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, cycle_id, temp_receipt, details, created_at
		FROM sync_log
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sync log: %w", err)
	}
	defer rows.Close()

	var entries []types.SyncLogEntry
	for rows.Next() {
		var e types.SyncLogEntry
		var action, createdAt string
		if err := rows.Scan(&e.ID, &action, &e.CycleID, &e.TempReceipt, &e.Details, &createdAt); err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		e.Action = types.SyncAction(action)
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Client meta ---

// SetMeta stores a small key/value client state entry.
func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// GetMeta returns a client state value, or "" when the key has never been set.
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM client_meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, nil
}

// --- helpers ---

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// parseTime handles both RFC 3339 and RFC 3339 with nanoseconds.
func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339, s)
	return t
}
