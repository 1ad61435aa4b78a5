package types

import (
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// SaleStatus represents the synchronization state of a pending sale.
type SaleStatus string

const (
	StatusPending    SaleStatus = "pending"
	StatusSyncing    SaleStatus = "syncing"
	StatusDeadLetter SaleStatus = "dead_letter"
)

// PaymentMethod identifies how a sale was paid.
type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "cash"
	PaymentCard   PaymentMethod = "card"
	PaymentMobile PaymentMethod = "mobile"
)

// SyncAction identifies a sync-log lifecycle event.
type SyncAction string

const (
	ActionQueued       SyncAction = "queued"
	ActionSyncStarted  SyncAction = "sync_started"
	ActionSynced       SyncAction = "synced"
	ActionSyncFailed   SyncAction = "sync_failed"
	ActionDeadLettered SyncAction = "dead_lettered"
	ActionAbandoned    SyncAction = "abandoned"
	ActionRetried      SyncAction = "retried"
)

// TempReceiptPrefix marks client-generated receipt identifiers so they are
// never confused with server-issued receipt numbers.
const TempReceiptPrefix = "TMP-"

// NewTempReceipt generates a client-side temporary receipt identifier.
// ULIDs sort lexically by creation time, so the identifier doubles as the
// queue ordering key.
func NewTempReceipt() string {
	return TempReceiptPrefix + ulid.Make().String()
}

// CachedProduct is the locally cached view of a product, replaced wholesale
// on each catalog refresh. StockQty is the last-known server figure; the
// optimistic stock ledger is applied on top at presentation time.
type CachedProduct struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	SKU        string          `json:"sku,omitempty"`
	CategoryID string          `json:"category_id,omitempty"`
	Price      decimal.Decimal `json:"price"`
	Taxable    bool            `json:"taxable"`
	TaxRate    decimal.Decimal `json:"tax_rate"`
	TrackStock bool            `json:"track_stock"`
	StockQty   int64           `json:"stock_qty"`
	ImageURL   string          `json:"image_url,omitempty"`
	CachedAt   time.Time       `json:"cached_at"`
}

// CachedCategory is the locally cached view of a product category.
type CachedCategory struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ParentID  string    `json:"parent_id,omitempty"`
	SortOrder int       `json:"sort_order"`
	CachedAt  time.Time `json:"cached_at"`
}

// CachedImage holds a base64-encoded image payload keyed by its canonical URL.
type CachedImage struct {
	URL      string    `json:"url"`
	Base64   string    `json:"base64"`
	CachedAt time.Time `json:"cached_at"`
}

// SaleLine is one line item of a sale. Quantity is in base units.
type SaleLine struct {
	ProductID string          `json:"product_id"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Discount  decimal.Decimal `json:"discount"`
}

// PendingSale is the unit of work for synchronization: a completed sale that
// has not yet been confirmed by the server. TempReceipt is the idempotency
// and correlation key; it is unique within the local store.
type PendingSale struct {
	TempReceipt    string          `json:"temp_receipt"`
	Lines          []SaleLine      `json:"lines"`
	PaymentMethod  PaymentMethod   `json:"payment_method"`
	AmountTendered decimal.Decimal `json:"amount_tendered"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Discount       decimal.Decimal `json:"discount"`
	Tax            decimal.Decimal `json:"tax"`
	Total          decimal.Decimal `json:"total"`
	Change         decimal.Decimal `json:"change"`
	CustomerID     string          `json:"customer_id,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	UserID         string          `json:"user_id"`
	BranchID       string          `json:"branch_id"`
	Status         SaleStatus      `json:"status"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Submission builds the server sale-creation payload for this pending sale.
func (p *PendingSale) Submission() SaleSubmission {
	return SaleSubmission{
		TempReceipt:    p.TempReceipt,
		Lines:          p.Lines,
		PaymentMethod:  p.PaymentMethod,
		AmountTendered: p.AmountTendered,
		Discount:       p.Discount,
		CustomerID:     p.CustomerID,
		Notes:          p.Notes,
		UserID:         p.UserID,
		BranchID:       p.BranchID,
	}
}

// SyncedSaleRecord maps a temporary receipt identifier to the server-issued
// canonical identifiers. Created once on first successful sync; immutable.
type SyncedSaleRecord struct {
	TempReceipt   string    `json:"temp_receipt"`
	SaleID        string    `json:"sale_id"`
	ReceiptNumber string    `json:"receipt_number"`
	SyncedAt      time.Time `json:"synced_at"`
}

// SyncLogEntry is an append-only audit record of queue/sync lifecycle events.
// Diagnostics only; never read by business logic.
type SyncLogEntry struct {
	ID          int64      `json:"id"`
	Action      SyncAction `json:"action"`
	CycleID     string     `json:"cycle_id,omitempty"`
	TempReceipt string     `json:"temp_receipt,omitempty"`
	Details     string     `json:"details,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// DrainReport summarizes one drain cycle for the UI layer.
type DrainReport struct {
	CycleID      string        `json:"cycle_id"`
	Attempted    int           `json:"attempted"`
	Synced       int           `json:"synced"`
	Failed       int           `json:"failed"`
	DeadLettered int           `json:"dead_lettered"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
}

// --- Tenant API wire contracts ---

// CatalogResponse is the tenant catalog endpoint payload: the full active
// product and category set scoped to the authenticated tenant/branch.
type CatalogResponse struct {
	Products   []CachedProduct  `json:"products"`
	Categories []CachedCategory `json:"categories"`
	AsOf       time.Time        `json:"as_of"`
}

// SaleSubmission is the sale-creation request. TempReceipt is carried for
// correlation; the server remains the source of truth for canonical numbering.
type SaleSubmission struct {
	TempReceipt    string          `json:"temp_receipt"`
	Lines          []SaleLine      `json:"lines"`
	PaymentMethod  PaymentMethod   `json:"payment_method"`
	AmountTendered decimal.Decimal `json:"amount_tendered"`
	Discount       decimal.Decimal `json:"discount"`
	CustomerID     string          `json:"customer_id,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	UserID         string          `json:"user_id"`
	BranchID       string          `json:"branch_id"`
}

// SaleConfirmation is the server's canonical record of a created sale.
type SaleConfirmation struct {
	SaleID        string          `json:"sale_id"`
	ReceiptNumber string          `json:"receipt_number"`
	Total         decimal.Decimal `json:"total"`
	Change        decimal.Decimal `json:"change"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ImageBatchRequest asks for base64 payloads for the given storage paths.
type ImageBatchRequest struct {
	Paths []string `json:"paths"`
}

// ImageBatchResponse maps storage paths to base64 payloads. Paths the server
// could not resolve are absent from the map.
type ImageBatchResponse struct {
	Images map[string]string `json:"images"`
}

// ImageResponse is the single-image fetch payload.
type ImageResponse struct {
	Path   string `json:"path"`
	Base64 string `json:"base64"`
}
