package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tillware/possync/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "pos.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSale(tempID string, createdAt time.Time) *types.PendingSale {
	return &types.PendingSale{
		TempReceipt: tempID,
		Lines: []types.SaleLine{
			{ProductID: "P101", Quantity: 2, UnitPrice: decimal.RequireFromString("4.50"), Discount: decimal.Zero},
		},
		PaymentMethod:  types.PaymentCash,
		AmountTendered: decimal.RequireFromString("10.00"),
		Subtotal:       decimal.RequireFromString("9.00"),
		Total:          decimal.RequireFromString("9.00"),
		Change:         decimal.RequireFromString("1.00"),
		UserID:         "u-1",
		BranchID:       "b-1",
		Status:         types.StatusPending,
		CreatedAt:      createdAt,
	}
}

func TestEnqueueSale_RoundTrip(t *testing.T) {
	// Given: an empty store
	s := newTestStore(t)
	ctx := context.Background()
	sale := testSale("TMP-01", time.Now().UTC())

	// When: a sale is enqueued and read back
	if err := s.EnqueueSale(ctx, sale); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := s.GetSale(ctx, "TMP-01")
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}

	// Then: business fields and sync state survive the round trip
	if got.TempReceipt != "TMP-01" || got.Status != types.StatusPending || got.Attempts != 0 {
		t.Errorf("unexpected sale: %+v", got)
	}
	if len(got.Lines) != 1 || got.Lines[0].Quantity != 2 {
		t.Errorf("unexpected lines: %+v", got.Lines)
	}
	if !got.Total.Equal(decimal.RequireFromString("9.00")) {
		t.Errorf("total = %s", got.Total)
	}
}

func TestEnqueueSale_DuplicateTempReceipt(t *testing.T) {
	// Given: a queued sale
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.EnqueueSale(ctx, testSale("TMP-01", time.Now().UTC())); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// When: the same temp receipt is enqueued again
	err := s.EnqueueSale(ctx, testSale("TMP-01", time.Now().UTC()))

	// Then: the duplicate is rejected
	if !errors.Is(err, ErrDuplicateSale) {
		t.Errorf("expected ErrDuplicateSale, got %v", err)
	}
}

func TestPendingSales_EnqueueOrder(t *testing.T) {
	// Given: three sales enqueued at increasing times
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()
	for i, id := range []string{"TMP-A", "TMP-B", "TMP-C"} {
		if err := s.EnqueueSale(ctx, testSale(id, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	// When: listing pending sales
	sales, err := s.PendingSales(ctx)
	if err != nil {
		t.Fatalf("pending sales: %v", err)
	}

	// Then: they come back in enqueue order
	if len(sales) != 3 {
		t.Fatalf("got %d sales", len(sales))
	}
	for i, want := range []string{"TMP-A", "TMP-B", "TMP-C"} {
		if sales[i].TempReceipt != want {
			t.Errorf("position %d: got %s, want %s", i, sales[i].TempReceipt, want)
		}
	}
}

func TestPendingSales_OrderImmuneToTimestampPrecision(t *testing.T) {
	// Given: sales whose RFC 3339 timestamps sort lexically against the clock:
	// a whole-second stamp has no fraction and ".5" is a prefix of ".52"
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	stamps := []struct {
		id string
		at time.Time
	}{
		{"TMP-FIRST", base},
		{"TMP-SECOND", base.Add(500 * time.Millisecond)},
		{"TMP-THIRD", base.Add(520 * time.Millisecond)},
	}
	for _, st := range stamps {
		if err := s.EnqueueSale(ctx, testSale(st.id, st.at)); err != nil {
			t.Fatalf("enqueue %s: %v", st.id, err)
		}
	}

	// When: listing pending sales
	sales, err := s.PendingSales(ctx)
	if err != nil {
		t.Fatalf("pending sales: %v", err)
	}

	// Then: enqueue order holds regardless of timestamp formatting
	if len(sales) != 3 {
		t.Fatalf("got %d sales", len(sales))
	}
	for i, want := range []string{"TMP-FIRST", "TMP-SECOND", "TMP-THIRD"} {
		if sales[i].TempReceipt != want {
			t.Errorf("position %d: got %s, want %s", i, sales[i].TempReceipt, want)
		}
	}
}

func TestPendingSales_ExcludesDeadLetter(t *testing.T) {
	// Given: one pending and one dead-lettered sale
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.EnqueueSale(ctx, testSale("TMP-A", time.Now().UTC())); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.EnqueueSale(ctx, testSale("TMP-B", time.Now().UTC())); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.MarkSaleAttempt(ctx, "TMP-B", "product deleted", types.StatusDeadLetter); err != nil {
		t.Fatalf("mark attempt: %v", err)
	}

	// When: listing pending vs all
	pending, err := s.PendingSales(ctx)
	if err != nil {
		t.Fatalf("pending sales: %v", err)
	}
	all, err := s.AllSales(ctx)
	if err != nil {
		t.Fatalf("all sales: %v", err)
	}

	// Then: the dead-lettered sale only appears in the full listing
	if len(pending) != 1 || pending[0].TempReceipt != "TMP-A" {
		t.Errorf("pending = %+v", pending)
	}
	if len(all) != 2 {
		t.Errorf("all = %d entries", len(all))
	}

	// And: the pending count matches
	count, err := s.PendingCount(ctx)
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if count != 1 {
		t.Errorf("pending count = %d", count)
	}
}

func TestMarkSaleAttempt_IncrementsAndRecordsError(t *testing.T) {
	// Given: a queued sale
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.EnqueueSale(ctx, testSale("TMP-A", time.Now().UTC())); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// When: two failed attempts are recorded
	for i := 0; i < 2; i++ {
		if err := s.MarkSaleAttempt(ctx, "TMP-A", "connection refused", types.StatusPending); err != nil {
			t.Fatalf("mark attempt: %v", err)
		}
	}

	// Then: attempts accumulate and the error is kept
	got, err := s.GetSale(ctx, "TMP-A")
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if got.Attempts != 2 {
		t.Errorf("attempts = %d", got.Attempts)
	}
	if got.LastError != "connection refused" {
		t.Errorf("last error = %q", got.LastError)
	}
}

func TestResetSale_ClearsDeadLetterState(t *testing.T) {
	// Given: a dead-lettered sale
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.EnqueueSale(ctx, testSale("TMP-A", time.Now().UTC())); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.MarkSaleAttempt(ctx, "TMP-A", "rejected", types.StatusDeadLetter); err != nil {
		t.Fatalf("mark attempt: %v", err)
	}

	// When: an operator resets it
	if err := s.ResetSale(ctx, "TMP-A"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	// Then: it is pending again with a clean history
	got, err := s.GetSale(ctx, "TMP-A")
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if got.Status != types.StatusPending || got.Attempts != 0 || got.LastError != "" {
		t.Errorf("unexpected state after reset: %+v", got)
	}
}

func TestRemoveSale_MissingReturnsNotFound(t *testing.T) {
	// Given: an empty store
	s := newTestStore(t)

	// When: removing a sale that does not exist
	err := s.RemoveSale(context.Background(), "TMP-MISSING")

	// Then: ErrNotFound
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordSyncedSale_IdempotentOnTempReceipt(t *testing.T) {
	// Given: a synced-sale record
	s := newTestStore(t)
	ctx := context.Background()
	first := types.SyncedSaleRecord{TempReceipt: "TMP-A", SaleID: "S-1", ReceiptNumber: "RCP-0007", SyncedAt: time.Now().UTC()}
	if err := s.RecordSyncedSale(ctx, first); err != nil {
		t.Fatalf("record: %v", err)
	}

	// When: a replayed confirmation tries to write the same temp receipt
	dup := types.SyncedSaleRecord{TempReceipt: "TMP-A", SaleID: "S-2", ReceiptNumber: "RCP-0008", SyncedAt: time.Now().UTC()}
	if err := s.RecordSyncedSale(ctx, dup); err != nil {
		t.Fatalf("record dup: %v", err)
	}

	// Then: the first record wins
	got, err := s.SyncedSale(ctx, "TMP-A")
	if err != nil {
		t.Fatalf("synced sale: %v", err)
	}
	if got.SaleID != "S-1" || got.ReceiptNumber != "RCP-0007" {
		t.Errorf("record was overwritten: %+v", got)
	}
}

func TestReplaceCatalog_AtomicSwap(t *testing.T) {
	// Given: a store with an older snapshot
	s := newTestStore(t)
	ctx := context.Background()
	old := []types.CachedProduct{{ID: "OLD", Name: "Old", Price: decimal.RequireFromString("1.00"), TaxRate: decimal.Zero, TrackStock: true, StockQty: 5}}
	if err := s.ReplaceCatalog(ctx, old, nil); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}

	// When: the snapshot is replaced
	fresh := []types.CachedProduct{
		{ID: "P101", Name: "Espresso", Price: decimal.RequireFromString("4.50"), TaxRate: decimal.RequireFromString("0.1"), Taxable: true, TrackStock: true, StockQty: 10},
		{ID: "P102", Name: "Latte", Price: decimal.RequireFromString("5.00"), TaxRate: decimal.Zero, TrackStock: false},
	}
	cats := []types.CachedCategory{{ID: "C1", Name: "Drinks", SortOrder: 1}}
	if err := s.ReplaceCatalog(ctx, fresh, cats); err != nil {
		t.Fatalf("replace catalog: %v", err)
	}

	// Then: only the new snapshot remains
	products, err := s.Products(ctx)
	if err != nil {
		t.Fatalf("products: %v", err)
	}
	if len(products) != 2 {
		t.Fatalf("got %d products", len(products))
	}
	for _, p := range products {
		if p.ID == "OLD" {
			t.Error("old snapshot survived the replacement")
		}
	}

	categories, err := s.Categories(ctx)
	if err != nil {
		t.Fatalf("categories: %v", err)
	}
	if len(categories) != 1 || categories[0].Name != "Drinks" {
		t.Errorf("categories = %+v", categories)
	}

	// And: the snapshot age is recorded
	cachedAt, err := s.CatalogCachedAt(ctx)
	if err != nil {
		t.Fatalf("cached at: %v", err)
	}
	if cachedAt.IsZero() {
		t.Error("expected non-zero cached_at after replacement")
	}
}

func TestCatalogCachedAt_EmptyStore(t *testing.T) {
	// Given: a store with no snapshot
	s := newTestStore(t)

	// When: asking for the snapshot age
	cachedAt, err := s.CatalogCachedAt(context.Background())
	if err != nil {
		t.Fatalf("cached at: %v", err)
	}

	// Then: the zero time signals an absent snapshot
	if !cachedAt.IsZero() {
		t.Errorf("expected zero time, got %v", cachedAt)
	}
}

func TestCatalogCachedAt_EmptySnapshotStillCountsAsWritten(t *testing.T) {
	// Given: a tenant whose active catalog is legitimately empty
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.ReplaceCatalog(ctx, nil, nil); err != nil {
		t.Fatalf("replace catalog: %v", err)
	}

	// When: asking for the snapshot age
	cachedAt, err := s.CatalogCachedAt(ctx)
	if err != nil {
		t.Fatalf("cached at: %v", err)
	}

	// Then: the snapshot reads as written, so it can be fresh within its TTL
	if cachedAt.IsZero() {
		t.Error("expected non-zero cached_at for an empty snapshot")
	}
}

func TestImages_PutGetClear(t *testing.T) {
	// Given: a cached image
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.PutImage(ctx, types.CachedImage{URL: "products/p101.jpg", Base64: "aGVsbG8="}); err != nil {
		t.Fatalf("put image: %v", err)
	}

	// When: reading it back
	img, err := s.GetImage(ctx, "products/p101.jpg")
	if err != nil {
		t.Fatalf("get image: %v", err)
	}

	// Then: the payload matches and a re-put replaces it
	if img.Base64 != "aGVsbG8=" {
		t.Errorf("base64 = %q", img.Base64)
	}
	if err := s.PutImage(ctx, types.CachedImage{URL: "products/p101.jpg", Base64: "d29ybGQ="}); err != nil {
		t.Fatalf("replace image: %v", err)
	}
	img, err = s.GetImage(ctx, "products/p101.jpg")
	if err != nil {
		t.Fatalf("get image: %v", err)
	}
	if img.Base64 != "d29ybGQ=" {
		t.Errorf("base64 after replace = %q", img.Base64)
	}

	// And: clear removes everything
	if err := s.ClearImages(ctx); err != nil {
		t.Fatalf("clear images: %v", err)
	}
	if _, err := s.GetImage(ctx, "products/p101.jpg"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after clear, got %v", err)
	}
}

func TestSyncLog_AppendAndRead(t *testing.T) {
	// Given: two audit entries
	s := newTestStore(t)
	ctx := context.Background()
	for _, action := range []types.SyncAction{types.ActionQueued, types.ActionSynced} {
		if err := s.AppendSyncLog(ctx, types.SyncLogEntry{Action: action, TempReceipt: "TMP-A", CycleID: "cycle-1"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// When: reading the log
	entries, err := s.SyncLog(ctx, 10)
	if err != nil {
		t.Fatalf("sync log: %v", err)
	}

	// Then: newest first
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].Action != types.ActionSynced || entries[1].Action != types.ActionQueued {
		t.Errorf("unexpected order: %+v", entries)
	}
}

func TestMeta_SetGetAndProbe(t *testing.T) {
	// Given: a store
	s := newTestStore(t)
	ctx := context.Background()

	// When: writing and reading a meta key
	if err := s.SetMeta(ctx, "last_seen_online", "2026-09-01T10:00:00Z"); err != nil {
		t.Fatalf("set meta: %v", err)
	}
	got, err := s.GetMeta(ctx, "last_seen_online")
	if err != nil {
		t.Fatalf("get meta: %v", err)
	}

	// Then: the value round-trips; missing keys return empty
	if got != "2026-09-01T10:00:00Z" {
		t.Errorf("meta = %q", got)
	}
	missing, err := s.GetMeta(ctx, "never_set")
	if err != nil || missing != "" {
		t.Errorf("missing key: %q, %v", missing, err)
	}

	// And: the capability probe passes on a healthy store
	if err := ProbeDurable(ctx, s, 2*time.Second); err != nil {
		t.Errorf("probe failed on healthy store: %v", err)
	}
}
