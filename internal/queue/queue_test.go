package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tillware/possync/internal/events"
	"github.com/tillware/possync/internal/store"
	"github.com/tillware/possync/internal/types"
)

func newTestQueue(t *testing.T) (*Queue, *store.SQLiteStore, *events.Bus) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "pos.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	bus := events.NewBus()
	return New(s, bus), s, bus
}

func completedSale(tempID string) *types.PendingSale {
	return &types.PendingSale{
		TempReceipt:    tempID,
		Lines:          []types.SaleLine{{ProductID: "P101", Quantity: 2, UnitPrice: decimal.RequireFromString("4.50")}},
		PaymentMethod:  types.PaymentCash,
		AmountTendered: decimal.RequireFromString("10.00"),
		Total:          decimal.RequireFromString("9.00"),
		UserID:         "u-1",
		BranchID:       "b-1",
	}
}

func TestEnqueue_PublishesEventAndLogs(t *testing.T) {
	// Given: a queue with a subscriber
	q, s, bus := newTestQueue(t)
	ctx := context.Background()
	ch, cancel := bus.Subscribe()
	defer cancel()

	// When: a completed sale is enqueued
	if err := q.Enqueue(ctx, completedSale("TMP-01")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Then: the subscriber hears about it
	select {
	case e := <-ch:
		queued, ok := e.(events.SaleQueued)
		if !ok || queued.TempReceipt != "TMP-01" {
			t.Errorf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no SaleQueued event")
	}

	// And: an audit entry was written
	entries, err := s.SyncLog(ctx, 5)
	if err != nil {
		t.Fatalf("sync log: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != types.ActionQueued {
		t.Errorf("sync log = %+v", entries)
	}
}

func TestEnqueue_RejectsInvalidSales(t *testing.T) {
	// Given: a queue
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	// When/Then: missing identifier or empty lines fail up front
	noID := completedSale("")
	if err := q.Enqueue(ctx, noID); err == nil {
		t.Error("expected error for missing temp receipt")
	}
	noLines := completedSale("TMP-02")
	noLines.Lines = nil
	if err := q.Enqueue(ctx, noLines); err == nil {
		t.Error("expected error for empty line items")
	}
}

func TestEnqueue_DuplicateSurfacesError(t *testing.T) {
	// Given: a queued sale
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	if err := q.Enqueue(ctx, completedSale("TMP-01")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// When: the same identifier is enqueued again
	err := q.Enqueue(ctx, completedSale("TMP-01"))

	// Then: the caller sees the duplicate, not silent success
	if !errors.Is(err, store.ErrDuplicateSale) {
		t.Errorf("expected ErrDuplicateSale, got %v", err)
	}
}

func TestMarkAttempt_DeadLetterParksTheSale(t *testing.T) {
	// Given: a queued sale
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	if err := q.Enqueue(ctx, completedSale("TMP-01")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// When: an attempt fails permanently
	if err := q.MarkAttempt(ctx, "TMP-01", errors.New("product deleted server-side"), true); err != nil {
		t.Fatalf("mark attempt: %v", err)
	}

	// Then: the sale is out of the pending list but still recorded
	pending, err := q.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %+v", pending)
	}
	sale, err := q.Get(ctx, "TMP-01")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sale.Status != types.StatusDeadLetter || sale.Attempts != 1 {
		t.Errorf("sale = %+v", sale)
	}
}

func TestRetry_OnlyForDeadLetteredSales(t *testing.T) {
	// Given: one pending and one dead-lettered sale
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	if err := q.Enqueue(ctx, completedSale("TMP-01")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, completedSale("TMP-02")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.MarkAttempt(ctx, "TMP-02", errors.New("rejected"), true); err != nil {
		t.Fatalf("mark attempt: %v", err)
	}

	// When/Then: retrying a pending sale is refused
	if err := q.Retry(ctx, "TMP-01"); err == nil {
		t.Error("expected error retrying a pending sale")
	}

	// When: retrying the dead-lettered sale
	if err := q.Retry(ctx, "TMP-02"); err != nil {
		t.Fatalf("retry: %v", err)
	}

	// Then: it rejoins the pending queue with zero attempts
	sale, err := q.Get(ctx, "TMP-02")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sale.Status != types.StatusPending || sale.Attempts != 0 {
		t.Errorf("sale after retry = %+v", sale)
	}

	count, err := q.PendingCount(ctx)
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if count != 2 {
		t.Errorf("pending count = %d", count)
	}
}
