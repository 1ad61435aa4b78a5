// Package queue wraps the durable pending-sale queue: the append-only record
// of sales completed while offline (or not yet confirmed by the server).
// Enqueue is the only way a sale becomes visible to the sync engine; a sale
// that fails to enqueue must not be treated as completed by the caller.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tillware/possync/internal/events"
	"github.com/tillware/possync/internal/types"
)

// SaleStore defines the durable operations required by the queue.
// Implemented by store.SQLiteStore.
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
	AppendSyncLog(ctx context.Context, entry types.SyncLogEntry) error
}

// Queue is the pending sale queue. Mutations come only from the
// sale-completion path (Enqueue) and the sync engine (MarkAttempt, Remove),
// plus the operator escape hatch (Retry, Remove).
type Queue struct {
	store SaleStore
	bus   *events.Bus
}

// New creates a queue over the given durable store.
func New(store SaleStore, bus *events.Bus) *Queue {
	return &Queue{store: store, bus: bus}
}

// Enqueue durably appends a completed sale. The write must succeed or the
// caller's "complete sale" action is failed; there is no silent loss of a
// completed transaction.
func (q *Queue) Enqueue(ctx context.Context, sale *types.PendingSale) error {
	if sale.TempReceipt == "" {
		return errors.New("sale has no temporary receipt identifier")
	}
	if len(sale.Lines) == 0 {
		return errors.New("sale has no line items")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.Status = types.StatusPending
	sale.Attempts = 0

	if err := q.store.EnqueueSale(ctx, sale); err != nil {
		return fmt.Errorf("enqueue sale %s: %w", sale.TempReceipt, err)
	}

	q.log(ctx, types.SyncLogEntry{Action: types.ActionQueued, TempReceipt: sale.TempReceipt})
	q.bus.Publish(events.SaleQueued{TempReceipt: sale.TempReceipt, At: sale.CreatedAt})
	return nil
}

// List returns sales awaiting sync, in enqueue order.
func (q *Queue) List(ctx context.Context) ([]types.PendingSale, error) {
	return q.store.PendingSales(ctx)
}

// All returns every queue entry including dead-lettered sales.
func (q *Queue) All(ctx context.Context) ([]types.PendingSale, error) {
	return q.store.AllSales(ctx)
}

// Get returns a single entry by temporary receipt identifier.
func (q *Queue) Get(ctx context.Context, tempID string) (*types.PendingSale, error) {
	return q.store.GetSale(ctx, tempID)
}

// MarkSyncing flags a sale as in flight for the current drain cycle.
func (q *Queue) MarkSyncing(ctx context.Context, tempID string) error {
	return q.store.SetSaleStatus(ctx, tempID, types.StatusSyncing)
}

// MarkAttempt records a failed sync attempt. With deadLetter set the sale is
// parked for operator resolution instead of being retried.
func (q *Queue) MarkAttempt(ctx context.Context, tempID string, attemptErr error, deadLetter bool) error {
	status := types.StatusPending
	if deadLetter {
		status = types.StatusDeadLetter
	}
	msg := ""
	if attemptErr != nil {
		msg = attemptErr.Error()
	}
	return q.store.MarkSaleAttempt(ctx, tempID, msg, status)
}

// Remove deletes an entry after a confirmed sync or explicit abandonment.
func (q *Queue) Remove(ctx context.Context, tempID string) error {
	return q.store.RemoveSale(ctx, tempID)
}

// Retry returns a dead-lettered sale to the pending queue with a clean
// attempt history. Returns an error if the sale is not dead-lettered.
func (q *Queue) Retry(ctx context.Context, tempID string) error {
	sale, err := q.store.GetSale(ctx, tempID)
	if err != nil {
		return err
	}
	if sale.Status != types.StatusDeadLetter {
		return fmt.Errorf("sale %s is %s, not dead-lettered", tempID, sale.Status)
	}
	if err := q.store.ResetSale(ctx, tempID); err != nil {
		return err
	}
	q.log(ctx, types.SyncLogEntry{Action: types.ActionRetried, TempReceipt: tempID})
	return nil
}

// PendingCount returns the number of sales awaiting sync, for the persistent
// unsynced indicator.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	return q.store.PendingCount(ctx)
}

// log appends an audit entry; failures are logged, never propagated.
func (q *Queue) log(ctx context.Context, entry types.SyncLogEntry) {
	if err := q.store.AppendSyncLog(ctx, entry); err != nil {
		slog.Warn("failed to append sync log",
			"component", "queue",
			"action", string(entry.Action),
			"temp_receipt", entry.TempReceipt,
			"error", err,
		)
	}
}
