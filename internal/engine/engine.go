// Package engine drains the pending sale queue to the tenant API. A drain
// cycle walks the queue in enqueue order and submits one sale at a time;
// a transient failure leaves the sale in place for the next cycle, a
// permanent rejection or exhausted attempt budget parks it in the dead-letter
// state for operator resolution. At most one cycle runs at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tillware/possync/internal/events"
	"github.com/tillware/possync/internal/ledger"
	"github.com/tillware/possync/internal/queue"
	"github.com/tillware/possync/internal/remote"
	"github.com/tillware/possync/internal/types"
)

var (
	// ErrOffline means a drain was requested while the tenant API is unreachable.
	ErrOffline = errors.New("tenant api unreachable")
	// ErrDraining means a drain cycle is already in flight.
	ErrDraining = errors.New("drain cycle already running")
)

// Submitter is the slice of the tenant API client the engine needs.
type Submitter interface {
	SubmitSale(ctx context.Context, sub types.SaleSubmission) (*types.SaleConfirmation, error)
}

// Connectivity reports the committed online state.
type Connectivity interface {
	IsOnline() bool
}

// Recorder persists sync outcomes. Implemented by store.SQLiteStore.
type Recorder interface {
	RecordSyncedSale(ctx context.Context, rec types.SyncedSaleRecord) error
	AppendSyncLog(ctx context.Context, entry types.SyncLogEntry) error
}

// Refresher forces a catalog refresh after stock-changing syncs.
type Refresher interface {
	Refresh(ctx context.Context, force bool) error
}

// Config tunes the engine.
type Config struct {
	// Interval between periodic drain attempts.
	Interval time.Duration
	// ReconnectCooldown is how long to wait after a reconnect before
	// draining, so a barely stable link is not hammered immediately.
	ReconnectCooldown time.Duration
	// MaxAttempts is the per-sale attempt budget before dead-lettering.
	MaxAttempts int
}

// Engine owns the drain cycle.
type Engine struct {
	queue     *queue.Queue
	ledger    *ledger.Ledger
	submitter Submitter
	recorder  Recorder
	online    Connectivity
	bus       *events.Bus
	refresher Refresher
	cfg       Config

	draining atomic.Bool
}

// New creates an engine. refresher may be nil.
func New(q *queue.Queue, l *ledger.Ledger, submitter Submitter, recorder Recorder, online Connectivity, bus *events.Bus, refresher Refresher, cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.ReconnectCooldown < 0 {
		cfg.ReconnectCooldown = 0
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 25
	}
	return &Engine{
		queue:     q,
		ledger:    l,
		submitter: submitter,
		recorder:  recorder,
		online:    online,
		bus:       bus,
		refresher: refresher,
		cfg:       cfg,
	}
}

// Run reacts to connectivity changes, newly queued sales, and the periodic
// interval. Blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	slog.Info("sync engine started",
		"component", "engine",
		"interval", e.cfg.Interval.String(),
		"max_attempts", e.cfg.MaxAttempts,
	)

	ch, cancel := e.bus.Subscribe()
	defer cancel()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.tryDrain(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync engine stopped",
				"component", "engine",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			e.tryDrain(ctx, "interval")
		case ev := <-ch:
			switch ev := ev.(type) {
			case events.NetworkChanged:
				if !ev.Online {
					continue
				}
				if !sleepCtx(ctx, e.cfg.ReconnectCooldown) {
					return
				}
				e.tryDrain(ctx, "reconnect")
			case events.SaleQueued:
				e.tryDrain(ctx, "sale_queued")
			}
		}
	}
}

// tryDrain runs a drain and logs anything other than the expected
// offline/already-running outcomes.
func (e *Engine) tryDrain(ctx context.Context, trigger string) {
	_, err := e.Drain(ctx)
	if err == nil || errors.Is(err, ErrOffline) || errors.Is(err, ErrDraining) {
		return
	}
	slog.Warn("drain cycle failed",
		"component", "engine",
		"trigger", trigger,
		"error", err,
	)
}

// Drain runs one cycle: submit every pending sale sequentially in enqueue
// order. Individual failures do not abort the cycle.
func (e *Engine) Drain(ctx context.Context) (*types.DrainReport, error) {
	if !e.online.IsOnline() {
		return nil, ErrOffline
	}
	if !e.draining.CompareAndSwap(false, true) {
		return nil, ErrDraining
	}
	defer e.draining.Store(false)

	sales, err := e.queue.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending sales: %w", err)
	}

	report := &types.DrainReport{
		CycleID:   uuid.NewString(),
		Attempted: len(sales),
		StartedAt: time.Now().UTC(),
	}
	if len(sales) == 0 {
		report.Duration = time.Since(report.StartedAt)
		return report, nil
	}

	e.log(ctx, types.SyncLogEntry{
		Action:  types.ActionSyncStarted,
		CycleID: report.CycleID,
		Details: fmt.Sprintf("%d pending sales", len(sales)),
	})

	for i := range sales {
		if ctx.Err() != nil {
			break
		}
		e.processSale(ctx, report, &sales[i])
	}
	report.Duration = time.Since(report.StartedAt)

	slog.Info("drain cycle finished",
		"component", "engine",
		"cycle_id", report.CycleID,
		"attempted", report.Attempted,
		"synced", report.Synced,
		"failed", report.Failed,
		"dead_lettered", report.DeadLettered,
		"duration", report.Duration.String(),
	)

	e.bus.Publish(events.SyncCompleted{Report: *report})

	if report.Synced > 0 && e.refresher != nil {
		if err := e.refresher.Refresh(ctx, true); err != nil {
			slog.Warn("post-drain catalog refresh failed",
				"component", "engine",
				"error", err,
			)
		}
	}
	return report, nil
}

// processSale submits one sale and settles its queue entry and ledger
// contribution according to the outcome.
func (e *Engine) processSale(ctx context.Context, report *types.DrainReport, sale *types.PendingSale) {
	if err := e.queue.MarkSyncing(ctx, sale.TempReceipt); err != nil {
		slog.Warn("failed to flag sale as syncing",
			"component", "engine",
			"temp_receipt", sale.TempReceipt,
			"error", err,
		)
	}

	conf, err := e.submitter.SubmitSale(ctx, sale.Submission())
	if err != nil {
		e.settleFailure(ctx, report, sale, err)
		return
	}

	if err := e.recorder.RecordSyncedSale(ctx, types.SyncedSaleRecord{
		TempReceipt:   sale.TempReceipt,
		SaleID:        conf.SaleID,
		ReceiptNumber: conf.ReceiptNumber,
		SyncedAt:      time.Now().UTC(),
	}); err != nil {
		// The server has the sale; leaving the queue entry means a replay
		// next cycle, which the server's idempotency absorbs.
		slog.Warn("failed to record synced sale, will replay",
			"component", "engine",
			"temp_receipt", sale.TempReceipt,
			"error", err,
		)
		report.Failed++
		return
	}

	if err := e.queue.Remove(ctx, sale.TempReceipt); err != nil {
		slog.Warn("failed to remove synced sale from queue",
			"component", "engine",
			"temp_receipt", sale.TempReceipt,
			"error", err,
		)
	}
	e.ledger.ReverseSale(sale)
	e.log(ctx, types.SyncLogEntry{
		Action:      types.ActionSynced,
		CycleID:     report.CycleID,
		TempReceipt: sale.TempReceipt,
		Details:     "receipt " + conf.ReceiptNumber,
	})
	report.Synced++
}

func (e *Engine) settleFailure(ctx context.Context, report *types.DrainReport, sale *types.PendingSale, attemptErr error) {
	attempts := sale.Attempts + 1
	deadLetter := remote.IsPermanent(attemptErr) || attempts >= e.cfg.MaxAttempts

	if err := e.queue.MarkAttempt(ctx, sale.TempReceipt, attemptErr, deadLetter); err != nil {
		slog.Warn("failed to record sync attempt",
			"component", "engine",
			"temp_receipt", sale.TempReceipt,
			"error", err,
		)
	}

	if deadLetter {
		// A dead-lettered sale will never decrement server stock, so its
		// optimistic ledger contribution is taken back.
		e.ledger.ReverseSale(sale)
		e.log(ctx, types.SyncLogEntry{
			Action:      types.ActionDeadLettered,
			CycleID:     report.CycleID,
			TempReceipt: sale.TempReceipt,
			Details:     attemptErr.Error(),
		})
		slog.Error("sale dead-lettered",
			"component", "engine",
			"temp_receipt", sale.TempReceipt,
			"attempts", attempts,
			"error", attemptErr,
		)
		report.DeadLettered++
		return
	}

	e.log(ctx, types.SyncLogEntry{
		Action:      types.ActionSyncFailed,
		CycleID:     report.CycleID,
		TempReceipt: sale.TempReceipt,
		Details:     attemptErr.Error(),
	})
	report.Failed++
}

// log appends an audit entry; failures are logged, never propagated.
func (e *Engine) log(ctx context.Context, entry types.SyncLogEntry) {
	if err := e.recorder.AppendSyncLog(ctx, entry); err != nil {
		slog.Warn("failed to append sync log",
			"component", "engine",
			"action", string(entry.Action),
			"error", err,
		)
	}
}

// sleepCtx waits for d or until ctx is cancelled. Returns false on cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
