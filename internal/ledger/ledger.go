// Package ledger holds the optimistic stock ledger: signed per-product
// quantity adjustments accumulated from sales that have not yet synced.
// The ledger is in-memory only. It is reconstructible from the pending sale
// queue, so losing it across a restart is safe; Rebuild replays the queue on
// cold start rather than trusting a persisted copy.
package ledger

import (
	"sync"

	"github.com/tillware/possync/internal/types"
)

// Ledger accumulates optimistic stock deltas. All methods are safe for
// concurrent use.
type Ledger struct {
	mu     sync.Mutex
	deltas map[string]int64
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{deltas: make(map[string]int64)}
}

// Apply accumulates a signed adjustment for a product. A completed sale
// applies negative deltas; reversing a sale's contribution applies the
// positive mirror.
func (l *Ledger) Apply(productID string, quantityChange int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.deltas[productID] + quantityChange
	if next == 0 {
		delete(l.deltas, productID)
		return
	}
	l.deltas[productID] = next
}

// ApplySale applies every line of a sale as negative stock deltas.
func (l *Ledger) ApplySale(sale *types.PendingSale) {
	for _, line := range sale.Lines {
		l.Apply(line.ProductID, -line.Quantity)
	}
}

// ReverseSale removes a sale's contribution, used after it syncs successfully
// or is abandoned. Other pending sales touching the same products keep their
// deltas intact.
func (l *Ledger) ReverseSale(sale *types.PendingSale) {
	for _, line := range sale.Lines {
		l.Apply(line.ProductID, line.Quantity)
	}
}

// Clear removes a product's accumulated adjustment entirely.
func (l *Ledger) Clear(productID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.deltas, productID)
}

// ClearAll resets the ledger after a fully successful drain pass.
func (l *Ledger) ClearAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deltas = make(map[string]int64)
}

// Delta returns the accumulated adjustment for a product (zero if none).
func (l *Ledger) Delta(productID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deltas[productID]
}

// Snapshot returns a copy of all non-zero deltas.
func (l *Ledger) Snapshot() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int64, len(l.deltas))
	for id, d := range l.deltas {
		out[id] = d
	}
	return out
}

// Rebuild resets the ledger and replays the given queue entries. Dead-lettered
// sales are skipped: their stock never reconciles until an operator resolves
// them, so counting them would understate displayed stock indefinitely.
func (l *Ledger) Rebuild(sales []types.PendingSale) {
	l.mu.Lock()
	l.deltas = make(map[string]int64)
	l.mu.Unlock()

	for i := range sales {
		if sales[i].Status == types.StatusDeadLetter {
			continue
		}
		l.ApplySale(&sales[i])
	}
}

// DisplayedStock combines a product's last-known server stock with its live
// delta. Products without stock tracking pass through unchanged.
func DisplayedStock(p types.CachedProduct, delta int64) int64 {
	if !p.TrackStock {
		return p.StockQty
	}
	return p.StockQty + delta
}
