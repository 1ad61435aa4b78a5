package ledger

import (
	"testing"

	"github.com/tillware/possync/internal/types"
)

func saleWith(lines ...types.SaleLine) *types.PendingSale {
	return &types.PendingSale{Lines: lines, Status: types.StatusPending}
}

func TestApply_AccumulatesAndClearsZero(t *testing.T) {
	// Given: an empty ledger
	l := New()

	// When: deltas accumulate and cancel out
	l.Apply("P101", -2)
	l.Apply("P101", -3)
	if got := l.Delta("P101"); got != -5 {
		t.Errorf("delta = %d, want -5", got)
	}
	l.Apply("P101", 5)

	// Then: a zero delta is dropped from the snapshot
	if got := l.Delta("P101"); got != 0 {
		t.Errorf("delta = %d, want 0", got)
	}
	if snap := l.Snapshot(); len(snap) != 0 {
		t.Errorf("snapshot = %v, want empty", snap)
	}
}

func TestReverseSale_KeepsOtherSalesDeltas(t *testing.T) {
	// Given: two pending sales touching the same product
	l := New()
	saleA := saleWith(types.SaleLine{ProductID: "P101", Quantity: 2})
	saleB := saleWith(types.SaleLine{ProductID: "P101", Quantity: 1}, types.SaleLine{ProductID: "P202", Quantity: 4})
	l.ApplySale(saleA)
	l.ApplySale(saleB)

	// When: sale A syncs and its contribution is reversed
	l.ReverseSale(saleA)

	// Then: sale B's deltas remain
	if got := l.Delta("P101"); got != -1 {
		t.Errorf("P101 delta = %d, want -1", got)
	}
	if got := l.Delta("P202"); got != -4 {
		t.Errorf("P202 delta = %d, want -4", got)
	}
}

func TestRebuild_ReplaysQueueSkippingDeadLetters(t *testing.T) {
	// Given: a ledger with stale state and a queue with one dead-lettered sale
	l := New()
	l.Apply("STALE", -99)

	queue := []types.PendingSale{
		{Lines: []types.SaleLine{{ProductID: "P101", Quantity: 2}}, Status: types.StatusPending},
		{Lines: []types.SaleLine{{ProductID: "P101", Quantity: 1}}, Status: types.StatusSyncing},
		{Lines: []types.SaleLine{{ProductID: "P303", Quantity: 7}}, Status: types.StatusDeadLetter},
	}

	// When: rebuilding from the queue
	l.Rebuild(queue)

	// Then: only live sales contribute
	if got := l.Delta("P101"); got != -3 {
		t.Errorf("P101 delta = %d, want -3", got)
	}
	if got := l.Delta("P303"); got != 0 {
		t.Errorf("P303 delta = %d, want 0 (dead-lettered)", got)
	}
	if got := l.Delta("STALE"); got != 0 {
		t.Errorf("stale delta survived rebuild: %d", got)
	}
}

func TestDisplayedStock(t *testing.T) {
	// Given: a tracked and an untracked product
	tracked := types.CachedProduct{TrackStock: true, StockQty: 10}
	untracked := types.CachedProduct{TrackStock: false, StockQty: 10}

	// Then: deltas only apply to tracked stock
	if got := DisplayedStock(tracked, -2); got != 8 {
		t.Errorf("tracked = %d, want 8", got)
	}
	if got := DisplayedStock(untracked, -2); got != 10 {
		t.Errorf("untracked = %d, want 10", got)
	}
}

func TestClearAll(t *testing.T) {
	// Given: accumulated deltas
	l := New()
	l.Apply("P101", -2)
	l.Apply("P202", -4)

	// When: a full drain succeeds
	l.ClearAll()

	// Then: every delta is zero
	if snap := l.Snapshot(); len(snap) != 0 {
		t.Errorf("snapshot = %v, want empty", snap)
	}
}
