package netmon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tillware/possync/internal/events"
)

type flakyProber struct {
	mu  sync.Mutex
	err error
}

func (p *flakyProber) set(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *flakyProber) probe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

type recordingMeta struct {
	writes atomic.Int32
}

func (m *recordingMeta) SetMeta(ctx context.Context, key, value string) error {
	m.writes.Add(1)
	return nil
}

func TestCheck_FirstProbeCommitsWithoutEvent(t *testing.T) {
	// Given: a monitor that has never probed
	bus := events.NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()
	m := New((&flakyProber{}).probe, bus, nil, time.Minute, 0)

	// When: the first probe succeeds
	m.Check(context.Background())

	// Then: the state is committed but no transition is announced
	if !m.IsOnline() {
		t.Error("expected online after successful probe")
	}
	select {
	case e := <-ch:
		t.Errorf("unexpected event on initial probe: %+v", e)
	default:
	}
}

func TestCheck_TransitionPublishedAfterDebounce(t *testing.T) {
	// Given: a monitor settled online with zero debounce
	bus := events.NewBus()
	prober := &flakyProber{}
	m := New(prober.probe, bus, nil, time.Minute, 0)
	m.Check(context.Background())

	ch, cancel := bus.Subscribe()
	defer cancel()

	// When: the probe starts failing
	prober.set(errors.New("connection refused"))
	m.Check(context.Background())

	// Then: the offline transition is published
	select {
	case e := <-ch:
		changed, ok := e.(events.NetworkChanged)
		if !ok || changed.Online {
			t.Errorf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no NetworkChanged event")
	}
	if m.IsOnline() {
		t.Error("expected offline")
	}
}

func TestCheck_FlapWithinDebounceCoalesced(t *testing.T) {
	// Given: a monitor settled online with a long debounce window
	bus := events.NewBus()
	prober := &flakyProber{}
	m := New(prober.probe, bus, nil, time.Minute, time.Hour)
	m.Check(context.Background())

	ch, cancel := bus.Subscribe()
	defer cancel()

	// When: the probe fails once and then recovers
	prober.set(errors.New("timeout"))
	m.Check(context.Background())
	prober.set(nil)
	m.Check(context.Background())

	// Then: the blip never surfaced as a transition
	if !m.IsOnline() {
		t.Error("expected monitor to stay online through the blip")
	}
	select {
	case e := <-ch:
		t.Errorf("unexpected event for a coalesced flap: %+v", e)
	default:
	}
}

func TestSetOnline_OverrideBypassesDebounce(t *testing.T) {
	// Given: a monitor settled online with a long debounce window
	bus := events.NewBus()
	m := New((&flakyProber{}).probe, bus, nil, time.Minute, time.Hour)
	m.Check(context.Background())

	ch, cancel := bus.Subscribe()
	defer cancel()

	// When: the state is forced offline
	m.SetOnline(false)

	// Then: the transition is immediate
	if m.IsOnline() {
		t.Error("expected offline after override")
	}
	select {
	case e := <-ch:
		changed, ok := e.(events.NetworkChanged)
		if !ok || changed.Online {
			t.Errorf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no NetworkChanged event")
	}

	// And: forcing the same state again is silent
	m.SetOnline(false)
	select {
	case e := <-ch:
		t.Errorf("unexpected event for a no-op override: %+v", e)
	default:
	}
}

func TestCheck_RecordsLastSeenOnline(t *testing.T) {
	// Given: a monitor with a meta writer
	bus := events.NewBus()
	prober := &flakyProber{}
	meta := &recordingMeta{}
	m := New(prober.probe, bus, meta, time.Minute, 0)

	// When: probes succeed, fail, then succeed again
	m.Check(context.Background())
	prober.set(errors.New("down"))
	m.Check(context.Background())
	prober.set(nil)
	m.Check(context.Background())

	// Then: only the successful probes touched the timestamp
	if got := meta.writes.Load(); got != 2 {
		t.Errorf("meta writes = %d, want 2", got)
	}
}
