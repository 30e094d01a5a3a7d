package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rankitpro/security-core/internal/event"
)

type memorySink struct {
	name string
	fail bool

	mu      sync.Mutex
	written []string
	gate    chan struct{} // when set, Write blocks until the gate closes
}

func (m *memorySink) Name() string { return m.name }

func (m *memorySink) Write(ctx context.Context, ev event.Event) error {
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.fail {
		return errors.New("backend down")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, ev.ID)
	return nil
}

func (m *memorySink) writtenIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.written))
	copy(out, m.written)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPipelineFansOutToAllSinks(t *testing.T) {
	a := &memorySink{name: "a"}
	b := &memorySink{name: "b"}
	p := NewPipeline(16, []EventSink{a, b}, zap.NewNop())
	defer p.Close()

	if !p.Enqueue(event.Event{ID: "ev-1"}) {
		t.Fatal("enqueue into an empty buffer must succeed")
	}
	waitFor(t, func() bool {
		return len(a.writtenIDs()) == 1 && len(b.writtenIDs()) == 1
	})
	if a.writtenIDs()[0] != "ev-1" || b.writtenIDs()[0] != "ev-1" {
		t.Fatalf("both sinks must see the event: a=%v b=%v", a.writtenIDs(), b.writtenIDs())
	}
	if p.Dropped() != 0 {
		t.Fatalf("clean delivery must count no drops, got %d", p.Dropped())
	}
}

func TestFailingSinkDoesNotStopHealthyOne(t *testing.T) {
	down := &memorySink{name: "down", fail: true}
	up := &memorySink{name: "up"}
	p := NewPipeline(16, []EventSink{down, up}, zap.NewNop())
	defer p.Close()

	p.Enqueue(event.Event{ID: "ev-1"})
	p.Enqueue(event.Event{ID: "ev-2"})

	waitFor(t, func() bool { return len(up.writtenIDs()) == 2 })
	if got := p.DroppedBySink(); got["down"] != 2 || got["up"] != 0 || got["buffer"] != 0 {
		t.Fatalf("only the failing backend counts drops: %v", got)
	}
	if p.Dropped() != 2 {
		t.Fatalf("total drops must include backend failures, got %d", p.Dropped())
	}
}

func TestFullBufferDropsWithoutBlocking(t *testing.T) {
	gate := make(chan struct{})
	slow := &memorySink{name: "slow", gate: gate}
	p := NewPipeline(1, []EventSink{slow}, zap.NewNop())
	defer p.Close()

	// First event is picked up by the worker and parks on the gate; the
	// second sits in the buffer; the third has nowhere to go.
	if !p.Enqueue(event.Event{ID: "ev-1"}) {
		t.Fatal("first enqueue must succeed")
	}
	waitFor(t, func() bool {
		return !p.Enqueue(event.Event{ID: "filler"})
	})

	before := time.Now()
	if p.Enqueue(event.Event{ID: "ev-3"}) {
		t.Fatal("full buffer must refuse the event")
	}
	if time.Since(before) > 100*time.Millisecond {
		t.Fatal("enqueue against a full buffer must not block")
	}
	if p.DroppedBySink()["buffer"] == 0 {
		t.Fatalf("buffer drops must be counted: %v", p.DroppedBySink())
	}

	close(gate)
	waitFor(t, func() bool { return len(slow.writtenIDs()) >= 1 })
}

func TestCloseStopsWorker(t *testing.T) {
	s := &memorySink{name: "s"}
	p := NewPipeline(4, []EventSink{s}, zap.NewNop())

	p.Enqueue(event.Event{ID: "ev-1"})
	waitFor(t, func() bool { return len(s.writtenIDs()) == 1 })

	p.Close()
	// Safe to call twice.
	p.Close()

	// Post-close enqueues go nowhere but still must not block or panic.
	p.Enqueue(event.Event{ID: "ev-after"})
	time.Sleep(20 * time.Millisecond)
	if got := s.writtenIDs(); len(got) != 1 {
		t.Fatalf("closed pipeline must not deliver, got %v", got)
	}
}
