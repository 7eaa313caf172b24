package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/satoshigate/paygate/internal/intent"
	"github.com/satoshigate/paygate/internal/storage"
)

type recordingSink struct {
	mu   sync.Mutex
	errs map[string]error
	seen []intent.Event
}

func (s *recordingSink) Publish(_ context.Context, ev intent.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, ev)
	if s.errs != nil {
		return s.errs[ev.Intent.ID]
	}
	return nil
}

func TestDispatchDeliversToCallbacksAndSink(t *testing.T) {
	var mu sync.Mutex
	var got []intent.Event
	cb := func(_ context.Context, ev intent.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	}
	sink := &recordingSink{}
	d, err := New(slog.Default(), sink, cb)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ev := intent.Event{Kind: intent.EventCreated, Intent: storage.Intent{ID: "intent-1", AmountSats: 1000}}
	d.Dispatch(context.Background(), ev)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Intent.ID != "intent-1" {
		t.Fatalf("callback not delivered: %+v", got)
	}
	if len(sink.seen) != 1 {
		t.Fatalf("sink not published to: %+v", sink.seen)
	}
}

func TestDispatchSwallowsSinkErrors(t *testing.T) {
	sink := &recordingSink{errs: map[string]error{"intent-1": errors.New("kafka unavailable")}}
	d, err := New(slog.Default(), sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Must not panic or block despite the sink failing.
	d.Dispatch(context.Background(), intent.Event{Kind: intent.EventConfirmed, Intent: storage.Intent{ID: "intent-1"}})
}

func TestDispatchRecoversFromPanickingCallback(t *testing.T) {
	panicked := func(_ context.Context, _ intent.Event) { panic("boom") }
	var mu sync.Mutex
	ranAfter := false
	after := func(_ context.Context, _ intent.Event) {
		mu.Lock()
		defer mu.Unlock()
		ranAfter = true
	}
	d, err := New(slog.Default(), nil, panicked, after)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Dispatch(context.Background(), intent.Event{Kind: intent.EventExpired, Intent: storage.Intent{ID: "intent-1"}})

	mu.Lock()
	defer mu.Unlock()
	if !ranAfter {
		t.Fatalf("expected the callback after the panicking one to still run")
	}
}

func TestDispatchOrdersEventsPerIntent(t *testing.T) {
	var mu sync.Mutex
	var order []string
	var inFlight atomic.Int32
	overlapped := false
	cb := func(_ context.Context, ev intent.Event) {
		if inFlight.Add(1) != 1 {
			mu.Lock()
			overlapped = true
			mu.Unlock()
		}
		mu.Lock()
		order = append(order, string(ev.Kind))
		mu.Unlock()
		inFlight.Add(-1)
	}
	d, err := New(slog.Default(), nil, cb)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wg sync.WaitGroup
	kinds := []intent.EventKind{intent.EventCreated, intent.EventProcessing, intent.EventConfirmed}
	for _, k := range kinds {
		wg.Add(1)
		go func(k intent.EventKind) {
			defer wg.Done()
			d.Dispatch(context.Background(), intent.Event{Kind: k, Intent: storage.Intent{ID: "intent-1"}})
		}(k)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("expected 3 delivered events, got %d", len(order))
	}
	if overlapped {
		t.Fatalf("callbacks for one intent ran concurrently")
	}
}

func TestNewRejectsNilLogger(t *testing.T) {
	if _, err := New(nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}
