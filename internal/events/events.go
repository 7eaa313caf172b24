// Package events delivers payment-intent lifecycle events to in-process
// callbacks and, optionally, to an external Kafka topic for downstream
// collaborators (subscription billing, refund construction, email
// dispatch) that live outside this system's scope.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/satoshigate/paygate/internal/intent"
)

var ErrInvalidConfig = errors.New("events: invalid config")

// Callback observes one event. Callback errors are caught and logged by
// the Dispatcher; they must never roll back the state transition that
// produced the event.
type Callback func(ctx context.Context, ev intent.Event)

// Sink optionally receives every dispatched event for delivery outside
// the process (e.g. a Kafka topic).
type Sink interface {
	Publish(ctx context.Context, ev intent.Event) error
}

// Dispatcher delivers events with per-intent ordering: callbacks for a
// given intent are awaited serially (so a downstream side-effect chain
// observes ordered transitions), while different intents may be
// dispatched concurrently.
type Dispatcher struct {
	log       *slog.Logger
	callbacks []Callback
	sink      Sink

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-intent serialization
}

// New builds a Dispatcher. sink may be nil (in-process callbacks only).
func New(log *slog.Logger, sink Sink, callbacks ...Callback) (*Dispatcher, error) {
	if log == nil {
		return nil, fmt.Errorf("%w: nil logger", ErrInvalidConfig)
	}
	return &Dispatcher{log: log, callbacks: callbacks, sink: sink, locks: make(map[string]*sync.Mutex)}, nil
}

// Dispatch delivers ev to every registered callback and the sink, in
// order, for ev.Intent.ID. It never returns an error: failures are
// caught and logged ("event callbacks: caught, logged, never
// retried").
func (d *Dispatcher) Dispatch(ctx context.Context, ev intent.Event) {
	if d == nil {
		return
	}
	lock := d.lockFor(ev.Intent.ID)
	lock.Lock()
	defer lock.Unlock()

	for _, cb := range d.callbacks {
		d.safeInvoke(ctx, cb, ev)
	}
	if d.sink != nil {
		if err := d.sink.Publish(ctx, ev); err != nil {
			d.log.Warn("events: sink publish failed", "intentId", ev.Intent.ID, "kind", ev.Kind, "err", err)
		}
	}
}

func (d *Dispatcher) safeInvoke(ctx context.Context, cb Callback, ev intent.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("events: callback panicked", "intentId", ev.Intent.ID, "kind", ev.Kind, "panic", r)
		}
	}()
	cb(ctx, ev)
}

func (d *Dispatcher) lockFor(intentID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[intentID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[intentID] = l
	}
	return l
}

// wireEnvelope is the JSON shape published to the Kafka sink.
type wireEnvelope struct {
	Kind       string `json:"kind"`
	IntentID   string `json:"intentId"`
	Status     string `json:"status"`
	AmountSats int64  `json:"amountSats"`
}

func marshalEnvelope(ev intent.Event) ([]byte, error) {
	return json.Marshal(wireEnvelope{
		Kind:       string(ev.Kind),
		IntentID:   ev.Intent.ID,
		Status:     string(ev.Intent.Status),
		AmountSats: ev.Intent.AmountSats,
	})
}
