// Package intent implements the payment-intent lifecycle state machine:
// it turns blockchain observation deltas into intent status transitions
// and the events those transitions emit.
package intent

import (
	"errors"
	"fmt"
	"time"

	"github.com/satoshigate/paygate/internal/storage"
)

var (
	ErrInvalidConfig = errors.New("intent: invalid config")
	ErrInvalidState  = errors.New("intent: invalid state")
)

// MatchMode controls how a multi-output transaction is checked against an
// intent's amount.
type MatchMode string

const (
	MatchFirstOutputMeets MatchMode = "firstOutputMeets"
	MatchSumOfOutputsMeets MatchMode = "sumOfOutputsMeets"
)

// Source identifies which watcher path produced an ObservationDelta.
type Source string

const (
	SourceZMQ         Source = "zmq"
	SourceRPCPoll     Source = "rpc_poll"
	SourceIndexerPoll Source = "indexer_poll"
)

// ObservationDelta is the tagged-union event every watcher path (ZMQ, RPC
// poll, indexer poll) produces, consumed uniformly by the state machine
// (mixed push/pull sources feed a single tagged-union delta shape).
type ObservationDelta struct {
	Txid          string
	Vout          uint32
	ValueSats     int64
	Confirmations int
	SeenAt        time.Time
	Source        Source
}

// EventKind names the transition an Event reports.
type EventKind string

const (
	EventCreated    EventKind = "created"
	EventProcessing EventKind = "processing"
	EventConfirmed  EventKind = "confirmed"
	EventExpired    EventKind = "expired"
	EventReorg      EventKind = "reorg"
)

// Event is the payload delivered by the event dispatcher for one
// genuine state change.
type Event struct {
	Kind   EventKind
	Intent storage.Intent
}

// CreateParams validates and carries the inputs to createIntent.
type CreateParams struct {
	AmountSats       int64
	RequiredConfs    int
	ExpiresInMinutes int
	Email            string
	CustomerID       string
	Memo             string
}

// Validate enforces the field guards createIntent requires.
func (p CreateParams) Validate() error {
	if p.AmountSats <= 0 {
		return fmt.Errorf("%w: amountSats must be > 0", ErrInvalidConfig)
	}
	if p.RequiredConfs < 1 {
		return fmt.Errorf("%w: requiredConfs must be >= 1", ErrInvalidConfig)
	}
	if p.ExpiresInMinutes <= 0 {
		return fmt.Errorf("%w: expiresInMinutes must be > 0", ErrInvalidConfig)
	}
	return nil
}
