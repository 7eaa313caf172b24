// Package scheduler drives the two cron-like periodic tasks: a
// pending-payment poll that fans out one reconciliation unit per pending
// or processing intent, and an expiry sweep that transitions timed-out
// pending intents to expired.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/satoshigate/paygate/internal/intent"
	"github.com/satoshigate/paygate/internal/storage"
)

var ErrInvalidSchedulerConfig = errors.New("scheduler: invalid config")

// TxReconciler is the narrow surface the scheduler needs from
// internal/reconciler: reconcile a single known txid.
type TxReconciler interface {
	ReconcileTx(ctx context.Context, txid string) error
}

// AddressPoller discovers candidate txids for address via whichever pull
// path is configured (RPC listunspent or the indexer's address/txs
// endpoint); the scheduler hands each discovered txid to the
// TxReconciler. Implementations should return only txids worth
// reconciling (e.g. not already fully confirmed in the store), but a
// naive implementation that always returns every recent txid is safe,
// since reconciliation is idempotent.
type AddressPoller func(ctx context.Context, address string) ([]string, error)

// ExpiryNotifier is invoked once per intent that the sweep transitions to
// expired.
type ExpiryNotifier func(ctx context.Context, ev intent.Event)

// Config carries the scheduler's dependencies and tunables.
type Config struct {
	Store         storage.Store
	Reconciler    TxReconciler
	AddressPoll   AddressPoller
	NotifyExpired ExpiryNotifier

	PendingPollInterval time.Duration
	ExpirySweepInterval time.Duration
	FanOutConcurrency   int

	// Elector restricts ticks to a single active instance in a
	// horizontally scaled deployment. Nil means "always leader" (single
	// process, the common case).
	Elector *LeaderElector

	Now func() time.Time
	Log *slog.Logger
}

// Scheduler runs the two periodic tasks. Each is individually
// re-entrancy safe: a tick that starts before the previous one finishes
// is skipped, not queued.
type Scheduler struct {
	cfg Config

	cancel context.CancelFunc
	done   chan struct{}

	pollBusy  atomic.Bool
	sweepBusy atomic.Bool
}

// New validates cfg and builds a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidSchedulerConfig)
	}
	if cfg.Reconciler == nil {
		return nil, fmt.Errorf("%w: nil reconciler", ErrInvalidSchedulerConfig)
	}
	if cfg.PendingPollInterval <= 0 {
		cfg.PendingPollInterval = 5 * time.Minute
	}
	if cfg.ExpirySweepInterval <= 0 {
		cfg.ExpirySweepInterval = 1 * time.Minute
	}
	if cfg.FanOutConcurrency <= 0 {
		cfg.FanOutConcurrency = 8
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Scheduler{cfg: cfg}, nil
}

// Start launches both periodic tasks on their own goroutines. Stop ends
// them; a Scheduler may be Start'ed again after Stop.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		pollTicker := time.NewTicker(s.cfg.PendingPollInterval)
		defer pollTicker.Stop()
		sweepTicker := time.NewTicker(s.cfg.ExpirySweepInterval)
		defer sweepTicker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-pollTicker.C:
				s.tickPendingPoll(runCtx)
			case <-sweepTicker.C:
				s.tickExpirySweep(runCtx)
			}
		}
	}()
}

// Stop cancels the running tasks and waits for the current tick, if any,
// to observe cancellation.
func (s *Scheduler) Stop() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Scheduler) isLeader(ctx context.Context) bool {
	if s.cfg.Elector == nil {
		return true
	}
	leader, err := s.cfg.Elector.Tick(ctx)
	if err != nil {
		s.cfg.Log.Warn("scheduler: leader election failed, skipping tick", "err", err)
		return false
	}
	return leader
}

func (s *Scheduler) tickPendingPoll(ctx context.Context) {
	if !s.pollBusy.CompareAndSwap(false, true) {
		s.cfg.Log.Debug("scheduler: pending-poll tick skipped, previous tick still running")
		return
	}
	defer s.pollBusy.Store(false)

	if !s.isLeader(ctx) {
		return
	}
	if err := s.RunPendingPollOnce(ctx); err != nil {
		s.cfg.Log.Error("scheduler: pending-poll tick failed", "err", err)
	}
}

func (s *Scheduler) tickExpirySweep(ctx context.Context) {
	if !s.sweepBusy.CompareAndSwap(false, true) {
		s.cfg.Log.Debug("scheduler: expiry-sweep tick skipped, previous tick still running")
		return
	}
	defer s.sweepBusy.Store(false)

	if !s.isLeader(ctx) {
		return
	}
	if err := s.RunExpirySweepOnce(ctx); err != nil {
		s.cfg.Log.Error("scheduler: expiry-sweep tick failed", "err", err)
	}
}

// RunPendingPollOnce loads every pending/processing intent and fans out
// one reconciliation work unit per intent: for an intent
// whose address already has an observation, reconcile the known txid; for
// one that doesn't yet, ask the AddressPoller to discover candidate
// txids. Errors from individual work units are logged and swallowed;
// the next tick re-attempts idempotently.
func (s *Scheduler) RunPendingPollOnce(ctx context.Context) error {
	intents, err := s.cfg.Store.ListIntentsByStatus(ctx, storage.IntentPending, storage.IntentProcessing)
	if err != nil {
		return fmt.Errorf("scheduler: list pending intents: %w", err)
	}

	sem := make(chan struct{}, s.cfg.FanOutConcurrency)
	results := make(chan struct{}, len(intents))
	for _, in := range intents {
		in := in
		sem <- struct{}{}
		go func() {
			defer func() { <-sem; results <- struct{}{} }()
			if err := s.pollOneIntent(ctx, in); err != nil {
				s.cfg.Log.Warn("scheduler: poll intent failed", "intentId", in.ID, "err", err)
			}
		}()
	}
	for range intents {
		<-results
	}
	return nil
}

func (s *Scheduler) pollOneIntent(ctx context.Context, in storage.Intent) error {
	if in.AddressID == "" {
		return nil
	}
	addr, err := s.cfg.Store.GetAddress(ctx, in.AddressID)
	if err != nil {
		return fmt.Errorf("load address: %w", err)
	}

	obs, found, err := s.cfg.Store.LatestObservationForIntent(ctx, in.ID)
	if err != nil {
		return fmt.Errorf("load latest observation: %w", err)
	}
	if found {
		return s.cfg.Reconciler.ReconcileTx(ctx, obs.Txid)
	}

	if s.cfg.AddressPoll == nil {
		return nil
	}
	txids, err := s.cfg.AddressPoll(ctx, addr.Address)
	if err != nil {
		return fmt.Errorf("poll address: %w", err)
	}
	for _, txid := range txids {
		if err := s.cfg.Reconciler.ReconcileTx(ctx, txid); err != nil {
			s.cfg.Log.Warn("scheduler: reconcile discovered txid failed", "intentId", in.ID, "txid", txid, "err", err)
		}
	}
	return nil
}

// RunExpirySweepOnce selects status=pending intents past their
// expiresAt and transitions them to expired, emitting events.
func (s *Scheduler) RunExpirySweepOnce(ctx context.Context) error {
	now := s.cfg.Now()
	expired, err := s.cfg.Store.ListExpiredPending(ctx, now)
	if err != nil {
		return fmt.Errorf("scheduler: list expired pending intents: %w", err)
	}
	for _, in := range expired {
		updated, ev, ok := intent.ApplyExpiry(in, now)
		if !ok {
			continue
		}
		if err := s.cfg.Store.UpdateIntent(ctx, updated); err != nil {
			s.cfg.Log.Warn("scheduler: expire intent failed", "intentId", in.ID, "err", err)
			continue
		}
		if s.cfg.NotifyExpired != nil && ev != nil {
			s.cfg.NotifyExpired(ctx, *ev)
		}
	}
	return nil
}
