// Package reconciler implements the core reconciliation procedure: given
// a txid (from ZMQ, an RPC
// poll, or an indexer poll), it fetches the full transaction, matches its
// outputs against the watched-address set, upserts observations, and
// drives the intent state machine with the resulting delta.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/satoshigate/paygate/internal/intent"
	"github.com/satoshigate/paygate/internal/nodeclient"
	"github.com/satoshigate/paygate/internal/storage"
)

var ErrInvalidConfig = errors.New("reconciler: invalid config")

// TxFetcher is the narrow RPC surface the reconciler needs: fetch a
// verbose transaction, classified as ErrNoSuchTx when the node has no
// knowledge of it (the reorg signal).
type TxFetcher interface {
	GetRawTransactionVerbose(txidHex string) (nodeclient.VerboseTx, error)
}

// Notifier is invoked once per genuine intent transition so the caller
// can hand the event to the event dispatcher.
type Notifier func(ctx context.Context, ev intent.Event)

// Config carries the reconciler's dependencies and tunables.
type Config struct {
	Store     storage.Store
	Fetcher   TxFetcher
	Watch     *WatchList
	MatchMode intent.MatchMode
	Notify    Notifier
	Now       func() time.Time

	// RetryBackoff is the sequence of delays between fetch attempts on a
	// transient fetcher error (250ms, 1s, 4s, then defer to the next
	// scheduler tick).
	RetryBackoff []time.Duration

	Log *slog.Logger
}

// Reconciler performs the per-tx reconciliation procedure.
type Reconciler struct {
	store     storage.Store
	fetcher   TxFetcher
	watch     *WatchList
	matchMode intent.MatchMode
	notify    Notifier
	now       func() time.Time
	backoff   []time.Duration
	log       *slog.Logger
}

// New validates cfg and builds a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("%w: nil fetcher", ErrInvalidConfig)
	}
	if cfg.Watch == nil {
		return nil, fmt.Errorf("%w: nil watch list", ErrInvalidConfig)
	}
	if cfg.MatchMode == "" {
		cfg.MatchMode = intent.MatchFirstOutputMeets
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if len(cfg.RetryBackoff) == 0 {
		cfg.RetryBackoff = []time.Duration{250 * time.Millisecond, 1 * time.Second, 4 * time.Second}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Reconciler{
		store:     cfg.Store,
		fetcher:   cfg.Fetcher,
		watch:     cfg.Watch,
		matchMode: cfg.MatchMode,
		notify:    cfg.Notify,
		now:       cfg.Now,
		backoff:   cfg.RetryBackoff,
		log:       cfg.Log,
	}, nil
}

// ReconcileTx runs the reconciliation procedure for a single txid. It takes
// no confirmation estimate from the caller; the confirmation count comes
// from the fetched transaction.
func (r *Reconciler) ReconcileTx(ctx context.Context, txid string) error {
	if r == nil {
		return fmt.Errorf("%w: nil reconciler", ErrInvalidConfig)
	}
	tx, err := r.fetchWithRetry(ctx, txid)
	if err != nil {
		if errors.Is(err, nodeclient.ErrNoSuchTx) {
			return r.handleReorg(ctx, txid)
		}
		r.log.Warn("reconciler: fetch failed, deferring to next tick", "txid", txid, "err", err)
		return nil
	}

	for _, vout := range tx.Vout {
		address, ok := outputAddress(vout)
		if !ok {
			// No watchable address on this output (OP_RETURN, bare
			// multisig, etc): malformed-for-our-purposes, skip it
			// point 4, "fatal per-output errors log and skip").
			continue
		}
		valueSats := int64(math.Round(vout.Value * 1e8))
		if err := r.applyOutput(ctx, tx, address, vout.ScriptPubKey.Hex, valueSats, vout.N); err != nil {
			r.log.Warn("reconciler: output reconcile failed, skipping output", "txid", txid, "vout", vout.N, "err", err)
		}
	}
	return nil
}

// outputAddress extracts the single watchable address from a decoded
// output's scriptPubKey. Recent Bitcoin Core RPC responses carry a
// singular "address" field; older ones carried "addresses" (plural,
// always length <= 1 for the script kinds this system derives).
func outputAddress(vout btcjson.Vout) (string, bool) {
	if vout.ScriptPubKey.Address != "" {
		return vout.ScriptPubKey.Address, true
	}
	if len(vout.ScriptPubKey.Addresses) > 0 && vout.ScriptPubKey.Addresses[0] != "" {
		return vout.ScriptPubKey.Addresses[0], true
	}
	return "", false
}

func (r *Reconciler) fetchWithRetry(ctx context.Context, txid string) (nodeclient.VerboseTx, error) {
	var lastErr error
	attempts := append([]time.Duration{0}, r.backoff...)
	for i, delay := range attempts {
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nodeclient.VerboseTx{}, ctx.Err()
			case <-t.C:
			}
		}
		tx, err := r.fetcher.GetRawTransactionVerbose(txid)
		if err == nil {
			return tx, nil
		}
		lastErr = err
		if errors.Is(err, nodeclient.ErrNoSuchTx) || errors.Is(err, nodeclient.ErrFatal) {
			return nodeclient.VerboseTx{}, err
		}
		r.log.Debug("reconciler: transient fetch error, retrying", "txid", txid, "attempt", i, "err", err)
	}
	return nodeclient.VerboseTx{}, lastErr
}

// applyOutput is the common path for one (address, valueSats, n) output
// once decoded: look up the intent watching address, upsert the
// observation, and, on a new observation or an upward confirmation
// change, drive the state machine.
func (r *Reconciler) applyOutput(ctx context.Context, tx nodeclient.VerboseTx, address, scriptHex string, valueSats int64, n uint32) error {
	intentID, ok := r.watch.IntentFor(address)
	if !ok {
		return nil
	}

	current, err := r.store.GetIntent(ctx, intentID)
	if err != nil {
		return fmt.Errorf("reconciler: load intent %s: %w", intentID, err)
	}
	addr, err := r.store.GetAddressByValue(ctx, address)
	if err != nil {
		return fmt.Errorf("reconciler: load address %s: %w", address, err)
	}

	confirmations := int(tx.Confirmations)
	status := storage.ObservationMempool
	if confirmations >= current.RequiredConfs {
		status = storage.ObservationConfirmed
	}

	existing, err := r.store.GetObservation(ctx, tx.Txid, n)
	isNew := errors.Is(err, storage.ErrNotFound)
	if err != nil && !isNew {
		return fmt.Errorf("reconciler: load observation: %w", err)
	}

	obs := storage.TxObservation{
		Txid:            tx.Txid,
		Vout:            n,
		ValueSats:       valueSats,
		Confirmations:   confirmations,
		AddressID:       addr.ID,
		ScriptPubKeyHex: scriptHex,
		Status:          status,
		SeenAt:          r.now(),
	}
	if !isNew {
		// Status only flips upward (mempool -> confirmed); a
		// confirmation count never regresses outside a reorg, which is
		// handled by handleReorg, not this path.
		if existing.Status == storage.ObservationConfirmed {
			obs.Status = storage.ObservationConfirmed
		}
		obs.SeenAt = existing.SeenAt
	}

	saved, err := r.store.UpsertObservation(ctx, obs)
	if err != nil {
		return fmt.Errorf("reconciler: upsert observation: %w", err)
	}

	upwardChange := isNew || saved.Confirmations > existing.Confirmations || (existing.Status == storage.ObservationMempool && saved.Status == storage.ObservationConfirmed)
	if !upwardChange {
		return nil
	}

	sum, err := r.sumValueForAddress(ctx, addr.ID)
	if err != nil {
		return fmt.Errorf("reconciler: sum observations: %w", err)
	}

	updated, ev := intent.Apply(current, saved, sum, r.matchMode, r.now())
	if ev == nil {
		return nil
	}
	if err := r.store.UpdateIntent(ctx, updated); err != nil {
		return fmt.Errorf("reconciler: update intent: %w", err)
	}
	if updated.Status == storage.IntentConfirmed {
		r.watch.Remove(addr.ID)
	}
	r.deliver(ctx, *ev)
	return nil
}

func (r *Reconciler) sumValueForAddress(ctx context.Context, addressID string) (int64, error) {
	obs, err := r.store.ListObservationsByAddress(ctx, addressID)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, o := range obs {
		sum += o.ValueSats
	}
	return sum, nil
}

// handleReorg is invoked when the fetcher reports the tx unknown: every
// intent watching an address with a confirmed observation for this txid
// demotes confirmed -> processing (reset the row to
// mempool/0 rather than delete it).
func (r *Reconciler) handleReorg(ctx context.Context, txid string) error {
	addrs, err := r.store.ListAssignedAddresses(ctx)
	if err != nil {
		return fmt.Errorf("reconciler: list assigned addresses: %w", err)
	}
	for _, addr := range addrs {
		if addr.IntentID == "" {
			continue
		}
		current, err := r.store.GetIntent(ctx, addr.IntentID)
		if err != nil || current.Status != storage.IntentConfirmed {
			continue
		}
		obs, found, err := r.store.LatestObservationForIntent(ctx, addr.IntentID)
		if err != nil || !found || obs.Txid != txid {
			continue
		}

		if err := r.store.DemoteObservation(ctx, obs.Txid, obs.Vout); err != nil {
			r.log.Warn("reconciler: demote observation failed", "txid", txid, "err", err)
			continue
		}
		updated, ev := intent.ApplyReorg(current)
		if ev == nil {
			continue
		}
		if err := r.store.UpdateIntent(ctx, updated); err != nil {
			r.log.Warn("reconciler: update intent on reorg failed", "intentId", addr.IntentID, "err", err)
			continue
		}
		r.watch.Add(addr.ID, addr.Address, addr.IntentID)
		r.deliver(ctx, *ev)
	}
	return nil
}

func (r *Reconciler) deliver(ctx context.Context, ev intent.Event) {
	if r.notify == nil {
		return
	}
	r.notify(ctx, ev)
}
