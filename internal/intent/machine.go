package intent

import (
	"time"

	"github.com/satoshigate/paygate/internal/storage"
)

// Apply is the pure transition function: given the intent's
// current row and the (possibly aggregated) observation for its address,
// it decides the new status and, if a genuine transition occurred, the
// event to emit. It never performs I/O and never suspends; the single
// storage update the caller performs afterward defines the transition
// boundary.
//
// sumValueSats is the sum of valueSats across every observation for the
// intent's address; it is only consulted when mode is
// MatchSumOfOutputsMeets.
func Apply(current storage.Intent, obs storage.TxObservation, sumValueSats int64, mode MatchMode, now time.Time) (storage.Intent, *Event) {
	switch current.Status {
	case storage.IntentPending:
		return applyFromPending(current, obs, sumValueSats, mode, now)
	case storage.IntentProcessing:
		return applyFromProcessing(current, obs, sumValueSats, mode, now)
	default:
		// confirmed/expired/failed are terminal with respect to forward
		// observation deltas; reorg is the only edge out of confirmed,
		// handled by ApplyReorg.
		return current, nil
	}
}

func meetsAmount(current storage.Intent, obs storage.TxObservation, sumValueSats int64, mode MatchMode) bool {
	if mode == MatchSumOfOutputsMeets {
		return sumValueSats >= current.AmountSats
	}
	return obs.ValueSats >= current.AmountSats
}

func applyFromPending(current storage.Intent, obs storage.TxObservation, sumValueSats int64, mode MatchMode, now time.Time) (storage.Intent, *Event) {
	if meetsAmount(current, obs, sumValueSats, mode) && obs.Confirmations >= current.RequiredConfs {
		updated := current
		updated.Status = storage.IntentConfirmed
		confirmedAt := now
		updated.ConfirmedAt = &confirmedAt
		return updated, &Event{Kind: EventConfirmed, Intent: updated}
	}
	updated := current
	updated.Status = storage.IntentProcessing
	return updated, &Event{Kind: EventProcessing, Intent: updated}
}

func applyFromProcessing(current storage.Intent, obs storage.TxObservation, sumValueSats int64, mode MatchMode, now time.Time) (storage.Intent, *Event) {
	if meetsAmount(current, obs, sumValueSats, mode) && obs.Confirmations >= current.RequiredConfs {
		updated := current
		updated.Status = storage.IntentConfirmed
		confirmedAt := now
		updated.ConfirmedAt = &confirmedAt
		return updated, &Event{Kind: EventConfirmed, Intent: updated}
	}
	// Under-amount or under-confirmed: no genuine change, no event.
	return current, nil
}

// ApplyReorg handles the confirmed -> processing demotion edge: the
// reconciler calls this when an RPC refetch of a previously confirmed
// intent's transaction reports the transaction unknown.
func ApplyReorg(current storage.Intent) (storage.Intent, *Event) {
	if current.Status != storage.IntentConfirmed {
		return current, nil
	}
	updated := current
	updated.Status = storage.IntentProcessing
	updated.ConfirmedAt = nil
	return updated, &Event{Kind: EventReorg, Intent: updated}
}

// ApplyExpiry is the expiry-sweep transition: pending -> expired when now
// has passed expiresAt and no observation has arrived yet. The scheduler
// only calls this for intents its storage query already filtered to
// status=pending AND expires_at < now, but the guard is re-checked here
// so the function is safe to call directly in tests.
func ApplyExpiry(current storage.Intent, now time.Time) (storage.Intent, *Event, bool) {
	if current.Status != storage.IntentPending {
		return current, nil, false
	}
	if !current.ExpiresAt.Before(now) && !current.ExpiresAt.Equal(now) {
		return current, nil, false
	}
	updated := current
	updated.Status = storage.IntentExpired
	return updated, &Event{Kind: EventExpired, Intent: updated}, true
}
