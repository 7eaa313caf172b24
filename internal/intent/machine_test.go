package intent

import (
	"testing"
	"time"

	"github.com/satoshigate/paygate/internal/storage"
)

func baseIntent() storage.Intent {
	return storage.Intent{
		ID:            "intent-1",
		AmountSats:    50000,
		Status:        storage.IntentPending,
		RequiredConfs: 1,
		ExpiresAt:     time.Now().Add(time.Hour),
	}
}

// A single confirmed output meeting the amount jumps pending straight
// to confirmed.
func TestApplyHappyPath(t *testing.T) {
	now := time.Now()
	obs := storage.TxObservation{Txid: "T", Vout: 0, ValueSats: 50000, Confirmations: 1}
	updated, ev := Apply(baseIntent(), obs, obs.ValueSats, MatchFirstOutputMeets, now)
	if updated.Status != storage.IntentConfirmed {
		t.Fatalf("status = %s, want confirmed", updated.Status)
	}
	if ev == nil || ev.Kind != EventConfirmed {
		t.Fatalf("event = %+v, want confirmed", ev)
	}
	if updated.ConfirmedAt == nil {
		t.Fatalf("confirmedAt not set")
	}
}

// An unconfirmed then confirmed observation walks pending -> processing
// -> confirmed, one event per edge.
func TestApplyMempoolThenConfirm(t *testing.T) {
	now := time.Now()
	pending := baseIntent()

	mempoolObs := storage.TxObservation{Txid: "T", Vout: 0, ValueSats: 50000, Confirmations: 0}
	processing, ev := Apply(pending, mempoolObs, mempoolObs.ValueSats, MatchFirstOutputMeets, now)
	if processing.Status != storage.IntentProcessing {
		t.Fatalf("status = %s, want processing", processing.Status)
	}
	if ev == nil || ev.Kind != EventProcessing {
		t.Fatalf("event = %+v, want processing", ev)
	}

	confirmedObs := storage.TxObservation{Txid: "T", Vout: 0, ValueSats: 50000, Confirmations: 1}
	confirmed, ev2 := Apply(processing, confirmedObs, confirmedObs.ValueSats, MatchFirstOutputMeets, now)
	if confirmed.Status != storage.IntentConfirmed {
		t.Fatalf("status = %s, want confirmed", confirmed.Status)
	}
	if ev2 == nil || ev2.Kind != EventConfirmed {
		t.Fatalf("event = %+v, want confirmed", ev2)
	}
}

// A pending intent with expiresAt in the past sweeps to expired.
func TestApplyExpiry(t *testing.T) {
	pending := baseIntent()
	pending.ExpiresAt = time.Now().Add(-time.Minute)

	updated, ev, ok := ApplyExpiry(pending, time.Now())
	if !ok {
		t.Fatalf("expected expiry transition")
	}
	if updated.Status != storage.IntentExpired {
		t.Fatalf("status = %s, want expired", updated.Status)
	}
	if ev == nil || ev.Kind != EventExpired {
		t.Fatalf("event = %+v, want expired", ev)
	}
}

func TestApplyExpiryNoOpIfNotPending(t *testing.T) {
	confirmed := baseIntent()
	confirmed.Status = storage.IntentConfirmed
	confirmed.ExpiresAt = time.Now().Add(-time.Minute)

	_, ev, ok := ApplyExpiry(confirmed, time.Now())
	if ok || ev != nil {
		t.Fatalf("expiry must not fire for a non-pending intent")
	}
}

// A reorg on a confirmed intent demotes it to processing, clearing
// confirmedAt, with one event.
func TestApplyReorg(t *testing.T) {
	confirmed := baseIntent()
	confirmed.Status = storage.IntentConfirmed
	confirmedAt := time.Now()
	confirmed.ConfirmedAt = &confirmedAt

	updated, ev := ApplyReorg(confirmed)
	if updated.Status != storage.IntentProcessing {
		t.Fatalf("status = %s, want processing", updated.Status)
	}
	if updated.ConfirmedAt != nil {
		t.Fatalf("confirmedAt should be cleared on reorg")
	}
	if ev == nil || ev.Kind != EventReorg {
		t.Fatalf("event = %+v, want reorg", ev)
	}
}

func TestApplyReorgNoOpIfNotConfirmed(t *testing.T) {
	pending := baseIntent()
	updated, ev := ApplyReorg(pending)
	if ev != nil {
		t.Fatalf("reorg must not fire from a non-confirmed state")
	}
	if updated.Status != storage.IntentPending {
		t.Fatalf("status changed unexpectedly: %s", updated.Status)
	}
}

// A single under-amount output keeps the intent at
// processing; a second, independent observation on the same address does
// not combine under firstOutputMeets.
func TestApplyUnderPaymentDoesNotCombine(t *testing.T) {
	now := time.Now()
	pending := baseIntent()

	obs1 := storage.TxObservation{Txid: "T", Vout: 0, ValueSats: 40000, Confirmations: 6}
	processing, ev := Apply(pending, obs1, obs1.ValueSats, MatchFirstOutputMeets, now)
	if processing.Status != storage.IntentProcessing {
		t.Fatalf("status = %s, want processing", processing.Status)
	}
	if ev == nil || ev.Kind != EventProcessing {
		t.Fatalf("event = %+v, want processing", ev)
	}

	obs2 := storage.TxObservation{Txid: "T2", Vout: 0, ValueSats: 10000, Confirmations: 1}
	still, ev2 := Apply(processing, obs2, obs2.ValueSats, MatchFirstOutputMeets, now)
	if still.Status != storage.IntentProcessing {
		t.Fatalf("status = %s, want still processing", still.Status)
	}
	if ev2 != nil {
		t.Fatalf("no event expected for a second under-amount observation, got %+v", ev2)
	}
}

func TestApplySumOfOutputsMeetsCombines(t *testing.T) {
	now := time.Now()
	pending := baseIntent()

	obs1 := storage.TxObservation{Txid: "T", Vout: 0, ValueSats: 40000, Confirmations: 1}
	processing, _ := Apply(pending, obs1, 40000, MatchSumOfOutputsMeets, now)
	if processing.Status != storage.IntentProcessing {
		t.Fatalf("status = %s, want processing", processing.Status)
	}

	obs2 := storage.TxObservation{Txid: "T2", Vout: 0, ValueSats: 10000, Confirmations: 1}
	confirmed, ev := Apply(processing, obs2, 50000, MatchSumOfOutputsMeets, now)
	if confirmed.Status != storage.IntentConfirmed {
		t.Fatalf("status = %s, want confirmed under sum mode", confirmed.Status)
	}
	if ev == nil || ev.Kind != EventConfirmed {
		t.Fatalf("event = %+v, want confirmed", ev)
	}
}

func TestApplyIdempotentReplay(t *testing.T) {
	now := time.Now()
	confirmed := baseIntent()
	confirmed.Status = storage.IntentConfirmed
	confirmedAt := now
	confirmed.ConfirmedAt = &confirmedAt

	obs := storage.TxObservation{Txid: "T", Vout: 0, ValueSats: 50000, Confirmations: 1}
	updated, ev := Apply(confirmed, obs, obs.ValueSats, MatchFirstOutputMeets, now)
	if ev != nil {
		t.Fatalf("replaying an already-confirmed delta must not emit again, got %+v", ev)
	}
	if updated.Status != storage.IntentConfirmed {
		t.Fatalf("status regressed: %s", updated.Status)
	}
}

func TestCreateParamsValidate(t *testing.T) {
	valid := CreateParams{AmountSats: 1, RequiredConfs: 1, ExpiresInMinutes: 1}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid params, got %v", err)
	}
	invalid := CreateParams{AmountSats: 0, RequiredConfs: 1, ExpiresInMinutes: 1}
	if err := invalid.Validate(); err == nil {
		t.Fatalf("expected error for zero amount")
	}
}
