package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/satoshigate/paygate/internal/intent"
	"github.com/satoshigate/paygate/internal/nodeclient"
	"github.com/satoshigate/paygate/internal/storage"
)

type fakeFetcher struct {
	byTxid map[string]nodeclient.VerboseTx
	errs   map[string]error
	calls  int
}

func (f *fakeFetcher) GetRawTransactionVerbose(txid string) (nodeclient.VerboseTx, error) {
	f.calls++
	if err, ok := f.errs[txid]; ok {
		return nodeclient.VerboseTx{}, err
	}
	tx, ok := f.byTxid[txid]
	if !ok {
		return nodeclient.VerboseTx{}, nodeclient.ErrNoSuchTx
	}
	return tx, nil
}

func vout(n uint32, address string, valueSats int64) btcjson.Vout {
	return btcjson.Vout{
		Value: float64(valueSats) / 1e8,
		N:     n,
		ScriptPubKey: btcjson.ScriptPubKeyResult{
			Hex:     "0014" + address,
			Address: address,
		},
	}
}

func setupIntent(t *testing.T, store *storage.MemoryStore, amountSats int64, requiredConfs int) (storage.Intent, storage.DepositAddress) {
	t.Helper()
	ctx := context.Background()
	in, err := store.CreateIntent(ctx, storage.Intent{
		AmountSats:    amountSats,
		Status:        storage.IntentPending,
		RequiredConfs: requiredConfs,
		ExpiresAt:     time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	addr, err := store.CreateAddress(ctx, storage.DepositAddress{
		Address:         "bc1qtest",
		DerivationIndex: 0,
		ScriptPubKeyHex: "0014bc1qtest",
	})
	if err != nil {
		t.Fatalf("CreateAddress: %v", err)
	}
	if err := store.AssignAddressToIntent(ctx, addr.ID, in.ID, time.Now()); err != nil {
		t.Fatalf("AssignAddressToIntent: %v", err)
	}
	addr.IntentID = in.ID
	return in, addr
}

func TestReconcileTxConfirmsIntentOnSufficientAmountAndConfs(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(time.Now)
	in, addr := setupIntent(t, store, 50_000, 1)

	watch := NewWatchList()
	watch.Add(addr.ID, addr.Address, in.ID)

	fetcher := &fakeFetcher{byTxid: map[string]nodeclient.VerboseTx{
		"tx1": {Txid: "tx1", Confirmations: 1, Vout: []btcjson.Vout{vout(0, addr.Address, 50_000)}},
	}}

	var delivered []intent.Event
	r, err := New(Config{
		Store:   store,
		Fetcher: fetcher,
		Watch:   watch,
		Notify:  func(_ context.Context, ev intent.Event) { delivered = append(delivered, ev) },
		Now:     time.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := r.ReconcileTx(ctx, "tx1"); err != nil {
		t.Fatalf("ReconcileTx: %v", err)
	}

	updated, err := store.GetIntent(ctx, in.ID)
	if err != nil {
		t.Fatalf("GetIntent: %v", err)
	}
	if updated.Status != storage.IntentConfirmed {
		t.Fatalf("status = %s, want confirmed", updated.Status)
	}
	if len(delivered) != 1 || delivered[0].Kind != intent.EventConfirmed {
		t.Fatalf("unexpected delivered events: %+v", delivered)
	}
	if watch.Len() != 0 {
		t.Fatalf("watch list should drop address on confirmation, len=%d", watch.Len())
	}
}

func TestReconcileTxMovesToProcessingUnderConfirmed(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(time.Now)
	in, addr := setupIntent(t, store, 50_000, 2)

	watch := NewWatchList()
	watch.Add(addr.ID, addr.Address, in.ID)

	fetcher := &fakeFetcher{byTxid: map[string]nodeclient.VerboseTx{
		"tx1": {Txid: "tx1", Confirmations: 0, Vout: []btcjson.Vout{vout(0, addr.Address, 50_000)}},
	}}
	r, err := New(Config{Store: store, Fetcher: fetcher, Watch: watch, Now: time.Now})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := r.ReconcileTx(ctx, "tx1"); err != nil {
		t.Fatalf("ReconcileTx: %v", err)
	}
	updated, err := store.GetIntent(ctx, in.ID)
	if err != nil {
		t.Fatalf("GetIntent: %v", err)
	}
	if updated.Status != storage.IntentProcessing {
		t.Fatalf("status = %s, want processing", updated.Status)
	}
	if watch.Len() != 1 {
		t.Fatalf("watch list should keep a processing intent's address watched")
	}
}

func TestReconcileTxIgnoresOutputsOnUnwatchedAddresses(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(time.Now)
	watch := NewWatchList()
	fetcher := &fakeFetcher{byTxid: map[string]nodeclient.VerboseTx{
		"tx1": {Txid: "tx1", Confirmations: 1, Vout: []btcjson.Vout{vout(0, "bc1qnobody", 50_000)}},
	}}
	r, err := New(Config{Store: store, Fetcher: fetcher, Watch: watch, Now: time.Now})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.ReconcileTx(ctx, "tx1"); err != nil {
		t.Fatalf("ReconcileTx: %v", err)
	}
}

func TestReconcileTxHandlesReorgByDemotingConfirmedIntent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(time.Now)
	in, addr := setupIntent(t, store, 50_000, 1)
	watch := NewWatchList()
	watch.Add(addr.ID, addr.Address, in.ID)

	fetcher := &fakeFetcher{byTxid: map[string]nodeclient.VerboseTx{
		"tx1": {Txid: "tx1", Confirmations: 1, Vout: []btcjson.Vout{vout(0, addr.Address, 50_000)}},
	}}
	var delivered []intent.Event
	r, err := New(Config{
		Store:   store,
		Fetcher: fetcher,
		Watch:   watch,
		Notify:  func(_ context.Context, ev intent.Event) { delivered = append(delivered, ev) },
		Now:     time.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.ReconcileTx(ctx, "tx1"); err != nil {
		t.Fatalf("ReconcileTx: %v", err)
	}
	confirmed, err := store.GetIntent(ctx, in.ID)
	if err != nil || confirmed.Status != storage.IntentConfirmed {
		t.Fatalf("setup: expected confirmed intent, got %+v err=%v", confirmed, err)
	}

	// The node now reports tx1 unknown: simulate a reorg.
	fetcher.byTxid = nil
	fetcher.errs = map[string]error{"tx1": nodeclient.ErrNoSuchTx}
	delivered = nil

	if err := r.ReconcileTx(ctx, "tx1"); err != nil {
		t.Fatalf("ReconcileTx (reorg): %v", err)
	}

	demoted, err := store.GetIntent(ctx, in.ID)
	if err != nil {
		t.Fatalf("GetIntent: %v", err)
	}
	if demoted.Status != storage.IntentProcessing {
		t.Fatalf("status = %s, want processing after reorg demotion", demoted.Status)
	}
	if demoted.ConfirmedAt != nil {
		t.Fatalf("confirmedAt should be cleared after reorg demotion")
	}
	if len(delivered) != 1 || delivered[0].Kind != intent.EventReorg {
		t.Fatalf("unexpected delivered events: %+v", delivered)
	}
	if watch.Len() != 1 {
		t.Fatalf("watch list should re-add the address after reorg demotion, len=%d", watch.Len())
	}
}

func TestReconcileTxRetriesTransientErrorsBeforeGivingUp(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(time.Now)
	watch := NewWatchList()
	fetcher := &fakeFetcher{errs: map[string]error{"tx1": nodeclient.ErrTransient}}
	r, err := New(Config{
		Store:        store,
		Fetcher:      fetcher,
		Watch:        watch,
		Now:          time.Now,
		RetryBackoff: []time.Duration{time.Millisecond, time.Millisecond},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.ReconcileTx(ctx, "tx1"); err != nil {
		t.Fatalf("ReconcileTx should swallow persistent transient errors: %v", err)
	}
	if fetcher.calls != 3 {
		t.Fatalf("calls = %d, want 3 (1 initial + 2 retries)", fetcher.calls)
	}
}
