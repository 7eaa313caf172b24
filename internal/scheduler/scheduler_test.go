package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/satoshigate/paygate/internal/intent"
	"github.com/satoshigate/paygate/internal/storage"
)

type fakeReconciler struct {
	calls atomic.Int32
	seen  chan string
}

func newFakeReconciler() *fakeReconciler {
	return &fakeReconciler{seen: make(chan string, 64)}
}

func (f *fakeReconciler) ReconcileTx(ctx context.Context, txid string) error {
	f.calls.Add(1)
	f.seen <- txid
	return nil
}

func TestRunPendingPollOnceReconcilesKnownObservation(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(time.Now)

	in, err := store.CreateIntent(ctx, storage.Intent{
		AmountSats:    1000,
		Status:        storage.IntentProcessing,
		RequiredConfs: 1,
		ExpiresAt:     time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	addr, err := store.CreateAddress(ctx, storage.DepositAddress{Address: "bc1qa", DerivationIndex: 0, ScriptPubKeyHex: "0014aa"})
	if err != nil {
		t.Fatalf("CreateAddress: %v", err)
	}
	if err := store.AssignAddressToIntent(ctx, addr.ID, in.ID, time.Now()); err != nil {
		t.Fatalf("AssignAddressToIntent: %v", err)
	}
	in, err = store.GetIntent(ctx, in.ID)
	if err != nil {
		t.Fatalf("GetIntent: %v", err)
	}
	if _, err := store.UpsertObservation(ctx, storage.TxObservation{
		Txid: "tx-known", Vout: 0, ValueSats: 1000, Confirmations: 0,
		AddressID: addr.ID, ScriptPubKeyHex: "0014aa", Status: storage.ObservationMempool, SeenAt: time.Now(),
	}); err != nil {
		t.Fatalf("UpsertObservation: %v", err)
	}

	recon := newFakeReconciler()
	sched, err := New(Config{Store: store, Reconciler: recon})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := sched.RunPendingPollOnce(ctx); err != nil {
		t.Fatalf("RunPendingPollOnce: %v", err)
	}
	select {
	case txid := <-recon.seen:
		if txid != "tx-known" {
			t.Fatalf("reconciled txid = %q, want tx-known", txid)
		}
	default:
		t.Fatalf("expected a reconcile call for the known observation")
	}
}

func TestRunPendingPollOnceFallsBackToAddressPoller(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(time.Now)

	in, err := store.CreateIntent(ctx, storage.Intent{
		AmountSats:    1000,
		Status:        storage.IntentPending,
		RequiredConfs: 1,
		ExpiresAt:     time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	addr, err := store.CreateAddress(ctx, storage.DepositAddress{Address: "bc1qb", DerivationIndex: 1, ScriptPubKeyHex: "0014bb"})
	if err != nil {
		t.Fatalf("CreateAddress: %v", err)
	}
	if err := store.AssignAddressToIntent(ctx, addr.ID, in.ID, time.Now()); err != nil {
		t.Fatalf("AssignAddressToIntent: %v", err)
	}

	recon := newFakeReconciler()
	poller := func(ctx context.Context, address string) ([]string, error) {
		if address != "bc1qb" {
			t.Fatalf("unexpected address polled: %s", address)
		}
		return []string{"tx-discovered"}, nil
	}
	sched, err := New(Config{Store: store, Reconciler: recon, AddressPoll: poller})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sched.RunPendingPollOnce(ctx); err != nil {
		t.Fatalf("RunPendingPollOnce: %v", err)
	}
	select {
	case txid := <-recon.seen:
		if txid != "tx-discovered" {
			t.Fatalf("reconciled txid = %q, want tx-discovered", txid)
		}
	default:
		t.Fatalf("expected a reconcile call from the address poller fallback")
	}
}

func TestRunExpirySweepOnceExpiresPastDueIntents(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(time.Now)

	in, err := store.CreateIntent(ctx, storage.Intent{
		AmountSats:    500,
		Status:        storage.IntentPending,
		RequiredConfs: 1,
		ExpiresAt:     time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}

	var delivered []intent.Event
	recon := newFakeReconciler()
	sched, err := New(Config{
		Store:         store,
		Reconciler:    recon,
		NotifyExpired: func(_ context.Context, ev intent.Event) { delivered = append(delivered, ev) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := sched.RunExpirySweepOnce(ctx); err != nil {
		t.Fatalf("RunExpirySweepOnce: %v", err)
	}

	updated, err := store.GetIntent(ctx, in.ID)
	if err != nil {
		t.Fatalf("GetIntent: %v", err)
	}
	if updated.Status != storage.IntentExpired {
		t.Fatalf("status = %s, want expired", updated.Status)
	}
	if len(delivered) != 1 || delivered[0].Kind != intent.EventExpired {
		t.Fatalf("unexpected delivered events: %+v", delivered)
	}
}

func TestRunExpirySweepOnceIgnoresIntentsNotYetDue(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(time.Now)

	in, err := store.CreateIntent(ctx, storage.Intent{
		AmountSats:    500,
		Status:        storage.IntentPending,
		RequiredConfs: 1,
		ExpiresAt:     time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	recon := newFakeReconciler()
	sched, err := New(Config{Store: store, Reconciler: recon})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sched.RunExpirySweepOnce(ctx); err != nil {
		t.Fatalf("RunExpirySweepOnce: %v", err)
	}
	updated, err := store.GetIntent(ctx, in.ID)
	if err != nil {
		t.Fatalf("GetIntent: %v", err)
	}
	if updated.Status != storage.IntentPending {
		t.Fatalf("status = %s, want still pending", updated.Status)
	}
}

func TestTickPendingPollSkipsWhenPreviousTickStillRunning(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(time.Now)
	recon := newFakeReconciler()
	sched, err := New(Config{Store: store, Reconciler: recon})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sched.pollBusy.Store(true)
	sched.tickPendingPoll(ctx)
	if recon.calls.Load() != 0 {
		t.Fatalf("expected tick to be skipped while busy")
	}
}
