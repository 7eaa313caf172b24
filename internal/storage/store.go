package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("storage: not found")
	ErrConflict          = errors.New("storage: conflict")
	ErrInvalidTransition = errors.New("storage: invalid transition")
	ErrInvalidInput      = errors.New("storage: invalid input")
)

// Store is the required core persistence contract: intents, addresses,
// observations, tokens, and system metadata. Capability beyond this core
// (customers) is a separate, composable interface so callers feature-gate
// on capability rather than nil-probe a duck-typed adapter.
type Store interface {
	CreateIntent(ctx context.Context, in Intent) (Intent, error)
	GetIntent(ctx context.Context, id string) (Intent, error)
	UpdateIntent(ctx context.Context, in Intent) error
	ListIntentsByStatus(ctx context.Context, statuses ...IntentStatus) ([]Intent, error)
	ListExpiredPending(ctx context.Context, now time.Time) ([]Intent, error)

	CreateAddress(ctx context.Context, in DepositAddress) (DepositAddress, error)
	GetAddress(ctx context.Context, id string) (DepositAddress, error)
	GetAddressByValue(ctx context.Context, address string) (DepositAddress, error)
	ListUnassignedAddresses(ctx context.Context, limit int) ([]DepositAddress, error)
	ListAssignedAddresses(ctx context.Context) ([]DepositAddress, error)
	MaxDerivationIndex(ctx context.Context) (int64, bool, error)
	// AssignAddressToIntent is transactional across the address and
	// intent rows.
	AssignAddressToIntent(ctx context.Context, addressID string, intentID string, assignedAt time.Time) error

	UpsertObservation(ctx context.Context, in TxObservation) (TxObservation, error)
	GetObservation(ctx context.Context, txid string, vout uint32) (TxObservation, error)
	ListObservationsByAddress(ctx context.Context, addressID string) ([]TxObservation, error)
	LatestObservationForIntent(ctx context.Context, intentID string) (TxObservation, bool, error)
	DemoteObservation(ctx context.Context, txid string, vout uint32) error

	CreateToken(ctx context.Context, in MagicLinkToken) (MagicLinkToken, error)
	GetTokenByValue(ctx context.Context, token string) (MagicLinkToken, error)
	MarkTokenConsumed(ctx context.Context, token string, consumedAt time.Time) error

	GetMetadata(ctx context.Context, key string) (string, bool, error)
	SetMetadata(ctx context.Context, key string, value string) error
}

// CustomerStore is an optional capability backed by a customers table,
// kept separate from Store; MemoryStore and the postgres Store implement
// it. The gateway does not use it.
type CustomerStore interface {
	UpsertCustomer(ctx context.Context, in Customer) (Customer, error)
	GetCustomer(ctx context.Context, id string) (Customer, error)
}
