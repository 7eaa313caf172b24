// Package storage defines the persistence contract for payment intents,
// deposit addresses, transaction observations, magic-link tokens, and
// system metadata, plus a mutex-guarded in-memory implementation used in
// tests and single-process deployments.
package storage

import "time"

// IntentStatus is the lifecycle state of a payment intent.
type IntentStatus string

const (
	IntentPending    IntentStatus = "pending"
	IntentProcessing IntentStatus = "processing"
	IntentConfirmed  IntentStatus = "confirmed"
	IntentExpired    IntentStatus = "expired"
	IntentFailed     IntentStatus = "failed"
)

// ObservationStatus is the confirmation state of a single observed output.
type ObservationStatus string

const (
	ObservationMempool   ObservationStatus = "mempool"
	ObservationConfirmed ObservationStatus = "confirmed"
)

// Intent is a merchant-side record of an expected payment.
type Intent struct {
	ID            string
	AmountSats    int64
	Status        IntentStatus
	AddressID     string
	RequiredConfs int
	ExpiresAt     time.Time
	ConfirmedAt   *time.Time
	CustomerID    string
	Email         string
	Memo          string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DepositAddress is a single derived, watch-only receive address.
type DepositAddress struct {
	ID              string
	Address         string
	DerivationIndex uint32
	ScriptPubKeyHex string
	IntentID        string
	AssignedAt      *time.Time
	CreatedAt       time.Time
}

// Assigned reports whether the address is bound to an intent.
func (a DepositAddress) Assigned() bool { return a.IntentID != "" }

// TxObservation is a per-output sighting of a transaction paying a
// watched address.
type TxObservation struct {
	ID              string
	Txid            string
	Vout            uint32
	ValueSats       int64
	Confirmations   int
	AddressID       string
	ScriptPubKeyHex string
	Status          ObservationStatus
	SeenAt          time.Time
	UpdatedAt       time.Time
}

// MagicLinkToken is a persisted, single-purpose bearer token for an intent.
type MagicLinkToken struct {
	ID         string
	Token      string
	IntentID   string
	Consumed   bool
	ConsumedAt *time.Time
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// Customer is an optional merchant-defined identity an intent can be
// attributed to.
type Customer struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

// Well-known system metadata keys.
const (
	MetaDescriptorFingerprint = "descriptor_fingerprint"
	MetaScanHeight            = "scan_height"
	MetaPlansDigest           = "plans_digest"
)
