// Package gateway bundles the descriptor engine, storage handle, node
// clients, and event sink behind six plain methods (createIntent,
// ensureAssigned, issueToken, redeemToken, getStatus, scanForPayments)
// on an explicit struct rather than a package-level singleton.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/satoshigate/paygate/internal/intent"
	"github.com/satoshigate/paygate/internal/storage"
)

// Error taxonomy. HTTP mapping lives in internal/httpapi.
var (
	ErrValidation    = errors.New("gateway: validation error")
	ErrNotFound      = errors.New("gateway: not found")
	ErrInvalidState  = errors.New("gateway: invalid state")
	ErrAuth          = errors.New("gateway: auth error")
	ErrTokenExpired  = errors.New("gateway: token expired")
	ErrConflict      = errors.New("gateway: conflict")
	ErrTransient     = errors.New("gateway: transient error")
	ErrFatal         = errors.New("gateway: fatal error")
	ErrInvalidConfig = errors.New("gateway: invalid config")
)

// TokenReuse controls whether a magic-link token remains redeemable
// after first consumption.
type TokenReuse string

const (
	TokenReuseUntilExpiry TokenReuse = "untilExpiry"
	TokenReuseSingleUse   TokenReuse = "singleUse"
)

// AssignedResult is ensureAssigned's response shape, also returned by
// GET /pay/:token once redemption succeeds.
type AssignedResult struct {
	IntentID   string               `json:"intentId"`
	Address    string               `json:"address"`
	BIP21      string               `json:"bip21"`
	AmountSats int64                `json:"amountSats"`
	ExpiresAt  time.Time            `json:"expiresAt"`
	Status     storage.IntentStatus `json:"status"`
}

// IssuedToken is issueToken's response shape.
type IssuedToken struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// RedeemResult is redeemToken's response shape.
type RedeemResult struct {
	IntentID string `json:"intentId"`
}

// StatusResult is getStatus's response shape.
type StatusResult struct {
	Status      storage.IntentStatus `json:"status"`
	AmountSats  int64                `json:"amountSats"`
	ExpiresAt   time.Time            `json:"expiresAt"`
	ConfirmedAt *time.Time           `json:"confirmedAt,omitempty"`
	Confs       int                  `json:"confs"`
	Txid        string               `json:"txid,omitempty"`
	ValueSats   int64                `json:"valueSats,omitempty"`
}

// EventSink is the narrow surface Gateway needs from internal/events:
// best-effort, per-intent-ordered delivery.
type EventSink interface {
	Dispatch(ctx context.Context, ev intent.Event)
}
