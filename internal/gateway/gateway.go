package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/satoshigate/paygate/internal/descriptor"
	"github.com/satoshigate/paygate/internal/intent"
	"github.com/satoshigate/paygate/internal/paytoken"
	"github.com/satoshigate/paygate/internal/reconciler"
	"github.com/satoshigate/paygate/internal/storage"
)

// Config carries the gateway's dependencies and the configuration keys
// that shape core-verb behavior.
type Config struct {
	Secret []byte

	GapLimit             int
	MagicLinkTTL         time.Duration
	IntentExpiryMinutes  int
	DefaultConfirmations int

	MatchMode  intent.MatchMode
	TokenReuse TokenReuse

	Now func() time.Time
	Log *slog.Logger
}

// Gateway is the explicit root context: descriptor engine, storage, the
// reconciler's watch list, and the event sink, wired together behind
// the six core verbs.
type Gateway struct {
	store       storage.Store
	descriptors *descriptor.Engine
	watch       *reconciler.WatchList
	events      EventSink
	scanner     ScanTrigger

	baseURL string
	secret  []byte

	gapLimit             int
	magicLinkTTL         time.Duration
	intentExpiryMinutes  int
	defaultConfirmations int

	matchMode  intent.MatchMode
	tokenReuse TokenReuse

	now func() time.Time
	log *slog.Logger
}

// ScanTrigger is the narrow surface Gateway needs to force an immediate
// reconciliation pass for a single intent. Wired
// to internal/reconciler / internal/nodeclient by the process's main
// wiring.
type ScanTrigger interface {
	ScanIntent(ctx context.Context, in storage.Intent, addr storage.DepositAddress) error
}

// New validates cfg and builds a Gateway.
func New(cfg Config, baseURL string, store storage.Store, descriptors *descriptor.Engine, watch *reconciler.WatchList, events EventSink, scanner ScanTrigger) (*Gateway, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if descriptors == nil {
		return nil, fmt.Errorf("%w: nil descriptor engine", ErrInvalidConfig)
	}
	if watch == nil {
		return nil, fmt.Errorf("%w: nil watch list", ErrInvalidConfig)
	}
	if len(cfg.Secret) < 32 {
		return nil, fmt.Errorf("%w: secret must be at least 32 bytes", ErrInvalidConfig)
	}
	if cfg.GapLimit <= 0 {
		cfg.GapLimit = 20
	}
	if cfg.MagicLinkTTL <= 0 {
		cfg.MagicLinkTTL = 86400 * time.Second
	}
	if cfg.IntentExpiryMinutes <= 0 {
		cfg.IntentExpiryMinutes = 60
	}
	if cfg.DefaultConfirmations <= 0 {
		cfg.DefaultConfirmations = 1
	}
	if cfg.MatchMode == "" {
		cfg.MatchMode = intent.MatchFirstOutputMeets
	}
	if cfg.TokenReuse == "" {
		cfg.TokenReuse = TokenReuseUntilExpiry
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	return &Gateway{
		store:                store,
		descriptors:          descriptors,
		watch:                watch,
		events:               events,
		scanner:              scanner,
		baseURL:              baseURL,
		secret:               cfg.Secret,
		gapLimit:             cfg.GapLimit,
		magicLinkTTL:         cfg.MagicLinkTTL,
		intentExpiryMinutes:  cfg.IntentExpiryMinutes,
		defaultConfirmations: cfg.DefaultConfirmations,
		matchMode:            cfg.MatchMode,
		tokenReuse:           cfg.TokenReuse,
		now:                  cfg.Now,
		log:                  cfg.Log,
	}, nil
}

// LoadWatchedAddresses seeds the in-process watch list from every
// currently assigned address whose intent is pending, processing or
// confirmed, for use at process startup before the ZMQ subscriber and
// scheduler begin delivering deltas. Addresses of confirmed intents are
// therefore watched after a restart, although the reconciler removes an
// address from the watch list when its intent is confirmed at runtime.
func (g *Gateway) LoadWatchedAddresses(ctx context.Context) error {
	addrs, err := g.store.ListAssignedAddresses(ctx)
	if err != nil {
		return fmt.Errorf("gateway: list assigned addresses: %w", err)
	}
	for _, addr := range addrs {
		if addr.IntentID == "" {
			continue
		}
		in, err := g.store.GetIntent(ctx, addr.IntentID)
		if err != nil {
			g.log.Warn("gateway: load intent for watched address failed", "addressId", addr.ID, "err", err)
			continue
		}
		if in.Status == storage.IntentPending || in.Status == storage.IntentProcessing || in.Status == storage.IntentConfirmed {
			// Confirmed intents stay watched too: a reorg re-check needs
			// to re-add a just-demoted address, and keeping it present
			// from the start is simpler than re-deriving membership.
			g.watch.Add(addr.ID, addr.Address, addr.IntentID)
		}
	}
	return nil
}

// CreateIntent creates a new payment intent in pending status.
func (g *Gateway) CreateIntent(ctx context.Context, p intent.CreateParams) (storage.Intent, error) {
	if p.RequiredConfs == 0 {
		p.RequiredConfs = g.defaultConfirmations
	}
	if p.ExpiresInMinutes == 0 {
		p.ExpiresInMinutes = g.intentExpiryMinutes
	}
	if err := p.Validate(); err != nil {
		return storage.Intent{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := g.now()
	in := storage.Intent{
		AmountSats:    p.AmountSats,
		Status:        storage.IntentPending,
		RequiredConfs: p.RequiredConfs,
		ExpiresAt:     now.Add(time.Duration(p.ExpiresInMinutes) * time.Minute),
		CustomerID:    p.CustomerID,
		Email:         p.Email,
		Memo:          p.Memo,
	}
	created, err := g.store.CreateIntent(ctx, in)
	if err != nil {
		return storage.Intent{}, fmt.Errorf("%w: create intent: %v", ErrTransient, err)
	}
	g.deliver(ctx, intent.Event{Kind: intent.EventCreated, Intent: created})
	return created, nil
}

// EnsureAssigned idempotently assigns a deposit address to an intent,
// maintaining the gap-free derivation index discipline.
func (g *Gateway) EnsureAssigned(ctx context.Context, intentID string) (AssignedResult, error) {
	in, err := g.store.GetIntent(ctx, intentID)
	if err != nil {
		return AssignedResult{}, g.wrapNotFound(err, "intent")
	}
	if in.Status != storage.IntentPending && in.Status != storage.IntentProcessing {
		return AssignedResult{}, fmt.Errorf("%w: intent %s is %s, not pending/processing", ErrInvalidState, intentID, in.Status)
	}

	var addr storage.DepositAddress
	if in.AddressID != "" {
		addr, err = g.store.GetAddress(ctx, in.AddressID)
		if err != nil {
			return AssignedResult{}, fmt.Errorf("%w: load assigned address: %v", ErrTransient, err)
		}
	} else {
		addr, err = g.assignFreshAddress(ctx, intentID)
		if err != nil {
			return AssignedResult{}, err
		}
		in, err = g.store.GetIntent(ctx, intentID)
		if err != nil {
			return AssignedResult{}, fmt.Errorf("%w: reload intent: %v", ErrTransient, err)
		}
	}

	return AssignedResult{
		IntentID:   in.ID,
		Address:    addr.Address,
		BIP21:      BuildBIP21(addr.Address, in.AmountSats, "", in.Memo),
		AmountSats: in.AmountSats,
		ExpiresAt:  in.ExpiresAt,
		Status:     in.Status,
	}, nil
}

// assignFreshAddress picks the lowest unassigned address or derives a new
// one at max(derivationIndex)+1, assigns it transactionally, and adds it
// to the watch list.
func (g *Gateway) assignFreshAddress(ctx context.Context, intentID string) (storage.DepositAddress, error) {
	unassigned, err := g.store.ListUnassignedAddresses(ctx, 1)
	if err != nil {
		return storage.DepositAddress{}, fmt.Errorf("%w: list unassigned addresses: %v", ErrTransient, err)
	}

	var addr storage.DepositAddress
	if len(unassigned) > 0 {
		addr = unassigned[0]
	} else {
		addr, err = g.deriveNextAddress(ctx)
		if err != nil {
			return storage.DepositAddress{}, err
		}
	}

	now := g.now()
	if err := g.store.AssignAddressToIntent(ctx, addr.ID, intentID, now); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return storage.DepositAddress{}, fmt.Errorf("%w: address assignment race: %v", ErrConflict, err)
		}
		return storage.DepositAddress{}, fmt.Errorf("%w: assign address: %v", ErrTransient, err)
	}
	addr.IntentID = intentID
	addr.AssignedAt = &now
	g.watch.Add(addr.ID, addr.Address, intentID)
	return addr, nil
}

// deriveNextAddress derives index max(derivationIndex)+1 (or 0 if none
// exist yet), guaranteeing the gap-free prefix invariant. It also tops
// up the unassigned pool toward gapLimit so future assignments usually
// hit the fast "take lowest unassigned" path instead.
func (g *Gateway) deriveNextAddress(ctx context.Context) (storage.DepositAddress, error) {
	maxIdx, ok, err := g.store.MaxDerivationIndex(ctx)
	if err != nil {
		return storage.DepositAddress{}, fmt.Errorf("%w: max derivation index: %v", ErrTransient, err)
	}
	next := uint32(0)
	if ok {
		next = uint32(maxIdx) + 1
	}

	derived, err := g.descriptors.Derive(next)
	if err != nil {
		return storage.DepositAddress{}, fmt.Errorf("%w: derive index %d: %v", ErrFatal, next, err)
	}
	addr, err := g.store.CreateAddress(ctx, storage.DepositAddress{
		Address:         derived.Address,
		DerivationIndex: derived.Index,
		ScriptPubKeyHex: derived.ScriptPubKeyHex,
	})
	if err != nil {
		return storage.DepositAddress{}, fmt.Errorf("%w: create address: %v", ErrTransient, err)
	}

	g.topUpUnassignedPool(ctx)
	return addr, nil
}

// topUpUnassignedPool derives additional unassigned addresses until the
// pool has gapLimit entries, matching the spirit of the gap-limit
// discipline: the system never lets more than gapLimit consecutive
// addresses sit unused and undiscoverable ahead of a future scan.
func (g *Gateway) topUpUnassignedPool(ctx context.Context) {
	pool, err := g.store.ListUnassignedAddresses(ctx, g.gapLimit)
	if err != nil {
		g.log.Warn("gateway: list unassigned pool failed", "err", err)
		return
	}
	for len(pool) < g.gapLimit {
		maxIdx, ok, err := g.store.MaxDerivationIndex(ctx)
		if err != nil {
			g.log.Warn("gateway: top-up: max derivation index failed", "err", err)
			return
		}
		next := uint32(0)
		if ok {
			next = uint32(maxIdx) + 1
		}
		derived, err := g.descriptors.Derive(next)
		if err != nil {
			g.log.Warn("gateway: top-up: derive failed", "index", next, "err", err)
			return
		}
		if _, err := g.store.CreateAddress(ctx, storage.DepositAddress{
			Address:         derived.Address,
			DerivationIndex: derived.Index,
			ScriptPubKeyHex: derived.ScriptPubKeyHex,
		}); err != nil {
			g.log.Warn("gateway: top-up: create address failed", "index", next, "err", err)
			return
		}
		pool = append(pool, storage.DepositAddress{})
	}
}

// IssueToken mints a magic-link token for an intent.
func (g *Gateway) IssueToken(ctx context.Context, intentID string, ttl time.Duration) (IssuedToken, error) {
	if ttl <= 0 {
		ttl = g.magicLinkTTL
	}
	in, err := g.store.GetIntent(ctx, intentID)
	if err != nil {
		return IssuedToken{}, g.wrapNotFound(err, "intent")
	}
	if in.Status != storage.IntentPending && in.Status != storage.IntentProcessing {
		return IssuedToken{}, fmt.Errorf("%w: cannot issue a magic link for intent %s in status %s", ErrInvalidState, intentID, in.Status)
	}

	now := g.now()
	token, err := paytoken.Issue(g.secret, intentID, ttl, now)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("%w: issue token: %v", ErrFatal, err)
	}

	if _, err := g.store.CreateToken(ctx, storage.MagicLinkToken{
		ID:        uuid.NewString(),
		Token:     token,
		IntentID:  intentID,
		ExpiresAt: now.Add(ttl),
	}); err != nil {
		return IssuedToken{}, fmt.Errorf("%w: persist token: %v", ErrTransient, err)
	}

	return IssuedToken{URL: g.baseURL + "/pay/" + token, Token: token}, nil
}

// RedeemToken verifies and consumes a magic-link token. Errors never
// reveal which of signature/row/expiry failed to the caller; the HTTP
// boundary maps every one of these sentinel errors to the same opaque
// message.
func (g *Gateway) RedeemToken(ctx context.Context, token string) (RedeemResult, error) {
	now := g.now()
	payload, err := paytoken.Verify(g.secret, token, now)
	if err != nil {
		if errors.Is(err, paytoken.ErrExpired) {
			return RedeemResult{}, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return RedeemResult{}, fmt.Errorf("%w: %v", ErrAuth, err)
	}

	row, err := g.store.GetTokenByValue(ctx, token)
	if err != nil {
		return RedeemResult{}, fmt.Errorf("%w: token not found (rotated secret or forged token): %v", ErrNotFound, err)
	}
	if now.After(row.ExpiresAt) {
		return RedeemResult{}, fmt.Errorf("%w: token row expired", ErrTokenExpired)
	}
	if row.Consumed && g.tokenReuse == TokenReuseSingleUse {
		return RedeemResult{}, fmt.Errorf("%w: token already consumed", ErrTokenExpired)
	}

	if !row.Consumed {
		if err := g.store.MarkTokenConsumed(ctx, token, now); err != nil {
			g.log.Warn("gateway: mark token consumed failed", "err", err)
		}
	}
	return RedeemResult{IntentID: payload.IntentID}, nil
}

// GetStatus reports an intent's current lifecycle status and latest
// observed payment.
func (g *Gateway) GetStatus(ctx context.Context, intentID string) (StatusResult, error) {
	in, err := g.store.GetIntent(ctx, intentID)
	if err != nil {
		return StatusResult{}, g.wrapNotFound(err, "intent")
	}
	out := StatusResult{
		Status:      in.Status,
		AmountSats:  in.AmountSats,
		ExpiresAt:   in.ExpiresAt,
		ConfirmedAt: in.ConfirmedAt,
	}
	obs, found, err := g.store.LatestObservationForIntent(ctx, intentID)
	if err != nil {
		return StatusResult{}, fmt.Errorf("%w: load latest observation: %v", ErrTransient, err)
	}
	if found {
		out.Confs = obs.Confirmations
		out.Txid = obs.Txid
		out.ValueSats = obs.ValueSats
	}
	return out, nil
}

// ScanForPayments forces a pull-path reconciliation pass right now,
// instead of waiting on the next scheduler tick.
func (g *Gateway) ScanForPayments(ctx context.Context, intentID string) error {
	if g.scanner == nil {
		return fmt.Errorf("%w: watcher inactive", ErrTransient)
	}
	in, err := g.store.GetIntent(ctx, intentID)
	if err != nil {
		return g.wrapNotFound(err, "intent")
	}
	if in.AddressID == "" {
		return nil
	}
	addr, err := g.store.GetAddress(ctx, in.AddressID)
	if err != nil {
		return fmt.Errorf("%w: load address: %v", ErrTransient, err)
	}
	if err := g.scanner.ScanIntent(ctx, in, addr); err != nil {
		return fmt.Errorf("%w: scan: %v", ErrTransient, err)
	}
	return nil
}

func (g *Gateway) deliver(ctx context.Context, ev intent.Event) {
	if g.events == nil {
		return
	}
	g.events.Dispatch(ctx, ev)
}

func (g *Gateway) wrapNotFound(err error, what string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s: %v", ErrNotFound, what, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrTransient, what, err)
}
