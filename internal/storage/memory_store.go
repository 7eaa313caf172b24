package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a mutex-guarded in-memory Store, suitable for tests and
// single-process deployments that do not need durability across restarts.
type MemoryStore struct {
	mu sync.Mutex

	intents       map[string]Intent
	addresses     map[string]DepositAddress
	addressByAddr map[string]string
	observations  map[string]TxObservation // key: txid:vout
	tokens        map[string]MagicLinkToken
	customers     map[string]Customer
	metadata      map[string]string

	now func() time.Time
}

// NewMemoryStore builds an empty store. now defaults to time.Now if nil.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		intents:       make(map[string]Intent),
		addresses:     make(map[string]DepositAddress),
		addressByAddr: make(map[string]string),
		observations:  make(map[string]TxObservation),
		tokens:        make(map[string]MagicLinkToken),
		customers:     make(map[string]Customer),
		metadata:      make(map[string]string),
		now:           now,
	}
}

var _ Store = (*MemoryStore)(nil)
var _ CustomerStore = (*MemoryStore)(nil)

func obsKey(txid string, vout uint32) string { return fmt.Sprintf("%s:%d", txid, vout) }

func (s *MemoryStore) CreateIntent(_ context.Context, in Intent) (Intent, error) {
	if s == nil {
		return Intent{}, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := s.now()
	in.CreatedAt = now
	in.UpdatedAt = now
	if in.Status == "" {
		in.Status = IntentPending
	}
	s.intents[in.ID] = in
	return in, nil
}

func (s *MemoryStore) GetIntent(_ context.Context, id string) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.intents[id]
	if !ok {
		return Intent{}, fmt.Errorf("intent %s: %w", id, ErrNotFound)
	}
	return v, nil
}

func (s *MemoryStore) UpdateIntent(_ context.Context, in Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.intents[in.ID]
	if !ok {
		return fmt.Errorf("intent %s: %w", in.ID, ErrNotFound)
	}
	in.CreatedAt = existing.CreatedAt
	in.UpdatedAt = s.now()
	s.intents[in.ID] = in
	return nil
}

func (s *MemoryStore) ListIntentsByStatus(_ context.Context, statuses ...IntentStatus) ([]Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[IntentStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []Intent
	for _, v := range s.intents {
		if want[v.Status] {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListExpiredPending(_ context.Context, now time.Time) ([]Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Intent
	for _, v := range s.intents {
		if v.Status == IntentPending && !v.ExpiresAt.After(now) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateAddress(_ context.Context, in DepositAddress) (DepositAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if _, exists := s.addressByAddr[in.Address]; exists {
		return DepositAddress{}, fmt.Errorf("address %s: %w", in.Address, ErrConflict)
	}
	in.CreatedAt = s.now()
	s.addresses[in.ID] = in
	s.addressByAddr[in.Address] = in.ID
	return in, nil
}

func (s *MemoryStore) GetAddress(_ context.Context, id string) (DepositAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.addresses[id]
	if !ok {
		return DepositAddress{}, fmt.Errorf("address %s: %w", id, ErrNotFound)
	}
	return v, nil
}

func (s *MemoryStore) GetAddressByValue(_ context.Context, address string) (DepositAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.addressByAddr[address]
	if !ok {
		return DepositAddress{}, fmt.Errorf("address %s: %w", address, ErrNotFound)
	}
	return s.addresses[id], nil
}

func (s *MemoryStore) ListUnassignedAddresses(_ context.Context, limit int) ([]DepositAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DepositAddress
	for _, v := range s.addresses {
		if !v.Assigned() {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DerivationIndex < out[j].DerivationIndex })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListAssignedAddresses(_ context.Context) ([]DepositAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DepositAddress
	for _, v := range s.addresses {
		if v.Assigned() {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DerivationIndex < out[j].DerivationIndex })
	return out, nil
}

func (s *MemoryStore) MaxDerivationIndex(_ context.Context) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.addresses) == 0 {
		return 0, false, nil
	}
	var max int64 = -1
	for _, v := range s.addresses {
		if int64(v.DerivationIndex) > max {
			max = int64(v.DerivationIndex)
		}
	}
	return max, true, nil
}

func (s *MemoryStore) AssignAddressToIntent(_ context.Context, addressID string, intentID string, assignedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr, ok := s.addresses[addressID]
	if !ok {
		return fmt.Errorf("address %s: %w", addressID, ErrNotFound)
	}
	if addr.Assigned() && addr.IntentID != intentID {
		return fmt.Errorf("address %s already assigned: %w", addressID, ErrConflict)
	}
	intent, ok := s.intents[intentID]
	if !ok {
		return fmt.Errorf("intent %s: %w", intentID, ErrNotFound)
	}

	addr.IntentID = intentID
	addr.AssignedAt = &assignedAt
	s.addresses[addressID] = addr

	intent.AddressID = addressID
	intent.UpdatedAt = s.now()
	s.intents[intentID] = intent
	return nil
}

func (s *MemoryStore) UpsertObservation(_ context.Context, in TxObservation) (TxObservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := obsKey(in.Txid, in.Vout)
	now := s.now()
	if existing, ok := s.observations[key]; ok {
		if in.Confirmations > existing.Confirmations {
			existing.Confirmations = in.Confirmations
		}
		// Status only ever flips upward unless a reorg demotion is in
		// progress (DemoteObservation handles that path explicitly).
		if existing.Status == ObservationMempool && in.Status == ObservationConfirmed {
			existing.Status = ObservationConfirmed
		}
		existing.UpdatedAt = now
		s.observations[key] = existing
		return existing, nil
	}

	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	in.SeenAt = now
	in.UpdatedAt = now
	s.observations[key] = in
	return in, nil
}

func (s *MemoryStore) GetObservation(_ context.Context, txid string, vout uint32) (TxObservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.observations[obsKey(txid, vout)]
	if !ok {
		return TxObservation{}, fmt.Errorf("observation %s:%d: %w", txid, vout, ErrNotFound)
	}
	return v, nil
}

func (s *MemoryStore) ListObservationsByAddress(_ context.Context, addressID string) ([]TxObservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TxObservation
	for _, v := range s.observations {
		if v.AddressID == addressID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeenAt.Before(out[j].SeenAt) })
	return out, nil
}

func (s *MemoryStore) LatestObservationForIntent(_ context.Context, intentID string) (TxObservation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[intentID]
	if !ok || intent.AddressID == "" {
		return TxObservation{}, false, nil
	}
	var latest TxObservation
	found := false
	for _, v := range s.observations {
		if v.AddressID != intent.AddressID {
			continue
		}
		if !found || v.SeenAt.After(latest.SeenAt) {
			latest = v
			found = true
		}
	}
	return latest, found, nil
}

func (s *MemoryStore) DemoteObservation(_ context.Context, txid string, vout uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := obsKey(txid, vout)
	v, ok := s.observations[key]
	if !ok {
		return fmt.Errorf("observation %s:%d: %w", txid, vout, ErrNotFound)
	}
	v.Status = ObservationMempool
	v.Confirmations = 0
	v.UpdatedAt = s.now()
	s.observations[key] = v
	return nil
}

func (s *MemoryStore) CreateToken(_ context.Context, in MagicLinkToken) (MagicLinkToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if _, exists := s.tokens[in.Token]; exists {
		return MagicLinkToken{}, fmt.Errorf("token already exists: %w", ErrConflict)
	}
	in.CreatedAt = s.now()
	s.tokens[in.Token] = in
	return in, nil
}

func (s *MemoryStore) GetTokenByValue(_ context.Context, token string) (MagicLinkToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.tokens[token]
	if !ok {
		return MagicLinkToken{}, fmt.Errorf("token: %w", ErrNotFound)
	}
	return v, nil
}

func (s *MemoryStore) MarkTokenConsumed(_ context.Context, token string, consumedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.tokens[token]
	if !ok {
		return fmt.Errorf("token: %w", ErrNotFound)
	}
	if v.Consumed {
		return nil // sticky: first consumedAt wins.
	}
	v.Consumed = true
	v.ConsumedAt = &consumedAt
	s.tokens[token] = v
	return nil
}

func (s *MemoryStore) GetMetadata(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.metadata[key]
	return v, ok, nil
}

func (s *MemoryStore) SetMetadata(_ context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
	return nil
}

func (s *MemoryStore) UpsertCustomer(_ context.Context, in Customer) (Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if existing, ok := s.customers[in.ID]; ok {
		in.CreatedAt = existing.CreatedAt
	} else {
		in.CreatedAt = s.now()
	}
	s.customers[in.ID] = in
	return in, nil
}

func (s *MemoryStore) GetCustomer(_ context.Context, id string) (Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.customers[id]
	if !ok {
		return Customer{}, fmt.Errorf("customer %s: %w", id, ErrNotFound)
	}
	return v, nil
}
