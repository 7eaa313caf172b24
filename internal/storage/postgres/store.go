// Package postgres implements storage.Store on top of pgx/pgxpool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/satoshigate/paygate/internal/storage"
)

// Store is a pgx-backed implementation of storage.Store.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ storage.Store         = (*Store)(nil)
	_ storage.CustomerStore = (*Store)(nil)
)

// New wraps an existing pool. The caller owns the pool's lifecycle.
func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", storage.ErrInvalidInput)
	}
	return &Store{pool: pool}, nil
}

// EnsureSchema creates the tables and indexes this store requires if they
// do not already exist. Safe to call on every process start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", storage.ErrInvalidInput)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) CreateIntent(ctx context.Context, in storage.Intent) (storage.Intent, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	in.CreatedAt, in.UpdatedAt = now, now
	if in.Status == "" {
		in.Status = storage.IntentPending
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payment_intents
			(id, amount_sats, status, address_id, required_confs, expires_at, confirmed_at, customer_id, email, memo, created_at, updated_at)
		VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,NULLIF($8,''),NULLIF($9,''),NULLIF($10,''),$11,$12)
	`, in.ID, in.AmountSats, in.Status, in.AddressID, in.RequiredConfs, in.ExpiresAt, in.ConfirmedAt, in.CustomerID, in.Email, in.Memo, in.CreatedAt, in.UpdatedAt)
	if err != nil {
		return storage.Intent{}, fmt.Errorf("postgres: create intent: %w", err)
	}
	return in, nil
}

func scanIntent(row pgx.Row) (storage.Intent, error) {
	var v storage.Intent
	var addressID, customerID, email, memo *string
	if err := row.Scan(&v.ID, &v.AmountSats, &v.Status, &addressID, &v.RequiredConfs, &v.ExpiresAt, &v.ConfirmedAt, &customerID, &email, &memo, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return storage.Intent{}, err
	}
	if addressID != nil {
		v.AddressID = *addressID
	}
	if customerID != nil {
		v.CustomerID = *customerID
	}
	if email != nil {
		v.Email = *email
	}
	if memo != nil {
		v.Memo = *memo
	}
	return v, nil
}

const intentColumns = `id, amount_sats, status, address_id, required_confs, expires_at, confirmed_at, customer_id, email, memo, created_at, updated_at`

func (s *Store) GetIntent(ctx context.Context, id string) (storage.Intent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE id=$1`, id)
	v, err := scanIntent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Intent{}, fmt.Errorf("intent %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return storage.Intent{}, fmt.Errorf("postgres: get intent: %w", err)
	}
	return v, nil
}

func (s *Store) UpdateIntent(ctx context.Context, in storage.Intent) error {
	in.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE payment_intents SET
			amount_sats=$2, status=$3, address_id=NULLIF($4,''), required_confs=$5,
			expires_at=$6, confirmed_at=$7, customer_id=NULLIF($8,''), email=NULLIF($9,''),
			memo=NULLIF($10,''), updated_at=$11
		WHERE id=$1
	`, in.ID, in.AmountSats, in.Status, in.AddressID, in.RequiredConfs, in.ExpiresAt, in.ConfirmedAt, in.CustomerID, in.Email, in.Memo, in.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: update intent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("intent %s: %w", in.ID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ListIntentsByStatus(ctx context.Context, statuses ...storage.IntentStatus) ([]storage.Intent, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE status = ANY($1) ORDER BY created_at`, statusSlice(statuses))
	if err != nil {
		return nil, fmt.Errorf("postgres: list intents by status: %w", err)
	}
	defer rows.Close()
	var out []storage.Intent
	for rows.Next() {
		v, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan intent: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func statusSlice(statuses []storage.IntentStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time) ([]storage.Intent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE status=$1 AND expires_at < $2 ORDER BY created_at`, storage.IntentPending, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired pending: %w", err)
	}
	defer rows.Close()
	var out []storage.Intent
	for rows.Next() {
		v, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan intent: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanAddress(row pgx.Row) (storage.DepositAddress, error) {
	var v storage.DepositAddress
	var intentID *string
	var idx int64
	if err := row.Scan(&v.ID, &v.Address, &idx, &v.ScriptPubKeyHex, &intentID, &v.AssignedAt, &v.CreatedAt); err != nil {
		return storage.DepositAddress{}, err
	}
	v.DerivationIndex = uint32(idx)
	if intentID != nil {
		v.IntentID = *intentID
	}
	return v, nil
}

const addressColumns = `id, address, derivation_index, script_pubkey_hex, intent_id, assigned_at, created_at`

func (s *Store) CreateAddress(ctx context.Context, in storage.DepositAddress) (storage.DepositAddress, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	in.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deposit_addresses (id, address, derivation_index, script_pubkey_hex, intent_id, assigned_at, created_at)
		VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,$7)
	`, in.ID, in.Address, in.DerivationIndex, in.ScriptPubKeyHex, in.IntentID, in.AssignedAt, in.CreatedAt)
	if err != nil {
		return storage.DepositAddress{}, fmt.Errorf("postgres: create address: %w", err)
	}
	return in, nil
}

func (s *Store) GetAddress(ctx context.Context, id string) (storage.DepositAddress, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+addressColumns+` FROM deposit_addresses WHERE id=$1`, id)
	v, err := scanAddress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.DepositAddress{}, fmt.Errorf("address %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return storage.DepositAddress{}, fmt.Errorf("postgres: get address: %w", err)
	}
	return v, nil
}

func (s *Store) GetAddressByValue(ctx context.Context, address string) (storage.DepositAddress, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+addressColumns+` FROM deposit_addresses WHERE address=$1`, address)
	v, err := scanAddress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.DepositAddress{}, fmt.Errorf("address %s: %w", address, storage.ErrNotFound)
	}
	if err != nil {
		return storage.DepositAddress{}, fmt.Errorf("postgres: get address by value: %w", err)
	}
	return v, nil
}

func (s *Store) ListUnassignedAddresses(ctx context.Context, limit int) ([]storage.DepositAddress, error) {
	q := `SELECT ` + addressColumns + ` FROM deposit_addresses WHERE intent_id IS NULL ORDER BY derivation_index`
	var rows pgx.Rows
	var err error
	if limit > 0 {
		rows, err = s.pool.Query(ctx, q+` LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx, q)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: list unassigned addresses: %w", err)
	}
	defer rows.Close()
	var out []storage.DepositAddress
	for rows.Next() {
		v, err := scanAddress(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan address: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) ListAssignedAddresses(ctx context.Context) ([]storage.DepositAddress, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+addressColumns+` FROM deposit_addresses WHERE intent_id IS NOT NULL ORDER BY derivation_index`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list assigned addresses: %w", err)
	}
	defer rows.Close()
	var out []storage.DepositAddress
	for rows.Next() {
		v, err := scanAddress(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan address: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) MaxDerivationIndex(ctx context.Context) (int64, bool, error) {
	var max *int64
	if err := s.pool.QueryRow(ctx, `SELECT MAX(derivation_index) FROM deposit_addresses`).Scan(&max); err != nil {
		return 0, false, fmt.Errorf("postgres: max derivation index: %w", err)
	}
	if max == nil {
		return 0, false, nil
	}
	return *max, true, nil
}

func (s *Store) AssignAddressToIntent(ctx context.Context, addressID string, intentID string, assignedAt time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var existingIntentID *string
	if err := tx.QueryRow(ctx, `SELECT intent_id FROM deposit_addresses WHERE id=$1 FOR UPDATE`, addressID).Scan(&existingIntentID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("address %s: %w", addressID, storage.ErrNotFound)
		}
		return fmt.Errorf("postgres: lock address: %w", err)
	}
	if existingIntentID != nil && *existingIntentID != intentID {
		return fmt.Errorf("address %s already assigned: %w", addressID, storage.ErrConflict)
	}

	tag, err := tx.Exec(ctx, `UPDATE deposit_addresses SET intent_id=$2, assigned_at=$3 WHERE id=$1`, addressID, intentID, assignedAt)
	if err != nil {
		return fmt.Errorf("postgres: assign address: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("address %s: %w", addressID, storage.ErrNotFound)
	}

	tag, err = tx.Exec(ctx, `UPDATE payment_intents SET address_id=$2, updated_at=$3 WHERE id=$1`, intentID, addressID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: assign intent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("intent %s: %w", intentID, storage.ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit assign: %w", err)
	}
	return nil
}

func scanObservation(row pgx.Row) (storage.TxObservation, error) {
	var v storage.TxObservation
	var vout int
	if err := row.Scan(&v.ID, &v.Txid, &vout, &v.ValueSats, &v.Confirmations, &v.AddressID, &v.ScriptPubKeyHex, &v.Status, &v.SeenAt, &v.UpdatedAt); err != nil {
		return storage.TxObservation{}, err
	}
	v.Vout = uint32(vout)
	return v, nil
}

const observationColumns = `id, txid, vout, value_sats, confirmations, address_id, script_pubkey_hex, status, seen_at, updated_at`

func (s *Store) UpsertObservation(ctx context.Context, in storage.TxObservation) (storage.TxObservation, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	in.SeenAt, in.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO tx_observations (id, txid, vout, value_sats, confirmations, address_id, script_pubkey_hex, status, seen_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (txid, vout) DO UPDATE SET
			confirmations = GREATEST(tx_observations.confirmations, EXCLUDED.confirmations),
			status = CASE WHEN tx_observations.status = 'confirmed' THEN tx_observations.status ELSE EXCLUDED.status END,
			updated_at = EXCLUDED.updated_at
	`, in.ID, in.Txid, in.Vout, in.ValueSats, in.Confirmations, in.AddressID, in.ScriptPubKeyHex, in.Status, in.SeenAt, in.UpdatedAt)
	if err != nil {
		return storage.TxObservation{}, fmt.Errorf("postgres: upsert observation: %w", err)
	}
	return s.GetObservation(ctx, in.Txid, in.Vout)
}

func (s *Store) GetObservation(ctx context.Context, txid string, vout uint32) (storage.TxObservation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+observationColumns+` FROM tx_observations WHERE txid=$1 AND vout=$2`, txid, vout)
	v, err := scanObservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.TxObservation{}, fmt.Errorf("observation %s:%d: %w", txid, vout, storage.ErrNotFound)
	}
	if err != nil {
		return storage.TxObservation{}, fmt.Errorf("postgres: get observation: %w", err)
	}
	return v, nil
}

func (s *Store) ListObservationsByAddress(ctx context.Context, addressID string) ([]storage.TxObservation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+observationColumns+` FROM tx_observations WHERE address_id=$1 ORDER BY seen_at`, addressID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list observations by address: %w", err)
	}
	defer rows.Close()
	var out []storage.TxObservation
	for rows.Next() {
		v, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan observation: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) LatestObservationForIntent(ctx context.Context, intentID string) (storage.TxObservation, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+qualify("o", observationColumns)+`
		FROM tx_observations o
		JOIN payment_intents i ON i.address_id = o.address_id
		WHERE i.id = $1
		ORDER BY o.seen_at DESC
		LIMIT 1
	`, intentID)
	v, err := scanObservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.TxObservation{}, false, nil
	}
	if err != nil {
		return storage.TxObservation{}, false, fmt.Errorf("postgres: latest observation for intent: %w", err)
	}
	return v, true, nil
}

func qualify(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

func (s *Store) DemoteObservation(ctx context.Context, txid string, vout uint32) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tx_observations SET status='mempool', confirmations=0, updated_at=$3 WHERE txid=$1 AND vout=$2`, txid, vout, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: demote observation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("observation %s:%d: %w", txid, vout, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateToken(ctx context.Context, in storage.MagicLinkToken) (storage.MagicLinkToken, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	in.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO magic_link_tokens (id, token, intent_id, consumed, consumed_at, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, in.ID, in.Token, in.IntentID, in.Consumed, in.ConsumedAt, in.ExpiresAt, in.CreatedAt)
	if err != nil {
		return storage.MagicLinkToken{}, fmt.Errorf("postgres: create token: %w", err)
	}
	return in, nil
}

func (s *Store) GetTokenByValue(ctx context.Context, token string) (storage.MagicLinkToken, error) {
	var v storage.MagicLinkToken
	err := s.pool.QueryRow(ctx, `
		SELECT id, token, intent_id, consumed, consumed_at, expires_at, created_at
		FROM magic_link_tokens WHERE token=$1
	`, token).Scan(&v.ID, &v.Token, &v.IntentID, &v.Consumed, &v.ConsumedAt, &v.ExpiresAt, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.MagicLinkToken{}, fmt.Errorf("token: %w", storage.ErrNotFound)
	}
	if err != nil {
		return storage.MagicLinkToken{}, fmt.Errorf("postgres: get token: %w", err)
	}
	return v, nil
}

func (s *Store) MarkTokenConsumed(ctx context.Context, token string, consumedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE magic_link_tokens SET consumed=TRUE, consumed_at=$2
		WHERE token=$1 AND consumed=FALSE
	`, token, consumedAt)
	if err != nil {
		return fmt.Errorf("postgres: mark token consumed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either already consumed (sticky, not an error) or missing.
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT TRUE FROM magic_link_tokens WHERE token=$1`, token).Scan(&exists); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("token: %w", storage.ErrNotFound)
			}
			return fmt.Errorf("postgres: check token existence: %w", err)
		}
	}
	return nil
}

func (s *Store) GetMetadata(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM system_metadata WHERE key=$1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("postgres: get metadata: %w", err)
	}
	return v, true, nil
}

func (s *Store) SetMetadata(ctx context.Context, key string, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO system_metadata (key, value) VALUES ($1,$2)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("postgres: set metadata: %w", err)
	}
	return nil
}

func (s *Store) UpsertCustomer(ctx context.Context, in storage.Customer) (storage.Customer, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	in.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO customers (id, email, created_at) VALUES ($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET email=EXCLUDED.email
	`, in.ID, in.Email, in.CreatedAt)
	if err != nil {
		return storage.Customer{}, fmt.Errorf("postgres: upsert customer: %w", err)
	}
	return in, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (storage.Customer, error) {
	var v storage.Customer
	err := s.pool.QueryRow(ctx, `SELECT id, email, created_at FROM customers WHERE id=$1`, id).Scan(&v.ID, &v.Email, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Customer{}, fmt.Errorf("customer %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return storage.Customer{}, fmt.Errorf("postgres: get customer: %w", err)
	}
	return v, nil
}
