package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// PostgresStore persists sessions in PostgreSQL. The sealed wallet secret is
// stored as its three AEAD components; plaintext never reaches the database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, chain, stake_amount, participant_a, participant_b,
		       wallet_chain, wallet_address, secret_ciphertext, secret_iv, secret_auth_tag,
		       state, deposit_a, deposit_b, observed_amount, winner, deadline,
		       payout_status, payout_error, cancel_reason,
		       created_at, updated_at, activated_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_sessions (
			id, chain, stake_amount, participant_a, participant_b,
			wallet_chain, wallet_address, secret_ciphertext, secret_iv, secret_auth_tag,
			state, deposit_a, deposit_b, observed_amount, winner, deadline,
			payout_status, payout_error, cancel_reason,
			created_at, updated_at, activated_at, resolved_at
		) VALUES (
			$1, $2, $3::NUMERIC(78,0), $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14::NUMERIC(78,0), $15, $16,
			$17, $18, $19,
			$20, $21, $22, $23
		)`,
		s.ID, s.Chain, intString(s.StakeAmount), s.ParticipantA, s.ParticipantB,
		s.Wallet.Chain, s.Wallet.Address, s.Wallet.Secret.Ciphertext, s.Wallet.Secret.IV, s.Wallet.Secret.AuthTag,
		string(s.State), s.Deposits.A, s.Deposits.B, intString(s.ObservedAmount), nullString(s.Winner), s.Deadline,
		string(s.PayoutStatus), nullString(s.PayoutError), nullString(s.CancelReason),
		s.CreatedAt, s.UpdatedAt, nullTime(s.ActivatedAt), nullTime(s.ResolvedAt),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM escrow_sessions WHERE id = $1`, id)

	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// Update writes the mutable fields. Wallet, stake and participants are
// immutable after creation.
func (p *PostgresStore) Update(ctx context.Context, s *Session) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_sessions SET
			state = $1, deposit_a = $2, deposit_b = $3, observed_amount = $4::NUMERIC(78,0),
			winner = $5, payout_status = $6, payout_error = $7, cancel_reason = $8,
			updated_at = $9, activated_at = $10, resolved_at = $11
		WHERE id = $12`,
		string(s.State), s.Deposits.A, s.Deposits.B, intString(s.ObservedAmount),
		nullString(s.Winner), string(s.PayoutStatus), nullString(s.PayoutError), nullString(s.CancelReason),
		s.UpdatedAt, nullTime(s.ActivatedAt), nullTime(s.ResolvedAt),
		s.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Session, error) {
	return p.query(ctx, `SELECT `+sessionColumns+` FROM escrow_sessions
		ORDER BY created_at DESC LIMIT $1`, limit)
}

func (p *PostgresStore) ListByState(ctx context.Context, state State, limit int) ([]*Session, error) {
	return p.query(ctx, `SELECT `+sessionColumns+` FROM escrow_sessions
		WHERE state = $1
		ORDER BY created_at DESC LIMIT $2`, string(state), limit)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Session, error) {
	return p.query(ctx, `SELECT `+sessionColumns+` FROM escrow_sessions
		WHERE state IN ('waiting_deposits', 'active')
		  AND deadline < $1
		ORDER BY deadline LIMIT $2`, before, limit)
}

func (p *PostgresStore) ListUnpaid(ctx context.Context, limit int) ([]*Session, error) {
	return p.query(ctx, `SELECT `+sessionColumns+` FROM escrow_sessions
		WHERE state IN ('settled', 'expired')
		  AND payout_status <> 'paid'
		ORDER BY resolved_at LIMIT $1`, limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...interface{}) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(sc scanner) (*Session, error) {
	s := &Session{}
	var (
		stake, observed string
		state, payout   string
		winner          sql.NullString
		payoutErr       sql.NullString
		cancelReason    sql.NullString
		activatedAt     sql.NullTime
		resolvedAt      sql.NullTime
	)

	err := sc.Scan(
		&s.ID, &s.Chain, &stake, &s.ParticipantA, &s.ParticipantB,
		&s.Wallet.Chain, &s.Wallet.Address, &s.Wallet.Secret.Ciphertext, &s.Wallet.Secret.IV, &s.Wallet.Secret.AuthTag,
		&state, &s.Deposits.A, &s.Deposits.B, &observed, &winner, &s.Deadline,
		&payout, &payoutErr, &cancelReason,
		&s.CreatedAt, &s.UpdatedAt, &activatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	var ok bool
	if s.StakeAmount, ok = new(big.Int).SetString(stake, 10); !ok {
		return nil, fmt.Errorf("session %s: bad stake_amount %q", s.ID, stake)
	}
	if s.ObservedAmount, ok = new(big.Int).SetString(observed, 10); !ok {
		return nil, fmt.Errorf("session %s: bad observed_amount %q", s.ID, observed)
	}
	s.State = State(state)
	s.PayoutStatus = PayoutStatus(payout)
	s.Winner = winner.String
	s.PayoutError = payoutErr.String
	s.CancelReason = cancelReason.String
	if activatedAt.Valid {
		s.ActivatedAt = &activatedAt.Time
	}
	if resolvedAt.Valid {
		s.ResolvedAt = &resolvedAt.Time
	}
	return s, nil
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
