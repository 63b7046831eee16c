package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// PostgresStore persists the ledger in PostgreSQL. The primary key on
// (session_id, recipient) makes TryClaim a single conditional insert.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `session_id, recipient, origin_session, chain, status, attempt, amount,
		       payout_ref, payload, claimed_at, paid_at, updated_at`

func (p *PostgresStore) TryClaim(ctx context.Context, key Key, origin, chain, attempt string, now, staleBefore time.Time) (*Claim, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO reward_ledger (session_id, recipient, origin_session, chain, status, attempt, claimed_at, updated_at)
		VALUES ($1, $2, $3, $4, 'reserved', $5, $6, $6)
		ON CONFLICT (session_id, recipient) DO NOTHING`,
		key.SessionID, key.Recipient, origin, chain, attempt, now,
	)
	if err != nil {
		return nil, err
	}
	acquired, err := oneRow(res)
	if err != nil {
		return nil, err
	}

	if !acquired {
		res, err = p.db.ExecContext(ctx, `
			UPDATE reward_ledger SET attempt = $3, claimed_at = $4, updated_at = $4, origin_session = $6
			WHERE session_id = $1 AND recipient = $2
			  AND status = 'reserved' AND claimed_at < $5`,
			key.SessionID, key.Recipient, attempt, now, staleBefore, origin,
		)
		if err != nil {
			return nil, err
		}
		if acquired, err = oneRow(res); err != nil {
			return nil, err
		}
	}

	e, err := p.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if acquired && e.Attempt != attempt {
		// Lost a race between the claim and the read.
		acquired = false
	}
	return &Claim{Entry: e, Acquired: acquired}, nil
}

func (p *PostgresStore) SetPending(ctx context.Context, key Key, attempt, ref string, payload []byte, amt *big.Int, now time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE reward_ledger SET status = 'pending', payout_ref = $4, payload = $5,
			amount = $6::NUMERIC(78,0), updated_at = $7
		WHERE session_id = $1 AND recipient = $2 AND status = 'reserved' AND attempt = $3`,
		key.SessionID, key.Recipient, attempt, ref, payload, nullInt(amt), now,
	)
	if err != nil {
		return err
	}
	ok, err := oneRow(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrClaimLost
	}
	return nil
}

func (p *PostgresStore) RecordPayout(ctx context.Context, key Key, ref string, now time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE reward_ledger SET status = 'paid', payout_ref = COALESCE(NULLIF($3, ''), payout_ref),
			paid_at = $4, updated_at = $4
		WHERE session_id = $1 AND recipient = $2 AND status = 'pending'`,
		key.SessionID, key.Recipient, ref, now,
	)
	if err != nil {
		return err
	}
	ok, err := oneRow(res)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	e, err := p.Get(ctx, key)
	if err != nil {
		return err
	}
	if e.Status == StatusPaid {
		return nil
	}
	return ErrClaimLost
}

func (p *PostgresStore) Release(ctx context.Context, key Key, attempt string) error {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM reward_ledger
		WHERE session_id = $1 AND recipient = $2 AND status = 'reserved' AND attempt = $3`,
		key.SessionID, key.Recipient, attempt,
	)
	if err != nil {
		return err
	}
	ok, err := oneRow(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrClaimLost
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, key Key) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM reward_ledger
		WHERE session_id = $1 AND recipient = $2`, key.SessionID, key.Recipient)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) ListBySession(ctx context.Context, sessionID string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM reward_ledger
		WHERE origin_session = $1 ORDER BY claimed_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(sc scanner) (*Entry, error) {
	e := &Entry{}
	var (
		status  string
		amt     sql.NullString
		ref     sql.NullString
		payload []byte
		paidAt  sql.NullTime
	)
	if err := sc.Scan(&e.SessionID, &e.Recipient, &e.Origin, &e.Chain, &status, &e.Attempt, &amt,
		&ref, &payload, &e.ClaimedAt, &paidAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.PayoutRef = ref.String
	e.Payload = payload
	if amt.Valid {
		v, ok := new(big.Int).SetString(amt.String, 10)
		if !ok {
			return nil, fmt.Errorf("ledger %s: bad amount %q", e.Key, amt.String)
		}
		e.Amount = v
	}
	if paidAt.Valid {
		e.PaidAt = &paidAt.Time
	}
	return e, nil
}

func oneRow(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func nullInt(v *big.Int) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: v.String(), Valid: true}
}

var _ Store = (*PostgresStore)(nil)
