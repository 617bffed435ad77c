package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/tripledger/internal/apperr"
	"github.com/example/tripledger/internal/money"
	"github.com/example/tripledger/internal/postgres"
)

const entryColumns = `id, agent_id, type, direction, amount, trip_id, lr_number, payment_id, pair_id,
	key_trip_id, key_agent_id, key_bucket, description, is_informational, reference_balance,
	created_by, created_at, updated_at`

// PostgresStore persists entries in ledger_entries and keeps agent_balances in
// step inside the same SERIALIZABLE transaction.
type PostgresStore struct {
	Pool    *pgxpool.Pool
	timeout time.Duration
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool, timeout: 5 * time.Second}
}

func (s *PostgresStore) Append(ctx context.Context, e Entry) (Entry, error) {
	out, err := s.AppendBatch(ctx, []Entry{e})
	if err != nil {
		return Entry{}, err
	}
	return out[0], nil
}

func (s *PostgresStore) AppendBatch(ctx context.Context, entries []Entry) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, apperr.Validation("ledger.append", "no entries")
	}
	now := time.Now().UTC()
	prepared := make([]Entry, len(entries))
	for i, e := range entries {
		if err := ValidateEntry(e); err != nil {
			return nil, err
		}
		prepared[i] = stampEntry(e, now)
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := postgres.WithSerializable(queryCtx, s.Pool, func(tx pgx.Tx) error {
		for _, e := range prepared {
			if err := insertEntry(queryCtx, tx, e); err != nil {
				return err
			}
			if err := adjustBalance(queryCtx, tx, e.AgentID, e.Signed()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, apperr.Conflict("ledger.append", "entry for natural key already exists")
		}
		return nil, apperr.Internal("ledger.append", fmt.Errorf("ledger: append: %w", err))
	}
	return prepared, nil
}

func stampEntry(e Entry, now time.Time) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	return e
}

func insertEntry(ctx context.Context, tx pgx.Tx, e Entry) error {
	var keyTrip, keyAgent, keyBucket *string
	if e.Key != nil {
		b := string(e.Key.Bucket)
		keyTrip, keyAgent, keyBucket = &e.Key.TripID, &e.Key.AgentID, &b
	}
	var ref *int64
	if e.ReferenceBalance != nil {
		v := e.ReferenceBalance.Minor()
		ref = &v
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, e.ID, e.AgentID, string(e.Type), string(e.Direction), e.Amount.Minor(), e.TripID, e.LRNumber,
		e.PaymentID, e.PairID, keyTrip, keyAgent, keyBucket, e.Description, e.IsInformational, ref,
		e.CreatedBy, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func adjustBalance(ctx context.Context, tx pgx.Tx, agentID string, delta money.Money) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO agent_balances (agent_id, balance, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (agent_id) DO UPDATE
		SET balance = agent_balances.balance + EXCLUDED.balance, updated_at = now()
	`, agentID, delta.Minor())
	if err != nil {
		return fmt.Errorf("adjust balance: %w", err)
	}
	return nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e                          Entry
		typ, dir                   string
		amount                     int64
		keyTrip, keyAgent, keyBuck *string
		ref                        *int64
	)
	err := row.Scan(&e.ID, &e.AgentID, &typ, &dir, &amount, &e.TripID, &e.LRNumber, &e.PaymentID, &e.PairID,
		&keyTrip, &keyAgent, &keyBuck, &e.Description, &e.IsInformational, &ref,
		&e.CreatedBy, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return Entry{}, err
	}
	e.Type = Type(typ)
	e.Direction = Direction(dir)
	e.Amount = money.FromMinor(amount)
	if keyTrip != nil && keyAgent != nil && keyBuck != nil {
		e.Key = &NaturalKey{TripID: *keyTrip, AgentID: *keyAgent, Bucket: Bucket(*keyBuck)}
	}
	if ref != nil {
		m := money.FromMinor(*ref)
		e.ReferenceBalance = &m
	}
	return e, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Entry, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	e, err := scanEntry(s.Pool.QueryRow(queryCtx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, apperr.NotFound("ledger.get", "entry %s not found", id)
		}
		return Entry{}, apperr.Internal("ledger.get", fmt.Errorf("ledger: get: %w", err))
	}
	return e, nil
}

func (s *PostgresStore) Find(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.AgentID != "" {
		add("agent_id = $%d", f.AgentID)
	}
	if f.TripID != "" {
		add("trip_id = $%d", f.TripID)
	}
	if f.PaymentID != "" {
		add("payment_id = $%d", f.PaymentID)
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		add("type = ANY($%d)", types)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at <= $%d", f.Until)
	}

	q := `SELECT ` + entryColumns + ` FROM ledger_entries`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	rows, err := s.Pool.Query(queryCtx, q, args...)
	if err != nil {
		return nil, apperr.Internal("ledger.find", fmt.Errorf("ledger: find: %w", err))
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, apperr.Internal("ledger.find", fmt.Errorf("ledger: scan: %w", err))
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("ledger.find", err)
	}
	return out, nil
}

func lockEntry(ctx context.Context, tx pgx.Tx, id string) (Entry, error) {
	e, err := scanEntry(tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, apperr.NotFound("ledger", "entry %s not found", id)
	}
	return e, err
}

func lockTwin(ctx context.Context, tx pgx.Tx, e Entry) (*Entry, error) {
	if e.PairID == "" {
		return nil, nil
	}
	twin, err := scanEntry(tx.QueryRow(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE pair_id = $1 AND id <> $2
		FOR UPDATE
	`, e.PairID, e.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &twin, nil
}

// amendTx applies p to e inside tx and moves the balance by the signed difference.
func amendTx(ctx context.Context, tx pgx.Tx, e Entry, p Patch, now time.Time) (Entry, error) {
	before := e.Signed()
	if p.Amount != nil {
		e.Amount = *p.Amount
	}
	if p.Description != nil {
		e.Description = *p.Description
	}
	if p.Direction != nil {
		e.Direction = *p.Direction
	}
	e.UpdatedAt = now
	if _, err := tx.Exec(ctx, `
		UPDATE ledger_entries SET amount = $2, description = $3, direction = $4, updated_at = $5 WHERE id = $1
	`, e.ID, e.Amount.Minor(), e.Description, string(e.Direction), e.UpdatedAt); err != nil {
		return Entry{}, fmt.Errorf("update entry: %w", err)
	}
	if delta := e.Signed().Sub(before); !delta.IsZero() {
		if err := adjustBalance(ctx, tx, e.AgentID, delta); err != nil {
			return Entry{}, err
		}
	}
	return e, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, p Patch) (Entry, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var out Entry
	err := postgres.WithSerializable(queryCtx, s.Pool, func(tx pgx.Tx) error {
		e, err := lockEntry(queryCtx, tx, id)
		if err != nil {
			return err
		}
		if err := checkAmendable(e, p); err != nil {
			return err
		}
		now := time.Now().UTC()
		if out, err = amendTx(queryCtx, tx, e, p, now); err != nil {
			return err
		}
		if p.Amount == nil {
			return nil
		}
		twin, err := lockTwin(queryCtx, tx, e)
		if err != nil || twin == nil {
			return err
		}
		_, err = amendTx(queryCtx, tx, *twin, Patch{Amount: p.Amount}, now)
		return err
	})
	if err != nil {
		return Entry{}, apperr.Internal("ledger.update", err)
	}
	return out, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, e Entry) (Entry, bool, error) {
	if e.Key == nil {
		return Entry{}, false, apperr.Validation("ledger.upsert", "natural key is required")
	}
	if err := ValidateEntry(e); err != nil {
		return Entry{}, false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		out     Entry
		created bool
	)
	err := postgres.WithSerializable(queryCtx, s.Pool, func(tx pgx.Tx) error {
		existing, err := scanEntry(tx.QueryRow(queryCtx, `
			SELECT `+entryColumns+` FROM ledger_entries
			WHERE key_trip_id = $1 AND key_agent_id = $2 AND key_bucket = $3
			FOR UPDATE
		`, e.Key.TripID, e.Key.AgentID, string(e.Key.Bucket)))
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			out, created = stampEntry(e, time.Now().UTC()), true
			if err := insertEntry(queryCtx, tx, out); err != nil {
				return err
			}
			return adjustBalance(queryCtx, tx, out.AgentID, out.Signed())
		case err != nil:
			return err
		}
		amount, desc, dir := e.Amount, e.Description, e.Direction
		out, err = amendTx(queryCtx, tx, existing, Patch{Amount: &amount, Description: &desc, Direction: &dir}, time.Now().UTC())
		created = false
		return err
	})
	if err != nil {
		return Entry{}, false, apperr.Internal("ledger.upsert", err)
	}
	return out, created, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) ([]string, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var ids []string
	err := postgres.WithSerializable(queryCtx, s.Pool, func(tx pgx.Tx) error {
		ids = ids[:0]
		e, err := lockEntry(queryCtx, tx, id)
		if err != nil {
			return err
		}
		if err := checkDeletable(e); err != nil {
			return err
		}
		victims := []Entry{e}
		twin, err := lockTwin(queryCtx, tx, e)
		if err != nil {
			return err
		}
		if twin != nil {
			victims = append(victims, *twin)
		}
		for _, v := range victims {
			if _, err := tx.Exec(queryCtx, `DELETE FROM ledger_entries WHERE id = $1`, v.ID); err != nil {
				return fmt.Errorf("delete entry: %w", err)
			}
			if err := adjustBalance(queryCtx, tx, v.AgentID, v.Signed().Neg()); err != nil {
				return err
			}
			ids = append(ids, v.ID)
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Internal("ledger.delete", err)
	}
	return ids, nil
}

func (s *PostgresStore) Balance(ctx context.Context, agentID string) (money.Money, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var bal int64
	err := s.Pool.QueryRow(queryCtx, `SELECT balance FROM agent_balances WHERE agent_id = $1`, agentID).Scan(&bal)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, apperr.Internal("ledger.balance", fmt.Errorf("ledger: balance: %w", err))
	}
	return money.FromMinor(bal), nil
}

func (s *PostgresStore) Agents(ctx context.Context) ([]string, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.Pool.Query(queryCtx, `SELECT agent_id FROM agent_balances ORDER BY agent_id`)
	if err != nil {
		return nil, apperr.Internal("ledger.agents", fmt.Errorf("ledger: agents: %w", err))
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, apperr.Internal("ledger.agents", err)
	}
	return ids, nil
}
