package trip

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/tripledger/internal/apperr"
	"github.com/example/tripledger/internal/money"
	"github.com/example/tripledger/internal/postgres"
)

const tripColumns = `id, lr_number, status, is_bulk, freight, advance, deductions, payments, attachments,
	balance, final_balance, agent_id, driver_phone, origin, destination, version,
	created_at, updated_at, closed_by, closed_at`

// PostgresStore persists trips in the trips table. Deductions, payments and
// attachments are JSONB documents; money columns are BIGINT paise.
type PostgresStore struct {
	Pool    *pgxpool.Pool
	timeout time.Duration
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool, timeout: 5 * time.Second}
}

func scanTrip(row pgx.Row) (Trip, error) {
	var (
		t                         Trip
		status                    string
		freight, advance, balance int64
		final                     *int64
		closed                    *time.Time
	)
	err := row.Scan(&t.ID, &t.LRNumber, &status, &t.IsBulk, &freight, &advance, &t.Deductions, &t.Payments,
		&t.Attachments, &balance, &final, &t.AgentID, &t.DriverPhone, &t.Origin, &t.Destination, &t.Version,
		&t.CreatedAt, &t.UpdatedAt, &t.ClosedBy, &closed)
	if err != nil {
		return Trip{}, err
	}
	t.Status = Status(status)
	t.Freight = money.FromMinor(freight)
	t.Advance = money.FromMinor(advance)
	t.Balance = money.FromMinor(balance)
	if final != nil {
		fb := money.FromMinor(*final)
		t.FinalBalance = &fb
	}
	t.ClosedAt = closedAt(closed)
	return t, nil
}

func finalMinor(t Trip) *int64 {
	if t.FinalBalance == nil {
		return nil
	}
	v := t.FinalBalance.Minor()
	return &v
}

func jsonSlices(t Trip) ([]Payment, []string) {
	payments, attachments := t.Payments, t.Attachments
	if payments == nil {
		payments = []Payment{}
	}
	if attachments == nil {
		attachments = []string{}
	}
	return payments, attachments
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Trip, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	t, err := scanTrip(s.Pool.QueryRow(queryCtx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Trip{}, apperr.NotFound("trip.get", "trip %s not found", id)
		}
		return Trip{}, apperr.Internal("trip.get", fmt.Errorf("trip: get: %w", err))
	}
	return t, nil
}

func (s *PostgresStore) Create(ctx context.Context, t Trip) (Trip, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	t.Version = 1
	payments, attachments := jsonSlices(t)
	err := postgres.WithSerializable(queryCtx, s.Pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(queryCtx, `
			SELECT EXISTS(
				SELECT 1 FROM trips
				WHERE lower(lr_number) = lower($1) OR lower(id) = lower($1)
				   OR lower(lr_number) = lower($2) OR id = $2
			)
		`, t.LRNumber, t.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check LR: %w", err)
		}
		if exists {
			return apperr.Conflict("trip.create", "LR number %s already exists", t.LRNumber)
		}
		_, err := tx.Exec(queryCtx, `
			INSERT INTO trips (`+tripColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		`, t.ID, t.LRNumber, string(t.Status), t.IsBulk, t.Freight.Minor(), t.Advance.Minor(), t.Deductions,
			payments, attachments, t.Balance.Minor(), finalMinor(t), t.AgentID, t.DriverPhone, t.Origin,
			t.Destination, t.Version, t.CreatedAt, t.UpdatedAt, t.ClosedBy, t.ClosedAt)
		return err
	})
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return Trip{}, apperr.Conflict("trip.create", "LR number %s already exists", t.LRNumber)
		}
		return Trip{}, apperr.Internal("trip.create", fmt.Errorf("trip: create: %w", err))
	}
	return t, nil
}

func (s *PostgresStore) Update(ctx context.Context, t Trip) (Trip, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	payments, attachments := jsonSlices(t)
	tag, err := s.Pool.Exec(queryCtx, `
		UPDATE trips SET
			status = $3, freight = $4, advance = $5, deductions = $6, payments = $7, attachments = $8,
			balance = $9, final_balance = $10, updated_at = $11, closed_by = $12, closed_at = $13,
			version = version + 1
		WHERE id = $1 AND version = $2
	`, t.ID, t.Version, string(t.Status), t.Freight.Minor(), t.Advance.Minor(), t.Deductions, payments,
		attachments, t.Balance.Minor(), finalMinor(t), t.UpdatedAt, t.ClosedBy, t.ClosedAt)
	if err != nil {
		return Trip{}, apperr.Internal("trip.update", fmt.Errorf("trip: update: %w", err))
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, t.ID); err != nil {
			return Trip{}, err
		}
		return Trip{}, apperr.Conflict("trip.update", "trip %s was modified concurrently", t.ID)
	}
	t.Version++
	return t, nil
}

func (s *PostgresStore) ExistsLR(ctx context.Context, lr string) (bool, error) {
	lr = strings.TrimSpace(lr)
	if lr == "" {
		return false, nil
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var exists bool
	err := s.Pool.QueryRow(queryCtx, `
		SELECT EXISTS(SELECT 1 FROM trips WHERE lower(lr_number) = lower($1) OR lower(id) = lower($1))
	`, lr).Scan(&exists)
	if err != nil {
		return false, apperr.Internal("trip.exists_lr", fmt.Errorf("trip: exists: %w", err))
	}
	return exists, nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]Trip, error) {
	var (
		where []string
		args  []any
	)
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	q := `SELECT ` + tripColumns + ` FROM trips`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	rows, err := s.Pool.Query(queryCtx, q, args...)
	if err != nil {
		return nil, apperr.Internal("trip.list", fmt.Errorf("trip: list: %w", err))
	}
	defer rows.Close()

	var out []Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, apperr.Internal("trip.list", fmt.Errorf("trip: scan: %w", err))
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PostgresHistory persists status transitions in trip_transitions. The
// (trip_id, seq) primary key rejects a second link at the same position.
type PostgresHistory struct {
	Pool    *pgxpool.Pool
	timeout time.Duration
}

func NewPostgresHistory(pool *pgxpool.Pool) *PostgresHistory {
	return &PostgresHistory{Pool: pool, timeout: 5 * time.Second}
}

func (h *PostgresHistory) AppendTransition(ctx context.Context, tr Transition) error {
	queryCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	_, err := h.Pool.Exec(queryCtx, `
		INSERT INTO trip_transitions (id, trip_id, seq, from_status, to_status, reason, actor, at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, tr.ID, tr.TripID, tr.Seq, string(tr.From), string(tr.To), tr.Reason, tr.Actor, tr.At, tr.PrevHash, tr.Hash)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return apperr.Conflict("trip.history", "trip %s already has a transition at seq %d", tr.TripID, tr.Seq)
		}
		return apperr.Internal("trip.history", fmt.Errorf("trip: append transition: %w", err))
	}
	return nil
}

func (h *PostgresHistory) Transitions(ctx context.Context, tripID string) ([]Transition, error) {
	queryCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	rows, err := h.Pool.Query(queryCtx, `
		SELECT id, trip_id, seq, from_status, to_status, reason, actor, at, prev_hash, hash
		FROM trip_transitions WHERE trip_id = $1 ORDER BY seq
	`, tripID)
	if err != nil {
		return nil, apperr.Internal("trip.history", fmt.Errorf("trip: transitions: %w", err))
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			tr       Transition
			from, to string
		)
		if err := rows.Scan(&tr.ID, &tr.TripID, &tr.Seq, &from, &to, &tr.Reason, &tr.Actor, &tr.At, &tr.PrevHash, &tr.Hash); err != nil {
			return nil, apperr.Internal("trip.history", fmt.Errorf("trip: scan transition: %w", err))
		}
		tr.From, tr.To = Status(from), Status(to)
		tr.At = tr.At.UTC()
		out = append(out, tr)
	}
	return out, rows.Err()
}

var _ HistoryStore = (*PostgresHistory)(nil)
