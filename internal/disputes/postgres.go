package disputes

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

const disputeColumns = `id, trip_id, lr_number, agent_id, type, reason, amount, status,
	created_by, created_at, resolved_by, resolved_at, resolution, corrections`

// PostgresStore persists disputes. A partial unique index on trip_id keeps at
// most one Open dispute per trip.
type PostgresStore struct {
	Pool    *pgxpool.Pool
	timeout time.Duration
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool, timeout: 5 * time.Second}
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var (
		d           Dispute
		typ, status string
		amount      int64
		resolvedAt  *time.Time
	)
	err := row.Scan(&d.ID, &d.TripID, &d.LRNumber, &d.AgentID, &typ, &d.Reason, &amount, &status,
		&d.CreatedBy, &d.CreatedAt, &d.ResolvedBy, &resolvedAt, &d.Resolution, &d.Corrections)
	if err != nil {
		return Dispute{}, err
	}
	d.Type = Type(typ)
	d.Status = Status(status)
	d.Amount = money.FromMinor(amount)
	d.ResolvedAt = resolvedAt
	return d, nil
}

func corrections(d Dispute) []Delta {
	if d.Corrections == nil {
		return []Delta{}
	}
	return d.Corrections
}

func (s *PostgresStore) FindOpen(ctx context.Context, tripID string) (Dispute, bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	d, err := scanDispute(s.Pool.QueryRow(queryCtx,
		`SELECT `+disputeColumns+` FROM disputes WHERE trip_id = $1 AND status = 'Open'`, tripID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, false, nil
		}
		return Dispute{}, false, apperr.Internal("dispute.find_open", fmt.Errorf("dispute: find open: %w", err))
	}
	return d, true, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Dispute, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	d, err := scanDispute(s.Pool.QueryRow(queryCtx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, apperr.NotFound("dispute.get", "dispute %s not found", id)
		}
		return Dispute{}, apperr.Internal("dispute.get", fmt.Errorf("dispute: get: %w", err))
	}
	return d, nil
}

func (s *PostgresStore) Create(ctx context.Context, d Dispute) (Dispute, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.Pool.Exec(queryCtx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, d.ID, d.TripID, d.LRNumber, d.AgentID, string(d.Type), d.Reason, d.Amount.Minor(), string(d.Status),
		d.CreatedBy, d.CreatedAt, d.ResolvedBy, d.ResolvedAt, d.Resolution, corrections(d))
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return Dispute{}, apperr.Conflict("dispute.create", "trip %s already has an open dispute", d.TripID)
		}
		return Dispute{}, apperr.Internal("dispute.create", fmt.Errorf("dispute: create: %w", err))
	}
	return d, nil
}

func (s *PostgresStore) Update(ctx context.Context, d Dispute) (Dispute, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	tag, err := s.Pool.Exec(queryCtx, `
		UPDATE disputes
		SET status = $2, reason = $3, amount = $4, resolved_by = $5, resolved_at = $6, resolution = $7,
			corrections = $8
		WHERE id = $1
	`, d.ID, string(d.Status), d.Reason, d.Amount.Minor(), d.ResolvedBy, d.ResolvedAt, d.Resolution, corrections(d))
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return Dispute{}, apperr.Conflict("dispute.update", "trip %s already has an open dispute", d.TripID)
		}
		return Dispute{}, apperr.Internal("dispute.update", fmt.Errorf("dispute: update: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return Dispute{}, apperr.NotFound("dispute.update", "dispute %s not found", d.ID)
	}
	return d, nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]Dispute, error) {
	var (
		where []string
		args  []any
	)
	if f.TripID != "" {
		args = append(args, f.TripID)
		where = append(where, fmt.Sprintf("trip_id = $%d", len(args)))
	}
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	q := `SELECT ` + disputeColumns + ` FROM disputes`
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
		return nil, apperr.Internal("dispute.list", fmt.Errorf("dispute: list: %w", err))
	}
	defer rows.Close()

	out := make([]Dispute, 0, 8)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, apperr.Internal("dispute.list", fmt.Errorf("dispute: scan: %w", err))
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("dispute.list", fmt.Errorf("dispute: iterate: %w", err))
	}
	return out, nil
}
