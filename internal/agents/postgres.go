package agents

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/tripledger/internal/apperr"
)

// PostgresDirectory reads agents from the agents table.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

func (d *PostgresDirectory) FindAgent(ctx context.Context, id string) (Agent, error) {
	if id == "" {
		return Agent{}, apperr.Validation("agents.find", "agent id is required")
	}

	var a Agent
	var role string
	err := d.pool.QueryRow(ctx, `
		SELECT id, name, role, branch
		FROM agents
		WHERE id = $1
	`, id).Scan(&a.ID, &a.Name, &role, &a.Branch)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, apperr.NotFound("agents.find", "agent %s not found", id)
		}
		return Agent{}, apperr.Internal("agents.find", fmt.Errorf("agents: find: %w", err))
	}
	a.Role = Role(role)
	return a, nil
}

// Upsert inserts or replaces an agent record.
func (d *PostgresDirectory) Upsert(ctx context.Context, a Agent) error {
	if !a.Role.Valid() {
		return apperr.Validation("agents.upsert", "unknown role %q", a.Role)
	}
	_, err := d.pool.Exec(ctx, `
		INSERT INTO agents (id, name, role, branch)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, role = EXCLUDED.role, branch = EXCLUDED.branch
	`, a.ID, a.Name, string(a.Role), a.Branch)
	if err != nil {
		return apperr.Internal("agents.upsert", fmt.Errorf("agents: upsert: %w", err))
	}
	return nil
}
