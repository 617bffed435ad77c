// Package agents holds the agent directory collaborator consumed by the engine.
package agents

import (
	"context"
	"strings"
	"sync"

	"github.com/example/tripledger/internal/apperr"
)

// Role is the business role of a user acting on trips.
type Role string

const (
	RoleAgent   Role = "Agent"
	RoleFinance Role = "Finance"
	RoleAdmin   Role = "Admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAgent, RoleFinance, RoleAdmin:
		return true
	}
	return false
}

// CanForceClose reports whether the role may close a trip with a non-zero settlement.
func (r Role) CanForceClose() bool {
	return r == RoleFinance || r == RoleAdmin
}

// ParseRole accepts role names case-insensitively.
func ParseRole(s string) (Role, error) {
	for _, r := range []Role{RoleAgent, RoleFinance, RoleAdmin} {
		if strings.EqualFold(s, string(r)) {
			return r, nil
		}
	}
	return "", apperr.Validation("agents.role", "unknown role %q", s)
}

// Agent is a directory record. Every authenticated actor is an Agent record,
// including Finance and Admin users.
type Agent struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
	Branch string `json:"branch,omitempty"`
}

// Directory resolves agents by id.
type Directory interface {
	FindAgent(ctx context.Context, id string) (Agent, error)
}

// MemoryDirectory is an in-process Directory.
type MemoryDirectory struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

func NewMemoryDirectory(seed ...Agent) *MemoryDirectory {
	d := &MemoryDirectory{agents: make(map[string]Agent, len(seed))}
	for _, a := range seed {
		d.agents[a.ID] = a
	}
	return d
}

func (d *MemoryDirectory) Put(a Agent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[a.ID] = a
}

func (d *MemoryDirectory) FindAgent(_ context.Context, id string) (Agent, error) {
	if strings.TrimSpace(id) == "" {
		return Agent{}, apperr.Validation("agents.find", "agent id is required")
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[id]
	if !ok {
		return Agent{}, apperr.NotFound("agents.find", "agent %s not found", id)
	}
	return a, nil
}
