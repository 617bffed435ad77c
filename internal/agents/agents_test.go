package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tripledger/internal/apperr"
)

func TestMemoryDirectory(t *testing.T) {
	d := NewMemoryDirectory(Agent{ID: "a1", Name: "Ravi", Role: RoleAgent, Branch: "Pune"})

	a, err := d.FindAgent(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "Ravi", a.Name)

	_, err = d.FindAgent(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = d.FindAgent(context.Background(), "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("finance")
	require.NoError(t, err)
	assert.Equal(t, RoleFinance, r)
	assert.True(t, r.CanForceClose())
	assert.False(t, RoleAgent.CanForceClose())

	_, err = ParseRole("driver")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
