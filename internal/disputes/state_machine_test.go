package disputes

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tripledger/internal/apperr"
	"github.com/example/tripledger/internal/money"
)

func TestDisputeTransitions(t *testing.T) {
	assert.NoError(t, CheckTransition("d1", StatusOpen, StatusResolved))
	assert.True(t, errors.Is(CheckTransition("d1", StatusResolved, StatusResolved), apperr.ErrConflict))
	assert.True(t, errors.Is(CheckTransition("d1", StatusResolved, StatusOpen), apperr.ErrConflict))
	assert.True(t, errors.Is(CheckTransition("d1", StatusOpen, StatusOpen), apperr.ErrInvalidState))
	assert.Empty(t, AllowedTransitions()[StatusResolved])
	assert.Equal(t, "Unknown status", StatusDescription("x"))
}

func TestValidateType(t *testing.T) {
	for _, in := range []string{"rate_difference", "Rate Difference", " rate-difference "} {
		info, err := ValidateType(in)
		require.NoError(t, err, in)
		assert.Equal(t, TypeRateDifference, info.Type)
		assert.True(t, info.RequiresAmount)
	}
	_, err := ValidateType("")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	_, err = ValidateType("chargeback")
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	types := Types()
	require.Len(t, types, 6)
	assert.Equal(t, TypeDamage, types[0].Type)
}

func TestValidateOpen(t *testing.T) {
	_, err := validateOpen(OpenInput{Type: "shortage"})
	assert.True(t, errors.Is(err, apperr.ErrValidation), "shortage needs an amount")

	_, err = validateOpen(OpenInput{Type: "delay", Amount: money.FromMinor(-1)})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = validateOpen(OpenInput{Type: "other"})
	assert.True(t, errors.Is(err, apperr.ErrValidation), "other needs a reason")

	info, err := validateOpen(OpenInput{Type: "delay"})
	require.NoError(t, err)
	assert.False(t, info.RequiresAmount)
}
