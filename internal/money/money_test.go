package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  Money
	}{
		{"1500", 150000},
		{"1500.5", 150050},
		{"0.01", 1},
		{"-20.25", -2025},
		{" 7 ", 700},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRejectsSubPaise(t *testing.T) {
	_, err := Parse("10.005")
	require.ErrorIs(t, err, ErrTooPrecise)

	_, err = Parse("")
	require.Error(t, err)

	_, err = Parse("abc")
	require.Error(t, err)
}

func TestFromDecimalOverflow(t *testing.T) {
	_, err := FromDecimal(decimal.New(1, 17))
	require.ErrorIs(t, err, ErrOverflow)
}

func TestRepeatedAdditionHasNoDrift(t *testing.T) {
	var total Money
	tenth := MustParse("0.10")
	for i := 0; i < 1000; i++ {
		total = total.Add(tenth)
	}
	assert.Equal(t, FromMajor(100), total)
	assert.Equal(t, "100.00", total.String())
}

func TestAbsAndSign(t *testing.T) {
	assert.Equal(t, Money(250), Money(-250).Abs())
	assert.Equal(t, -1, Money(-1).Sign())
	assert.Equal(t, 0, Zero.Sign())
	assert.Equal(t, 1, Money(3).Sign())
	assert.Equal(t, Money(600), Sum(100, 200, 300))
}

func TestJSON(t *testing.T) {
	type payload struct {
		Amount Money `json:"amount"`
	}

	b, err := json.Marshal(payload{Amount: MustParse("1500.25")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount": 1500.25}`, string(b))

	var fromNumber payload
	require.NoError(t, json.Unmarshal([]byte(`{"amount": 99.9}`), &fromNumber))
	assert.Equal(t, Money(9990), fromNumber.Amount)

	var fromString payload
	require.NoError(t, json.Unmarshal([]byte(`{"amount": "12"}`), &fromString))
	assert.Equal(t, Money(1200), fromString.Amount)

	var bad payload
	require.Error(t, json.Unmarshal([]byte(`{"amount": 1.234}`), &bad))
}
