package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoneyToDecimal(t *testing.T) {
	m := NewMoney(500_000_000, "USD")
	assert.Equal(t, "500", m.ToDecimal().String())

	m = NewMoney(1_234_567, "USD")
	assert.Equal(t, "1.234567", m.ToDecimal().String())
}

func TestFromDecimal(t *testing.T) {
	d, err := decimal.NewFromString("499.999999")
	require.NoError(t, err)
	assert.Equal(t, int64(499_999_999), FromDecimal(d))

	// Sub-micro precision truncates toward zero.
	d, err = decimal.NewFromString("0.0000019")
	require.NoError(t, err)
	assert.Equal(t, int64(1), FromDecimal(d))
}

func TestMoneyConvert(t *testing.T) {
	m := NewMoney(500_000_000, "USD")
	rate, err := decimal.NewFromString("83.50")
	require.NoError(t, err)

	converted := m.Convert("INR", rate)
	assert.Equal(t, "INR", converted.Currency)
	assert.Equal(t, int64(41_750_000_000), converted.Amount)
}

func TestMoneyConvertRoundsDown(t *testing.T) {
	m := NewMoney(1, "USD") // one micro
	rate, err := decimal.NewFromString("0.5")
	require.NoError(t, err)

	converted := m.Convert("EUR", rate)
	assert.Equal(t, int64(0), converted.Amount)
}

func TestMoneySpreadFee(t *testing.T) {
	m := NewMoney(500_000_000, "USD")
	fee := m.SpreadFee(50)
	assert.Equal(t, int64(2_500_000), fee.Amount)
	assert.Equal(t, "USD", fee.Currency)

	assert.Equal(t, int64(0), m.SpreadFee(0).Amount)
}

func TestMoneyString(t *testing.T) {
	assert.Equal(t, "500.00 USD", NewMoney(500_000_000, "USD").String())
	assert.Equal(t, "0.50 EUR", NewMoney(500_000, "EUR").String())
}
