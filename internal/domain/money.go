package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// DefaultCurrency is used when configuration does not provide one.
const DefaultCurrency = "INR"

// ErrInvalidCurrency indicates a currency code that is not an ISO 4217 code.
var ErrInvalidCurrency = errors.New("domain: invalid currency code")

// NormalizeCurrency upper-cases and validates an ISO 4217 code.
func NormalizeCurrency(code string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(code))
	if trimmed == "" {
		return "", ErrInvalidCurrency
	}
	unit, err := currency.ParseISO(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidCurrency, trimmed)
	}
	return unit.String(), nil
}

// CurrencyScale returns the number of minor-unit digits for the currency.
func CurrencyScale(code string) (int32, error) {
	normalized, err := NormalizeCurrency(code)
	if err != nil {
		return 0, err
	}
	unit := currency.MustParseISO(normalized)
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale), nil
}

// ToMinorUnits converts a decimal amount into the integer minor units expected by gateways.
func ToMinorUnits(amount decimal.Decimal, code string) (int64, error) {
	scale, err := CurrencyScale(code)
	if err != nil {
		return 0, err
	}
	return amount.Shift(scale).Round(0).IntPart(), nil
}

// FromMinorUnits converts integer minor units back into a decimal amount.
func FromMinorUnits(minor int64, code string) (decimal.Decimal, error) {
	scale, err := CurrencyScale(code)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.New(minor, -scale), nil
}

// RoundAmount rounds the amount to the currency's standard scale.
func RoundAmount(amount decimal.Decimal, code string) decimal.Decimal {
	scale, err := CurrencyScale(code)
	if err != nil {
		return amount.Round(2)
	}
	return amount.Round(scale)
}
