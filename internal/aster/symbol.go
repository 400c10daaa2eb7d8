package aster

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// RoundDownToStep floors value to a multiple of step and formats it with
// step's precision. Order quantities must never round up: an oversized leg
// is worse than an undersized one.
func RoundDownToStep(value decimal.Decimal, step string) (string, error) {
	st, err := decimal.NewFromString(step)
	if err != nil {
		return "", fmt.Errorf("parse step %q: %w", step, err)
	}
	if st.Sign() <= 0 {
		return "", fmt.Errorf("non-positive step %q", step)
	}
	floored := value.Div(st).Floor().Mul(st)
	return floored.StringFixed(stepDecimals(st)), nil
}

// QuantityForNotional converts a notional amount into a base quantity at
// price, rounded down to the symbol's step. A result below one step means
// the configured notional cannot buy a single step at this price and is a
// sizing error, caught before any network call.
func (s Symbol) QuantityForNotional(notional decimal.Decimal, price string) (string, error) {
	px, err := decimal.NewFromString(price)
	if err != nil {
		return "", fmt.Errorf("parse price %q: %w", price, err)
	}
	if px.Sign() <= 0 {
		return "", fmt.Errorf("non-positive price %q", price)
	}
	qty, err := RoundDownToStep(notional.Div(px), s.StepSize)
	if err != nil {
		return "", err
	}
	q, _ := decimal.NewFromString(qty)
	st, _ := decimal.NewFromString(s.StepSize)
	if q.Cmp(st) < 0 {
		return "", fmt.Errorf("symbol %s: notional %s at price %s yields %s, below one step %s",
			s.Symbol, notional.String(), price, qty, s.StepSize)
	}
	return qty, nil
}

// stepDecimals derives display precision from the step with trailing zeros
// trimmed: a "0.00100000" step means 3 decimals, not 8.
func stepDecimals(st decimal.Decimal) int32 {
	s := st.String()
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return int32(len(s) - i - 1)
	}
	return 0
}
