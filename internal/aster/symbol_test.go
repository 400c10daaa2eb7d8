package aster

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestRoundDownToStep(t *testing.T) {
	cases := []struct {
		value string
		step  string
		want  string
	}{
		{"1.23456", "0.001", "1.234"},
		{"1.9999", "0.001", "1.999"},
		{"2", "0.001", "2.000"},
		{"0.0009", "0.001", "0.000"},
		{"153.7", "1", "153"},
		{"0.123456789", "0.00100000", "0.123"},
	}
	for _, tc := range cases {
		v, err := decimal.NewFromString(tc.value)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.value, err)
		}
		got, err := RoundDownToStep(v, tc.step)
		if err != nil {
			t.Fatalf("RoundDownToStep(%s, %s): %v", tc.value, tc.step, err)
		}
		if got != tc.want {
			t.Fatalf("RoundDownToStep(%s, %s) = %q, want %q", tc.value, tc.step, got, tc.want)
		}
	}
}

func TestRoundDownToStepRejectsBadStep(t *testing.T) {
	v := decimal.NewFromInt(1)
	if _, err := RoundDownToStep(v, "0"); err == nil {
		t.Fatal("expected error for zero step")
	}
	if _, err := RoundDownToStep(v, "abc"); err == nil {
		t.Fatal("expected error for unparseable step")
	}
}

func TestQuantityForNotional(t *testing.T) {
	sym := Symbol{Symbol: "BTCUSDT", TickSize: "0.10", StepSize: "0.001"}

	got, err := sym.QuantityForNotional(decimal.NewFromInt(100), "50000")
	if err != nil {
		t.Fatalf("QuantityForNotional: %v", err)
	}
	if got != "0.002" {
		t.Fatalf("quantity = %q, want 0.002", got)
	}
}

func TestQuantityForNotionalBelowOneStep(t *testing.T) {
	sym := Symbol{Symbol: "BTCUSDT", TickSize: "0.10", StepSize: "0.001"}

	_, err := sym.QuantityForNotional(decimal.NewFromInt(10), "50000")
	if err == nil {
		t.Fatal("expected sizing error below one step")
	}
	if !strings.Contains(err.Error(), "below one step") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestQuantityForNotionalBadPrice(t *testing.T) {
	sym := Symbol{Symbol: "ETHUSDT", TickSize: "0.01", StepSize: "0.01"}
	if _, err := sym.QuantityForNotional(decimal.NewFromInt(100), "0"); err == nil {
		t.Fatal("expected error for zero price")
	}
}
