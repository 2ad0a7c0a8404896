package fixed

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestFloor_IdempotentAndNeverAbove(t *testing.T) {
	cases := []string{
		"0.123456789",
		"0.99999999999",
		"1.000000009",
		"12345.678901234",
		"-0.123456789",
		"0.1",
		"0",
	}
	for _, raw := range cases {
		x := decimal.RequireFromString(raw)
		f := Floor(x)
		if !Floor(f).Equal(f) {
			t.Errorf("floor not idempotent for %s", raw)
		}
		if x.Sign() >= 0 && f.GreaterThan(x) {
			t.Errorf("floor(%s)=%s exceeds input", raw, f)
		}
		if x.Sign() < 0 && f.LessThan(x) {
			t.Errorf("floor(%s)=%s not truncated toward zero", raw, f)
		}
		if f.Exponent() < -Precision {
			t.Errorf("floor(%s)=%s has more than 8 digits", raw, f)
		}
	}
}

func TestFloorDiv_Truncates(t *testing.T) {
	got, err := FloorDiv(decimal.NewFromInt(2), decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("FloorDiv returned error: %v", err)
	}
	if want := decimal.RequireFromString("0.66666666"); !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}

	got, err = FloorDiv(decimal.NewFromInt(700), decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("FloorDiv returned error: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("0.7")) {
		t.Fatalf("expected 0.7, got %s", got)
	}

	if _, err := FloorDiv(decimal.NewFromInt(1), decimal.Zero); err == nil {
		t.Fatalf("expected division by zero error")
	}
}

func TestFloorDivTo_OneDecimal(t *testing.T) {
	got, err := FloorDivTo(decimal.RequireFromString("10.99"), decimal.NewFromInt(1), 1)
	if err != nil {
		t.Fatalf("FloorDivTo returned error: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("10.9")) {
		t.Fatalf("expected 10.9, got %s", got)
	}
}

func TestFromFloat_DoesNotRoundUp(t *testing.T) {
	got := FromFloat(0.1 + 0.2)
	if got.GreaterThan(decimal.RequireFromString("0.30000001")) {
		t.Fatalf("unexpected value %s", got)
	}
	if !FromFloatPtr(nil).IsZero() {
		t.Fatalf("expected zero for nil pointer")
	}
}
