package meter

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestMicrosRoundHalfEven(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"0.0000005", 0}, // ties round to even
		{"0.0000015", 2},
		{"0.0000025", 2},
		{"1.234567", 1_234_567},
		{"0.000001", 1},
		{"3.5", 3_500_000},
	}

	for _, tt := range tests {
		d, err := decimal.NewFromString(tt.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tt.in, err)
		}
		if got := MicrosFromDecimal(d); got != tt.want {
			t.Errorf("MicrosFromDecimal(%s): want %d, got %d", tt.in, tt.want, got)
		}
	}
}

func TestMicrosRoundTrip(t *testing.T) {
	usd := decimal.RequireFromString("12.345678")
	micros := MicrosFromDecimal(usd)
	if micros != 12_345_678 {
		t.Fatalf("want 12345678 micros, got %d", micros)
	}
	if back := DecimalFromMicros(micros); !back.Equal(usd) {
		t.Fatalf("round trip mismatch: %s != %s", back, usd)
	}
	if f := USDFromMicros(micros); f != 12.345678 {
		t.Fatalf("float render mismatch: %v", f)
	}
}

func TestMicrosFromUSD(t *testing.T) {
	if got := MicrosFromUSD(9.5); got != 9_500_000 {
		t.Fatalf("want 9500000, got %d", got)
	}
	if got := MicrosFromUSD(0); got != 0 {
		t.Fatalf("want 0, got %d", got)
	}
}
