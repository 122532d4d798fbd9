package meter

import "github.com/shopspring/decimal"

// Costs are tracked in integer micro-USD. Rounding is half-even at the sixth
// decimal place so high call volumes do not drift in either direction.

const microsPerUSD = 1_000_000

var microsFactor = decimal.NewFromInt(microsPerUSD)

// MicrosFromDecimal converts a USD amount to micro-units.
func MicrosFromDecimal(usd decimal.Decimal) int64 {
	return usd.RoundBank(6).Mul(microsFactor).IntPart()
}

// DecimalFromMicros converts micro-units back to a USD decimal.
func DecimalFromMicros(micros int64) decimal.Decimal {
	return decimal.NewFromInt(micros).Div(microsFactor)
}

// USDFromMicros renders micro-units as a float64 for JSON payloads.
func USDFromMicros(micros int64) float64 {
	f, _ := DecimalFromMicros(micros).Float64()
	return f
}

// MicrosFromUSD converts a float64 USD amount (e.g. a configured budget) to
// micro-units via decimal to avoid binary float drift.
func MicrosFromUSD(usd float64) int64 {
	return MicrosFromDecimal(decimal.NewFromFloat(usd))
}
