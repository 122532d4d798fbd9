package meter

import "github.com/shopspring/decimal"

// Level classifies accumulated cost against a budget ceiling.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelHigh     Level = "high"
	LevelExceeded Level = "exceeded"
)

// Thresholds are the fractional cut-offs for the High and Exceeded tiers.
type Thresholds struct {
	High  float64
	Limit float64
}

// DefaultThresholds matches the UI tiers: 80% warns, 95% is treated as the
// limit.
var DefaultThresholds = Thresholds{High: 0.80, Limit: 0.95}

// Classification is the budget posture for one scope.
type Classification struct {
	Level Level
	// Ratio is used/limit, unclamped, so callers can report how far over a
	// budget a user is. Zero when no budget is configured.
	Ratio decimal.Decimal
	// PercentUsed is the display percentage, clamped to [0, 100].
	PercentUsed float64
	// RemainingMicros is max(0, limit-used); zero when no budget is configured.
	RemainingMicros int64
}

// Classify evaluates used cost against a ceiling. A zero or negative limit
// means no budget is configured: the level is Normal and the percentage is 0.
func Classify(usedMicros, limitMicros int64, th Thresholds) Classification {
	if th.High <= 0 || th.Limit <= 0 {
		th = DefaultThresholds
	}
	if limitMicros <= 0 {
		return Classification{Level: LevelNormal, Ratio: decimal.Zero}
	}

	ratio := decimal.NewFromInt(usedMicros).Div(decimal.NewFromInt(limitMicros))

	level := LevelNormal
	switch {
	case ratio.GreaterThanOrEqual(decimal.NewFromFloat(th.Limit)):
		level = LevelExceeded
	case ratio.GreaterThanOrEqual(decimal.NewFromFloat(th.High)):
		level = LevelHigh
	}

	display := ratio
	if display.GreaterThan(decimal.NewFromInt(1)) {
		display = decimal.NewFromInt(1)
	}
	if display.IsNegative() {
		display = decimal.Zero
	}
	percent, _ := display.Mul(decimal.NewFromInt(100)).Float64()

	remaining := limitMicros - usedMicros
	if remaining < 0 {
		remaining = 0
	}

	return Classification{
		Level:           level,
		Ratio:           ratio,
		PercentUsed:     percent,
		RemainingMicros: remaining,
	}
}
