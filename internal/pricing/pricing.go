package pricing

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/chatforge/meterd/internal/config"
)

// Table resolves per-million-token rates for a model and computes event cost.
// Rates are read-mostly; Reload may swap them at runtime.
type Table struct {
	mu          sync.RWMutex
	models      map[string]rate
	defaultRate rate
}

type rate struct {
	input  decimal.Decimal
	output decimal.Decimal
}

var million = decimal.NewFromInt(1_000_000)

// New builds a pricing table from configuration.
func New(cfg config.PricingConfig) *Table {
	t := &Table{}
	t.Reload(cfg)
	return t
}

// Reload replaces the rate table.
func (t *Table) Reload(cfg config.PricingConfig) {
	models := make(map[string]rate, len(cfg.Models))
	for _, entry := range cfg.Models {
		models[normalize(entry.Model)] = rate{
			input:  decimal.NewFromFloat(entry.InputPerMTok),
			output: decimal.NewFromFloat(entry.OutputPerMTok),
		}
	}

	t.mu.Lock()
	t.models = models
	t.defaultRate = rate{
		input:  decimal.NewFromFloat(cfg.DefaultInputPerMTok),
		output: decimal.NewFromFloat(cfg.DefaultOutputPerMTok),
	}
	t.mu.Unlock()
}

// Cost returns the USD cost of an exchange. Unknown models fall back to the
// default rate; model matching is case-insensitive and tolerates version
// suffixes appended to a configured name.
func (t *Table) Cost(model string, tokensInput, tokensOutput int64) decimal.Decimal {
	r := t.rateFor(model)
	in := r.input.Mul(decimal.NewFromInt(tokensInput)).Div(million)
	out := r.output.Mul(decimal.NewFromInt(tokensOutput)).Div(million)
	total := in.Add(out)
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}

func (t *Table) rateFor(model string) rate {
	key := normalize(model)

	t.mu.RLock()
	defer t.mu.RUnlock()

	if r, ok := t.models[key]; ok {
		return r
	}
	for name, r := range t.models {
		if strings.HasPrefix(key, name) {
			return r
		}
	}
	return t.defaultRate
}

func normalize(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}
