package nodes

import (
	"sort"
	"strings"
	"sync"
)

// ModelPricing holds a model's USD cost per one million tokens.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// defaultPricing is the conservative estimate used for unknown models.
var defaultPricing = ModelPricing{InputPerMillion: 1.00, OutputPerMillion: 3.00}

// modelPricing should be kept in sync with the model gateway's
// configured rates.
var modelPricing = map[string]ModelPricing{
	"llama-3.1-70b":     {InputPerMillion: 0.10, OutputPerMillion: 0.30},
	"llama-3.1-8b":      {InputPerMillion: 0.05, OutputPerMillion: 0.15},
	"gpt-4o":            {InputPerMillion: 2.50, OutputPerMillion: 10.00},
	"gpt-4o-mini":       {InputPerMillion: 0.15, OutputPerMillion: 0.60},
	"gpt-4-turbo":       {InputPerMillion: 10.00, OutputPerMillion: 30.00},
	"claude-3-5-sonnet": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-opus":     {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	"claude-3-haiku":    {InputPerMillion: 0.25, OutputPerMillion: 1.25},
}

var pricingKeys = sync.OnceValue(func() []string {
	keys := make([]string, 0, len(modelPricing))
	for key := range modelPricing {
		keys = append(keys, key)
	}
	// Longest first so "gpt-4o-mini-2024-07-18" matches gpt-4o-mini
	// rather than gpt-4o.
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
})

// PricingFor returns the pricing for a model. Lookup is case-insensitive
// and tolerates versioned names like "gpt-4o-2024-08-06" by substring
// match; unknown models get the conservative default.
func PricingFor(model string) ModelPricing {
	name := strings.ToLower(model)
	if pricing, ok := modelPricing[name]; ok {
		return pricing
	}
	for _, key := range pricingKeys() {
		if strings.Contains(name, key) {
			return modelPricing[key]
		}
	}
	return defaultPricing
}

// CostUSD computes the dollar cost of a call from its token usage.
func CostUSD(model string, usage Usage) float64 {
	pricing := PricingFor(model)
	input := float64(usage.InputTokens) * pricing.InputPerMillion
	output := float64(usage.OutputTokens) * pricing.OutputPerMillion
	return (input + output) / 1_000_000
}
