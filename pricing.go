package arbor

import "strings"

// modelPricing is per-token cost in USD.
type modelPricing struct {
	input       float64
	output      float64
	cachedInput float64
}

func perM(price float64) float64 { return price / 1_000_000.0 }

// pricingTable maps model-name prefixes to pricing, checked in order so
// more specific prefixes come first.
var pricingTable = []struct {
	prefix  string
	pricing modelPricing
}{
	{"claude-opus-4", modelPricing{perM(15.0), perM(75.0), perM(1.5)}},
	{"claude-sonnet-4", modelPricing{perM(3.0), perM(15.0), perM(0.30)}},
	{"claude-3-5-sonnet", modelPricing{perM(3.0), perM(15.0), perM(0.30)}},
	{"claude-haiku-4", modelPricing{perM(0.80), perM(4.0), perM(0.08)}},
	{"claude-3-5-haiku", modelPricing{perM(0.80), perM(4.0), perM(0.08)}},
	{"claude-3-opus", modelPricing{perM(15.0), perM(75.0), perM(1.5)}},
	{"claude-3-sonnet", modelPricing{perM(3.0), perM(15.0), perM(0.30)}},
	{"claude-3-haiku", modelPricing{perM(0.25), perM(1.25), perM(0.03)}},
	{"gpt-4o-mini", modelPricing{perM(0.15), perM(0.60), perM(0.075)}},
	{"gpt-4o", modelPricing{perM(2.50), perM(10.0), perM(1.25)}},
	{"gpt-4-turbo", modelPricing{perM(10.0), perM(30.0), perM(5.0)}},
	{"o3-mini", modelPricing{perM(1.10), perM(4.40), perM(0.55)}},
	{"o3", modelPricing{perM(10.0), perM(40.0), perM(5.0)}},
	{"o1-mini", modelPricing{perM(3.0), perM(12.0), perM(1.5)}},
	{"o1", modelPricing{perM(15.0), perM(60.0), perM(7.5)}},
	{"gemini-2.5-pro", modelPricing{perM(1.25), perM(10.0), perM(0.3125)}},
	{"gemini-2.0-pro", modelPricing{perM(1.25), perM(10.0), perM(0.3125)}},
	{"gemini-2.5-flash", modelPricing{perM(0.075), perM(0.30), perM(0.01875)}},
	{"gemini-2.0-flash", modelPricing{perM(0.075), perM(0.30), perM(0.01875)}},
	{"gemini-1.5-pro", modelPricing{perM(1.25), perM(5.0), perM(0.3125)}},
	{"gemini-1.5-flash", modelPricing{perM(0.075), perM(0.30), perM(0.01875)}},
	{"deepseek-chat", modelPricing{perM(0.27), perM(1.10), perM(0.07)}},
	{"deepseek-v3", modelPricing{perM(0.27), perM(1.10), perM(0.07)}},
	{"deepseek-reasoner", modelPricing{perM(0.55), perM(2.19), perM(0.14)}},
	{"deepseek-r1", modelPricing{perM(0.55), perM(2.19), perM(0.14)}},
}

// fallbackPricing is a conservative Sonnet-tier default for unknown models.
var fallbackPricing = modelPricing{perM(3.0), perM(15.0), perM(0.30)}

// lookupPricing matches on the model portion after the provider prefix, so
// "anthropic/claude-sonnet-4-20250514" and "claude-sonnet-4-20250514"
// resolve identically.
func lookupPricing(modelName string) modelPricing {
	model := modelName
	if idx := strings.LastIndex(modelName, "/"); idx >= 0 {
		model = modelName[idx+1:]
	}
	for _, entry := range pricingTable {
		if strings.HasPrefix(model, entry.prefix) {
			return entry.pricing
		}
	}
	return fallbackPricing
}

// EstimateCost estimates the USD cost of a completion. Cached input tokens
// are subtracted from input tokens and billed at the (lower) cached rate.
func EstimateCost(modelName string, usage Usage) float64 {
	pricing := lookupPricing(modelName)
	uncached := usage.InputTokens - usage.CachedInputTokens
	if uncached < 0 {
		uncached = 0
	}
	return float64(uncached)*pricing.input +
		float64(usage.OutputTokens)*pricing.output +
		float64(usage.CachedInputTokens)*pricing.cachedInput
}
