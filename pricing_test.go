package arbor

import (
	"math"
	"testing"
)

func TestEstimateCostClaudeSonnet(t *testing.T) {
	// 1000 input + 500 output tokens on claude-sonnet-4:
	// $3/M input + $15/M output = 0.003 + 0.0075 = 0.0105
	cost := EstimateCost("anthropic/claude-sonnet-4-20250514", Usage{InputTokens: 1000, OutputTokens: 500})
	if math.Abs(cost-0.0105) > 1e-10 {
		t.Errorf("cost = %v, want 0.0105", cost)
	}
}

func TestEstimateCostCachedTokensReduceCost(t *testing.T) {
	noCache := EstimateCost("anthropic/claude-sonnet-4-20250514", Usage{InputTokens: 1000, OutputTokens: 500})
	withCache := EstimateCost("anthropic/claude-sonnet-4-20250514", Usage{InputTokens: 1000, OutputTokens: 500, CachedInputTokens: 500})
	if withCache >= noCache {
		t.Errorf("cached cost %v should be below uncached %v", withCache, noCache)
	}
}

func TestEstimateCostUnknownModelUsesFallback(t *testing.T) {
	cost := EstimateCost("unknown-provider/mystery-model", Usage{InputTokens: 1000, OutputTokens: 500})
	if cost <= 0 {
		t.Errorf("unknown model cost = %v, want > 0", cost)
	}
	// Fallback is Sonnet-tier.
	sonnet := EstimateCost("claude-sonnet-4", Usage{InputTokens: 1000, OutputTokens: 500})
	if math.Abs(cost-sonnet) > 1e-10 {
		t.Errorf("fallback cost %v != sonnet cost %v", cost, sonnet)
	}
}

func TestEstimateCostCachedExceedsInput(t *testing.T) {
	// More cached than input tokens must not go negative.
	cost := EstimateCost("claude-sonnet-4", Usage{InputTokens: 100, OutputTokens: 0, CachedInputTokens: 500})
	if cost < 0 {
		t.Errorf("cost = %v, want >= 0", cost)
	}
}
