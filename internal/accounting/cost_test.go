package accounting

import "testing"

// TestCostKnownModel verifies the blended cost formula against a model with
// an explicit price-table entry.
func TestCostKnownModel(t *testing.T) {
	c := NewCostCalculator()

	got := c.Cost("gpt-4", 1_000_000, 1_000_000)
	want := 30.0 + 60.0
	if got != want {
		t.Fatalf("Cost(gpt-4, 1M, 1M) = %f, want %f", got, want)
	}
}

// TestCostUnknownModelFallsBackToDefault verifies that a model absent from
// the price table is billed at the default rate rather than zero.
func TestCostUnknownModelFallsBackToDefault(t *testing.T) {
	c := NewCostCalculator()

	got := c.Cost("some-future-model", 1_000_000, 1_000_000)
	want := defaultInputPricePerMillion + defaultOutputPricePerMillion
	if got != want {
		t.Fatalf("Cost(unknown) = %f, want default %f", got, want)
	}
}

// TestCostIsMonotonicInTokens verifies that cost never decreases as either
// token count grows, holding the other fixed.
func TestCostIsMonotonicInTokens(t *testing.T) {
	c := NewCostCalculator()

	base := c.Cost("gpt-4o", 1000, 1000)
	more := c.Cost("gpt-4o", 2000, 1000)
	if more < base {
		t.Fatalf("expected cost to rise with more prompt tokens: base=%f more=%f", base, more)
	}

	moreOut := c.Cost("gpt-4o", 1000, 2000)
	if moreOut < base {
		t.Fatalf("expected cost to rise with more completion tokens: base=%f moreOut=%f", base, moreOut)
	}
}

// TestEstimateMatchesCost verifies Estimate is a pure alias of Cost for the
// same inputs.
func TestEstimateMatchesCost(t *testing.T) {
	c := NewCostCalculator()

	if c.Estimate("claude-haiku-4-5-20251001", 500, 250) != c.Cost("claude-haiku-4-5-20251001", 500, 250) {
		t.Fatal("expected Estimate to equal Cost for identical inputs")
	}
}

// TestCheaperAlternativesExcludesTarget verifies the target model never
// appears in its own cheaper-alternatives list.
func TestCheaperAlternativesExcludesTarget(t *testing.T) {
	c := NewCostCalculator()

	alts := c.CheaperAlternatives("gpt-4")
	for _, m := range alts {
		if m == "gpt-4" {
			t.Fatal("expected target model excluded from its own alternatives list")
		}
	}
	if len(alts) == 0 {
		t.Fatal("expected at least one cheaper alternative to gpt-4, a relatively expensive model")
	}
}

// TestCheaperAlternativesSortedAscending verifies the result is sorted by
// blended price, cheapest first.
func TestCheaperAlternativesSortedAscending(t *testing.T) {
	c := NewCostCalculator()

	alts := c.CheaperAlternatives("gpt-4")
	for i := 1; i < len(alts); i++ {
		prev := c.priceFor(alts[i-1])
		cur := c.priceFor(alts[i])
		if prev.InputPerMillion+prev.OutputPerMillion > cur.InputPerMillion+cur.OutputPerMillion {
			t.Fatalf("expected ascending blended price, got %s before %s out of order", alts[i-1], alts[i])
		}
	}
}

// TestCheaperAlternativesCheapestModelHasNone verifies that the cheapest
// model in the table has no cheaper alternative below the discount factor.
func TestCheaperAlternativesCheapestModelHasNone(t *testing.T) {
	c := NewCostCalculator()

	alts := c.CheaperAlternatives("gemini-2.0-flash-lite")
	if len(alts) != 0 {
		t.Fatalf("expected no cheaper alternative to the cheapest model, got %v", alts)
	}
}
