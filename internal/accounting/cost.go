// Package accounting computes per-request cost and persists the resulting
// usage ledger, wiring the health tracker and rate-limit TPM dimension in as
// side effects of a completed call.
package accounting

import "github.com/inferxgate/gateway/internal/providers"

// Price is the per-million-token input/output cost for one model.
type Price struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

const (
	defaultInputPricePerMillion  = 2.0
	defaultOutputPricePerMillion = 6.0
	million                      = 1_000_000.0
)

// priceTable holds a representative price per recognized model. Models not
// listed fall back to defaultInputPricePerMillion/defaultOutputPricePerMillion.
var priceTable = map[string]Price{
	"claude-sonnet-4-5-20250929": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
	"claude-haiku-4-5-20251001":  {InputPerMillion: 1.0, OutputPerMillion: 5.0},
	"claude-opus-4-1-20250805":   {InputPerMillion: 15.0, OutputPerMillion: 75.0},
	"claude-3-haiku-20240307":    {InputPerMillion: 0.25, OutputPerMillion: 1.25},

	"gemini-2.5-pro":          {InputPerMillion: 1.25, OutputPerMillion: 10.0},
	"gemini-2.5-flash":        {InputPerMillion: 0.3, OutputPerMillion: 2.5},
	"gemini-2.5-flash-lite":   {InputPerMillion: 0.1, OutputPerMillion: 0.4},
	"gemini-2.5-flash-image":  {InputPerMillion: 0.3, OutputPerMillion: 2.5},
	"gemini-2.0-flash":        {InputPerMillion: 0.1, OutputPerMillion: 0.4},
	"gemini-2.0-flash-lite":   {InputPerMillion: 0.075, OutputPerMillion: 0.3},

	"gpt-5":                {InputPerMillion: 5.0, OutputPerMillion: 15.0},
	"gpt-5-mini":           {InputPerMillion: 1.0, OutputPerMillion: 4.0},
	"gpt-5-nano":           {InputPerMillion: 0.2, OutputPerMillion: 0.8},
	"gpt-5-chat":           {InputPerMillion: 5.0, OutputPerMillion: 15.0},
	"gpt-4.1":              {InputPerMillion: 2.0, OutputPerMillion: 8.0},
	"gpt-4-turbo":          {InputPerMillion: 10.0, OutputPerMillion: 30.0},
	"gpt-4":                {InputPerMillion: 30.0, OutputPerMillion: 60.0},
	"gpt-4-turbo-preview":  {InputPerMillion: 10.0, OutputPerMillion: 30.0},
	"gpt-4-vision-preview": {InputPerMillion: 10.0, OutputPerMillion: 30.0},

	"azure-gpt-4o":         {InputPerMillion: 5.0, OutputPerMillion: 15.0},
	"azure-gpt-4o-mini":    {InputPerMillion: 0.15, OutputPerMillion: 0.6},
	"azure-gpt-4-turbo":    {InputPerMillion: 10.0, OutputPerMillion: 30.0},
	"azure-gpt-4":          {InputPerMillion: 30.0, OutputPerMillion: 60.0},
	"azure-gpt-35-turbo":   {InputPerMillion: 0.5, OutputPerMillion: 1.5},
}

// CostCalculator computes request cost from the fixed, in-memory price table.
type CostCalculator struct {
	prices map[string]Price
}

// NewCostCalculator builds a CostCalculator over the built-in price table.
func NewCostCalculator() *CostCalculator {
	return &CostCalculator{prices: priceTable}
}

func (c *CostCalculator) priceFor(model string) Price {
	if p, ok := c.prices[model]; ok {
		return p
	}
	return Price{InputPerMillion: defaultInputPricePerMillion, OutputPerMillion: defaultOutputPricePerMillion}
}

// Cost computes the USD cost of a completion with the given token counts.
func (c *CostCalculator) Cost(model string, promptTokens, completionTokens int) float64 {
	p := c.priceFor(model)
	return (float64(promptTokens)*p.InputPerMillion + float64(completionTokens)*p.OutputPerMillion) / million
}

// Estimate projects the cost of a hypothetical request before it is sent,
// using the same price table as Cost.
func (c *CostCalculator) Estimate(model string, estimatedPromptTokens, estimatedCompletionTokens int) float64 {
	return c.Cost(model, estimatedPromptTokens, estimatedCompletionTokens)
}

const cheaperAlternativeFactor = 0.7

// CheaperAlternatives returns every recognized model whose blended price is
// at or below cheaperAlternativeFactor times the target model's, excluding
// the target itself, cheapest first.
func (c *CostCalculator) CheaperAlternatives(model string) []string {
	target := c.priceFor(model)
	targetBlended := target.InputPerMillion + target.OutputPerMillion
	if targetBlended == 0 {
		return nil
	}

	type candidate struct {
		model   string
		blended float64
	}
	var candidates []candidate
	for _, tag := range providers.ProviderTags {
		for _, m := range providers.PrimaryModels[tag] {
			if m == model {
				continue
			}
			p := c.priceFor(m)
			blended := p.InputPerMillion + p.OutputPerMillion
			if blended <= targetBlended*cheaperAlternativeFactor {
				candidates = append(candidates, candidate{model: m, blended: blended})
			}
		}
	}

	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j-1].blended > candidates[j].blended; j-- {
			candidates[j-1], candidates[j] = candidates[j], candidates[j-1]
		}
	}

	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.model
	}
	return out
}
