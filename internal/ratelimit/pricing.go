package ratelimit

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mersea/llm-relay/internal/usage"
)

// ModelPrice is USD per million tokens for each token class.
type ModelPrice struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cacheRead"`
	CacheWrite float64 `json:"cacheWrite"`
}

// Pricing maps model patterns to prices. Patterns may end in "*" for a
// prefix match; the "default" entry catches everything else.
type Pricing map[string]ModelPrice

// DefaultPricing covers the models the relay fronts out of the box.
func DefaultPricing() Pricing {
	return Pricing{
		"claude-opus-*":      {Input: 15, Output: 75, CacheRead: 1.5, CacheWrite: 18.75},
		"claude-sonnet-*":    {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
		"claude-haiku-*":     {Input: 0.8, Output: 4, CacheRead: 0.08, CacheWrite: 1},
		"claude-3-5-haiku-*": {Input: 0.8, Output: 4, CacheRead: 0.08, CacheWrite: 1},
		"gemini-2.5-pro*":    {Input: 1.25, Output: 10},
		"gemini-2.5-flash*":  {Input: 0.3, Output: 2.5},
		"default":            {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
	}
}

// LoadPricing merges a JSON override onto the defaults. Entries in the
// override replace same-named defaults; everything else survives.
func LoadPricing(overrideJSON string) (Pricing, error) {
	p := DefaultPricing()
	if overrideJSON == "" {
		return p, nil
	}
	var override Pricing
	if err := json.Unmarshal([]byte(overrideJSON), &override); err != nil {
		return nil, fmt.Errorf("parse pricing table: %w", err)
	}
	for pattern, price := range override {
		p[pattern] = price
	}
	return p, nil
}

// Price resolves the model's price: exact match, then the longest
// wildcard prefix, then the default entry.
func (p Pricing) Price(model string) ModelPrice {
	model = strings.ToLower(model)
	if price, ok := p[model]; ok {
		return price
	}
	var best string
	var bestPrice ModelPrice
	for pattern, price := range p {
		if !strings.HasSuffix(pattern, "*") {
			continue
		}
		prefix := strings.TrimSuffix(pattern, "*")
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
			bestPrice = price
		}
	}
	if best != "" {
		return bestPrice
	}
	return p["default"]
}

// Cost prices a finished request in USD.
func (p Pricing) Cost(model string, tk usage.Tokens) float64 {
	price := p.Price(model)
	return float64(tk.Input)*price.Input/1e6 +
		float64(tk.Output)*price.Output/1e6 +
		float64(tk.CacheRead)*price.CacheRead/1e6 +
		float64(tk.CacheWrite)*price.CacheWrite/1e6
}
