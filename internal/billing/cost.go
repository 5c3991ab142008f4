// Package billing implements spec §4.5's billing engine: cost calculation,
// payer resolution, the client/server funding-source agreement check, and
// Redis-backed speculative reservations.
package billing

import (
	"vaultchat/internal/money"
)

// PricingMode selects which of the three cost-calculation paths of spec
// §4.5 applies to a completed (or estimated) LLM call.
type PricingMode string

const (
	// PricingAuthoritative uses exact provider usage data plus the
	// provider fee percentage — the path used whenever the LLM response
	// carries real usage accounting.
	PricingAuthoritative PricingMode = "authoritative"
	// PricingDevEstimate estimates cost from character counts, for
	// dev/test mode where no real provider usage data exists.
	PricingDevEstimate PricingMode = "dev_estimate"
	// PricingTokenFallback estimates cost by token counts when neither
	// authoritative usage data nor dev mode applies.
	PricingTokenFallback PricingMode = "token_fallback"
)

// ModelPricing carries the per-token (or per-character, for dev estimate)
// rates for one model, loaded from the pricing table named in config.
type ModelPricing struct {
	Model                 string
	InputPricePerToken    money.Amount
	OutputPricePerToken   money.Amount
	CharsPerTokenEstimate float64 // used only by PricingDevEstimate
}

// Calculator computes message cost per spec §4.5's three pricing paths,
// always clamping counted/estimated completion tokens to at least
// minimumOutputTokens and, for the authoritative path, applying
// providerFeePercent on top of raw provider cost.
type Calculator struct {
	providerFeePercent  float64
	minimumOutputTokens int
}

// NewCalculator constructs a Calculator from the configured provider fee
// (e.g. 0.15 for 15%) and minimum output token clamp.
func NewCalculator(providerFeePercent float64, minimumOutputTokens int) *Calculator {
	return &Calculator{providerFeePercent: providerFeePercent, minimumOutputTokens: minimumOutputTokens}
}

func (c *Calculator) clampOutputTokens(tokens int) int {
	if tokens < c.minimumOutputTokens {
		return c.minimumOutputTokens
	}
	return tokens
}

// CalculateAuthoritative implements the first pricing path: exact pricing
// from real provider usage data, inflated by the provider fee.
func (c *Calculator) CalculateAuthoritative(pricing ModelPricing, inputTokens, outputTokens int) money.Amount {
	outputTokens = c.clampOutputTokens(outputTokens)
	raw := pricing.InputPricePerToken.MulRatio(int64(inputTokens), 1).
		Add(pricing.OutputPricePerToken.MulRatio(int64(outputTokens), 1))
	feeMultiplierBasisPoints := int64((1 + c.providerFeePercent) * 10000)
	return raw.MulRatio(feeMultiplierBasisPoints, 10000)
}

// CalculateDevEstimate implements the second pricing path: estimate tokens
// from character counts (no provider fee applied, since no real charge
// occurs in dev mode).
func (c *Calculator) CalculateDevEstimate(pricing ModelPricing, inputChars, outputChars int) money.Amount {
	if pricing.CharsPerTokenEstimate <= 0 {
		pricing.CharsPerTokenEstimate = 4
	}
	inputTokens := int(float64(inputChars) / pricing.CharsPerTokenEstimate)
	outputTokens := c.clampOutputTokens(int(float64(outputChars) / pricing.CharsPerTokenEstimate))
	return pricing.InputPricePerToken.MulRatio(int64(inputTokens), 1).
		Add(pricing.OutputPricePerToken.MulRatio(int64(outputTokens), 1))
}

// CalculateTokenFallback implements the third pricing path: estimate by
// token counts when no authoritative usage data is available and dev mode
// is off.
func (c *Calculator) CalculateTokenFallback(pricing ModelPricing, estimatedInputTokens, estimatedOutputTokens int) money.Amount {
	estimatedOutputTokens = c.clampOutputTokens(estimatedOutputTokens)
	return pricing.InputPricePerToken.MulRatio(int64(estimatedInputTokens), 1).
		Add(pricing.OutputPricePerToken.MulRatio(int64(estimatedOutputTokens), 1))
}

// PessimisticMaxCost computes the speculative reservation ceiling of spec
// §4.5 step 1: a function of prompt length and the negative-balance floor,
// here the higher of (estimated worst-case token cost) and a fixed fraction
// of the negative-balance floor, so a reservation never under-covers a
// plausible worst case.
func (c *Calculator) PessimisticMaxCost(pricing ModelPricing, promptChars int, maxOutputTokens int, maxAllowedNegativeBalance money.Amount) money.Amount {
	worstCase := c.CalculateTokenFallback(pricing, promptChars, maxOutputTokens)
	floor := maxAllowedNegativeBalance.MulRatio(1, 10)
	return money.Max(worstCase, floor)
}
