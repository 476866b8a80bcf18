package memory

import "strings"

// estimatorCharsPerToken mirrors the context store's 4 chars/token fallback
const estimatorCharsPerToken = 4

// costPer1kTokens is the flat provider-agnostic storage pricing used when no
// model-specific rate is known
const costPer1kTokens = 0.0001

// modelRates overrides the flat rate per 1k tokens for known models
var modelRates = map[string]float64{
	"gpt-4o":      0.005,
	"gpt-4o-mini": 0.00015,
}

// Estimator prices content at store time without calling a provider
type Estimator struct {
	rates map[string]float64
}

// NewEstimator creates an estimator with the built-in rate table
func NewEstimator() *Estimator {
	return &Estimator{rates: modelRates}
}

// Estimate returns the token count and cost for content at the flat rate
func (e *Estimator) Estimate(content string) (tokens int, cost float64) {
	tokens = (len(content) + estimatorCharsPerToken - 1) / estimatorCharsPerToken
	cost = float64(tokens) / 1000 * costPer1kTokens
	return tokens, cost
}

// EstimateForModel prices content using a model-specific rate when known
func (e *Estimator) EstimateForModel(content, model string) (tokens int, cost float64) {
	tokens = (len(content) + estimatorCharsPerToken - 1) / estimatorCharsPerToken
	rate, ok := e.rates[model]
	if !ok {
		rate = costPer1kTokens
	}
	cost = float64(tokens) / 1000 * rate
	return tokens, cost
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func trimPrefix(s, prefix string) string {
	return strings.TrimPrefix(s, prefix)
}
