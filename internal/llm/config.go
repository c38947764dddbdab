// Package llm provides the completion client used for research signals.
package llm

import "github.com/jonathan/pick-agent/internal/errors"

// ModelTier selects a model by cost and capability.
type ModelTier string

const (
	// TierLite is for short structured judgements
	TierLite ModelTier = "lite"
	// TierStandard is for longer research summaries
	TierStandard ModelTier = "standard"
)

// Provider names a completion backend.
type Provider string

// ProviderGemini is the Google Gemini provider
const ProviderGemini Provider = "gemini"

// Config selects models and generation parameters.
type Config struct {
	Provider        Provider
	Models          map[ModelTier]string
	Temperature     float32
	MaxOutputTokens int32
	// SystemInstruction is sent with every request when set.
	SystemInstruction string
}

// DefaultConfig returns a low-temperature Gemini configuration.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderGemini,
		Models: map[ModelTier]string{
			TierLite:     "gemini-2.5-flash-lite",
			TierStandard: "gemini-2.5-flash",
		},
		Temperature:     0.1,
		MaxOutputTokens: 512,
		SystemInstruction: "You are a careful sports market analyst. You answer with a single JSON object " +
			"and never invent injuries, lineups or news that the input does not state.",
	}
}

// ModelFor returns the model configured for tier. A tier with no model falls
// back to the lite model, so a config may name only one.
func (c *Config) ModelFor(tier ModelTier) (string, error) {
	if model := c.Models[tier]; model != "" {
		return model, nil
	}
	if model := c.Models[TierLite]; model != "" {
		return model, nil
	}
	return "", errors.Wrapf(errors.ErrInvalidRequest, "no model configured for tier %q", tier)
}
