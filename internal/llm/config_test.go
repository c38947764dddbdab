package llm

import (
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/pick-agent/internal/errors"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ProviderGemini, cfg.Provider)
	assert.InDelta(t, 0.1, cfg.Temperature, 1e-6)
	assert.NotEmpty(t, cfg.SystemInstruction)

	model, err := cfg.ModelFor(TierLite)
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-flash-lite", model)

	model, err = cfg.ModelFor(TierStandard)
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-flash", model)
}

func TestModelFor_FallsBackToLite(t *testing.T) {
	cfg := &Config{Models: map[ModelTier]string{TierLite: "only-model"}}

	model, err := cfg.ModelFor(TierStandard)
	require.NoError(t, err)
	assert.Equal(t, "only-model", model)
}

func TestModelFor_NoModels(t *testing.T) {
	cfg := &Config{Models: map[ModelTier]string{}}

	_, err := cfg.ModelFor(TierStandard)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestNewClient_Errors(t *testing.T) {
	_, err := NewClient(t.Context(), &Config{Provider: "openai"}, "key")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = NewClient(t.Context(), nil, "")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestConfigureModel(t *testing.T) {
	model := &genai.GenerativeModel{}
	configureModel(model, DefaultConfig())

	require.NotNil(t, model.Temperature)
	assert.InDelta(t, 0.1, *model.Temperature, 1e-6)
	require.NotNil(t, model.CandidateCount)
	assert.Equal(t, int32(1), *model.CandidateCount)
	require.NotNil(t, model.MaxOutputTokens)
	assert.Equal(t, int32(512), *model.MaxOutputTokens)
	assert.Equal(t, "application/json", model.ResponseMIMEType)
	require.NotNil(t, model.SystemInstruction)
}

func candidate(reason genai.FinishReason, parts ...genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		FinishReason: reason,
		Content:      &genai.Content{Parts: parts},
	}}}
}

func TestResponseText(t *testing.T) {
	text, err := responseText(candidate(genai.FinishReasonStop, genai.Text("```json\n{\"lean\":"), genai.Text(" 0.4}\n```")))
	require.NoError(t, err)
	assert.Equal(t, `{"lean": 0.4}`, text)
}

func TestResponseText_Errors(t *testing.T) {
	tests := []struct {
		name string
		resp *genai.GenerateContentResponse
	}{
		{"nil response", nil},
		{"no candidates", &genai.GenerateContentResponse{}},
		{"truncated", candidate(genai.FinishReasonMaxTokens, genai.Text(`{"lean": 0.`))},
		{"no text parts", candidate(genai.FinishReasonSafety)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := responseText(tt.resp)
			require.Error(t, err)
			assert.True(t, errors.IsUpstreamError(err))
		})
	}
}
