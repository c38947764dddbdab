package llm

import (
	"context"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/jonathan/pick-agent/internal/errors"
)

// Client returns JSON completions.
type Client interface {
	// GenerateJSON returns the JSON object the model produced for prompt.
	GenerateJSON(ctx context.Context, prompt string, tier ModelTier) (string, error)
	// Close releases the connection.
	Close() error
}

// NewClient creates the client for cfg.Provider. A nil cfg uses DefaultConfig.
func NewClient(ctx context.Context, cfg *Config, apiKey string) (Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	switch cfg.Provider {
	case ProviderGemini, "":
		return newGeminiClient(ctx, cfg, apiKey)
	default:
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "unsupported llm provider %q", cfg.Provider)
	}
}

type geminiClient struct {
	client *genai.Client
	cfg    *Config
}

func newGeminiClient(ctx context.Context, cfg *Config, apiKey string) (*geminiClient, error) {
	if apiKey == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "gemini API key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create gemini client")
	}
	return &geminiClient{client: client, cfg: cfg}, nil
}

func (c *geminiClient) GenerateJSON(ctx context.Context, prompt string, tier ModelTier) (string, error) {
	name, err := c.cfg.ModelFor(tier)
	if err != nil {
		return "", err
	}
	model := c.client.GenerativeModel(name)
	configureModel(model, c.cfg)

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", errors.WrapUpstream(err, "gemini "+name)
	}
	return responseText(resp)
}

func (c *geminiClient) Close() error {
	return c.client.Close()
}

// configureModel applies cfg to a model handle. Responses are forced to JSON
// with a single candidate.
func configureModel(model *genai.GenerativeModel, cfg *Config) {
	model.SetTemperature(cfg.Temperature)
	model.SetCandidateCount(1)
	if cfg.MaxOutputTokens > 0 {
		model.SetMaxOutputTokens(cfg.MaxOutputTokens)
	}
	model.ResponseMIMEType = "application/json"
	if cfg.SystemInstruction != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(cfg.SystemInstruction))
	}
}

// responseText joins the text parts of the first candidate. A candidate cut
// off at the token limit is rejected since its JSON is truncated.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", errors.Wrap(errors.ErrUpstream, "completion has no candidates")
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonMaxTokens {
		return "", errors.Wrap(errors.ErrUpstream, "completion truncated at max tokens")
	}

	var sb strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
	}
	if sb.Len() == 0 {
		return "", errors.Wrapf(errors.ErrUpstream, "completion has no text (finish reason %s)", candidate.FinishReason)
	}
	return CleanJSONBlock(sb.String()), nil
}
