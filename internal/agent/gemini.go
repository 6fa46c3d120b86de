package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/rogers-f/steward/internal/domain"
	"github.com/rogers-f/steward/internal/retry"
)

// GeminiSpec configures a Gemini API backed agent.
type GeminiSpec struct {
	Role    string
	Model   string
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Pricing Pricing
}

// GeminiClient calls the Gemini generateContent API.
type GeminiClient struct {
	spec GeminiSpec

	mu     sync.Mutex
	client *genai.Client
}

// NewGeminiClient creates the client. The SDK client is built lazily on the
// first call.
func NewGeminiClient(spec GeminiSpec) (*GeminiClient, error) {
	if spec.APIKey == "" {
		return nil, domain.WrapEngineError(domain.ErrConfigInvalid.Code,
			fmt.Sprintf("agent %s: gemini api key is empty", spec.Role), nil)
	}
	if spec.Model == "" {
		spec.Model = "gemini-2.5-flash"
	}
	return &GeminiClient{spec: spec}, nil
}

// Role returns the configured role.
func (c *GeminiClient) Role() string { return c.spec.Role }

func (c *GeminiClient) initClient(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}
	cfg := &genai.ClientConfig{
		APIKey:  c.spec.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if c.spec.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: c.spec.BaseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, retry.Mark(retry.Fatal, fmt.Errorf("create gemini client: %w", err))
	}
	c.client = client
	return client, nil
}

// Invoke sends one generateContent request.
func (c *GeminiClient) Invoke(ctx context.Context, prompt string, in Context) (Response, error) {
	client, err := c.initClient(ctx)
	if err != nil {
		return Response{}, err
	}
	if c.spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.spec.Timeout)
		defer cancel()
	}

	var cfg *genai.GenerateContentConfig
	if in.System != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(in.System)}},
		}
	}

	resp, err := client.Models.GenerateContent(ctx, c.spec.Model, genai.Text(prompt), cfg)
	if err != nil {
		return Response{}, classifyGemini(fmt.Errorf("agent %s: gemini: %w", c.spec.Role, err))
	}
	text := resp.Text()
	if text == "" {
		return Response{}, retry.Mark(retry.Retryable, fmt.Errorf("agent %s: %w", c.spec.Role, domain.ErrEmptyResponse))
	}

	var in64, out64 int64
	if resp.UsageMetadata != nil {
		in64 = int64(resp.UsageMetadata.PromptTokenCount)
		out64 = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	model := resp.ModelVersion
	if model == "" {
		model = c.spec.Model
	}
	return Response{
		Text:     text,
		Model:    model,
		Provider: "gemini",
		Usage: domain.Usage{
			Role:         c.spec.Role,
			Provider:     "gemini",
			InputTokens:  in64,
			OutputTokens: out64,
			AmountUSD:    c.spec.Pricing.Cost(in64, out64),
			Stage:        in.Stage,
			CreatedAt:    time.Now().Unix(),
		},
	}, nil
}

func classifyGemini(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if c, ok := retry.ClassifyStatus(apiErr.Code); ok {
			return retry.Mark(c, err)
		}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		if c, ok := retry.ClassifyStatus(apiErrPtr.Code); ok {
			return retry.Mark(c, err)
		}
	}
	return retry.Mark(retry.Classify(err), err)
}
