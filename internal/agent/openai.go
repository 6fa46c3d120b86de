package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/rogers-f/steward/internal/domain"
	"github.com/rogers-f/steward/internal/retry"
)

// OpenAISpec configures a chat-completions backed agent.
type OpenAISpec struct {
	Role    string
	Model   string
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Pricing Pricing
}

// OpenAIClient calls an OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	spec   OpenAISpec
	client *openai.Client
}

// NewOpenAIClient creates the client. BaseURL allows OpenAI-compatible
// gateways.
func NewOpenAIClient(spec OpenAISpec) (*OpenAIClient, error) {
	if spec.APIKey == "" {
		return nil, domain.WrapEngineError(domain.ErrConfigInvalid.Code,
			fmt.Sprintf("agent %s: openai api key is empty", spec.Role), nil)
	}
	if spec.Model == "" {
		spec.Model = openai.GPT4oMini
	}
	cfg := openai.DefaultConfig(spec.APIKey)
	if spec.BaseURL != "" {
		cfg.BaseURL = spec.BaseURL
	}
	return &OpenAIClient{spec: spec, client: openai.NewClientWithConfig(cfg)}, nil
}

// Role returns the configured role.
func (c *OpenAIClient) Role() string { return c.spec.Role }

// Invoke sends one chat completion request.
func (c *OpenAIClient) Invoke(ctx context.Context, prompt string, in Context) (Response, error) {
	if c.spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.spec.Timeout)
		defer cancel()
	}

	var messages []openai.ChatCompletionMessage
	if in.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: in.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.spec.Model,
		Messages: messages,
	})
	if err != nil {
		return Response{}, classifyOpenAI(fmt.Errorf("agent %s: openai: %w", c.spec.Role, err))
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return Response{}, retry.Mark(retry.Retryable, fmt.Errorf("agent %s: %w", c.spec.Role, domain.ErrEmptyResponse))
	}

	in64, out64 := int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens)
	return Response{
		Text:     resp.Choices[0].Message.Content,
		Model:    resp.Model,
		Provider: "openai",
		Usage: domain.Usage{
			Role:         c.spec.Role,
			Provider:     "openai",
			InputTokens:  in64,
			OutputTokens: out64,
			AmountUSD:    c.spec.Pricing.Cost(in64, out64),
			Stage:        in.Stage,
			CreatedAt:    time.Now().Unix(),
		},
	}, nil
}

func classifyOpenAI(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if c, ok := retry.ClassifyStatus(apiErr.HTTPStatusCode); ok {
			return retry.Mark(c, err)
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if c, ok := retry.ClassifyStatus(reqErr.HTTPStatusCode); ok {
			return retry.Mark(c, err)
		}
	}
	return retry.Mark(retry.Classify(err), err)
}
