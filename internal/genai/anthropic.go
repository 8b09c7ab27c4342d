package genai

import (
	"context"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/issuepilot/issuepilot/internal/domain"
	"github.com/issuepilot/issuepilot/internal/ratelimit"
)

// AnthropicService is the primary generation provider
type AnthropicService struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	limiter   *ratelimit.Limiter
}

// NewAnthropicService creates the primary provider, reading the API key
// from keyEnv.
func NewAnthropicService(keyEnv, model string, maxTokens int, limiter *ratelimit.Limiter) *AnthropicService {
	client := anthropic.NewClient(option.WithAPIKey(os.Getenv(keyEnv)))
	return &AnthropicService{
		client:    client,
		model:     anthropic.Model(model),
		maxTokens: int64(maxTokens),
		limiter:   limiter,
	}
}

// Name returns the configured model name
func (s *AnthropicService) Name() string {
	return string(s.model)
}

// Generate produces a candidate change set for the task
func (s *AnthropicService) Generate(ctx context.Context, gc *Context) (*Result, Usage, error) {
	prompt := BuildPrompt(gc)

	if err := s.limiter.Acquire(ctx, ratelimit.ServicePrimary, EstimateTokens(prompt)); err != nil {
		return nil, Usage{}, err
	}

	resp, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     s.model,
		MaxTokens: s.maxTokens,
		System: []anthropic.TextBlockParam{{
			Text: systemPrompt,
		}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, Usage{}, classifyProviderError("anthropic", err)
	}

	usage := Usage{
		TokensInput:  int(resp.Usage.InputTokens),
		TokensOutput: int(resp.Usage.OutputTokens),
	}

	var text string
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return nil, usage, domain.NewPipelineError(domain.FailureBuild, "anthropic returned an empty response", nil)
	}

	outcome := ParseResponse(text)
	if outcome.Status == ParseFailed {
		return nil, usage, domain.NewPipelineError(domain.FailureBuild,
			fmt.Sprintf("unparseable anthropic response (repairs tried: %v)", outcome.Warnings), nil)
	}
	return outcome.Result, usage, nil
}
