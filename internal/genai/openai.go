package genai

import (
	"context"
	"fmt"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/issuepilot/issuepilot/internal/domain"
	"github.com/issuepilot/issuepilot/internal/ratelimit"
)

// OpenAIService is the secondary (escalation) generation provider. It is
// only consulted once the primary has failed, so its prompt always carries
// the independent-approach instruction.
type OpenAIService struct {
	client    openai.Client
	model     string
	maxTokens int64
	limiter   *ratelimit.Limiter
}

// NewOpenAIService creates the secondary provider, reading the API key
// from keyEnv.
func NewOpenAIService(keyEnv, model string, maxTokens int, limiter *ratelimit.Limiter) *OpenAIService {
	client := openai.NewClient(option.WithAPIKey(os.Getenv(keyEnv)))
	return &OpenAIService{
		client:    client,
		model:     model,
		maxTokens: int64(maxTokens),
		limiter:   limiter,
	}
}

// Name returns the configured model name
func (s *OpenAIService) Name() string {
	return s.model
}

// Generate produces a candidate change set for the task
func (s *OpenAIService) Generate(ctx context.Context, gc *Context) (*Result, Usage, error) {
	prompt := BuildPrompt(gc)

	if err := s.limiter.Acquire(ctx, ratelimit.ServiceSecondary, EstimateTokens(prompt)); err != nil {
		return nil, Usage{}, err
	}

	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: s.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
		MaxCompletionTokens: openai.Int(s.maxTokens),
	})
	if err != nil {
		return nil, Usage{}, classifyProviderError("openai", err)
	}

	usage := Usage{
		TokensInput:  int(resp.Usage.PromptTokens),
		TokensOutput: int(resp.Usage.CompletionTokens),
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, usage, domain.NewPipelineError(domain.FailureBuild, "openai returned an empty response", nil)
	}

	outcome := ParseResponse(resp.Choices[0].Message.Content)
	if outcome.Status == ParseFailed {
		return nil, usage, domain.NewPipelineError(domain.FailureBuild,
			fmt.Sprintf("unparseable openai response (repairs tried: %v)", outcome.Warnings), nil)
	}
	return outcome.Result, usage, nil
}
