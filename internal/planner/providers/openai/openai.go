package openai

import (
	"context"
	"os"
	"strings"

	genbaErrors "github.com/harunnryd/genba/internal/errors"
	"github.com/harunnryd/genba/internal/planner/contract"

	"github.com/sashabaranov/go-openai"
)

type Provider struct {
	client *openai.Client
}

func New(apiKey, baseURL string) *Provider {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}

	return &Provider{client: openai.NewClientWithConfig(cfg)}
}

func (p *Provider) Name() string {
	return "openai"
}

func (p *Provider) Generate(ctx context.Context, req contract.Request) (string, error) {
	var messages []openai.ChatCompletionMessage
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.Complexity.MaxTokens(),
	})
	if err != nil {
		return "", genbaErrors.Wrap(genbaErrors.MapError(err), "openai request failed")
	}
	if len(resp.Choices) == 0 {
		return "", genbaErrors.InvalidModelOutput("no choices returned")
	}

	return resp.Choices[0].Message.Content, nil
}
