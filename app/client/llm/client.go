package llm

import (
	"arbor/app/config"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samber/do"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

const (
	predictTemperature = 0.5
	predictMaxTokens   = 200
	requestTimeout     = 30 * time.Second
)

// Client is a text-in/text-out boundary to an OpenAI-compatible
// completion service. It never interprets the tree and never retries;
// retry policy belongs to the caller.
type Client struct {
	model llms.Model
}

func NewClient(di *do.Injector) (*Client, error) {
	cfg := do.MustInvoke[*config.Config](di)

	opts := []openai.Option{
		openai.WithToken(cfg.OpenAI.Token),
		openai.WithModel(cfg.OpenAI.Model),
	}
	if cfg.OpenAI.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
	}

	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}

	return &Client{model: model}, nil
}

func (c *Client) Predict(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	text, err := llms.GenerateFromSinglePrompt(ctx, c.model, prompt,
		llms.WithTemperature(predictTemperature),
		llms.WithMaxTokens(predictMaxTokens),
	)
	if err != nil {
		return "", fmt.Errorf("failed to generate completion: %w", err)
	}

	return strings.TrimSpace(text), nil
}
