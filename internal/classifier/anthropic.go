package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type anthropicCompleter struct {
	client anthropic.Client
	opts   Options
}

func newAnthropic(opts Options) (*anthropicCompleter, error) {
	if opts.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if opts.Endpoint != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.Endpoint))
	}
	if opts.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(opts.Timeout))
	}
	return &anthropicCompleter{client: anthropic.NewClient(reqOpts...), opts: opts}, nil
}

func (a *anthropicCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	maxTokens := a.opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.opts.Model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
		System: []anthropic.TextBlockParam{{Text: system}},
	}
	if a.opts.Temperature > 0 {
		params.Temperature = anthropic.Float(a.opts.Temperature)
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", &StatusError{Code: apiErr.StatusCode, Body: truncate(apiErr.Error(), 300)}
		}
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return text.String(), nil
}
