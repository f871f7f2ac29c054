package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// openRouter talks to an OpenAI-compatible chat completions endpoint.
type openRouter struct {
	client   *resty.Client
	endpoint string
	opts     Options
}

func newOpenRouter(opts Options) (*openRouter, error) {
	if opts.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetAuthToken(opts.APIKey).
		SetHeader("Content-Type", "application/json")
	if opts.Referer != "" {
		client.SetHeader("HTTP-Referer", opts.Referer)
	}
	if opts.AppTitle != "" {
		client.SetHeader("X-Title", opts.AppTitle)
	}
	return &openRouter{client: client, endpoint: endpoint, opts: opts}, nil
}

func (o *openRouter) Complete(ctx context.Context, system, user string) (string, error) {
	body := chatRequest{
		Model: o.opts.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: o.opts.Temperature,
		MaxTokens:   o.opts.MaxTokens,
	}
	resp, err := o.client.R().SetContext(ctx).SetBody(body).Post(o.endpoint)
	if err != nil {
		return "", fmt.Errorf("post chat completion: %w", err)
	}
	if code := resp.StatusCode(); code < http.StatusOK || code >= http.StatusMultipleChoices {
		return "", &StatusError{Code: code, Body: truncate(resp.String(), 300)}
	}

	var out chatResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("decode chat completion: %w", err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return out.Choices[0].Message.Content, nil
}
