// Package classifier sends batches of listings to an LLM and reads back a
// normalized title, category and key specs for each of them.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/alekkss/avito/internal/listing"
	"github.com/alekkss/avito/internal/metrics"
	"github.com/alekkss/avito/internal/ratelimit"
	"github.com/alekkss/avito/internal/retry"
)

// MaxDescriptionRunes bounds the description sent for each item.
const MaxDescriptionRunes = 500

var (
	// ErrMalformedResponse means the model answered with something that is not
	// a JSON array of results.
	ErrMalformedResponse = errors.New("malformed classifier response")
	// ErrEmptyResponse means the provider returned no text at all.
	ErrEmptyResponse = errors.New("empty classifier response")
)

// Item is one listing as presented to the classifier.
type Item struct {
	ID          string
	Title       string
	Description string
}

// NewItem builds an Item from a raw listing, truncating the description.
func NewItem(raw listing.RawListing) Item {
	return Item{ID: raw.ID, Title: raw.Title, Description: truncate(raw.Description, MaxDescriptionRunes)}
}

// Result is the classification of one item.
type Result struct {
	ID              string `json:"avito_id"`
	NormalizedTitle string `json:"normalized_title"`
	Category        string `json:"product_category"`
	KeySpecs        string `json:"key_specs"`
}

// Classification converts r to the listing package representation.
func (r Result) Classification() listing.Classification {
	return listing.Classification{
		NormalizedTitle: r.NormalizedTitle,
		Category:        r.Category,
		KeySpecs:        r.KeySpecs,
	}
}

// Classifier classifies a batch of items. Results may cover only part of the
// batch and come in any order.
type Classifier interface {
	Classify(ctx context.Context, items []Item) ([]Result, error)
}

// StatusError is a non-2xx answer from an HTTP provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("classifier returned status %d: %s", e.Code, e.Body)
}

// completer sends one system+user exchange and returns the model's text.
type completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Options configures a Client.
type Options struct {
	Provider      string
	Endpoint      string
	APIKey        string
	Model         string
	Temperature   float64
	MaxTokens     int
	Timeout       time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	BackoffFactor float64
	Referer       string
	AppTitle      string

	// RequestsPerMinute caps provider calls, retries included. Zero means no cap.
	RequestsPerMinute float64
	Burst             int

	// Sleep waits between retries. Nil uses a wall-clock timer.
	Sleep retry.SleepFunc
}

// Client implements Classifier on top of a provider. The provider client is
// built on the first call and reused afterwards.
type Client struct {
	opts    Options
	factory func() (completer, error)
	policy  retry.Policy
	limiter *ratelimit.Limiter
	logger  *zap.Logger

	once sync.Once
	comp completer
	err  error
}

// New returns a Client for opts.Provider.
func New(opts Options, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Model == "" {
		return nil, errors.New("classifier: model is required")
	}
	var factory func() (completer, error)
	switch opts.Provider {
	case ProviderOpenRouter, "":
		opts.Provider = ProviderOpenRouter
		factory = func() (completer, error) { return newOpenRouter(opts) }
	case ProviderAnthropic:
		factory = func() (completer, error) { return newAnthropic(opts) }
	case ProviderGemini:
		factory = func() (completer, error) { return newGemini(opts) }
	default:
		return nil, fmt.Errorf("classifier: unknown provider %q", opts.Provider)
	}
	return newClient(opts, factory, logger), nil
}

func newClient(opts Options, factory func() (completer, error), logger *zap.Logger) *Client {
	logger = logger.Named("classifier")
	attempts := opts.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	return &Client{
		opts:    opts,
		factory: factory,
		logger:  logger,
		limiter: ratelimit.New(ratelimit.Config{PerMinute: opts.RequestsPerMinute, Burst: opts.Burst}),
		policy: retry.Policy{
			MaxAttempts:   attempts,
			Delay:         opts.RetryDelay,
			BackoffFactor: opts.BackoffFactor,
			Retryable:     retryable,
			Sleep:         opts.Sleep,
			OnRetry: func(attempt int, delay time.Duration, err error) {
				logger.Warn("Classifier request failed, retrying",
					zap.Int("attempt", attempt),
					zap.Duration("delay", delay),
					zap.Error(err),
				)
			},
			OnGiveUp: func(tries int, err error) {
				logger.Error("Classifier request failed, giving up",
					zap.Int("attempts", tries),
					zap.Error(err),
				)
			},
		},
	}
}

// Classify sends items as one request and parses the answer.
func (c *Client) Classify(ctx context.Context, items []Item) ([]Result, error) {
	if len(items) == 0 {
		return nil, nil
	}
	comp, err := c.completer()
	if err != nil {
		return nil, err
	}

	prompt := BuildPrompt(items)
	c.logger.Info("Classifier batch started", zap.Int("batch_size", len(items)))
	text, err := retry.Do(ctx, c.policy, func(ctx context.Context) (string, error) {
		if err := c.limiter.Wait(ctx, c.limitKey()); err != nil {
			return "", retry.Permanent(err)
		}
		start := time.Now()
		text, err := comp.Complete(ctx, SystemPrompt, prompt)
		metrics.ObserveClassifierRequest(c.opts.Provider, time.Since(start))
		return text, err
	})
	if err != nil {
		return nil, fmt.Errorf("classify batch: %w", err)
	}
	c.logger.Debug("Classifier raw response",
		zap.Int("length", len(text)),
		zap.String("preview", truncate(text, 100)),
	)

	results, err := ParseResponse(text, c.logger)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Classifier batch completed",
		zap.Int("batch_size", len(items)),
		zap.Int("results", len(results)),
	)
	return results, nil
}

func (c *Client) completer() (completer, error) {
	c.once.Do(func() {
		c.comp, c.err = c.factory()
		if c.err != nil {
			c.err = fmt.Errorf("classifier: init %s: %w", c.opts.Provider, c.err)
		}
	})
	return c.comp, c.err
}

func (c *Client) limitKey() string {
	if c.opts.Endpoint != "" {
		return c.opts.Endpoint
	}
	return c.opts.Provider
}

func retryable(err error) bool {
	if errors.Is(err, ErrMalformedResponse) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) && status.Code >= 400 && status.Code < 500 {
		return status.Code == 408 || status.Code == 429
	}
	return true
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
