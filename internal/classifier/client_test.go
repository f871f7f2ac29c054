package classifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/alekkss/avito/internal/clock/fake"
	"github.com/alekkss/avito/internal/retry"
)

const okContent = "```json\n[{\"avito_id\":\"101\",\"normalized_title\":\"Apple iPhone 13\",\"product_category\":\"Смартфон\",\"key_specs\":\"128GB\"}]\n```"

func chatCompletion(content string) string {
	body, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"message": map[string]string{"role": "assistant", "content": content}}},
	})
	return string(body)
}

func testOptions(endpoint string) Options {
	return Options{
		Provider:      ProviderOpenRouter,
		Endpoint:      endpoint,
		APIKey:        "test-key",
		Model:         "qwen/test",
		Temperature:   0.1,
		MaxTokens:     4096,
		Timeout:       5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
		BackoffFactor: 2,
		Referer:       "https://example.test",
		AppTitle:      "Harvester Test",
	}
}

func newTestClient(t *testing.T, opts Options) *Client {
	t.Helper()
	if opts.Sleep == nil {
		opts.Sleep = func(context.Context, time.Duration) error { return nil }
	}
	c, err := New(opts, zap.NewNop())
	require.NoError(t, err)
	return c
}

var items = []Item{{ID: "101", Title: "iPhone 13 срочно", Description: "128 гб"}}

func TestOpenRouterClassify(t *testing.T) {
	t.Parallel()

	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.Equal(t, "https://example.test", r.Header.Get("HTTP-Referer"))
		require.Equal(t, "Harvester Test", r.Header.Get("X-Title"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, chatCompletion(okContent))
	}))
	defer srv.Close()

	results, err := newTestClient(t, testOptions(srv.URL)).Classify(context.Background(), items)
	require.NoError(t, err)
	require.Equal(t, []Result{{ID: "101", NormalizedTitle: "Apple iPhone 13", Category: "Смартфон", KeySpecs: "128GB"}}, results)

	require.Equal(t, "qwen/test", got.Model)
	require.InDelta(t, 0.1, got.Temperature, 1e-9)
	require.Equal(t, 4096, got.MaxTokens)
	require.Len(t, got.Messages, 2)
	require.Equal(t, "system", got.Messages[0].Role)
	require.Equal(t, SystemPrompt, got.Messages[0].Content)
	require.Equal(t, "user", got.Messages[1].Role)
	require.Contains(t, got.Messages[1].Content, "- ID: 101\n  Название: iPhone 13 срочно")
}

func TestOpenRouterRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		switch calls.Add(1) {
		case 1:
			http.Error(w, "upstream overloaded", http.StatusBadGateway)
		case 2:
			_, _ = io.WriteString(w, `{"choices":[]}`)
		default:
			_, _ = io.WriteString(w, chatCompletion(okContent))
		}
	}))
	defer srv.Close()

	results, err := newTestClient(t, testOptions(srv.URL)).Classify(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.EqualValues(t, 3, calls.Load())
}

func TestOpenRouterExhaustsRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(t, testOptions(srv.URL)).Classify(context.Background(), items)
	require.ErrorIs(t, err, retry.ErrExhausted)
	var status *StatusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, http.StatusServiceUnavailable, status.Code)
	require.EqualValues(t, 3, calls.Load())
}

func TestRetryBackoffUsesInjectedClock(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clk := fake.New(start)
	opts := testOptions(srv.URL)
	opts.Sleep = clk.Sleep

	_, err := newTestClient(t, opts).Classify(context.Background(), items)
	require.ErrorIs(t, err, retry.ErrExhausted)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clk.Sleeps())
	require.Equal(t, start.Add(3*time.Second), clk.Now())
}

func TestClassifyLogsEveryFailedAttempt(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	core, logs := observer.New(zapcore.WarnLevel)
	opts := testOptions(srv.URL)
	opts.Sleep = func(context.Context, time.Duration) error { return nil }
	c, err := New(opts, zap.New(core))
	require.NoError(t, err)

	_, err = c.Classify(context.Background(), items)
	require.ErrorIs(t, err, retry.ErrExhausted)
	require.Equal(t, 2, logs.FilterMessage("Classifier request failed, retrying").Len())
	giveUp := logs.FilterMessage("Classifier request failed, giving up").All()
	require.Len(t, giveUp, 1)
	require.EqualValues(t, 3, giveUp[0].ContextMap()["attempts"])
}

func TestOpenRouterDoesNotRetryAuthFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"invalid key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(t, testOptions(srv.URL)).Classify(context.Background(), items)
	var status *StatusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, http.StatusUnauthorized, status.Code)
	require.EqualValues(t, 1, calls.Load())
}

func TestClassifyMalformedContent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, chatCompletion("Не могу классифицировать эти товары."))
	}))
	defer srv.Close()

	_, err := newTestClient(t, testOptions(srv.URL)).Classify(context.Background(), items)
	require.ErrorIs(t, err, ErrMalformedResponse)
	require.EqualValues(t, 1, calls.Load())
}

func TestClassifyEmptyBatchSkipsProvider(t *testing.T) {
	t.Parallel()

	c, err := New(Options{Model: "m"}, nil)
	require.NoError(t, err)

	results, err := c.Classify(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, results)
}

func TestClientInitializesLazily(t *testing.T) {
	t.Parallel()

	c, err := New(Options{Provider: ProviderOpenRouter, Model: "m"}, nil)
	require.NoError(t, err)

	_, err = c.Classify(context.Background(), items)
	require.ErrorContains(t, err, "api key is required")
	_, err = c.Classify(context.Background(), items)
	require.ErrorContains(t, err, "init openrouter")
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Provider: "carrier-pigeon", Model: "m"}, nil)
	require.ErrorContains(t, err, "unknown provider")

	_, err = New(Options{Provider: ProviderGemini}, nil)
	require.ErrorContains(t, err, "model is required")
}

func TestAnthropicClassify(t *testing.T) {
	t.Parallel()

	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.Header().Set("Content-Type", "application/json")
		resp, _ := json.Marshal(map[string]any{
			"id":            "msg_1",
			"type":          "message",
			"role":          "assistant",
			"model":         "claude-test",
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content":       []any{map[string]string{"type": "text", "text": okContent}},
			"usage":         map[string]int{"input_tokens": 10, "output_tokens": 20},
		})
		_, _ = w.Write(resp)
	}))
	defer srv.Close()

	opts := testOptions(srv.URL + "/")
	opts.Provider = ProviderAnthropic
	opts.Model = "claude-test"

	results, err := newTestClient(t, opts).Classify(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "Apple iPhone 13", results[0].NormalizedTitle)
	require.Equal(t, "claude-test", body["model"])
	require.EqualValues(t, 4096, body["max_tokens"])
}

func TestGeminiClassify(t *testing.T) {
	t.Parallel()

	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		resp, _ := json.Marshal(map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{
					"role":  "model",
					"parts": []any{map[string]string{"text": okContent}},
				},
			}},
		})
		_, _ = w.Write(resp)
	}))
	defer srv.Close()

	opts := testOptions(srv.URL + "/")
	opts.Provider = ProviderGemini
	opts.Model = "gemini-test"

	results, err := newTestClient(t, opts).Classify(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "101", results[0].ID)
	require.True(t, strings.HasSuffix(path.Load().(string), "gemini-test:generateContent"))
}

func TestResultClassification(t *testing.T) {
	t.Parallel()

	c := Result{ID: "1", NormalizedTitle: "A", Category: "B", KeySpecs: "C"}.Classification()
	require.Equal(t, "A", c.NormalizedTitle)
	require.Equal(t, "B", c.Category)
	require.Equal(t, "C", c.KeySpecs)
}

func TestClassifyRespectsRateLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, chatCompletion(okContent))
	}))
	defer srv.Close()

	opts := testOptions(srv.URL)
	opts.RequestsPerMinute = 1
	opts.Burst = 1
	c := newTestClient(t, opts)

	_, err := c.Classify(context.Background(), items)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Classify(ctx, items)
	require.ErrorContains(t, err, "rate limit wait")
}
