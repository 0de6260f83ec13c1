// Package llm is a client for OpenAI-compatible chat completion endpoints.
// Transient failures are retried with bounded exponential backoff.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/quill/internal/log"
	"github.com/zjrosen/quill/internal/orchestration/metrics"
	"github.com/zjrosen/quill/internal/orchestration/tracing"
)

// Generator produces text for a prompt. Stage processors depend on this
// interface, not on Client.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// Request is one completion call.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Response is the generated text and its token counts.
type Response struct {
	Content          string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
	Attempts         int
}

// Config holds client settings.
type Config struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	Temperature    float64       `mapstructure:"temperature"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	ContextWindow  int           `mapstructure:"context_window"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// DefaultConfig returns three attempts with 4s to 10s exponential backoff.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "https://api.openai.com/v1",
		Model:          "gpt-4",
		Temperature:    0.7,
		MaxTokens:      2000,
		ContextWindow:  8192,
		Timeout:        60 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 4 * time.Second,
		MaxBackoff:     10 * time.Second,
	}
}

// Validate reports missing or out-of-range settings.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("llm base url is required")
	}
	if c.Model == "" {
		return fmt.Errorf("llm model is required")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("llm max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("llm temperature must be between 0 and 2, got %v", c.Temperature)
	}
	if c.InitialBackoff < 0 || c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("llm backoff must satisfy 0 <= initial <= max")
	}
	return nil
}

// APIError is a non-2xx response from the endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm api error %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth retrying.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

func (e *APIError) ErrorType() string { return "llm" }

// ErrEmptyResponse is returned when the endpoint answers without content.
var ErrEmptyResponse = errors.New("llm response empty")

// IsRetryable reports whether err is a transient client failure.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !errors.Is(err, ErrEmptyResponse)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTracer wraps each call in an "llm.generate" span.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// Client calls an OpenAI-compatible /chat/completions endpoint.
type Client struct {
	cfg    Config
	http   *http.Client
	tracer trace.Tracer
	usage  *metrics.UsageCounter
}

var _ Generator = (*Client)(nil)

// New validates cfg and builds a client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		tracer: tracing.NoopTracer(),
		usage:  metrics.NewUsageCounter(cfg.ContextWindow),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Usage returns request and token totals since the client was built.
func (c *Client) Usage() metrics.TokenUsage {
	return c.usage.Snapshot()
}

// Generate sends req, retrying transient failures up to MaxAttempts.
func (c *Client) Generate(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Response{}, fmt.Errorf("llm prompt is empty")
	}
	payload, err := json.Marshal(c.body(req))
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	ctx, span := c.tracer.Start(ctx, tracing.SpanPrefixLLM+"generate",
		trace.WithAttributes(
			attribute.String(tracing.AttrLLMModel, c.cfg.Model),
			attribute.String(tracing.AttrRunID, tracing.RunIDFromContext(ctx)),
			attribute.String(tracing.AttrStage, tracing.StageFromContext(ctx)),
		))
	defer span.End()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0

	attempts := 0
	resp, err := backoff.Retry(ctx, func() (Response, error) {
		attempts++
		resp, err := c.call(ctx, payload)
		if err != nil && !IsRetryable(err) {
			return resp, backoff.Permanent(err)
		}
		return resp, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.usage.Retry()
			span.AddEvent(tracing.EventRetryScheduled, trace.WithAttributes(
				attribute.Int(tracing.AttrLLMAttempt, attempts),
				attribute.String(tracing.AttrErrorMessage, err.Error()),
			))
			log.Warn(log.CatLLM, "Retrying completion", "attempt", attempts, "next", next, "error", err)
		}),
	)
	span.SetAttributes(attribute.Int(tracing.AttrLLMAttempt, attempts))
	if err != nil {
		c.usage.Failure()
		tracing.RecordError(span, err)
		log.ErrorErr(log.CatLLM, "Completion failed", err, "model", c.cfg.Model, "attempts", attempts)
		return Response{}, fmt.Errorf("llm generate after %d attempt(s): %w", attempts, err)
	}

	resp.Attempts = attempts
	c.usage.Record(resp.PromptTokens, resp.CompletionTokens)
	log.Debug(log.CatLLM, "Completion done",
		"model", c.cfg.Model,
		"prompt_tokens", resp.PromptTokens,
		"completion_tokens", resp.CompletionTokens,
		"attempts", attempts)
	return resp, nil
}

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
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *Client) body(req Request) chatRequest {
	out := chatRequest{
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	if req.Temperature > 0 {
		out.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.System != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: req.System})
	}
	out.Messages = append(out.Messages, chatMessage{Role: "user", Content: req.Prompt})
	return out
}

func (c *Client) call(ctx context.Context, payload []byte) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
		return Response{}, &APIError{StatusCode: httpResp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var decoded chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&decoded); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 || strings.TrimSpace(decoded.Choices[0].Message.Content) == "" {
		return Response{}, ErrEmptyResponse
	}
	return Response{
		Content:          decoded.Choices[0].Message.Content,
		FinishReason:     strings.TrimSpace(decoded.Choices[0].FinishReason),
		PromptTokens:     decoded.Usage.PromptTokens,
		CompletionTokens: decoded.Usage.CompletionTokens,
	}, nil
}
