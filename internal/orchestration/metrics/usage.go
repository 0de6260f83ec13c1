// Package metrics provides rolling aggregates for stage timings and resource
// samples, and token usage accounting for the generative model client.
package metrics

import (
	"fmt"
	"sync"
	"time"
)

// TokenUsage holds request and token counts for a model client.
type TokenUsage struct {
	Requests int `json:"requests"`
	Failures int `json:"failures"`
	Retries  int `json:"retries"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`

	// ContextWindow is the model's maximum context size, when known.
	ContextWindow int `json:"context_window"`

	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// TotalTokens returns prompt plus completion tokens.
func (u TokenUsage) TotalTokens() int {
	return u.PromptTokens + u.CompletionTokens
}

// ContextUsage returns the percentage of the context window used by the
// prompt of an average request (0-100).
func (u TokenUsage) ContextUsage() float64 {
	if u.ContextWindow == 0 || u.Requests == 0 {
		return 0
	}
	return float64(u.PromptTokens) / float64(u.Requests) / float64(u.ContextWindow) * 100
}

// Add returns the sum of u and other. LastUpdatedAt is the later of the two.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	out := TokenUsage{
		Requests:         u.Requests + other.Requests,
		Failures:         u.Failures + other.Failures,
		Retries:          u.Retries + other.Retries,
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		ContextWindow:    max(u.ContextWindow, other.ContextWindow),
		LastUpdatedAt:    u.LastUpdatedAt,
	}
	if other.LastUpdatedAt.After(out.LastUpdatedAt) {
		out.LastUpdatedAt = other.LastUpdatedAt
	}
	return out
}

// FormatDisplay returns a human-readable summary (e.g., "27k tokens / 3 requests").
func (u TokenUsage) FormatDisplay() string {
	if u.Requests == 0 {
		return "-"
	}
	noun := "requests"
	if u.Requests == 1 {
		noun = "request"
	}
	return fmt.Sprintf("%dk tokens / %d %s", u.TotalTokens()/1000, u.Requests, noun)
}

// UsageCounter accumulates TokenUsage from concurrent callers.
type UsageCounter struct {
	mu    sync.Mutex
	usage TokenUsage
	now   func() time.Time
}

// NewUsageCounter creates a counter for a model with the given context window.
func NewUsageCounter(contextWindow int) *UsageCounter {
	return &UsageCounter{usage: TokenUsage{ContextWindow: contextWindow}, now: time.Now}
}

// Record counts one successful request.
func (c *UsageCounter) Record(promptTokens, completionTokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.Requests++
	c.usage.PromptTokens += promptTokens
	c.usage.CompletionTokens += completionTokens
	c.usage.LastUpdatedAt = c.now()
}

// Failure counts one request that failed after all retries.
func (c *UsageCounter) Failure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.Failures++
	c.usage.LastUpdatedAt = c.now()
}

// Retry counts one retried attempt.
func (c *UsageCounter) Retry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.Retries++
}

// Snapshot returns the current totals.
func (c *UsageCounter) Snapshot() TokenUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}
