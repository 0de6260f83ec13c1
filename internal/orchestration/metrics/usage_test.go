package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenUsage_ContextUsage(t *testing.T) {
	tests := []struct {
		name  string
		usage TokenUsage
		want  float64
	}{
		{
			name:  "zero window returns zero",
			usage: TokenUsage{Requests: 1, PromptTokens: 1000},
			want:  0,
		},
		{
			name:  "no requests returns zero",
			usage: TokenUsage{ContextWindow: 128000},
			want:  0,
		},
		{
			name:  "50% average prompt",
			usage: TokenUsage{Requests: 2, PromptTokens: 128000, ContextWindow: 128000},
			want:  50,
		},
		{
			name:  "single request",
			usage: TokenUsage{Requests: 1, PromptTokens: 27000, ContextWindow: 200000},
			want:  13.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.usage.ContextUsage(), "ContextUsage()")
		})
	}
}

func TestTokenUsage_FormatDisplay(t *testing.T) {
	tests := []struct {
		name  string
		usage TokenUsage
		want  string
	}{
		{"no requests returns dash", TokenUsage{}, "-"},
		{"single request", TokenUsage{Requests: 1, PromptTokens: 1500, CompletionTokens: 600}, "2k tokens / 1 request"},
		{"small numbers round down", TokenUsage{Requests: 3, PromptTokens: 500}, "0k tokens / 3 requests"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.usage.FormatDisplay(), "FormatDisplay()")
		})
	}
}

func TestTokenUsage_Add(t *testing.T) {
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	a := TokenUsage{Requests: 1, Retries: 2, PromptTokens: 100, CompletionTokens: 50, ContextWindow: 8000, LastUpdatedAt: late}
	b := TokenUsage{Requests: 2, Failures: 1, PromptTokens: 10, CompletionTokens: 5, ContextWindow: 128000, LastUpdatedAt: early}

	sum := a.Add(b)
	require.Equal(t, 3, sum.Requests)
	require.Equal(t, 1, sum.Failures)
	require.Equal(t, 2, sum.Retries)
	require.Equal(t, 165, sum.TotalTokens())
	require.Equal(t, 128000, sum.ContextWindow)
	require.Equal(t, late, sum.LastUpdatedAt)
}

func TestUsageCounter_Concurrent(t *testing.T) {
	c := NewUsageCounter(128000)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				c.Record(10, 5)
				c.Retry()
			}
			c.Failure()
		}()
	}
	wg.Wait()

	u := c.Snapshot()
	require.Equal(t, 200, u.Requests)
	require.Equal(t, 200, u.Retries)
	require.Equal(t, 8, u.Failures)
	require.Equal(t, 3000, u.TotalTokens())
	require.Equal(t, 128000, u.ContextWindow)
	require.False(t, u.LastUpdatedAt.IsZero())
}
