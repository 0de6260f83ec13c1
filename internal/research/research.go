// Package research gathers source material for an article topic by fetching
// and extracting configured HTML sources.
package research

import (
	"strings"
	"time"
)

// KeyPoint is one extracted statement and where it came from.
type KeyPoint struct {
	Content string `json:"content"`
	Source  string `json:"source"`
}

// Source is a page that contributed material.
type Source struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Statistic is a sentence carrying a numeric figure.
type Statistic struct {
	Text   string `json:"text"`
	Value  string `json:"value"`
	Source string `json:"source"`
}

// Research is everything gathered for one topic.
type Research struct {
	Topic      string      `json:"topic"`
	MainPoints []KeyPoint  `json:"main_points"`
	Sources    []Source    `json:"sources"`
	Statistics []Statistic `json:"statistics"`
	GatheredAt time.Time   `json:"gathered_at"`
}

// Empty reports whether nothing usable was found.
func (r Research) Empty() bool {
	return len(r.MainPoints) == 0 && len(r.Sources) == 0
}

// Config holds fetcher settings.
type Config struct {
	// Sources are URL templates; "{query}" is replaced by the escaped topic.
	Sources        []string      `mapstructure:"sources"`
	MaxPoints      int           `mapstructure:"max_points"`
	MinPointLength int           `mapstructure:"min_point_length"`
	Concurrency    int           `mapstructure:"concurrency"`
	Timeout        time.Duration `mapstructure:"timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	CacheSize      int           `mapstructure:"cache_size"`
}

// DefaultConfig returns settings with a one day cache of 256 topics.
func DefaultConfig() Config {
	return Config{
		Sources:        []string{"https://en.wikipedia.org/w/index.php?search={query}"},
		MaxPoints:      20,
		MinPointLength: 40,
		Concurrency:    4,
		Timeout:        20 * time.Second,
		UserAgent:      "quill/1.0",
		CacheTTL:       24 * time.Hour,
		CacheSize:      256,
	}
}

// CacheKey normalizes a topic and buckets it by day, so a topic is researched
// at most once per day while the entry lives.
func CacheKey(topic string, at time.Time) string {
	slug := strings.Join(strings.Fields(strings.ToLower(topic)), "_")
	return slug + "_" + at.UTC().Format("20060102")
}
