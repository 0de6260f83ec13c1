package stages

import (
	"fmt"
	"time"
)

// Config holds editorial defaults shared by the processors. Seeds may
// override Style and Length per run.
type Config struct {
	Style        string `mapstructure:"style"`
	Length       string `mapstructure:"length"`
	MaxKeywords  int    `mapstructure:"max_keywords"`
	SocialImages int    `mapstructure:"social_images"`
	ImageStyle   string `mapstructure:"image_style"`
	AgentVersion string `mapstructure:"agent_version"`

	// HistorySize and HistoryTTL bound the per-stage interaction history.
	HistorySize int           `mapstructure:"history_size"`
	HistoryTTL  time.Duration `mapstructure:"history_ttl"`
}

// DefaultConfig returns the built-in editorial defaults.
func DefaultConfig() Config {
	return Config{
		Style:        "informative",
		Length:       "medium-length",
		MaxKeywords:  8,
		SocialImages: 2,
		ImageStyle:   "modern",
		AgentVersion: "1.0.0",
		HistorySize:  100,
		HistoryTTL:   24 * time.Hour,
	}
}

// Validate reports out-of-range settings.
func (c Config) Validate() error {
	if c.MaxKeywords < 1 {
		return fmt.Errorf("max keywords must be at least 1, got %d", c.MaxKeywords)
	}
	if c.SocialImages < 0 {
		return fmt.Errorf("social images must not be negative, got %d", c.SocialImages)
	}
	if c.HistorySize < 0 {
		return fmt.Errorf("history size must not be negative, got %d", c.HistorySize)
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Style == "" {
		c.Style = d.Style
	}
	if c.Length == "" {
		c.Length = d.Length
	}
	if c.MaxKeywords <= 0 {
		c.MaxKeywords = d.MaxKeywords
	}
	if c.ImageStyle == "" {
		c.ImageStyle = d.ImageStyle
	}
	if c.AgentVersion == "" {
		c.AgentVersion = d.AgentVersion
	}
	if c.HistorySize == 0 {
		c.HistorySize = d.HistorySize
	}
	if c.HistoryTTL <= 0 {
		c.HistoryTTL = d.HistoryTTL
	}
	return c
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
