package monitor

import (
	"fmt"
	"maps"
	"time"

	"github.com/zjrosen/quill/internal/orchestration/message"
)

const (
	// DefaultQueueSize is the buffer of the monitor's own event queue.
	DefaultQueueSize = 1024
	// DefaultResourceInterval is how often the sampler runs.
	DefaultResourceInterval = time.Minute
	// DefaultRetainRuns caps how many runs the monitor keeps aggregates for.
	DefaultRetainRuns = 1000
	// DefaultErrorSummary is how many recent errors a metrics summary lists.
	DefaultErrorSummary = 5
)

// Thresholds are the alert ceilings. They can be replaced at runtime with
// SetThresholds.
type Thresholds struct {
	CPUPercent    float64       `mapstructure:"cpu_percent"`
	MemoryPercent float64       `mapstructure:"memory_percent"`
	StageDuration time.Duration `mapstructure:"stage_duration"`
	// Stages overrides StageDuration per stage.
	Stages map[message.StageID]time.Duration `mapstructure:"stages"`
}

// DefaultThresholds returns 90% resource ceilings and a five minute stage limit.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUPercent:    90,
		MemoryPercent: 90,
		StageDuration: 5 * time.Minute,
	}
}

// StageLimit returns the duration ceiling for stage.
func (t Thresholds) StageLimit(stage message.StageID) time.Duration {
	if d, ok := t.Stages[stage]; ok && d > 0 {
		return d
	}
	return t.StageDuration
}

// Validate rejects ceilings outside their ranges.
func (t Thresholds) Validate() error {
	if t.CPUPercent <= 0 || t.CPUPercent > 100 {
		return fmt.Errorf("cpu threshold must be in (0,100], got %v", t.CPUPercent)
	}
	if t.MemoryPercent <= 0 || t.MemoryPercent > 100 {
		return fmt.Errorf("memory threshold must be in (0,100], got %v", t.MemoryPercent)
	}
	if t.StageDuration <= 0 {
		return fmt.Errorf("stage duration threshold must be positive")
	}
	for s, d := range t.Stages {
		if d < 0 {
			return fmt.Errorf("stage %s: duration threshold must not be negative", s)
		}
	}
	return nil
}

func (t Thresholds) clone() Thresholds {
	t.Stages = maps.Clone(t.Stages)
	return t
}

// Config holds configuration for creating a Monitor.
type Config struct {
	// QueueSize buffers events between publishers and the monitor loop.
	// Events beyond it are dropped and counted.
	QueueSize int `mapstructure:"queue_size"`
	// ResourceInterval is the sampling period. Zero disables sampling.
	ResourceInterval time.Duration `mapstructure:"resource_interval"`
	Thresholds       Thresholds    `mapstructure:"thresholds"`
	RetainRuns       int           `mapstructure:"retain_runs"`
	// AlertLog, when set, receives every raised alert as a JSON line.
	AlertLog string `mapstructure:"alert_log"`
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:        DefaultQueueSize,
		ResourceInterval: DefaultResourceInterval,
		Thresholds:       DefaultThresholds(),
		RetainRuns:       DefaultRetainRuns,
	}
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.RetainRuns <= 0 {
		c.RetainRuns = DefaultRetainRuns
	}
	d := DefaultThresholds()
	if c.Thresholds.CPUPercent == 0 {
		c.Thresholds.CPUPercent = d.CPUPercent
	}
	if c.Thresholds.MemoryPercent == 0 {
		c.Thresholds.MemoryPercent = d.MemoryPercent
	}
	if c.Thresholds.StageDuration == 0 {
		c.Thresholds.StageDuration = d.StageDuration
	}
	return c
}
