package pipeline

import (
	"fmt"
	"time"

	"github.com/zjrosen/quill/internal/orchestration/mailbox"
)

// Config tunes the orchestrator.
type Config struct {
	MailboxCapacity int `mapstructure:"mailbox_capacity"`
	// HighWater is the mailbox fill fraction that raises a slow-consumer event.
	HighWater float64 `mapstructure:"high_water"`
	// EnqueueWait bounds how long routing waits for space in a full mailbox.
	EnqueueWait time.Duration `mapstructure:"enqueue_wait"`
	// WatchdogTimeout fails running runs with no progress for this long. Zero disables.
	WatchdogTimeout  time.Duration `mapstructure:"watchdog_timeout"`
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
	// ShutdownGrace is how long Shutdown waits for workers to drain.
	ShutdownGrace      time.Duration `mapstructure:"shutdown_grace"`
	DeadLetterCapacity int           `mapstructure:"dead_letter_capacity"`
	// RetainRuns caps how many terminal runs stay queryable in memory.
	RetainRuns int `mapstructure:"retain_runs"`
	// EventBuffer sizes the broker's per-subscriber buffer.
	EventBuffer int `mapstructure:"event_buffer"`
	// SaveTimeout bounds each RunStore.SaveRun call.
	SaveTimeout time.Duration `mapstructure:"save_timeout"`
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		MailboxCapacity:    mailbox.DefaultCapacity,
		HighWater:          mailbox.DefaultHighWater,
		EnqueueWait:        2 * time.Second,
		WatchdogTimeout:    10 * time.Minute,
		WatchdogInterval:   5 * time.Second,
		ShutdownGrace:      10 * time.Second,
		DeadLetterCapacity: DefaultDeadLetterCapacity,
		RetainRuns:         1000,
		EventBuffer:        256,
		SaveTimeout:        5 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MailboxCapacity <= 0 {
		c.MailboxCapacity = d.MailboxCapacity
	}
	if c.HighWater <= 0 || c.HighWater > 1 {
		c.HighWater = d.HighWater
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = d.WatchdogInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	if c.DeadLetterCapacity <= 0 {
		c.DeadLetterCapacity = d.DeadLetterCapacity
	}
	if c.RetainRuns <= 0 {
		c.RetainRuns = d.RetainRuns
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = d.SaveTimeout
	}
	return c
}

// Validate rejects values that cannot work.
func (c Config) Validate() error {
	if c.EnqueueWait < 0 {
		return fmt.Errorf("enqueue wait must not be negative")
	}
	if c.WatchdogTimeout < 0 {
		return fmt.Errorf("watchdog timeout must not be negative")
	}
	if c.HighWater < 0 || c.HighWater > 1 {
		return fmt.Errorf("high water must be between 0 and 1, got %v", c.HighWater)
	}
	return nil
}
