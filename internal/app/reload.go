package app

import (
	"github.com/zjrosen/quill/internal/config"
	"github.com/zjrosen/quill/internal/log"
	"github.com/zjrosen/quill/internal/watcher"
)

// LoadFunc re-reads configuration from its sources.
type LoadFunc func() (config.Config, error)

// WatchConfig reloads monitor thresholds whenever path changes. Only the
// thresholds are applied live; other settings take effect on the next start.
// The returned stop function ends the watch.
func (a *App) WatchConfig(path string, load LoadFunc) (stop func(), err error) {
	w, err := watcher.New(watcher.DefaultConfig(path))
	if err != nil {
		return nil, err
	}
	changes, err := w.Start()
	if err != nil {
		_ = w.Stop()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-changes:
				a.reload(load)
			}
		}
	}()

	return func() {
		close(done)
		_ = w.Stop()
	}, nil
}

func (a *App) reload(load LoadFunc) {
	cfg, err := load()
	if err != nil {
		log.ErrorErr(log.CatConfig, "Config reload failed", err)
		return
	}
	if err := a.monitor.SetThresholds(cfg.Monitor.Thresholds); err != nil {
		log.ErrorErr(log.CatConfig, "Rejected reloaded thresholds", err)
		return
	}
	log.Info(log.CatConfig, "Reloaded monitor thresholds",
		"cpu", cfg.Monitor.Thresholds.CPUPercent,
		"memory", cfg.Monitor.Thresholds.MemoryPercent,
		"stage_duration", cfg.Monitor.Thresholds.StageDuration)
}
