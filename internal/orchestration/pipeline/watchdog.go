package pipeline

import (
	"time"

	"github.com/zjrosen/quill/internal/log"
	"github.com/zjrosen/quill/internal/orchestration/message"
)

type staleRun struct {
	id    string
	stage message.StageID
	idle  time.Duration
}

// watchdog fails running runs that have made no progress for WatchdogTimeout.
func (o *Orchestrator) watchdog() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.checkStalled()
		}
	}
}

func (o *Orchestrator) checkStalled() {
	now := o.now()

	o.mu.RLock()
	var stale []staleRun
	for id, r := range o.runs {
		if r.status != StatusRunning {
			continue
		}
		if idle := now.Sub(r.lastProgress); idle > o.cfg.WatchdogTimeout {
			stale = append(stale, staleRun{id: id, stage: r.current, idle: idle})
		}
	}
	o.mu.RUnlock()

	for _, s := range stale {
		log.Warn(log.CatPipeline, "Watchdog timeout", "run", s.id, "stage", s.stage, "idle", s.idle)
		o.fail(s.id, s.stage, &WatchdogTimeoutError{Stage: s.stage, Idle: s.idle})
	}
}
