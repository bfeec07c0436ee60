// Package jobs drives the periodic expiry sweep. It runs inside the API
// process: the session store is process-local memory, so there is
// nothing for an out-of-process worker to sweep.
package jobs

import (
	"context"
	"log"
	"time"

	"github.com/examforge/vmlab-control-plane/internal/metrics"
)

// Sweeper removes expired sessions and tears down their VMs.
type Sweeper interface {
	SweepExpiredSessions(ctx context.Context, maxAge time.Duration) int
}

type Runner struct {
	sweeper  Sweeper
	maxAge   time.Duration
	interval time.Duration
}

func NewRunner(sweeper Sweeper, maxAge, interval time.Duration) *Runner {
	return &Runner{sweeper: sweeper, maxAge: maxAge, interval: interval}
}

// Start launches the sweep loop and returns. The loop stops when ctx is
// cancelled.
func (r *Runner) Start(ctx context.Context) {
	go r.runEvery(ctx, "session_expiry_sweep", r.interval, func(c context.Context) int {
		return r.sweeper.SweepExpiredSessions(c, r.maxAge)
	})
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) int) {
	r.runOnce(ctx, name, fn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) int) {
	start := time.Now()
	cleaned := fn(ctx)
	durMS := float64(time.Since(start).Milliseconds())
	log.Printf("metric=job_run name=%s status=ok cleaned=%d duration_ms=%d", name, cleaned, int64(durMS))
	metrics.Default().IncCounter("vmlab_job_runs_total", map[string]string{"job": name, "status": "ok"})
	metrics.Default().ObserveHistogram("vmlab_job_duration_ms", durMS, map[string]string{"job": name})
}
