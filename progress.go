package recgo

import (
	"time"

	"golang.org/x/time/rate"
)

// ProgressFunc receives progress events from long-running operations (open
// scan, compaction, migrations, backups). It is fire and forget: panics are
// swallowed and the return has no effect on control flow.
type ProgressFunc func(phase string, pct float64, msg string)

// progressTracker throttles intermediate emissions so a tight rewrite loop
// does not flood the sink. The 0% and 100% events always pass through.
type progressTracker struct {
	fn      ProgressFunc
	phase   string
	limiter *rate.Limiter
}

func newProgressTracker(fn ProgressFunc, phase string) *progressTracker {
	t := &progressTracker{fn: fn, phase: phase}
	if fn != nil {
		t.limiter = rate.NewLimiter(rate.Every(100*time.Millisecond), 1)
	}
	return t
}

func (t *progressTracker) emit(pct float64, msg string) {
	if t.fn == nil {
		return
	}
	if pct > 0 && pct < 100 && !t.limiter.Allow() {
		return
	}
	defer func() { _ = recover() }()
	t.fn(t.phase, pct, msg)
}

func (t *progressTracker) start(msg string) { t.emit(0, msg) }
func (t *progressTracker) done(msg string)  { t.emit(100, msg) }
