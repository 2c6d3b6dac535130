package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ignite/email-intel/internal/pkg/logger"
)

// DepthFunc reports the current ready depth of the phase 1 stream.
type DepthFunc func(ctx context.Context) (int64, error)

// Backpressure gates ingest against the phase 1 stream depth with
// hysteresis: intake pauses at the high-water mark and resumes only once
// the backlog has drained to half of it, so the gate doesn't flap.
type Backpressure struct {
	depth     DepthFunc
	highWater int64
	log       *logger.Logger

	mu        sync.Mutex
	paused    bool
	lastCheck time.Time
	lastDepth int64
}

// checkInterval bounds how often the depth is re-read; admission decisions
// between checks reuse the cached depth.
const checkInterval = 2 * time.Second

// NewBackpressure creates the ingest gate. highWater <= 0 disables it.
func NewBackpressure(depth DepthFunc, highWater int64, log *logger.Logger) *Backpressure {
	if log == nil {
		log = logger.Default()
	}
	return &Backpressure{depth: depth, highWater: highWater, log: log.With("component", "backpressure")}
}

// Admit reports whether new intake may enqueue work right now. Depth read
// errors admit: a broken gauge must not stop the pipeline.
func (b *Backpressure) Admit(ctx context.Context) bool {
	if b.highWater <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if time.Since(b.lastCheck) >= checkInterval {
		d, err := b.depth(ctx)
		if err == nil {
			b.lastDepth = d
		}
		b.lastCheck = time.Now()
	}

	if b.paused {
		if b.lastDepth <= b.highWater/2 {
			b.paused = false
			b.log.Info("backpressure released", "depth", b.lastDepth, "high_water", b.highWater)
		}
	} else if b.lastDepth >= b.highWater {
		b.paused = true
		b.log.Warn("backpressure engaged", "depth", b.lastDepth, "high_water", b.highWater)
	}
	return !b.paused
}

// Paused reports the current gate state without refreshing the depth.
func (b *Backpressure) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}
