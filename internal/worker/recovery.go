package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ignite/email-intel/internal/metrics"
	"github.com/ignite/email-intel/internal/pkg/logger"
	"github.com/ignite/email-intel/internal/queue"
)

// QueueAdmin is the maintenance surface of the queue.
type QueueAdmin interface {
	RecoverExpired(ctx context.Context, phase int) (requeued, dead int, err error)
	PromoteAged(ctx context.Context, phase int) (int, error)
	Stats(ctx context.Context, phase int) (*queue.Stats, error)
}

// Recovery is the queue maintenance loop: it sweeps expired leases back
// into the streams, promotes aged jobs, and refreshes the queue gauges.
// Run one per worker process; the sweeps are atomic server-side, so
// overlapping processes are safe.
type Recovery struct {
	queue    QueueAdmin
	phases   []int
	interval time.Duration
	metrics  *metrics.Metrics
	log      *logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRecovery creates the maintenance loop over the given phases.
func NewRecovery(q QueueAdmin, phases []int, interval time.Duration, m *metrics.Metrics, log *logger.Logger) *Recovery {
	if log == nil {
		log = logger.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Recovery{
		queue:    q,
		phases:   phases,
		interval: interval,
		metrics:  m,
		log:      log.With("component", "queue_recovery"),
	}
}

// Start runs an immediate sweep (crash recovery at boot) and then ticks.
func (r *Recovery) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sweep(loopCtx)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				r.sweep(loopCtx)
			}
		}
	}()
}

// Stop halts the loop.
func (r *Recovery) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	r.cancel()
	r.wg.Wait()
}

func (r *Recovery) sweep(ctx context.Context) {
	for _, phase := range r.phases {
		if _, _, err := r.queue.RecoverExpired(ctx, phase); err != nil {
			r.log.Error("lease recovery failed", "phase", phase, "error", err.Error())
		}
		if _, err := r.queue.PromoteAged(ctx, phase); err != nil {
			r.log.Error("priority aging failed", "phase", phase, "error", err.Error())
		}
		if stats, err := r.queue.Stats(ctx, phase); err == nil {
			r.metrics.SetQueueGauges(phaseName(phase), stats.Depth, stats.Leased, stats.DeadLetters)
		}
	}
}
