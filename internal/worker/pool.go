// Package worker runs the per-phase worker pools over the job queue. Each
// phase has its own concurrency and job timeout; workers lease jobs, run
// the phase handler, and ack or nack. Shutdown drains in-flight jobs for a
// bounded window before hard-cancelling.
package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/email-intel/internal/domain"
	"github.com/ignite/email-intel/internal/llm"
	"github.com/ignite/email-intel/internal/metrics"
	"github.com/ignite/email-intel/internal/pkg/logger"
)

// JobQueue is the queue surface the pool consumes.
type JobQueue interface {
	Dequeue(ctx context.Context, phase int) (*domain.Job, error)
	Ack(ctx context.Context, job *domain.Job) error
	Nack(ctx context.Context, job *domain.Job, cause error) (bool, error)
	Release(ctx context.Context, job *domain.Job, delay time.Duration, cause error) error
}

// breakerHold is how long a job leased during an open breaker waits before
// redelivery. Half the breaker cooldown keeps redelivery prompt once the
// model recovers.
const breakerHold = 30 * time.Second

// Handler processes jobs for one phase.
type Handler interface {
	Phase() int
	Handle(ctx context.Context, job *domain.Job) error
}

// ExhaustedHandler is implemented by handlers that need to record a final
// failure once a job is dead-lettered.
type ExhaustedHandler interface {
	Exhausted(ctx context.Context, job *domain.Job, cause error)
}

// PoolConfig sizes the pool.
type PoolConfig struct {
	Concurrency map[int]int           // workers per phase
	Timeouts    map[int]time.Duration // job timeout per phase
	DrainWindow time.Duration         // graceful shutdown budget
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Running      bool          `json:"running"`
	Processed    int64         `json:"processed"`
	Failed       int64         `json:"failed"`
	DeadLettered int64         `json:"dead_lettered"`
	Workers      map[int]int   `json:"workers"`
	Uptime       time.Duration `json:"uptime"`
}

// Pool drives the phase workers.
type Pool struct {
	queue    JobQueue
	handlers map[int]Handler
	cfg      PoolConfig
	metrics  *metrics.Metrics
	log      *logger.Logger

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
	stopCh    chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	processed    atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
}

// NewPool creates a pool over the given handlers.
func NewPool(q JobQueue, handlers []Handler, cfg PoolConfig, m *metrics.Metrics, log *logger.Logger) *Pool {
	if log == nil {
		log = logger.Default()
	}
	byPhase := make(map[int]Handler, len(handlers))
	for _, h := range handlers {
		byPhase[h.Phase()] = h
	}
	if cfg.DrainWindow <= 0 {
		cfg.DrainWindow = 60 * time.Second
	}
	return &Pool{
		queue:    q,
		handlers: byPhase,
		cfg:      cfg,
		metrics:  m,
		log:      log.With("component", "worker_pool"),
	}
}

// Start launches the workers. Idempotent: a running pool ignores Start.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.startedAt = time.Now()
	p.stopCh = make(chan struct{})

	jobCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for phase, h := range p.handlers {
		n := p.cfg.Concurrency[phase]
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			p.wg.Add(1)
			go p.runWorker(jobCtx, phase, h, i)
		}
		p.log.Info("phase workers started", "phase", phase, "concurrency", n)
	}
}

// Stop drains the pool: workers stop leasing immediately, in-flight jobs
// get the drain window to finish, then the job context is cancelled.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool drained")
	case <-time.After(p.cfg.DrainWindow):
		p.log.Warn("drain window elapsed, cancelling in-flight jobs")
		p.cancel()
		<-done
	}
	p.cancel()
}

// Stats reports pool counters.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	workers := make(map[int]int, len(p.handlers))
	for phase := range p.handlers {
		n := p.cfg.Concurrency[phase]
		if n < 1 {
			n = 1
		}
		workers[phase] = n
	}
	s := Stats{
		Running:      p.running,
		Processed:    p.processed.Load(),
		Failed:       p.failed.Load(),
		DeadLettered: p.deadLettered.Load(),
		Workers:      workers,
	}
	if p.running {
		s.Uptime = time.Since(p.startedAt)
	}
	return s
}

func (p *Pool) runWorker(ctx context.Context, phase int, h Handler, idx int) {
	defer p.wg.Done()
	log := p.log.With("phase", phase, "worker", idx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, phase)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", "error", err.Error())
			p.idle(ctx, 2*time.Second)
			continue
		}
		if job == nil {
			p.idle(ctx, 500*time.Millisecond)
			continue
		}

		p.process(ctx, phase, h, job, log)
	}
}

func (p *Pool) process(ctx context.Context, phase int, h Handler, job *domain.Job, log *logger.Logger) {
	phaseLabel := phaseName(phase)
	p.metrics.WorkerActive(phaseLabel, 1)
	defer p.metrics.WorkerActive(phaseLabel, -1)

	if !job.EnqueuedAt.IsZero() {
		p.metrics.ObserveQueueWait(phaseLabel, time.Since(job.EnqueuedAt).Seconds())
	}

	timeout := p.cfg.Timeouts[phase]
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := h.Handle(jobCtx, job)
	elapsed := time.Since(start)

	if err == nil {
		p.metrics.ObservePhase(phaseLabel, elapsed.Seconds(), false)
		p.processed.Add(1)
		if ackErr := p.queue.Ack(ctx, job); ackErr != nil {
			log.Error("ack failed", "job_id", job.JobID, "error", ackErr.Error())
		}
		return
	}

	p.metrics.ObservePhase(phaseLabel, elapsed.Seconds(), true)
	p.failed.Add(1)
	log.Warn("job failed", "job_id", job.JobID, "attempts", job.Attempts, "error", err.Error())

	// While the model's breaker is open every job fails fast through no
	// fault of its own. Put the job back without spending an attempt and
	// let the workers idle out the cooldown.
	if errors.Is(err, llm.ErrCircuitOpen) {
		if relErr := p.queue.Release(ctx, job, breakerHold, err); relErr != nil {
			log.Error("release failed", "job_id", job.JobID, "error", relErr.Error())
		}
		p.idle(ctx, 5*time.Second)
		return
	}

	dead, nackErr := p.queue.Nack(ctx, job, err)
	if nackErr != nil {
		log.Error("nack failed", "job_id", job.JobID, "error", nackErr.Error())
		return
	}
	if dead {
		p.deadLettered.Add(1)
		if eh, ok := h.(ExhaustedHandler); ok {
			eh.Exhausted(ctx, job, err)
		}
	}
}

// idle sleeps with jitter, waking early on shutdown.
func (p *Pool) idle(ctx context.Context, base time.Duration) {
	d := base/2 + time.Duration(rand.Int63n(int64(base)))
	select {
	case <-ctx.Done():
	case <-p.stopCh:
	case <-time.After(d):
	}
}

func phaseName(phase int) string {
	switch phase {
	case 1:
		return "phase1"
	case 2:
		return "phase2"
	case 3:
		return "phase3"
	default:
		return "unknown"
	}
}
