package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/email-intel/internal/chain"
	"github.com/ignite/email-intel/internal/domain"
	"github.com/ignite/email-intel/internal/metrics"
	"github.com/ignite/email-intel/internal/pkg/distlock"
	"github.com/ignite/email-intel/internal/pkg/logger"
	"github.com/ignite/email-intel/internal/store"
)

// Store is the persistence surface the phase handlers share.
type Store interface {
	GetEmail(ctx context.Context, id string) (*domain.Email, error)
	AppendPhaseResult(ctx context.Context, emailID string, phase int, result any, confidence float64, tokens int, model string, durationMS int64) error
	UpdateStatus(ctx context.Context, id string, oldStatus, newStatus domain.Status, fields store.StatusFields) error
	ListChainEmails(ctx context.Context, chainID string) ([]*domain.Email, error)
	GetChain(ctx context.Context, id string) (*domain.Chain, error)
}

// Enqueuer hands successor jobs to the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *domain.Job) (bool, error)
}

// ChainRefresher recomputes chain state after new analysis lands.
type ChainRefresher interface {
	Refresh(ctx context.Context, chainID string) (*chain.Snapshot, error)
}

// RuleEngine is the Phase 1 triage engine.
type RuleEngine interface {
	Analyze(e *domain.Email) *domain.Phase1Result
}

// LockFactory builds a distributed lock for a key. Chain refresh and
// routing are serialized per chain across all worker processes.
type LockFactory func(key string) distlock.DistLock

const chainLockWait = 10 * time.Second

// Phase1Handler runs rule triage, refreshes the email's chain, and routes
// chain members to the next phase their chain's completeness recommends.
type Phase1Handler struct {
	store   Store
	engine  RuleEngine
	chains  ChainRefresher
	queue   Enqueuer
	locks   LockFactory
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewPhase1Handler wires the Phase 1 handler.
func NewPhase1Handler(st Store, engine RuleEngine, chains ChainRefresher, q Enqueuer, locks LockFactory, m *metrics.Metrics, log *logger.Logger) *Phase1Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Phase1Handler{
		store:   st,
		engine:  engine,
		chains:  chains,
		queue:   q,
		locks:   locks,
		metrics: m,
		log:     log.With("component", "phase1_handler"),
	}
}

// Phase implements Handler.
func (h *Phase1Handler) Phase() int { return 1 }

// Handle implements Handler. Emails already past pending are skipped, which
// makes redelivered jobs harmless.
func (h *Phase1Handler) Handle(ctx context.Context, job *domain.Job) error {
	for _, emailID := range job.EmailIDs {
		if err := h.handleEmail(ctx, emailID); err != nil {
			return fmt.Errorf("phase1 email %s: %w", emailID, err)
		}
	}
	return nil
}

func (h *Phase1Handler) handleEmail(ctx context.Context, emailID string) error {
	e, err := h.store.GetEmail(ctx, emailID)
	if errors.Is(err, store.ErrNotFound) {
		h.log.Warn("email vanished before triage", "email_id", emailID)
		return nil
	}
	if err != nil {
		return err
	}

	if e.Status == domain.StatusPending {
		start := time.Now()
		result := h.engine.Analyze(e)
		elapsed := time.Since(start)

		if err := h.store.AppendPhaseResult(ctx, e.ID, 1, result, result.Confidence, 0, "rules", elapsed.Milliseconds()); err != nil {
			return err
		}
		if err := h.store.UpdateStatus(ctx, e.ID, domain.StatusPending, domain.StatusPhase1Complete, store.StatusFields{}); err != nil {
			if !errors.Is(err, store.ErrConflict) {
				return err
			}
			// Another delivery of this job won the race; the result row is
			// identical, so carry on to routing.
		}
		e.Phase1Result = result
		h.log.Info("email triaged",
			"email_id", e.ID,
			"workflow", string(result.WorkflowCategory),
			"priority", string(result.Priority),
			"confidence", fmt.Sprintf("%.2f", result.Confidence))
	}

	if e.ChainID == nil {
		return nil
	}
	return h.refreshAndRoute(ctx, *e.ChainID)
}

// refreshAndRoute recomputes the chain under its lock and enqueues the
// phase the new completeness recommends for every member that is ready for
// it. This is what lets a late reply pull the whole conversation into
// deeper analysis.
func (h *Phase1Handler) refreshAndRoute(ctx context.Context, chainID string) error {
	lock := h.locks("chain:" + chainID)
	ok, err := distlock.AcquireWithRetry(ctx, lock, chainLockWait)
	if err != nil {
		return fmt.Errorf("chain lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("chain %s lock contention exceeded %s", chainID, chainLockWait)
	}
	defer lock.Release(ctx)

	snap, err := h.chains.Refresh(ctx, chainID)
	if err != nil {
		return fmt.Errorf("chain refresh: %w", err)
	}
	h.metrics.ObserveCompleteness(snap.CompletenessScore)

	if snap.RecommendedPhase < 2 {
		return nil
	}

	members, err := h.store.ListChainEmails(ctx, chainID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.Terminal() {
			continue
		}
		switch m.Status {
		case domain.StatusPhase1Complete, domain.StatusPhase2Failed:
			if err := enqueueNext(ctx, h.queue, m, 2); err != nil {
				return err
			}
		case domain.StatusPhase2Complete, domain.StatusPhase3Failed:
			if snap.RecommendedPhase >= 3 {
				if err := enqueueNext(ctx, h.queue, m, 3); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// enqueueNext enqueues one email into the given phase stream. The
// idempotency key pins (phase, email) so chain-wide routing sweeps cannot
// flood the queue with duplicates.
func enqueueNext(ctx context.Context, q Enqueuer, e *domain.Email, phase int) error {
	priority := domain.PriorityMedium
	if e.Phase1Result != nil {
		priority = e.Phase1Result.Priority
	}
	_, err := q.Enqueue(ctx, &domain.Job{
		Phase:          phase,
		EmailIDs:       []string{e.ID},
		Priority:       priority,
		IdempotencyKey: fmt.Sprintf("phase%d:%s", phase, e.ID),
	})
	return err
}
