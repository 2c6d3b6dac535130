package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/email-intel/internal/analyzer"
	"github.com/ignite/email-intel/internal/domain"
	"github.com/ignite/email-intel/internal/metrics"
	"github.com/ignite/email-intel/internal/pkg/logger"
	"github.com/ignite/email-intel/internal/store"
)

// Phase2Analyzer is the mid-tier enhancement analyzer surface.
type Phase2Analyzer interface {
	Analyze(ctx context.Context, e *domain.Email, siblings []*domain.Email) (*domain.Phase2Result, *analyzer.Outcome, error)
}

// Phase2Handler runs mid-tier enhancement and routes to Phase 3 when the
// chain's completeness recommends it.
type Phase2Handler struct {
	store    Store
	analyzer Phase2Analyzer
	queue    Enqueuer
	metrics  *metrics.Metrics
	log      *logger.Logger
}

// NewPhase2Handler wires the Phase 2 handler.
func NewPhase2Handler(st Store, a Phase2Analyzer, q Enqueuer, m *metrics.Metrics, log *logger.Logger) *Phase2Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Phase2Handler{store: st, analyzer: a, queue: q, metrics: m, log: log.With("component", "phase2_handler")}
}

// Phase implements Handler.
func (h *Phase2Handler) Phase() int { return 2 }

// Handle implements Handler.
func (h *Phase2Handler) Handle(ctx context.Context, job *domain.Job) error {
	for _, emailID := range job.EmailIDs {
		if err := h.handleEmail(ctx, emailID); err != nil {
			return fmt.Errorf("phase2 email %s: %w", emailID, err)
		}
	}
	return nil
}

func (h *Phase2Handler) handleEmail(ctx context.Context, emailID string) error {
	e, err := h.store.GetEmail(ctx, emailID)
	if errors.Is(err, store.ErrNotFound) {
		h.log.Warn("email vanished before enhancement", "email_id", emailID)
		return nil
	}
	if err != nil {
		return err
	}

	switch e.Status {
	case domain.StatusPhase1Complete, domain.StatusPhase2Failed:
		// eligible
	case domain.StatusPhase2Complete, domain.StatusPhase3Complete, domain.StatusPhase3Failed:
		// Redelivery after completion; just make sure routing happened.
		return h.route(ctx, e)
	default:
		h.log.Warn("email not eligible for phase 2", "email_id", e.ID, "status", string(e.Status))
		return nil
	}

	siblings, err := h.priorSiblings(ctx, e)
	if err != nil {
		return err
	}

	start := time.Now()
	result, outcome, err := h.analyzer.Analyze(ctx, e, siblings)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	if err := h.store.AppendPhaseResult(ctx, e.ID, 2, result, result.Confidence,
		outcome.TokensUsed, outcome.ModelUsed, elapsed.Milliseconds()); err != nil {
		return err
	}
	if outcome.FellBack {
		h.metrics.CountFallback()
	}
	h.metrics.CountTokens("mid_tier", outcome.TokensUsed)

	cleared := ""
	if err := h.store.UpdateStatus(ctx, e.ID, e.Status, domain.StatusPhase2Complete,
		store.StatusFields{ErrorMessage: &cleared}); err != nil && !errors.Is(err, store.ErrConflict) {
		return err
	}
	h.log.Info("email enhanced", "email_id", e.ID, "model", outcome.ModelUsed,
		"fallback", fmt.Sprintf("%t", outcome.FellBack))

	e.Status = domain.StatusPhase2Complete
	e.Phase2Result = result
	return h.route(ctx, e)
}

// priorSiblings returns the chain's emails received before e, oldest first.
func (h *Phase2Handler) priorSiblings(ctx context.Context, e *domain.Email) ([]*domain.Email, error) {
	if e.ChainID == nil {
		return nil, nil
	}
	members, err := h.store.ListChainEmails(ctx, *e.ChainID)
	if err != nil {
		return nil, err
	}
	var prior []*domain.Email
	for _, m := range members {
		if m.ID != e.ID && !m.ReceivedAt.After(e.ReceivedAt) {
			prior = append(prior, m)
		}
	}
	return prior, nil
}

func (h *Phase2Handler) route(ctx context.Context, e *domain.Email) error {
	if e.RecommendedPhase < 3 || e.Status != domain.StatusPhase2Complete {
		return nil
	}
	return enqueueNext(ctx, h.queue, e, 3)
}

// Exhausted implements ExhaustedHandler: once the job is dead-lettered the
// email is marked phase2_failed with the final error.
func (h *Phase2Handler) Exhausted(ctx context.Context, job *domain.Job, cause error) {
	msg := "phase 2 attempts exhausted"
	if cause != nil {
		msg = cause.Error()
	}
	for _, emailID := range job.EmailIDs {
		err := h.store.UpdateStatus(ctx, emailID,
			domain.StatusPhase1Complete, domain.StatusPhase2Failed,
			store.StatusFields{ErrorMessage: &msg})
		if err != nil && !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrNotFound) {
			h.log.Error("failed to record phase 2 failure", "email_id", emailID, "error", err.Error())
		}
	}
}
