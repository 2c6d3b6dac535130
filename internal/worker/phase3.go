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

// Phase3Analyzer is the high-tier strategic analyzer surface.
type Phase3Analyzer interface {
	Analyze(ctx context.Context, e *domain.Email, chainEmails []*domain.Email, chainType domain.ChainType, completeness float64) (*domain.Phase3Result, *analyzer.Outcome, error)
}

// Phase3Handler runs the high-tier strategic analysis.
type Phase3Handler struct {
	store    Store
	analyzer Phase3Analyzer
	metrics  *metrics.Metrics
	log      *logger.Logger
}

// NewPhase3Handler wires the Phase 3 handler.
func NewPhase3Handler(st Store, a Phase3Analyzer, m *metrics.Metrics, log *logger.Logger) *Phase3Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Phase3Handler{store: st, analyzer: a, metrics: m, log: log.With("component", "phase3_handler")}
}

// Phase implements Handler.
func (h *Phase3Handler) Phase() int { return 3 }

// Handle implements Handler.
func (h *Phase3Handler) Handle(ctx context.Context, job *domain.Job) error {
	for _, emailID := range job.EmailIDs {
		if err := h.handleEmail(ctx, emailID); err != nil {
			return fmt.Errorf("phase3 email %s: %w", emailID, err)
		}
	}
	return nil
}

func (h *Phase3Handler) handleEmail(ctx context.Context, emailID string) error {
	e, err := h.store.GetEmail(ctx, emailID)
	if errors.Is(err, store.ErrNotFound) {
		h.log.Warn("email vanished before strategic analysis", "email_id", emailID)
		return nil
	}
	if err != nil {
		return err
	}

	switch e.Status {
	case domain.StatusPhase2Complete, domain.StatusPhase3Failed:
		// eligible
	case domain.StatusPhase3Complete:
		return nil // redelivery after completion
	default:
		h.log.Warn("email not eligible for phase 3", "email_id", e.ID, "status", string(e.Status))
		return nil
	}

	chainEmails := []*domain.Email{e}
	chainType := domain.ChainGeneral
	completeness := e.CompletenessScore
	if e.ChainID != nil {
		if members, err := h.store.ListChainEmails(ctx, *e.ChainID); err == nil && len(members) > 0 {
			chainEmails = members
		}
		if c, err := h.store.GetChain(ctx, *e.ChainID); err == nil {
			chainType = c.ChainType
			completeness = c.CompletenessScore
		}
	}

	start := time.Now()
	result, outcome, err := h.analyzer.Analyze(ctx, e, chainEmails, chainType, completeness)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	if err := h.store.AppendPhaseResult(ctx, e.ID, 3, result, result.Confidence,
		outcome.TokensUsed, outcome.ModelUsed, elapsed.Milliseconds()); err != nil {
		return err
	}
	h.metrics.CountTokens("high_tier", outcome.TokensUsed)

	cleared := ""
	if err := h.store.UpdateStatus(ctx, e.ID, e.Status, domain.StatusPhase3Complete,
		store.StatusFields{ErrorMessage: &cleared}); err != nil && !errors.Is(err, store.ErrConflict) {
		return err
	}
	h.log.Info("email strategically analyzed", "email_id", e.ID,
		"model", outcome.ModelUsed, "duration_ms", elapsed.Milliseconds())
	return nil
}

// Exhausted implements ExhaustedHandler.
func (h *Phase3Handler) Exhausted(ctx context.Context, job *domain.Job, cause error) {
	msg := "phase 3 attempts exhausted"
	if cause != nil {
		msg = cause.Error()
	}
	for _, emailID := range job.EmailIDs {
		err := h.store.UpdateStatus(ctx, emailID,
			domain.StatusPhase2Complete, domain.StatusPhase3Failed,
			store.StatusFields{ErrorMessage: &msg})
		if err != nil && !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrNotFound) {
			h.log.Error("failed to record phase 3 failure", "email_id", emailID, "error", err.Error())
		}
	}
}
