// Package analyzer holds the two LLM-backed analysis phases. Phase 2
// validates and enhances the rule-based triage with the mid-tier model;
// Phase 3 produces strategic analysis with the high-tier model on chains
// whose completeness earns it.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ignite/email-intel/internal/domain"
	"github.com/ignite/email-intel/internal/llm"
	"github.com/ignite/email-intel/internal/pkg/logger"
)

// ModelFallback is recorded as model_used when Phase 2 persisted the
// rule-derived fallback instead of a model response.
const ModelFallback = "fallback"

// LLM is the adapter surface the analyzers consume.
type LLM interface {
	GenerateJSON(ctx context.Context, tier llm.Tier, req llm.Request, validate llm.Validator) (map[string]any, *llm.Response, error)
	Model(tier llm.Tier) string
}

// Outcome carries per-call bookkeeping that lands on the email row.
type Outcome struct {
	ModelUsed  string
	TokensUsed int
	FellBack   bool
}

// Phase2 is the mid-tier enhancement analyzer.
type Phase2 struct {
	llm LLM
	log *logger.Logger
}

// NewPhase2 creates the Phase 2 analyzer.
func NewPhase2(client LLM, log *logger.Logger) *Phase2 {
	if log == nil {
		log = logger.Default()
	}
	return &Phase2{llm: client, log: log.With("component", "phase2")}
}

// Analyze enhances one email. siblings are the chain's earlier emails,
// oldest first. When the model output is unsalvageable or fails validation
// after the adapter's retry, a rule-derived fallback result is returned
// with ModelUsed = "fallback"; the fallback never contradicts or degrades
// the Phase 1 result. Transient errors (circuit open, timeouts) surface to
// the caller for nack/backoff.
func (p *Phase2) Analyze(ctx context.Context, e *domain.Email, siblings []*domain.Email) (*domain.Phase2Result, *Outcome, error) {
	if e.Phase1Result == nil {
		return nil, nil, fmt.Errorf("phase2: email %s has no phase 1 result", e.ID)
	}

	prompt := buildPhase2Prompt(e, siblings)
	obj, resp, err := p.llm.GenerateJSON(ctx, llm.TierMid,
		llm.Request{Prompt: prompt, Temperature: 0.2}, validatePhase2)
	if err != nil {
		if errors.Is(err, llm.ErrResponseShape) || errors.Is(err, llm.ErrValidation) {
			p.log.Warn("phase 2 falling back to rule-derived result",
				"email_id", e.ID, "error", err.Error())
			return Phase2Fallback(e.Phase1Result), &Outcome{ModelUsed: ModelFallback, FellBack: true}, nil
		}
		return nil, nil, err
	}

	result, err := decodePhase2(obj)
	if err != nil {
		// Validator passed but the object doesn't map onto the schema
		p.log.Warn("phase 2 result undecodable, falling back",
			"email_id", e.ID, "error", err.Error())
		return Phase2Fallback(e.Phase1Result), &Outcome{ModelUsed: ModelFallback, FellBack: true}, nil
	}

	return result, &Outcome{ModelUsed: resp.Model, TokensUsed: resp.TokensUsed}, nil
}

// validatePhase2 is the quality gate passed to the adapter.
func validatePhase2(obj map[string]any) error {
	for _, field := range []string{"workflow_validation", "risk_assessment", "confidence"} {
		if _, ok := obj[field]; !ok {
			return fmt.Errorf("missing field %q", field)
		}
	}
	conf, ok := obj["confidence"].(float64)
	if !ok || conf < 0 || conf > 1 {
		return fmt.Errorf("confidence out of range")
	}
	return nil
}

func decodePhase2(obj map[string]any) (*domain.Phase2Result, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	var result domain.Phase2Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	result.Confidence = domain.Clamp01(result.Confidence)
	if !result.WorkflowValidation.Confirmed && result.WorkflowValidation.RevisedCategory == "" {
		// A refutation without a revised category is useless; treat as confirm
		result.WorkflowValidation.Confirmed = true
	}
	if result.RiskAssessment.Level == "" {
		result.RiskAssessment.Level = domain.RiskNone
	}
	for i := range result.ActionItems {
		result.ActionItems[i].Priority = domain.ParsePriority(string(result.ActionItems[i].Priority))
	}
	return &result, nil
}

// Phase2Fallback derives a Phase 2 result from the Phase 1 analysis alone.
// It confirms the rule-based category, carries no new entities, maps the
// rule priority onto a conservative risk level, and caps its confidence at
// the Phase 1 confidence so a broken model run can never look more certain
// than the rules it replaced.
func Phase2Fallback(p1 *domain.Phase1Result) *domain.Phase2Result {
	result := &domain.Phase2Result{
		WorkflowValidation: domain.WorkflowValidation{
			Confirmed: true,
			Reasoning: "rule-derived fallback; model output unusable",
		},
		MissedEntities: domain.EntityMap{},
		RiskAssessment: fallbackRisk(p1),
		Confidence:     domain.Clamp01(p1.Confidence),
	}

	if p1.Signals["has_deadline"] {
		result.ActionItems = append(result.ActionItems, domain.ActionItem{
			Description: "Respond before the referenced deadline",
			Priority:    p1.Priority,
		})
	}
	if p1.Signals["has_po"] {
		result.ActionItems = append(result.ActionItems, domain.ActionItem{
			Description: "Process the referenced purchase order",
			Priority:    p1.Priority,
		})
	}
	return result
}

func fallbackRisk(p1 *domain.Phase1Result) domain.RiskAssessment {
	var level domain.RiskLevel
	var factors []string
	switch p1.Priority {
	case domain.PriorityCritical:
		level = domain.RiskHigh
	case domain.PriorityHigh:
		level = domain.RiskMedium
	case domain.PriorityMedium:
		level = domain.RiskLow
	default:
		level = domain.RiskNone
	}
	if p1.WorkflowCategory == domain.WorkflowEscalation {
		level = domain.RiskHigh
		factors = append(factors, "escalation markers present")
	}
	if p1.Signals["urgency"] {
		factors = append(factors, "urgency keywords present")
	}
	return domain.RiskAssessment{Level: level, Factors: factors}
}
