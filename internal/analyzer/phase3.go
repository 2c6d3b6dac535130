package analyzer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ignite/email-intel/internal/domain"
	"github.com/ignite/email-intel/internal/llm"
	"github.com/ignite/email-intel/internal/pkg/logger"
)

// Phase3 is the high-tier strategic analyzer. It has no fallback: a chain
// that earned Phase 3 either gets a real strategic analysis or the job
// fails and the email lands in phase3_failed for retry.
type Phase3 struct {
	llm LLM
	log *logger.Logger
}

// NewPhase3 creates the Phase 3 analyzer.
func NewPhase3(client LLM, log *logger.Logger) *Phase3 {
	if log == nil {
		log = logger.Default()
	}
	return &Phase3{llm: client, log: log.With("component", "phase3")}
}

// Analyze produces the strategic assessment for one email, given the full
// ordered chain history (budget-capped inside the prompt builder).
func (p *Phase3) Analyze(ctx context.Context, e *domain.Email, chainEmails []*domain.Email, chainType domain.ChainType, completeness float64) (*domain.Phase3Result, *Outcome, error) {
	if e.Phase1Result == nil {
		return nil, nil, fmt.Errorf("phase3: email %s has no phase 1 result", e.ID)
	}
	if e.Phase2Result == nil {
		return nil, nil, fmt.Errorf("phase3: email %s has no phase 2 result", e.ID)
	}

	prompt := buildPhase3Prompt(e, chainEmails, chainType, completeness)
	obj, resp, err := p.llm.GenerateJSON(ctx, llm.TierHigh,
		llm.Request{Prompt: prompt, Temperature: 0.3}, validatePhase3)
	if err != nil {
		return nil, nil, err
	}

	result, err := decodePhase3(obj)
	if err != nil {
		return nil, nil, fmt.Errorf("phase3: %w", err)
	}
	return result, &Outcome{ModelUsed: resp.Model, TokensUsed: resp.TokensUsed}, nil
}

func validatePhase3(obj map[string]any) error {
	summary, _ := obj["executive_summary"].(string)
	if summary == "" {
		return fmt.Errorf("empty executive_summary")
	}
	conf, ok := obj["confidence"].(float64)
	if !ok || conf < 0 || conf > 1 {
		return fmt.Errorf("confidence out of range")
	}
	return nil
}

func decodePhase3(obj map[string]any) (*domain.Phase3Result, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	var result domain.Phase3Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	result.Confidence = domain.Clamp01(result.Confidence)
	for k, v := range result.PredictiveAnalytics.OutcomeProbability {
		result.PredictiveAnalytics.OutcomeProbability[k] = domain.Clamp01(v)
	}
	return &result, nil
}
