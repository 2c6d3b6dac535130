package analyzer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ignite/email-intel/internal/domain"
	"github.com/ignite/email-intel/internal/llm"
)

// fakeLLM replays canned JSON objects (or errors) per tier.
type fakeLLM struct {
	objs    map[llm.Tier]map[string]any
	errs    map[llm.Tier]error
	prompts []string
}

func (f *fakeLLM) GenerateJSON(_ context.Context, tier llm.Tier, req llm.Request, validate llm.Validator) (map[string]any, *llm.Response, error) {
	f.prompts = append(f.prompts, req.Prompt)
	if err := f.errs[tier]; err != nil {
		return nil, nil, err
	}
	obj := f.objs[tier]
	if validate != nil {
		if err := validate(obj); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", llm.ErrValidation, err)
		}
	}
	return obj, &llm.Response{Model: f.Model(tier), TokensUsed: 100}, nil
}

func (f *fakeLLM) Model(tier llm.Tier) string { return "fake-" + string(tier) }

func analyzedEmail() *domain.Email {
	return &domain.Email{
		ID:            "e-1",
		Subject:       "Urgent: PO 12345678 approval needed",
		BodyText:      "Please approve the purchase order for $50,000 by Friday.",
		SenderAddress: "buyer@customer.example",
		ReceivedAt:    time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC),
		Phase1Result: &domain.Phase1Result{
			WorkflowCategory: domain.WorkflowOrderProcessing,
			Priority:         domain.PriorityHigh,
			Entities: domain.EntityMap{
				"po_numbers": {{Value: "12345678", Confidence: 0.95}},
			},
			Signals:    map[string]bool{"has_po": true, "has_deadline": true, "urgency": true, "workflow_signal": true},
			Confidence: 0.82,
		},
	}
}

func validPhase2Object() map[string]any {
	return map[string]any{
		"workflow_validation": map[string]any{"confirmed": true, "reasoning": "clear PO approval request"},
		"missed_entities":     map[string]any{},
		"action_items": []any{
			map[string]any{"description": "Approve PO 12345678", "owner": "finance", "deadline": "Friday", "priority": "high"},
		},
		"risk_assessment":    map[string]any{"level": "medium", "factors": []any{"large amount"}},
		"suggested_response": "We are processing your PO.",
		"confidence":         0.88,
	}
}

func TestPhase2DecodesModelResult(t *testing.T) {
	f := &fakeLLM{objs: map[llm.Tier]map[string]any{llm.TierMid: validPhase2Object()}}
	p2 := NewPhase2(f, nil)

	result, outcome, err := p2.Analyze(context.Background(), analyzedEmail(), nil)
	require.NoError(t, err)
	require.True(t, result.WorkflowValidation.Confirmed)
	require.Len(t, result.ActionItems, 1)
	require.Equal(t, domain.PriorityHigh, result.ActionItems[0].Priority)
	require.Equal(t, domain.RiskMedium, result.RiskAssessment.Level)
	require.InDelta(t, 0.88, result.Confidence, 0.0001)
	require.Equal(t, "fake-mid_tier", outcome.ModelUsed)
	require.False(t, outcome.FellBack)
}

func TestPhase2PromptCarriesChainContext(t *testing.T) {
	f := &fakeLLM{objs: map[llm.Tier]map[string]any{llm.TierMid: validPhase2Object()}}
	p2 := NewPhase2(f, nil)

	var siblings []*domain.Email
	for i := 0; i < 8; i++ {
		siblings = append(siblings, &domain.Email{
			ID:            fmt.Sprintf("s-%d", i),
			Subject:       fmt.Sprintf("Re: thread %d", i),
			BodyPreview:   fmt.Sprintf("sibling body %d", i),
			SenderAddress: "peer@customer.example",
			ReceivedAt:    time.Now(),
		})
	}
	_, _, err := p2.Analyze(context.Background(), analyzedEmail(), siblings)
	require.NoError(t, err)

	prompt := f.prompts[0]
	// Only the most recent 5 siblings make it into the context window
	require.NotContains(t, prompt, "sibling body 2")
	for i := 3; i < 8; i++ {
		require.Contains(t, prompt, fmt.Sprintf("sibling body %d", i))
	}
	require.Contains(t, prompt, "PO 12345678")
}

func TestPhase2FallsBackOnUnsalvageableOutput(t *testing.T) {
	f := &fakeLLM{errs: map[llm.Tier]error{llm.TierMid: llm.ErrResponseShape}}
	p2 := NewPhase2(f, nil)

	email := analyzedEmail()
	result, outcome, err := p2.Analyze(context.Background(), email, nil)
	require.NoError(t, err)
	require.True(t, outcome.FellBack)
	require.Equal(t, ModelFallback, outcome.ModelUsed)

	// The fallback must never degrade phase 1 data
	require.True(t, result.WorkflowValidation.Confirmed, "fallback may not refute the rule category")
	require.Empty(t, result.WorkflowValidation.RevisedCategory)
	require.LessOrEqual(t, result.Confidence, email.Phase1Result.Confidence)
	require.Empty(t, result.MissedEntities)
	require.Equal(t, domain.WorkflowOrderProcessing, email.Phase1Result.WorkflowCategory)
	require.Equal(t, domain.PriorityHigh, email.Phase1Result.Priority)
	require.Len(t, email.Phase1Result.Entities["po_numbers"], 1)
}

func TestPhase2FallbackDerivesActionsAndRisk(t *testing.T) {
	email := analyzedEmail()
	result := Phase2Fallback(email.Phase1Result)

	require.Len(t, result.ActionItems, 2) // deadline + PO
	require.Equal(t, domain.RiskMedium, result.RiskAssessment.Level)
	require.Contains(t, result.RiskAssessment.Factors, "urgency keywords present")
}

func TestPhase2PropagatesTransientErrors(t *testing.T) {
	f := &fakeLLM{errs: map[llm.Tier]error{llm.TierMid: llm.ErrCircuitOpen}}
	p2 := NewPhase2(f, nil)

	_, _, err := p2.Analyze(context.Background(), analyzedEmail(), nil)
	require.ErrorIs(t, err, llm.ErrCircuitOpen, "circuit open must reach the worker for nack")
}

func TestPhase2RequiresPhase1(t *testing.T) {
	p2 := NewPhase2(&fakeLLM{}, nil)
	_, _, err := p2.Analyze(context.Background(), &domain.Email{ID: "e-1"}, nil)
	require.Error(t, err)
}

func validPhase3Object() map[string]any {
	return map[string]any{
		"executive_summary": "High-value order close to approval; expedite finance sign-off.",
		"strategic_intelligence": map[string]any{
			"market_opportunity":     "repeat hardware buyer",
			"operational_excellence": "approval loop adds two days of latency",
		},
		"predictive_analytics": map[string]any{
			"outcome_probability": map[string]any{"win": 0.8, "loss": 0.1, "stall": 0.1},
			"forecasting":         "order likely closes this week",
		},
		"roi_analysis": "50k order, minimal servicing cost",
		"confidence":   0.74,
	}
}

func phase3Email() *domain.Email {
	e := analyzedEmail()
	e.Phase2Result = &domain.Phase2Result{
		WorkflowValidation: domain.WorkflowValidation{Confirmed: true},
		RiskAssessment:     domain.RiskAssessment{Level: domain.RiskMedium},
		Confidence:         0.85,
	}
	return e
}

func TestPhase3DecodesModelResult(t *testing.T) {
	f := &fakeLLM{objs: map[llm.Tier]map[string]any{llm.TierHigh: validPhase3Object()}}
	p3 := NewPhase3(f, nil)

	e := phase3Email()
	result, outcome, err := p3.Analyze(context.Background(), e, []*domain.Email{e}, domain.ChainOrderProcessing, 0.8)
	require.NoError(t, err)
	require.NotEmpty(t, result.ExecutiveSummary)
	require.GreaterOrEqual(t, result.Confidence, 0.5)
	require.InDelta(t, 0.8, result.PredictiveAnalytics.OutcomeProbability["win"], 0.0001)
	require.Equal(t, "fake-high_tier", outcome.ModelUsed)
}

func TestPhase3RequiresPhase2(t *testing.T) {
	p3 := NewPhase3(&fakeLLM{}, nil)
	e := analyzedEmail() // no phase 2 result
	_, _, err := p3.Analyze(context.Background(), e, []*domain.Email{e}, domain.ChainGeneral, 0.8)
	require.Error(t, err)
}

func TestPhase3HasNoFallback(t *testing.T) {
	f := &fakeLLM{errs: map[llm.Tier]error{llm.TierHigh: llm.ErrResponseShape}}
	p3 := NewPhase3(f, nil)

	e := phase3Email()
	_, _, err := p3.Analyze(context.Background(), e, []*domain.Email{e}, domain.ChainOrderProcessing, 0.8)
	require.ErrorIs(t, err, llm.ErrResponseShape)
}

func TestPhase3PromptEmbedsPriorPhases(t *testing.T) {
	f := &fakeLLM{objs: map[llm.Tier]map[string]any{llm.TierHigh: validPhase3Object()}}
	p3 := NewPhase3(f, nil)

	e := phase3Email()
	_, _, err := p3.Analyze(context.Background(), e, []*domain.Email{e}, domain.ChainOrderProcessing, 0.8)
	require.NoError(t, err)

	require.Contains(t, f.prompts[0], "Phase 1: {")
	require.Contains(t, f.prompts[0], "Phase 2: {")
	require.Contains(t, f.prompts[0], `"workflow_validation"`)
}

func TestPhase3RollupRespectsBudget(t *testing.T) {
	f := &fakeLLM{objs: map[llm.Tier]map[string]any{llm.TierHigh: validPhase3Object()}}
	p3 := NewPhase3(f, nil)

	big := make([]byte, 3000)
	for i := range big {
		big[i] = 'x'
	}
	var history []*domain.Email
	for i := 0; i < 100; i++ {
		history = append(history, &domain.Email{
			ID:            fmt.Sprintf("h-%d", i),
			Subject:       fmt.Sprintf("msg %d", i),
			BodyText:      string(big),
			SenderAddress: "peer@customer.example",
			ReceivedAt:    time.Now(),
		})
	}
	e := phase3Email()
	_, _, err := p3.Analyze(context.Background(), e, history, domain.ChainOrderProcessing, 0.9)
	require.NoError(t, err)

	require.Less(t, len(f.prompts[0]), phase3ContextBudget+8000,
		"rollup must stay within the context budget")
	// Oldest entries drop first; the newest always survives the cap
	require.NotContains(t, f.prompts[0], "| msg 0\n")
	require.Contains(t, f.prompts[0], "| msg 99\n")
}
