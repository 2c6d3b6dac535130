package domain

// WorkflowCategory is the Phase 1 triage classification of a single email.
type WorkflowCategory string

const (
	WorkflowQuoteRequest      WorkflowCategory = "quote_request"
	WorkflowOrderProcessing   WorkflowCategory = "order_processing"
	WorkflowShippingLogistics WorkflowCategory = "shipping_logistics"
	WorkflowSupportTicket     WorkflowCategory = "support_ticket"
	WorkflowEscalation        WorkflowCategory = "escalation"
	WorkflowDealRegistration  WorkflowCategory = "deal_registration"
	WorkflowApproval          WorkflowCategory = "approval"
	WorkflowRenewal           WorkflowCategory = "renewal"
	WorkflowVendorManagement  WorkflowCategory = "vendor_management"
	WorkflowGeneral           WorkflowCategory = "general"
)

// Entity is a single extracted value with its confidence and the character
// span in the body it was found at.
type Entity struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	SpanStart  int     `json:"span_start"`
	SpanEnd    int     `json:"span_end"`
}

// EntityMap groups extracted entities by kind. Keys are the fixed entity
// kinds: po_numbers, quote_numbers, case_numbers, part_numbers,
// money_amounts, dates, people, organizations.
type EntityMap map[string][]Entity

// Phase1Result is the deterministic rule-based triage output.
type Phase1Result struct {
	WorkflowCategory WorkflowCategory `json:"workflow_category"`
	Priority         Priority         `json:"priority"`
	Entities         EntityMap        `json:"entities"`
	Signals          map[string]bool  `json:"signals"`
	Confidence       float64          `json:"confidence"`
	RulesVersion     string           `json:"rules_version"`
}

// WorkflowValidation is the Phase 2 confirmation or refutation of the
// Phase 1 category.
type WorkflowValidation struct {
	Confirmed       bool             `json:"confirmed"`
	RevisedCategory WorkflowCategory `json:"revised_category,omitempty"`
	Reasoning       string           `json:"reasoning,omitempty"`
}

// ActionItem is a concrete follow-up extracted by Phase 2.
type ActionItem struct {
	Description string   `json:"description"`
	Owner       string   `json:"owner,omitempty"`
	Deadline    string   `json:"deadline,omitempty"`
	Priority    Priority `json:"priority"`
}

// RiskLevel grades the risk assessment of a conversation.
type RiskLevel string

const (
	RiskNone     RiskLevel = "none"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskAssessment is the Phase 2 risk rollup.
type RiskAssessment struct {
	Level   RiskLevel `json:"level"`
	Factors []string  `json:"factors"`
}

// Phase2Result is the mid-tier LLM enhancement output.
type Phase2Result struct {
	WorkflowValidation WorkflowValidation `json:"workflow_validation"`
	MissedEntities     EntityMap          `json:"missed_entities"`
	ActionItems        []ActionItem       `json:"action_items"`
	RiskAssessment     RiskAssessment     `json:"risk_assessment"`
	SuggestedResponse  string             `json:"suggested_response,omitempty"`
	Confidence         float64            `json:"confidence"`
}

// StrategicIntelligence is the Phase 3 market/operations analysis.
type StrategicIntelligence struct {
	MarketOpportunity     string `json:"market_opportunity"`
	OperationalExcellence string `json:"operational_excellence"`
}

// PredictiveAnalytics carries per-outcome probabilities plus a forecast.
type PredictiveAnalytics struct {
	OutcomeProbability map[string]float64 `json:"outcome_probability"`
	Forecasting        string             `json:"forecasting"`
}

// Phase3Result is the high-tier LLM strategic analysis output.
type Phase3Result struct {
	ExecutiveSummary      string                `json:"executive_summary"`
	StrategicIntelligence StrategicIntelligence `json:"strategic_intelligence"`
	PredictiveAnalytics   PredictiveAnalytics   `json:"predictive_analytics"`
	ROIAnalysis           string                `json:"roi_analysis"`
	Confidence            float64               `json:"confidence"`
}

// Clamp01 bounds a score to [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
