package domain

import "time"

// ChainType classifies a conversation chain by its dominant workflow.
type ChainType string

const (
	ChainQuoteRequest    ChainType = "quote_request"
	ChainOrderProcessing ChainType = "order_processing"
	ChainSupportTicket   ChainType = "support_ticket"
	ChainEscalation      ChainType = "escalation"
	ChainGeneral         ChainType = "general"
)

// Chain is a conversation group of emails sharing a conversation id or a
// normalized subject + sender domain. The chain owns no emails; it holds a
// derived counter and aggregate metadata. Emails reference it by id.
type Chain struct {
	ID             string `json:"id" db:"id"`
	GroupKey       string `json:"group_key" db:"group_key"`
	SubjectHash    string `json:"subject_hash" db:"subject_hash"`
	ConversationID string `json:"conversation_id" db:"conversation_id"`

	ChainType         ChainType `json:"chain_type" db:"chain_type"`
	CompletenessScore float64   `json:"completeness_score" db:"completeness_score"`
	EmailCount        int       `json:"email_count" db:"email_count"`
	FirstEmailAt      time.Time `json:"first_email_at" db:"first_email_at"`
	LastEmailAt       time.Time `json:"last_email_at" db:"last_email_at"`
	PrimaryWorkflow   string    `json:"primary_workflow" db:"primary_workflow"`
	RecommendedPhase  int       `json:"recommended_phase" db:"recommended_phase"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// chainTypeRank orders chain types by routing priority. Higher wins when
// multiple workflow signals are observed across a chain's emails.
var chainTypeRank = map[ChainType]int{
	ChainEscalation:      5,
	ChainOrderProcessing: 4,
	ChainQuoteRequest:    3,
	ChainSupportTicket:   2,
	ChainGeneral:         1,
}

// DominantChainType returns the higher-priority of two chain types.
func DominantChainType(a, b ChainType) ChainType {
	if chainTypeRank[a] >= chainTypeRank[b] {
		return a
	}
	return b
}
