package domain

import (
	"encoding/json"
	"time"
)

// Status enumerates the internal processing states of an email.
// Transitions between states are validated by the status package;
// nothing else is allowed to move an email between states.
type Status string

const (
	StatusPending        Status = "pending"
	StatusPhase1Complete Status = "phase1_complete"
	StatusPhase2Complete Status = "phase2_complete"
	StatusPhase3Complete Status = "phase3_complete"
	StatusPhase2Failed   Status = "phase2_failed"
	StatusPhase3Failed   Status = "phase3_failed"
	StatusArchived       Status = "archived"
)

// UIStatus is the outward projection consumed by dashboards. It is computed,
// never stored.
type UIStatus string

const (
	UIUnread     UIStatus = "unread"
	UIProcessing UIStatus = "processing"
	UIResolved   UIStatus = "resolved"
	UIEscalated  UIStatus = "escalated"
	UIRead       UIStatus = "read"
)

// RecipientKind distinguishes to/cc/bcc entries.
type RecipientKind string

const (
	RecipientTo  RecipientKind = "to"
	RecipientCC  RecipientKind = "cc"
	RecipientBCC RecipientKind = "bcc"
)

// Address is a mail address with an optional display name.
type Address struct {
	Address string `json:"address"`
	Display string `json:"display,omitempty"`
}

// Recipient is one (kind, address) entry attached to an email.
// Position preserves insertion order within a kind.
type Recipient struct {
	EmailID  string        `json:"email_id" db:"email_id"`
	Kind     RecipientKind `json:"kind" db:"kind"`
	Address  string        `json:"address" db:"address"`
	Display  string        `json:"display" db:"display"`
	Position int           `json:"position" db:"position"`
}

// Email is the canonical stored record for a single message.
type Email struct {
	ID                string `json:"id" db:"id"`
	InternetMessageID string `json:"internet_message_id" db:"internet_message_id"`

	Subject        string    `json:"subject" db:"subject"`
	SenderAddress  string    `json:"sender_address" db:"sender_address"`
	SenderDisplay  string    `json:"sender_display" db:"sender_display"`
	BodyText       string    `json:"body_text" db:"body_text"`
	BodyPreview    string    `json:"body_preview" db:"body_preview"`
	ReceivedAt     time.Time `json:"received_at" db:"received_at"`
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	Importance     string    `json:"importance" db:"importance"`

	Status            Status  `json:"status" db:"status"`
	PhaseCompleted    int     `json:"phase_completed" db:"phase_completed"`
	ChainID           *string `json:"chain_id" db:"chain_id"`
	CompletenessScore float64 `json:"completeness_score" db:"completeness_score"`
	RecommendedPhase  int     `json:"recommended_phase" db:"recommended_phase"`

	Phase1Result *Phase1Result `json:"phase1_result,omitempty"`
	Phase2Result *Phase2Result `json:"phase2_result,omitempty"`
	Phase3Result *Phase3Result `json:"phase3_result,omitempty"`

	AnalysisConfidence float64 `json:"analysis_confidence" db:"analysis_confidence"`
	ProcessingTimeMS   int64   `json:"processing_time_ms" db:"processing_time_ms"`
	ModelUsed          string  `json:"model_used" db:"model_used"`
	TokensUsed         int     `json:"tokens_used" db:"tokens_used"`
	ErrorMessage       string  `json:"error_message" db:"error_message"`

	Recipients []Recipient `json:"recipients,omitempty"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Terminal returns true if no further automatic phase will run on this email.
func (e *Email) Terminal() bool {
	return e.Status == StatusPhase3Complete || e.Status == StatusArchived
}

// PhaseResultJSON marshals the result blob for the given phase, or nil.
func (e *Email) PhaseResultJSON(phase int) ([]byte, error) {
	switch phase {
	case 1:
		if e.Phase1Result == nil {
			return nil, nil
		}
		return json.Marshal(e.Phase1Result)
	case 2:
		if e.Phase2Result == nil {
			return nil, nil
		}
		return json.Marshal(e.Phase2Result)
	case 3:
		if e.Phase3Result == nil {
			return nil, nil
		}
		return json.Marshal(e.Phase3Result)
	}
	return nil, nil
}
