package domain

import "time"

// Priority orders jobs within a queue stream. Lower rank dequeues earlier.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// priorityRank maps critical=1 .. low=4 (lower = earlier).
var priorityRank = map[Priority]int{
	PriorityCritical: 1,
	PriorityHigh:     2,
	PriorityMedium:   3,
	PriorityLow:      4,
}

// Rank returns the numeric rank of a priority (critical=1 .. low=4).
// Unknown priorities rank as medium.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return priorityRank[PriorityMedium]
}

// Promote returns the next-higher priority (low→medium→high→critical).
// Critical promotes to itself.
func (p Priority) Promote() Priority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	case PriorityHigh:
		return PriorityCritical
	default:
		return PriorityCritical
	}
}

// PriorityFromRank is the inverse of Rank. Out-of-range ranks clamp to the
// nearest level.
func PriorityFromRank(rank int) Priority {
	switch {
	case rank <= 1:
		return PriorityCritical
	case rank == 2:
		return PriorityHigh
	case rank == 3:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// ParsePriority normalizes a priority string, mapping the legacy 5-level
// "urgent" to critical. Unknown values fall back to medium.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return Priority(s)
	}
	if s == "urgent" {
		return PriorityCritical
	}
	return PriorityMedium
}

// Job is one unit of work in a phase stream. Jobs are owned by the queue;
// workers lease them and must either ack or nack.
type Job struct {
	JobID          string    `json:"job_id"`
	Phase          int       `json:"phase"`
	EmailIDs       []string  `json:"email_ids"`
	Priority       Priority  `json:"priority"`
	Attempts       int       `json:"attempts"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	NotBefore      time.Time `json:"not_before"`
	IdempotencyKey string    `json:"idempotency_key"`
	LastError      string    `json:"last_error,omitempty"`
}
