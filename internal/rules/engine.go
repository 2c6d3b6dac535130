// Package rules is the Phase 1 triage engine: pure, deterministic,
// single-email classification, priority scoring, and entity extraction.
// No I/O; a full pass over a typical email is sub-millisecond.
package rules

import (
	"sort"
	"strings"

	"github.com/ignite/email-intel/internal/domain"
)

// Engine evaluates the versioned rule tables against single emails.
type Engine struct {
	customerDomains map[string]bool
}

// NewEngine creates a rule engine. customerDomains is the sender-domain
// allowlist that boosts priority for known customers.
func NewEngine(customerDomains []string) *Engine {
	set := make(map[string]bool, len(customerDomains))
	for _, d := range customerDomains {
		set[strings.ToLower(d)] = true
	}
	return &Engine{customerDomains: set}
}

// Analyze runs Phase 1 triage on one email. Malformed or empty bodies are
// tolerated: the result degrades to general/medium with confidence 0.3.
func (en *Engine) Analyze(e *domain.Email) *domain.Phase1Result {
	subject := strings.TrimSpace(e.Subject)
	body := e.BodyText
	if body == "" {
		body = e.BodyPreview
	}

	if subject == "" && strings.TrimSpace(body) == "" {
		return &domain.Phase1Result{
			WorkflowCategory: domain.WorkflowGeneral,
			Priority:         domain.PriorityMedium,
			Entities:         domain.EntityMap{},
			Signals:          map[string]bool{},
			Confidence:       0.3,
			RulesVersion:     RulesVersion,
		}
	}

	lowerSubject := strings.ToLower(subject)
	lowerBody := strings.ToLower(body)

	category, categoryScore := scoreWorkflow(lowerSubject, lowerBody)
	entities := extractEntities(body)
	signals := buildSignals(lowerSubject, lowerBody, category, entities)
	priority := en.scorePriority(e, lowerSubject, lowerBody, category)

	return &domain.Phase1Result{
		WorkflowCategory: category,
		Priority:         priority,
		Entities:         entities,
		Signals:          signals,
		Confidence:       overallConfidence(categoryScore, entities, signals),
		RulesVersion:     RulesVersion,
	}
}

// scoreWorkflow picks the workflow category by keyword scoring. Subject hits
// count double; ties break on the fixed category rank.
func scoreWorkflow(lowerSubject, lowerBody string) (domain.WorkflowCategory, int) {
	best := "general"
	bestScore := 0
	for category, keywords := range workflowKeywords {
		score := 0
		for _, kw := range keywords {
			if strings.Contains(lowerSubject, kw) {
				score += 2
			}
			if strings.Contains(lowerBody, kw) {
				score++
			}
		}
		if score > bestScore || (score == bestScore && score > 0 && workflowRank[category] > workflowRank[best]) {
			best = category
			bestScore = score
		}
	}
	return domain.WorkflowCategory(best), bestScore
}

// extractEntities runs the tabular patterns over the body, de-duplicating
// identical values per kind and keeping source spans.
func extractEntities(body string) domain.EntityMap {
	entities := domain.EntityMap{}
	seen := map[string]map[string]bool{}

	for _, p := range entityPatterns {
		matches := p.re.FindAllStringSubmatchIndex(body, -1)
		for _, m := range matches {
			start, end := m[0], m[1]
			if p.group > 0 && len(m) > p.group*2+1 && m[p.group*2] >= 0 {
				start, end = m[p.group*2], m[p.group*2+1]
			}
			value := body[start:end]

			if seen[p.kind] == nil {
				seen[p.kind] = map[string]bool{}
			}
			if seen[p.kind][value] {
				continue
			}
			seen[p.kind][value] = true

			entities[p.kind] = append(entities[p.kind], domain.Entity{
				Value:      value,
				Confidence: p.confidence,
				SpanStart:  start,
				SpanEnd:    end,
			})
		}
	}

	// Stable output order within each kind (by position in body)
	for kind := range entities {
		list := entities[kind]
		sort.Slice(list, func(i, j int) bool { return list[i].SpanStart < list[j].SpanStart })
		entities[kind] = list
	}
	return entities
}

// buildSignals emits the bounded feature-flag set the chain analyzer
// consumes for completeness scoring.
func buildSignals(lowerSubject, lowerBody string, category domain.WorkflowCategory, entities domain.EntityMap) map[string]bool {
	signals := map[string]bool{
		"workflow_signal":   category != domain.WorkflowGeneral,
		"is_reply":          containsAny(lowerSubject, replyMarkers),
		"resolution_marker": containsAny(lowerBody, resolutionMarkers),
		"action_completion": containsAny(lowerBody, actionCompletionMarkers),
		"has_po":            len(entities["po_numbers"]) > 0,
		"has_quote":         len(entities["quote_numbers"]) > 0,
		"has_case":          len(entities["case_numbers"]) > 0,
		"has_money":         len(entities["money_amounts"]) > 0,
		"has_deadline":      len(entities["dates"]) > 0,
		"urgency":           containsAny(lowerSubject, urgencyKeywords) || containsAny(lowerBody, urgencyKeywords),
	}
	return signals
}

// scorePriority derives priority from urgency keywords, the customer-domain
// allowlist, escalation markers, and the source importance flag.
func (en *Engine) scorePriority(e *domain.Email, lowerSubject, lowerBody string, category domain.WorkflowCategory) domain.Priority {
	score := 0

	if containsAny(lowerSubject, urgencyKeywords) {
		score += 2
	} else if containsAny(lowerBody, urgencyKeywords) {
		score++
	}
	if category == domain.WorkflowEscalation {
		score += 2
	}
	if en.isCustomerDomain(e.SenderAddress) {
		score++
	}
	if e.Importance == "high" {
		score++
	} else if e.Importance == "low" {
		score--
	}

	switch {
	case score >= 4:
		return domain.PriorityCritical
	case score >= 2:
		return domain.PriorityHigh
	case score >= 0:
		return domain.PriorityMedium
	default:
		return domain.PriorityLow
	}
}

func (en *Engine) isCustomerDomain(address string) bool {
	at := strings.LastIndexByte(address, '@')
	if at < 0 {
		return false
	}
	return en.customerDomains[strings.ToLower(address[at+1:])]
}

// overallConfidence is the mean of per-signal confidences: the workflow
// score contributes a saturating term, each entity its pattern confidence.
func overallConfidence(categoryScore int, entities domain.EntityMap, signals map[string]bool) float64 {
	var sum float64
	var n int

	catConf := float64(categoryScore) / 6.0
	if catConf > 1 {
		catConf = 1
	}
	if catConf < 0.3 {
		catConf = 0.3
	}
	sum += catConf
	n++

	for _, list := range entities {
		for _, ent := range list {
			sum += ent.Confidence
			n++
		}
	}

	fired := 0
	for _, on := range signals {
		if on {
			fired++
		}
	}
	sum += float64(fired) / float64(len(signals))
	n++

	return domain.Clamp01(sum / float64(n))
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// Marker predicates shared with the chain analyzer, which scores whole
// conversations with the same tables Phase 1 uses per email.

// IsReply reports whether the subject carries a reply/forward marker.
func IsReply(subject string) bool {
	return containsAny(strings.ToLower(subject), replyMarkers)
}

// HasResolutionMarker reports whether the text contains a closing token.
func HasResolutionMarker(text string) bool {
	return containsAny(strings.ToLower(text), resolutionMarkers)
}

// HasActionCompletion reports whether the text confirms a completed
// workflow action ("PO approved", "shipped", ...).
func HasActionCompletion(text string) bool {
	return containsAny(strings.ToLower(text), actionCompletionMarkers)
}
