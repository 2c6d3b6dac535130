package analyzer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ignite/email-intel/internal/domain"
)

// Prompt construction for the two LLM phases. Templates emit a system
// directive, the structured upstream results, and a strict response schema;
// the adapter's salvage layer copes with models that ignore the schema.

const maxSiblings = 5

// phase3ContextBudget caps the chain rollup at roughly 16k tokens, using
// the usual 4-chars-per-token estimate.
const phase3ContextBudget = 16000 * 4

func buildPhase2Prompt(e *domain.Email, siblings []*domain.Email) string {
	var b strings.Builder

	b.WriteString("You are an enterprise email operations analyst. Validate and enhance the rule-based triage of the email below.\n\n")

	writeChainContext(&b, siblings, maxSiblings, 240)

	b.WriteString("## Email\n")
	writeEmail(&b, e, 4000)

	b.WriteString("\n## Rule-based triage (phase 1)\n")
	if raw, err := json.MarshalIndent(e.Phase1Result, "", "  "); err == nil {
		b.Write(raw)
		b.WriteString("\n")
	}

	b.WriteString(`
## Task
1. Confirm or refute the phase-1 workflow_category; if refuting, give the revised category and reasoning.
2. List entities the rules missed (same shape as phase-1 entities).
3. Extract concrete action items with owner, deadline, and priority (critical|high|medium|low).
4. Assess risk: level (none|low|medium|high|critical) and contributing factors.
5. Optionally draft a short suggested response.

Respond with exactly this JSON object and nothing else:
{
  "workflow_validation": {"confirmed": true, "revised_category": "", "reasoning": ""},
  "missed_entities": {},
  "action_items": [{"description": "", "owner": "", "deadline": "", "priority": "medium"}],
  "risk_assessment": {"level": "none", "factors": []},
  "suggested_response": "",
  "confidence": 0.0
}
`)
	return b.String()
}

func buildPhase3Prompt(e *domain.Email, chainEmails []*domain.Email, chainType domain.ChainType, completeness float64) string {
	var b strings.Builder

	b.WriteString("You are a senior business strategist reviewing a complete email conversation. Produce an executive-level analysis.\n\n")

	fmt.Fprintf(&b, "## Conversation (type=%s, completeness=%.2f, emails=%d)\n",
		chainType, completeness, len(chainEmails))
	writeChainRollup(&b, chainEmails, phase3ContextBudget)

	b.WriteString("\n## Prior analysis for the focus email\n")
	fmt.Fprintf(&b, "Subject: %s\n", e.Subject)
	for phase := 1; phase <= 2; phase++ {
		if raw, err := e.PhaseResultJSON(phase); err == nil && raw != nil {
			fmt.Fprintf(&b, "Phase %d: ", phase)
			b.Write(raw)
			b.WriteString("\n")
		}
	}

	b.WriteString(`
## Task
Produce a strategic assessment of this conversation.

Respond with exactly this JSON object and nothing else:
{
  "executive_summary": "",
  "strategic_intelligence": {"market_opportunity": "", "operational_excellence": ""},
  "predictive_analytics": {"outcome_probability": {"win": 0.0, "loss": 0.0, "stall": 0.0}, "forecasting": ""},
  "roi_analysis": "",
  "confidence": 0.0
}
`)
	return b.String()
}

// writeChainContext emits compact summaries of up to max prior siblings.
func writeChainContext(b *strings.Builder, siblings []*domain.Email, max, previewLen int) {
	if len(siblings) == 0 {
		return
	}
	if len(siblings) > max {
		siblings = siblings[len(siblings)-max:]
	}
	b.WriteString("## Earlier emails in this conversation\n")
	for _, s := range siblings {
		fmt.Fprintf(b, "- [%s] %s: %s\n",
			s.ReceivedAt.Format("2006-01-02 15:04"), s.SenderAddress, summarize(s, previewLen))
	}
	b.WriteString("\n")
}

// writeChainRollup emits the full conversation newest-last, dropping the
// oldest emails first when the character budget is exceeded.
func writeChainRollup(b *strings.Builder, emails []*domain.Email, budget int) {
	var parts []string
	used := 0
	for i := len(emails) - 1; i >= 0; i-- {
		e := emails[i]
		part := fmt.Sprintf("[%s] %s | %s\n%s\n",
			e.ReceivedAt.Format("2006-01-02 15:04"), e.SenderAddress, e.Subject, summarize(e, 1200))
		if used+len(part) > budget && len(parts) > 0 {
			break
		}
		parts = append(parts, part)
		used += len(part)
	}
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteString(parts[i])
	}
}

func writeEmail(b *strings.Builder, e *domain.Email, bodyLimit int) {
	fmt.Fprintf(b, "From: %s\nSubject: %s\nReceived: %s\n\n",
		e.SenderAddress, e.Subject, e.ReceivedAt.Format("2006-01-02 15:04"))
	body := e.BodyText
	if body == "" {
		body = e.BodyPreview
	}
	if len(body) > bodyLimit {
		body = body[:bodyLimit] + "…"
	}
	b.WriteString(body)
	b.WriteString("\n")
}

func summarize(e *domain.Email, limit int) string {
	text := e.BodyPreview
	if text == "" {
		text = e.BodyText
	}
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > limit {
		text = text[:limit] + "…"
	}
	if text == "" {
		return e.Subject
	}
	return text
}
