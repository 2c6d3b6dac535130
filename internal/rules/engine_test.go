package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ignite/email-intel/internal/domain"
)

func testEmail(subject, body string) *domain.Email {
	return &domain.Email{
		ID:            "e-1",
		Subject:       subject,
		BodyText:      body,
		SenderAddress: "buyer@customer.example",
		ReceivedAt:    time.Now(),
		Importance:    "normal",
	}
}

func TestAnalyzeUrgentPurchaseOrder(t *testing.T) {
	en := NewEngine(nil)

	r := en.Analyze(testEmail(
		"Urgent: PO 12345678 approval needed",
		"Please approve the purchase order for $50,000 so we can proceed by Friday.",
	))

	require.Equal(t, domain.WorkflowOrderProcessing, r.WorkflowCategory)
	require.Equal(t, domain.PriorityHigh, r.Priority)

	require.Len(t, r.Entities["po_numbers"], 1)
	require.Equal(t, "12345678", r.Entities["po_numbers"][0].Value)
	require.GreaterOrEqual(t, r.Entities["po_numbers"][0].Confidence, 0.9)

	var amounts []string
	for _, e := range r.Entities["money_amounts"] {
		amounts = append(amounts, e.Value)
	}
	require.Contains(t, amounts, "$50,000")

	require.NotEmpty(t, r.Entities["dates"])
	require.True(t, r.Signals["workflow_signal"])
	require.True(t, r.Signals["urgency"])
	require.Equal(t, RulesVersion, r.RulesVersion)
}

func TestAnalyzeEmptyBodyDegradesGracefully(t *testing.T) {
	en := NewEngine(nil)

	r := en.Analyze(testEmail("", ""))

	require.Equal(t, domain.WorkflowGeneral, r.WorkflowCategory)
	require.Equal(t, domain.PriorityMedium, r.Priority)
	require.Empty(t, r.Entities)
	require.InDelta(t, 0.3, r.Confidence, 0.0001)
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	en := NewEngine([]string{"customer.example"})
	email := testEmail(
		"Re: quote for new hardware",
		"We need a quotation for 40 units, part X520-DA2, quote #4471 was close but pricing was high.",
	)

	first := en.Analyze(email)
	for i := 0; i < 10; i++ {
		again := en.Analyze(email)
		require.Equal(t, first.WorkflowCategory, again.WorkflowCategory)
		require.Equal(t, first.Priority, again.Priority)
		require.Equal(t, first.Entities, again.Entities)
		require.Equal(t, first.Confidence, again.Confidence)
	}
}

func TestEscalationOutranksSupport(t *testing.T) {
	en := NewEngine(nil)

	r := en.Analyze(testEmail(
		"This is unacceptable - escalate to your manager immediately",
		"The support issue from last week is still broken. I want this escalated.",
	))

	require.Equal(t, domain.WorkflowEscalation, r.WorkflowCategory)
	require.Equal(t, domain.PriorityCritical, r.Priority)
}

func TestCustomerDomainBoostsPriority(t *testing.T) {
	en := NewEngine([]string{"bigcustomer.example"})

	plain := testEmail("Order status", "Checking on my order confirmation please.")
	plain.SenderAddress = "someone@unknown.example"
	boosted := testEmail("Order status", "Checking on my order confirmation please.")
	boosted.SenderAddress = "vip@bigcustomer.example"

	rPlain := en.Analyze(plain)
	rBoosted := en.Analyze(boosted)

	require.LessOrEqual(t, rBoosted.Priority.Rank(), rPlain.Priority.Rank())
}

func TestEntityExtractionVariety(t *testing.T) {
	en := NewEngine(nil)

	r := en.Analyze(testEmail(
		"Case 00982211 update",
		"Hi Jane Doe, ticket #4521 for Acme Corp. is resolved. Tracking shows delivery on 2026-03-04. "+
			"Quote QT-9987 accepted, invoice USD 1,250.50 paid.",
	))

	require.NotEmpty(t, r.Entities["case_numbers"])
	require.NotEmpty(t, r.Entities["quote_numbers"])
	require.NotEmpty(t, r.Entities["money_amounts"])
	require.NotEmpty(t, r.Entities["dates"])
	require.NotEmpty(t, r.Entities["people"])
	require.NotEmpty(t, r.Entities["organizations"])

	// Source spans must point into the body
	for kind, list := range r.Entities {
		for _, ent := range list {
			require.GreaterOrEqual(t, ent.SpanStart, 0, kind)
			require.Greater(t, ent.SpanEnd, ent.SpanStart, kind)
		}
	}

	require.True(t, r.Signals["resolution_marker"])
	require.True(t, r.Signals["action_completion"]) // "Quote ... accepted" marker comes from quote accepted
}

func TestReplySignal(t *testing.T) {
	en := NewEngine(nil)
	r := en.Analyze(testEmail("Re: shipment delayed", "any update on the tracking number?"))
	require.True(t, r.Signals["is_reply"])
	require.Equal(t, domain.WorkflowShippingLogistics, r.WorkflowCategory)
}
