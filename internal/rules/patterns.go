package rules

import "regexp"

// RulesVersion is recorded with every Phase 1 result so downstream analytics
// can filter by pattern revision. Bump on any change to the tables below.
const RulesVersion = "2026.08.1"

// entityPattern is one row of the extraction table.
type entityPattern struct {
	kind       string
	re         *regexp.Regexp
	group      int     // capture group holding the value (0 = whole match)
	confidence float64 // base confidence for a hit
}

// entityPatterns is the tabular, versioned extraction rule set. Order is
// significant only within a kind (first match wins on exact overlaps).
var entityPatterns = []entityPattern{
	// Purchase orders: "PO 12345678", "PO#12345678", "P.O. 12345678"
	{"po_numbers", regexp.MustCompile(`(?i)\bP\.?O\.?[\s#:-]*(\d{6,10})\b`), 1, 0.95},
	// Quotes: "QT-9987", "quote #9987", "Q-2024-117"
	{"quote_numbers", regexp.MustCompile(`(?i)\b(QT-?\d{3,8}|Q-\d{2,4}-\d{2,6})\b`), 1, 0.9},
	{"quote_numbers", regexp.MustCompile(`(?i)\bquote\s*#?\s*(\d{3,8})\b`), 1, 0.85},
	// Support cases: "case 00123456", "ticket #4521", "SR-99812"
	{"case_numbers", regexp.MustCompile(`(?i)\b(?:case|ticket|incident)\s*#?\s*(\d{4,10})\b`), 1, 0.9},
	{"case_numbers", regexp.MustCompile(`\b(SR-\d{4,8}|INC\d{6,10})\b`), 1, 0.9},
	// Part numbers: vendor-style alphanumerics "AB-12345-C", "X520-DA2"
	{"part_numbers", regexp.MustCompile(`\b([A-Z]{1,4}\d{2,5}-[A-Z0-9]{2,8}(?:-[A-Z0-9]{1,6})?)\b`), 1, 0.7},
	// Money: "$50,000", "USD 1,250.50", "€900"
	{"money_amounts", regexp.MustCompile(`([$€£]\s?\d{1,3}(?:,\d{3})*(?:\.\d{1,2})?[kKmM]?)`), 1, 0.9},
	{"money_amounts", regexp.MustCompile(`(?i)\b((?:USD|EUR|GBP)\s?\d{1,3}(?:,\d{3})*(?:\.\d{1,2})?)\b`), 1, 0.9},
	// Dates: ISO, US slash, "March 4", "by Friday"
	{"dates", regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`), 1, 0.9},
	{"dates", regexp.MustCompile(`\b(\d{1,2}/\d{1,2}/\d{2,4})\b`), 1, 0.8},
	{"dates", regexp.MustCompile(`(?i)\b((?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]*\.?\s+\d{1,2}(?:st|nd|rd|th)?)\b`), 1, 0.8},
	{"dates", regexp.MustCompile(`(?i)\b(by\s+(?:Mon|Tues?|Wednes|Thurs?|Fri|Satur|Sun)day|by\s+(?:EOD|EOW|COB|end of (?:day|week|month)))\b`), 1, 0.7},
	// People: "John Smith" style capitalized pairs (heuristic, low confidence)
	{"people", regexp.MustCompile(`\b([A-Z][a-z]{2,15}\s[A-Z][a-z]{2,20})\b`), 1, 0.5},
	// Organizations: legal-suffix names "Acme Corp", "Initech Inc."
	{"organizations", regexp.MustCompile(`\b([A-Z][A-Za-z&]{1,25}(?:\s[A-Z][A-Za-z&]{1,25}){0,2}\s(?:Inc\.?|Corp\.?|LLC|Ltd\.?|GmbH|Co\.))`), 1, 0.7},
}

// workflowKeywords scores each workflow category. Subject hits count double
// (applied in the engine).
var workflowKeywords = map[string][]string{
	"escalation": {
		"escalate", "escalation", "urgent", "unacceptable", "complaint",
		"manager", "supervisor", "immediately", "asap", "critical issue",
	},
	"order_processing": {
		"purchase order", "po ", "po#", "order confirmation", "order status",
		"approval needed", "po approved", "place the order", "invoice",
	},
	"quote_request": {
		"quote", "quotation", "pricing", "price list", "rfq", "request for quote",
		"how much", "cost estimate", "discount",
	},
	"shipping_logistics": {
		"shipment", "shipping", "tracking", "delivery", "freight", "carrier",
		"eta", "shipped", "in transit", "customs",
	},
	"support_ticket": {
		"issue", "problem", "error", "not working", "broken", "support",
		"troubleshoot", "defective", "rma", "warranty",
	},
	"deal_registration": {
		"deal registration", "deal reg", "register the deal", "opportunity id",
		"partner portal",
	},
	"approval": {
		"approve", "approval", "sign off", "sign-off", "authorize", "authorization",
	},
	"renewal": {
		"renewal", "renew", "expiring", "expiration", "contract extension",
		"subscription ends",
	},
	"vendor_management": {
		"vendor", "supplier", "onboarding", "w-9", "payment terms", "net 30",
		"master agreement",
	},
}

// workflowRank breaks ties between categories with equal keyword scores.
// Higher rank wins.
var workflowRank = map[string]int{
	"escalation":         10,
	"order_processing":   9,
	"quote_request":      8,
	"shipping_logistics": 7,
	"support_ticket":     6,
	"deal_registration":  5,
	"approval":           4,
	"renewal":            3,
	"vendor_management":  2,
	"general":            1,
}

// urgencyKeywords raise priority when present.
var urgencyKeywords = []string{
	"urgent", "asap", "immediately", "critical", "emergency", "right away",
	"by eod", "by end of day", "time sensitive", "deadline",
}

// Resolution and action-completion markers feed the chain completeness
// signals (structural scoring terms).
var (
	resolutionMarkers = []string{
		"closed", "resolved", "completed", "fixed", "done", "all set",
		"issue is resolved", "case closed",
	}
	actionCompletionMarkers = []string{
		"po approved", "quote accepted", "order placed", "shipped",
		"payment received", "signed", "approved and processed", "delivered",
	}
	replyMarkers = []string{"re:", "fw:", "fwd:"}
)
