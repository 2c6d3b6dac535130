// Package ingest is the intake port of the pipeline. It accepts normalized
// message records from any mail source, persists them idempotently, links
// them to their conversation chain, and enqueues Phase 1 triage. Intake is
// gated by queue backpressure so a flood upstream cannot sink the workers.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ignite/email-intel/internal/chain"
	"github.com/ignite/email-intel/internal/config"
	"github.com/ignite/email-intel/internal/domain"
	"github.com/ignite/email-intel/internal/metrics"
	"github.com/ignite/email-intel/internal/pkg/logger"
)

// ErrInput marks a record the caller must fix; it is never retried.
var ErrInput = errors.New("ingest: invalid record")

// ErrBackpressure means the phase 1 backlog is above the high-water mark
// and intake is temporarily paused.
var ErrBackpressure = errors.New("ingest: queue backpressure, retry later")

// Record is the normalized message envelope accepted from any source
// connector (IMAP sync, webhook push, mailbox export).
type Record struct {
	InternetMessageID string         `json:"internet_message_id"`
	Subject           string         `json:"subject"`
	Sender            domain.Address `json:"sender"`
	Recipients        RecipientSet   `json:"recipients"`
	BodyText          string         `json:"body_text"`
	// BodyPreview is optional; when absent it is derived from BodyText.
	// Either way it is truncated to the configured preview length.
	BodyPreview    string    `json:"body_preview"`
	ReceivedAt     time.Time `json:"received_at"`
	ConversationID string    `json:"conversation_id"`
	// Importance is the source's priority hint: critical/high/medium/low,
	// plus the legacy "urgent" which maps to critical.
	Importance string `json:"importance"`
}

// RecipientSet groups a record's recipients by kind.
type RecipientSet struct {
	To  []domain.Address `json:"to"`
	CC  []domain.Address `json:"cc"`
	BCC []domain.Address `json:"bcc"`
}

// Result reports what a single ingested record became.
type Result struct {
	EmailID string `json:"email_id"`
	ChainID string `json:"chain_id,omitempty"`
	Created bool   `json:"created"`
}

// BatchResult aggregates a batch ingest. Rejected records carry their
// index and reason; valid records in the same batch still go through.
type BatchResult struct {
	Created    int          `json:"created"`
	Duplicates int          `json:"duplicates"`
	Rejected   int          `json:"rejected"`
	Results    []Result     `json:"results"`
	Errors     []BatchError `json:"errors,omitempty"`
}

// BatchError is one rejected record within a batch.
type BatchError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Store is the persistence surface ingest needs.
type Store interface {
	UpsertEmail(ctx context.Context, e *domain.Email) (id string, created bool, err error)
}

// Chains links new emails into conversation chains.
type Chains interface {
	Assign(ctx context.Context, e *domain.Email) (*domain.Chain, error)
}

// Enqueuer submits Phase 1 triage jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *domain.Job) (bool, error)
}

// Gate is the admission control surface (queue backpressure).
type Gate interface {
	Admit(ctx context.Context) bool
}

// Service is the ingest port.
type Service struct {
	store   Store
	chains  Chains
	queue   Enqueuer
	gate    Gate
	cfg     config.IngestConfig
	metrics *metrics.Metrics
	log     *logger.Logger
}

// New wires the ingest service. gate may be nil (no admission control).
func New(st Store, chains Chains, q Enqueuer, gate Gate, cfg config.IngestConfig, m *metrics.Metrics, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	if cfg.BatchMaxRecords <= 0 {
		cfg.BatchMaxRecords = 1000
	}
	if cfg.PreviewMaxLen <= 0 {
		cfg.PreviewMaxLen = 500
	}
	return &Service{
		store:   st,
		chains:  chains,
		queue:   q,
		gate:    gate,
		cfg:     cfg,
		metrics: m,
		log:     log.With("component", "ingest"),
	}
}

// Ingest accepts one record. Duplicate internet_message_id is not an error:
// the existing email id comes back with Created=false and nothing else
// happens. New emails are chained and enqueued for Phase 1.
func (s *Service) Ingest(ctx context.Context, rec *Record) (*Result, error) {
	if err := s.validate(rec); err != nil {
		s.metrics.CountRejected()
		return nil, err
	}
	if s.gate != nil && !s.gate.Admit(ctx) {
		return nil, ErrBackpressure
	}

	e := s.toEmail(rec)
	id, created, err := s.store.UpsertEmail(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("persist email: %w", err)
	}
	s.metrics.CountIngest(created)
	if !created {
		s.log.Info("duplicate email ignored", "email_id", id)
		return &Result{EmailID: id, Created: false}, nil
	}
	e.ID = id

	res := &Result{EmailID: id, Created: true}
	c, err := s.chains.Assign(ctx, e)
	if err != nil {
		// The email is stored; chain linkage and routing will be repaired
		// when the next chain member arrives or on reprocess.
		s.log.Error("chain assignment failed", "email_id", id, "error", err.Error())
	} else {
		res.ChainID = c.ID
	}

	if _, err := s.queue.Enqueue(ctx, &domain.Job{
		Phase:          1,
		EmailIDs:       []string{id},
		Priority:       domain.ParsePriority(rec.Importance),
		IdempotencyKey: "phase1:" + id,
	}); err != nil {
		return nil, fmt.Errorf("enqueue triage: %w", err)
	}

	s.log.Info("email ingested", "email_id", id, "chain_id", res.ChainID,
		"priority", string(domain.ParsePriority(rec.Importance)))
	return res, nil
}

// IngestBatch accepts up to BatchMaxRecords records. Invalid records are
// reported per-index; the rest of the batch is processed. Backpressure
// aborts the whole batch so the caller can retry it intact.
func (s *Service) IngestBatch(ctx context.Context, recs []*Record) (*BatchResult, error) {
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInput)
	}
	if len(recs) > s.cfg.BatchMaxRecords {
		return nil, fmt.Errorf("%w: batch of %d exceeds limit %d", ErrInput, len(recs), s.cfg.BatchMaxRecords)
	}

	out := &BatchResult{}
	for i, rec := range recs {
		res, err := s.Ingest(ctx, rec)
		if errors.Is(err, ErrBackpressure) {
			return nil, err
		}
		if err != nil {
			out.Rejected++
			out.Errors = append(out.Errors, BatchError{Index: i, Reason: err.Error()})
			continue
		}
		out.Results = append(out.Results, *res)
		if res.Created {
			out.Created++
		} else {
			out.Duplicates++
		}
	}
	return out, nil
}

func (s *Service) validate(rec *Record) error {
	if rec == nil {
		return fmt.Errorf("%w: nil record", ErrInput)
	}
	if strings.TrimSpace(rec.InternetMessageID) == "" {
		return fmt.Errorf("%w: internet_message_id is required", ErrInput)
	}
	if strings.TrimSpace(rec.Sender.Address) == "" {
		return fmt.Errorf("%w: sender.address is required", ErrInput)
	}
	if !strings.Contains(rec.Sender.Address, "@") {
		return fmt.Errorf("%w: sender address %q is not a mail address", ErrInput, rec.Sender.Address)
	}
	return nil
}

func (s *Service) toEmail(rec *Record) *domain.Email {
	receivedAt := rec.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	previewSrc := rec.BodyPreview
	if strings.TrimSpace(previewSrc) == "" {
		previewSrc = rec.BodyText
	}
	e := &domain.Email{
		InternetMessageID: strings.TrimSpace(rec.InternetMessageID),
		Subject:           rec.Subject,
		SenderAddress:     strings.ToLower(strings.TrimSpace(rec.Sender.Address)),
		SenderDisplay:     rec.Sender.Display,
		BodyText:          rec.BodyText,
		BodyPreview:       preview(previewSrc, s.cfg.PreviewMaxLen),
		ReceivedAt:        receivedAt,
		ConversationID:    rec.ConversationID,
		Importance:        rec.Importance,
		Status:            domain.StatusPending,
	}
	e.Recipients = appendRecipients(e.Recipients, domain.RecipientTo, rec.Recipients.To)
	e.Recipients = appendRecipients(e.Recipients, domain.RecipientCC, rec.Recipients.CC)
	e.Recipients = appendRecipients(e.Recipients, domain.RecipientBCC, rec.Recipients.BCC)
	return e
}

func appendRecipients(dst []domain.Recipient, kind domain.RecipientKind, addrs []domain.Address) []domain.Recipient {
	for i, a := range addrs {
		if strings.TrimSpace(a.Address) == "" {
			continue
		}
		dst = append(dst, domain.Recipient{
			Kind:     kind,
			Address:  strings.ToLower(strings.TrimSpace(a.Address)),
			Display:  a.Display,
			Position: i,
		})
	}
	return dst
}

// preview truncates on a rune boundary and collapses whitespace runs, the
// way list views want the body rendered.
func preview(body string, maxLen int) string {
	collapsed := strings.Join(strings.Fields(body), " ")
	if utf8.RuneCountInString(collapsed) <= maxLen {
		return collapsed
	}
	runes := []rune(collapsed)
	return string(runes[:maxLen])
}

// compile-time interface checks against the concrete wiring
var _ Chains = (*chain.Analyzer)(nil)
