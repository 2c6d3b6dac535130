package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/email-intel/internal/domain"
	"github.com/ignite/email-intel/internal/ingest"
	"github.com/ignite/email-intel/internal/pkg/httputil"
	"github.com/ignite/email-intel/internal/pkg/logger"
	"github.com/ignite/email-intel/internal/status"
	"github.com/ignite/email-intel/internal/store"
)

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var rec ingest.Record
	if !httputil.Decode(w, r, &rec) {
		return
	}

	res, err := s.ingest.Ingest(r.Context(), &rec)
	switch {
	case errors.Is(err, ingest.ErrInput):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, ingest.ErrBackpressure):
		w.Header().Set("Retry-After", "10")
		httputil.Unavailable(w, "intake paused, retry later")
	case err != nil:
		httputil.InternalError(w, err)
	case res.Created:
		httputil.Created(w, map[string]any{"id": res.EmailID, "status": domain.StatusPending, "chain_id": res.ChainID})
	default:
		httputil.OK(w, map[string]any{"id": res.EmailID, "duplicate": true})
	}
}

func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var recs []*ingest.Record
	if !httputil.Decode(w, r, &recs) {
		return
	}

	res, err := s.ingest.IngestBatch(r.Context(), recs)
	switch {
	case errors.Is(err, ingest.ErrInput):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, ingest.ErrBackpressure):
		w.Header().Set("Retry-After", "10")
		httputil.Unavailable(w, "intake paused, retry later")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, res)
	}
}

// emailSummary is the list-view projection of an email.
type emailSummary struct {
	ID                string          `json:"id"`
	Subject           string          `json:"subject"`
	SenderAddress     string          `json:"sender_address"`
	SenderDisplay     string          `json:"sender_display"`
	BodyPreview       string          `json:"body_preview"`
	ReceivedAt        time.Time       `json:"received_at"`
	Status            domain.Status   `json:"status"`
	UIStatus          domain.UIStatus `json:"ui_status"`
	PhaseCompleted    int             `json:"phase_completed"`
	ChainID           *string         `json:"chain_id,omitempty"`
	CompletenessScore float64         `json:"completeness_score"`
	RecommendedPhase  int             `json:"recommended_phase"`
}

func (s *Server) handleListEmails(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	st := domain.Status(q.Get("status"))
	if st != "" && !knownStatus(st) {
		httputil.BadRequest(w, "unknown status "+string(st))
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	emails, next, err := s.store.ListEmails(r.Context(), st, limit, q.Get("cursor"))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	items := make([]emailSummary, 0, len(emails))
	for _, e := range emails {
		items = append(items, emailSummary{
			ID:                e.ID,
			Subject:           e.Subject,
			SenderAddress:     e.SenderAddress,
			SenderDisplay:     e.SenderDisplay,
			BodyPreview:       e.BodyPreview,
			ReceivedAt:        e.ReceivedAt,
			Status:            e.Status,
			UIStatus:          status.ToUI(e.Status),
			PhaseCompleted:    e.PhaseCompleted,
			ChainID:           e.ChainID,
			CompletenessScore: e.CompletenessScore,
			RecommendedPhase:  e.RecommendedPhase,
		})
	}
	httputil.OK(w, map[string]any{"items": items, "next_cursor": next})
}

func (s *Server) handleGetEmail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := s.store.GetEmail(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "email "+id+" not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, struct {
		*domain.Email
		UIStatus domain.UIStatus `json:"ui_status"`
	}{e, status.ToUI(e.Status)})
}

// handleReprocess enqueues analysis again from the requested phase. The job
// gets a fresh idempotency key, so it bypasses the routing dedupe window.
// from_phase=3 without a stored Phase 2 result enqueues Phase 2 first:
// Phase 3 never runs on an email that skipped Phase 2.
func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	fromPhase := 2
	if v := r.URL.Query().Get("from_phase"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 3 {
			httputil.BadRequest(w, "from_phase must be 1, 2, or 3")
			return
		}
		fromPhase = n
	}

	e, err := s.store.GetEmail(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "email "+id+" not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	phases := []int{fromPhase}
	if fromPhase == 3 && e.Phase2Result == nil {
		phases = []int{2, 3}
	}

	priority := domain.PriorityMedium
	if e.Phase1Result != nil {
		priority = e.Phase1Result.Priority
	}
	for _, phase := range phases {
		if _, err := s.queue.Enqueue(r.Context(), &domain.Job{
			Phase:          phase,
			EmailIDs:       []string{e.ID},
			Priority:       priority,
			IdempotencyKey: "reprocess:" + strconv.Itoa(phase) + ":" + e.ID + ":" + uuid.New().String(),
		}); err != nil {
			httputil.InternalError(w, err)
			return
		}
	}

	logger.FromContext(r.Context()).Info("reprocess requested",
		"email_id", e.ID, "from_phase", strconv.Itoa(fromPhase))
	httputil.Accepted(w, map[string]any{"email_id": e.ID, "phases_enqueued": phases})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	// Every status appears in the response even when its count is zero.
	byStatus := make(map[domain.Status]int64, len(status.All()))
	var failed int64
	for _, st := range status.All() {
		byStatus[st] = counts[st]
		if status.IsFailure(st) {
			failed += counts[st]
		}
	}

	chains, err := s.store.ChainScoreDistribution(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	queues := make([]*queueStats, 0, 3)
	for phase := 1; phase <= 3; phase++ {
		if qs, err := s.queue.Stats(r.Context(), phase); err == nil {
			queues = append(queues, &queueStats{
				Phase: qs.Phase, Depth: qs.Depth, Leased: qs.Leased,
				DeadLetters: qs.DeadLetters, Paused: qs.Paused,
			})
		}
	}

	out := map[string]any{
		"emails":        byStatus,
		"emails_failed": failed,
		"chains":        chains,
		"queues":        queues,
	}
	if s.pool != nil {
		out["workers"] = s.pool.Stats()
	}
	httputil.OK(w, out)
}

func knownStatus(st domain.Status) bool {
	for _, known := range status.All() {
		if st == known {
			return true
		}
	}
	return false
}
