package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/email-intel/internal/pkg/httputil"
)

// queueStats is the wire shape for one phase stream's counters.
type queueStats struct {
	Phase       int   `json:"phase"`
	Depth       int64 `json:"depth"`
	Leased      int64 `json:"leased"`
	DeadLetters int64 `json:"dead_letters"`
	Paused      bool  `json:"paused"`
}

func phaseParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	phase, err := strconv.Atoi(chi.URLParam(r, "phase"))
	if err != nil || phase < 1 || phase > 3 {
		httputil.BadRequest(w, "phase must be 1, 2, or 3")
		return 0, false
	}
	return phase, true
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	out := make([]*queueStats, 0, 3)
	for phase := 1; phase <= 3; phase++ {
		qs, err := s.queue.Stats(r.Context(), phase)
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		out = append(out, &queueStats{
			Phase: qs.Phase, Depth: qs.Depth, Leased: qs.Leased,
			DeadLetters: qs.DeadLetters, Paused: qs.Paused,
		})
	}
	httputil.OK(w, map[string]any{"queues": out})
}

func (s *Server) handlePeekDead(w http.ResponseWriter, r *http.Request) {
	phase, ok := phaseParam(w, r)
	if !ok {
		return
	}
	limit := int64(50)
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	jobs, err := s.queue.PeekDeadLetters(r.Context(), phase, limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"phase": phase, "jobs": jobs})
}

func (s *Server) handleRequeueDead(w http.ResponseWriter, r *http.Request) {
	phase, ok := phaseParam(w, r)
	if !ok {
		return
	}
	max := 100
	if v := r.URL.Query().Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "max must be a positive integer")
			return
		}
		max = n
	}
	n, err := s.queue.RequeueDeadLetters(r.Context(), phase, max)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	s.log.Info("dead letters requeued", "phase", strconv.Itoa(phase), "count", strconv.Itoa(n))
	httputil.OK(w, map[string]any{"phase": phase, "requeued": n})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	phase, ok := phaseParam(w, r)
	if !ok {
		return
	}
	if err := s.queue.Pause(r.Context(), phase); err != nil {
		httputil.InternalError(w, err)
		return
	}
	s.log.Warn("stream paused", "phase", strconv.Itoa(phase))
	httputil.OK(w, map[string]any{"phase": phase, "paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	phase, ok := phaseParam(w, r)
	if !ok {
		return
	}
	if err := s.queue.Resume(r.Context(), phase); err != nil {
		httputil.InternalError(w, err)
		return
	}
	s.log.Info("stream resumed", "phase", strconv.Itoa(phase))
	httputil.OK(w, map[string]any{"phase": phase, "paused": false})
}
