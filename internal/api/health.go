package api

import (
	"context"
	"net/http"

	"github.com/ignite/email-intel/internal/pkg/httputil"
)

// healthReport is the compound health probe body.
type healthReport struct {
	Status string            `json:"status"` // healthy | degraded | unhealthy
	Checks map[string]string `json:"checks"`
}

// handleHealth runs the compound probe: store, queue, LLM runtime. A dead
// LLM alone degrades rather than fails, because Phase 1 keeps working.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := healthReport{Checks: map[string]string{}}

	storeOK := s.check(r, "store", s.store.Ping, report.Checks)
	queueOK := s.check(r, "queue", s.queue.Ping, report.Checks)
	llmOK := true
	if s.llm != nil {
		llmOK = s.check(r, "llm", s.llm.Ping, report.Checks)
	} else {
		report.Checks["llm"] = "unconfigured"
	}

	switch {
	case storeOK && queueOK && llmOK:
		report.Status = "healthy"
		httputil.OK(w, report)
	case storeOK && queueOK:
		report.Status = "degraded"
		httputil.OK(w, report)
	default:
		report.Status = "unhealthy"
		httputil.JSON(w, http.StatusServiceUnavailable, report)
	}
}

// handleLive is the liveness probe: the process answers, nothing more.
func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	httputil.OK(w, map[string]string{"status": "alive"})
}

// handleReady is the readiness probe: store and queue must answer before the
// process should receive traffic. LLM health does not gate readiness.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	storeOK := s.check(r, "store", s.store.Ping, checks)
	queueOK := s.check(r, "queue", s.queue.Ping, checks)
	if storeOK && queueOK {
		httputil.OK(w, map[string]any{"status": "ready", "checks": checks})
		return
	}
	httputil.JSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "checks": checks})
}

func (s *Server) check(r *http.Request, name string, ping func(context.Context) error, checks map[string]string) bool {
	if err := ping(r.Context()); err != nil {
		checks[name] = err.Error()
		s.log.Warn("health check failed", "check", name, "error", err.Error())
		return false
	}
	checks[name] = "ok"
	return true
}
