package api

import (
	"context"
	"net/http"
	"time"

	"github.com/BTreeMap/MemoryPipe/internal/embedding"
	"github.com/BTreeMap/MemoryPipe/internal/models"
)

// healthHandler reports dependency checks. A failed check answers 503; a
// disabled embedding service is reported as degraded but stays 200.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := make(map[string]string, len(s.opts.Checks))
	healthy := true
	for _, name := range s.checkNames() {
		if err := s.opts.Checks[name](ctx); err != nil {
			s.logger.Warn("Server.healthHandler: check failed", "check", name, "error", err)
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	data := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	}

	if !healthy {
		s.writeJSON(w, http.StatusServiceUnavailable, models.APIResponse{
			Status: string(models.APIStatusError), Message: "dependency check failed", Result: data,
		})
		return
	}
	if s.opts.Embedding != nil && !s.opts.Embedding.IsAvailable() {
		s.writeJSON(w, http.StatusOK, models.Degraded("embeddings unavailable: "+s.opts.Embedding.UnavailableReason(), data))
		return
	}
	s.writeJSON(w, http.StatusOK, models.Success(data))
}

// providerStatsHandler returns per-provider call statistics (GET /stats/providers).
func (s *Server) providerStatsHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Embedding == nil {
		s.writeJSON(w, http.StatusOK, models.Degraded("embedding service not configured", []embedding.ProviderStat{}))
		return
	}
	stats := s.opts.Embedding.Stats()
	if !s.opts.Embedding.IsAvailable() {
		s.writeJSON(w, http.StatusOK, models.Degraded(s.opts.Embedding.UnavailableReason(), stats))
		return
	}
	s.writeJSON(w, http.StatusOK, models.Success(stats))
}

// publisherStatsHandler returns queue depth and connection state (GET /stats/publisher).
func (s *Server) publisherStatsHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Publisher == nil {
		s.writeJSON(w, http.StatusNotFound, models.Error("publisher is not running in this role"))
		return
	}
	s.writeJSON(w, http.StatusOK, models.Success(s.opts.Publisher.Stats()))
}
