package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/zeusync/worldcore/internal/core/gateway"
	"github.com/zeusync/worldcore/internal/core/observability/log"
)

type sourceHealth struct {
	ID        string     `json:"id"`
	Suspended bool       `json:"suspended"`
	Since     *time.Time `json:"since,omitempty"`
	Owned     int        `json:"owned"`
}

type healthResponse struct {
	Status  string         `json:"status"`
	Stats   Stats          `json:"stats"`
	Sources []sourceHealth `json:"sources"`
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("/v1/", s.gateway.Handler(gateway.HTTPConfig{
		Token:        s.cfg.Gateway.Token,
		PingInterval: s.cfg.Gateway.PingInterval.Std(),
		WriteTimeout: s.cfg.Gateway.WriteTimeout.Std(),
	}))
	return mux
}

// handleHealth reports degraded while any source is suspended.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Stats: s.GetStats()}
	for _, src := range s.reconciler.Sources() {
		h := sourceHealth{ID: string(src.ID), Suspended: src.Suspended, Owned: src.Owned}
		if src.Suspended {
			since := src.Since
			h.Since = &since
			resp.Status = "degraded"
		}
		resp.Sources = append(resp.Sources, h)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("Failed to write health response", log.Error(err))
	}
}
