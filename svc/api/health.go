package api

import (
	"context"
	"net/http"
	"time"

	"kopy/svc/util"
)

// writePinger is implemented by backends that can also verify they accept
// writes. Only /ready uses it; /health stays free of side effects.
type writePinger interface {
	PingWrite(ctx context.Context) error
}

func readyPing(ctx context.Context, p Pinger) error {
	if wp, ok := p.(writePinger); ok {
		return wp.PingWrite(ctx)
	}
	return p.Ping(ctx)
}

type HealthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
type ReadyResponse struct {
	Ready    bool   `json:"ready"`
	Database string `json:"database"`
	Cache    string `json:"cache"`
}

// Health reports whether the paste store answers.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		util.Error().Err(err).Msg("database health check failed")
		writeJSON(w, http.StatusInternalServerError, HealthResponse{
			Status:  "error",
			Message: "database connection failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "connected"})
}
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{
		Ready:    true,
		Database: "up",
		Cache:    "up",
	}
	dbCtx, dbCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer dbCancel()
	if err := readyPing(dbCtx, s.store); err != nil {
		util.Error().Err(err).Msg("database readiness check failed")
		resp.Database = "down"
		resp.Ready = false
	}
	if s.rdb != nil {
		cacheCtx, cacheCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cacheCancel()
		if err := readyPing(cacheCtx, s.rdb); err != nil {
			util.Error().Err(err).Msg("redis readiness check failed")
			resp.Cache = "down"
			resp.Ready = false
		}
	} else {
		resp.Cache = "unavailable"
	}
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
