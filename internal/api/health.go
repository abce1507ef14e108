package api

import (
	"context"
	"net/http"
	"time"
)

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// HealthHandler reports "ok" when every configured backing store answers a
// ping, and "degraded" with a 503 otherwise.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok"}
	check := func(name string, ping func(context.Context) error) {
		if resp.Checks == nil {
			resp.Checks = make(map[string]string)
		}
		if err := ping(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			return
		}
		resp.Checks[name] = "ok"
	}
	if s.Store != nil && s.Store.Client != nil {
		check("redis", func(ctx context.Context) error { return s.Store.Client.Ping(ctx).Err() })
	}
	if s.PG != nil && s.PG.DB != nil {
		check("postgres", s.PG.DB.PingContext)
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
	s.observe("health", "GET", status, start)
}
