package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves the probe endpoints and Prometheus metrics. The balance and
// history query handlers share its mux.
type Server struct {
	monitor *Monitor
	mux     *http.ServeMux
	server  *http.Server
}

// summary is the /health body: overall status and each chain's cursor, so a
// load balancer check also shows how far ingestion got.
type summary struct {
	Status  SystemStatus      `json:"status"`
	Cursors map[string]uint64 `json:"cursors"`
}

func NewServer(monitor *Monitor, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		monitor: monitor,
		mux:     mux,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("GET /health/live", s.handleLive)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/detailed", s.handleDetailed)
	mux.Handle("GET /metrics", promhttp.Handler())
	return s
}

// Mux is the router the query API registers on.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// Start blocks serving until Stop, then returns http.ErrServerClosed.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleLive answers without touching the pipelines or the node.
func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleHealth fails with 503 once any chain is halted or critically behind.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	chains := s.monitor.CheckHealth(r.Context())
	body := summary{Status: Overall(chains), Cursors: make(map[string]uint64, len(chains))}
	for id, c := range chains {
		body.Cursors[id] = c.CurrentBlock
	}

	code := http.StatusOK
	if body.Status == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	chains := s.monitor.CheckHealth(r.Context())
	writeJSON(w, http.StatusOK, HealthReport{
		SystemStatus: Overall(chains),
		Chains:       chains,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
