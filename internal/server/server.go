// Package server assembles the HTTP surface of the gateway: the duplex
// socket endpoint, the memory REST API, the agent SSE run endpoint, and
// the health and metrics probes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/aurin-ai/aurin/internal/config"
	"github.com/aurin-ai/aurin/internal/engine"
	"github.com/aurin-ai/aurin/internal/hub"
	"github.com/aurin-ai/aurin/internal/memory"
	"github.com/aurin-ai/aurin/internal/observe"
)

// shutdownTimeout bounds the drain of in-flight requests on shutdown.
const shutdownTimeout = 10 * time.Second

// Server owns the HTTP mux and its dependencies.
type Server struct {
	cfg     *config.Config
	hub     *hub.Hub
	memory  *memory.Service
	engines *engine.Store
	logger  *slog.Logger
	metrics *observe.Metrics
}

// New wires a Server. The engine store may be empty; agent endpoints then
// answer 404.
func New(cfg *config.Config, h *hub.Hub, mem *memory.Service, engines *engine.Store, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		hub:     h,
		memory:  mem,
		engines: engines,
		logger:  logger,
		metrics: observe.DefaultMetrics(),
	}
}

// Handler builds the full route table wrapped in CORS and request metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.hub.HandleConn)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/memory/facts", s.handleListFacts)
	mux.HandleFunc("DELETE /api/memory/facts/{id}", s.handleDeleteFact)
	mux.HandleFunc("GET /api/memory/candidates", s.handleListCandidates)
	mux.HandleFunc("POST /api/memory/candidates/{id}/accept", s.handleAcceptCandidate)
	mux.HandleFunc("POST /api/memory/candidates/{id}/reject", s.handleRejectCandidate)
	mux.HandleFunc("GET /api/memory/summaries", s.handleListSummaries)
	mux.HandleFunc("DELETE /api/memory/summaries/{id}", s.handleDeleteSummary)
	mux.HandleFunc("GET /api/memory/export", s.handleExport)
	mux.HandleFunc("POST /api/memory/import", s.handleImport)

	mux.HandleFunc("POST /api/agent/engines", s.handleAgentRun)
	mux.HandleFunc("POST /api/agent/engines/{engine}", s.handleAgentConversation)

	var handler http.Handler = mux
	handler = observe.Middleware(s.metrics, s.logger)(handler)
	handler = corsMiddleware(s.cfg.Server.CORSAllowOrigins)(handler)
	return handler
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return g.Wait()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// corsMiddleware answers preflight requests and stamps allow-origin
// headers. A "*" entry allows every origin.
func corsMiddleware(allowOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]struct{}, len(allowOrigins))
	for _, origin := range allowOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case origin == "":
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			default:
				if _, ok := allowed[origin]; ok {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
				}
			}
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"detail":"encoding failed"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// decodeJSON reads the request body into v. An empty body decodes into
// the zero value.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
