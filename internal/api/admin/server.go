// Package admin serves the operator API of a node: health, routes, pending
// exchanges, the message log and the default forwarding decision.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocppnet/overlay/internal/core/domain"
	"github.com/ocppnet/overlay/internal/core/ports"
	"github.com/ocppnet/overlay/internal/forwarding"
	"github.com/ocppnet/overlay/internal/node"
	"github.com/ocppnet/overlay/internal/server"
)

// Config wires the admin API to a node.
type Config struct {
	Node             *node.Node
	Store            ports.MessageStore    // optional; /events answers 503 without it
	Gatherer         prometheus.Gatherer   // optional; /metrics is not mounted without it
	OnDecisionChange func(forwarding.Kind) // optional
	Logger           *slog.Logger
	Timeout          time.Duration
}

type Server struct {
	router    *chi.Mux
	startTime time.Time
	cfg       Config
	logger    *slog.Logger
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	s := &Server{
		router:    chi.NewRouter(),
		startTime: time.Now(),
		cfg:       cfg,
		logger:    logger,
	}
	s.Register(s.router)
	return s
}

// Register adds the admin routes to r.
func (s *Server) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(server.TimeoutMiddleware(s.cfg.Timeout))

		r.Get("/healthz", s.handleHealth)
		r.Get("/stats", s.handleStats)
		r.Get("/routes", s.handleRoutes)
		r.Get("/pending", s.handlePending)
		r.Get("/events", s.handleEvents)
		r.Get("/events/{request_id}", s.handleRequestEvents)
		r.Get("/forwarding/default", s.handleGetDefault)
		r.Put("/forwarding/default", s.handlePutDefault)
	})
	if s.cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string `json:"status"`
	NodeID      string `json:"node_id"`
	Connections int    `json:"connections"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		NodeID:      s.cfg.Node.ID().String(),
		Connections: len(s.cfg.Node.Routes().Connections()),
	})
}

type StatsResponse struct {
	Uptime          string `json:"uptime"`
	GoVersion       string `json:"go_version"`
	NumGoroutine    int    `json:"num_goroutine"`
	PendingRequests int    `json:"pending_requests"`
	DefaultDecision string `json:"default_decision"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Uptime:          time.Since(s.startTime).Round(time.Second).String(),
		GoVersion:       runtime.Version(),
		NumGoroutine:    runtime.NumGoroutine(),
		PendingRequests: s.cfg.Node.Engine().Len(),
		DefaultDecision: string(s.cfg.Node.Pipeline().DefaultDecision()),
	})
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id": s.cfg.Node.ID(),
		"routes":  s.cfg.Node.Routes().Routes(),
	})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": s.cfg.Node.Engine().Pending(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "message log is disabled")
		return
	}
	q := r.URL.Query()
	filter := ports.EventFilter{
		RequestID: domain.RequestID(q.Get("request_id")),
		Kind:      domain.NodeEventKind(q.Get("kind")),
		Action:    q.Get("action"),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "offset: "+err.Error())
		return
	}
	if since := q.Get("since"); since != "" {
		if filter.Since, err = time.Parse(time.RFC3339, since); err != nil {
			writeError(w, http.StatusBadRequest, "since: "+err.Error())
			return
		}
	}

	events, err := s.cfg.Store.ListEvents(r.Context(), filter)
	if err != nil {
		s.logger.Error("list events failed", slog.String("error", err.Error()))
		server.AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "list events failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleRequestEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "message log is disabled")
		return
	}
	id := chi.URLParam(r, "request_id")
	events, err := s.cfg.Store.GetEventsByRequest(r.Context(), domain.RequestID(id))
	if err != nil {
		server.AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "get events failed")
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusNotFound, "no events for request "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": id, "events": events})
}

type DecisionBody struct {
	Decision string `json:"decision"`
}

func (s *Server) handleGetDefault(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, DecisionBody{Decision: string(s.cfg.Node.Pipeline().DefaultDecision())})
}

func (s *Server) handlePutDefault(w http.ResponseWriter, r *http.Request) {
	var body DecisionBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	kind, err := forwarding.ParseKind(strings.TrimSpace(body.Decision))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cfg.Node.Pipeline().SetDefaultDecision(kind); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	server.AddLogField(r.Context(), "decision", string(kind))
	if s.cfg.OnDecisionChange != nil {
		s.cfg.OnDecisionChange(kind)
	}
	writeJSON(w, http.StatusOK, DecisionBody{Decision: string(kind)})
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
