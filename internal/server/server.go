package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yourorg/calltrace/internal/capture"
	"github.com/yourorg/calltrace/internal/config"
	"github.com/yourorg/calltrace/internal/filter"
	"github.com/yourorg/calltrace/internal/investigate"
	"github.com/yourorg/calltrace/internal/quality"
	"github.com/yourorg/calltrace/internal/store"
	"github.com/yourorg/calltrace/pkg/types"
)

const maxImportBytes = 32 << 20

// Server exposes stored sessions and investigations over HTTP.
type Server struct {
	cfg    *config.Config
	store  store.Store
	source investigate.Source
	logger *slog.Logger
	mux    *http.ServeMux

	registry       *prometheus.Registry
	investigations *prometheus.CounterVec
	issues         *prometheus.CounterVec
	imports        prometheus.Counter
	latency        prometheus.Histogram
}

// New constructs a Server with routes registered. src is the remote
// platform; when nil, POST /api/investigate answers 503.
func New(cfg *config.Config, st store.Store, src investigate.Source, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if st == nil {
		return nil, errors.New("store is nil")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	srv := &Server{
		cfg:      cfg,
		store:    st,
		source:   src,
		logger:   logger,
		mux:      http.NewServeMux(),
		registry: reg,
		investigations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "calltrace_investigations_total",
			Help: "Investigations run, by origin of the records",
		}, []string{"origin"}),
		issues: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "calltrace_issues_total",
			Help: "Issues reported by investigations",
		}, []string{"kind"}),
		imports: factory.NewCounter(prometheus.CounterOpts{
			Name: "calltrace_trace_imports_total",
			Help: "Traces imported through the API",
		}),
		latency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "calltrace_investigation_duration_seconds",
			Help:    "Time spent fetching and analyzing one call",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
	srv.registerRoutes()
	return srv, nil
}

// Handler returns the http handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe starts the server on addr.
func (s *Server) ListenAndServe(addr string) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("starting http server", "addr", addr)
	return httpServer.ListenAndServe()
}

func (s *Server) registerRoutes() {
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.mux.HandleFunc("/api/sessions", s.handleSessions)
	s.mux.HandleFunc("/api/sessions/", s.handleSessionRoutes)
	s.mux.HandleFunc("/api/traces", s.handleImport)
	s.mux.HandleFunc("/api/investigate", s.handleInvestigate)
	s.mux.HandleFunc("/api/investigations/", s.handleInvestigation)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions, err := s.store.ListSessions()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	id, tail, ok := splitPath(r.URL.Path, "/api/sessions/")
	if !ok || id == "" {
		http.NotFound(w, r)
		return
	}
	switch tail {
	case "":
		s.handleSessionDetail(w, r, id)
	case "report":
		s.handleSessionReport(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodDelete:
		if err := s.store.DeleteSession(id); err != nil {
			writeStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, err := s.store.GetSession(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	msgs, err := s.store.GetMessages(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	invs, err := s.store.ListInvestigations(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := struct {
		Session        *types.Session        `json:"session"`
		Messages       []types.SipMessage    `json:"messages"`
		Investigations []types.Investigation `json:"investigations"`
	}{
		Session:        sess,
		Messages:       msgs,
		Investigations: invs,
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSessionReport analyzes the stored records of a session and keeps
// the result.
func (s *Server) handleSessionReport(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, err := s.store.GetSession(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	msgs, err := s.store.GetMessages(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	metrics, err := s.store.GetMetrics(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	inv := s.run(r, investigate.Static{Messages: msgs, Metrics: metrics}, sess.CallID, "session")
	inv.SessionID = sess.ID
	if err := s.store.SaveInvestigation(inv); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.store.UpdateSessionStatus(sess.ID, "analyzed"); err != nil {
		s.logger.Warn("update session status", "session_id", sess.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	capt, err := capture.Decode(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	callIDs := filter.CallIDs(capt.Messages)
	msgs := filter.Apply(capt.Messages, s.cfg.Filter)
	msgs = filter.Sanitize(msgs, s.cfg.Sanitize)
	callID := ""
	if len(msgs) > 0 {
		callID = msgs[0].CallID
	}

	sess, err := s.store.CreateSession("api", callID, r.URL.Query().Get("description"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.store.SaveMessages(sess.ID, msgs); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.store.SaveMetrics(sess.ID, capt.Metrics); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.imports.Inc()
	s.logger.Info("trace imported", "session_id", sess.ID, "call_id", callID, "messages", len(msgs), "metrics", len(capt.Metrics))

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"call_id":    callID,
		"call_ids":   callIDs,
		"messages":   len(msgs),
		"metrics":    len(capt.Metrics),
		"status":     "imported",
	})
}

func (s *Server) handleInvestigate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.source == nil {
		http.Error(w, "platform not configured", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		CallID string `json:"call_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	callID := strings.TrimSpace(req.CallID)
	if callID == "" {
		http.Error(w, "call_id required", http.StatusBadRequest)
		return
	}

	inv := s.run(r, s.source, callID, "platform")
	if err := s.store.SaveInvestigation(inv); err != nil {
		s.logger.Warn("save investigation", "id", inv.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleInvestigation(w http.ResponseWriter, r *http.Request) {
	id, tail, ok := splitPath(r.URL.Path, "/api/investigations/")
	if !ok || tail != "" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	inv, err := s.store.GetInvestigation(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "investigation not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) run(r *http.Request, src investigate.Source, callID, origin string) *types.Investigation {
	start := time.Now()
	inv := investigate.New(src, 1, s.logger).Investigate(r.Context(), callID)
	s.latency.Observe(time.Since(start).Seconds())
	s.investigations.WithLabelValues(origin).Inc()
	if inv.Trace != nil {
		s.issues.WithLabelValues("signaling").Add(float64(len(inv.Trace.Issues)))
	}
	s.issues.WithLabelValues("quality").Add(float64(len(quality.Problems(inv.Quality))))
	return inv
}

func splitPath(fullPath, prefix string) (string, string, bool) {
	if !strings.HasPrefix(fullPath, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(fullPath, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	id := parts[0]
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}
	return id, tail, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	http.Error(w, fmt.Sprintf("store: %v", err), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
