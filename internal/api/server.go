package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quantfold/jgb-regime/internal/config"
	"github.com/quantfold/jgb-regime/internal/data"
	"github.com/quantfold/jgb-regime/internal/pipeline"
	"github.com/quantfold/jgb-regime/internal/regime"
	"github.com/quantfold/jgb-regime/pkg/types"
)

// Server is the HTTP/WebSocket API server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     config.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub

	pipe     *pipeline.Pipeline
	store    *data.Store
	input    regime.Input
	events   []types.PolicyEvent
	registry *prometheus.Registry

	latest *pipeline.Result

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewServer creates the API server. The store may be nil, in which case
// runs are not persisted.
func NewServer(logger *zap.Logger, cfg config.ServerConfig, pipe *pipeline.Pipeline,
	store *data.Store, input regime.Input, events []types.PolicyEvent,
	registry *prometheus.Registry) *Server {

	server := &Server{
		logger:   logger.Named("api"),
		config:   cfg,
		router:   mux.NewRouter(),
		hub:      NewHub(logger),
		pipe:     pipe,
		store:    store,
		input:    input,
		events:   events,
		registry: registry,
		limiters: make(map[string]*rate.Limiter),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/regime/analyze", s.handleAnalyze).Methods("POST")
	s.router.HandleFunc("/api/v1/regime/current", s.handleCurrent).Methods("GET")
	s.router.HandleFunc("/api/v1/regime/ensemble", s.handleEnsemble).Methods("GET")
	s.router.HandleFunc("/api/v1/regime/detectors", s.handleDetectors).Methods("GET")
	s.router.HandleFunc("/api/v1/regime/validation", s.handleValidation).Methods("GET")

	s.router.HandleFunc("/api/v1/events", s.handleEvents).Methods("GET")
	s.router.HandleFunc("/api/v1/runs", s.handleListRuns).Methods("GET")
	s.router.HandleFunc("/api/v1/runs/{id}", s.handleGetRun).Methods("GET")

	if s.registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Start starts the HTTP server and the WebSocket hub.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.rateLimit(s.router))

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go s.hub.Run()

	s.logger.Info("starting API server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// rateLimit applies a per-client token bucket. The /metrics and /ws
// endpoints are exempt.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" || r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiterFor(host).Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(host string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	lim, ok := s.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.config.RateLimit), s.config.RateBurst)
		s.limiters[host] = lim
	}
	return lim
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"time":    time.Now().Unix(),
		"clients": s.hub.ClientCount(),
	})
}

// handleAnalyze runs the full pipeline on the loaded series and returns
// the result. The run is persisted when a store is configured.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	result, err := s.pipe.Run(r.Context(), s.input, s.events)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.mu.Lock()
	previous := s.latest
	s.latest = result
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SaveRun(r.Context(), result); err != nil {
			s.logger.Error("persist run", zap.String("run_id", result.RunID), zap.Error(err))
		}
	}

	if previous != nil && previous.Band != result.Band {
		s.hub.BroadcastBandTransition(BandTransition{
			RunID:    result.RunID,
			From:     previous.Band,
			To:       result.Band,
			Latest:   result.Latest,
			Occurred: result.GeneratedAt,
		})
	}
	s.hub.BroadcastRunComplete(map[string]interface{}{
		"run_id": result.RunID,
		"band":   result.Band,
		"latest": result.Latest,
	})

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	result, ok := s.latestResult()
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no analysis has run yet"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":       result.RunID,
		"generated_at": result.GeneratedAt,
		"band":         result.Band,
		"probability":  result.Latest,
	})
}

func (s *Server) handleEnsemble(w http.ResponseWriter, r *http.Request) {
	result, ok := s.latestResult()
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no analysis has run yet"))
		return
	}
	s.writeJSON(w, http.StatusOK, result.Ensemble)
}

func (s *Server) handleDetectors(w http.ResponseWriter, r *http.Request) {
	result, ok := s.latestResult()
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no analysis has run yet"))
		return
	}

	type detectorSummary struct {
		Detector string              `json:"detector"`
		Kind     types.ScoreKind     `json:"kind"`
		Failed   bool                `json:"failed"`
		Flags    []types.QualityFlag `json:"flags,omitempty"`
		Metadata map[string]string   `json:"metadata,omitempty"`
	}
	summaries := make([]detectorSummary, 0, len(result.Outputs))
	for _, out := range result.Outputs {
		summaries = append(summaries, detectorSummary{
			Detector: out.Detector,
			Kind:     out.Kind,
			Failed:   out.Failed(),
			Flags:    out.Flags,
			Metadata: out.Metadata,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"detectors": summaries})
}

func (s *Server) handleValidation(w http.ResponseWriter, r *http.Request) {
	result, ok := s.latestResult()
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no analysis has run yet"))
		return
	}
	if result.Validation == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no events configured for validation"))
		return
	}
	s.writeJSON(w, http.StatusOK, result.Validation)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": s.events,
		"count":  len(s.events),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("run storage not configured"))
		return
	}
	runs, err := s.store.ListRuns(r.Context(), 50)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs, "count": len(runs)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("run storage not configured"))
		return
	}
	id := mux.Vars(r)["id"]
	result, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade", zap.Error(err))
		return
	}
	client := NewClient(uuid.NewString(), s.hub, conn)
	s.hub.register <- client
	go client.WritePump()
	go client.ReadPump()
}

func (s *Server) latestResult() (*pipeline.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.latest != nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
