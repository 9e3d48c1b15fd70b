package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"burstfuse/internal/governor"
	"burstfuse/internal/metrics"
	"burstfuse/internal/pipeline"
	"burstfuse/internal/storage"
)

// Server exposes run submission, run history and live progress over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	queue    *pipeline.Queue
	gov      *governor.Governor
	metrics  *metrics.Metrics
	log      *slog.Logger
	hub      *hub
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer wires the HTTP surface. store, gov and m may be nil.
func NewServer(addr string, store *storage.Store, queue *pipeline.Queue, gov *governor.Governor, m *metrics.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:    addr,
		store:   store,
		queue:   queue,
		gov:     gov,
		metrics: m,
		log:     log,
		hub:     newHub(log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.background(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down HTTP server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("HTTP server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// background starts the websocket hub and the event relay.
func (s *Server) background(ctx context.Context) {
	go s.hub.run(ctx)
	go s.forwardEvents(ctx)
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/presets", s.handlePresets).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/governor", s.handleGovernor).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type presetInfo struct {
	Name string `json:"name"`
	pipeline.PresetConfig
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	out := make([]presetInfo, 0, 4)
	for _, p := range pipeline.Presets() {
		out = append(out, presetInfo{Name: p.String(), PresetConfig: p.Config()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type runDetail struct {
	storage.RunRecord
	Meta   map[string]any        `json:"meta,omitempty"`
	Stages []storage.StageRecord `json:"stages,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.GetRun(id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	d := runDetail{RunRecord: rec}
	d.Meta, _ = s.store.RunMeta(id)
	d.Stages, _ = s.store.RunStages(id)
	writeJSON(w, http.StatusOK, d)
}

// SubmitRequest is the body of POST /runs.
type SubmitRequest struct {
	Type    pipeline.JobType `json:"type"`
	Input   string           `json:"input"`
	Output  string           `json:"output"`
	Preset  string           `json:"preset"`
	Options map[string]any   `json:"options,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	job, err := JobFromRequest(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.queue.Submit(job)
	switch {
	case errors.Is(err, pipeline.ErrQueueFull):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
}

// JobFromRequest validates a submission.
func JobFromRequest(req SubmitRequest) (pipeline.Job, error) {
	return pipeline.NewJob(string(req.Type), req.Input, req.Output, req.Preset, req.Options)
}

func (s *Server) handleGovernor(w http.ResponseWriter, r *http.Request) {
	if s.gov == nil {
		http.Error(w, "governor not configured", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.gov.Sample())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, unsubscribe := s.queue.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, _ := json.Marshal(ev)
			_, _ = w.Write([]byte("event: " + string(ev.Kind) + "\ndata: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	if !s.hub.add(conn) {
		conn.Close()
		return
	}

	go func() {
		defer s.hub.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// forwardEvents relays queue events and periodic governor snapshots to
// websocket clients.
func (s *Server) forwardEvents(ctx context.Context) {
	events, unsubscribe := s.queue.Subscribe()
	defer unsubscribe()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.hub.publish(ctx, ev)
		case <-ticker.C:
			if s.gov != nil {
				s.hub.publish(ctx, map[string]any{"kind": "governor", "snapshot": s.gov.Snapshot()})
			}
		}
	}
}
