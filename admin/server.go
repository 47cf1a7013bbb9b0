// Package admin serves the ops HTTP surface: sync status, DLQ and
// backfill inspection, health and metrics. Read-only; mutations go
// through the CLI.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/lucasgelfond/puffgres/state"
	"github.com/lucasgelfond/puffgres/telemetry"
)

// StatusStore is the read surface the admin API needs; *state.Store
// satisfies it.
type StatusStore interface {
	AllCheckpoints(ctx context.Context) ([]state.Checkpoint, error)
	AllBackfills(ctx context.Context) ([]state.BackfillCursor, error)
	ListDLQ(ctx context.Context, mappingPattern string, limit int) ([]*state.DLQEntry, error)
	CountDLQ(ctx context.Context, mappingName string) (int64, error)
}

// Server is the admin HTTP server.
type Server struct {
	store StatusStore
	http  *http.Server
}

// NewServer builds the server on the given bind address.
func NewServer(store StatusStore, address string, port int) *Server {
	s := &Server{store: store}
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", address, port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// routes registers all admin API routes using the chi router.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/admin/status", s.handleStatus)
	r.Get("/admin/dlq", s.handleDLQ)
	r.Get("/admin/backfill", s.handleBackfill)

	if h := telemetry.Handler(); h != nil {
		r.Handle("/metrics", h)
	}
	return r
}

// Start serves until Stop is called.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.http.Addr).Msg("Admin server listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if err := s.http.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Admin server shutdown failed")
	}
}

// Handler exposes the routes for tests.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type mappingStatus struct {
	Mapping         string `json:"mapping"`
	AppliedLSN      string `json:"applied_lsn"`
	EventsProcessed uint64 `json:"events_processed"`
	UpdatedAt       string `json:"updated_at"`
	PendingDLQ      int64  `json:"pending_dlq"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	checkpoints, err := s.store.AllCheckpoints(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]mappingStatus, 0, len(checkpoints))
	for _, cp := range checkpoints {
		pending, err := s.store.CountDLQ(r.Context(), cp.MappingName)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out = append(out, mappingStatus{
			Mapping:         cp.MappingName,
			AppliedLSN:      cp.AppliedLSN.String(),
			EventsProcessed: cp.EventsProcessed,
			UpdatedAt:       cp.UpdatedAt.UTC().Format(time.RFC3339),
			PendingDLQ:      pending,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type dlqItem struct {
	ID         int32  `json:"id"`
	Mapping    string `json:"mapping"`
	LSN        string `json:"lsn"`
	ErrorKind  string `json:"error_kind"`
	Error      string `json:"error"`
	RetryCount int32  `json:"retry_count"`
	CreatedAt  string `json:"created_at"`
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}

	entries, err := s.store.ListDLQ(r.Context(), r.URL.Query().Get("mapping"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]dlqItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, dlqItem{
			ID:         e.ID,
			Mapping:    e.MappingName,
			LSN:        e.LSN.String(),
			ErrorKind:  string(e.ErrorKind),
			Error:      e.ErrorMessage,
			RetryCount: e.RetryCount,
			CreatedAt:  e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type backfillItem struct {
	Mapping   string `json:"mapping"`
	Status    string `json:"status"`
	LastID    string `json:"last_id,omitempty"`
	Total     int64  `json:"total_rows,omitempty"`
	Processed int64  `json:"processed_rows"`
	UpdatedAt string `json:"updated_at"`
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	cursors, err := s.store.AllBackfills(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]backfillItem, 0, len(cursors))
	for _, c := range cursors {
		out = append(out, backfillItem{
			Mapping:   c.MappingName,
			Status:    c.Status,
			LastID:    c.LastID,
			Total:     c.TotalRows,
			Processed: c.ProcessedRows,
			UpdatedAt: c.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode admin response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
