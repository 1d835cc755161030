package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"feedsplit/internal/config"
	"feedsplit/internal/ics"
	"feedsplit/internal/log"
	"feedsplit/internal/metrics"
	"feedsplit/internal/model"
	"feedsplit/internal/pipeline"
	"feedsplit/internal/process"
	"feedsplit/internal/store"
)

// Server exposes health, metrics, and read-only views of the segment
// output while watch mode is running.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	metrics *metrics.Metrics
	log     *log.Logger
	router  *chi.Mux

	// Last finished run, reported by /api/status.
	runMu   sync.RWMutex
	lastRun *runStatus
}

type runStatus struct {
	RunID       string         `json:"run_id"`
	Started     time.Time      `json:"started"`
	TookSeconds float64        `json:"took_seconds"`
	OK          bool           `json:"ok"`
	Error       string         `json:"error,omitempty"`
	SeriesItems int            `json:"series_items"`
	Occurrences int            `json:"occurrence_items"`
	Listings    map[string]int `json:"listings,omitempty"`
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, st *store.Store, m *metrics.Metrics, logger *log.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		store:   st,
		metrics: m,
		log:     logger,
		router:  chi.NewRouter(),
	}
	s.registerRoutes()
	return s
}

// RecordRun remembers the outcome of a pipeline run for /api/status.
func (s *Server) RecordRun(sum pipeline.Summary, err error) {
	st := &runStatus{
		RunID:       sum.RunID,
		Started:     sum.Started,
		TookSeconds: sum.Took.Seconds(),
		OK:          err == nil,
		SeriesItems: sum.Series.Items,
		Occurrences: sum.Occurrences.Items,
		Listings:    sum.Listings,
	}
	if err != nil {
		st.Error = err.Error()
	}
	s.runMu.Lock()
	s.lastRun = st
	s.runMu.Unlock()
}

// Handler returns the root http.Handler, with Basic Auth when configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.basicAuthEnabled() {
		s.log.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="feedsplit", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http shutdown")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler(s.updateListingGauges))
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/segments", s.handleSegments)
		r.Route("/segments/{segment_id}", func(r chi.Router) {
			r.Get("/occurrences", s.handleOccurrences)
			r.Get("/calendar.ics", s.handleCalendar)
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) updateListingGauges() {
	sizes, err := pipeline.ListingSizes(s.store, s.cfg.Segments)
	if err != nil {
		s.log.Error("listing sizes unavailable", err)
		return
	}
	for id, n := range sizes {
		s.metrics.SetListingSize(id, n)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.runMu.RLock()
	st := s.lastRun
	s.runMu.RUnlock()
	if st == nil {
		writeJSON(w, s.log, http.StatusOK, map[string]any{"ok": nil, "message": "no run finished yet"})
		return
	}
	writeJSON(w, s.log, http.StatusOK, st)
}

type segmentDTO struct {
	model.Segment
	Listed int `json:"listed"`
}

func (s *Server) handleSegments(w http.ResponseWriter, _ *http.Request) {
	sizes, err := pipeline.ListingSizes(s.store, s.cfg.Segments)
	if err != nil {
		s.log.Error("api segments: listing sizes failed", err)
		writeError(w, s.log, http.StatusInternalServerError, "failed to read listings")
		return
	}
	out := make([]segmentDTO, 0, len(s.cfg.Segments))
	for _, seg := range s.cfg.Segments {
		out = append(out, segmentDTO{Segment: seg, Listed: sizes[seg.Identifier]})
	}
	writeJSON(w, s.log, http.StatusOK, out)
}

func (s *Server) segment(r *http.Request) (model.Segment, bool) {
	id := chi.URLParam(r, "segment_id")
	for _, seg := range s.cfg.Segments {
		if seg.Identifier == id {
			return seg, true
		}
	}
	return model.Segment{}, false
}

// handleOccurrences returns the listed occurrences of one segment.
//
// GET /api/segments/{segment_id}/occurrences?offset=0&limit=100
func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	seg, ok := s.segment(r)
	if !ok {
		writeError(w, s.log, http.StatusNotFound, "unknown segment")
		return
	}
	q := r.URL.Query()
	offset := parseIntDefault(q.Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}
	limit := parseIntDefault(q.Get("limit"), 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	ns := process.SegmentNamespace(seg.Identifier)
	keys, err := s.store.Index(ns).Keys()
	if err != nil {
		s.log.Error("api occurrences: read listing failed", err, "segment", seg.Identifier)
		writeError(w, s.log, http.StatusInternalServerError, "failed to read listing")
		return
	}

	total := len(keys)
	if offset > total {
		offset = total
	}
	keys = keys[offset:min(offset+limit, total)]

	items := make([]json.RawMessage, 0, len(keys))
	for _, key := range keys {
		var raw json.RawMessage
		if err := s.store.ReadKey(ns, key, &raw); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			s.log.Error("api occurrences: read record failed", err, "segment", seg.Identifier, "key", key)
			writeError(w, s.log, http.StatusInternalServerError, "failed to read occurrence")
			return
		}
		items = append(items, raw)
	}

	writeJSON(w, s.log, http.StatusOK, map[string]any{
		"segment": seg.Identifier,
		"total":   total,
		"offset":  offset,
		"items":   items,
	})
}

func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	seg, ok := s.segment(r)
	if !ok {
		writeError(w, s.log, http.StatusNotFound, "unknown segment")
		return
	}
	cal, _, err := ics.Build(s.store, seg.Identifier, time.Now().UTC(), s.cfg.Location(), s.log)
	if err != nil {
		s.log.Error("api calendar: build failed", err, "segment", seg.Identifier)
		writeError(w, s.log, http.StatusInternalServerError, "failed to build calendar")
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(cal.Serialize()))
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, logger *log.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, logger *log.Logger, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, logger, status, errResp{Error: msg})
}
