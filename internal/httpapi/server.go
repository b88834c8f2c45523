package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/recordsync/internal/recordsync"
)

type ServerConfig struct {
	APIToken        string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Server is the operator API: sync triggers, mutation intake, and status
// inspection. Every route except /health requires the bearer token when one
// is configured.
type Server struct {
	store       *recordsync.RecordStore
	coordinator *recordsync.SyncCoordinator
	buffer      *recordsync.WriteBuffer
	detector    *recordsync.DiscrepancyDetector
	hub         *ChangeHub
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type ServerOptions struct {
	Store       *recordsync.RecordStore
	Coordinator *recordsync.SyncCoordinator
	Buffer      *recordsync.WriteBuffer
	Detector    *recordsync.DiscrepancyDetector
	Hub         *ChangeHub
	Config      ServerConfig
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       opts.Store,
		coordinator: opts.Coordinator,
		buffer:      opts.Buffer,
		detector:    opts.Detector,
		hub:         opts.Hub,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	correlationID := getCorrelationID(r)
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.coordinator.Status())
	case len(parts) == 2 && parts[1] == "changes" && r.Method == http.MethodGet:
		s.handleChanges(w, r)
	case len(parts) == 2 && parts[1] == "discrepancies" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"collections": s.detector.Report(r.Context()),
		})
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "full" && r.Method == http.MethodPost:
		s.handleSyncFull(w, r)
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "incremental" && r.Method == http.MethodPost:
		s.handleSyncIncremental(w, r)
	case len(parts) == 4 && parts[1] == "sync" && parts[2] == "collections" && r.Method == http.MethodPost:
		s.handleForceSync(w, r, parts[3])
	case len(parts) == 3 && parts[1] == "control" && parts[2] == "start" && r.Method == http.MethodPost:
		s.coordinator.Start()
		writeJSON(w, http.StatusOK, map[string]bool{"isRunning": true})
	case len(parts) == 3 && parts[1] == "control" && parts[2] == "stop" && r.Method == http.MethodPost:
		s.coordinator.Stop()
		writeJSON(w, http.StatusOK, map[string]bool{"isRunning": false})
	case len(parts) == 2 && parts[1] == "mutations" && r.Method == http.MethodPost:
		s.handleEnqueueMutation(w, r)
	case len(parts) == 2 && parts[1] == "mutations" && r.Method == http.MethodGet:
		s.handleListMutations(w, r)
	case len(parts) == 3 && parts[1] == "mutations" && r.Method == http.MethodGet:
		s.handleGetMutation(w, parts[2], correlationID)
	case len(parts) == 4 && parts[1] == "mutations" && parts[3] == "ack" && r.Method == http.MethodPost:
		s.handleAckMutation(w, parts[2], correlationID)
	case len(parts) == 4 && parts[1] == "collections" && parts[3] == "records" && r.Method == http.MethodGet:
		s.handleListRecords(w, parts[2], correlationID)
	case len(parts) == 4 && parts[1] == "records" && r.Method == http.MethodGet:
		s.handleGetRecord(w, parts[2], parts[3], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.APIToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIToken)) == 1
}

func (s *Server) handleSyncFull(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.RunFull(r.Context()); err != nil {
		s.writeSyncError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, s.coordinator.Status())
}

func (s *Server) handleSyncIncremental(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.RunIncremental(r.Context()); err != nil {
		s.writeSyncError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, s.coordinator.Status())
}

func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request, collectionID string) {
	if err := s.coordinator.ForceSync(r.Context(), collectionID); err != nil {
		s.writeSyncError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, s.coordinator.Status())
}

func (s *Server) handleEnqueueMutation(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req recordsync.MutationRequest
	if !s.decodeJSONBody(w, r, &req, correlationID) {
		return
	}
	mutation, err := s.buffer.Enqueue(req)
	if err != nil {
		s.writeSyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, mutation)
}

func (s *Server) handleListMutations(w http.ResponseWriter, r *http.Request) {
	status := recordsync.MutationStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	writeJSON(w, http.StatusOK, map[string]any{
		"mutations": s.buffer.List(status),
	})
}

func (s *Server) handleGetMutation(w http.ResponseWriter, mutationID, correlationID string) {
	mutation, err := s.buffer.Get(mutationID)
	if err != nil {
		s.writeSyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, mutation)
}

func (s *Server) handleAckMutation(w http.ResponseWriter, mutationID, correlationID string) {
	if err := s.buffer.Acknowledge(mutationID); err != nil {
		s.writeSyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mutationId": mutationID, "status": "acknowledged"})
}

func (s *Server) handleListRecords(w http.ResponseWriter, collectionID, correlationID string) {
	records, err := s.store.ListByCollection(collectionID)
	if err != nil {
		s.writeSyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"collectionId": collectionID,
		"records":      records,
		"count":        len(records),
	})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, collectionID, recordID, correlationID string) {
	record, err := s.store.Get(collectionID, recordID)
	if err != nil {
		s.writeSyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) writeSyncError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, recordsync.ErrSyncAlreadyRunning):
		writeError(w, http.StatusConflict, "sync_already_running", err.Error(), correlationID)
	case errors.Is(err, recordsync.ErrUnknownCollection):
		writeError(w, http.StatusNotFound, "unknown_collection", err.Error(), correlationID)
	case errors.Is(err, recordsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, recordsync.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error(), correlationID)
	case errors.Is(err, recordsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, recordsync.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	case errors.Is(err, recordsync.ErrQuotaExhausted):
		s.setQuotaRetryAfter(w)
		writeError(w, http.StatusTooManyRequests, "quota_exhausted", err.Error(), correlationID)
	case errors.Is(err, recordsync.ErrRemoteRejected):
		writeError(w, http.StatusBadGateway, "remote_rejected", err.Error(), correlationID)
	case errors.Is(err, recordsync.ErrRemoteUnavailable):
		writeError(w, http.StatusBadGateway, "remote_unavailable", err.Error(), correlationID)
	case errors.Is(err, recordsync.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) setQuotaRetryAfter(w http.ResponseWriter) {
	windowEnd := s.coordinator.Status().QuotaWindowEnd
	if windowEnd.IsZero() {
		return
	}
	seconds := int(math.Ceil(time.Until(windowEnd).Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	limited := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(limited)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, correlationID string) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(l.window),
		}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}
