package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaycache/internal/relaycache"
	"go.trai.ch/zerr"
	"nhooyr.io/websocket"
)

type ServerConfig struct {
	JWTSecret       string
	Audience        string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// EventBuffer is the per-connection backlog before events are dropped.
	EventBuffer int
	// OriginPatterns are the websocket origins accepted besides the request host.
	OriginPatterns []string
}

// Dependencies are the engine components the API exposes. Any may be nil; the routes that need
// a missing component answer 501.
type Dependencies struct {
	Coordinator *relaycache.Coordinator
	Queue       *relaycache.SyncQueue
	Resolver    *relaycache.ConflictResolver
	Relations   *relaycache.RelationBatchResolver
	Source      relaycache.SourceClient
	Events      *relaycache.EventBus
	Logger      *slog.Logger
}

type Server struct {
	deps        Dependencies
	cfg         ServerConfig
	logger      *slog.Logger
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

func NewServer(deps Dependencies) *Server {
	return NewServerWithConfig(deps, ServerConfig{})
}

func NewServerWithConfig(deps Dependencies, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.Audience == "" {
		cfg.Audience = "relaycache"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		deps:        deps,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		s.handleHealth(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		requiredScope = "status:read"
		route = "status"
	case len(parts) == 4 && parts[1] == "entities" && r.Method == http.MethodGet:
		requiredScope = "entities:read"
		route = "read_entity"
	case len(parts) == 3 && parts[1] == "entities" && r.Method == http.MethodPost:
		requiredScope = "entities:write"
		route = "create_entity"
	case len(parts) == 4 && parts[1] == "entities" && r.Method == http.MethodPatch:
		requiredScope = "entities:write"
		route = "update_entity"
	case len(parts) == 4 && parts[1] == "entities" && r.Method == http.MethodDelete:
		requiredScope = "entities:write"
		route = "delete_entity"
	case len(parts) == 3 && parts[1] == "relations" && parts[2] == "resolve" && r.Method == http.MethodPost:
		requiredScope = "entities:read"
		route = "resolve_relations"
	case len(parts) == 3 && parts[1] == "cache" && parts[2] == "invalidate" && r.Method == http.MethodPost:
		requiredScope = "cache:admin"
		route = "invalidate"
	case len(parts) == 3 && parts[1] == "cache" && parts[2] == "warm" && r.Method == http.MethodPost:
		requiredScope = "cache:admin"
		route = "warm"
	case len(parts) == 2 && parts[1] == "queue" && r.Method == http.MethodGet:
		requiredScope = "queue:read"
		route = "queue_status"
	case len(parts) == 2 && parts[1] == "conflicts" && r.Method == http.MethodGet:
		requiredScope = "conflicts:read"
		route = "conflicts"
	case len(parts) == 3 && parts[1] == "conflicts" && parts[2] == "stats" && r.Method == http.MethodGet:
		requiredScope = "conflicts:read"
		route = "conflict_stats"
	case len(parts) == 4 && parts[1] == "conflicts" && parts[3] == "resolve" && r.Method == http.MethodPost:
		requiredScope = "conflicts:write"
		route = "resolve_conflict"
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		requiredScope = "events:read"
		route = "events"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && route == "events" {
		// Browsers cannot set headers on a websocket handshake.
		if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, s.cfg.Audience, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.AgentName, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "status":
		s.handleStatus(w, r, correlationID)
	case "read_entity":
		s.handleReadEntity(w, r, parts[2], parts[3], correlationID)
	case "create_entity":
		s.handleCreateEntity(w, r, parts[2], correlationID)
	case "update_entity":
		s.handleUpdateEntity(w, r, parts[2], parts[3], correlationID)
	case "delete_entity":
		s.handleDeleteEntity(w, r, parts[2], parts[3], correlationID)
	case "resolve_relations":
		s.handleResolveRelations(w, r, correlationID)
	case "invalidate":
		s.handleInvalidate(w, r, correlationID)
	case "warm":
		s.handleWarm(w, r, correlationID)
	case "queue_status":
		s.handleQueueStatus(w, r, correlationID)
	case "conflicts":
		s.handleConflicts(w, r, correlationID)
	case "conflict_stats":
		s.handleConflictStats(w, r, correlationID)
	case "resolve_conflict":
		s.handleResolveConflict(w, r, parts[2], correlationID)
	case "events":
		s.handleEvents(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Coordinator == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if err := s.deps.Coordinator.Cache().Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"cache":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Coordinator   *relaycache.CoordinatorHealth `json:"coordinator,omitempty"`
	Queue         *queueSummary                 `json:"queue,omitempty"`
	Conflicts     *relaycache.ConflictStats     `json:"conflicts,omitempty"`
	EventsDropped int64                         `json:"eventsDropped"`
}

type queueSummary struct {
	QueueLength int                     `json:"queueLength"`
	Processing  bool                    `json:"processing"`
	FailedItems int                     `json:"failedItems"`
	Metrics     relaycache.QueueMetrics `json:"metrics"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	resp := statusResponse{}
	if s.deps.Coordinator != nil {
		health := s.deps.Coordinator.Health(r.Context())
		resp.Coordinator = &health
	}
	if s.deps.Queue != nil {
		status := s.deps.Queue.Status()
		resp.Queue = &queueSummary{
			QueueLength: status.QueueLength,
			Processing:  status.Processing,
			FailedItems: len(status.Failed),
			Metrics:     status.Metrics,
		}
	}
	if s.deps.Resolver != nil {
		stats, err := s.deps.Resolver.GetConflictStats(r.Context(), 1)
		if err != nil {
			s.writeEngineError(w, r, err, correlationID)
			return
		}
		resp.Conflicts = &stats
	}
	if s.deps.Events != nil {
		resp.EventsDropped = s.deps.Events.Dropped()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReadEntity(w http.ResponseWriter, r *http.Request, rawType, id, correlationID string) {
	entityType, ok := s.parseEntityType(w, rawType, correlationID)
	if !ok {
		return
	}
	if s.deps.Coordinator == nil || s.deps.Source == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "entity reads are not configured", correlationID)
		return
	}
	opts := relaycache.FetchOptions{
		EntityID:     id,
		ForceRefresh: parseBool(r.URL.Query().Get("refresh"), false),
	}
	source := s.deps.Source
	snap, err := relaycache.GetCachedOrFetch(r.Context(), s.deps.Coordinator, relaycache.Key(entityType, id), entityType,
		func(ctx context.Context) (relaycache.Snapshot, error) {
			return source.FetchEntity(ctx, entityType, id)
		}, opts)
	if err != nil {
		s.writeEngineError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request, rawType, correlationID string) {
	entityType, ok := s.parseEntityType(w, rawType, correlationID)
	if !ok {
		return
	}
	if s.deps.Queue == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "writes are not configured", correlationID)
		return
	}
	var payload map[string]any
	if !s.decodeJSONBody(w, r, correlationID, &payload) {
		return
	}
	if isSyncMode(r) {
		snap, err := s.deps.Queue.ApplyNow(r.Context(), relaycache.OperationCreate, entityType, "", payload)
		if err != nil {
			s.writeEngineError(w, r, err, correlationID)
			return
		}
		writeJSON(w, http.StatusCreated, snap)
		return
	}
	queued, err := s.deps.Queue.EnqueueCreate(r.Context(), entityType, payload)
	if err != nil {
		s.writeEngineError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":            queued.ID,
		"queued":        queued.Queued,
		"correlationId": correlationID,
	})
}

func (s *Server) handleUpdateEntity(w http.ResponseWriter, r *http.Request, rawType, id, correlationID string) {
	entityType, ok := s.parseEntityType(w, rawType, correlationID)
	if !ok {
		return
	}
	if s.deps.Queue == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "writes are not configured", correlationID)
		return
	}
	var payload map[string]any
	if !s.decodeJSONBody(w, r, correlationID, &payload) {
		return
	}
	if isSyncMode(r) {
		snap, err := s.deps.Queue.ApplyNow(r.Context(), relaycache.OperationUpdate, entityType, id, payload)
		if err != nil {
			s.writeEngineError(w, r, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}
	queued, err := s.deps.Queue.EnqueueUpdate(r.Context(), entityType, id, payload)
	if err != nil {
		s.writeEngineError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":            id,
		"queued":        queued,
		"correlationId": correlationID,
	})
}

func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request, rawType, id, correlationID string) {
	entityType, ok := s.parseEntityType(w, rawType, correlationID)
	if !ok {
		return
	}
	if s.deps.Queue == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "writes are not configured", correlationID)
		return
	}
	if isSyncMode(r) {
		if _, err := s.deps.Queue.ApplyNow(r.Context(), relaycache.OperationDelete, entityType, id, nil); err != nil {
			s.writeEngineError(w, r, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
		return
	}
	queued, err := s.deps.Queue.EnqueueDelete(r.Context(), entityType, id)
	if err != nil {
		s.writeEngineError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":            id,
		"queued":        queued,
		"correlationId": correlationID,
	})
}

type relationRequest struct {
	Tasks    []relaycache.Snapshot `json:"tasks"`
	Projects []relaycache.Snapshot `json:"projects"`
	Teams    []relaycache.Snapshot `json:"teams"`
}

func (s *Server) handleResolveRelations(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Relations == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "relation resolution is not configured", correlationID)
		return
	}
	var req relationRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	result := s.deps.Relations.BatchResolveRelations(r.Context(), relaycache.RelationInput{
		Tasks:    req.Tasks,
		Projects: req.Projects,
		Teams:    req.Teams,
	})
	writeJSON(w, http.StatusOK, result)
}

type cacheRequest struct {
	EntityType string `json:"entityType"`
	ID         string `json:"id"`
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Coordinator == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "cache is not configured", correlationID)
		return
	}
	var req cacheRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	entityType, ok := s.parseEntityType(w, req.EntityType, correlationID)
	if !ok {
		return
	}
	if strings.TrimSpace(req.ID) != "" {
		if err := s.deps.Coordinator.Invalidate(r.Context(), entityType, req.ID); err != nil {
			s.writeEngineError(w, r, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": 1})
		return
	}
	removed, err := s.deps.Coordinator.InvalidateType(r.Context(), entityType)
	if err != nil {
		s.writeEngineError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleWarm(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Coordinator == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "cache is not configured", correlationID)
		return
	}
	var req cacheRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	entityType, ok := s.parseEntityType(w, req.EntityType, correlationID)
	if !ok {
		return
	}
	stored, err := s.deps.Coordinator.Warm(r.Context(), entityType)
	if err != nil {
		s.writeEngineError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stored": stored})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Queue == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "writes are not configured", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Queue.Status())
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Resolver == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "conflict resolution is not configured", correlationID)
		return
	}
	pending, err := s.deps.Resolver.GetPendingConflicts(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err, correlationID)
		return
	}
	entityFilter := strings.TrimSpace(r.URL.Query().Get("entityType"))
	severityFilter := strings.TrimSpace(r.URL.Query().Get("severity"))
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	items := make([]relaycache.Conflict, 0, len(pending))
	for _, conflict := range pending {
		if entityFilter != "" && string(conflict.EntityType) != entityFilter {
			continue
		}
		if severityFilter != "" && string(conflict.Severity) != severityFilter {
			continue
		}
		items = append(items, conflict)
		if len(items) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleConflictStats(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Resolver == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "conflict resolution is not configured", correlationID)
		return
	}
	sinceDays, err := parseOptionalBoundedInt(r.URL.Query().Get("sinceDays"), 7, 0, 3650)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid sinceDays", correlationID)
		return
	}
	stats, err := s.deps.Resolver.GetConflictStats(r.Context(), sinceDays)
	if err != nil {
		s.writeEngineError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request, conflictID, correlationID string) {
	if s.deps.Resolver == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "conflict resolution is not configured", correlationID)
		return
	}
	var req struct {
		Strategy string `json:"strategy"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	strategy := relaycache.Resolution(strings.TrimSpace(req.Strategy))
	if !strategy.IsStrategy() {
		writeError(w, http.StatusBadRequest, "bad_request", "strategy must be notion_wins, local_wins or merged", correlationID)
		return
	}
	conflict, err := s.deps.Resolver.ResolvePending(r.Context(), conflictID, strategy)
	if err != nil {
		s.writeEngineError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, conflict)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Events == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "event streaming is not configured", correlationID)
		return
	}
	wanted := map[relaycache.EventType]struct{}{}
	for _, raw := range strings.Split(r.URL.Query().Get("types"), ",") {
		if raw = strings.TrimSpace(raw); raw != "" {
			wanted[relaycache.EventType(raw)] = struct{}{}
		}
	}

	events, cancel := s.deps.Events.Subscribe(s.cfg.EventBuffer)
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket upgrade failed", "correlation_id", correlationID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	// CloseRead discards client frames and cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "event stream closed")
				return
			}
			if len(wanted) > 0 {
				if _, match := wanted[event.Type]; !match {
					continue
				}
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			writeCancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) parseEntityType(w http.ResponseWriter, raw, correlationID string) (relaycache.EntityType, bool) {
	entityType, err := relaycache.ParseEntityType(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown entity type: "+raw, correlationID)
		return "", false
	}
	return entityType, true
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error, correlationID string) {
	status := relaycache.HTTPStatus(err)
	code := "internal_error"
	switch status {
	case http.StatusTooManyRequests:
		code = "rate_limited"
		w.Header().Set("Retry-After", "1")
	case http.StatusServiceUnavailable:
		code = "source_unavailable"
	case http.StatusNotFound:
		code = "not_found"
	case http.StatusBadRequest:
		code = "bad_request"
	case http.StatusConflict:
		code = "conflict"
	case http.StatusNotImplemented:
		code = "not_implemented"
	}
	if status >= http.StatusInternalServerError {
		zerr.Log(r.Context(), s.logger, zerr.With(err, "correlation_id", correlationID))
	}
	message := err.Error()
	var sourceErr *relaycache.SourceError
	if errors.As(err, &sourceErr) {
		message = sourceErr.Message
	}
	writeError(w, status, code, message, correlationID)
}

func isSyncMode(r *http.Request) bool {
	return strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("mode")), "sync")
}

func getCorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return r.URL.Query().Get("correlation_id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
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

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseBool(raw string, fallback bool) bool {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, errors.New("out of range")
	}
	return parsed, nil
}
