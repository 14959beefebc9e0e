package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/bundle"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/compat"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/core"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/dbcompat"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/middleware"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/repository"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/service"
)

const (
	defaultStreamPollInterval = time.Second
	defaultMaxJSONBodyBytes   = 1 << 20
)

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPServer serves the JSON API and the SSE rule-event stream.
type HTTPServer struct {
	service            Service
	streamPollInterval time.Duration
	maxJSONBodyBytes   int64
	metricsHandler     http.Handler
	streamOpened       func(transport string) func()
}

// HTTPOption configures an [HTTPServer].
type HTTPOption func(*HTTPServer)

// WithStreamPollInterval sets how often /v1/stream polls for new rule events.
func WithStreamPollInterval(interval time.Duration) HTTPOption {
	return func(s *HTTPServer) {
		if interval > 0 {
			s.streamPollInterval = interval
		}
	}
}

// WithMaxJSONBodySize caps request bodies; larger bodies are rejected with 413.
func WithMaxJSONBodySize(size int64) HTTPOption {
	return func(s *HTTPServer) {
		if size > 0 {
			s.maxJSONBodyBytes = size
		}
	}
}

// WithMetricsHandler serves handler on GET /metrics.
func WithMetricsHandler(handler http.Handler) HTTPOption {
	return func(s *HTTPServer) { s.metricsHandler = handler }
}

// WithStreamTracker registers a hook called when an SSE stream opens. The
// returned func runs when the stream closes.
func WithStreamTracker(opened func(transport string) func()) HTTPOption {
	return func(s *HTTPServer) { s.streamOpened = opened }
}

type checkJSONRequest struct {
	Services []core.ServiceIdentifier `json:"services"`
	Options  compat.Options           `json:"options"`
}

type databaseCheckJSONRequest struct {
	Services []core.ServiceIdentifier `json:"services"`
	Context  dbcompat.DatabaseContext `json:"context"`
}

type bundlesJSONResponse struct {
	Bundles []core.Bundle `json:"bundles"`
}

type rulesJSONResponse struct {
	Rules []core.Rule `json:"rules"`
}

func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:            svc,
		streamPollInterval: defaultStreamPollInterval,
		maxJSONBodyBytes:   defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/check", server.handleCheck)
	mux.HandleFunc("POST /v1/check/database", server.handleCheckDatabase)
	mux.HandleFunc("POST /v1/bundles/recommend", server.handleRecommendBundle)
	mux.HandleFunc("GET /v1/bundles", server.handleListBundles)
	mux.HandleFunc("POST /v1/rules", server.handleCreateRule)
	mux.HandleFunc("GET /v1/rules", server.handleListRules)
	mux.HandleFunc("GET /v1/rules/{id}", server.handleGetRule)
	mux.HandleFunc("DELETE /v1/rules/{id}", server.handleDeleteRule)
	mux.HandleFunc("GET /v1/matrix/validate", server.handleValidateMatrix)
	mux.HandleFunc("GET /v1/matrix/stats", server.handleMatrixStats)
	mux.HandleFunc("GET /v1/stream", server.handleStream)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if server.metricsHandler != nil {
		mux.Handle("GET /metrics", server.metricsHandler)
	}

	return mux
}

func (s *HTTPServer) handleCheck(w http.ResponseWriter, r *http.Request) {
	request := checkJSONRequest{Options: compat.DefaultOptions()}
	// Zero defers to the service's configured suggestion cap.
	request.Options.MaxSuggestions = 0
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if len(request.Services) == 0 {
		writeJSONError(w, http.StatusBadRequest, "services is required")
		return
	}
	if request.Options.MaxSuggestions < 0 {
		writeJSONError(w, http.StatusBadRequest, "options.max_suggestions must be non-negative")
		return
	}

	result, err := s.service.CheckCompatibility(r.Context(), request.Services, request.Options)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleCheckDatabase(w http.ResponseWriter, r *http.Request) {
	var request databaseCheckJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if len(request.Services) == 0 {
		writeJSONError(w, http.StatusBadRequest, "services is required")
		return
	}

	result, err := s.service.CheckDatabaseCompatibility(r.Context(), request.Services, request.Context)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleRecommendBundle(w http.ResponseWriter, r *http.Request) {
	var request core.BundleRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	recommendation, err := s.service.RecommendBundle(r.Context(), request)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, recommendation)
}

func (s *HTTPServer) handleListBundles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, bundlesJSONResponse{Bundles: s.service.ListBundles(r.Context())})
}

func (s *HTTPServer) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	rule := core.Rule{Active: true}
	if err := s.decodeJSONBody(w, r, &rule); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(rule.ID) == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	ctx := r.Context()
	if principal, ok := middleware.PrincipalFromContext(ctx); ok {
		ctx = service.ContextWithActor(ctx, principal)
	}

	created, err := s.service.CreateRule(ctx, rule)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

// handleListRules lists rules, narrowed by any of the provider, source_type,
// target_type and tag query filters. Filters combine as an intersection.
func (s *HTTPServer) handleListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()
	provider := strings.TrimSpace(query.Get("provider"))
	sourceType := strings.TrimSpace(query.Get("source_type"))
	targetType := strings.TrimSpace(query.Get("target_type"))
	tag := strings.TrimSpace(query.Get("tag"))

	var rules []core.Rule
	filtered := false
	narrow := func(candidates []core.Rule) {
		if !filtered {
			rules, filtered = candidates, true
			return
		}
		keep := make(map[string]struct{}, len(candidates))
		for _, rule := range candidates {
			keep[rule.ID] = struct{}{}
		}
		rules = slices.DeleteFunc(rules, func(rule core.Rule) bool {
			_, ok := keep[rule.ID]
			return !ok
		})
	}

	if provider != "" {
		narrow(s.service.RulesForProvider(ctx, provider))
	}
	if sourceType != "" || targetType != "" {
		if sourceType == "" {
			sourceType = core.Wildcard
		}
		narrow(s.service.RulesFor(ctx, sourceType, targetType))
	}
	if tag != "" {
		narrow(s.service.RulesForTag(ctx, tag))
	}
	if !filtered {
		rules = s.service.ListRules(ctx)
	}
	if rules == nil {
		rules = []core.Rule{}
	}

	writeJSON(w, http.StatusOK, rulesJSONResponse{Rules: rules})
}

func (s *HTTPServer) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	rule, err := s.service.GetRule(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

func (s *HTTPServer) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	if err := s.service.DeleteRule(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleValidateMatrix(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.ValidateMatrix(r.Context()))
}

func (s *HTTPServer) handleMatrixStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.MatrixStats(r.Context()))
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	currentEventID := lastEventID
	writeEvents := func(events []repository.RuleEvent) error {
		for _, event := range events {
			currentEventID = event.EventID
			eventName := toSSEEventName(event.EventType)
			if eventName == "" {
				continue
			}

			payload := event.Payload
			if len(payload) == 0 {
				payload = []byte(`{}`)
			}

			if err := writeSSEEvent(w, event.EventID, eventName, payload); err != nil {
				return err
			}
			flusher.Flush()
		}

		return nil
	}

	initialEvents, err := s.service.ListEventsSince(r.Context(), currentEventID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	if s.streamOpened != nil {
		defer s.streamOpened("sse")()
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := writeEvents(initialEvents); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events, err := s.service.ListEventsSince(r.Context(), currentEventID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				middleware.LoggerFromContext(r.Context()).Error("list rule events failed", "error", err)
				writeSSEError(w, flusher, serviceErrorMessage(err))
				return
			}
			if err := writeEvents(events); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseLastEventID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || eventID < 0 {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

func toSSEEventName(eventType string) string {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case "update", service.EventTypeUpdated:
		return "update"
	case "delete", service.EventTypeDeleted:
		return "delete"
	default:
		return ""
	}
}

func serviceErrorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRule),
		errors.Is(err, service.ErrInvalidContext),
		errors.Is(err, core.ErrInvalidService),
		errors.Is(err, core.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrDuplicateRule), errors.Is(err, service.ErrCatalogRule):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := serviceErrorStatus(err)
	if status == http.StatusInternalServerError {
		middleware.LoggerFromContext(r.Context()).Error("request failed", "error", err)
	}
	writeJSONError(w, status, serviceErrorMessage(err))
}

// serviceErrorMessage returns the client-facing message for err. Validation
// errors carry their details; everything unexpected is masked.
func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidRule),
		errors.Is(err, service.ErrInvalidContext),
		errors.Is(err, core.ErrInvalidService),
		errors.Is(err, core.ErrInvalidRequest):
		return err.Error()
	case errors.Is(err, service.ErrRuleNotFound):
		return "rule not found"
	case errors.Is(err, service.ErrDuplicateRule):
		return "rule already exists"
	case errors.Is(err, service.ErrCatalogRule):
		return "built-in rules cannot be deleted"
	case errors.Is(err, bundle.ErrEmptyCatalog):
		return "bundle catalog is empty"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	dataLines := compactSSEPayload(payload)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range dataLines {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	lines := strings.Split(string(payload), "\n")
	if len(lines) == 0 {
		return []string{""}
	}

	return lines
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
