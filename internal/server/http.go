package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/waflowhq/triggerd/internal/core"
	"github.com/waflowhq/triggerd/internal/metrics"
	"github.com/waflowhq/triggerd/internal/repository"
	"github.com/waflowhq/triggerd/internal/service"
)

const (
	defaultStreamPollInterval       = time.Second
	defaultMaxJSONBodyBytes   int64 = 1 << 20
)

var errJSONBodyTooLarge = errors.New("json request body too large")

type HTTPServer struct {
	service            Service
	metrics            *metrics.Metrics
	streamPollInterval time.Duration
	maxJSONBodyBytes   int64
}

// ServerOption configures optional HTTP server parameters.
type ServerOption func(*HTTPServer)

// WithMaxJSONBodySize overrides the maximum accepted JSON request body size
// in bytes.
func WithMaxJSONBodySize(n int64) ServerOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodyBytes = n
		}
	}
}

type evaluateJSONRequest struct {
	FlowID   string                   `json:"flowId"`
	Contact  core.Contact             `json:"contact"`
	Message  *core.Message            `json:"message,omitempty"`
	Statuses []core.StatusInteraction `json:"statuses,omitempty"`
}

type previewJSONRequest struct {
	Condition *core.Condition        `json:"condition,omitempty"`
	Group     *core.ConditionGroup   `json:"group,omitempty"`
	Context   service.PreviewContext `json:"context"`
}

type previewGroupJSONResponse struct {
	Matched bool `json:"matched"`
}

// NewHTTPHandler builds the full route table. Metrics may be nil, in which
// case requests are not instrumented and /metrics is not mounted.
func NewHTTPHandler(svc Service, m *metrics.Metrics) http.Handler {
	return NewHTTPHandlerWithStreamPollInterval(svc, m, defaultStreamPollInterval)
}

func NewHTTPHandlerWithStreamPollInterval(svc Service, m *metrics.Metrics, streamPollInterval time.Duration, opts ...ServerOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	if streamPollInterval <= 0 {
		streamPollInterval = defaultStreamPollInterval
	}

	server := &HTTPServer{
		service:            svc,
		metrics:            m,
		streamPollInterval: streamPollInterval,
		maxJSONBodyBytes:   defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /v1/flows", server.route("GET", "/v1/flows", server.handleListTriggerSets))
	mux.Handle("PUT /v1/flows/{flowID}/triggers", server.route("PUT", "/v1/flows/{flowID}/triggers", server.handleReplaceTriggerSet))
	mux.Handle("GET /v1/flows/{flowID}/triggers", server.route("GET", "/v1/flows/{flowID}/triggers", server.handleGetTriggerSet))
	mux.Handle("DELETE /v1/flows/{flowID}/triggers", server.route("DELETE", "/v1/flows/{flowID}/triggers", server.handleDeleteTriggerSet))
	mux.Handle("POST /v1/events", server.route("POST", "/v1/events", server.handleEvaluateEvent))
	mux.Handle("POST /v1/preview", server.route("POST", "/v1/preview", server.handlePreview))
	mux.Handle("GET /v1/stream", server.route("GET", "/v1/stream", server.handleStream))
	mux.Handle("GET /healthz", server.route("GET", "/healthz", server.handleHealthz))
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	return mux
}

// route wraps a handler with request count and latency instrumentation for
// one route pattern.
func (s *HTTPServer) route(method, pattern string, handler http.HandlerFunc) http.Handler {
	if s.metrics == nil {
		return handler
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)

		status := strconv.Itoa(recorder.status)
		s.metrics.HTTPRequestsTotal.WithLabelValues(method, pattern, status).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(method, pattern, status).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the underlying writer so SSE streaming keeps working
// behind the instrumentation wrapper.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (s *HTTPServer) handleReplaceTriggerSet(w http.ResponseWriter, r *http.Request) {
	flowID := strings.TrimSpace(r.PathValue("flowID"))
	if flowID == "" {
		writeJSONError(w, http.StatusBadRequest, "flow id is required")
		return
	}

	var document json.RawMessage
	if err := s.decodeJSONBody(w, r, &document); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	saved, err := s.service.ReplaceTriggerSet(r.Context(), flowID, document)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, saved)
}

func (s *HTTPServer) handleGetTriggerSet(w http.ResponseWriter, r *http.Request) {
	flowID := strings.TrimSpace(r.PathValue("flowID"))
	if flowID == "" {
		writeJSONError(w, http.StatusBadRequest, "flow id is required")
		return
	}

	set, err := s.service.GetTriggerSet(r.Context(), flowID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, set)
}

func (s *HTTPServer) handleListTriggerSets(w http.ResponseWriter, r *http.Request) {
	sets, err := s.service.ListTriggerSets(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sets)
}

func (s *HTTPServer) handleDeleteTriggerSet(w http.ResponseWriter, r *http.Request) {
	flowID := strings.TrimSpace(r.PathValue("flowID"))
	if flowID == "" {
		writeJSONError(w, http.StatusBadRequest, "flow id is required")
		return
	}

	if err := s.service.DeleteTriggerSet(r.Context(), flowID); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleEvaluateEvent(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(request.FlowID) == "" {
		writeJSONError(w, http.StatusBadRequest, "flowId is required")
		return
	}
	if strings.TrimSpace(request.Contact.ID) == "" {
		writeJSONError(w, http.StatusBadRequest, "contact.id is required")
		return
	}

	result, err := s.service.EvaluateEvent(r.Context(), service.Event{
		FlowID:   request.FlowID,
		Contact:  request.Contact,
		Message:  request.Message,
		Statuses: request.Statuses,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordEvaluation(result.Fired)
		for _, decision := range result.Decisions {
			s.metrics.RecordGateOutcome(string(decision.Decision.Reason))
		}
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handlePreview(w http.ResponseWriter, r *http.Request) {
	var request previewJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	switch {
	case request.Condition != nil && request.Group != nil:
		writeJSONError(w, http.StatusBadRequest, "use either condition or group")
	case request.Condition != nil:
		writeJSON(w, http.StatusOK, s.service.PreviewCondition(*request.Condition, request.Context))
	case request.Group != nil:
		writeJSON(w, http.StatusOK, previewGroupJSONResponse{
			Matched: s.service.PreviewGroup(*request.Group, request.Context),
		})
	default:
		writeJSONError(w, http.StatusBadRequest, "condition or group is required")
	}
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}
	flowID := strings.TrimSpace(r.URL.Query().Get("flow"))

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}

	currentEventID := lastEventID
	writeBatch := func(events []repository.TriggerEvent) error {
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

	initialEvents, err := s.service.ListEventsSince(r.Context(), flowID, currentEventID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := writeBatch(initialEvents); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events, err := s.service.ListEventsSince(r.Context(), flowID, currentEventID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				writeSSEError(w, flusher, serviceErrorMessage(err))
				return
			}
			if err := writeBatch(events); err != nil {
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
	case "replace", "replaced":
		return "replace"
	case "delete", "deleted":
		return "delete"
	default:
		return ""
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidDocument):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, service.ErrTriggerSetNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidDocument):
		return "invalid trigger document"
	case errors.Is(err, service.ErrTriggerSetNotFound):
		return "trigger set not found"
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
			return errors.New("request body must contain a single JSON value")
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
