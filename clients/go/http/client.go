// Package http provides an HTTP client for the triggerd rule engine service.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	triggerd "github.com/waflowhq/triggerd/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the triggerd server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements triggerd.TriggerManager, triggerd.Evaluator, and
// triggerd.Streamer over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a new HTTP client for the triggerd service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, httpClient: hc}
}

// -- wire types --------------------------------------------------------------

type wireTriggerSet struct {
	FlowID    string          `json:"flow_id"`
	Document  json.RawMessage `json:"document"`
	Version   int64           `json:"version"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

type wireEventPayload struct {
	FlowID string `json:"flowId"`
}

// -- helpers -----------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("triggerd: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("triggerd: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("triggerd: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("triggerd: HTTP %d: %s", e.StatusCode, e.Message)
}

func decodeTriggerSet(ws wireTriggerSet) triggerd.TriggerSet {
	set := triggerd.TriggerSet{
		FlowID:   ws.FlowID,
		Document: ws.Document,
		Version:  ws.Version,
	}
	if t, err := time.Parse(time.RFC3339, ws.CreatedAt); err == nil {
		set.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, ws.UpdatedAt); err == nil {
		set.UpdatedAt = t
	}
	return set
}

func triggersPath(flowID string) string {
	return "/v1/flows/" + url.PathEscape(flowID) + "/triggers"
}

// -- TriggerManager ----------------------------------------------------------

func (c *Client) ReplaceTriggers(ctx context.Context, flowID string, document json.RawMessage) (triggerd.TriggerSet, error) {
	resp, err := c.do(ctx, http.MethodPut, triggersPath(flowID), document)
	if err != nil {
		return triggerd.TriggerSet{}, err
	}
	defer resp.Body.Close()
	var out wireTriggerSet
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return triggerd.TriggerSet{}, fmt.Errorf("triggerd: decode response: %w", err)
	}
	return decodeTriggerSet(out), nil
}

func (c *Client) GetTriggers(ctx context.Context, flowID string) (triggerd.TriggerSet, error) {
	resp, err := c.do(ctx, http.MethodGet, triggersPath(flowID), nil)
	if err != nil {
		return triggerd.TriggerSet{}, err
	}
	defer resp.Body.Close()
	var out wireTriggerSet
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return triggerd.TriggerSet{}, fmt.Errorf("triggerd: decode response: %w", err)
	}
	return decodeTriggerSet(out), nil
}

func (c *Client) ListFlows(ctx context.Context) ([]triggerd.TriggerSet, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/flows", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out []wireTriggerSet
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("triggerd: decode response: %w", err)
	}
	sets := make([]triggerd.TriggerSet, 0, len(out))
	for _, ws := range out {
		sets = append(sets, decodeTriggerSet(ws))
	}
	return sets, nil
}

func (c *Client) DeleteTriggers(ctx context.Context, flowID string) error {
	resp, err := c.do(ctx, http.MethodDelete, triggersPath(flowID), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) EvaluateEvent(ctx context.Context, event triggerd.Event) (triggerd.EvaluationResult, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/events", event)
	if err != nil {
		return triggerd.EvaluationResult{}, err
	}
	defer resp.Body.Close()
	var out triggerd.EvaluationResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return triggerd.EvaluationResult{}, fmt.Errorf("triggerd: decode response: %w", err)
	}
	return out, nil
}

// -- Streamer ----------------------------------------------------------------

// Stream connects to the SSE stream and emits TriggerEvents on the returned
// channel. The channel is closed when ctx is cancelled or the connection
// drops.
func (c *Client) Stream(ctx context.Context, lastEventID int64) (<-chan triggerd.TriggerEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("triggerd: create stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", fmt.Sprintf("%d", lastEventID))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("triggerd: stream connect: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	ch := make(chan triggerd.TriggerEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		// Use a buffered reader with a 1 MiB buffer to handle large SSE data lines.
		br := bufio.NewReaderSize(resp.Body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads SSE lines from r and sends parsed TriggerEvents to ch.
// It implements the subset of the SSE spec used by the triggerd server:
// id, event, data fields; blank-line flush; multi-line data concatenation.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- triggerd.TriggerEvent) {
	var (
		eventType string
		dataLines []string
		eventID   int64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			// Blank line: dispatch event if we have data.
			if len(dataLines) > 0 {
				data := strings.Join(dataLines, "\n")
				ev := triggerd.TriggerEvent{Type: eventType, EventID: eventID}
				if eventType == "replace" || eventType == "delete" {
					ev.Payload = json.RawMessage(data)
					var payload wireEventPayload
					if jsonErr := json.Unmarshal([]byte(data), &payload); jsonErr == nil {
						ev.FlowID = payload.FlowID
					}
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			// Reset for next event.
			eventType = ""
			dataLines = nil
		} else if strings.HasPrefix(line, "id:") {
			fmt.Sscanf(strings.TrimSpace(strings.TrimPrefix(line, "id:")), "%d", &eventID)
		} else if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}
