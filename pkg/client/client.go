// Package client is the Go SDK for the dispatchq HTTP API.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Track an event
//	res, err := c.Track(ctx, "purchase", map[string]any{"total": 42})
//
//	// Track a page view
//	res, err := c.Track(ctx, "home", nil, client.AsView())
//
//	// Record the visitor's consent
//	err = c.SetConsent(ctx, client.ConsentDecision{Type: client.DecisionExplicit, Purposes: []string{"analytics"}})
//
//	// Send dispatches a dispatcher rejected once the endpoint is fixed
//	n, err := c.ReplayDeadLetters(ctx, "webhook", 0)
//
//	// Watch delivery outcomes
//	results, err := c.StreamResults(ctx, client.StatusDelivered, client.StatusFailed)
//	for r := range results {
//	    log.Println(r.Status, r.Dispatcher, r.Dispatch.ID)
//	}
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Check errors.As(err, &client.APIError{}) to inspect the HTTP
// status and server message.
//
// # Retries
//
// WithRetry retries requests that failed with a network error, 429 or a 5xx
// status, using exponential backoff. Track is safe to retry only if a
// duplicated event is acceptable downstream.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	gorillaws "github.com/gorilla/websocket"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dispatchq: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server. Consent
// and module endpoints return it when the feature is not enabled.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsConflict reports whether the error is a 409 from the server.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// IsUnavailable reports whether the server is shutting down.
func IsUnavailable(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusServiceUnavailable
}

func retryable(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode == http.StatusTooManyRequests || ae.StatusCode >= 500
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// WithRetry retries failed requests up to maxRetries times.
func WithRetry(maxRetries uint64) ClientOption {
	return func(c *Client) { c.maxRetries = maxRetries }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the dispatchq API client. It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	http       *http.Client
	maxRetries uint64
}

// New creates a new Client that connects to the server at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("https://collect.example.com", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Track options ────────────────────────────────────────────────────────────

// TrackOption configures a single Track call.
type TrackOption func(*trackPayload)

// AsView tracks a view instead of an event.
func AsView() TrackOption {
	return func(p *trackPayload) { p.Type = "view" }
}

// ─── Tracking ─────────────────────────────────────────────────────────────────

// Track sends one event and returns whether the pipeline accepted it.
// A dropped event is not an error; check Result.Status.
func (c *Client) Track(ctx context.Context, event string, data map[string]any, opts ...TrackOption) (*TrackResult, error) {
	p := trackPayload{Event: event, Data: data}
	for _, o := range opts {
		o(&p)
	}
	var resp TrackResult
	if err := c.do(ctx, http.MethodPost, "/v1/track", p, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TrackBatch sends up to 100 events. The server validates the whole batch
// before tracking any of it.
func (c *Client) TrackBatch(ctx context.Context, events []Event) ([]TrackResult, error) {
	req := struct {
		Events []trackPayload `json:"events"`
	}{Events: make([]trackPayload, len(events))}
	for i, e := range events {
		req.Events[i] = trackPayload{Event: e.Name, Data: e.Data}
		if e.View {
			req.Events[i].Type = "view"
		}
	}
	var resp struct {
		Results []TrackResult `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/track/batch", req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Flush lets queued dispatches bypass the flushable barriers until every
// queue is drained.
func (c *Client) Flush(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/flush", nil, nil)
}

// ─── Consent ──────────────────────────────────────────────────────────────────

// Consent returns the CMP state.
func (c *Client) Consent(ctx context.Context) (*ConsentState, error) {
	var resp ConsentState
	if err := c.do(ctx, http.MethodGet, "/v1/consent", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetConsent records the visitor's decision.
func (c *Client) SetConsent(ctx context.Context, d ConsentDecision) error {
	return c.do(ctx, http.MethodPut, "/v1/consent", d, nil)
}

// ClearConsent returns the CMP to the undecided state.
func (c *Client) ClearConsent(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/v1/consent", nil, nil)
}

// ─── State ────────────────────────────────────────────────────────────────────

// Queue returns queued and in-flight dispatches per dispatcher.
func (c *Client) Queue(ctx context.Context) (*QueueState, error) {
	var resp QueueState
	if err := c.do(ctx, http.MethodGet, "/v1/queue", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Session returns the current session.
func (c *Client) Session(ctx context.Context) (*Session, error) {
	var resp struct {
		ID         int64  `json:"session_id"`
		Status     string `json:"status"`
		EventCount int    `json:"event_count"`
		LastEvent  int64  `json:"last_event_ms"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/session", nil, &resp); err != nil {
		return nil, err
	}
	return &Session{
		ID:         resp.ID,
		Status:     resp.Status,
		EventCount: resp.EventCount,
		LastEvent:  time.UnixMilli(resp.LastEvent).UTC(),
	}, nil
}

// Health checks the server's /health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp HealthInfo
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ─── Dead letters ────────────────────────────────────────────────────────────

// DeadLetters returns the dead-lettered dispatch count per dispatcher.
func (c *Client) DeadLetters(ctx context.Context) (map[string]int, error) {
	var resp struct {
		Sizes map[string]int `json:"sizes"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/deadletter", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sizes, nil
}

// PeekDeadLetters returns up to limit dead letters of dispatcher, oldest
// first. A limit of 0 returns all of them.
func (c *Client) PeekDeadLetters(ctx context.Context, dispatcher string, limit int) ([]DeadLetter, error) {
	return c.deadLetterList(ctx, http.MethodGet, dispatcher, limit)
}

// DrainDeadLetters removes and returns up to limit dead letters.
func (c *Client) DrainDeadLetters(ctx context.Context, dispatcher string, limit int) ([]DeadLetter, error) {
	return c.deadLetterList(ctx, http.MethodDelete, dispatcher, limit)
}

// ReplayDeadLetters queues up to limit dead letters for dispatcher again
// and returns how many were queued.
func (c *Client) ReplayDeadLetters(ctx context.Context, dispatcher string, limit int) (int, error) {
	var resp struct {
		Replayed int `json:"replayed"`
	}
	path := "/v1/deadletter/" + url.PathEscape(dispatcher) + "/replay" + limitQuery(limit)
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Replayed, nil
}

func (c *Client) deadLetterList(ctx context.Context, method, dispatcher string, limit int) ([]DeadLetter, error) {
	var resp struct {
		Entries []DeadLetter `json:"entries"`
	}
	path := "/v1/deadletter/" + url.PathEscape(dispatcher) + limitQuery(limit)
	if err := c.do(ctx, method, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func limitQuery(limit int) string {
	if limit <= 0 {
		return ""
	}
	return "?limit=" + strconv.Itoa(limit)
}

// ─── Modules ──────────────────────────────────────────────────────────────────

// JoinTrace adds traceID to every following dispatch.
func (c *Client) JoinTrace(ctx context.Context, traceID string) error {
	return c.do(ctx, http.MethodPost, "/v1/trace/"+url.PathEscape(traceID), nil, nil)
}

// LeaveTrace stops tagging dispatches with the trace id.
func (c *Client) LeaveTrace(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/v1/trace", nil, nil)
}

// EndVisit ends the visit of the joined trace.
func (c *Client) EndVisit(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/visit/end", nil, nil)
}

// VisitorID returns the current visitor id.
func (c *Client) VisitorID(ctx context.Context) (string, error) {
	var resp struct {
		VisitorID string `json:"visitor_id"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/visitor", nil, &resp); err != nil {
		return "", err
	}
	return resp.VisitorID, nil
}

// ResetVisitor starts a new anonymous visitor and returns its id.
func (c *Client) ResetVisitor(ctx context.Context) (string, error) {
	var resp struct {
		VisitorID string `json:"visitor_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/visitor/reset", nil, &resp); err != nil {
		return "", err
	}
	return resp.VisitorID, nil
}

// ─── Settings ─────────────────────────────────────────────────────────────────

// Settings returns the merged settings document.
func (c *Client) Settings(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	if err := c.do(ctx, http.MethodGet, "/v1/settings", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SetSettings replaces the programmatic settings layer and returns the
// merged result.
func (c *Client) SetSettings(ctx context.Context, doc map[string]any) (map[string]any, error) {
	var resp map[string]any
	if err := c.do(ctx, http.MethodPut, "/v1/settings", doc, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ─── Result stream ────────────────────────────────────────────────────────────

// StreamResults subscribes to track results. An empty statuses list
// receives every result. The channel closes when ctx is cancelled or the
// connection drops.
func (c *Client) StreamResults(ctx context.Context, statuses ...Status) (<-chan StreamedResult, error) {
	u, err := url.Parse(c.baseURL + "/v1/results/ws")
	if err != nil {
		return nil, fmt.Errorf("dispatchq: parse url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		u.RawQuery = url.Values{"status": {strings.Join(names, ",")}}.Encode()
	}

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("X-Api-Key", c.apiKey)
	}
	conn, resp, err := gorillaws.DefaultDialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return nil, fmt.Errorf("dispatchq: dial result stream: %w", err)
	}

	out := make(chan StreamedResult, 64)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var r StreamedResult
			if err := conn.ReadJSON(&r); err != nil {
				return
			}
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a request, retrying per WithRetry.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	if c.maxRetries == 0 {
		return c.doOnce(ctx, method, path, body, resp)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	return backoff.Retry(func() error {
		err := c.doOnce(ctx, method, path, body, resp)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// doOnce performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) doOnce(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("dispatchq: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("dispatchq: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("dispatchq: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("dispatchq: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("dispatchq: decode response: %w", err)
		}
	}
	return nil
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type trackPayload struct {
	Event string         `json:"event"`
	Type  string         `json:"type,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}
