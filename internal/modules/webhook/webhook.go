// Package webhook delivers dispatches to an HTTP endpoint.
//
// Each batch is POSTed as one JSON document:
//
//	{"sent_at": 1700000000000, "dispatches": [{"id": "...", "timestamp": ..., "payload": {...}}]}
//
// When a secret is configured the body is signed with HMAC-SHA256 and the
// hex digest is sent as "X-Dispatchq-Signature: sha256=<digest>". Every
// request carries a fresh "X-Dispatchq-Delivery" UUID so receivers can tell
// a retried batch from a new one. rate_limit caps batches per second; a
// batch that cannot be sent within its timeout fails and is retried later.
//
// Outcome per batch:
//
//	2xx                        every dispatch Delivered
//	4xx except 408 and 429     every dispatch Dropped
//	anything else, or no reply every dispatch Failed (kept queued)
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/snehjoshi/dispatchq/internal/pipeline"
	"github.com/snehjoshi/dispatchq/internal/reactive"
	"github.com/snehjoshi/dispatchq/internal/settings"
	"github.com/snehjoshi/dispatchq/internal/types"
)

// ModuleType is the factory type and default module id.
const ModuleType = "webhook"

const (
	// SignatureHeader carries the body signature.
	SignatureHeader = "X-Dispatchq-Signature"
	// DeliveryHeader carries a unique id per request.
	DeliveryHeader = "X-Dispatchq-Delivery"
)

const (
	DefaultDispatchLimit = 10
	MaxDispatchLimit     = 100
	DefaultTimeout       = 10 * time.Second
)

var (
	// ErrMissingURL is returned for configurations without a url.
	ErrMissingURL = errors.New("webhook: url is required")
	// ErrUnexpectedStatus wraps non-2xx replies.
	ErrUnexpectedStatus = errors.New("webhook: unexpected status")
)

// Configuration of one webhook dispatcher.
type Configuration struct {
	URL           string            `json:"url"`
	Secret        string            `json:"secret,omitempty"`
	DispatchLimit int               `json:"dispatch_limit,omitempty"`
	TimeoutMillis int               `json:"timeout_ms,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	// RateLimit is the maximum number of batches per second; 0 is unlimited.
	RateLimit     float64           `json:"rate_limit,omitempty"`
}

// ParseConfiguration decodes and validates cfg, filling defaults.
func ParseConfiguration(cfg types.DataObject) (Configuration, error) {
	var c Configuration
	if err := cfg.Decode(&c); err != nil {
		return c, fmt.Errorf("webhook: configuration: %w", err)
	}
	if c.URL == "" {
		return c, ErrMissingURL
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return c, fmt.Errorf("webhook: invalid url %q", c.URL)
	}
	if c.RateLimit < 0 {
		return c, fmt.Errorf("webhook: rate_limit must not be negative, got %v", c.RateLimit)
	}
	switch {
	case c.DispatchLimit <= 0:
		c.DispatchLimit = DefaultDispatchLimit
	case c.DispatchLimit > MaxDispatchLimit:
		c.DispatchLimit = MaxDispatchLimit
	}
	return c, nil
}

func (c Configuration) timeout() time.Duration {
	if c.TimeoutMillis <= 0 {
		return DefaultTimeout
	}
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

func (c Configuration) limit() rate.Limit {
	if c.RateLimit == 0 {
		return rate.Inf
	}
	return rate.Limit(c.RateLimit)
}

// Body is the JSON document POSTed per batch.
type Body struct {
	SentAt     int64             `json:"sent_at"`
	Dispatches []*types.Dispatch `json:"dispatches"`
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Dispatcher is a webhook dispatcher module.
type Dispatcher struct {
	id     string
	client *http.Client
	io     reactive.Scheduler
	now    func() time.Time
	log    *slog.Logger

	limiter *rate.Limiter

	mu       sync.Mutex
	cfg      Configuration
	inFlight map[*context.CancelFunc]struct{}
	closed   bool
}

// Endpoint returns the configured URL.
func (w *Dispatcher) Endpoint() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg.URL
}

// DispatchLimit is the configured dispatch_limit.
func (w *Dispatcher) DispatchLimit() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg.DispatchLimit
}

// UpdateConfiguration replaces the configuration. An invalid configuration
// is rejected.
func (w *Dispatcher) UpdateConfiguration(cfg types.DataObject) error {
	c, err := ParseConfiguration(cfg)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.cfg = c
	w.mu.Unlock()
	w.limiter.SetLimit(c.limit())
	return nil
}

// Dispatch POSTs ds on the I/O scheduler. Disposing the handle cancels the
// request.
func (w *Dispatcher) Dispatch(ds []*types.Dispatch, done func([]types.TrackResult)) reactive.Disposable {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		done(results(ds, types.TrackFailed, "dispatcher shut down", nil))
		return reactive.Disposed()
	}
	cfg := w.cfg
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout())
	w.inFlight[&cancel] = struct{}{}
	w.mu.Unlock()

	w.io.Execute(func() {
		defer func() {
			w.mu.Lock()
			delete(w.inFlight, &cancel)
			w.mu.Unlock()
			cancel()
		}()
		if err := w.limiter.Wait(ctx); err != nil {
			w.log.Warn("webhook: rate limited", "url", cfg.URL, "dispatches", len(ds), "err", err)
			done(results(ds, types.TrackFailed, "rate limited", err))
			return
		}
		status, err := w.post(ctx, cfg, ds)
		if err != nil {
			w.log.Warn("webhook: delivery failed", "url", cfg.URL, "dispatches", len(ds), "status", status, "err", err)
		} else {
			w.log.Debug("webhook: delivered", "url", cfg.URL, "dispatches", len(ds))
		}
		done(results(ds, outcome(status, err), http.StatusText(status), err))
	})
	return reactive.NewDisposable(cancel)
}

func (w *Dispatcher) post(ctx context.Context, cfg Configuration, ds []*types.Dispatch) (int, error) {
	body, err := json.Marshal(Body{SentAt: w.now().UnixMilli(), Dispatches: ds})
	if err != nil {
		return 0, fmt.Errorf("webhook: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeliveryHeader, uuid.NewString())
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	if cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(cfg.Secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook: POST to %s: %w", cfg.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func outcome(status int, err error) types.TrackStatus {
	switch {
	case err == nil:
		return types.TrackDelivered
	case status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests:
		return types.TrackDropped
	default:
		return types.TrackFailed
	}
}

func results(ds []*types.Dispatch, status types.TrackStatus, info string, err error) []types.TrackResult {
	out := make([]types.TrackResult, len(ds))
	for i, d := range ds {
		out[i] = types.TrackResult{Dispatch: d, Status: status, Info: info, Err: err}
	}
	return out
}

// Shutdown cancels requests in flight. Later batches fail immediately.
func (w *Dispatcher) Shutdown() {
	w.mu.Lock()
	w.closed = true
	cancels := make([]context.CancelFunc, 0, len(w.inFlight))
	for c := range w.inFlight {
		cancels = append(cancels, *c)
	}
	w.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// ─── Factory ─────────────────────────────────────────────────────────────────

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithHTTPClient sets the client used by every dispatcher. Default: a client
// without a global timeout; each batch is bounded by timeout_ms.
func WithHTTPClient(c *http.Client) FactoryOption {
	return func(f *Factory) {
		if c != nil {
			f.client = c
		}
	}
}

// WithEndpoint enforces a webhook dispatcher with id and configuration.
func WithEndpoint(id string, cfg Configuration) FactoryOption {
	return func(f *Factory) {
		doc, err := types.ToDataObject(cfg)
		if err != nil {
			return
		}
		f.enforced[id] = settings.ModuleSettings{ModuleType: ModuleType, Configuration: doc}
	}
}

// Factory creates webhook dispatchers.
type Factory struct {
	client   *http.Client
	enforced map[string]settings.ModuleSettings
}

// NewFactory returns a webhook factory.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{client: &http.Client{}, enforced: map[string]settings.ModuleSettings{}}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *Factory) ModuleType() string { return ModuleType }

func (f *Factory) EnforcedSettings() map[string]settings.ModuleSettings { return f.enforced }

// Create returns nil without error when cfg has no url: a webhook without
// an endpoint has nothing to do.
func (f *Factory) Create(moduleID string, ctx pipeline.ModuleContext, cfg types.DataObject) (*pipeline.Module, error) {
	c, err := ParseConfiguration(cfg)
	if errors.Is(err, ErrMissingURL) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	log := ctx.Logger
	if log == nil {
		log = slog.Default()
	}
	var sched reactive.Scheduler = reactive.NewImmediateScheduler()
	if ctx.Schedulers != nil && ctx.Schedulers.IO != nil {
		sched = ctx.Schedulers.IO
	}
	now := ctx.Now
	if now == nil {
		now = time.Now
	}
	w := &Dispatcher{
		id:       moduleID,
		client:   f.client,
		io:       sched,
		now:      now,
		log:      log.With("module", moduleID),
		limiter:  rate.NewLimiter(c.limit(), 1),
		cfg:      c,
		inFlight: map[*context.CancelFunc]struct{}{},
	}
	return &pipeline.Module{
		Version:      "1.0.0",
		Dispatcher:   w,
		Configurable: w,
		Shutdowner:   w,
		Instance:     w,
	}, nil
}
