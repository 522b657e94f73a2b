package tracker

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/snehjoshi/dispatchq/internal/barrier"
	"github.com/snehjoshi/dispatchq/internal/consent"
	"github.com/snehjoshi/dispatchq/internal/metrics"
	"github.com/snehjoshi/dispatchq/internal/storage"
	"github.com/snehjoshi/dispatchq/internal/types"
)

// Option configures a Tracker.
type Option func(*options)

type options struct {
	logger           *slog.Logger
	level            *slog.LevelVar
	metrics          *metrics.Registry
	tracerProvider   trace.TracerProvider
	connectivity     barrier.Connectivity
	barrierFactories []barrier.Factory
	cmp              consent.CmpAdapter
	database         storage.Database
	httpClient       *http.Client
	enforced         types.DataObject
	now              func() time.Time
}

// WithLogger sets the base logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithLogLevel lets core.log_level in the settings document change the
// level of the handler behind the logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(o *options) { o.level = lv }
}

// WithMetrics records pipeline metrics in r.
func WithMetrics(r *metrics.Registry) Option {
	return func(o *options) { o.metrics = r }
}

// WithTracerProvider sets the OpenTelemetry provider. Default: the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithConnectivity sets the network status source of the connectivity
// barrier. It takes precedence over connectivity.probe_address.
func WithConnectivity(c barrier.Connectivity) Option {
	return func(o *options) { o.connectivity = c }
}

// WithBarrierFactories replaces the configurable barriers. Default: the
// batching barrier. The connectivity barrier is always added unless a
// factory with its id is supplied.
func WithBarrierFactories(factories ...barrier.Factory) Option {
	return func(o *options) { o.barrierFactories = factories }
}

// WithCmp enables consent handling with cmp, regardless of consent.enabled.
func WithCmp(cmp consent.CmpAdapter) Option {
	return func(o *options) { o.cmp = cmp }
}

// WithDatabase uses db instead of opening one from the storage config. The
// tracker closes it on Shutdown.
func WithDatabase(db storage.Database) Option {
	return func(o *options) { o.database = db }
}

// WithHTTPClient sets the client that fetches the remote settings.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithEnforcedSettings merges doc over every other settings layer.
func WithEnforcedSettings(doc types.DataObject) Option {
	return func(o *options) { o.enforced = doc }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
