package barrier

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/snehjoshi/dispatchq/internal/reactive"
	"github.com/snehjoshi/dispatchq/internal/types"
)

const (
	// ConnectivityID is the id of the ConnectivityBarrier and its settings entry.
	ConnectivityID = "ConnectivityBarrier"
	// KeyWifiOnly restricts sending to Wi-Fi or wired connections.
	KeyWifiOnly = "wifi_only"
)

// ConnectionType classifies the active network.
type ConnectionType string

const (
	ConnectionUnknown  ConnectionType = "unknown"
	ConnectionNone     ConnectionType = "none"
	ConnectionWifi     ConnectionType = "wifi"
	ConnectionEthernet ConnectionType = "ethernet"
	ConnectionCellular ConnectionType = "cellular"
)

// ConnectivityStatus is one observation of the network.
type ConnectivityStatus struct {
	Connected bool
	Type      ConnectionType
}

var (
	StatusUnknown      = ConnectivityStatus{Type: ConnectionUnknown}
	StatusDisconnected = ConnectivityStatus{Type: ConnectionNone}
)

// Connectivity is a source of network status.
type Connectivity interface {
	Status() reactive.Observable[ConnectivityStatus]
}

// ─── ManualConnectivity ──────────────────────────────────────────────────────

// ManualConnectivity is a Connectivity driven by Set, for embedders that
// learn the network state from the host and for tests.
type ManualConnectivity struct {
	status *reactive.StateSubject[ConnectivityStatus]
}

// NewManualConnectivity returns a source reporting initial.
func NewManualConnectivity(initial ConnectivityStatus) *ManualConnectivity {
	return &ManualConnectivity{status: reactive.NewStateSubject(initial)}
}

func (m *ManualConnectivity) Status() reactive.Observable[ConnectivityStatus] {
	return reactive.Distinct[ConnectivityStatus](m.status)
}

// Set publishes a new status.
func (m *ManualConnectivity) Set(s ConnectivityStatus) { m.status.OnNext(s) }

// ─── ProbeConnectivity ───────────────────────────────────────────────────────

// ProbeOption configures a ProbeConnectivity.
type ProbeOption func(*ProbeConnectivity)

// WithProbeTimeout bounds each dial. Default 3s.
func WithProbeTimeout(d time.Duration) ProbeOption {
	return func(p *ProbeConnectivity) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithReprobeDelay sets the first delay before probing again after a
// failed probe. Consecutive failures back off up to the probe interval.
// Default 1s.
func WithReprobeDelay(d time.Duration) ProbeOption {
	return func(p *ProbeConnectivity) {
		if d > 0 {
			p.reprobe = d
		}
	}
}

// WithDialer replaces the dial function (tests).
func WithDialer(dial func(ctx context.Context, network, address string) (net.Conn, error)) ProbeOption {
	return func(p *ProbeConnectivity) {
		if dial != nil {
			p.dial = dial
		}
	}
}

// WithProbeLogger sets the logger. Default slog.Default().
func WithProbeLogger(l *slog.Logger) ProbeOption {
	return func(p *ProbeConnectivity) {
		if l != nil {
			p.log = l
		}
	}
}

// ProbeConnectivity reports the network as connected while a TCP dial to
// address succeeds. The host is treated as wired.
type ProbeConnectivity struct {
	address  string
	interval time.Duration
	timeout  time.Duration
	reprobe  time.Duration
	dial     func(ctx context.Context, network, address string) (net.Conn, error)
	log      *slog.Logger

	status *reactive.StateSubject[ConnectivityStatus]
}

// NewProbeConnectivity returns a probe in the Unknown state. Call Start to
// begin probing.
func NewProbeConnectivity(address string, interval time.Duration, opts ...ProbeOption) *ProbeConnectivity {
	d := &net.Dialer{}
	p := &ProbeConnectivity{
		address:  address,
		interval: interval,
		timeout:  3 * time.Second,
		reprobe:  time.Second,
		dial:     d.DialContext,
		log:      slog.Default(),
		status:   reactive.NewStateSubject(StatusUnknown),
	}
	for _, o := range opts {
		o(p)
	}
	if p.interval <= 0 {
		p.interval = 30 * time.Second
	}
	p.log = p.log.With("component", "connectivity", "address", address)
	return p
}

func (p *ProbeConnectivity) Status() reactive.Observable[ConnectivityStatus] {
	return reactive.Distinct[ConnectivityStatus](p.status)
}

// Check dials once and publishes the result.
func (p *ProbeConnectivity) Check(ctx context.Context) ConnectivityStatus {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	st := StatusDisconnected
	conn, err := p.dial(ctx, "tcp", p.address)
	if err == nil {
		_ = conn.Close()
		st = ConnectivityStatus{Connected: true, Type: ConnectionEthernet}
	} else {
		p.log.Debug("connectivity: probe failed", "err", err)
	}
	if prev := p.status.Value(); prev != st {
		p.log.Info("connectivity: status changed", "connected", st.Connected)
	}
	p.status.OnNext(st)
	return st
}

// Start probes immediately and then every interval on s (an I/O scheduler).
// While disconnected it probes sooner, backing off from the reprobe delay.
// Disposing the result stops probing.
func (p *ProbeConnectivity) Start(s reactive.Scheduler) reactive.Disposable {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = p.reprobe
	retry.MaxInterval = p.interval
	retry.MaxElapsedTime = 0
	retry.Reset()

	serial := &reactive.SerialDisposable{}
	var run func()
	run = func() {
		if serial.IsDisposed() {
			return
		}
		next := p.interval
		if p.Check(context.Background()).Connected {
			retry.Reset()
		} else if d := retry.NextBackOff(); d != backoff.Stop && d < next {
			next = d
		}
		serial.Set(s.ScheduleAfter(next, run))
	}
	s.Execute(run)
	return serial
}

// ─── ConnectivityBarrier ─────────────────────────────────────────────────────

// ConnectivityBarrier is open while the network is available. With
// wifi_only it also requires a Wi-Fi or wired connection. It never yields to
// flush.
type ConnectivityBarrier struct {
	source   Connectivity
	wifiOnly *reactive.StateSubject[bool]
}

// NewConnectivityBarrier builds the barrier over source.
func NewConnectivityBarrier(source Connectivity, cfg types.DataObject) *ConnectivityBarrier {
	return &ConnectivityBarrier{source: source, wifiOnly: reactive.NewStateSubject(parseWifiOnly(cfg))}
}

func parseWifiOnly(cfg types.DataObject) bool {
	v, _ := cfg.GetBool(KeyWifiOnly)
	return v
}

func (b *ConnectivityBarrier) ID() string { return ConnectivityID }

func (b *ConnectivityBarrier) OnState(string) reactive.Observable[types.BarrierState] {
	return reactive.Distinct(reactive.Combine(b.source.Status(), b.wifiOnly,
		func(st ConnectivityStatus, wifiOnly bool) types.BarrierState {
			if !st.Connected {
				return types.BarrierClosed
			}
			if wifiOnly && st.Type != ConnectionWifi && st.Type != ConnectionEthernet {
				return types.BarrierClosed
			}
			return types.BarrierOpen
		}))
}

func (b *ConnectivityBarrier) IsFlushable() reactive.Observable[bool] { return reactive.Just(false) }

func (b *ConnectivityBarrier) UpdateConfiguration(cfg types.DataObject) {
	b.wifiOnly.OnNext(parseWifiOnly(cfg))
}

// ConnectivityFactory creates ConnectivityBarriers over Context.Connectivity.
type ConnectivityFactory struct{ baseFactory }

// NewConnectivityFactory returns a factory scoped to every dispatcher unless
// WithDefaultScopes says otherwise.
func NewConnectivityFactory(opts ...FactoryOption) *ConnectivityFactory {
	f := &ConnectivityFactory{baseFactory{id: ConnectivityID}}
	for _, o := range opts {
		o(&f.baseFactory)
	}
	return f
}

func (f *ConnectivityFactory) Create(ctx Context, cfg types.DataObject) ConfigurableBarrier {
	src := ctx.Connectivity
	if src == nil {
		src = NewManualConnectivity(ConnectivityStatus{Connected: true, Type: ConnectionEthernet})
	}
	return NewConnectivityBarrier(src, cfg)
}
