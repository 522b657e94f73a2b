package settings

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/snehjoshi/dispatchq/internal/reactive"
	"github.com/snehjoshi/dispatchq/internal/types"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// DefaultRefreshRetry is the first delay after a failed refresh.
const DefaultRefreshRetry = 5 * time.Second

// WithRefreshRetry sets the first delay after a failed refresh. Later
// failures back off exponentially up to the refresh interval.
func WithRefreshRetry(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retryInitial = d
		}
	}
}

// WithRemote adds a remote source between the local and enforced layers.
func WithRemote(r *RemoteSource) Option {
	return func(m *Manager) { m.remote = r }
}

// Manager merges the settings layers and publishes the result.
type Manager struct {
	remote       *RemoteSource
	log          *slog.Logger
	retryInitial time.Duration

	// applyMu serializes apply so that publications follow merge order.
	applyMu sync.Mutex

	mu        sync.Mutex
	local     types.DataObject
	remoteDoc types.DataObject
	enforced  types.DataObject
	merged    types.DataObject

	settings *reactive.StateSubject[SDKSettings]
}

// NewManager merges local, the cached remote document and enforced and
// publishes the result as the initial settings. Merge or decode failures
// are logged and leave the defaults in place.
func NewManager(local, enforced types.DataObject, opts ...Option) *Manager {
	m := &Manager{
		log:          slog.Default(),
		retryInitial: DefaultRefreshRetry,
		local:        local,
		enforced:     enforced,
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With("component", "settings")
	if m.remote != nil {
		m.remoteDoc = m.remote.Cached()
	}

	merged, err := Merge(m.local, m.remoteDoc, m.enforced)
	if err != nil {
		m.log.Error("settings: initial merge failed", "err", err)
		merged = types.DataObject{}
	}
	m.merged = merged
	decoded, err := FromDataObject(merged)
	if err != nil {
		m.log.Error("settings: initial decode failed", "err", err)
	}
	m.settings = reactive.NewStateSubject(decoded)
	m.log.Debug("settings: applied", "document", merged)
	return m
}

// Settings emits the decoded settings: the current value on subscribe and
// every change after.
func (m *Manager) Settings() reactive.ObservableState[SDKSettings] {
	return m.settings.AsObservableState()
}

// Current returns the current settings.
func (m *Manager) Current() SDKSettings { return m.settings.Value() }

// Document returns a copy of the merged document.
func (m *Manager) Document() types.DataObject {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.merged.Copy()
}

// Core emits the core section.
func (m *Manager) Core() reactive.ObservableState[CoreSettings] {
	return reactive.MapState(m.Settings(), func(s SDKSettings) CoreSettings { return s.Core })
}

// Barriers emits the barrier section.
func (m *Manager) Barriers() reactive.ObservableState[map[string]types.BarrierSettings] {
	return reactive.MapState(m.Settings(), func(s SDKSettings) map[string]types.BarrierSettings { return s.Barriers })
}

// Consent emits the consent section keyed by CMP id.
func (m *Manager) Consent() reactive.ObservableState[map[string]types.ConsentConfiguration] {
	return reactive.MapState(m.Settings(), func(s SDKSettings) map[string]types.ConsentConfiguration { return s.Consent })
}

// SetLocal replaces the local layer.
func (m *Manager) SetLocal(doc types.DataObject) error {
	m.mu.Lock()
	m.local = doc
	m.mu.Unlock()
	return m.apply("local")
}

// SetEnforced replaces the enforced layer.
func (m *Manager) SetEnforced(doc types.DataObject) error {
	m.mu.Lock()
	m.enforced = doc
	m.mu.Unlock()
	return m.apply("enforced")
}

// Refresh fetches the remote document and applies it when it changed. It
// is a no-op without a remote source.
func (m *Manager) Refresh(ctx context.Context) error {
	if m.remote == nil {
		return nil
	}
	doc, changed, err := m.remote.Fetch(ctx)
	if err != nil {
		m.log.Warn("settings: refresh failed", "err", err)
		return err
	}
	if !changed {
		m.log.Debug("settings: remote unchanged")
		return nil
	}
	m.mu.Lock()
	m.remoteDoc = doc
	m.mu.Unlock()
	return m.apply("remote")
}

// apply re-merges the layers and publishes when the merged document
// differs from the previous one.
func (m *Manager) apply(source string) error {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	m.mu.Lock()
	merged, err := Merge(m.local, m.remoteDoc, m.enforced)
	if err != nil {
		m.mu.Unlock()
		m.log.Error("settings: merge failed", "source", source, "err", err)
		return err
	}
	patch, err := Diff(m.merged, merged)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if len(patch) == 0 {
		m.mu.Unlock()
		return nil
	}
	decoded, err := FromDataObject(merged)
	if err != nil {
		m.mu.Unlock()
		m.log.Error("settings: decode failed", "source", source, "err", err)
		return err
	}
	m.merged = merged
	m.mu.Unlock()

	m.log.Info("settings: updated", "source", source, "changes", changedPaths(patch))
	m.settings.OnNext(decoded)
	return nil
}

// StartRefresh fetches the remote document now and then every
// core.refresh_interval on s. A failed fetch is retried sooner, backing off
// from the refresh retry delay up to the interval. Disposing the result
// stops refreshing.
func (m *Manager) StartRefresh(s reactive.Scheduler) reactive.Disposable {
	if m.remote == nil {
		return reactive.Disposed()
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = m.retryInitial
	retry.MaxElapsedTime = 0
	retry.Reset()

	serial := &reactive.SerialDisposable{}
	var run func()
	run = func() {
		if serial.IsDisposed() {
			return
		}
		next := m.Current().Core.RefreshInterval()
		if err := m.Refresh(context.Background()); err != nil {
			retry.MaxInterval = next
			if d := retry.NextBackOff(); d != backoff.Stop && d < next {
				next = d
			}
		} else {
			retry.Reset()
		}
		serial.Set(s.ScheduleAfter(next, run))
	}
	s.Execute(run)
	return serial
}
