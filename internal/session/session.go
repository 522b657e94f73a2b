// Package session starts, extends and expires visitor sessions.
//
// Sessions are driven by events only: every registered dispatch starts a new
// session (when none is active) or extends the current one. A session ends
// once no dispatch has been registered for the configured timeout. When a
// session ends, every value stored with types.ExpirySession is removed from
// all data stores.
//
// The active session is persisted in the shared store so that a restart
// within the timeout resumes it instead of starting a new one.
package session

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/dispatchq/internal/datastore"
	"github.com/snehjoshi/dispatchq/internal/reactive"
	"github.com/snehjoshi/dispatchq/internal/types"
)

const (
	// DefaultTimeout is used when no timeout is configured.
	DefaultTimeout = 5 * time.Minute
	// MinTimeout and MaxTimeout bound the configurable timeout.
	MinTimeout = 5 * time.Second
	MaxTimeout = 30 * time.Minute

	// KeySessionTimeout is the payload key carrying the timeout in ms.
	KeySessionTimeout = "tealium_session_timeout"

	storeKey = "session_info"
)

// Status is the lifecycle state reported with each session update.
type Status uint8

const (
	StatusStarted Status = iota
	StatusResumed
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusStarted:
		return "started"
	case StatusResumed:
		return "resumed"
	case StatusEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Session is one snapshot of the visitor session.
type Session struct {
	ID                  int64
	Status              Status
	LastEventTimeMillis int64
	EventCount          int
}

type storedSession struct {
	ID            int64 `json:"session_id"`
	LastEventTime int64 `json:"last_event_time"`
	EventCount    int   `json:"event_count"`
}

func (s storedSession) expired(now time.Time, timeout time.Duration) bool {
	return s.LastEventTime+timeout.Milliseconds() <= now.UnixMilli()
}

// Clearer removes session-scoped values from every store.
type Clearer interface {
	ClearSession() error
}

// ClampTimeout bounds d to [MinTimeout, MaxTimeout]. Zero selects the default.
func ClampTimeout(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return DefaultTimeout
	case d < MinTimeout:
		return MinTimeout
	case d > MaxTimeout:
		return MaxTimeout
	}
	return d
}

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

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithTimeout sets the initial session timeout (clamped).
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout.Store(int64(ClampTimeout(d))) }
}

// Manager owns the session lifecycle.
type Manager struct {
	store   *datastore.DataStore
	clearer Clearer
	sched   reactive.Scheduler
	now     func() time.Time
	log     *slog.Logger

	mu      sync.Mutex
	timeout atomic.Int64

	session     *reactive.ReplaySubject[Session]
	expiry      reactive.SerialDisposable
	disposables *reactive.CompositeDisposable
}

// NewManager loads any persisted session and starts tracking. Expiry tasks
// run on sched, which should be the core serial scheduler.
func NewManager(store *datastore.DataStore, clearer Clearer, sched reactive.Scheduler, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		clearer:     clearer,
		sched:       sched,
		now:         time.Now,
		log:         slog.Default(),
		session:     reactive.NewReplaySubject[Session](1),
		disposables: reactive.NewCompositeDisposable(),
	}
	m.timeout.Store(int64(DefaultTimeout))
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With("component", "session")

	var existing storedSession
	found, err := store.GetAs(storeKey, &existing)
	if err != nil {
		m.log.Warn("session: stored session unreadable", "err", err)
	}
	if !found {
		// Session data may have been written after the last session ended.
		m.clearSessionData()
	} else {
		status := StatusResumed
		if existing.expired(m.now(), m.Timeout()) {
			status = StatusEnded
		} else {
			m.log.Debug("session: resuming", "session_id", existing.ID)
		}
		m.session.OnNext(existing.toSession(status))
	}

	m.disposables.Add(m.session.Subscribe(m.onSession))
	m.disposables.Add(&m.expiry)
	if last, ok := m.session.Last(); ok && last.Status != StatusEnded {
		m.scheduleExpiry(existing)
	}
	return m
}

func (s storedSession) toSession(status Status) Session {
	return Session{ID: s.ID, Status: status, LastEventTimeMillis: s.LastEventTime, EventCount: s.EventCount}
}

func (m *Manager) onSession(s Session) {
	if s.Status == StatusEnded {
		m.clearSessionData()
		return
	}
	stored := storedSession{ID: s.ID, LastEventTime: s.LastEventTimeMillis, EventCount: s.EventCount}
	if err := m.store.Edit().Put(storeKey, stored, types.ExpirySession).Commit(); err != nil {
		m.log.Warn("session: persist failed", "err", err)
	}
}

// scheduleExpiry must be called without m.mu held: an immediate scheduler
// runs the task inline.
func (m *Manager) scheduleExpiry(s storedSession) {
	delay := time.Duration(s.LastEventTime+m.Timeout().Milliseconds()-m.now().UnixMilli()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	h := m.sched.ScheduleAfter(delay, func() {
		if latest, ok := m.expire(s); !ok {
			m.scheduleExpiry(latest)
		}
	})
	// A task that already ran inline may have scheduled its successor.
	if !h.IsDisposed() {
		m.expiry.Set(h)
	}
}

// expire ends s if it is still the current session. When a later update
// superseded s it returns that update and false so the caller can reschedule.
func (m *Manager) expire(s storedSession) (storedSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.session.Last()
	if !ok || last.Status == StatusEnded {
		return s, true
	}
	if last.ID != s.ID || last.LastEventTimeMillis != s.LastEventTime {
		return storedSession{ID: last.ID, LastEventTime: last.LastEventTimeMillis, EventCount: last.EventCount}, false
	}
	m.log.Debug("session: expired", "session_id", s.ID, "events", s.EventCount)
	m.session.OnNext(s.toSession(StatusEnded))
	return s, true
}

func (m *Manager) clearSessionData() {
	if m.clearer == nil {
		return
	}
	if err := m.clearer.ClearSession(); err != nil {
		m.log.Warn("session: clearing session data failed", "err", err)
	}
}

// RegisterDispatch starts or extends the session at the dispatch timestamp
// and annotates the dispatch with the session keys.
func (m *Manager) RegisterDispatch(d *types.Dispatch) {
	next := m.advance(d)
	m.scheduleExpiry(storedSession{ID: next.ID, LastEventTime: next.LastEventTimeMillis, EventCount: next.EventCount})
}

// advance computes and publishes the session update for d. Updates are
// published under m.mu so concurrent dispatches are observed in order.
func (m *Manager) advance(d *types.Dispatch) Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := d.Timestamp()
	var next Session
	last, ok := m.session.Last()
	if !ok || last.Status == StatusEnded {
		next = Session{ID: ts / 1000, Status: StatusStarted, LastEventTimeMillis: ts, EventCount: 1}
		m.log.Debug("session: starting", "session_id", next.ID)
	} else {
		next = last
		next.LastEventTimeMillis = ts
		next.EventCount++
	}

	data := types.DataObject{
		types.KeySessionID: next.ID,
		KeySessionTimeout:  m.Timeout().Milliseconds(),
	}
	if next.EventCount == 1 {
		data[types.KeyIsNewSession] = true
	}
	d.AddAll(data)

	m.session.OnNext(next)
	return next
}

// Session emits every session update; new subscribers receive the latest.
func (m *Manager) Session() reactive.Observable[Session] {
	return reactive.Create(m.session.Subscribe)
}

// Current returns the latest session snapshot.
func (m *Manager) Current() (Session, bool) {
	return m.session.Last()
}

// Timeout returns the effective session timeout.
func (m *Manager) Timeout() time.Duration {
	return time.Duration(m.timeout.Load())
}

// SetTimeout changes the timeout (clamped) for subsequent expiry checks.
func (m *Manager) SetTimeout(d time.Duration) {
	m.timeout.Store(int64(ClampTimeout(d)))
}

// Shutdown cancels the pending expiry task.
func (m *Manager) Shutdown() {
	m.disposables.Dispose()
}
