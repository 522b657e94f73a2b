// Package queue implements the durable per-processor dispatch queue.
//
// A processor is a dispatcher id or the consent-pending queue. Every
// processor has its own FIFO over the shared dispatch rows in
// storage.QueueStore; a dispatch stored for several processors is kept
// until the last one deletes it.
//
// Architecture:
//   - Dispatch rows and per-processor order live in storage (survive restart).
//   - "inFlight" is an in-memory set per processor of dispatch ids handed to
//     a dispatcher and not yet deleted or released. Dequeue skips them.
//   - Processor and settings updates arrive as Observables; missing
//     processors lose their queues, settings resize and expire the queue.
//
// All public methods are safe for concurrent use. Notifications are emitted
// after internal locks are released so observers may call back in.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/snehjoshi/dispatchq/internal/reactive"
	"github.com/snehjoshi/dispatchq/internal/storage"
	"github.com/snehjoshi/dispatchq/internal/types"
)

// ─── Settings ────────────────────────────────────────────────────────────────

// Settings bounds the queue.
type Settings struct {
	// MaxQueueSize is the maximum number of stored dispatches. Negative means
	// unbounded.
	MaxQueueSize int
	// Expiration removes dispatches older than this. Zero disables expiry.
	Expiration time.Duration
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{MaxQueueSize: 100, Expiration: 24 * time.Hour}
}

// ErrClosed is returned by operations after Close.
var ErrClosed = errors.New("queue: closed")

// ─── Manager ─────────────────────────────────────────────────────────────────

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

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager owns the persistent dispatch queues and their in-flight state.
type Manager struct {
	store storage.QueueStore
	now   func() time.Time
	log   *slog.Logger

	mu       sync.Mutex
	inFlight map[string]map[string]struct{} // processor → dispatch ids
	settings Settings
	closed   bool

	inFlightChanged *reactive.StateSubject[map[string]int]
	changed         *reactive.StateSubject[uint64]
	version         uint64
	enqueued        *reactive.Subject[[]string]
	deleted         *reactive.Subject[[]string]

	disposables *reactive.CompositeDisposable
}

// NewManager creates a Manager over store. processors emits the current set
// of processor ids; settings emits queue bounds.
func NewManager(
	store storage.QueueStore,
	processors reactive.Observable[[]string],
	settings reactive.Observable[Settings],
	opts ...Option,
) *Manager {
	m := &Manager{
		store:           store,
		now:             time.Now,
		log:             slog.Default(),
		inFlight:        make(map[string]map[string]struct{}),
		settings:        DefaultSettings(),
		inFlightChanged: reactive.NewStateSubject(map[string]int{}),
		changed:         reactive.NewStateSubject[uint64](0),
		enqueued:        reactive.NewSubject[[]string](),
		deleted:         reactive.NewSubject[[]string](),
		disposables:     reactive.NewCompositeDisposable(),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With("component", "queue")

	if processors != nil {
		m.disposables.Add(processors.Subscribe(m.onProcessors))
	}
	if settings != nil {
		m.disposables.Add(settings.Subscribe(m.onSettings))
	}
	return m
}

func (m *Manager) onProcessors(processors []string) {
	affected, err := m.store.DeleteProcessorsNotIn(processors)
	if err != nil {
		m.log.Warn("queue: pruning removed processors failed", "err", err)
	}
	keep := types.NewStringSet(processors...)
	m.mu.Lock()
	changed := false
	for p := range m.inFlight {
		if !keep.Has(p) {
			delete(m.inFlight, p)
			changed = true
		}
	}
	counts := m.inFlightCountsLocked()
	m.mu.Unlock()

	if changed {
		m.inFlightChanged.OnNext(counts)
	}
	m.notifyDeleted(affected)
}

func (m *Manager) onSettings(s Settings) {
	m.mu.Lock()
	m.settings = s
	m.mu.Unlock()
	m.enforceBounds()
}

// enforceBounds applies expiry and the size limit, emitting affected
// processors.
func (m *Manager) enforceBounds() {
	m.mu.Lock()
	s := m.settings
	m.mu.Unlock()

	affected := types.NewStringSet()
	if s.Expiration > 0 {
		cutoff := m.now().Add(-s.Expiration).UnixMilli()
		expired, err := m.store.DeleteOlderThan(cutoff)
		if err != nil {
			m.log.Warn("queue: expiring dispatches failed", "err", err)
		}
		affected = affected.Union(types.NewStringSet(expired...))
	}
	if s.MaxQueueSize >= 0 {
		trimmed, err := m.store.TrimTo(s.MaxQueueSize)
		if err != nil {
			m.log.Warn("queue: trimming queue failed", "err", err)
		}
		affected = affected.Union(types.NewStringSet(trimmed...))
	}
	m.notifyDeleted(affected.Sorted())
}

// Settings returns the bounds currently applied.
func (m *Manager) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// ─── Store / dequeue / delete ────────────────────────────────────────────────

// StoreDispatches persists dispatches for every processor in one
// transaction. Empty input is a no-op.
func (m *Manager) StoreDispatches(dispatches []*types.Dispatch, processors []string) error {
	if len(dispatches) == 0 || len(processors) == 0 {
		return nil
	}
	if m.isClosed() {
		return ErrClosed
	}
	records := make([]storage.QueueRecord, 0, len(dispatches))
	for _, d := range dispatches {
		raw, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("queue: encode %s: %w", d.ID(), err)
		}
		records = append(records, storage.QueueRecord{DispatchID: d.ID(), Timestamp: d.Timestamp(), Payload: raw})
	}
	if err := m.store.Insert(records, processors); err != nil {
		return fmt.Errorf("queue: store: %w", err)
	}
	m.log.Debug("queue: stored", "dispatches", len(dispatches), "processors", processors)

	m.enforceBounds()
	m.bump()
	m.enqueued.OnNext(append([]string(nil), processors...))
	return nil
}

// DequeueDispatches returns up to limit of the oldest dispatches for
// processor that are not already in flight, and marks them in flight.
// A negative limit returns every queued dispatch.
func (m *Manager) DequeueDispatches(limit int, processor string) ([]*types.Dispatch, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	m.mu.Lock()
	exclude := make(map[string]struct{}, len(m.inFlight[processor]))
	for id := range m.inFlight[processor] {
		exclude[id] = struct{}{}
	}
	m.mu.Unlock()

	recs, err := m.store.Oldest(processor, limit, exclude)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue %s: %w", processor, err)
	}
	out := make([]*types.Dispatch, 0, len(recs))
	for _, r := range recs {
		d := &types.Dispatch{}
		if err := json.Unmarshal(r.Payload, d); err != nil {
			m.log.Warn("queue: undecodable dispatch dropped", "dispatch_id", r.DispatchID, "err", err)
			if _, derr := m.store.Delete(processor, []string{r.DispatchID}); derr != nil {
				m.log.Warn("queue: delete failed", "dispatch_id", r.DispatchID, "err", derr)
			}
			continue
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return out, nil
	}

	m.mu.Lock()
	set, ok := m.inFlight[processor]
	if !ok {
		set = make(map[string]struct{})
		m.inFlight[processor] = set
	}
	for _, d := range out {
		set[d.ID()] = struct{}{}
	}
	counts := m.inFlightCountsLocked()
	m.mu.Unlock()

	m.inFlightChanged.OnNext(counts)
	m.bump()
	return out, nil
}

// DeleteDispatches removes dispatches from processor's queue and from its
// in-flight set.
func (m *Manager) DeleteDispatches(dispatches []*types.Dispatch, processor string) error {
	if len(dispatches) == 0 {
		return nil
	}
	ids := dispatchIDs(dispatches)
	n, err := m.store.Delete(processor, ids)
	m.release(processor, ids)
	if err != nil {
		return fmt.Errorf("queue: delete %s: %w", processor, err)
	}
	if n > 0 {
		m.notifyDeleted([]string{processor})
	}
	return nil
}

// DeleteAllDispatches empties processor's queue.
func (m *Manager) DeleteAllDispatches(processor string) error {
	n, err := m.store.DeleteAll(processor)
	m.mu.Lock()
	_, had := m.inFlight[processor]
	delete(m.inFlight, processor)
	counts := m.inFlightCountsLocked()
	m.mu.Unlock()
	if had {
		m.inFlightChanged.OnNext(counts)
	}
	if err != nil {
		return fmt.Errorf("queue: delete all %s: %w", processor, err)
	}
	if n > 0 {
		m.notifyDeleted([]string{processor})
	}
	return nil
}

// ReleaseDispatches keeps dispatches queued but clears their in-flight mark
// so they can be dequeued again.
func (m *Manager) ReleaseDispatches(dispatches []*types.Dispatch, processor string) {
	m.release(processor, dispatchIDs(dispatches))
}

func (m *Manager) release(processor string, ids []string) {
	m.mu.Lock()
	set := m.inFlight[processor]
	changed := false
	for _, id := range ids {
		if _, ok := set[id]; ok {
			delete(set, id)
			changed = true
		}
	}
	if len(set) == 0 {
		delete(m.inFlight, processor)
	}
	counts := m.inFlightCountsLocked()
	m.mu.Unlock()
	if changed {
		m.inFlightChanged.OnNext(counts)
		m.bump()
	}
}

// ─── Observation ─────────────────────────────────────────────────────────────

// QueueSize returns the number of dispatches queued for processor.
func (m *Manager) QueueSize(processor string) int {
	n, err := m.store.Count(processor)
	if err != nil {
		m.log.Warn("queue: count failed", "processor", processor, "err", err)
		return 0
	}
	return n
}

// QueueSizes returns the queue size of every processor with queued items.
func (m *Manager) QueueSizes() map[string]int {
	counts, err := m.store.Counts()
	if err != nil {
		m.log.Warn("queue: counts failed", "err", err)
		return map[string]int{}
	}
	return counts
}

// InFlight returns the in-flight dispatch ids per processor.
func (m *Manager) InFlight() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]string, len(m.inFlight))
	for p, set := range m.inFlight {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[p] = ids
	}
	return out
}

// InFlightCount emits the in-flight count for processor on every change.
func (m *Manager) InFlightCount(processor string) reactive.Observable[int] {
	return reactive.Distinct(reactive.Map[map[string]int, int](m.inFlightChanged, func(c map[string]int) int {
		return c[processor]
	}))
}

// QueueSizePendingDispatch emits the number of queued dispatches for
// processor that are not in flight. Unknown processors report 0.
func (m *Manager) QueueSizePendingDispatch(processor string) reactive.Observable[int] {
	return reactive.Distinct(reactive.Map[uint64, int](m.changed, func(uint64) int {
		pending := m.QueueSize(processor)
		m.mu.Lock()
		pending -= len(m.inFlight[processor])
		m.mu.Unlock()
		if pending < 0 {
			return 0
		}
		return pending
	}))
}

// OnEnqueued emits the processors that received new dispatches.
func (m *Manager) OnEnqueued() reactive.Observable[[]string] { return m.enqueued.AsObservable() }

// OnDeleted emits the processors that lost dispatches.
func (m *Manager) OnDeleted() reactive.Observable[[]string] { return m.deleted.AsObservable() }

// Close stops observing processors and settings. In-flight marks are dropped
// so queued dispatches are retried by the next instance.
func (m *Manager) Close() {
	m.disposables.Dispose()
	m.mu.Lock()
	m.closed = true
	m.inFlight = make(map[string]map[string]struct{})
	m.mu.Unlock()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) notifyDeleted(processors []string) {
	if len(processors) == 0 {
		return
	}
	m.bump()
	m.deleted.OnNext(processors)
}

func (m *Manager) bump() {
	m.mu.Lock()
	m.version++
	v := m.version
	m.mu.Unlock()
	m.changed.OnNext(v)
}

func (m *Manager) inFlightCountsLocked() map[string]int {
	counts := make(map[string]int, len(m.inFlight))
	for p, set := range m.inFlight {
		counts[p] = len(set)
	}
	return counts
}

func dispatchIDs(dispatches []*types.Dispatch) []string {
	ids := make([]string, len(dispatches))
	for i, d := range dispatches {
		ids[i] = d.ID()
	}
	return ids
}
