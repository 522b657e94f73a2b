// Package dlq keeps dispatches that a dispatcher permanently rejected so
// they can be inspected and sent again.
//
// A dispatcher reports Dropped when retrying cannot help, for example when
// an endpoint answers 400. The queue forgets such dispatches; the Manager
// records each one in a data store under "<dispatcherID>/<dispatchID>" and
// keeps it for the retention period.
//
//   - Peek:   read the oldest N dead-lettered dispatches of a dispatcher.
//   - Drain:  read and remove them.
//   - Replay: queue them for the dispatcher again.
package dlq

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/snehjoshi/dispatchq/internal/datastore"
	"github.com/snehjoshi/dispatchq/internal/reactive"
	"github.com/snehjoshi/dispatchq/internal/types"
)

// StoreID is the module store the dead letters live in.
const StoreID = "dlq"

const (
	DefaultRetention        = 7 * 24 * time.Hour
	DefaultMaxPerDispatcher = 1000
)

// ErrUnknownDispatcher is returned by Replay when the dispatcher is not
// enabled.
var ErrUnknownDispatcher = errors.New("dlq: dispatcher is not enabled")

// Requeuer puts dispatches back on a dispatcher's queue.
type Requeuer interface {
	StoreDispatches(dispatches []*types.Dispatch, processors []string) error
}

// Entry is one dead-lettered dispatch.
type Entry struct {
	DispatcherID string          `json:"dispatcher"`
	Info         string          `json:"info,omitempty"`
	DroppedAt    int64           `json:"dropped_at"`
	Dispatch     *types.Dispatch `json:"dispatch"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetention sets how long entries are kept.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithMaxPerDispatcher caps the entries kept per dispatcher; the oldest are
// evicted first.
func WithMaxPerDispatcher(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.max = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l.With("component", "dlq") }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager provides dead-letter operations on top of a data store.
type Manager struct {
	store       *datastore.DataStore
	queue       Requeuer
	dispatchers reactive.ObservableState[[]string]
	retention   time.Duration
	max         int
	log         *slog.Logger
	now         func() time.Time

	mu sync.Mutex
}

// NewManager stores dead letters in store and replays them through queue.
// dispatchers lists the enabled dispatcher ids.
func NewManager(store *datastore.DataStore, queue Requeuer, dispatchers reactive.ObservableState[[]string], opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		queue:       queue,
		dispatchers: dispatchers,
		retention:   DefaultRetention,
		max:         DefaultMaxPerDispatcher,
		log:         slog.Default().With("component", "dlq"),
		now:         time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func key(dispatcherID, dispatchID string) string { return dispatcherID + "/" + dispatchID }

// Record stores res when a dispatcher dropped it. Other results are ignored.
func (m *Manager) Record(res types.TrackResult) error {
	if res.Status != types.TrackDropped || res.DispatcherID == "" || res.Dispatch == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e := Entry{
		DispatcherID: res.DispatcherID,
		Info:         res.Info,
		DroppedAt:    now.UnixMilli(),
		Dispatch:     res.Dispatch,
	}
	k := key(res.DispatcherID, res.Dispatch.ID())
	edit := m.store.Edit().Put(k, e, types.ExpiryAfter(now, m.retention))
	keys := slices.DeleteFunc(m.keysLocked(res.DispatcherID), func(s string) bool { return s == k })
	if overflow := len(keys) + 1 - m.max; overflow > 0 {
		edit.Remove(keys[:overflow]...)
	}
	if err := edit.Commit(); err != nil {
		return fmt.Errorf("dlq.Record %s: %w", res.Dispatch.ID(), err)
	}
	m.log.Info("dlq: dispatch dead-lettered",
		"dispatcher", res.DispatcherID,
		"dispatch", res.Dispatch.LogDescription(),
		"info", res.Info,
	)
	return nil
}

// keysLocked returns the dispatcher's keys oldest first. Dispatch ids are
// time ordered.
func (m *Manager) keysLocked(dispatcherID string) []string {
	prefix := dispatcherID + "/"
	var out []string
	for _, k := range m.store.Keys() {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

func (m *Manager) entriesLocked(dispatcherID string, limit int) ([]Entry, []string, error) {
	keys := m.keysLocked(dispatcherID)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]Entry, 0, len(keys))
	found := make([]string, 0, len(keys))
	for _, k := range keys {
		var e Entry
		ok, err := m.store.GetAs(k, &e)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			out = append(out, e)
			found = append(found, k)
		}
	}
	return out, found, nil
}

// Peek returns up to limit entries of dispatcherID, oldest first. A
// non-positive limit returns all of them.
func (m *Manager) Peek(dispatcherID string, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, _, err := m.entriesLocked(dispatcherID, limit)
	if err != nil {
		return nil, fmt.Errorf("dlq.Peek: %w", err)
	}
	return out, nil
}

// Drain removes and returns up to limit entries of dispatcherID.
func (m *Manager) Drain(dispatcherID string, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, keys, err := m.entriesLocked(dispatcherID, limit)
	if err != nil {
		return nil, fmt.Errorf("dlq.Drain: %w", err)
	}
	if len(keys) == 0 {
		return out, nil
	}
	if err := m.store.Edit().Remove(keys...).Commit(); err != nil {
		return nil, fmt.Errorf("dlq.Drain: %w", err)
	}
	return out, nil
}

// Replay queues up to limit entries for dispatcherID again and removes
// them once queued. It returns the number replayed.
func (m *Manager) Replay(dispatcherID string, limit int) (int, error) {
	if !slices.Contains(m.dispatchers.Value(), dispatcherID) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownDispatcher, dispatcherID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, keys, err := m.entriesLocked(dispatcherID, limit)
	if err != nil {
		return 0, fmt.Errorf("dlq.Replay: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	ds := make([]*types.Dispatch, len(entries))
	for i, e := range entries {
		ds[i] = e.Dispatch
	}
	if err := m.queue.StoreDispatches(ds, []string{dispatcherID}); err != nil {
		return 0, fmt.Errorf("dlq.Replay: queue: %w", err)
	}
	// Queued twice is harmless: reinserting replaces the record.
	if err := m.store.Edit().Remove(keys...).Commit(); err != nil {
		return len(ds), fmt.Errorf("dlq.Replay: remove: %w", err)
	}
	m.log.Info("dlq: replayed", "dispatcher", dispatcherID, "count", len(ds))
	return len(ds), nil
}

// Len returns the number of entries kept for dispatcherID.
func (m *Manager) Len(dispatcherID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keysLocked(dispatcherID))
}

// Sizes returns the entry count per dispatcher.
func (m *Manager) Sizes() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int{}
	for _, k := range m.store.Keys() {
		if i := strings.LastIndexByte(k, '/'); i > 0 {
			out[k[:i]]++
		}
	}
	return out
}
