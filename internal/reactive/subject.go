package reactive

import (
	"bytes"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
)

// subscriber is one registered observer of a subject.
type subscriber[T any] struct {
	observer Observer[T]
	disposed atomic.Bool
}

// deliver invokes the observer, recovering and logging a panic so that the
// remaining subscribers still receive the value.
func (s *subscriber[T]) deliver(v T) {
	if s.disposed.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("reactive: observer panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	s.observer(v)
}

// pending is a queued emission or a queued subscription awaiting replay.
type pending[T any] struct {
	value T
	join  *subscriber[T]
}

// emitter is the fan-out engine shared by every subject type.
//
// Fan-out is synchronous and mutually exclusive: the goroutine that calls
// OnNext or Subscribe becomes the owner of the emitter, drains the pending
// queue and only then returns, so a value has reached every subscriber when
// OnNext returns. Another goroutine arriving while the emitter is owned
// waits until it is idle. A re-entrant call from inside an observer, on the
// owning goroutine, is queued and delivered by the active loop once the
// current value has reached every subscriber. A subscription only observes
// values queued after it joined.
type emitter[T any] struct {
	mu    sync.Mutex
	idle  *sync.Cond
	subs  []*subscriber[T]
	queue []pending[T]
	owner uint64 // goroutine draining the queue, 0 when idle

	// record is called under mu for every value as it is fanned out.
	record func(T)
	// replay is called under mu when a subscriber joins; the values are
	// delivered to it before any later emission.
	replay func() []T
}

func (e *emitter[T]) subscribe(o Observer[T]) Disposable {
	sub := &subscriber[T]{observer: o}
	e.submit(pending[T]{join: sub})
	return NewDisposable(func() {
		sub.disposed.Store(true)
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.subs {
			if s == sub {
				e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
				break
			}
		}
	})
}

func (e *emitter[T]) emit(v T) { e.submit(pending[T]{value: v}) }

// submit queues p and, unless called re-entrantly by the owner, delivers
// everything queued before returning.
func (e *emitter[T]) submit(p pending[T]) {
	id := goroutineID()
	e.mu.Lock()
	e.queue = append(e.queue, p)
	e.acquireLocked(id)
}

// acquireLocked must be called with e.mu held. It makes goroutine id the
// owner and drains the queue, waiting while another goroutine owns the
// emitter. When id already owns it the queued values are left to the active
// loop. It returns with e.mu released.
func (e *emitter[T]) acquireLocked(id uint64) {
	if e.owner == id {
		e.mu.Unlock()
		return
	}
	if e.idle == nil {
		e.idle = sync.NewCond(&e.mu)
	}
	for e.owner != 0 {
		e.idle.Wait()
	}
	e.owner = id
	e.drainLocked()
}

// drainLocked must be called with e.mu held by the owner; it returns with
// e.mu released and the emitter idle.
func (e *emitter[T]) drainLocked() {
	defer func() {
		e.queue = nil
		e.owner = 0
		e.idle.Broadcast()
		e.mu.Unlock()
	}()
	for len(e.queue) > 0 {
		next := e.queue[0]
		e.queue[0] = pending[T]{}
		e.queue = e.queue[1:]

		if next.join != nil {
			if next.join.disposed.Load() {
				continue
			}
			e.subs = append(e.subs, next.join)
			var values []T
			if e.replay != nil {
				values = e.replay()
			}
			e.mu.Unlock()
			for _, v := range values {
				next.join.deliver(v)
			}
			e.mu.Lock()
			continue
		}

		if e.record != nil {
			e.record(next.value)
		}
		snapshot := make([]*subscriber[T], len(e.subs))
		copy(snapshot, e.subs)
		e.mu.Unlock()
		for _, s := range snapshot {
			s.deliver(next.value)
		}
		e.mu.Lock()
	}
}

// goroutineID returns the id of the calling goroutine, parsed from the
// "goroutine N [" header of its stack trace.
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

func (e *emitter[T]) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// ─── Subject ─────────────────────────────────────────────────────────────────

// Subject is a hot observable that fans out every OnNext to its current
// subscribers. It keeps no history.
type Subject[T any] struct {
	e emitter[T]
}

// NewSubject returns a Subject with no subscribers.
func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{}
}

// Subscribe registers o for future emissions.
func (s *Subject[T]) Subscribe(o Observer[T]) Disposable { return s.e.subscribe(o) }

// OnNext publishes v to every current subscriber.
func (s *Subject[T]) OnNext(v T) { s.e.emit(v) }

// Count returns the number of active subscribers.
func (s *Subject[T]) Count() int { return s.e.count() }

// AsObservable hides the OnNext side of the subject.
func (s *Subject[T]) AsObservable() Observable[T] { return Create(s.Subscribe) }

// ─── StateSubject ────────────────────────────────────────────────────────────

// ObservableState is an Observable that always has a current value and
// replays it to new subscribers.
type ObservableState[T any] interface {
	Observable[T]
	Value() T
}

// StateSubject holds a current value, replays it to every new subscriber and
// publishes every update.
type StateSubject[T any] struct {
	e emitter[T]

	vmu   sync.RWMutex
	value T

	// delivered is the last value fanned out; guarded by e.mu.
	delivered T
}

// NewStateSubject returns a StateSubject holding initial.
func NewStateSubject[T any](initial T) *StateSubject[T] {
	s := &StateSubject[T]{value: initial, delivered: initial}
	s.e.record = func(v T) { s.delivered = v }
	s.e.replay = func() []T { return []T{s.delivered} }
	return s
}

// Value returns the most recent value passed to OnNext.
func (s *StateSubject[T]) Value() T {
	s.vmu.RLock()
	defer s.vmu.RUnlock()
	return s.value
}

// OnNext updates the value and publishes it.
func (s *StateSubject[T]) OnNext(v T) {
	s.vmu.Lock()
	s.value = v
	s.vmu.Unlock()
	s.e.emit(v)
}

// Subscribe delivers the current value synchronously, then every update.
func (s *StateSubject[T]) Subscribe(o Observer[T]) Disposable { return s.e.subscribe(o) }

// Count returns the number of active subscribers.
func (s *StateSubject[T]) Count() int { return s.e.count() }

// AsObservableState hides the OnNext side of the subject.
func (s *StateSubject[T]) AsObservableState() ObservableState[T] { return readOnlyState[T]{s} }

type readOnlyState[T any] struct{ s *StateSubject[T] }

func (r readOnlyState[T]) Subscribe(o Observer[T]) Disposable { return r.s.Subscribe(o) }
func (r readOnlyState[T]) Value() T                            { return r.s.Value() }

// MapState derives an ObservableState: subscribers see fn applied to every
// value of src, and Value applies fn to src's current value.
func MapState[T, R any](src ObservableState[T], fn func(T) R) ObservableState[R] {
	return mappedState[T, R]{src: src, fn: fn}
}

type mappedState[T, R any] struct {
	src ObservableState[T]
	fn  func(T) R
}

func (m mappedState[T, R]) Subscribe(o Observer[R]) Disposable {
	return m.src.Subscribe(func(v T) { o(m.fn(v)) })
}
func (m mappedState[T, R]) Value() R { return m.fn(m.src.Value()) }

// ─── ReplaySubject ───────────────────────────────────────────────────────────

// ReplaySubject caches the last N values and replays them, oldest first, to
// each new subscriber. N == 0 disables the cache; N < 0 caches everything.
type ReplaySubject[T any] struct {
	e     emitter[T]
	size  int
	cache []T // guarded by e.mu
}

// NewReplaySubject returns a ReplaySubject with cache size n.
func NewReplaySubject[T any](n int) *ReplaySubject[T] {
	r := &ReplaySubject[T]{size: n}
	r.e.record = func(v T) {
		if r.size == 0 {
			return
		}
		r.cache = append(r.cache, v)
		r.trimLocked()
	}
	r.e.replay = func() []T { return append([]T(nil), r.cache...) }
	return r
}

func (r *ReplaySubject[T]) trimLocked() {
	if r.size >= 0 && len(r.cache) > r.size {
		drop := len(r.cache) - r.size
		r.cache = append([]T(nil), r.cache[drop:]...)
	}
}

// Subscribe replays the cache, then delivers every later emission.
func (r *ReplaySubject[T]) Subscribe(o Observer[T]) Disposable { return r.e.subscribe(o) }

// OnNext publishes v and appends it to the cache.
func (r *ReplaySubject[T]) OnNext(v T) { r.e.emit(v) }

// Resize changes the cache size, dropping the oldest values if it shrinks.
func (r *ReplaySubject[T]) Resize(n int) {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	r.size = n
	if n == 0 {
		r.cache = nil
		return
	}
	r.trimLocked()
}

// Clear empties the cache.
func (r *ReplaySubject[T]) Clear() {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	r.cache = nil
}

// Last returns the newest cached value.
func (r *ReplaySubject[T]) Last() (T, bool) {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	if len(r.cache) == 0 {
		var zero T
		return zero, false
	}
	return r.cache[len(r.cache)-1], true
}

// Count returns the number of active subscribers.
func (r *ReplaySubject[T]) Count() int { return r.e.count() }
