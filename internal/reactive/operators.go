package reactive

import "sync"

// Map transforms every value.
func Map[T, R any](src Observable[T], fn func(T) R) Observable[R] {
	return ObservableFunc[R](func(o Observer[R]) Disposable {
		return src.Subscribe(func(v T) { o(fn(v)) })
	})
}

// Filter forwards only values matching pred.
func Filter[T any](src Observable[T], pred func(T) bool) Observable[T] {
	return ObservableFunc[T](func(o Observer[T]) Disposable {
		return src.Subscribe(func(v T) {
			if pred(v) {
				o(v)
			}
		})
	})
}

// MapNotNil transforms values and drops those for which fn reports false.
func MapNotNil[T, R any](src Observable[T], fn func(T) (R, bool)) Observable[R] {
	return ObservableFunc[R](func(o Observer[R]) Disposable {
		return src.Subscribe(func(v T) {
			if r, ok := fn(v); ok {
				o(r)
			}
		})
	})
}

// Distinct suppresses consecutive duplicate values.
func Distinct[T comparable](src Observable[T]) Observable[T] {
	return DistinctFunc(src, func(a, b T) bool { return a == b })
}

// DistinctFunc suppresses consecutive values that eq reports as equal.
func DistinctFunc[T any](src Observable[T], eq func(a, b T) bool) Observable[T] {
	return ObservableFunc[T](func(o Observer[T]) Disposable {
		var (
			mu   sync.Mutex
			last T
			has  bool
		)
		return src.Subscribe(func(v T) {
			mu.Lock()
			if has && eq(last, v) {
				mu.Unlock()
				return
			}
			last, has = v, true
			mu.Unlock()
			o(v)
		})
	})
}

// Take forwards the first n values, then disposes the upstream subscription.
func Take[T any](src Observable[T], n int) Observable[T] {
	return ObservableFunc[T](func(o Observer[T]) Disposable {
		if n <= 0 {
			return Disposed()
		}
		var (
			mu    sync.Mutex
			count int
		)
		upstream := &SerialDisposable{}
		outer := NewDisposable(upstream.Dispose)
		upstream.Set(src.Subscribe(func(v T) {
			mu.Lock()
			if outer.IsDisposed() || count >= n {
				mu.Unlock()
				return
			}
			count++
			last := count == n
			mu.Unlock()
			o(v)
			if last {
				outer.Dispose()
			}
		}))
		return outer
	})
}

// First forwards only the first value.
func First[T any](src Observable[T]) Observable[T] { return Take(src, 1) }

// Combine emits fn(latestA, latestB) whenever either source emits, once both
// have emitted at least once.
func Combine[A, B, R any](a Observable[A], b Observable[B], fn func(A, B) R) Observable[R] {
	return ObservableFunc[R](func(o Observer[R]) Disposable {
		out := &emitter[R]{}
		cd := NewCompositeDisposable(out.subscribe(o))

		var (
			mu         sync.Mutex
			la         A
			lb         B
			hasA, hasB bool
		)
		cd.Add(a.Subscribe(func(v A) {
			mu.Lock()
			la, hasA = v, true
			if hasB {
				out.enqueue(fn(la, lb))
			}
			mu.Unlock()
			out.flush()
		}))
		cd.Add(b.Subscribe(func(v B) {
			mu.Lock()
			lb, hasB = v, true
			if hasA {
				out.enqueue(fn(la, lb))
			}
			mu.Unlock()
			out.flush()
		}))
		return cd
	})
}

// CombineAll emits the latest value of every source, in source order, each
// time any of them emits once all have emitted. With no sources it emits an
// empty slice immediately.
func CombineAll[T any](sources []Observable[T]) Observable[[]T] {
	return ObservableFunc[[]T](func(o Observer[[]T]) Disposable {
		if len(sources) == 0 {
			o([]T{})
			return NewDisposable(nil)
		}
		out := &emitter[[]T]{}
		cd := NewCompositeDisposable(out.subscribe(o))

		var (
			mu      sync.Mutex
			latest  = make([]T, len(sources))
			has     = make([]bool, len(sources))
			missing = len(sources)
		)
		for i, src := range sources {
			i := i
			cd.Add(src.Subscribe(func(v T) {
				mu.Lock()
				latest[i] = v
				if !has[i] {
					has[i] = true
					missing--
				}
				if missing == 0 {
					out.enqueue(append([]T(nil), latest...))
				}
				mu.Unlock()
				out.flush()
			}))
		}
		return cd
	})
}

// Merge forwards values from every source.
func Merge[T any](sources ...Observable[T]) Observable[T] {
	return ObservableFunc[T](func(o Observer[T]) Disposable {
		out := &emitter[T]{}
		cd := NewCompositeDisposable(out.subscribe(o))
		for _, src := range sources {
			cd.Add(src.Subscribe(out.emit))
		}
		return cd
	})
}

// StartWith emits values before subscribing to src.
func StartWith[T any](src Observable[T], values ...T) Observable[T] {
	return ObservableFunc[T](func(o Observer[T]) Disposable {
		for _, v := range values {
			o(v)
		}
		return src.Subscribe(o)
	})
}

// FlatMapLatest maps each value to an inner observable and forwards only the
// most recent inner stream, disposing the previous one.
func FlatMapLatest[T, R any](src Observable[T], fn func(T) Observable[R]) Observable[R] {
	return ObservableFunc[R](func(o Observer[R]) Disposable {
		out := &emitter[R]{}
		cd := NewCompositeDisposable(out.subscribe(o))
		inner := &SerialDisposable{}
		cd.Add(inner)

		var (
			mu  sync.Mutex
			gen uint64
		)
		cd.Add(src.Subscribe(func(v T) {
			mu.Lock()
			gen++
			mine := gen
			mu.Unlock()

			inner.Set(nil)
			inner.Set(fn(v).Subscribe(func(r R) {
				mu.Lock()
				current := mine == gen
				mu.Unlock()
				if current {
					out.emit(r)
				}
			}))
		}))
		return cd
	})
}

// ResubscribingWhile subscribes to src and, each time an emitted value
// satisfies pred, disposes the current subscription and subscribes again.
// Synchronous resubscriptions are performed iteratively.
func ResubscribingWhile[T any](src Observable[T], pred func(T) bool) Observable[T] {
	return ObservableFunc[T](func(o Observer[T]) Disposable {
		current := &SerialDisposable{}
		var (
			mu      sync.Mutex
			running bool
			again   bool
		)
		var loop func()
		loop = func() {
			mu.Lock()
			if running {
				again = true
				mu.Unlock()
				return
			}
			running = true
			mu.Unlock()

			for {
				mu.Lock()
				again = false
				mu.Unlock()
				if current.IsDisposed() {
					break
				}
				current.Set(src.Subscribe(func(v T) {
					o(v)
					if pred(v) {
						loop()
					}
				}))
				mu.Lock()
				if !again {
					running = false
					mu.Unlock()
					return
				}
				mu.Unlock()
			}
			mu.Lock()
			running = false
			mu.Unlock()
		}
		loop()
		return current
	})
}

// ObserveOn delivers values on s.
func ObserveOn[T any](src Observable[T], s Scheduler) Observable[T] {
	return ObservableFunc[T](func(o Observer[T]) Disposable {
		sd := &SerialDisposable{}
		outer := NewDisposable(sd.Dispose)
		sd.Set(src.Subscribe(func(v T) {
			s.Execute(func() {
				if !outer.IsDisposed() {
					o(v)
				}
			})
		}))
		return outer
	})
}

// SubscribeOn performs the subscription on s.
func SubscribeOn[T any](src Observable[T], s Scheduler) Observable[T] {
	return ObservableFunc[T](func(o Observer[T]) Disposable {
		sd := &SerialDisposable{}
		task := s.Schedule(func() {
			sd.Set(src.Subscribe(o))
		})
		return NewCompositeDisposable(task, sd)
	})
}

// ─── emitter helpers for operators ───────────────────────────────────────────

// enqueue appends v without draining.
func (e *emitter[T]) enqueue(v T) {
	e.mu.Lock()
	e.queue = append(e.queue, pending[T]{value: v})
	e.mu.Unlock()
}

// flush delivers anything enqueued before returning, unless called
// re-entrantly from the goroutine already draining.
func (e *emitter[T]) flush() {
	id := goroutineID()
	e.mu.Lock()
	e.acquireLocked(id)
}
