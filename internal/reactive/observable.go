// Package reactive is dispatchq's publish/subscribe core: composable,
// disposable, schedulable event streams.
//
// An Observable pushes values to an Observer and returns a Disposable that
// stops delivery. Subjects are the hot sources used across the pipeline:
//
//	Subject        fan-out, no history
//	StateSubject   holds a current value and replays it to new subscribers
//	ReplaySubject  replays the last N values (N == 0 none, N < 0 all)
//
// Operators are package-level generic functions (Map, Filter, Distinct,
// Combine, Merge, Take, ObserveOn, SubscribeOn, FlatMapLatest, ...). Every
// subject serializes its fan-out, and an observer that panics is logged and
// skipped without affecting other subscribers.
package reactive

// Observer receives values pushed by an Observable.
type Observer[T any] func(T)

// Observable is a push-based stream.
type Observable[T any] interface {
	Subscribe(o Observer[T]) Disposable
}

// ObservableFunc adapts a subscribe function to the Observable interface.
type ObservableFunc[T any] func(o Observer[T]) Disposable

func (f ObservableFunc[T]) Subscribe(o Observer[T]) Disposable { return f(o) }

// Create builds a cold Observable from a subscribe function. A nil
// Disposable returned by fn is replaced with a no-op one.
func Create[T any](fn func(o Observer[T]) Disposable) Observable[T] {
	return ObservableFunc[T](func(o Observer[T]) Disposable {
		d := fn(o)
		if d == nil {
			return NewDisposable(nil)
		}
		return d
	})
}

// Just emits values synchronously on subscribe, stopping early if the
// subscription is disposed from inside the observer.
func Just[T any](values ...T) Observable[T] {
	return ObservableFunc[T](func(o Observer[T]) Disposable {
		d := NewDisposable(nil)
		for _, v := range values {
			if d.IsDisposed() {
				break
			}
			o(v)
		}
		return d
	})
}

// Empty never emits.
func Empty[T any]() Observable[T] {
	return ObservableFunc[T](func(Observer[T]) Disposable { return NewDisposable(nil) })
}

// Callback adapts a one-shot asynchronous function to an Observable that
// emits its single result. Values produced after disposal are discarded.
func Callback[T any](fn func(done func(T))) Observable[T] {
	return ObservableFunc[T](func(o Observer[T]) Disposable {
		d := NewDisposable(nil)
		fn(func(v T) {
			if !d.IsDisposed() {
				o(v)
			}
		})
		return d
	})
}
