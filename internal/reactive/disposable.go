package reactive

import (
	"sync"
	"sync/atomic"
)

// Disposable is a cancellable handle to a subscription or scheduled task.
// Dispose is idempotent.
type Disposable interface {
	Dispose()
	IsDisposed() bool
}

type funcDisposable struct {
	disposed atomic.Bool
	fn       func()
}

// NewDisposable returns a Disposable that runs fn on the first Dispose call.
func NewDisposable(fn func()) Disposable {
	return &funcDisposable{fn: fn}
}

// Disposed returns a Disposable that is already disposed.
func Disposed() Disposable {
	d := &funcDisposable{}
	d.disposed.Store(true)
	return d
}

func (d *funcDisposable) Dispose() {
	if d.disposed.CompareAndSwap(false, true) && d.fn != nil {
		d.fn()
	}
}

func (d *funcDisposable) IsDisposed() bool { return d.disposed.Load() }

// CompositeDisposable groups disposables so they can be disposed together.
// Once disposed, anything added afterwards is disposed immediately.
type CompositeDisposable struct {
	mu       sync.Mutex
	items    []Disposable
	disposed bool
}

// NewCompositeDisposable returns an empty container.
func NewCompositeDisposable(items ...Disposable) *CompositeDisposable {
	c := &CompositeDisposable{}
	for _, d := range items {
		c.Add(d)
	}
	return c
}

// Add registers d.
func (c *CompositeDisposable) Add(d Disposable) {
	if d == nil {
		return
	}
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		d.Dispose()
		return
	}
	c.items = append(c.items, d)
	c.mu.Unlock()
}

// Remove unregisters d without disposing it.
func (c *CompositeDisposable) Remove(d Disposable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, it := range c.items {
		if it == d {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered disposables.
func (c *CompositeDisposable) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Dispose disposes every member exactly once.
func (c *CompositeDisposable) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	items := c.items
	c.items = nil
	c.mu.Unlock()

	for _, d := range items {
		d.Dispose()
	}
}

func (c *CompositeDisposable) IsDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

// SerialDisposable holds a single replaceable disposable. Replacing disposes
// the previous value; after Dispose every new value is disposed immediately.
type SerialDisposable struct {
	mu       sync.Mutex
	current  Disposable
	disposed bool
}

// Set replaces the held disposable.
func (s *SerialDisposable) Set(d Disposable) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		if d != nil {
			d.Dispose()
		}
		return
	}
	prev := s.current
	s.current = d
	s.mu.Unlock()
	if prev != nil {
		prev.Dispose()
	}
}

func (s *SerialDisposable) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	cur := s.current
	s.current = nil
	s.mu.Unlock()
	if cur != nil {
		cur.Dispose()
	}
}

func (s *SerialDisposable) IsDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}
