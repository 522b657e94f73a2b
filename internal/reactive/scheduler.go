package reactive

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/dispatchq/internal/scheduler"
)

// Scheduler executes tasks on a logical queue.
type Scheduler interface {
	// Execute runs task on the queue without a cancellation handle.
	Execute(task func())
	// Schedule runs task on the queue; disposing the result before the task
	// starts guarantees it never runs.
	Schedule(task func()) Disposable
	// ScheduleAfter runs task on the queue once delay has elapsed.
	ScheduleAfter(delay time.Duration, task func()) Disposable
}

// runTask executes task, recovering and logging a panic so a worker never
// dies.
func runTask(name string, task func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("reactive: scheduled task panicked",
				"scheduler", name,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	task()
}

// delayer hands delayed tasks to a scheduler through a shared DelayQueue.
type delayer struct {
	mu      sync.Mutex
	queue   *scheduler.DelayQueue
	stopped bool
	seq     atomic.Uint64
}

func (d *delayer) after(s Scheduler, delay time.Duration, task func()) Disposable {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return Disposed()
	}
	if d.queue == nil {
		d.queue = scheduler.New()
		d.queue.Start(context.Background())
	}
	q := d.queue
	d.mu.Unlock()

	id := strconv.FormatUint(d.seq.Add(1), 10)
	disposable := NewDisposable(func() { q.Cancel(id) })
	q.Schedule(id, time.Now().Add(delay), func() {
		s.Execute(func() {
			if !disposable.IsDisposed() {
				task()
			}
		})
	})
	return disposable
}

func (d *delayer) stop() {
	d.mu.Lock()
	q := d.queue
	d.stopped = true
	d.mu.Unlock()
	if q != nil {
		q.Stop()
	}
}

// ─── queue-backed schedulers ─────────────────────────────────────────────────

// QueueScheduler runs tasks on a fixed set of worker goroutines fed from an
// unbounded FIFO. With one worker it is a strict serial queue: tasks run one
// at a time in submission order.
type QueueScheduler struct {
	name   string
	mu     sync.Mutex
	tasks  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	delay  delayer
}

// NewSerialScheduler returns a single-worker FIFO scheduler.
func NewSerialScheduler(name string) *QueueScheduler {
	return newQueueScheduler(name, 1)
}

// NewPoolScheduler returns an unordered scheduler with the given number of
// workers, meant for blocking I/O.
func NewPoolScheduler(name string, workers int) *QueueScheduler {
	if workers < 1 {
		workers = 1
	}
	return newQueueScheduler(name, workers)
}

func newQueueScheduler(name string, workers int) *QueueScheduler {
	s := &QueueScheduler{
		name: name,
		wake: make(chan struct{}, workers),
		done: make(chan struct{}),
	}
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.work()
	}
	return s
}

// Name returns the scheduler name used in logs.
func (s *QueueScheduler) Name() string { return s.name }

func (s *QueueScheduler) Execute(task func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *QueueScheduler) Schedule(task func()) Disposable {
	d := NewDisposable(nil)
	s.Execute(func() {
		if !d.IsDisposed() {
			task()
		}
	})
	return d
}

func (s *QueueScheduler) ScheduleAfter(delay time.Duration, task func()) Disposable {
	if delay <= 0 {
		return s.Schedule(task)
	}
	return s.delay.after(s, delay, task)
}

// Pending returns the number of queued tasks not yet started.
func (s *QueueScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close stops the workers after the running tasks finish. Queued tasks are
// abandoned and later submissions are ignored. Close must not be called from
// a task running on this scheduler.
func (s *QueueScheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.tasks = nil
	s.mu.Unlock()
	close(s.done)
	s.wg.Wait()
	s.delay.stop()
}

func (s *QueueScheduler) work() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(s.tasks) == 0 {
			s.mu.Unlock()
			select {
			case <-s.done:
				return
			case <-s.wake:
			}
			continue
		}
		task := s.tasks[0]
		s.tasks[0] = nil
		s.tasks = s.tasks[1:]
		more := len(s.tasks) > 0
		s.mu.Unlock()

		if more {
			// Let an idle sibling pick up the next task.
			select {
			case s.wake <- struct{}{}:
			default:
			}
		}
		select {
		case <-s.done:
			return
		default:
		}
		runTask(s.name, task)
	}
}

// ─── immediate scheduler ─────────────────────────────────────────────────────

// ImmediateScheduler runs tasks synchronously on the calling goroutine.
// Delayed tasks run on the delay goroutine.
type ImmediateScheduler struct {
	delay delayer
}

// NewImmediateScheduler returns a scheduler that runs tasks inline.
func NewImmediateScheduler() *ImmediateScheduler { return &ImmediateScheduler{} }

func (s *ImmediateScheduler) Execute(task func()) { runTask("immediate", task) }

func (s *ImmediateScheduler) Schedule(task func()) Disposable {
	s.Execute(task)
	return Disposed()
}

func (s *ImmediateScheduler) ScheduleAfter(delay time.Duration, task func()) Disposable {
	if delay <= 0 {
		return s.Schedule(task)
	}
	return s.delay.after(s, delay, task)
}

// Close stops the delay goroutine.
func (s *ImmediateScheduler) Close() { s.delay.stop() }

// ─── Schedulers bundle ───────────────────────────────────────────────────────

// Schedulers groups the logical queues used by a tracker instance.
type Schedulers struct {
	// Tealium is the strict FIFO queue that owns all pipeline state transitions.
	Tealium Scheduler
	// Main delivers results to embedder-owned code.
	Main Scheduler
	// IO is the unordered pool for blocking work (network, disk).
	IO Scheduler
}

// NewSchedulers returns the default set: a serial core queue, a serial main
// queue and an I/O pool with ioWorkers workers.
func NewSchedulers(ioWorkers int) *Schedulers {
	return &Schedulers{
		Tealium: NewSerialScheduler("tealium"),
		Main:    NewSerialScheduler("main"),
		IO:      NewPoolScheduler("io", ioWorkers),
	}
}

// Close stops every scheduler that supports it.
func (s *Schedulers) Close() {
	for _, sc := range []Scheduler{s.Tealium, s.Main, s.IO} {
		if c, ok := sc.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
