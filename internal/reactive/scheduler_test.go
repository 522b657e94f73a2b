package reactive_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/dispatchq/internal/reactive"
)

func TestSerialScheduler_RunsInSubmissionOrder(t *testing.T) {
	s := reactive.NewSerialScheduler("tealium")
	t.Cleanup(s.Close)

	var r recorder[int]
	var wg sync.WaitGroup
	wg.Add(100)
	for i := 0; i < 100; i++ {
		i := i
		s.Execute(func() {
			r.observe(i)
			wg.Done()
		})
	}
	wg.Wait()

	got := r.get()
	for i := range got {
		require.Equal(t, i, got[i])
	}
}

func TestSerialScheduler_DisposedTaskNeverRuns(t *testing.T) {
	s := reactive.NewSerialScheduler("tealium")
	t.Cleanup(s.Close)
	block := make(chan struct{})
	s.Execute(func() { <-block })

	var ran atomic.Bool
	d := s.Schedule(func() { ran.Store(true) })
	d.Dispose()
	close(block)

	done := make(chan struct{})
	s.Execute(func() { close(done) })
	<-done
	assert.False(t, ran.Load())
}

func TestScheduler_PanicDoesNotKillWorker(t *testing.T) {
	s := reactive.NewSerialScheduler("tealium")
	t.Cleanup(s.Close)

	s.Execute(func() { panic("boom") })
	done := make(chan struct{})
	s.Execute(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker stopped after panic")
	}
}

func TestScheduleAfter_RunsAfterDelayAndCanBeCancelled(t *testing.T) {
	s := reactive.NewPoolScheduler("io", 2)
	t.Cleanup(s.Close)

	var ran, cancelled atomic.Bool
	start := time.Now()
	var elapsed atomic.Int64
	s.ScheduleAfter(30*time.Millisecond, func() {
		elapsed.Store(int64(time.Since(start)))
		ran.Store(true)
	})
	d := s.ScheduleAfter(30*time.Millisecond, func() { cancelled.Store(true) })
	d.Dispose()

	require.Eventually(t, ran.Load, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Duration(elapsed.Load()), 30*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.False(t, cancelled.Load())
}

func TestImmediateScheduler_RunsInline(t *testing.T) {
	s := reactive.NewImmediateScheduler()
	t.Cleanup(s.Close)
	ran := false
	s.Execute(func() { ran = true })
	assert.True(t, ran)
}

func TestPoolScheduler_RunsConcurrently(t *testing.T) {
	s := reactive.NewPoolScheduler("io", 4)
	t.Cleanup(s.Close)

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	wg.Add(4)
	release := make(chan struct{})
	for i := 0; i < 4; i++ {
		s.Execute(func() {
			defer wg.Done()
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			inFlight.Add(-1)
		})
	}
	require.Eventually(t, func() bool { return peak.Load() > 1 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
}
