package reactive_test

import (
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/dispatchq/internal/reactive"
)

func TestMapFilterDistinct(t *testing.T) {
	s := reactive.NewSubject[int]()
	var r recorder[string]
	even := reactive.Filter[int](s, func(v int) bool { return v%2 == 0 })
	reactive.Distinct(reactive.Map(even, strconv.Itoa)).Subscribe(r.observe)

	for _, v := range []int{1, 2, 2, 3, 4, 4, 2} {
		s.OnNext(v)
	}

	assert.Equal(t, []string{"2", "4", "2"}, r.get())
}

func TestMapNotNil_DropsMissingValues(t *testing.T) {
	var r recorder[int]
	reactive.MapNotNil(reactive.Just("1", "x", "3"), func(s string) (int, bool) {
		n, err := strconv.Atoi(s)
		return n, err == nil
	}).Subscribe(r.observe)

	assert.Equal(t, []int{1, 3}, r.get())
}

func TestCombine_WaitsForBothSources(t *testing.T) {
	a := reactive.NewSubject[int]()
	b := reactive.NewSubject[string]()
	var r recorder[string]
	reactive.Combine[int, string](a, b, func(x int, y string) string {
		return strconv.Itoa(x) + y
	}).Subscribe(r.observe)

	a.OnNext(1)
	assert.Empty(t, r.get())

	b.OnNext("a")
	a.OnNext(2)
	b.OnNext("b")

	assert.Equal(t, []string{"1a", "2a", "2b"}, r.get())
}

func TestCombineAll_EmptyEmitsImmediately(t *testing.T) {
	var r recorder[[]int]
	reactive.CombineAll[int](nil).Subscribe(r.observe)
	require.Len(t, r.get(), 1)
	assert.Empty(t, r.get()[0])
}

func TestCombineAll_EmitsLatestOfEach(t *testing.T) {
	a := reactive.NewStateSubject(1)
	b := reactive.NewSubject[int]()
	var r recorder[[]int]
	reactive.CombineAll([]reactive.Observable[int]{a, b}).Subscribe(r.observe)

	assert.Empty(t, r.get())
	b.OnNext(5)
	a.OnNext(2)

	assert.Equal(t, [][]int{{1, 5}, {2, 5}}, r.get())
}

func TestMerge_ForwardsAllSources(t *testing.T) {
	a := reactive.NewSubject[int]()
	b := reactive.NewSubject[int]()
	var r recorder[int]
	d := reactive.Merge[int](a, b).Subscribe(r.observe)

	a.OnNext(1)
	b.OnNext(2)
	d.Dispose()
	a.OnNext(3)

	assert.Equal(t, []int{1, 2}, r.get())
	assert.Equal(t, 0, a.Count())
	assert.Equal(t, 0, b.Count())
}

func TestTake_DisposesUpstreamAfterN(t *testing.T) {
	s := reactive.NewSubject[int]()
	var r recorder[int]
	d := reactive.Take[int](s, 2).Subscribe(r.observe)

	s.OnNext(1)
	s.OnNext(2)
	s.OnNext(3)

	assert.Equal(t, []int{1, 2}, r.get())
	assert.True(t, d.IsDisposed())
	assert.Equal(t, 0, s.Count())
}

func TestTake_SynchronousSource(t *testing.T) {
	var r recorder[int]
	reactive.First(reactive.Just(9, 8, 7)).Subscribe(r.observe)
	assert.Equal(t, []int{9}, r.get())
}

func TestStartWith_PrependsValues(t *testing.T) {
	var r recorder[int]
	reactive.StartWith(reactive.Just(3), 1, 2).Subscribe(r.observe)
	assert.Equal(t, []int{1, 2, 3}, r.get())
}

func TestFlatMapLatest_SwitchesInner(t *testing.T) {
	outer := reactive.NewSubject[string]()
	inners := map[string]*reactive.Subject[int]{
		"a": reactive.NewSubject[int](),
		"b": reactive.NewSubject[int](),
	}
	var r recorder[int]
	reactive.FlatMapLatest[string, int](outer, func(k string) reactive.Observable[int] {
		return inners[k]
	}).Subscribe(r.observe)

	outer.OnNext("a")
	inners["a"].OnNext(1)
	outer.OnNext("b")
	inners["a"].OnNext(2)
	inners["b"].OnNext(3)

	assert.Equal(t, []int{1, 3}, r.get())
	assert.Equal(t, 0, inners["a"].Count())
}

func TestResubscribingWhile_PullsUntilPredicateFails(t *testing.T) {
	remaining := 7
	pulls := 0
	batches := reactive.Create(func(o reactive.Observer[int]) reactive.Disposable {
		pulls++
		n := remaining
		if n > 3 {
			n = 3
		}
		remaining -= n
		o(n)
		return nil
	})

	var r recorder[int]
	reactive.ResubscribingWhile(batches, func(n int) bool { return n == 3 }).Subscribe(r.observe)

	assert.Equal(t, []int{3, 3, 1}, r.get())
	assert.Equal(t, 3, pulls)
}

func TestObserveOn_DeliversOnScheduler(t *testing.T) {
	sched := reactive.NewSerialScheduler("test")
	t.Cleanup(sched.Close)
	s := reactive.NewSubject[int]()
	var r recorder[int]
	reactive.ObserveOn[int](s, sched).Subscribe(r.observe)

	s.OnNext(1)
	s.OnNext(2)

	require.Eventually(t, func() bool { return len(r.get()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1, 2}, r.get())
}

func TestSubscribeOn_DisposeBeforeRunPreventsSubscription(t *testing.T) {
	sched := reactive.NewSerialScheduler("test")
	t.Cleanup(sched.Close)
	block := make(chan struct{})
	sched.Execute(func() { <-block })

	var subscribed atomic.Bool
	src := reactive.Create(func(o reactive.Observer[int]) reactive.Disposable {
		subscribed.Store(true)
		return nil
	})
	d := reactive.SubscribeOn(src, sched).Subscribe(func(int) {})
	d.Dispose()
	close(block)

	done := make(chan struct{})
	sched.Execute(func() { close(done) })
	<-done
	assert.False(t, subscribed.Load())
}
