package datastore_test

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/dispatchq/internal/datastore"
	"github.com/snehjoshi/dispatchq/internal/reactive"
	"github.com/snehjoshi/dispatchq/internal/storage"
	"github.com/snehjoshi/dispatchq/internal/storage/memory"
	"github.com/snehjoshi/dispatchq/internal/types"
)

// ---- helpers ----------------------------------------------------------------

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type collector[T any] struct {
	mu     sync.Mutex
	values []T
}

func (c *collector[T]) observe(v T) {
	c.mu.Lock()
	c.values = append(c.values, v)
	c.mu.Unlock()
}

func (c *collector[T]) get() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.values...)
}

func newStore(t *testing.T) (*datastore.DataStore, *clock) {
	t.Helper()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	p := datastore.NewStoreProvider(memory.New(), datastore.WithClock(clk.Now))
	s, err := p.ModuleStore("trace")
	require.NoError(t, err)
	return s, clk
}

// failingRepo fails every transaction.
type failingRepo struct {
	storage.KeyValueRepository
	fail atomic.Bool
}

func (f *failingRepo) Transactionally(fn func(storage.KeyValueRepository) error) error {
	if f.fail.Load() {
		return &storage.PersistenceError{Op: "transaction", Err: errors.New("disk full")}
	}
	return f.KeyValueRepository.Transactionally(fn)
}

// ---- tests ------------------------------------------------------------------

func TestEditor_CommitAppliesOnce(t *testing.T) {
	s, _ := newStore(t)
	var updates collector[types.DataObject]
	s.OnDataUpdated().Subscribe(updates.observe)

	ed := s.Edit().Put("trace_id", "12345", types.ExpirySession)
	require.NoError(t, ed.Commit())
	require.NoError(t, ed.Commit())

	v, ok := s.GetString("trace_id")
	require.True(t, ok)
	assert.Equal(t, "12345", v)
	require.Len(t, updates.get(), 1)
	assert.Equal(t, types.DataObject{"trace_id": "12345"}, updates.get()[0])
}

func TestEditor_NothingWrittenBeforeCommit(t *testing.T) {
	s, _ := newStore(t)
	ed := s.Edit().Put("a", 1, types.ExpiryForever)
	_, ok := s.Get("a")
	assert.False(t, ok)
	require.NoError(t, ed.Commit())
	assert.Equal(t, 1, s.Count())
}

func TestEditor_RemoveAndClearEmitRemovedKeys(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Edit().
		Put("a", 1, types.ExpiryForever).
		Put("b", 2, types.ExpiryForever).
		Commit())

	var removed collector[[]string]
	s.OnDataRemoved().Subscribe(removed.observe)

	require.NoError(t, s.Edit().Remove("a", "missing").Commit())
	require.NoError(t, s.Edit().Clear().Put("c", 3, types.ExpiryForever).Commit())

	assert.Equal(t, [][]string{{"a"}, {"b"}}, removed.get())
	assert.Equal(t, []string{"c"}, s.Keys())
}

func TestEditor_PutAllNilRemoves(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Edit().Put("gone", true, types.ExpiryForever).Commit())
	require.NoError(t, s.Edit().PutAll(types.DataObject{"gone": nil, "kept": "x"}, types.ExpiryForever).Commit())
	assert.Equal(t, types.DataObject{"kept": "x"}, s.GetAll())
}

func TestEditor_EncodeErrorReportedOnCommit(t *testing.T) {
	s, _ := newStore(t)
	err := s.Edit().Put("bad", make(chan int), types.ExpiryForever).Commit()
	require.Error(t, err)
	assert.Zero(t, s.Count())
}

func TestEditor_FailedCommitCanBeRetried(t *testing.T) {
	repo, err := memory.New().Repository("ns")
	require.NoError(t, err)
	f := &failingRepo{KeyValueRepository: repo}
	f.fail.Store(true)
	s := datastore.New("ns", f)

	ed := s.Edit().Put("k", "v", types.ExpiryForever)
	err = ed.Commit()
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrPersistence)
	_, ok := s.Get("k")
	assert.False(t, ok)

	f.fail.Store(false)
	require.NoError(t, ed.Commit())
	v, ok := s.GetString("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestGet_ExpiredValueReportedExactlyOnce(t *testing.T) {
	s, clk := newStore(t)
	require.NoError(t, s.Edit().
		Put("short", "x", types.ExpiryAfter(clk.Now(), time.Minute)).
		Put("long", "y", types.ExpiryForever).
		Commit())

	var removed collector[[]string]
	var expired collector[types.DataObject]
	s.OnDataRemoved().Subscribe(removed.observe)
	s.OnDataExpired().Subscribe(expired.observe)

	_, ok := s.Get("short")
	require.True(t, ok)

	clk.Advance(2 * time.Minute)
	_, ok = s.Get("short")
	assert.False(t, ok)
	_, ok = s.Get("short")
	assert.False(t, ok)
	assert.Equal(t, []string{"long"}, s.Keys())

	assert.Equal(t, [][]string{{"short"}}, removed.get())
	assert.Equal(t, []types.DataObject{{"short": "x"}}, expired.get())
}

// overwritingRepo writes a fresh value right after a read of key returns,
// the way a concurrent writer would between the read and the expiry.
type overwritingRepo struct {
	storage.KeyValueRepository
	key   string
	armed atomic.Bool
}

func (r *overwritingRepo) Get(key string) (storage.Entry, bool, error) {
	e, ok, err := r.KeyValueRepository.Get(key)
	if key == r.key && r.armed.CompareAndSwap(true, false) {
		if _, werr := r.KeyValueRepository.Upsert(key, []byte(`"fresh"`), types.ExpiryForever); werr != nil {
			return e, ok, werr
		}
	}
	return e, ok, err
}

func TestGet_ValueRewrittenAfterStaleReadSurvives(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	inner, err := memory.New().Repository("trace")
	require.NoError(t, err)
	repo := &overwritingRepo{KeyValueRepository: inner, key: "k"}
	s := datastore.New("trace", repo, datastore.WithClock(clk.Now))

	require.NoError(t, s.Edit().Put("k", "old", types.ExpiryAfter(clk.Now(), time.Minute)).Commit())
	var expired collector[types.DataObject]
	s.OnDataExpired().Subscribe(expired.observe)

	clk.Advance(2 * time.Minute)
	repo.armed.Store(true)
	_, ok := s.Get("k")
	assert.False(t, ok, "the read itself saw the expired value")

	v, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, "fresh", v)
	assert.Empty(t, expired.get())
}

func TestClearSession_RemovesSessionValuesOnce(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	p := datastore.NewStoreProvider(memory.New(), datastore.WithClock(clk.Now))
	trace, err := p.ModuleStore("trace")
	require.NoError(t, err)
	shared, err := p.SharedStore()
	require.NoError(t, err)

	require.NoError(t, trace.Edit().Put("trace_id", "12345", types.ExpirySession).Commit())
	require.NoError(t, shared.Edit().Put("visitor", "v1", types.ExpiryForever).Commit())

	var removed collector[[]string]
	trace.OnDataRemoved().Subscribe(removed.observe)

	require.NoError(t, p.ClearSession())
	require.NoError(t, p.ClearSession())

	_, ok := trace.Get("trace_id")
	assert.False(t, ok)
	assert.Equal(t, [][]string{{"trace_id"}}, removed.get())
	v, ok := shared.GetString("visitor")
	require.True(t, ok)
	assert.Equal(t, "v1", v)
}

func TestSweepExpired_RemovesTimedOutValues(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	p := datastore.NewStoreProvider(memory.New(), datastore.WithClock(clk.Now))
	s, err := p.ModuleStore("m")
	require.NoError(t, err)
	require.NoError(t, s.Edit().
		Put("a", 1, types.ExpiryAfter(clk.Now(), time.Second)).
		Put("b", 2, types.ExpiryForever).
		Commit())

	clk.Advance(time.Minute)
	n, err := p.SweepExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"b"}, s.Keys())
}

func TestStartSweeper_RunsPeriodically(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	p := datastore.NewStoreProvider(memory.New(), datastore.WithClock(clk.Now))
	s, err := p.ModuleStore("m")
	require.NoError(t, err)
	require.NoError(t, s.Edit().Put("a", 1, types.ExpiryAfter(clk.Now(), time.Second)).Commit())
	clk.Advance(time.Minute)

	var expired collector[types.DataObject]
	s.OnDataExpired().Subscribe(expired.observe)

	io := reactive.NewPoolScheduler("io", 1)
	t.Cleanup(io.Close)
	d := p.StartSweeper(io, 10*time.Millisecond)
	t.Cleanup(d.Dispose)

	require.Eventually(t, func() bool { return len(expired.get()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestGetAs_RoundTripsStructuredValues(t *testing.T) {
	type profile struct {
		Name   string   `json:"name"`
		Visits int      `json:"visits"`
		Tags   []string `json:"tags"`
	}
	s, _ := newStore(t)
	in := profile{Name: "ada", Visits: 3, Tags: []string{"a", "b"}}
	require.NoError(t, s.Edit().Put("profile", in, types.ExpiryForever).Commit())

	var out profile
	found, err := s.GetAs("profile", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, in, out)

	v, ok := s.Get("profile")
	require.True(t, ok)
	obj, ok := v.(types.DataObject)
	require.True(t, ok)
	visits, ok := obj.GetInt("visits")
	require.True(t, ok)
	assert.EqualValues(t, 3, visits)
	assert.Equal(t, json.Number("3"), obj["visits"])
}

func TestModuleStores_AreIsolated(t *testing.T) {
	p := datastore.NewStoreProvider(memory.New())
	a, err := p.ModuleStore("a")
	require.NoError(t, err)
	b, err := p.ModuleStore("b")
	require.NoError(t, err)
	again, err := p.ModuleStore("a")
	require.NoError(t, err)
	assert.Same(t, a, again)

	require.NoError(t, a.Edit().Put("k", 1, types.ExpiryForever).Commit())
	_, ok := b.Get("k")
	assert.False(t, ok)

	_, err = p.ModuleStore("")
	assert.Error(t, err)
}
