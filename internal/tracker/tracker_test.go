package tracker_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/dispatchq/internal/config"
	"github.com/snehjoshi/dispatchq/internal/consent"
	"github.com/snehjoshi/dispatchq/internal/modules/trace"
	"github.com/snehjoshi/dispatchq/internal/modules/visitor"
	"github.com/snehjoshi/dispatchq/internal/pipeline"
	"github.com/snehjoshi/dispatchq/internal/reactive"
	"github.com/snehjoshi/dispatchq/internal/settings"
	"github.com/snehjoshi/dispatchq/internal/tracker"
	"github.com/snehjoshi/dispatchq/internal/types"
)

const recorderType = "recorder"

// recorder is a dispatcher that reports a fixed status for every dispatch.
type recorder struct {
	mu        sync.Mutex
	status    types.TrackStatus
	delivered []*types.Dispatch
}

func (r *recorder) DispatchLimit() int { return 1 }

func (r *recorder) Dispatch(ds []*types.Dispatch, done func([]types.TrackResult)) reactive.Disposable {
	r.mu.Lock()
	status := r.status
	if status == types.TrackDelivered {
		r.delivered = append(r.delivered, ds...)
	}
	r.mu.Unlock()
	out := make([]types.TrackResult, len(ds))
	for i, d := range ds {
		out[i] = types.TrackResult{Dispatch: d, Status: status}
	}
	done(out)
	return reactive.Disposed()
}

func (r *recorder) setStatus(s types.TrackStatus) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

func (r *recorder) got() []*types.Dispatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.Dispatch(nil), r.delivered...)
}

type recorderFactory struct{ r *recorder }

func (f recorderFactory) ModuleType() string { return recorderType }

func (f recorderFactory) Create(string, pipeline.ModuleContext, types.DataObject) (*pipeline.Module, error) {
	return &pipeline.Module{Dispatcher: f.r, Instance: f.r}, nil
}

func (f recorderFactory) EnforcedSettings() map[string]settings.ModuleSettings { return nil }

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.InMemory = true
	cfg.Pipeline.RetryInitial = 5 * time.Millisecond
	cfg.Pipeline.RetryMax = 20 * time.Millisecond
	return cfg
}

func newTracker(t *testing.T, cfg *config.Config, r *recorder, opts ...tracker.Option) *tracker.Tracker {
	t.Helper()
	factories := []pipeline.ModuleFactory{visitor.NewFactory(), trace.NewFactory(nil), recorderFactory{r}}
	tr, err := tracker.New(cfg, factories, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Shutdown(context.Background()) })
	return tr
}

func trackSync(t *testing.T, tr *tracker.Tracker, name string, data types.DataObject) types.TrackResult {
	t.Helper()
	d, err := tr.NewDispatch(name, types.DispatchEvent, data)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := tr.TrackSync(ctx, d)
	require.NoError(t, err)
	return res
}

func TestTrackDeliversThroughModules(t *testing.T) {
	r := &recorder{status: types.TrackDelivered}
	tr := newTracker(t, memoryConfig(), r)

	res := trackSync(t, tr, "purchase", types.DataObject{"total": 12})
	require.Equal(t, types.TrackAccepted, res.Status, res.Info)

	require.Eventually(t, func() bool { return len(r.got()) == 1 }, 2*time.Second, 5*time.Millisecond)
	p := r.got()[0].Payload()
	assert.Equal(t, "purchase", p[types.KeyEvent])
	assert.NotEmpty(t, p[types.KeyVisitorID], "visitor collector ran")
	assert.NotNil(t, p[types.KeySessionID], "session registered the dispatch")
	assert.Equal(t, true, p[types.KeyIsNewSession])

	require.Eventually(t, func() bool { return tr.QueueSizes()[recorderType] == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestTrackResultsStream(t *testing.T) {
	r := &recorder{status: types.TrackDelivered}
	tr := newTracker(t, memoryConfig(), r)

	var mu sync.Mutex
	var statuses []types.TrackStatus
	sub := tr.OnTrackResult().Subscribe(func(res types.TrackResult) {
		mu.Lock()
		statuses = append(statuses, res.Status)
		mu.Unlock()
	})
	defer sub.Dispose()

	trackSync(t, tr, "view", nil)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) == 2
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []types.TrackStatus{types.TrackAccepted, types.TrackDelivered}, statuses)
}

func TestDisableLibraryDrops(t *testing.T) {
	r := &recorder{status: types.TrackDelivered}
	tr := newTracker(t, memoryConfig(), r,
		tracker.WithEnforcedSettings(types.DataObject{"core": map[string]any{"disable_library": true}}))

	res := trackSync(t, tr, "view", nil)
	assert.Equal(t, types.TrackDropped, res.Status)
}

func TestShutdown(t *testing.T) {
	r := &recorder{status: types.TrackDelivered}
	tr := newTracker(t, memoryConfig(), r)

	require.NoError(t, tr.Shutdown(context.Background()))
	require.NoError(t, tr.Shutdown(context.Background()), "second shutdown is a no-op")

	d := types.NewDispatch("late", "view", types.DispatchView, nil, time.Now())
	_, err := tr.TrackSync(context.Background(), d)
	assert.ErrorIs(t, err, tracker.ErrShutdown)
	assert.ErrorIs(t, tr.Flush(), tracker.ErrShutdown)
	_, err = tr.Module(visitor.ModuleType)
	assert.ErrorIs(t, err, tracker.ErrShutdown)
}

func TestDroppedDispatchesAreDeadLettered(t *testing.T) {
	r := &recorder{status: types.TrackDropped}
	tr := newTracker(t, memoryConfig(), r)

	res := trackSync(t, tr, "rejected", nil)
	require.Equal(t, types.TrackAccepted, res.Status)

	dl, err := tr.DeadLetters()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return dl.Len(recorderType) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return tr.QueueSizes()[recorderType] == 0 }, 2*time.Second, 5*time.Millisecond,
		"dropped dispatches leave the queue")

	entries, err := dl.Peek(recorderType, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, res.Dispatch.ID(), entries[0].Dispatch.ID())

	r.setStatus(types.TrackDelivered)
	n, err := dl.Replay(recorderType, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Eventually(t, func() bool { return len(r.got()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, res.Dispatch.ID(), r.got()[0].ID())
	assert.Zero(t, dl.Len(recorderType))
}

func TestDeadLettersDisabled(t *testing.T) {
	cfg := memoryConfig()
	cfg.DeadLetter.Enabled = false
	tr := newTracker(t, cfg, &recorder{status: types.TrackDelivered})
	_, err := tr.DeadLetters()
	assert.ErrorIs(t, err, tracker.ErrDeadLettersDisabled)
}

func TestQueuedDispatchesSurviveRestart(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Pipeline.RetryInitial = time.Hour
	cfg.Pipeline.RetryMax = time.Hour

	failing := &recorder{status: types.TrackFailed}
	first, err := tracker.New(cfg, []pipeline.ModuleFactory{recorderFactory{failing}})
	require.NoError(t, err)
	assert.True(t, first.Persistent())
	instance := first.InstanceID()

	res := trackSync(t, first, "purchase", nil)
	require.Equal(t, types.TrackAccepted, res.Status)
	require.NoError(t, first.Shutdown(context.Background()))

	ok := &recorder{status: types.TrackDelivered}
	second := newTracker(t, cfg, ok)
	assert.Equal(t, instance, second.InstanceID())
	require.Eventually(t, func() bool { return len(ok.got()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, res.Dispatch.ID(), ok.got()[0].ID())
}

func TestConsentGatesDelivery(t *testing.T) {
	cmp := consent.NewStaticCmp("static", []string{"tealium", "analytics"})
	r := &recorder{status: types.TrackDelivered}
	tr := newTracker(t, memoryConfig(), r,
		tracker.WithCmp(cmp),
		tracker.WithEnforcedSettings(types.DataObject{"consent": map[string]any{
			"static": map[string]any{
				"tealium_purpose_id": "tealium",
				"purposes": map[string]any{
					"analytics": map[string]any{"purpose_id": "analytics", "dispatcher_ids": []any{recorderType}},
				},
			},
		}}),
	)

	res := trackSync(t, tr, "purchase", nil)
	require.Equal(t, types.TrackAccepted, res.Status)
	assert.Equal(t, 1, tr.QueueSizes()[consent.QueueID], "queued until the visitor decides")
	assert.Empty(t, r.got())

	cmp.SetDecision(types.ConsentDecision{Type: types.DecisionExplicit, Purposes: []string{"tealium", "analytics"}})
	require.Eventually(t, func() bool { return len(r.got()) == 1 }, 2*time.Second, 5*time.Millisecond)

	mgr, err := tr.Consent()
	require.NoError(t, err)
	assert.False(t, mgr.TealiumConsentExplicitlyBlocked())
}

func TestConsentDisabled(t *testing.T) {
	tr := newTracker(t, memoryConfig(), &recorder{status: types.TrackDelivered})
	_, err := tr.Consent()
	assert.ErrorIs(t, err, tracker.ErrConsentDisabled)
}

func TestModuleAs(t *testing.T) {
	tr := newTracker(t, memoryConfig(), &recorder{status: types.TrackDelivered})

	tm, err := tracker.ModuleAs[*trace.Module](tr, trace.ModuleType)
	require.NoError(t, err)
	require.NoError(t, tm.Join("trace-1"))

	_, err = tracker.ModuleAs[*trace.Module](tr, visitor.ModuleType)
	assert.Error(t, err)

	_, err = tr.Module("nope")
	assert.ErrorIs(t, err, pipeline.ErrModuleNotEnabled)
}

func TestSettingsChangeDisablesModule(t *testing.T) {
	tr := newTracker(t, memoryConfig(), &recorder{status: types.TrackDelivered})
	_, err := tr.Module(trace.ModuleType)
	require.NoError(t, err)

	require.NoError(t, tr.SetSettings(types.DataObject{"modules": map[string]any{
		trace.ModuleType: map[string]any{"module_type": trace.ModuleType, "enabled": false},
	}}))
	require.Eventually(t, func() bool {
		_, err := tr.Module(trace.ModuleType)
		return errors.Is(err, pipeline.ErrModuleNotEnabled)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLogLevelFollowsSettings(t *testing.T) {
	lv := new(slog.LevelVar)
	tr := newTracker(t, memoryConfig(), &recorder{status: types.TrackDelivered}, tracker.WithLogLevel(lv))
	assert.Equal(t, slog.LevelInfo, lv.Level())

	require.NoError(t, tr.SetSettings(types.DataObject{"core": map[string]any{"log_level": "debug"}}))
	require.Eventually(t, func() bool { return lv.Level() == slog.LevelDebug }, 2*time.Second, 5*time.Millisecond)
}

func TestParseLevel(t *testing.T) {
	lv, ok := tracker.ParseLevel("WARN")
	assert.True(t, ok)
	assert.Equal(t, slog.LevelWarn, lv)

	_, ok = tracker.ParseLevel("loud")
	assert.False(t, ok)
}
