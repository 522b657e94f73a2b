package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/snehjoshi/dispatchq/internal/consent"
	"github.com/snehjoshi/dispatchq/internal/metrics"
	"github.com/snehjoshi/dispatchq/internal/reactive"
	"github.com/snehjoshi/dispatchq/internal/types"
)

const tracerName = "github.com/snehjoshi/dispatchq/internal/pipeline"

const (
	// DefaultMaxInFlight caps the dispatches a dispatcher may hold at once.
	DefaultMaxInFlight = 50

	defaultRetryInitial = 500 * time.Millisecond
	defaultRetryMax     = time.Minute
)

// ─── Collaborators ───────────────────────────────────────────────────────────

// Queue is the subset of queue.Manager the dispatch loop uses.
type Queue interface {
	StoreDispatches(dispatches []*types.Dispatch, processors []string) error
	DequeueDispatches(limit int, processor string) ([]*types.Dispatch, error)
	DeleteDispatches(dispatches []*types.Dispatch, processor string) error
	ReleaseDispatches(dispatches []*types.Dispatch, processor string)
	InFlight() map[string][]string
	InFlightCount(processor string) reactive.Observable[int]
	QueueSizes() map[string]int
	OnEnqueued() reactive.Observable[[]string]
	OnDeleted() reactive.Observable[[]string]
}

// ConsentStage is the subset of consent.Manager the pipeline uses.
type ConsentStage interface {
	ApplyConsent(d *types.Dispatch) types.TrackResult
	TealiumConsentExplicitlyBlocked() bool
	Configuration() reactive.ObservableState[*types.ConsentConfiguration]
}

// BarrierStates reports the combined barrier state per dispatcher.
type BarrierStates interface {
	OnBarriersState(dispatcherID string) reactive.Observable[types.BarrierState]
}

// ─── Options ─────────────────────────────────────────────────────────────────

// DispatchOption configures a DispatchManager.
type DispatchOption func(*DispatchManager)

// WithDispatchLogger sets the logger. Default slog.Default().
func WithDispatchLogger(l *slog.Logger) DispatchOption {
	return func(m *DispatchManager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithConsent routes dispatches through the consent stage. Without it every
// tracked dispatch is queued for every dispatcher.
func WithConsent(c ConsentStage) DispatchOption {
	return func(m *DispatchManager) { m.consent = c }
}

// WithScheduler runs the dispatch loop on s. Default: a private serial
// scheduler.
func WithScheduler(s reactive.Scheduler) DispatchOption {
	return func(m *DispatchManager) {
		if s != nil {
			m.sched = s
		}
	}
}

// WithMaxInFlight overrides DefaultMaxInFlight.
func WithMaxInFlight(n int) DispatchOption {
	return func(m *DispatchManager) {
		if n > 0 {
			m.maxInFlight = n
		}
	}
}

// WithRetryBackOff sets the delay bounds applied after a dispatcher reports
// failures. The delay grows exponentially and resets on success.
func WithRetryBackOff(initial, max time.Duration) DispatchOption {
	return func(m *DispatchManager) {
		if initial > 0 {
			m.retryInitial = initial
		}
		if max > 0 {
			m.retryMax = max
		}
	}
}

// WithMetrics records track and delivery outcomes.
func WithMetrics(r *metrics.Registry) DispatchOption {
	return func(m *DispatchManager) { m.metrics = r }
}

// WithTracerProvider sets the OpenTelemetry provider. Default: the global one.
func WithTracerProvider(tp trace.TracerProvider) DispatchOption {
	return func(m *DispatchManager) {
		if tp != nil {
			m.tracer = tp.Tracer(tracerName)
		}
	}
}

// ─── DispatchManager ─────────────────────────────────────────────────────────

// DispatchManager accepts dispatches and drives them to the dispatchers.
type DispatchManager struct {
	modules      *ModuleManager
	queue        Queue
	barriers     BarrierStates
	transformers *TransformerCoordinator
	mappings     *MappingsEngine
	consent      ConsentStage

	sched        reactive.Scheduler
	ownSched     *reactive.QueueScheduler
	maxInFlight  int
	retryInitial time.Duration
	retryMax     time.Duration
	metrics      *metrics.Registry
	tracer       trace.Tracer
	log          *slog.Logger

	results *reactive.Subject[types.TrackResult]

	mu       sync.Mutex
	running  bool
	loop     *reactive.CompositeDisposable
	loops    map[string]*dispatcherLoop
	retries  map[string]*backoff.ExponentialBackOff
	shutdown bool
}

// dispatcherLoop is the running state of one dispatcher.
type dispatcherLoop struct {
	module *Module
	// backingOff is true between a failed delivery and its retry; no batch
	// is dequeued meanwhile so the failed dispatches are sent again first.
	backingOff *reactive.StateSubject[bool]
	retryTimer reactive.SerialDisposable
	sub        reactive.Disposable
	batches    map[*batch]struct{}
}

// batch is one Dispatch call awaiting completion.
type batch struct {
	dispatches []*types.Dispatch
	handle     reactive.Disposable
	started    time.Time
	span       trace.Span
	done       bool
}

// NewDispatchManager wires the pipeline stages. The loop starts with
// StartDispatchLoop.
func NewDispatchManager(
	modules *ModuleManager,
	q Queue,
	barriers BarrierStates,
	transformers *TransformerCoordinator,
	mappings *MappingsEngine,
	opts ...DispatchOption,
) *DispatchManager {
	m := &DispatchManager{
		modules:      modules,
		queue:        q,
		barriers:     barriers,
		transformers: transformers,
		mappings:     mappings,
		maxInFlight:  DefaultMaxInFlight,
		retryInitial: defaultRetryInitial,
		retryMax:     defaultRetryMax,
		tracer:       otel.Tracer(tracerName),
		log:          slog.Default(),
		results:      reactive.NewSubject[types.TrackResult](),
		loops:        make(map[string]*dispatcherLoop),
		retries:      make(map[string]*backoff.ExponentialBackOff),
	}
	for _, o := range opts {
		o(m)
	}
	if m.sched == nil {
		m.ownSched = reactive.NewSerialScheduler("dispatch")
		m.sched = m.ownSched
	}
	m.log = m.log.With("component", "dispatch")
	return m
}

// OnTrackResult emits every track outcome and every per-dispatcher
// delivery outcome.
func (m *DispatchManager) OnTrackResult() reactive.Observable[types.TrackResult] {
	return m.results.AsObservable()
}

// ─── Track ───────────────────────────────────────────────────────────────────

// Track runs the collectors, the AfterCollectors transformations and the
// consent stage, and queues the dispatch for the dispatchers. The result is
// Accepted once the dispatch is persisted, or Dropped.
func (m *DispatchManager) Track(ctx context.Context, src types.Source, d *types.Dispatch) types.TrackResult {
	ctx, span := m.tracer.Start(ctx, "pipeline.track",
		trace.WithAttributes(
			attribute.String("dispatch.id", d.ID()),
			attribute.String("dispatch.event", d.Name()),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	res := m.track(src, d)

	span.SetAttributes(attribute.String("track.status", res.Status.String()))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	m.metrics.ObserveTrack(res)
	m.log.DebugContext(ctx, "dispatch: tracked", "dispatch", d.LogDescription(), "status", res.Status.String(), "info", res.Info)
	m.results.OnNext(res)
	return res
}

func (m *DispatchManager) track(src types.Source, d *types.Dispatch) types.TrackResult {
	if m.consent != nil && m.consent.TealiumConsentExplicitlyBlocked() {
		return types.Dropped(d, "tealium consent explicitly blocked")
	}
	m.collect(src, d)

	transformed := m.transformers.Transform(d, AfterCollectors)
	if transformed == nil {
		return types.Dropped(d, "dropped by transformers")
	}
	if m.consent != nil {
		return m.consent.ApplyConsent(transformed)
	}

	ids := m.modules.DispatcherIDs().Value()
	if err := m.queue.StoreDispatches([]*types.Dispatch{transformed}, ids); err != nil {
		res := types.Dropped(transformed, "queue write failed")
		res.Err = err
		return res
	}
	return types.Accepted(transformed, fmt.Sprintf("queued for dispatchers %v", ids))
}

func (m *DispatchManager) collect(src types.Source, d *types.Dispatch) {
	collectors := m.modules.Collectors()
	if len(collectors) == 0 {
		return
	}
	ctx := types.NewDispatchContext(src, d)
	for _, mod := range collectors {
		if data := m.safeCollect(mod, ctx); len(data) > 0 {
			d.AddAll(data)
		}
	}
}

func (m *DispatchManager) safeCollect(mod *Module, ctx types.DispatchContext) (data types.DataObject) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("dispatch: collector panicked",
				"module", mod.ID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			data = nil
		}
	}()
	return mod.Collector.Collect(ctx)
}

// ─── Dispatch loop ───────────────────────────────────────────────────────────

// StartDispatchLoop starts one loop per enabled dispatcher and follows
// dispatcher changes. Calling it while running is a no-op.
func (m *DispatchManager) StartDispatchLoop() {
	m.mu.Lock()
	if m.running || m.shutdown {
		m.mu.Unlock()
		return
	}
	m.running = true
	loop := reactive.NewCompositeDisposable()
	m.loop = loop
	m.mu.Unlock()

	dispatchers := reactive.ObserveOn[[]*Module](m.modules.Dispatchers(), m.sched)
	loop.Add(dispatchers.Subscribe(m.syncLoops))

	if m.metrics != nil {
		changes := reactive.Merge(m.queue.OnEnqueued(), m.queue.OnDeleted())
		loop.Add(changes.Subscribe(func([]string) {
			m.metrics.SetQueueSizes(m.queue.QueueSizes())
		}))
	}
	m.log.Info("dispatch: loop started")
}

// StopDispatchLoop stops every loop. Batches still in flight are abandoned
// and their dispatches stay queued.
func (m *DispatchManager) StopDispatchLoop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	loop := m.loop
	m.loop = nil
	loops := m.loops
	m.loops = make(map[string]*dispatcherLoop)
	m.mu.Unlock()

	loop.Dispose()
	for _, l := range loops {
		m.stopLoop(l)
	}
	m.log.Info("dispatch: loop stopped")
}

// Shutdown stops the loop and the private scheduler.
func (m *DispatchManager) Shutdown() {
	m.StopDispatchLoop()
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
	if m.ownSched != nil {
		m.ownSched.Close()
	}
}

// syncLoops starts loops for new dispatchers and stops removed ones. It runs
// on the loop scheduler.
func (m *DispatchManager) syncLoops(dispatchers []*Module) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	wanted := make(map[string]*Module, len(dispatchers))
	for _, mod := range dispatchers {
		wanted[mod.ID] = mod
	}
	var stale []*dispatcherLoop
	for id, l := range m.loops {
		if mod, ok := wanted[id]; !ok || mod != l.module {
			stale = append(stale, l)
			delete(m.loops, id)
		}
	}
	var started []*dispatcherLoop
	for _, mod := range dispatchers {
		if _, ok := m.loops[mod.ID]; ok {
			continue
		}
		l := &dispatcherLoop{
			module:     mod,
			backingOff: reactive.NewStateSubject(false),
			batches:    make(map[*batch]struct{}),
		}
		m.loops[mod.ID] = l
		started = append(started, l)
	}
	m.mu.Unlock()

	for _, l := range stale {
		m.stopLoop(l)
	}
	for _, l := range started {
		m.startLoop(l)
	}
}

func (m *DispatchManager) startLoop(l *dispatcherLoop) {
	id := l.module.ID
	m.log.Debug("dispatch: starting dispatcher loop", "dispatcher", id)

	barrierState := reactive.ObserveOn(m.barriers.OnBarriersState(id), m.sched)
	open := reactive.Map(barrierState, func(s types.BarrierState) bool {
		m.metrics.SetBarrierState(id, s)
		return s == types.BarrierOpen
	})
	if m.consent != nil {
		configured := reactive.Map[*types.ConsentConfiguration, bool](m.consent.Configuration(), func(c *types.ConsentConfiguration) bool {
			return c != nil
		})
		open = reactive.Combine(open, reactive.ObserveOn(configured, m.sched), func(a, b bool) bool { return a && b })
	}
	open = reactive.Combine[bool, bool, bool](open, l.backingOff, func(o, waiting bool) bool { return o && !waiting })

	batches := reactive.FlatMapLatest(reactive.Distinct(open), func(open bool) reactive.Observable[[]*types.Dispatch] {
		if !open {
			m.log.Debug("dispatch: dispatcher gated", "dispatcher", id)
			return reactive.Empty[[]*types.Dispatch]()
		}
		return m.dequeueLoop(l)
	})

	sub := batches.Subscribe(func(ds []*types.Dispatch) { m.process(l, ds) })
	m.mu.Lock()
	l.sub = sub
	m.mu.Unlock()
}

// dequeueLoop pulls batches of DispatchLimit on subscription, whenever new
// dispatches are queued for the dispatcher or in-flight capacity frees up.
// Full batches pull again immediately.
func (m *DispatchManager) dequeueLoop(l *dispatcherLoop) reactive.Observable[[]*types.Dispatch] {
	id := l.module.ID
	limit := l.module.Dispatcher.DispatchLimit()
	if limit <= 0 {
		limit = 1
	}

	enqueued := reactive.Map(
		reactive.Filter(m.queue.OnEnqueued(), func(processors []string) bool { return contains(processors, id) }),
		func([]string) struct{} { return struct{}{} },
	)
	triggers := reactive.StartWith(
		reactive.ObserveOn(enqueued, m.sched),
		struct{}{},
	)

	pull := reactive.FlatMapLatest(triggers, func(struct{}) reactive.Observable[[]*types.Dispatch] {
		inFlight := reactive.StartWith(
			reactive.ObserveOn(m.queue.InFlightCount(id), m.sched),
			len(m.queue.InFlight()[id]),
		)
		capacity := reactive.First(reactive.Filter(inFlight, func(n int) bool { return n < m.maxInFlight }))
		dequeued := reactive.Map(capacity, func(int) []*types.Dispatch {
			ds, err := m.queue.DequeueDispatches(limit, id)
			if err != nil {
				m.log.Warn("dispatch: dequeue failed", "dispatcher", id, "err", err)
				return nil
			}
			return ds
		})
		return reactive.Filter(dequeued, func(ds []*types.Dispatch) bool { return len(ds) > 0 })
	})
	return reactive.ResubscribingWhile(pull, func(ds []*types.Dispatch) bool { return len(ds) >= limit })
}

func (m *DispatchManager) stopLoop(l *dispatcherLoop) {
	m.mu.Lock()
	sub := l.sub
	l.sub = nil
	var abandoned []*batch
	for b := range l.batches {
		b.done = true
		abandoned = append(abandoned, b)
	}
	l.batches = make(map[*batch]struct{})
	m.mu.Unlock()

	if sub != nil {
		sub.Dispose()
	}
	l.retryTimer.Dispose()
	for _, b := range abandoned {
		m.mu.Lock()
		h := b.handle
		m.mu.Unlock()
		if h != nil {
			h.Dispose()
		}
		b.span.SetStatus(codes.Error, "abandoned")
		b.span.End()
		m.queue.ReleaseDispatches(b.dispatches, l.module.ID)
	}
	m.log.Debug("dispatch: stopped dispatcher loop", "dispatcher", l.module.ID, "abandoned", len(abandoned))
}

// process applies the dispatcher-scoped stages and hands the survivors to
// the dispatcher.
func (m *DispatchManager) process(l *dispatcherLoop, ds []*types.Dispatch) {
	id := l.module.ID
	var results []types.TrackResult

	if m.consent != nil {
		if cfg := m.consent.Configuration().Value(); cfg != nil {
			var allowed, denied []*types.Dispatch
			for _, d := range ds {
				if consent.MatchesConfiguration(d, *cfg, id) {
					allowed = append(allowed, d)
				} else {
					denied = append(denied, d)
				}
			}
			results = append(results, m.drop(id, denied, "purposes required by dispatcher not consented")...)
			ds = allowed
		}
	}

	kept, dropped := m.transformers.TransformAll(ds, DispatcherScope(id))
	results = append(results, m.drop(id, dropped, "dropped by transformers")...)
	for i, d := range kept {
		kept[i] = m.mappings.Map(id, d)
	}
	m.publish(results)
	if len(kept) == 0 {
		return
	}

	_, span := m.tracer.Start(context.Background(), "pipeline.dispatch",
		trace.WithAttributes(
			attribute.String("dispatcher.id", id),
			attribute.Int("dispatch.count", len(kept)),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	b := &batch{dispatches: kept, started: time.Now(), span: span}
	m.mu.Lock()
	l.batches[b] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	done := func(res []types.TrackResult) {
		once.Do(func() {
			m.sched.Execute(func() { m.complete(l, b, res) })
		})
	}
	handle, err := m.safeDispatch(l.module, kept, done)
	if err != nil {
		failedAll := make([]types.TrackResult, 0, len(kept))
		for _, d := range kept {
			failedAll = append(failedAll, types.TrackResult{Dispatch: d, Status: types.TrackFailed, Info: err.Error(), Err: err})
		}
		done(failedAll)
		return
	}
	m.mu.Lock()
	abandoned := b.done && !containsBatch(l, b)
	b.handle = handle
	m.mu.Unlock()
	if abandoned && handle != nil {
		handle.Dispose()
	}
}

func containsBatch(l *dispatcherLoop, b *batch) bool {
	_, ok := l.batches[b]
	return ok
}

func (m *DispatchManager) safeDispatch(mod *Module, ds []*types.Dispatch, done func([]types.TrackResult)) (h reactive.Disposable, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("dispatch: dispatcher panicked",
				"dispatcher", mod.ID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			h, err = nil, fmt.Errorf("pipeline: dispatcher %s panicked: %v", mod.ID, r)
		}
	}()
	return mod.Dispatcher.Dispatch(ds, done), nil
}

// complete applies a dispatcher's results. It runs on the loop scheduler.
func (m *DispatchManager) complete(l *dispatcherLoop, b *batch, res []types.TrackResult) {
	id := l.module.ID
	m.mu.Lock()
	if b.done {
		m.mu.Unlock()
		return
	}
	b.done = true
	delete(l.batches, b)
	m.mu.Unlock()

	byID := make(map[string]types.TrackResult, len(res))
	for _, r := range res {
		if r.Dispatch != nil {
			byID[r.Dispatch.ID()] = r
		}
	}

	var finished, failed []*types.Dispatch
	results := make([]types.TrackResult, 0, len(b.dispatches))
	for _, d := range b.dispatches {
		r, ok := byID[d.ID()]
		if !ok {
			r = types.TrackResult{Dispatch: d, Status: types.TrackFailed, Info: "no result reported"}
		}
		r.Dispatch = d
		r.DispatcherID = id
		switch r.Status {
		case types.TrackDelivered, types.TrackDropped:
			finished = append(finished, d)
		default:
			r.Status = types.TrackFailed
			failed = append(failed, d)
		}
		results = append(results, r)
	}

	if err := m.queue.DeleteDispatches(finished, id); err != nil {
		m.log.Warn("dispatch: delete failed", "dispatcher", id, "err", err)
	}
	took := time.Since(b.started)
	m.metrics.ObserveDelivery(id, results, took)
	b.span.SetAttributes(
		attribute.Int("dispatch.delivered", len(finished)),
		attribute.Int("dispatch.failed", len(failed)),
	)
	if len(failed) > 0 {
		b.span.SetStatus(codes.Error, fmt.Sprintf("%d dispatches failed", len(failed)))
	} else {
		b.span.SetStatus(codes.Ok, "")
	}
	b.span.End()

	if len(failed) == 0 {
		m.resetRetry(id)
	} else {
		delay := m.nextRetry(id)
		m.log.Warn("dispatch: delivery failed, retrying later",
			"dispatcher", id, "failed", len(failed), "retry_in", delay)
		l.backingOff.OnNext(true)
		m.queue.ReleaseDispatches(failed, id)
		l.retryTimer.Set(m.sched.ScheduleAfter(delay, func() { l.backingOff.OnNext(false) }))
	}
	m.log.Debug("dispatch: batch complete", "dispatcher", id, "done", len(finished), "failed", len(failed), "took", took)
	m.publish(results)
}

func (m *DispatchManager) drop(dispatcherID string, ds []*types.Dispatch, info string) []types.TrackResult {
	if len(ds) == 0 {
		return nil
	}
	if err := m.queue.DeleteDispatches(ds, dispatcherID); err != nil {
		m.log.Warn("dispatch: delete failed", "dispatcher", dispatcherID, "err", err)
	}
	out := make([]types.TrackResult, 0, len(ds))
	for _, d := range ds {
		r := types.Dropped(d, info)
		r.DispatcherID = dispatcherID
		out = append(out, r)
	}
	m.metrics.ObserveDelivery(dispatcherID, out, 0)
	return out
}

func (m *DispatchManager) publish(results []types.TrackResult) {
	for _, r := range results {
		m.results.OnNext(r)
	}
}

// ─── Retry delays ────────────────────────────────────────────────────────────

func (m *DispatchManager) nextRetry(dispatcherID string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.retries[dispatcherID]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = m.retryInitial
		b.MaxInterval = m.retryMax
		b.MaxElapsedTime = 0
		b.Reset()
		m.retries[dispatcherID] = b
	}
	d := b.NextBackOff()
	if d == backoff.Stop {
		d = m.retryMax
	}
	return d
}

func (m *DispatchManager) resetRetry(dispatcherID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.retries[dispatcherID]; ok {
		b.Reset()
	}
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
