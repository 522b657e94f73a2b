// Package tracker is the top-level facade of dispatchq.
//
// New wires every layer in dependency order:
//
//	database → data stores → session → settings → modules
//	         → queue → barriers → consent → transformers → dispatch loop
//
// Tracking is asynchronous. Each tracked dispatch runs through the pipeline
// on the core serial scheduler and its listener receives exactly one
// TrackResult on the main scheduler. After Shutdown every call reports
// ErrShutdown.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/dispatchq/internal/barrier"
	"github.com/snehjoshi/dispatchq/internal/config"
	"github.com/snehjoshi/dispatchq/internal/consent"
	"github.com/snehjoshi/dispatchq/internal/datastore"
	"github.com/snehjoshi/dispatchq/internal/dlq"
	"github.com/snehjoshi/dispatchq/internal/ident"
	"github.com/snehjoshi/dispatchq/internal/metrics"
	"github.com/snehjoshi/dispatchq/internal/pipeline"
	"github.com/snehjoshi/dispatchq/internal/queue"
	"github.com/snehjoshi/dispatchq/internal/reactive"
	"github.com/snehjoshi/dispatchq/internal/session"
	"github.com/snehjoshi/dispatchq/internal/settings"
	"github.com/snehjoshi/dispatchq/internal/storage"
	"github.com/snehjoshi/dispatchq/internal/storage/local"
	"github.com/snehjoshi/dispatchq/internal/storage/memory"
	"github.com/snehjoshi/dispatchq/internal/types"
)

var (
	// ErrShutdown is returned by every operation after Shutdown.
	ErrShutdown = errors.New("tracker: shut down")
	// ErrConsentDisabled is returned by consent operations when no CMP is
	// configured.
	ErrConsentDisabled = errors.New("tracker: consent is not enabled")
	// ErrDeadLettersDisabled is returned by DeadLetters when the dead
	// letter store is turned off.
	ErrDeadLettersDisabled = errors.New("tracker: dead letters are not enabled")
)

// Tracker owns one pipeline instance.
type Tracker struct {
	cfg        *config.Config
	instanceID string
	log        *slog.Logger
	level      *slog.LevelVar
	now        func() time.Time
	metrics    *metrics.Registry

	sched    *reactive.Schedulers
	db       storage.Database
	stores   *datastore.StoreProvider
	session  *session.Manager
	settings *settings.Manager
	modules  *pipeline.ModuleManager
	queue    *queue.Manager
	barriers *barrier.Manager
	cmp      consent.CmpAdapter
	consent  *consent.Manager
	dispatch *pipeline.DispatchManager
	dlq      *dlq.Manager
	errors   *reactive.Subject[pipeline.ErrorEvent]

	disposables *reactive.CompositeDisposable

	mu      sync.RWMutex
	ready   bool
	closed  bool
	early   []func()
	pending sync.WaitGroup

	// barrierMu guards registrations made before the barrier manager exists.
	barrierMu       sync.Mutex
	pendingBarriers []barrier.ScopedBarrier
}

var (
	_ pipeline.Tracker = (*Tracker)(nil)
	_ barrier.Registry = (*Tracker)(nil)
)

// New builds a tracker from cfg. factories are the module types this
// instance can run; settings decide which modules are created.
func New(cfg *config.Config, factories []pipeline.ModuleFactory, opts ...Option) (*Tracker, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	t := &Tracker{
		cfg:         cfg,
		level:       o.level,
		now:         o.now,
		metrics:     o.metrics,
		errors:      reactive.NewSubject[pipeline.ErrorEvent](),
		disposables: reactive.NewCompositeDisposable(),
	}
	t.log = slog.New(newErrorTap(o.logger.Handler(), t.errors.OnNext)).With("component", "tracker")
	base := slog.New(newErrorTap(o.logger.Handler(), t.errors.OnNext))

	// ── 1. Storage ───────────────────────────────────────────────────────────
	db, instanceID, err := openDatabase(cfg, o.database, base)
	if err != nil {
		return nil, err
	}
	t.db = db
	t.instanceID = instanceID
	t.sched = reactive.NewSchedulers(cfg.Pipeline.IOWorkers)

	fail := func(err error) (*Tracker, error) {
		t.disposables.Dispose()
		t.sched.Close()
		_ = db.Close()
		return nil, err
	}

	t.stores = datastore.NewStoreProvider(db, datastore.WithLogger(base), datastore.WithClock(t.now))
	shared, err := t.stores.SharedStore()
	if err != nil {
		return fail(fmt.Errorf("tracker: shared store: %w", err))
	}
	if cfg.Storage.SweepInterval > 0 {
		t.disposables.Add(t.stores.StartSweeper(t.sched.IO, cfg.Storage.SweepInterval))
	}

	// ── 2. Session ───────────────────────────────────────────────────────────
	t.session = session.NewManager(shared, t.stores, t.sched.Tealium,
		session.WithLogger(base),
		session.WithClock(t.now),
		session.WithTimeout(cfg.Pipeline.SessionTimeout),
	)

	// ── 3. Settings ──────────────────────────────────────────────────────────
	localDoc, err := settings.LoadFile(cfg.Settings.LocalFile)
	if err != nil {
		return fail(err)
	}
	barrierFactories := o.barrierFactories
	if barrierFactories == nil {
		barrierFactories = []barrier.Factory{barrier.NewBatchingFactory()}
	}
	enforced, err := settings.Merge(
		pipeline.EnforcedDocument(factories),
		enforcedBarriers(append(append([]barrier.Factory(nil), barrierFactories...), barrier.DefaultFactories()...)),
		o.enforced,
	)
	if err != nil {
		return fail(fmt.Errorf("tracker: enforced settings: %w", err))
	}
	settingsOpts := []settings.Option{settings.WithLogger(base)}
	if cfg.Settings.RemoteURL != "" {
		remote := settings.NewRemoteSource(cfg.Settings.RemoteURL,
			settings.WithHTTPClient(o.httpClient),
			settings.WithCache(shared),
			settings.WithRemoteLogger(base),
		)
		settingsOpts = append(settingsOpts, settings.WithRemote(remote))
	}
	t.settings = settings.NewManager(localDoc, enforced, settingsOpts...)
	if t.level != nil {
		t.disposables.Add(t.settings.Core().Subscribe(t.applyLogLevel))
	}

	// ── 4. Modules ───────────────────────────────────────────────────────────
	t.modules = pipeline.NewModuleManager(factories, pipeline.ModuleContext{
		Logger:     base,
		Stores:     t.stores,
		Tracker:    t,
		Barriers:   t,
		Schedulers: t.sched,
		Errors:     reactive.ObserveOn(t.errors.AsObservable(), t.sched.Tealium),
		Now:        t.now,
	})
	moduleSettings := reactive.MapState(t.settings.Settings(), func(s settings.SDKSettings) map[string]settings.ModuleSettings {
		return s.Modules
	})
	t.disposables.Add(moduleSettings.Subscribe(t.modules.UpdateModuleSettings))

	// ── 5. Queue ─────────────────────────────────────────────────────────────
	consentEnabled := o.cmp != nil || cfg.Consent.Enabled
	processors := reactive.Map[[]string](t.modules.DispatcherIDs(), func(ids []string) []string {
		out := append([]string(nil), ids...)
		if consentEnabled {
			out = append(out, consent.QueueID)
		}
		return out
	})
	queueSettings := reactive.Map[settings.CoreSettings](t.settings.Core(), func(c settings.CoreSettings) queue.Settings {
		return queue.Settings{MaxQueueSize: c.MaxQueueSize, Expiration: c.Expiration()}
	})
	t.queue = queue.NewManager(db.Queue(), processors, queueSettings,
		queue.WithLogger(base),
		queue.WithClock(t.now),
	)

	// ── 6. Barriers ──────────────────────────────────────────────────────────
	barriers := barrier.NewManager(t.settings.Barriers(), t.queue, barrier.WithLogger(base))
	t.barrierMu.Lock()
	t.barriers = barriers
	t.barrierMu.Unlock()
	connectivity := o.connectivity
	if connectivity == nil && cfg.Connectivity.ProbeAddress != "" {
		probe := barrier.NewProbeConnectivity(cfg.Connectivity.ProbeAddress, cfg.Connectivity.ProbeInterval,
			barrier.WithProbeLogger(base))
		t.disposables.Add(probe.Start(t.sched.IO))
		connectivity = probe
	}
	t.barriers.InitializeBarriers(barrier.Context{
		Queue:          t.queue,
		DispatchLimits: t.modules.DispatchLimits(),
		Connectivity:   connectivity,
		Logger:         base,
	}, barrierFactories)
	t.flushPendingBarriers()

	// ── 7. Consent ───────────────────────────────────────────────────────────
	if consentEnabled {
		t.cmp = o.cmp
		if t.cmp == nil {
			t.cmp = consent.NewStaticCmp(cfg.Consent.CmpID, cfg.Consent.Purposes)
		}
		t.consent = consent.NewManager(t.cmp, t.settings.Consent(), t.modules.DispatcherIDs(), t.queue,
			consent.WithLogger(base),
			consent.WithScheduler(t.sched.Tealium),
			consent.WithClock(t.now),
		)
	}

	// ── 8. Dispatch loop ─────────────────────────────────────────────────────
	transformations := reactive.MapState(t.settings.Settings(), func(s settings.SDKSettings) map[string]settings.TransformationSettings {
		return s.Transformations
	})
	dispatchOpts := []pipeline.DispatchOption{
		pipeline.WithDispatchLogger(base),
		pipeline.WithScheduler(t.sched.Tealium),
		pipeline.WithMaxInFlight(cfg.Pipeline.MaxInFlight),
		pipeline.WithRetryBackOff(cfg.Pipeline.RetryInitial, cfg.Pipeline.RetryMax),
		pipeline.WithMetrics(t.metrics),
		pipeline.WithTracerProvider(o.tracerProvider),
	}
	if t.consent != nil {
		dispatchOpts = append(dispatchOpts, pipeline.WithConsent(t.consent))
	}
	t.dispatch = pipeline.NewDispatchManager(
		t.modules,
		t.queue,
		t.barriers,
		pipeline.NewTransformerCoordinator(t.modules.Modules(), transformations, base),
		pipeline.NewMappingsEngine(moduleSettings),
		dispatchOpts...,
	)
	if cfg.DeadLetter.Enabled {
		if err := t.startDeadLetters(base); err != nil {
			return fail(err)
		}
	}
	t.dispatch.StartDispatchLoop()
	t.disposables.Add(t.settings.StartRefresh(t.sched.IO))

	t.mu.Lock()
	t.ready = true
	early := t.early
	t.early = nil
	t.mu.Unlock()
	for _, task := range early {
		t.sched.Tealium.Execute(task)
	}

	t.log.Info("tracker: started",
		"instance_id", t.instanceID,
		"persistent", db.IsPersistent(),
		"schema_version", db.Version(),
		"consent", consentEnabled,
	)
	return t, nil
}

// startDeadLetters records every dispatch a dispatcher dropped.
func (t *Tracker) startDeadLetters(log *slog.Logger) error {
	store, err := t.stores.ModuleStore(dlq.StoreID)
	if err != nil {
		return fmt.Errorf("tracker: dead letter store: %w", err)
	}
	t.dlq = dlq.NewManager(store, t.queue, t.modules.DispatcherIDs(),
		dlq.WithLogger(log),
		dlq.WithClock(t.now),
		dlq.WithRetention(t.cfg.DeadLetter.Retention),
		dlq.WithMaxPerDispatcher(t.cfg.DeadLetter.MaxPerDispatcher),
	)
	dropped := reactive.Filter(t.dispatch.OnTrackResult(), func(res types.TrackResult) bool {
		return res.Status == types.TrackDropped && res.DispatcherID != ""
	})
	t.disposables.Add(reactive.ObserveOn(dropped, t.sched.IO).Subscribe(func(res types.TrackResult) {
		if err := t.dlq.Record(res); err != nil {
			t.log.Warn("tracker: dead letter not recorded", "err", err)
		}
	}))
	return nil
}

func openDatabase(cfg *config.Config, supplied storage.Database, log *slog.Logger) (storage.Database, string, error) {
	if supplied != nil {
		return supplied, ident.MustNewID(), nil
	}
	if cfg.Storage.InMemory {
		return memory.New(), ident.MustNewID(), nil
	}
	inst, err := ident.NewInstance(cfg.Storage.DataDir, cfg.Storage.InstanceID)
	if err != nil {
		return nil, "", fmt.Errorf("tracker: instance id: %w", err)
	}
	db, err := local.OpenWithFallback(cfg.Storage.DataDir, local.Options{
		FileName: cfg.Storage.FileName,
		Logger:   log,
	})
	if err != nil {
		return nil, "", fmt.Errorf("tracker: open storage: %w", err)
	}
	return db, inst.ID().String(), nil
}

func enforcedBarriers(factories []barrier.Factory) types.DataObject {
	out := map[string]any{}
	for _, f := range factories {
		bs := f.EnforcedSettings()
		if len(bs.Scopes) == 0 && len(bs.Configuration) == 0 {
			continue
		}
		if _, dup := out[f.ID()]; dup {
			continue
		}
		doc, err := types.ToDataObject(bs)
		if err != nil {
			continue
		}
		out[f.ID()] = map[string]any(doc)
	}
	if len(out) == 0 {
		return nil
	}
	return types.DataObject{settings.KeyBarriers: out}
}

func (t *Tracker) applyLogLevel(core settings.CoreSettings) {
	doc := t.settings.Document()
	section, ok := doc.GetObject(settings.KeyCore)
	if !ok {
		return
	}
	if _, set := section["log_level"]; !set {
		return
	}
	if lv, ok := ParseLevel(core.LogLevel); ok && t.level.Level() != lv {
		t.level.Set(lv)
		t.log.Info("tracker: log level changed", "level", lv.String())
	}
}

// ─── Tracking ────────────────────────────────────────────────────────────────

// InstanceID is the persistent id of this instance.
func (t *Tracker) InstanceID() string { return t.instanceID }

// NewDispatch builds a dispatch with a fresh time-ordered id.
func (t *Tracker) NewDispatch(name string, kind types.DispatchType, data types.DataObject) (*types.Dispatch, error) {
	now := t.now()
	id, err := ident.NewIDAt(now)
	if err != nil {
		return nil, fmt.Errorf("tracker: dispatch id: %w", err)
	}
	return types.NewDispatch(id, name, kind, data, now), nil
}

// Track tracks an application dispatch. listener may be nil.
func (t *Tracker) Track(d *types.Dispatch, listener types.TrackResultListener) {
	t.TrackFrom(types.ApplicationSource, d, listener)
}

// TrackEvent builds an event dispatch named name and tracks it.
func (t *Tracker) TrackEvent(name string, data types.DataObject, listener types.TrackResultListener) error {
	d, err := t.NewDispatch(name, types.DispatchEvent, data)
	if err != nil {
		return err
	}
	t.Track(d, listener)
	return nil
}

// TrackFrom tracks d on behalf of src. listener receives exactly one result.
func (t *Tracker) TrackFrom(src types.Source, d *types.Dispatch, listener types.TrackResultListener) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		if listener != nil {
			res := types.Dropped(d, "tracker shut down")
			res.Err = ErrShutdown
			listener(res)
		}
		return
	}
	t.pending.Add(1)
	task := func() { t.track(src, d, listener) }
	if !t.ready {
		t.early = append(t.early, task)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.sched.Tealium.Execute(task)
}

func (t *Tracker) track(src types.Source, d *types.Dispatch, listener types.TrackResultListener) {
	var res types.TrackResult
	if t.settings.Current().Core.DisableLibrary {
		res = types.Dropped(d, "library disabled")
	} else {
		t.session.RegisterDispatch(d)
		res = t.dispatch.Track(context.Background(), src, d)
	}
	if listener == nil {
		t.pending.Done()
		return
	}
	t.sched.Main.Execute(func() {
		defer t.pending.Done()
		listener(res)
	})
}

// TrackSync tracks d and waits for its result.
func (t *Tracker) TrackSync(ctx context.Context, d *types.Dispatch) (types.TrackResult, error) {
	ch := make(chan types.TrackResult, 1)
	t.Track(d, func(r types.TrackResult) { ch <- r })
	select {
	case r := <-ch:
		if errors.Is(r.Err, ErrShutdown) {
			return r, ErrShutdown
		}
		return r, nil
	case <-ctx.Done():
		return types.TrackResult{}, ctx.Err()
	}
}

// OnTrackResult emits every track outcome and every delivery outcome.
func (t *Tracker) OnTrackResult() reactive.Observable[types.TrackResult] {
	return t.dispatch.OnTrackResult()
}

// Flush lets queued dispatches pass the flushable barriers until the queues
// are drained.
func (t *Tracker) Flush() error {
	if t.isClosed() {
		return ErrShutdown
	}
	t.barriers.Flush()
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Module returns the enabled module with id.
func (t *Tracker) Module(id string) (*pipeline.Module, error) {
	if t.isClosed() {
		return nil, ErrShutdown
	}
	return t.modules.GetModule(id)
}

// ModuleAs returns the implementation of the enabled module id as T.
func ModuleAs[T any](t *Tracker, id string) (T, error) {
	var zero T
	mod, err := t.Module(id)
	if err != nil {
		return zero, err
	}
	v, ok := pipeline.ModuleAs[T](mod)
	if !ok {
		return zero, fmt.Errorf("tracker: module %q is a %s", id, mod.Type)
	}
	return v, nil
}

// Modules lists the enabled modules.
func (t *Tracker) Modules() []*pipeline.Module { return t.modules.Modules().Value() }

// Consent returns the consent manager.
func (t *Tracker) Consent() (*consent.Manager, error) {
	if t.consent == nil {
		return nil, ErrConsentDisabled
	}
	return t.consent, nil
}

// Cmp returns the consent adapter.
func (t *Tracker) Cmp() (consent.CmpAdapter, error) {
	if t.cmp == nil {
		return nil, ErrConsentDisabled
	}
	return t.cmp, nil
}

// DeadLetters returns the dead letter store, or ErrDeadLettersDisabled
// when dead_letter.enabled is false.
func (t *Tracker) DeadLetters() (*dlq.Manager, error) {
	if t.isClosed() {
		return nil, ErrShutdown
	}
	if t.dlq == nil {
		return nil, ErrDeadLettersDisabled
	}
	return t.dlq, nil
}

// QueueSizes reports queued dispatches per processor.
func (t *Tracker) QueueSizes() map[string]int { return t.queue.QueueSizes() }

// InFlight reports dispatch ids handed to each dispatcher and not yet
// completed.
func (t *Tracker) InFlight() map[string][]string { return t.queue.InFlight() }

// Session returns the current session.
func (t *Tracker) Session() (session.Session, bool) { return t.session.Current() }

// Settings returns the current settings.
func (t *Tracker) Settings() settings.SDKSettings { return t.settings.Current() }

// SetSettings replaces the local settings layer, initially loaded from
// settings.local_file. The remote document and enforced settings still
// take precedence.
func (t *Tracker) SetSettings(doc types.DataObject) error {
	if t.isClosed() {
		return ErrShutdown
	}
	return t.settings.SetLocal(doc)
}

// RefreshSettings fetches the remote settings document now.
func (t *Tracker) RefreshSettings(ctx context.Context) error {
	if t.isClosed() {
		return ErrShutdown
	}
	return t.settings.Refresh(ctx)
}

// Persistent reports whether data survives a restart.
func (t *Tracker) Persistent() bool { return t.db.IsPersistent() }

// ─── barrier.Registry ────────────────────────────────────────────────────────

// RegisterScopedBarrier adds a runtime barrier. Modules may register
// barriers while they are created, before the barrier manager exists.
func (t *Tracker) RegisterScopedBarrier(b barrier.Barrier, scopes ...types.BarrierScope) {
	t.barrierMu.Lock()
	if t.barriers == nil {
		t.pendingBarriers = append(t.pendingBarriers, barrier.ScopedBarrier{Barrier: b, Scopes: scopes})
		t.barrierMu.Unlock()
		return
	}
	bm := t.barriers
	t.barrierMu.Unlock()
	bm.RegisterScopedBarrier(b, scopes...)
}

// UnregisterScopedBarrier removes a runtime barrier.
func (t *Tracker) UnregisterScopedBarrier(b barrier.Barrier) {
	t.barrierMu.Lock()
	if t.barriers == nil {
		kept := t.pendingBarriers[:0]
		for _, sb := range t.pendingBarriers {
			if sb.Barrier != b {
				kept = append(kept, sb)
			}
		}
		t.pendingBarriers = kept
		t.barrierMu.Unlock()
		return
	}
	bm := t.barriers
	t.barrierMu.Unlock()
	bm.UnregisterScopedBarrier(b)
}

func (t *Tracker) flushPendingBarriers() {
	t.barrierMu.Lock()
	pending := t.pendingBarriers
	t.pendingBarriers = nil
	t.barrierMu.Unlock()
	for _, sb := range pending {
		t.barriers.RegisterScopedBarrier(sb.Barrier, sb.Scopes...)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

func (t *Tracker) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// Shutdown waits for tracked dispatches to reach their listeners (bounded
// by ctx), stops the dispatch loop, shuts every component down and closes
// the database. Dispatches still queued are delivered after the next start.
// Calling Shutdown again is a no-op.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		t.pending.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		t.log.Warn("tracker: shutdown before every track completed", "err", ctx.Err())
	}

	t.disposables.Dispose()
	t.dispatch.Shutdown()

	var g errgroup.Group
	g.Go(func() error { t.modules.Shutdown(); return nil })
	g.Go(func() error { t.barriers.Shutdown(); return nil })
	g.Go(func() error { t.session.Shutdown(); return nil })
	if t.consent != nil {
		g.Go(func() error { t.consent.Shutdown(); return nil })
	}
	_ = g.Wait()

	t.queue.Close()
	t.sched.Close()
	if err := t.stores.Close(); err != nil {
		return fmt.Errorf("tracker: close storage: %w", err)
	}
	t.log.Info("tracker: stopped", "instance_id", t.instanceID)
	return nil
}
