package barrier

import (
	"log/slog"
	"sync"

	"github.com/snehjoshi/dispatchq/internal/reactive"
	"github.com/snehjoshi/dispatchq/internal/types"
)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// Manager owns the barriers of one tracker instance.
//
// Barriers created by InitializeBarriers follow the settings: their scopes
// come from the settings entry, else the factory's default scopes, else
// All; their configuration is pushed on every settings change. Barriers
// registered through the Registry keep the scopes they were registered
// with. When two barriers share an id the one added first wins.
type Manager struct {
	settings reactive.ObservableState[map[string]types.BarrierSettings]
	queue    QueueMetrics
	log      *slog.Logger

	mu            sync.Mutex
	defaultScopes map[string][]types.BarrierScope

	configBarriers *reactive.StateSubject[[]ConfigurableBarrier]
	extraBarriers  *reactive.StateSubject[[]ScopedBarrier]
	flushRequests  *reactive.Subject[bool]

	disposables *reactive.CompositeDisposable
}

var _ Registry = (*Manager)(nil)

// NewManager creates a Manager with no barriers. settings emits the barrier
// section of the SDK settings; queue reports pending dispatches for flush.
func NewManager(settings reactive.ObservableState[map[string]types.BarrierSettings], queue QueueMetrics, opts ...ManagerOption) *Manager {
	m := &Manager{
		settings:       settings,
		queue:          queue,
		log:            slog.Default(),
		defaultScopes:  map[string][]types.BarrierScope{},
		configBarriers: reactive.NewStateSubject[[]ConfigurableBarrier](nil),
		extraBarriers:  reactive.NewStateSubject[[]ScopedBarrier](nil),
		flushRequests:  reactive.NewSubject[bool](),
		disposables:    reactive.NewCompositeDisposable(),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With("component", "barrier")
	m.disposables.Add(settings.Subscribe(m.updateSettings))
	return m
}

// InitializeBarriers creates one barrier per factory, adding the default
// factories the caller did not override. Repeated ids are ignored.
func (m *Manager) InitializeBarriers(ctx Context, factories []Factory) {
	toCreate := append([]Factory(nil), factories...)
	for _, def := range DefaultFactories() {
		if !hasFactory(factories, def.ID()) {
			toCreate = append(toCreate, def)
		}
	}
	if ctx.Logger == nil {
		ctx.Logger = m.log
	}

	current := m.settings.Value()
	seen := types.NewStringSet()
	var barriers []ConfigurableBarrier
	scopes := make(map[string][]types.BarrierScope, len(toCreate))
	for _, f := range toCreate {
		if seen.Has(f.ID()) {
			m.log.Warn("barrier: duplicate factory ignored", "barrier", f.ID())
			continue
		}
		seen[f.ID()] = struct{}{}
		scopes[f.ID()] = f.DefaultScopes()
		b := f.Create(ctx, current[f.ID()].Configuration)
		if b == nil {
			continue
		}
		barriers = append(barriers, b)
	}

	m.mu.Lock()
	m.defaultScopes = scopes
	m.mu.Unlock()
	m.configBarriers.OnNext(barriers)
	m.log.Debug("barrier: initialized", "count", len(barriers))
}

func hasFactory(factories []Factory, id string) bool {
	for _, f := range factories {
		if f.ID() == id {
			return true
		}
	}
	return false
}

func (m *Manager) updateSettings(settings map[string]types.BarrierSettings) {
	for _, b := range m.configBarriers.Value() {
		cfg := settings[b.ID()].Configuration
		if cfg == nil {
			cfg = types.DataObject{}
		}
		b.UpdateConfiguration(cfg)
	}
}

// ─── Registry ────────────────────────────────────────────────────────────────

// RegisterScopedBarrier adds b, or replaces the scopes of a registered
// barrier with the same id. A barrier whose id clashes with a settings
// barrier is ignored when states are combined.
func (m *Manager) RegisterScopedBarrier(b Barrier, scopes ...types.BarrierScope) {
	if len(scopes) == 0 {
		scopes = []types.BarrierScope{types.ScopeAll}
	}
	m.mu.Lock()
	list := append([]ScopedBarrier(nil), m.extraBarriers.Value()...)
	replaced := false
	for i, sb := range list {
		if sb.Barrier.ID() == b.ID() {
			list[i] = ScopedBarrier{Barrier: b, Scopes: scopes}
			replaced = true
		}
	}
	if !replaced {
		list = append(list, ScopedBarrier{Barrier: b, Scopes: scopes})
	}
	m.mu.Unlock()
	m.extraBarriers.OnNext(list)
}

// UnregisterScopedBarrier removes a barrier added by RegisterScopedBarrier.
// Barriers created from factories cannot be removed.
func (m *Manager) UnregisterScopedBarrier(b Barrier) {
	m.mu.Lock()
	var list []ScopedBarrier
	for _, sb := range m.extraBarriers.Value() {
		if sb.Barrier.ID() != b.ID() {
			list = append(list, sb)
		}
	}
	m.mu.Unlock()
	m.extraBarriers.OnNext(list)
}

// ─── State ───────────────────────────────────────────────────────────────────

// Barriers emits the effective scoped barrier list.
func (m *Manager) Barriers() reactive.Observable[[]ScopedBarrier] {
	scoped := reactive.Combine(m.configBarriers, reactive.Observable[map[string]types.BarrierSettings](m.settings),
		func(bs []ConfigurableBarrier, settings map[string]types.BarrierSettings) []ScopedBarrier {
			m.mu.Lock()
			defaults := m.defaultScopes
			m.mu.Unlock()
			out := make([]ScopedBarrier, 0, len(bs))
			for _, b := range bs {
				scopes := settings[b.ID()].Scopes
				if len(scopes) == 0 {
					scopes = defaults[b.ID()]
				}
				if len(scopes) == 0 {
					scopes = []types.BarrierScope{types.ScopeAll}
				}
				out = append(out, ScopedBarrier{Barrier: b, Scopes: scopes})
			}
			return out
		})
	return reactive.Combine(scoped, m.extraBarriers, func(cfg, extra []ScopedBarrier) []ScopedBarrier {
		seen := types.NewStringSet()
		out := make([]ScopedBarrier, 0, len(cfg)+len(extra))
		for _, sb := range append(cfg, extra...) {
			if seen.Has(sb.Barrier.ID()) {
				continue
			}
			seen[sb.Barrier.ID()] = struct{}{}
			out = append(out, sb)
		}
		return out
	})
}

// OnBarriersState emits Open when every barrier scoped to dispatcherID is
// open, Closed otherwise. Only transitions are emitted. With no applicable
// barriers the state is Open.
//
// After Flush, flushable barriers count as open until the dispatcher has no
// pending dispatches left.
func (m *Manager) OnBarriersState(dispatcherID string) reactive.Observable[types.BarrierState] {
	flushing := reactive.Distinct(reactive.FlatMapLatest(reactive.StartWith[bool](m.flushRequests, false),
		func(requested bool) reactive.Observable[bool] {
			if !requested || m.queue == nil {
				return reactive.Just(false)
			}
			return untilDrained(m.queue.QueueSizePendingDispatch(dispatcherID))
		}))

	combined := reactive.FlatMapLatest(m.Barriers(), func(all []ScopedBarrier) reactive.Observable[types.BarrierState] {
		var states []reactive.Observable[types.BarrierState]
		for _, sb := range all {
			if !sb.Matches(dispatcherID) {
				continue
			}
			states = append(states, effectiveState(sb.Barrier, dispatcherID, flushing))
		}
		return reactive.Map(reactive.CombineAll(states), func(ss []types.BarrierState) types.BarrierState {
			for _, s := range ss {
				if s != types.BarrierOpen {
					return types.BarrierClosed
				}
			}
			return types.BarrierOpen
		})
	})
	return reactive.Distinct(combined)
}

// untilDrained emits true while pending is positive, then false once and
// ignores later sizes.
func untilDrained(pending reactive.Observable[int]) reactive.Observable[bool] {
	return reactive.Create(func(o reactive.Observer[bool]) reactive.Disposable {
		var (
			mu      sync.Mutex
			drained bool
		)
		return pending.Subscribe(func(n int) {
			mu.Lock()
			if drained {
				mu.Unlock()
				return
			}
			drained = n <= 0
			mu.Unlock()
			o(n > 0)
		})
	})
}

// effectiveState is b's state with flush taken into account.
func effectiveState(b Barrier, dispatcherID string, flushing reactive.Observable[bool]) reactive.Observable[types.BarrierState] {
	bypass := reactive.Combine(b.IsFlushable(), flushing, func(flushable, flushing bool) bool {
		return flushable && flushing
	})
	return reactive.Combine(safeState(b, dispatcherID), bypass, func(s types.BarrierState, bypass bool) types.BarrierState {
		if bypass {
			return types.BarrierOpen
		}
		return s
	})
}

// safeState isolates a barrier whose OnState panics: it is treated as closed.
func safeState(b Barrier, dispatcherID string) (obs reactive.Observable[types.BarrierState]) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("barrier: OnState panicked", "barrier", b.ID(), "dispatcher", dispatcherID, "panic", r)
			obs = reactive.Just(types.BarrierClosed)
		}
	}()
	return b.OnState(dispatcherID)
}

// Flush lets pending dispatches bypass flushable barriers until each
// dispatcher's queue is drained.
func (m *Manager) Flush() {
	m.log.Debug("barrier: flush requested")
	m.flushRequests.OnNext(true)
}

// Shutdown removes every barrier.
func (m *Manager) Shutdown() {
	m.disposables.Dispose()
	m.configBarriers.OnNext(nil)
	m.extraBarriers.OnNext(nil)
}
