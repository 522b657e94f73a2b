// Package barrier implements the flow-control gates that decide when a
// dispatcher may send.
//
// A Barrier reports, per dispatcher id, an Open/Closed state stream. The
// Manager collects the barriers created from factories at start-up (their
// configuration follows the SDK settings) plus any barriers registered at
// runtime, and exposes the AND-combination of every barrier scoped to a
// dispatcher through OnBarriersState.
//
// Built-in barriers:
//
//	ConnectivityBarrier  closed while the network (optionally Wi-Fi) is unavailable
//	BatchingBarrier      closed until batch_size dispatches are pending
package barrier

import (
	"log/slog"

	"github.com/snehjoshi/dispatchq/internal/reactive"
	"github.com/snehjoshi/dispatchq/internal/types"
)

// Barrier gates dispatchers.
type Barrier interface {
	// ID identifies the barrier; it keys the barrier's settings.
	ID() string
	// OnState emits the barrier state for dispatcherID, re-evaluated live.
	OnState(dispatcherID string) reactive.Observable[types.BarrierState]
	// IsFlushable emits whether a manual flush may bypass the barrier.
	IsFlushable() reactive.Observable[bool]
}

// ConfigurableBarrier is a Barrier whose configuration follows the settings.
type ConfigurableBarrier interface {
	Barrier
	// UpdateConfiguration applies a new configuration. An empty object
	// restores defaults.
	UpdateConfiguration(cfg types.DataObject)
}

// QueueMetrics reports queue depth per dispatcher.
type QueueMetrics interface {
	// QueueSizePendingDispatch emits the number of queued dispatches for
	// processor that are not in flight.
	QueueSizePendingDispatch(processor string) reactive.Observable[int]
}

// Context is what factories receive to build barriers.
type Context struct {
	Queue QueueMetrics
	// DispatchLimits emits dispatcher id → maximum batch the dispatcher
	// accepts, for the currently enabled dispatchers.
	DispatchLimits reactive.Observable[map[string]int]
	Connectivity   Connectivity
	Logger         *slog.Logger
}

// Factory creates one kind of ConfigurableBarrier.
type Factory interface {
	ID() string
	// DefaultScopes is used when the settings do not name scopes.
	DefaultScopes() []types.BarrierScope
	// EnforcedSettings are merged over local and remote settings.
	EnforcedSettings() types.BarrierSettings
	Create(ctx Context, cfg types.DataObject) ConfigurableBarrier
}

// ScopedBarrier pairs a barrier with the dispatchers it applies to.
type ScopedBarrier struct {
	Barrier Barrier
	Scopes  []types.BarrierScope
}

// Matches reports whether the barrier applies to dispatcherID.
func (s ScopedBarrier) Matches(dispatcherID string) bool {
	for _, sc := range s.Scopes {
		if sc.Matches(dispatcherID) {
			return true
		}
	}
	return false
}

// Registry accepts barriers supplied at runtime by modules or the embedder.
// Registered barriers do not receive settings updates.
type Registry interface {
	RegisterScopedBarrier(b Barrier, scopes ...types.BarrierScope)
	UnregisterScopedBarrier(b Barrier)
}

// DefaultFactories returns the factories every instance gets unless the
// embedder supplies one with the same id.
func DefaultFactories() []Factory {
	return []Factory{NewConnectivityFactory()}
}

// ─── small helpers ───────────────────────────────────────────────────────────

func stateOf(open bool) types.BarrierState {
	if open {
		return types.BarrierOpen
	}
	return types.BarrierClosed
}

type baseFactory struct {
	id       string
	scopes   []types.BarrierScope
	enforced types.BarrierSettings
}

func (f baseFactory) ID() string { return f.id }

func (f baseFactory) DefaultScopes() []types.BarrierScope {
	if len(f.scopes) == 0 {
		return []types.BarrierScope{types.ScopeAll}
	}
	return append([]types.BarrierScope(nil), f.scopes...)
}

func (f baseFactory) EnforcedSettings() types.BarrierSettings { return f.enforced }

// FactoryOption configures a built-in factory.
type FactoryOption func(*baseFactory)

// WithDefaultScopes sets the scopes used when the settings name none.
func WithDefaultScopes(scopes ...types.BarrierScope) FactoryOption {
	return func(f *baseFactory) { f.scopes = scopes }
}

// WithEnforcedConfiguration fixes configuration keys regardless of settings.
func WithEnforcedConfiguration(cfg types.DataObject) FactoryOption {
	return func(f *baseFactory) { f.enforced.Configuration = cfg }
}
