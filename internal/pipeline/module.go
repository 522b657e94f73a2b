// Package pipeline moves dispatches from track() to the dispatchers.
//
// Stages, in order:
//
//	collectors      enrich the payload (Collector)
//	transformers    scope AfterCollectors (TransformerCoordinator)
//	consent         consent.Manager.ApplyConsent, or straight to the queue
//	queue           one persistent FIFO per dispatcher (queue.Manager)
//	barriers        the dispatcher's combined barrier state must be Open
//	transformers    scope Dispatcher(id), then settings mappings
//	dispatchers     Dispatcher.Dispatch, results reported as TrackResults
//
// Modules are capability records: a Module carries an id plus whichever of
// Collector, Transformer and Dispatcher it implements. The ModuleManager
// builds modules from an explicit list of factories and keeps the enabled
// set in line with the settings.
package pipeline

import (
	"errors"
	"log/slog"
	"time"

	"github.com/snehjoshi/dispatchq/internal/barrier"
	"github.com/snehjoshi/dispatchq/internal/datastore"
	"github.com/snehjoshi/dispatchq/internal/reactive"
	"github.com/snehjoshi/dispatchq/internal/settings"
	"github.com/snehjoshi/dispatchq/internal/types"
)

// ─── Error sentinels ─────────────────────────────────────────────────────────

var (
	// ErrModuleNotEnabled is returned for operations on a module that is
	// disabled or was never created.
	ErrModuleNotEnabled = errors.New("pipeline: module not enabled")
	// ErrUnknownModuleType is returned when settings name a module type with
	// no registered factory.
	ErrUnknownModuleType = errors.New("pipeline: unknown module type")
)

// ─── Capabilities ────────────────────────────────────────────────────────────

// Collector contributes data to every dispatch. It must not mutate the
// context and may return nil.
type Collector interface {
	Collect(ctx types.DispatchContext) types.DataObject
}

// Transformer rewrites dispatches. Returning nil drops the dispatch.
type Transformer interface {
	ApplyTransformation(t settings.TransformationSettings, d *types.Dispatch, scope DispatchScope) *types.Dispatch
}

// Dispatcher delivers dispatches.
type Dispatcher interface {
	// DispatchLimit is the maximum batch passed to one Dispatch call.
	DispatchLimit() int
	// Dispatch delivers ds and calls done exactly once with one result per
	// dispatch: Delivered and Dropped remove the dispatch from the queue,
	// Failed keeps it queued for a later attempt. Disposing the returned
	// handle abandons the batch; its dispatches stay queued.
	Dispatch(ds []*types.Dispatch, done func([]types.TrackResult)) reactive.Disposable
}

// Configurable modules receive their configuration on every settings
// change. Returning an error disables the module.
type Configurable interface {
	UpdateConfiguration(cfg types.DataObject) error
}

// Shutdowner modules release resources when disabled or at shutdown.
type Shutdowner interface {
	Shutdown()
}

// Module is one enabled module instance.
type Module struct {
	ID      string
	Type    string
	Version string

	Collector    Collector
	Transformer  Transformer
	Dispatcher   Dispatcher
	Configurable Configurable
	Shutdowner   Shutdowner

	// Instance is the concrete module value, for embedders that need the
	// module's own API (see ModuleAs).
	Instance any
}

// ModuleAs returns m.Instance as T.
func ModuleAs[T any](m *Module) (T, bool) {
	if m == nil {
		var zero T
		return zero, false
	}
	v, ok := m.Instance.(T)
	return v, ok
}

// ─── Factories ───────────────────────────────────────────────────────────────

// Tracker lets modules submit their own dispatches.
type Tracker interface {
	TrackFrom(src types.Source, d *types.Dispatch, listener types.TrackResultListener)
}

// StoreProvider hands out module-scoped data stores.
type StoreProvider interface {
	ModuleStore(moduleID string) (*datastore.DataStore, error)
}

// ErrorEvent is an error reported by any component of the instance.
type ErrorEvent struct {
	Category    string
	Description string
}

// ModuleContext is passed to factories.
type ModuleContext struct {
	Logger     *slog.Logger
	Stores     StoreProvider
	Tracker    Tracker
	Barriers   barrier.Registry
	Schedulers *reactive.Schedulers
	// Errors emits errors logged by the instance. May be nil.
	Errors reactive.Observable[ErrorEvent]
	Now    func() time.Time
}

// ModuleFactory creates modules of one type.
type ModuleFactory interface {
	ModuleType() string
	// Create returns the module, or nil when it cannot run with cfg.
	Create(moduleID string, ctx ModuleContext, cfg types.DataObject) (*Module, error)
	// EnforcedSettings are merged over local and remote settings, keyed by
	// module id.
	EnforcedSettings() map[string]settings.ModuleSettings
}

// EnforcedDocument builds the enforced settings layer contributed by
// factories. When two factories enforce the same module id the first wins.
func EnforcedDocument(factories []ModuleFactory) types.DataObject {
	modules := map[string]any{}
	for _, f := range factories {
		for id, ms := range f.EnforcedSettings() {
			if _, dup := modules[id]; dup {
				continue
			}
			if ms.ModuleType == "" {
				ms.ModuleType = f.ModuleType()
			}
			doc, err := types.ToDataObject(ms)
			if err != nil {
				continue
			}
			modules[id] = map[string]any(doc)
		}
	}
	if len(modules) == 0 {
		return nil
	}
	return types.DataObject{settings.KeyModules: modules}
}
