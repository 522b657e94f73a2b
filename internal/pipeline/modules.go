package pipeline

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/snehjoshi/dispatchq/internal/reactive"
	"github.com/snehjoshi/dispatchq/internal/settings"
	"github.com/snehjoshi/dispatchq/internal/types"
)

// ModuleManager owns the enabled modules.
//
// Factories are consulted in registration order. A factory whose type no
// settings entry names still gets one module, with the module type as id and
// an empty configuration. Modules keep factory order in Modules().
type ModuleManager struct {
	factories []ModuleFactory
	ctx       ModuleContext
	log       *slog.Logger

	// mu serializes UpdateModuleSettings and Shutdown.
	mu       sync.Mutex
	shutdown bool
	modules  *reactive.StateSubject[[]*Module]
}

// NewModuleManager creates a manager with no modules. Call
// UpdateModuleSettings to create them.
func NewModuleManager(factories []ModuleFactory, ctx ModuleContext) *ModuleManager {
	log := ctx.Logger
	if log == nil {
		log = slog.Default()
	}
	return &ModuleManager{
		factories: factories,
		ctx:       ctx,
		log:       log.With("component", "modules"),
		modules:   reactive.NewStateSubject[[]*Module](nil),
	}
}

type moduleSpec struct {
	id       string
	factory  ModuleFactory
	settings settings.ModuleSettings
}

// plan lists the modules the settings ask for, in factory order then id.
func (m *ModuleManager) plan(all map[string]settings.ModuleSettings) []moduleSpec {
	byType := make(map[string][]string)
	for id, ms := range all {
		t := ms.ModuleType
		if t == "" {
			t = id
		}
		byType[t] = append(byType[t], id)
	}

	var specs []moduleSpec
	known := make(map[string]bool, len(m.factories))
	for _, f := range m.factories {
		t := f.ModuleType()
		if known[t] {
			m.log.Warn("modules: duplicate factory ignored", "module_type", t)
			continue
		}
		known[t] = true
		ids := byType[t]
		if len(ids) == 0 {
			specs = append(specs, moduleSpec{id: t, factory: f, settings: settings.ModuleSettings{ModuleType: t}})
			continue
		}
		sort.Slice(ids, func(i, j int) bool {
			a, b := all[ids[i]], all[ids[j]]
			if a.Order != b.Order {
				return a.Order < b.Order
			}
			return ids[i] < ids[j]
		})
		for _, id := range ids {
			specs = append(specs, moduleSpec{id: id, factory: f, settings: all[id]})
		}
	}
	for t, ids := range byType {
		if !known[t] {
			m.log.Warn("modules: no factory for module type",
				"module_type", t, "module_ids", ids, "err", ErrUnknownModuleType)
		}
	}
	return specs
}

// UpdateModuleSettings reconciles the enabled modules with all:
//   - disabled or removed modules are shut down and dropped,
//   - existing modules receive their new configuration; a configuration
//     error disables the module,
//   - newly enabled modules are created.
func (m *ModuleManager) UpdateModuleSettings(all map[string]settings.ModuleSettings) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	current := make(map[string]*Module)
	for _, mod := range m.modules.Value() {
		current[mod.ID] = mod
	}

	var next []*Module
	for _, spec := range m.plan(all) {
		existing := current[spec.id]
		delete(current, spec.id)

		if !spec.settings.IsEnabled() {
			if existing != nil {
				m.log.Info("modules: disabling", "module", spec.id)
				m.shutdownModule(existing)
			}
			continue
		}
		cfg := spec.settings.Configuration
		if cfg == nil {
			cfg = types.DataObject{}
		}

		if existing != nil && existing.Type == spec.factory.ModuleType() {
			if existing.Configurable != nil {
				if err := m.configure(existing, cfg); err != nil {
					m.log.Warn("modules: configuration rejected, disabling",
						"module", spec.id, "err", err)
					m.shutdownModule(existing)
					continue
				}
			}
			next = append(next, existing)
			continue
		}
		if existing != nil {
			m.shutdownModule(existing)
		}

		mod, err := m.create(spec, cfg)
		if err != nil {
			m.log.Warn("modules: create failed", "module", spec.id, "module_type", spec.factory.ModuleType(), "err", err)
			continue
		}
		if mod == nil {
			m.log.Debug("modules: factory declined", "module", spec.id)
			continue
		}
		m.log.Info("modules: enabled", "module", mod.ID, "module_type", mod.Type)
		next = append(next, mod)
	}
	for _, stale := range current {
		m.log.Info("modules: removing", "module", stale.ID)
		m.shutdownModule(stale)
	}
	m.mu.Unlock()

	m.modules.OnNext(next)
}

func (m *ModuleManager) create(spec moduleSpec, cfg types.DataObject) (mod *Module, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("modules: factory panicked",
				"module", spec.id, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			mod, err = nil, fmt.Errorf("pipeline: create %s: panic: %v", spec.id, r)
		}
	}()
	mod, err = spec.factory.Create(spec.id, m.ctx, cfg)
	if mod != nil {
		mod.ID = spec.id
		mod.Type = spec.factory.ModuleType()
	}
	return mod, err
}

func (m *ModuleManager) configure(mod *Module, cfg types.DataObject) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline: configure %s: panic: %v", mod.ID, r)
		}
	}()
	return mod.Configurable.UpdateConfiguration(cfg)
}

func (m *ModuleManager) shutdownModule(mod *Module) {
	if mod.Shutdowner == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("modules: shutdown panicked",
				"module", mod.ID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	mod.Shutdowner.Shutdown()
}

// Modules emits the enabled modules on every change.
func (m *ModuleManager) Modules() reactive.ObservableState[[]*Module] {
	return m.modules.AsObservableState()
}

// Dispatchers emits the enabled dispatcher modules.
func (m *ModuleManager) Dispatchers() reactive.ObservableState[[]*Module] {
	return reactive.MapState(m.Modules(), func(all []*Module) []*Module {
		return filterModules(all, func(mod *Module) bool { return mod.Dispatcher != nil })
	})
}

// DispatcherIDs emits the ids of the enabled dispatchers.
func (m *ModuleManager) DispatcherIDs() reactive.ObservableState[[]string] {
	return reactive.MapState(m.Modules(), dispatcherIDs)
}

func dispatcherIDs(all []*Module) []string {
	var ids []string
	for _, mod := range all {
		if mod.Dispatcher != nil {
			ids = append(ids, mod.ID)
		}
	}
	return ids
}

// DispatchLimits emits dispatcher id → DispatchLimit for the enabled
// dispatchers. It feeds barrier.Context.DispatchLimits.
func (m *ModuleManager) DispatchLimits() reactive.Observable[map[string]int] {
	return reactive.Map[[]*Module](m.Dispatchers(), func(ds []*Module) map[string]int {
		out := make(map[string]int, len(ds))
		for _, mod := range ds {
			out[mod.ID] = mod.Dispatcher.DispatchLimit()
		}
		return out
	})
}

// Collectors returns the enabled collector modules.
func (m *ModuleManager) Collectors() []*Module {
	return filterModules(m.modules.Value(), func(mod *Module) bool { return mod.Collector != nil })
}

// GetModule returns the enabled module with id.
func (m *ModuleManager) GetModule(id string) (*Module, error) {
	for _, mod := range m.modules.Value() {
		if mod.ID == id {
			return mod, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrModuleNotEnabled, id)
}

// ModulesOfType returns the enabled modules created by the factory for
// moduleType.
func (m *ModuleManager) ModulesOfType(moduleType string) []*Module {
	return filterModules(m.modules.Value(), func(mod *Module) bool { return mod.Type == moduleType })
}

// Shutdown shuts every module down. Later updates are ignored.
func (m *ModuleManager) Shutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	mods := m.modules.Value()
	for i := len(mods) - 1; i >= 0; i-- {
		m.shutdownModule(mods[i])
	}
	m.mu.Unlock()
	m.modules.OnNext(nil)
}

func filterModules(all []*Module, keep func(*Module) bool) []*Module {
	var out []*Module
	for _, mod := range all {
		if keep(mod) {
			out = append(out, mod)
		}
	}
	return out
}
