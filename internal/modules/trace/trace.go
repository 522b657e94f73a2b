// Package trace joins the instance to a live trace session.
//
// While a trace is joined, every dispatch carries the trace id under
// cp.trace_id and tealium_trace_id. The id is stored with session expiry,
// so a trace never outlives the visitor session it was joined in.
package trace

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/snehjoshi/dispatchq/internal/datastore"
	"github.com/snehjoshi/dispatchq/internal/ident"
	"github.com/snehjoshi/dispatchq/internal/pipeline"
	"github.com/snehjoshi/dispatchq/internal/reactive"
	"github.com/snehjoshi/dispatchq/internal/settings"
	"github.com/snehjoshi/dispatchq/internal/types"
)

// ModuleType is the factory type and default module id.
const ModuleType = "trace"

const (
	// EndOfVisitEvent is tracked by ForceEndOfVisit.
	EndOfVisitEvent = "kill_visitor_session"
	// ErrorEvent is tracked for each error category while a trace is joined
	// and track_errors is enabled.
	ErrorEvent = "tealium_error"
	// KeyErrorDescription carries "category: description" on error events.
	KeyErrorDescription = "error_description"
)

// ErrNotInTrace is returned by ForceEndOfVisit when no trace is joined.
var ErrNotInTrace = errors.New("trace: not in an active trace")

// Configuration of the trace module.
type Configuration struct {
	TrackErrors bool `json:"track_errors"`
}

func parseConfiguration(cfg types.DataObject) Configuration {
	var c Configuration
	if cfg != nil {
		_ = cfg.Decode(&c)
	}
	return c
}

// Module is the trace collector.
type Module struct {
	id      string
	store   *datastore.DataStore
	tracker pipeline.Tracker
	errors  reactive.Observable[pipeline.ErrorEvent]
	now     func() time.Time
	log     *slog.Logger

	mu         sync.Mutex
	cfg        Configuration
	errorSub   reactive.Disposable
	errorCache map[string]struct{}
}

// TraceID returns the joined trace id.
func (m *Module) TraceID() (string, bool) {
	id, ok := m.store.GetString(types.KeyTealiumTraceID)
	return id, ok && id != ""
}

// Join stores id as the active trace until Leave or the session ends.
func (m *Module) Join(id string) error {
	if id == "" {
		return errors.New("trace: empty trace id")
	}
	if err := m.store.Edit().Put(types.KeyTealiumTraceID, id, types.ExpirySession).Commit(); err != nil {
		return fmt.Errorf("trace: join: %w", err)
	}
	m.mu.Lock()
	m.errorCache = map[string]struct{}{}
	m.mu.Unlock()
	m.updateErrorSubscription()
	m.log.Info("trace: joined", "trace_id", id)
	return nil
}

// Leave forgets the active trace.
func (m *Module) Leave() error {
	if err := m.store.Edit().Remove(types.KeyTealiumTraceID).Commit(); err != nil {
		return fmt.Errorf("trace: leave: %w", err)
	}
	m.mu.Lock()
	m.errorCache = map[string]struct{}{}
	m.mu.Unlock()
	m.updateErrorSubscription()
	m.log.Info("trace: left")
	return nil
}

// ForceEndOfVisit tracks kill_visitor_session for the active trace.
func (m *Module) ForceEndOfVisit(listener types.TrackResultListener) error {
	id, ok := m.TraceID()
	if !ok {
		return ErrNotInTrace
	}
	d, err := m.newDispatch(EndOfVisitEvent, types.DataObject{
		types.KeyTealiumTraceID: id,
		types.KeyTraceID:        id,
	})
	if err != nil {
		return err
	}
	m.tracker.TrackFrom(types.ModuleSource(m.id), d, listener)
	return nil
}

// Collect adds the trace id to every dispatch while a trace is joined.
func (m *Module) Collect(types.DispatchContext) types.DataObject {
	id, ok := m.TraceID()
	if !ok {
		return nil
	}
	return types.DataObject{
		types.KeyTealiumTraceID: id,
		types.KeyTraceID:        id,
	}
}

// UpdateConfiguration applies track_errors.
func (m *Module) UpdateConfiguration(cfg types.DataObject) error {
	m.mu.Lock()
	m.cfg = parseConfiguration(cfg)
	m.mu.Unlock()
	m.updateErrorSubscription()
	return nil
}

// Shutdown stops tracking errors.
func (m *Module) Shutdown() {
	m.mu.Lock()
	sub := m.errorSub
	m.errorSub = nil
	m.mu.Unlock()
	if sub != nil {
		sub.Dispose()
	}
}

func (m *Module) updateErrorSubscription() {
	_, joined := m.TraceID()
	m.mu.Lock()
	want := joined && m.cfg.TrackErrors && m.errors != nil
	if want == (m.errorSub != nil) {
		m.mu.Unlock()
		return
	}
	if !want {
		sub := m.errorSub
		m.errorSub = nil
		m.mu.Unlock()
		sub.Dispose()
		return
	}
	m.mu.Unlock()

	sub := m.errors.Subscribe(m.trackError)
	m.mu.Lock()
	if m.errorSub != nil {
		m.mu.Unlock()
		sub.Dispose()
		return
	}
	m.errorSub = sub
	m.mu.Unlock()
}

func (m *Module) trackError(e pipeline.ErrorEvent) {
	m.mu.Lock()
	if _, seen := m.errorCache[e.Category]; seen {
		m.mu.Unlock()
		return
	}
	m.errorCache[e.Category] = struct{}{}
	m.mu.Unlock()

	d, err := m.newDispatch(ErrorEvent, types.DataObject{
		KeyErrorDescription: e.Category + ": " + e.Description,
	})
	if err != nil {
		return
	}
	m.tracker.TrackFrom(types.ModuleSource(m.id), d, nil)
}

func (m *Module) newDispatch(event string, data types.DataObject) (*types.Dispatch, error) {
	now := m.now()
	id, err := ident.NewIDAt(now)
	if err != nil {
		return nil, fmt.Errorf("trace: dispatch id: %w", err)
	}
	return types.NewDispatch(id, event, types.DispatchEvent, data, now), nil
}

// ─── Factory ─────────────────────────────────────────────────────────────────

// Factory creates trace modules.
type Factory struct {
	enforced map[string]settings.ModuleSettings
}

// NewFactory returns a trace factory. enforced, when non-nil, is applied
// over every other settings layer for the default trace module.
func NewFactory(enforced *settings.ModuleSettings) *Factory {
	f := &Factory{}
	if enforced != nil {
		f.enforced = map[string]settings.ModuleSettings{ModuleType: *enforced}
	}
	return f
}

func (f *Factory) ModuleType() string { return ModuleType }

func (f *Factory) EnforcedSettings() map[string]settings.ModuleSettings { return f.enforced }

func (f *Factory) Create(moduleID string, ctx pipeline.ModuleContext, cfg types.DataObject) (*pipeline.Module, error) {
	if ctx.Stores == nil || ctx.Tracker == nil {
		return nil, errors.New("trace: module context lacks stores or tracker")
	}
	store, err := ctx.Stores.ModuleStore(moduleID)
	if err != nil {
		return nil, fmt.Errorf("trace: module store: %w", err)
	}
	log := ctx.Logger
	if log == nil {
		log = slog.Default()
	}
	now := ctx.Now
	if now == nil {
		now = time.Now
	}
	m := &Module{
		id:         moduleID,
		store:      store,
		tracker:    ctx.Tracker,
		errors:     ctx.Errors,
		now:        now,
		log:        log.With("module", moduleID),
		cfg:        parseConfiguration(cfg),
		errorCache: map[string]struct{}{},
	}
	m.updateErrorSubscription()
	return &pipeline.Module{
		Version:      "1.0.0",
		Collector:    m,
		Configurable: m,
		Shutdowner:   m,
		Instance:     m,
	}, nil
}
