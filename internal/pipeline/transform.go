package pipeline

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"

	"github.com/snehjoshi/dispatchq/internal/reactive"
	"github.com/snehjoshi/dispatchq/internal/settings"
	"github.com/snehjoshi/dispatchq/internal/types"
)

// ─── Scopes ──────────────────────────────────────────────────────────────────

// DispatchScope is the pipeline point a transformation runs at.
type DispatchScope struct {
	dispatcherID string
}

// AfterCollectors runs once per dispatch, before consent and queueing.
var AfterCollectors = DispatchScope{}

// DispatcherScope runs when a dispatch is about to be handed to dispatcherID.
func DispatcherScope(dispatcherID string) DispatchScope {
	return DispatchScope{dispatcherID: dispatcherID}
}

// DispatcherID returns the dispatcher of a dispatcher scope.
func (s DispatchScope) DispatcherID() (string, bool) {
	return s.dispatcherID, s.dispatcherID != ""
}

func (s DispatchScope) String() string {
	if s.dispatcherID == "" {
		return settings.ScopeAfterCollectors
	}
	return "dispatcher:" + s.dispatcherID
}

func (s DispatchScope) matches(t settings.TransformationSettings) bool {
	if s.dispatcherID == "" {
		return t.AppliesAfterCollectors()
	}
	return t.AppliesToDispatcher(s.dispatcherID)
}

// ─── Coordinator ─────────────────────────────────────────────────────────────

// TransformerCoordinator applies the configured transformations for a scope.
type TransformerCoordinator struct {
	modules         reactive.ObservableState[[]*Module]
	transformations reactive.ObservableState[map[string]settings.TransformationSettings]
	log             *slog.Logger
}

// NewTransformerCoordinator resolves transformer ids against modules at
// call time.
func NewTransformerCoordinator(
	modules reactive.ObservableState[[]*Module],
	transformations reactive.ObservableState[map[string]settings.TransformationSettings],
	log *slog.Logger,
) *TransformerCoordinator {
	if log == nil {
		log = slog.Default()
	}
	return &TransformerCoordinator{
		modules:         modules,
		transformations: transformations,
		log:             log.With("component", "transformers"),
	}
}

// Transform runs every transformation bound to scope, ordered by
// transformation id. It returns nil when a transformer drops the dispatch.
// A transformer that panics or is not enabled leaves the dispatch unchanged.
func (c *TransformerCoordinator) Transform(d *types.Dispatch, scope DispatchScope) *types.Dispatch {
	all := c.transformations.Value()
	if len(all) == 0 {
		return d
	}
	ids := make([]string, 0, len(all))
	for id, t := range all {
		if scope.matches(t) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return d
	}
	sort.Strings(ids)

	byID := make(map[string]Transformer)
	for _, m := range c.modules.Value() {
		if m.Transformer != nil {
			byID[m.ID] = m.Transformer
		}
	}

	for _, id := range ids {
		t := all[id]
		tr, ok := byID[t.TransformerID]
		if !ok {
			c.log.Debug("transformers: transformer not enabled",
				"transformation", id, "transformer", t.TransformerID)
			continue
		}
		next, ok := c.apply(tr, t, d, scope)
		if !ok {
			continue
		}
		if next == nil {
			c.log.Debug("transformers: dispatch dropped",
				"transformation", id, "dispatch_id", d.ID(), "scope", scope.String())
			return nil
		}
		d = next
	}
	return d
}

// TransformAll transforms ds, splitting the survivors from the dropped.
func (c *TransformerCoordinator) TransformAll(ds []*types.Dispatch, scope DispatchScope) (kept, dropped []*types.Dispatch) {
	for _, d := range ds {
		if out := c.Transform(d, scope); out != nil {
			kept = append(kept, out)
		} else {
			dropped = append(dropped, d)
		}
	}
	return kept, dropped
}

func (c *TransformerCoordinator) apply(tr Transformer, t settings.TransformationSettings, d *types.Dispatch, scope DispatchScope) (out *types.Dispatch, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("transformers: transformer panicked",
				"transformation", t.ID,
				"transformer", t.TransformerID,
				"dispatch_id", d.ID(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			out, ok = nil, false
		}
	}()
	return tr.ApplyTransformation(t, d, scope), true
}
