// Package patch rewrites dispatch payloads with RFC 6902 JSON patches.
//
// Each transformation bound to the patch transformer carries its operations
// in its configuration:
//
//	transformations:
//	  strip-pii:
//	    transformer_id: patch
//	    scopes: [aftercollectors]
//	    configuration:
//	      drop_events: [debug_ping]
//	      operations:
//	        - {op: remove, path: /email}
//	        - {op: add, path: /source, value: sidecar}
//
// A failing operation (for example a failed "test") leaves the dispatch
// unchanged. Dispatches whose event is listed in drop_events are dropped.
package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/snehjoshi/dispatchq/internal/pipeline"
	"github.com/snehjoshi/dispatchq/internal/settings"
	"github.com/snehjoshi/dispatchq/internal/types"
)

// ModuleType is the factory type and default module id.
const ModuleType = "patch"

// ErrInvalidPatch is returned for transformations whose operations do not
// decode.
var ErrInvalidPatch = errors.New("patch: invalid operations")

// Configuration is the per-transformation configuration.
type Configuration struct {
	Operations []json.RawMessage `json:"operations"`
	DropEvents []string          `json:"drop_events,omitempty"`
}

type compiled struct {
	source string
	patch  jsonpatch.Patch
	drop   types.StringSet
}

// Transformer applies patches.
type Transformer struct {
	log *slog.Logger

	mu    sync.Mutex
	cache map[string]compiled
}

// New returns a Transformer.
func New(log *slog.Logger) *Transformer {
	if log == nil {
		log = slog.Default()
	}
	return &Transformer{log: log, cache: map[string]compiled{}}
}

// Compile decodes the configuration of t.
func Compile(cfg types.DataObject) (jsonpatch.Patch, types.StringSet, error) {
	var c Configuration
	if err := cfg.Decode(&c); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	var p jsonpatch.Patch
	if len(c.Operations) > 0 {
		raw, err := json.Marshal(c.Operations)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
		}
		if p, err = jsonpatch.DecodePatch(raw); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
		}
	}
	return p, types.NewStringSet(c.DropEvents...), nil
}

func (t *Transformer) compiled(ts settings.TransformationSettings) (compiled, error) {
	raw, err := ts.Configuration.JSON()
	if err != nil {
		return compiled{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.cache[ts.ID]; ok && c.source == string(raw) {
		return c, nil
	}
	p, drop, err := Compile(ts.Configuration)
	if err != nil {
		return compiled{}, err
	}
	c := compiled{source: string(raw), patch: p, drop: drop}
	t.cache[ts.ID] = c
	return c, nil
}

// ApplyTransformation patches d's payload.
func (t *Transformer) ApplyTransformation(ts settings.TransformationSettings, d *types.Dispatch, scope pipeline.DispatchScope) *types.Dispatch {
	c, err := t.compiled(ts)
	if err != nil {
		t.log.Warn("patch: transformation skipped", "transformation", ts.ID, "err", err)
		return d
	}
	if c.drop.Has(d.Name()) {
		return nil
	}
	if len(c.patch) == 0 {
		return d
	}

	doc, err := d.Payload().JSON()
	if err != nil {
		t.log.Warn("patch: payload not encodable", "dispatch_id", d.ID(), "err", err)
		return d
	}
	patched, err := c.patch.Apply(doc)
	if err != nil {
		t.log.Debug("patch: not applied",
			"transformation", ts.ID, "dispatch_id", d.ID(), "scope", scope.String(), "err", err)
		return d
	}
	out, err := types.DataObjectFromJSON(patched)
	if err != nil {
		t.log.Warn("patch: patched payload not an object", "transformation", ts.ID, "err", err)
		return d
	}
	d.Replace(out)
	return d
}

// ─── Factory ─────────────────────────────────────────────────────────────────

// Factory creates patch transformers.
type Factory struct{}

// NewFactory returns a patch factory.
func NewFactory() *Factory { return &Factory{} }

func (Factory) ModuleType() string { return ModuleType }

func (Factory) EnforcedSettings() map[string]settings.ModuleSettings { return nil }

func (Factory) Create(moduleID string, ctx pipeline.ModuleContext, _ types.DataObject) (*pipeline.Module, error) {
	log := ctx.Logger
	if log == nil {
		log = slog.Default()
	}
	t := New(log.With("module", moduleID))
	return &pipeline.Module{Version: "1.0.0", Transformer: t, Instance: t}, nil
}
