package pipeline

import (
	"fmt"
	"strings"

	"github.com/snehjoshi/dispatchq/internal/reactive"
	"github.com/snehjoshi/dispatchq/internal/settings"
	"github.com/snehjoshi/dispatchq/internal/types"
)

// MappingsEngine rewrites payloads for dispatchers that have mappings
// configured.
type MappingsEngine struct {
	mappings reactive.ObservableState[map[string][]settings.Mapping]
}

// NewMappingsEngine reads the per-dispatcher mappings from modules.
func NewMappingsEngine(modules reactive.ObservableState[map[string]settings.ModuleSettings]) *MappingsEngine {
	return &MappingsEngine{
		mappings: reactive.MapState(modules, func(all map[string]settings.ModuleSettings) map[string][]settings.Mapping {
			out := make(map[string][]settings.Mapping)
			for id, ms := range all {
				if len(ms.Mappings) > 0 {
					out[id] = ms.Mappings
				}
			}
			return out
		}),
	}
}

// Map replaces the payload of d with the mapped payload when dispatcherID
// has mappings. Otherwise d is returned untouched.
func (e *MappingsEngine) Map(dispatcherID string, d *types.Dispatch) *types.Dispatch {
	mappings, ok := e.mappings.Value()[dispatcherID]
	if !ok {
		return d
	}
	d.Replace(MapPayload(d.Payload(), mappings))
	return d
}

// MapPayload builds a new object from payload. Keys not named by a mapping
// are dropped. A constant mapped onto a key that already holds a value turns
// the destination into a list of both.
func MapPayload(payload types.DataObject, mappings []settings.Mapping) types.DataObject {
	out := types.DataObject{}
	for _, m := range mappings {
		if m.To == "" {
			continue
		}
		v, ok := mappedValue(payload, m)
		if !ok {
			continue
		}
		if m.Constant != nil {
			if existing, found := extract(out, m.To); found {
				v = combine(existing, v)
			}
		}
		buildPath(out, m.To, v)
	}
	return out
}

func mappedValue(payload types.DataObject, m settings.Mapping) (any, bool) {
	var (
		source any
		found  bool
	)
	if m.From != "" {
		source, found = extract(payload, m.From)
	}
	if m.IfValueEquals != nil {
		ref, refFound := source, found
		if m.IfKey != "" {
			ref, refFound = extract(payload, m.IfKey)
		}
		if !refFound || fmt.Sprint(ref) != fmt.Sprint(m.IfValueEquals) {
			return nil, false
		}
	}
	if m.Constant != nil {
		return m.Constant, true
	}
	return source, found
}

func combine(existing, incoming any) any {
	if list, ok := existing.([]any); ok {
		return append(append([]any(nil), list...), incoming)
	}
	return []any{existing, incoming}
}

// extract follows a dotted path through nested objects.
func extract(obj types.DataObject, path string) (any, bool) {
	var cur any = map[string]any(obj)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// buildPath sets v at a dotted path, creating or replacing intermediate
// objects.
func buildPath(obj types.DataObject, path string, v any) {
	parts := strings.Split(path, ".")
	cur := map[string]any(obj)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(cur[part])
		if !ok {
			next = map[string]any{}
		}
		cur[part] = next
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case types.DataObject:
		return m, true
	}
	return nil, false
}
