package settings

import (
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/wI2L/jsondiff"

	"github.com/snehjoshi/dispatchq/internal/types"
)

// Merge applies each layer as a JSON merge patch over the previous ones,
// lowest precedence first. Nil layers are skipped.
func Merge(layers ...types.DataObject) (types.DataObject, error) {
	merged := []byte("{}")
	for i, layer := range layers {
		if layer == nil {
			continue
		}
		patch, err := layer.JSON()
		if err != nil {
			return nil, fmt.Errorf("settings: encode layer %d: %w", i, err)
		}
		merged, err = jsonpatch.MergePatch(merged, patch)
		if err != nil {
			return nil, fmt.Errorf("settings: merge layer %d: %w", i, err)
		}
	}
	return types.DataObjectFromJSON(merged)
}

// Diff returns the RFC 6902 operations that turn before into after. An
// empty result means the documents are equal.
func Diff(before, after types.DataObject) (jsondiff.Patch, error) {
	a, err := before.JSON()
	if err != nil {
		return nil, fmt.Errorf("settings: encode: %w", err)
	}
	b, err := after.JSON()
	if err != nil {
		return nil, fmt.Errorf("settings: encode: %w", err)
	}
	patch, err := jsondiff.CompareJSON(a, b)
	if err != nil {
		return nil, fmt.Errorf("settings: diff: %w", err)
	}
	return patch, nil
}

// changedPaths lists the JSON pointers touched by patch, for logging.
func changedPaths(patch jsondiff.Patch) []string {
	out := make([]string, 0, len(patch))
	for _, op := range patch {
		out = append(out, op.Type+" "+op.Path)
	}
	return out
}
