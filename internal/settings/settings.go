// Package settings holds the SDK settings document and the Manager that
// merges it from its sources.
//
// Settings are a JSON-shaped tree. Three layers are merged per key, lowest
// precedence first:
//
//	local     a YAML or JSON file shipped with the embedder
//	remote    a JSON document fetched over HTTP and cached in a DataStore
//	enforced  values fixed in code by module and barrier factories
//
// The merge is an RFC 7386 JSON merge patch of each layer over the previous
// one, so nested objects merge key by key and a null removes a key. The
// Manager publishes the decoded SDKSettings only when the merged document
// actually changes.
//
// Document layout:
//
//	{
//	  "core":            {"log_level": "info", "max_queue_size": 100, "expiration": 86400, "refresh_interval": 900},
//	  "modules":         {"<module id>": {"module_type": "...", "enabled": true, "configuration": {...}, "mappings": [...]}},
//	  "barriers":        {"<barrier id>": {"scopes": ["all"], "configuration": {...}}},
//	  "consent":         {"<cmp id>": {"tealium_purpose_id": "...", "purposes": {...}}},
//	  "transformations": {"<transformer id>-<transformation id>": {"transformer_id": "...", "scopes": [...]}}
//	}
package settings

import (
	"fmt"
	"time"

	"github.com/snehjoshi/dispatchq/internal/types"
)

// Top-level document keys.
const (
	KeyCore            = "core"
	KeyModules         = "modules"
	KeyBarriers        = "barriers"
	KeyConsent         = "consent"
	KeyTransformations = "transformations"
)

// Core defaults.
const (
	DefaultLogLevel        = "info"
	DefaultMaxQueueSize    = 100
	DefaultExpiration      = 24 * time.Hour
	DefaultRefreshInterval = 15 * time.Minute
	// MinRefreshInterval bounds how often the remote document is polled.
	MinRefreshInterval = 30 * time.Second
)

// CoreSettings are the instance-wide settings.
type CoreSettings struct {
	LogLevel string `json:"log_level"`
	// MaxQueueSize caps queued dispatches per dispatcher; negative means
	// unbounded.
	MaxQueueSize int `json:"max_queue_size"`
	// ExpirationSeconds is how long a queued dispatch is kept; 0 disables
	// expiry.
	ExpirationSeconds int64 `json:"expiration"`
	// RefreshIntervalSeconds is how often the remote document is fetched.
	RefreshIntervalSeconds int64 `json:"refresh_interval"`
	// DisableLibrary drops every tracked dispatch.
	DisableLibrary bool `json:"disable_library"`
}

// Expiration returns ExpirationSeconds as a duration.
func (c CoreSettings) Expiration() time.Duration {
	return time.Duration(c.ExpirationSeconds) * time.Second
}

// RefreshInterval returns the remote refresh interval, never below
// MinRefreshInterval.
func (c CoreSettings) RefreshInterval() time.Duration {
	d := time.Duration(c.RefreshIntervalSeconds) * time.Second
	if d < MinRefreshInterval {
		return MinRefreshInterval
	}
	return d
}

// Mapping copies one payload value to a destination key when the dispatch
// is handed to a dispatcher. Keys may be dotted paths into nested objects.
type Mapping struct {
	// From is the source key. Ignored when Constant is set.
	From string `json:"from,omitempty"`
	// To is the destination key in the mapped payload.
	To string `json:"to"`
	// Constant is written instead of the source value.
	Constant any `json:"constant,omitempty"`
	// IfValueEquals restricts the mapping to dispatches whose source value
	// (IfKey, else From) equals it.
	IfKey         string `json:"if_key,omitempty"`
	IfValueEquals any    `json:"if_value_equals,omitempty"`
}

// ModuleSettings configure one module instance.
type ModuleSettings struct {
	ModuleType string `json:"module_type"`
	// Enabled defaults to true when absent.
	Enabled       *bool            `json:"enabled,omitempty"`
	Order         int              `json:"order,omitempty"`
	Configuration types.DataObject `json:"configuration,omitempty"`
	// Mappings apply to dispatcher modules only. When set, a dispatcher
	// receives only the mapped keys.
	Mappings []Mapping `json:"mappings,omitempty"`
}

// IsEnabled reports whether the module should run.
func (m ModuleSettings) IsEnabled() bool { return m.Enabled == nil || *m.Enabled }

// Transformation scopes other than a dispatcher id.
const (
	ScopeAfterCollectors = "aftercollectors"
	ScopeAllDispatchers  = "alldispatchers"
)

// TransformationSettings bind a transformation to a transformer module and
// the pipeline points it runs at.
type TransformationSettings struct {
	ID            string           `json:"transformation_id"`
	TransformerID string           `json:"transformer_id"`
	Scopes        []string         `json:"scopes"`
	Configuration types.DataObject `json:"configuration,omitempty"`
}

// AppliesAfterCollectors reports whether the transformation runs once per
// dispatch, before consent.
func (t TransformationSettings) AppliesAfterCollectors() bool {
	for _, s := range t.Scopes {
		if s == ScopeAfterCollectors {
			return true
		}
	}
	return false
}

// AppliesToDispatcher reports whether the transformation runs before
// delivery to dispatcherID.
func (t TransformationSettings) AppliesToDispatcher(dispatcherID string) bool {
	for _, s := range t.Scopes {
		if s == ScopeAllDispatchers || s == dispatcherID {
			return true
		}
	}
	return false
}

// SDKSettings is the decoded settings document.
type SDKSettings struct {
	Core            CoreSettings                          `json:"core"`
	Modules         map[string]ModuleSettings             `json:"modules,omitempty"`
	Barriers        map[string]types.BarrierSettings      `json:"barriers,omitempty"`
	Consent         map[string]types.ConsentConfiguration `json:"consent,omitempty"`
	Transformations map[string]TransformationSettings     `json:"transformations,omitempty"`
}

// Default returns the settings used when no source provides a value.
func Default() SDKSettings {
	return SDKSettings{
		Core: CoreSettings{
			LogLevel:               DefaultLogLevel,
			MaxQueueSize:           DefaultMaxQueueSize,
			ExpirationSeconds:      int64(DefaultExpiration / time.Second),
			RefreshIntervalSeconds: int64(DefaultRefreshInterval / time.Second),
		},
		Modules:         map[string]ModuleSettings{},
		Barriers:        map[string]types.BarrierSettings{},
		Consent:         map[string]types.ConsentConfiguration{},
		Transformations: map[string]TransformationSettings{},
	}
}

// FromDataObject decodes a merged document over Default.
func FromDataObject(doc types.DataObject) (SDKSettings, error) {
	s := Default()
	if len(doc) == 0 {
		return s, nil
	}
	if err := doc.Decode(&s); err != nil {
		return Default(), fmt.Errorf("settings: decode: %w", err)
	}
	for id, ts := range s.Transformations {
		if ts.ID == "" {
			ts.ID = id
			s.Transformations[id] = ts
		}
	}
	return s, nil
}

// ModuleDocument builds the "modules" entry of an enforced document for
// moduleID.
func ModuleDocument(moduleID string, ms ModuleSettings) types.DataObject {
	doc, _ := types.ToDataObject(ms)
	return types.DataObject{KeyModules: map[string]any{moduleID: map[string]any(doc)}}
}
