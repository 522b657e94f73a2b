package types

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Well-known payload keys.
const (
	KeyEvent              = "tealium_event"
	KeyEventType          = "tealium_event_type"
	KeyRequestUUID        = "request_uuid"
	KeyTimestampMillis    = "tealium_timestamp_epoch_milliseconds"
	KeyVisitorID          = "tealium_visitor_id"
	KeySessionID          = "tealium_session_id"
	KeyIsNewSession       = "is_new_session"
	KeyTraceID            = "cp.trace_id"
	KeyTealiumTraceID     = "tealium_trace_id"
	KeyConsentType        = "tci.consent_type"
	KeyAllConsented       = "tci.purposes_with_consent_all"
	KeyProcessedPurposes  = "tci.purposes_with_consent_processed"
	KeyUnprocessedPurpose = "tci.purposes_with_consent_unprocessed"
)

// DispatchType classifies a dispatch.
type DispatchType string

const (
	DispatchEvent DispatchType = "event"
	DispatchView  DispatchType = "view"
)

// Dispatch is one trackable event. Its payload is mutated in place by
// collectors, transformers and the consent stage; all other fields are fixed
// at creation.
//
// Design rules:
//   - The JSON format is persisted in the queue. Fields may be added, never
//     renamed or removed.
//   - Timestamps are UTC milliseconds since Unix epoch.
type Dispatch struct {
	id        string
	timestamp int64

	mu      sync.RWMutex
	payload DataObject
}

// NewDispatch creates a dispatch stamped with the standard event keys. data is
// copied; keys in data override the generated ones except the id.
func NewDispatch(id, eventName string, kind DispatchType, data DataObject, now time.Time) *Dispatch {
	if kind == "" {
		kind = DispatchEvent
	}
	ts := now.UnixMilli()
	payload := DataObject{
		KeyEvent:           eventName,
		KeyEventType:       string(kind),
		KeyTimestampMillis: ts,
	}
	for k, v := range data {
		payload[k] = copyValue(v)
	}
	payload[KeyRequestUUID] = id
	return &Dispatch{id: id, timestamp: ts, payload: payload}
}

// RestoreDispatch rebuilds a dispatch from persisted fields without stamping.
func RestoreDispatch(id string, timestamp int64, payload DataObject) *Dispatch {
	return &Dispatch{id: id, timestamp: timestamp, payload: payload.Copy()}
}

// ID returns the unique id of the dispatch.
func (d *Dispatch) ID() string { return d.id }

// Timestamp returns the creation time in UTC milliseconds.
func (d *Dispatch) Timestamp() int64 { return d.timestamp }

// Name returns the event name carried in the payload.
func (d *Dispatch) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, _ := d.payload.GetString(KeyEvent)
	return s
}

// Payload returns a copy of the current payload.
func (d *Dispatch) Payload() DataObject {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.payload.Copy()
}

// Get returns one payload value without copying the whole payload.
func (d *Dispatch) Get(key string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.payload[key]
	return v, ok
}

// StringSlice returns the list of strings stored at key in the payload.
func (d *Dispatch) StringSlice(key string) ([]string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.payload.GetStringSlice(key)
}

// AddAll merges data into the payload, overwriting existing keys.
func (d *Dispatch) AddAll(data DataObject) {
	if len(data) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range data {
		d.payload[k] = copyValue(v)
	}
}

// Replace swaps the payload for data.
func (d *Dispatch) Replace(data DataObject) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payload = data.Copy()
}

// Copy returns an independent dispatch with the same payload and timestamp.
// An empty id keeps the original id.
func (d *Dispatch) Copy(id string) *Dispatch {
	if id == "" {
		id = d.id
	}
	return &Dispatch{id: id, timestamp: d.timestamp, payload: d.Payload()}
}

// LogDescription is a short, stable identifier for log lines.
func (d *Dispatch) LogDescription() string {
	id := d.id
	if len(id) > 5 {
		id = id[len(id)-5:]
	}
	return fmt.Sprintf("%s-%s", id, d.Name())
}

type dispatchJSON struct {
	ID        string     `json:"id"`
	Timestamp int64      `json:"timestamp"`
	Payload   DataObject `json:"payload"`
}

// MarshalJSON encodes the dispatch for persistence and transport.
func (d *Dispatch) MarshalJSON() ([]byte, error) {
	return json.Marshal(dispatchJSON{ID: d.id, Timestamp: d.timestamp, Payload: d.Payload()})
}

// UnmarshalJSON decodes a dispatch written by MarshalJSON. Numbers are kept
// as json.Number.
func (d *Dispatch) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        string          `json:"id"`
		Timestamp int64           `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload := DataObject{}
	if len(raw.Payload) > 0 {
		p, err := DataObjectFromJSON(raw.Payload)
		if err != nil {
			return err
		}
		payload = p
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.id = raw.ID
	d.timestamp = raw.Timestamp
	d.payload = payload
	return nil
}

// SourceKind distinguishes application dispatches from module-originated ones.
type SourceKind uint8

const (
	SourceApplication SourceKind = iota
	SourceModule
)

// Source tags where a dispatch originated.
type Source struct {
	Kind     SourceKind
	ModuleID string
}

// ApplicationSource is the source of dispatches tracked by the embedder.
var ApplicationSource = Source{Kind: SourceApplication}

// ModuleSource tags a dispatch produced by the module with the given id.
func ModuleSource(moduleID string) Source { return Source{Kind: SourceModule, ModuleID: moduleID} }

// DispatchContext pairs the initial payload snapshot with its source so that
// collectors can avoid reacting to data they produced themselves.
type DispatchContext struct {
	Source      Source
	InitialData DataObject
}

// NewDispatchContext snapshots the dispatch payload.
func NewDispatchContext(src Source, d *Dispatch) DispatchContext {
	return DispatchContext{Source: src, InitialData: d.Payload()}
}
