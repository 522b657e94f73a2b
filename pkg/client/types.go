package client

import "time"

// Status is the outcome of a tracked dispatch.
type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusDropped   Status = "dropped"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// DecisionType is how the visitor's consent was obtained.
type DecisionType string

const (
	DecisionImplicit DecisionType = "implicit"
	DecisionExplicit DecisionType = "explicit"
)

// TrackResult is the server's answer to a track request.
type TrackResult struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	Info   string `json:"info,omitempty"`
}

// Event is one entry of a TrackBatch call.
type Event struct {
	Name string
	Data map[string]any
	View bool
}

// ConsentDecision is the visitor's consent.
type ConsentDecision struct {
	Type     DecisionType `json:"decision_type"`
	Purposes []string     `json:"purposes"`
}

// ConsentState describes the server's CMP.
type ConsentState struct {
	CmpID          string           `json:"cmp_id"`
	Decision       *ConsentDecision `json:"decision,omitempty"`
	AllPurposes    []string         `json:"all_purposes,omitempty"`
	TealiumBlocked bool             `json:"tealium_blocked"`
}

// QueueState holds queued dispatch counts and the ids handed to each
// dispatcher and not yet completed.
type QueueState struct {
	Sizes    map[string]int      `json:"sizes"`
	InFlight map[string][]string `json:"in_flight"`
}

// Session is the current visitor session.
type Session struct {
	ID         int64
	Status     string
	EventCount int
	LastEvent  time.Time
}

// HealthInfo is returned by Health.
type HealthInfo struct {
	Status     string   `json:"status"`
	InstanceID string   `json:"instance_id"`
	Persistent bool     `json:"persistent"`
	Modules    []string `json:"modules"`
}

// Dispatch is a tracked dispatch as streamed by the server.
type Dispatch struct {
	ID        string         `json:"id"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// StreamedResult is one frame of the result stream. Dropped counts frames
// the server discarded before this one because the client fell behind.
type StreamedResult struct {
	Type       string   `json:"type"`
	Status     Status   `json:"status"`
	Dispatcher string   `json:"dispatcher,omitempty"`
	Info       string   `json:"info,omitempty"`
	Dispatch   Dispatch `json:"dispatch"`
	Dropped    int      `json:"dropped,omitempty"`
}

// DeadLetter is a dispatch that a dispatcher permanently rejected.
type DeadLetter struct {
	Dispatcher string   `json:"dispatcher"`
	Info       string   `json:"info,omitempty"`
	DroppedAt  int64    `json:"dropped_at"`
	Dispatch   Dispatch `json:"dispatch"`
}
