// Package types contains the core domain types shared across all dispatchq
// internal packages. It deliberately has zero imports of other dispatchq
// packages so that the storage layer, the reactive core and the pipeline can
// all import from it without creating import cycles.
package types

// DispatchState is the lifecycle state of a dispatch inside the pipeline,
// tracked per dispatcher queue entry.
type DispatchState uint8

const (
	// StateCollected means collectors have enriched the payload.
	StateCollected DispatchState = iota
	// StateConsentPending means no consent decision or configuration is known
	// yet and the dispatch waits in the consent queue.
	StateConsentPending
	// StateConsentApproved means consent allows the dispatch to proceed.
	StateConsentApproved
	// StateBarrierPending means at least one barrier for the dispatcher is closed.
	StateBarrierPending
	// StateBarrierOpen means every barrier for the dispatcher is open.
	StateBarrierOpen
	// StatePersistedQueued means the dispatch is stored in the durable queue.
	StatePersistedQueued
	// StateDelivering means the dispatch has been handed to a dispatcher.
	StateDelivering
	// StateDelivered is the terminal success state.
	StateDelivered
	// StateDropped is the terminal rejection state (consent denial, transformer drop).
	StateDropped
	// StateFailed means delivery failed; the record remains queued.
	StateFailed
)

// String returns a human-readable representation of the state.
func (s DispatchState) String() string {
	switch s {
	case StateCollected:
		return "collected"
	case StateConsentPending:
		return "consent_pending"
	case StateConsentApproved:
		return "consent_approved"
	case StateBarrierPending:
		return "barrier_pending"
	case StateBarrierOpen:
		return "barrier_open"
	case StatePersistedQueued:
		return "persisted_queued"
	case StateDelivering:
		return "delivering"
	case StateDelivered:
		return "delivered"
	case StateDropped:
		return "dropped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// BarrierState is the open/closed state of a barrier for one dispatcher.
type BarrierState uint8

const (
	BarrierClosed BarrierState = iota
	BarrierOpen
)

func (s BarrierState) String() string {
	if s == BarrierOpen {
		return "open"
	}
	return "closed"
}

// BarrierScope describes which dispatchers a barrier applies to. An empty
// DispatcherID means the barrier applies to all dispatchers.
type BarrierScope struct {
	DispatcherID string
}

// ScopeAll is the scope matching every dispatcher.
var ScopeAll = BarrierScope{}

// ScopeDispatcher returns a scope limited to a single dispatcher.
func ScopeDispatcher(id string) BarrierScope { return BarrierScope{DispatcherID: id} }

// IsAll reports whether the scope applies to every dispatcher.
func (s BarrierScope) IsAll() bool { return s.DispatcherID == "" }

// Matches reports whether the scope includes dispatcherID.
func (s BarrierScope) Matches(dispatcherID string) bool {
	return s.IsAll() || s.DispatcherID == dispatcherID
}

// String renders the scope in the settings format: "all" or the dispatcher id.
func (s BarrierScope) String() string {
	if s.IsAll() {
		return "all"
	}
	return s.DispatcherID
}

// ParseBarrierScope parses the settings representation produced by String.
func ParseBarrierScope(s string) BarrierScope {
	if s == "" || s == "all" {
		return ScopeAll
	}
	return ScopeDispatcher(s)
}

// MarshalText renders the scope as "all" or the dispatcher id.
func (s BarrierScope) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses the form written by MarshalText.
func (s *BarrierScope) UnmarshalText(b []byte) error {
	*s = ParseBarrierScope(string(b))
	return nil
}

// BarrierSettings is the per-barrier entry of the SDK settings.
type BarrierSettings struct {
	// Scopes overrides the factory's default scopes when non-empty.
	Scopes []BarrierScope `json:"scopes,omitempty"`
	// Configuration is passed to ConfigurableBarrier.UpdateConfiguration.
	Configuration DataObject `json:"configuration,omitempty"`
}
