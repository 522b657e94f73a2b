package queue

import "github.com/snehjoshi/dispatchq/internal/types"

// statemachine.go: dispatch lifecycle transition rules, per dispatcher
// queue entry.
//
// State diagram:
//
//	COLLECTED ──► CONSENT_PENDING ──► CONSENT_APPROVED
//	    │                │                   │
//	    └──────────┬─────┴───► DROPPED       ▼
//	               ▼                   BARRIER_PENDING ◄──┐
//	       CONSENT_APPROVED ─────────► BARRIER_OPEN       │
//	                                        │             │
//	                                        ▼             │
//	                                 PERSISTED_QUEUED ────┘
//	                                        │
//	                                        ▼
//	                                   DELIVERING
//	                                        │
//	                  ┌─────────────────────┼───────────┐
//	                  ▼                     ▼           ▼
//	              DELIVERED              DROPPED      FAILED ──► PERSISTED_QUEUED

// ValidTransition reports whether from → to is a legal lifecycle change for
// one dispatch on one dispatcher queue.
//
// The pipeline drives transitions through the Manager and the dispatch loop;
// tests use this to assert the sequences they observe.
func ValidTransition(from, to types.DispatchState) bool {
	switch from {
	case types.StateCollected:
		// Consent decides first; transformers may also drop.
		return to == types.StateConsentPending || to == types.StateConsentApproved || to == types.StateDropped
	case types.StateConsentPending:
		// A decision arrives: approved, or explicitly blocked.
		return to == types.StateConsentApproved || to == types.StateDropped
	case types.StateConsentApproved:
		return to == types.StateBarrierPending || to == types.StateBarrierOpen || to == types.StatePersistedQueued
	case types.StateBarrierPending:
		return to == types.StateBarrierOpen || to == types.StatePersistedQueued
	case types.StateBarrierOpen:
		return to == types.StatePersistedQueued || to == types.StateBarrierPending
	case types.StatePersistedQueued:
		// Dequeued for delivery, evicted by size/expiry, or gated again.
		return to == types.StateDelivering || to == types.StateDropped || to == types.StateBarrierPending
	case types.StateDelivering:
		return to == types.StateDelivered || to == types.StateDropped || to == types.StateFailed
	case types.StateFailed:
		// The record stays queued for a later attempt.
		return to == types.StatePersistedQueued
	case types.StateDelivered, types.StateDropped:
		// Terminal.
		return false
	}
	return false
}
