// Package consent gates dispatches on the visitor's consent decision.
//
// A CmpAdapter reports the visitor's ConsentDecision; the consent settings
// provide one ConsentConfiguration per CMP id. Once both are known the
// Manager can decide, per dispatch, whether it may proceed and to which
// dispatchers. Until then dispatches wait in the "consent" queue and are
// re-processed on every distinct decision.
//
// Consent annotations written to the payload:
//
//	tci.purposes_with_consent_all          purposes consented so far (monotone)
//	tci.purposes_with_consent_processed    purposes a previous pass already applied
//	tci.purposes_with_consent_unprocessed  purposes new in this pass
//	tci.consent_type                       "implicit" | "explicit"
package consent

import (
	"github.com/snehjoshi/dispatchq/internal/types"
)

// Inspector answers questions about one configuration/decision pair.
type Inspector struct {
	Configuration types.ConsentConfiguration
	Decision      types.ConsentDecision
	// AllPurposes is every purpose the CMP knows about. Nil when the CMP
	// cannot enumerate them.
	AllPurposes []string
}

// TealiumConsented reports whether the decision includes the configured
// tealium purpose.
func (i Inspector) TealiumConsented() bool {
	return i.Decision.PurposeSet().Has(i.Configuration.TealiumPurposeID)
}

// TealiumExplicitlyBlocked reports an explicit decision without the tealium
// purpose. Dispatches are dropped in that state.
func (i Inspector) TealiumExplicitlyBlocked() bool {
	return i.Decision.Type == types.DecisionExplicit && !i.TealiumConsented()
}

// AllowsRefire reports whether dispatches processed under this decision
// should stay in the consent queue so refire dispatchers receive them again
// once more purposes are granted.
func (i Inspector) AllowsRefire() bool {
	if i.Decision.Type != types.DecisionImplicit || len(i.Configuration.RefireDispatcherIDs) == 0 {
		return false
	}
	if i.AllPurposes == nil {
		return true
	}
	return !i.Decision.PurposeSet().ContainsAll(types.NewStringSet(i.AllPurposes...))
}

func (i Inspector) equal(o Inspector) bool {
	return configurationsEqual(i.Configuration, o.Configuration) &&
		decisionsEqual(i.Decision, o.Decision) &&
		(i.AllPurposes == nil) == (o.AllPurposes == nil) &&
		setsEqual(i.AllPurposes, o.AllPurposes)
}

// ─── Dispatch annotation ─────────────────────────────────────────────────────

// ApplyDecision annotates d with the purposes decision grants that d has not
// been processed for yet. It returns nil when the decision grants nothing
// new, so there is nothing more to deliver.
//
// The consented set only grows: purposes recorded by an earlier pass stay in
// tci.purposes_with_consent_all.
func ApplyDecision(d *types.Dispatch, decision types.ConsentDecision) *types.Dispatch {
	granted := decision.PurposeSet()
	if len(granted) == 0 {
		return nil
	}
	prevList, _ := d.StringSlice(types.KeyAllConsented)
	previous := types.NewStringSet(prevList...)
	if previous.ContainsAll(granted) {
		return nil
	}
	d.AddAll(types.DataObject{
		types.KeyAllConsented:       toAny(previous.Union(granted).Sorted()),
		types.KeyProcessedPurposes:  toAny(previous.Sorted()),
		types.KeyUnprocessedPurpose: toAny(granted.Minus(previous).Sorted()),
		types.KeyConsentType:        string(decision.Type),
	})
	return d
}

// MatchesConfiguration reports whether dispatcherID may receive d: the
// dispatcher must be referenced by at least one purpose and every purpose
// referencing it must be in d's consented purposes.
func MatchesConfiguration(d *types.Dispatch, cfg types.ConsentConfiguration, dispatcherID string) bool {
	all, ok := d.StringSlice(types.KeyAllConsented)
	if !ok || len(all) == 0 {
		return false
	}
	consented := types.NewStringSet(all...)
	required := RequiredPurposes(cfg, dispatcherID)
	if len(required) == 0 {
		return false
	}
	return consented.ContainsAll(required)
}

// RequiredPurposes returns every purpose whose dispatcher list contains
// dispatcherID.
func RequiredPurposes(cfg types.ConsentConfiguration, dispatcherID string) types.StringSet {
	out := types.StringSet{}
	for key, p := range cfg.Purposes {
		id := p.PurposeID
		if id == "" {
			id = key
		}
		for _, dID := range p.DispatcherIDs {
			if dID == dispatcherID {
				out[id] = struct{}{}
				break
			}
		}
	}
	return out
}

// gatedBy returns the dispatchers that require at least one of purposes.
func gatedBy(cfg types.ConsentConfiguration, purposes types.StringSet) types.StringSet {
	out := types.StringSet{}
	for key, p := range cfg.Purposes {
		id := p.PurposeID
		if id == "" {
			id = key
		}
		if !purposes.Has(id) {
			continue
		}
		for _, dID := range p.DispatcherIDs {
			out[dID] = struct{}{}
		}
	}
	return out
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func decisionsEqual(a, b types.ConsentDecision) bool {
	return a.Type == b.Type && setsEqual(a.Purposes, b.Purposes)
}

func setsEqual(a, b []string) bool {
	sa, sb := types.NewStringSet(a...), types.NewStringSet(b...)
	return len(sa) == len(sb) && sa.ContainsAll(sb)
}

func configurationsEqual(a, b types.ConsentConfiguration) bool {
	if a.TealiumPurposeID != b.TealiumPurposeID ||
		!setsEqual(a.RefireDispatcherIDs, b.RefireDispatcherIDs) ||
		len(a.Purposes) != len(b.Purposes) {
		return false
	}
	for k, pa := range a.Purposes {
		pb, ok := b.Purposes[k]
		if !ok || pa.PurposeID != pb.PurposeID || !setsEqual(pa.DispatcherIDs, pb.DispatcherIDs) {
			return false
		}
	}
	return true
}
