package types

import "sort"

// DecisionType is how the visitor's consent was obtained.
type DecisionType string

const (
	DecisionImplicit DecisionType = "implicit"
	DecisionExplicit DecisionType = "explicit"
)

// ConsentDecision is the visitor's consent state as reported by a CMP.
type ConsentDecision struct {
	Type     DecisionType `json:"decision_type"`
	Purposes []string     `json:"purposes"`
}

// PurposeSet returns the purposes as a set.
func (d ConsentDecision) PurposeSet() StringSet { return NewStringSet(d.Purposes...) }

// ConsentPurpose maps a purpose to the dispatchers that require it.
type ConsentPurpose struct {
	PurposeID     string   `json:"purpose_id"`
	DispatcherIDs []string `json:"dispatcher_ids"`
}

// ConsentConfiguration is the purpose→dispatcher requirement mapping for one
// CMP.
type ConsentConfiguration struct {
	TealiumPurposeID    string                    `json:"tealium_purpose_id"`
	RefireDispatcherIDs []string                  `json:"refire_dispatcher_ids"`
	Purposes            map[string]ConsentPurpose `json:"purposes"`
}

// StringSet is an unordered set of strings.
type StringSet map[string]struct{}

// NewStringSet builds a set from values.
func NewStringSet(values ...string) StringSet {
	s := make(StringSet, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s StringSet) Has(v string) bool {
	_, ok := s[v]
	return ok
}

// ContainsAll reports whether every element of other is in s.
func (s StringSet) ContainsAll(other StringSet) bool {
	for v := range other {
		if !s.Has(v) {
			return false
		}
	}
	return true
}

// Minus returns s \ other.
func (s StringSet) Minus(other StringSet) StringSet {
	out := StringSet{}
	for v := range s {
		if !other.Has(v) {
			out[v] = struct{}{}
		}
	}
	return out
}

// Union returns s ∪ other.
func (s StringSet) Union(other StringSet) StringSet {
	out := make(StringSet, len(s)+len(other))
	for v := range s {
		out[v] = struct{}{}
	}
	for v := range other {
		out[v] = struct{}{}
	}
	return out
}

// Sorted returns the elements in lexical order.
func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
