package consent

import (
	"sync"

	"github.com/snehjoshi/dispatchq/internal/reactive"
	"github.com/snehjoshi/dispatchq/internal/types"
)

// CmpAdapter bridges a consent management platform into the pipeline.
type CmpAdapter interface {
	// ID selects the ConsentConfiguration for this CMP from the settings.
	ID() string
	// ConsentDecision emits the current decision, nil while the visitor has
	// not decided, and every change after that.
	ConsentDecision() reactive.Observable[*types.ConsentDecision]
	// AllPurposes lists every purpose the CMP can grant, or nil if unknown.
	AllPurposes() []string
}

// StaticCmp is a CmpAdapter whose decision is set programmatically, e.g. by
// the server's consent endpoint or by tests.
type StaticCmp struct {
	id       string
	decision *reactive.StateSubject[*types.ConsentDecision]

	mu          sync.RWMutex
	allPurposes []string
}

// NewStaticCmp returns an undecided adapter. allPurposes may be nil.
func NewStaticCmp(id string, allPurposes []string) *StaticCmp {
	return &StaticCmp{
		id:          id,
		decision:    reactive.NewStateSubject[*types.ConsentDecision](nil),
		allPurposes: allPurposes,
	}
}

func (c *StaticCmp) ID() string { return c.id }

func (c *StaticCmp) ConsentDecision() reactive.Observable[*types.ConsentDecision] {
	return c.decision.AsObservableState()
}

func (c *StaticCmp) AllPurposes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.allPurposes == nil {
		return nil
	}
	return append([]string{}, c.allPurposes...)
}

// SetAllPurposes replaces the purpose catalogue.
func (c *StaticCmp) SetAllPurposes(purposes []string) {
	c.mu.Lock()
	c.allPurposes = purposes
	c.mu.Unlock()
}

// SetDecision publishes a new decision.
func (c *StaticCmp) SetDecision(d types.ConsentDecision) {
	d.Purposes = append([]string(nil), d.Purposes...)
	c.decision.OnNext(&d)
}

// ClearDecision returns the adapter to the undecided state.
func (c *StaticCmp) ClearDecision() { c.decision.OnNext(nil) }

// Decision returns the current decision, if any.
func (c *StaticCmp) Decision() (types.ConsentDecision, bool) {
	d := c.decision.Value()
	if d == nil {
		return types.ConsentDecision{}, false
	}
	return *d, true
}
