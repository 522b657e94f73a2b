package consent_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/dispatchq/internal/consent"
	"github.com/snehjoshi/dispatchq/internal/queue"
	"github.com/snehjoshi/dispatchq/internal/reactive"
	"github.com/snehjoshi/dispatchq/internal/storage/memory"
	"github.com/snehjoshi/dispatchq/internal/types"
)

const tealiumPurpose = "tealium"

var now = time.UnixMilli(1_700_000_000_000)

func newDispatch(id string, data types.DataObject) *types.Dispatch {
	return types.NewDispatch(id, "event", types.DispatchEvent, data, now)
}

func purposes(values ...string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func configuration(refire ...string) types.ConsentConfiguration {
	return types.ConsentConfiguration{
		TealiumPurposeID:    tealiumPurpose,
		RefireDispatcherIDs: refire,
		Purposes: map[string]types.ConsentPurpose{
			"purposeA": {PurposeID: "purposeA", DispatcherIDs: []string{"Y"}},
			"purposeB": {PurposeID: "purposeB", DispatcherIDs: []string{"Z"}},
		},
	}
}

// ---- Inspector --------------------------------------------------------------

func TestInspector(t *testing.T) {
	cfg := configuration()
	cases := []struct {
		name      string
		decision  types.ConsentDecision
		refire    []string
		all       []string
		consented bool
		blocked   bool
		refires   bool
	}{
		{"implicit granted", types.ConsentDecision{Type: types.DecisionImplicit, Purposes: []string{tealiumPurpose}}, nil, nil, true, false, false},
		{"implicit missing", types.ConsentDecision{Type: types.DecisionImplicit, Purposes: []string{"p1"}}, nil, nil, false, false, false},
		{"explicit granted", types.ConsentDecision{Type: types.DecisionExplicit, Purposes: []string{tealiumPurpose}}, nil, nil, true, false, false},
		{"explicit missing", types.ConsentDecision{Type: types.DecisionExplicit, Purposes: []string{"p1"}}, nil, nil, false, true, false},
		{"refire partial", types.ConsentDecision{Type: types.DecisionImplicit, Purposes: []string{"1"}}, []string{"d1"}, []string{"1", "2"}, false, false, true},
		{"refire all granted", types.ConsentDecision{Type: types.DecisionImplicit, Purposes: []string{"1", "2"}}, []string{"d1"}, []string{"1", "2"}, false, false, false},
		{"refire unknown catalogue", types.ConsentDecision{Type: types.DecisionImplicit, Purposes: []string{"1"}}, []string{"d1"}, nil, false, false, true},
		{"refire explicit", types.ConsentDecision{Type: types.DecisionExplicit, Purposes: []string{"1"}}, []string{"d1"}, []string{"1", "2"}, false, true, false},
		{"refire no ids", types.ConsentDecision{Type: types.DecisionImplicit, Purposes: []string{"1"}}, nil, []string{"1", "2"}, false, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := cfg
			c.RefireDispatcherIDs = tc.refire
			ins := consent.Inspector{Configuration: c, Decision: tc.decision, AllPurposes: tc.all}
			assert.Equal(t, tc.consented, ins.TealiumConsented())
			assert.Equal(t, tc.blocked, ins.TealiumExplicitlyBlocked())
			assert.Equal(t, tc.refires, ins.AllowsRefire())
		})
	}
}

// ---- ApplyDecision / MatchesConfiguration ------------------------------------

func TestApplyDecision_NoPurposesReturnsNil(t *testing.T) {
	assert.Nil(t, consent.ApplyDecision(newDispatch("d", nil), types.ConsentDecision{Type: types.DecisionExplicit}))
}

func TestApplyDecision_NothingNewReturnsNil(t *testing.T) {
	d := newDispatch("d", types.DataObject{types.KeyAllConsented: purposes("1", "2", "3")})
	assert.Nil(t, consent.ApplyDecision(d, types.ConsentDecision{Type: types.DecisionExplicit, Purposes: []string{"1", "2"}}))
}

func TestApplyDecision_Annotates(t *testing.T) {
	d := newDispatch("d", types.DataObject{types.KeyAllConsented: purposes("1", "2")})
	out := consent.ApplyDecision(d, types.ConsentDecision{Type: types.DecisionImplicit, Purposes: []string{"1", "3"}})
	require.NotNil(t, out)

	all, _ := out.StringSlice(types.KeyAllConsented)
	processed, _ := out.StringSlice(types.KeyProcessedPurposes)
	unprocessed, _ := out.StringSlice(types.KeyUnprocessedPurpose)
	kind, _ := out.Get(types.KeyConsentType)

	assert.Equal(t, []string{"1", "2", "3"}, all, "consented purposes never shrink")
	assert.Equal(t, []string{"1", "2"}, processed)
	assert.Equal(t, []string{"3"}, unprocessed)
	assert.Equal(t, "implicit", kind)
}

func TestMatchesConfiguration(t *testing.T) {
	cfg := configuration()
	d := newDispatch("d", nil)
	require.NotNil(t, consent.ApplyDecision(d, types.ConsentDecision{
		Type: types.DecisionExplicit, Purposes: []string{tealiumPurpose, "purposeA"},
	}))

	assert.True(t, consent.MatchesConfiguration(d, cfg, "Y"))
	assert.False(t, consent.MatchesConfiguration(d, cfg, "Z"), "missing purposeB blocks only Z")
	assert.False(t, consent.MatchesConfiguration(d, cfg, "unreferenced"))
	assert.False(t, consent.MatchesConfiguration(newDispatch("bare", nil), cfg, "Y"))

	strict := cfg
	strict.Purposes = map[string]types.ConsentPurpose{
		"purposeA": {PurposeID: "purposeA", DispatcherIDs: []string{"Y"}},
		"purposeC": {PurposeID: "purposeC", DispatcherIDs: []string{"Y"}},
	}
	assert.False(t, consent.MatchesConfiguration(d, strict, "Y"))
}

// ---- Manager ----------------------------------------------------------------

type fixture struct {
	cmp     *consent.StaticCmp
	configs *reactive.StateSubject[map[string]types.ConsentConfiguration]
	queue   *queue.Manager
	m       *consent.Manager
}

func newFixture(t *testing.T, cfg *types.ConsentConfiguration, all []string) *fixture {
	t.Helper()
	f := &fixture{
		cmp:     consent.NewStaticCmp("vendor", all),
		configs: reactive.NewStateSubject(map[string]types.ConsentConfiguration{}),
		queue:   queue.NewManager(memory.New().Queue(), nil, nil),
	}
	if cfg != nil {
		f.configs.OnNext(map[string]types.ConsentConfiguration{"vendor": *cfg})
	}
	dispatchers := reactive.NewStateSubject([]string{"Y", "Z"})
	f.m = consent.NewManager(f.cmp, f.configs, dispatchers.AsObservableState(), f.queue,
		consent.WithClock(func() time.Time { return now }))
	t.Cleanup(func() {
		f.m.Shutdown()
		f.queue.Close()
	})
	return f
}

func (f *fixture) ids(t *testing.T, processor string) []string {
	t.Helper()
	ds, err := f.queue.DequeueDispatches(-1, processor)
	require.NoError(t, err)
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID()
	}
	f.queue.ReleaseDispatches(ds, processor)
	return out
}

func TestApplyConsent_WithoutDecisionQueuesForConsent(t *testing.T) {
	cfg := configuration()
	f := newFixture(t, &cfg, nil)

	res := f.m.ApplyConsent(newDispatch("d1", nil))
	assert.Equal(t, types.TrackAccepted, res.Status)
	assert.Equal(t, 1, f.queue.QueueSize(consent.QueueID))
	assert.Zero(t, f.queue.QueueSize("Y"))
}

func TestApplyConsent_WithoutConfigurationQueuesForConsent(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.cmp.SetDecision(types.ConsentDecision{Type: types.DecisionExplicit, Purposes: []string{tealiumPurpose}})

	res := f.m.ApplyConsent(newDispatch("d1", nil))
	assert.Equal(t, types.TrackAccepted, res.Status)
	assert.Equal(t, 1, f.queue.QueueSize(consent.QueueID))
	_, ok := f.m.CurrentConfiguration()
	assert.False(t, ok)
}

func TestApplyConsent_ExplicitlyBlockedDrops(t *testing.T) {
	cfg := configuration()
	f := newFixture(t, &cfg, nil)
	f.cmp.SetDecision(types.ConsentDecision{Type: types.DecisionExplicit, Purposes: []string{"purposeA"}})

	assert.True(t, f.m.TealiumConsentExplicitlyBlocked())
	res := f.m.ApplyConsent(newDispatch("d1", nil))
	assert.Equal(t, types.TrackDropped, res.Status)
	assert.Empty(t, f.queue.QueueSizes())
}

func TestApplyConsent_ImplicitNotConsentedQueuesForConsent(t *testing.T) {
	cfg := configuration()
	f := newFixture(t, &cfg, nil)
	f.cmp.SetDecision(types.ConsentDecision{Type: types.DecisionImplicit, Purposes: []string{"purposeA"}})

	res := f.m.ApplyConsent(newDispatch("d1", nil))
	assert.Equal(t, types.TrackAccepted, res.Status)
	assert.Equal(t, []string{"d1"}, f.ids(t, consent.QueueID))
}

func TestApplyConsent_ConsentedQueuesForEveryDispatcher(t *testing.T) {
	cfg := configuration()
	f := newFixture(t, &cfg, nil)
	f.cmp.SetDecision(types.ConsentDecision{Type: types.DecisionExplicit, Purposes: []string{tealiumPurpose, "purposeA"}})

	d := newDispatch("d1", nil)
	res := f.m.ApplyConsent(d)
	assert.Equal(t, types.TrackAccepted, res.Status)
	assert.Equal(t, map[string]int{"Y": 1, "Z": 1}, f.queue.QueueSizes())

	stored, err := f.queue.DequeueDispatches(1, "Y")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.True(t, consent.MatchesConfiguration(stored[0], cfg, "Y"))
	assert.False(t, consent.MatchesConfiguration(stored[0], cfg, "Z"))
}

func TestDecisionChange_ReleasesConsentQueue(t *testing.T) {
	cfg := configuration()
	f := newFixture(t, &cfg, nil)

	f.m.ApplyConsent(newDispatch("d1", nil))
	f.m.ApplyConsent(newDispatch("d2", nil))
	require.Equal(t, 2, f.queue.QueueSize(consent.QueueID))

	f.cmp.SetDecision(types.ConsentDecision{Type: types.DecisionExplicit, Purposes: []string{tealiumPurpose, "purposeA"}})

	assert.Zero(t, f.queue.QueueSize(consent.QueueID))
	assert.Equal(t, []string{"d1", "d2"}, f.ids(t, "Y"))
	assert.Equal(t, []string{"d1", "d2"}, f.ids(t, "Z"))
}

func TestDecisionChange_ExplicitBlockDiscardsConsentQueue(t *testing.T) {
	cfg := configuration()
	f := newFixture(t, &cfg, nil)
	f.m.ApplyConsent(newDispatch("d1", nil))

	f.cmp.SetDecision(types.ConsentDecision{Type: types.DecisionExplicit, Purposes: []string{"purposeA"}})
	assert.Empty(t, f.queue.QueueSizes())
}

func TestDecisionChange_SameDecisionProcessedOnce(t *testing.T) {
	cfg := configuration()
	f := newFixture(t, &cfg, nil)
	f.cmp.SetDecision(types.ConsentDecision{Type: types.DecisionImplicit, Purposes: []string{"purposeA"}})
	f.m.ApplyConsent(newDispatch("d1", nil))

	decision := types.ConsentDecision{Type: types.DecisionImplicit, Purposes: []string{tealiumPurpose}}
	f.cmp.SetDecision(decision)
	require.Equal(t, 1, f.queue.QueueSize("Y"))

	f.m.ApplyConsent(newDispatch("d2", nil))
	f.cmp.SetDecision(decision)
	assert.Equal(t, 2, f.queue.QueueSize("Y"))
}

func TestDecisionChange_RefiresToNewlyUnlockedDispatchers(t *testing.T) {
	cfg := configuration("Z")
	f := newFixture(t, &cfg, []string{tealiumPurpose, "purposeA", "purposeB"})
	f.cmp.SetDecision(types.ConsentDecision{Type: types.DecisionImplicit, Purposes: []string{tealiumPurpose, "purposeA"}})

	res := f.m.ApplyConsent(newDispatch("d1", nil))
	require.Equal(t, types.TrackAccepted, res.Status)
	assert.Equal(t, map[string]int{"Y": 1, "Z": 1, consent.QueueID: 1}, f.queue.QueueSizes())

	f.cmp.SetDecision(types.ConsentDecision{Type: types.DecisionImplicit, Purposes: []string{tealiumPurpose, "purposeA", "purposeB"}})

	assert.Equal(t, []string{"d1"}, f.ids(t, "Y"))
	assert.Equal(t, []string{"d1", "d1" + consent.RefireSuffix}, f.ids(t, "Z"))
	assert.Zero(t, f.queue.QueueSize(consent.QueueID), "every purpose granted, nothing left to refire")

	refired, err := f.queue.DequeueDispatches(-1, "Z")
	require.NoError(t, err)
	require.Len(t, refired, 2)
	assert.True(t, consent.MatchesConfiguration(refired[1], cfg, "Z"))
}

func TestConfiguration_SelectedByCmpID(t *testing.T) {
	f := newFixture(t, nil, nil)
	cfg := configuration()

	f.configs.OnNext(map[string]types.ConsentConfiguration{"other": cfg})
	_, ok := f.m.CurrentConfiguration()
	assert.False(t, ok)

	f.configs.OnNext(map[string]types.ConsentConfiguration{"vendor": cfg})
	got, ok := f.m.CurrentConfiguration()
	require.True(t, ok)
	assert.Equal(t, tealiumPurpose, got.TealiumPurposeID)
}
