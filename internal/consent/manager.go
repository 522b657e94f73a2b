package consent

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/snehjoshi/dispatchq/internal/reactive"
	"github.com/snehjoshi/dispatchq/internal/types"
)

// QueueID is the processor id of the consent-pending queue.
const QueueID = "consent"

// RefireSuffix is appended to the id of refired dispatch copies.
const RefireSuffix = "-refire"

// Queue is the subset of the dispatch queue the consent stage uses.
type Queue interface {
	StoreDispatches(dispatches []*types.Dispatch, processors []string) error
	DequeueDispatches(limit int, processor string) ([]*types.Dispatch, error)
	DeleteAllDispatches(processor string) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithScheduler moves decision handling onto s. Use the core serial
// scheduler so re-processing is ordered with track calls. Default: inline.
func WithScheduler(s reactive.Scheduler) Option {
	return func(m *Manager) { m.sched = s }
}

// WithClock overrides the time source used to stamp refired copies.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager applies consent to dispatches and re-processes the consent queue
// whenever the decision changes.
type Manager struct {
	cmp         CmpAdapter
	queue       Queue
	dispatchers reactive.ObservableState[[]string]
	sched       reactive.Scheduler
	now         func() time.Time
	log         *slog.Logger

	// mu serializes ApplyConsent with consent-queue re-processing.
	mu sync.Mutex

	configuration *reactive.StateSubject[*types.ConsentConfiguration]
	inspector     *reactive.StateSubject[*Inspector]
	disposables   *reactive.CompositeDisposable
}

// NewManager starts observing cmp's decisions and the per-CMP configurations.
// dispatchers is the live set of dispatcher ids.
func NewManager(
	cmp CmpAdapter,
	configurations reactive.Observable[map[string]types.ConsentConfiguration],
	dispatchers reactive.ObservableState[[]string],
	q Queue,
	opts ...Option,
) *Manager {
	m := &Manager{
		cmp:           cmp,
		queue:         q,
		dispatchers:   dispatchers,
		now:           time.Now,
		log:           slog.Default(),
		configuration: reactive.NewStateSubject[*types.ConsentConfiguration](nil),
		inspector:     reactive.NewStateSubject[*Inspector](nil),
		disposables:   reactive.NewCompositeDisposable(),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With("component", "consent", "cmp", cmp.ID())

	selected := reactive.DistinctFunc(
		reactive.Map(configurations, func(all map[string]types.ConsentConfiguration) *types.ConsentConfiguration {
			cfg, ok := all[cmp.ID()]
			if !ok {
				return nil
			}
			return &cfg
		}),
		func(a, b *types.ConsentConfiguration) bool {
			if a == nil || b == nil {
				return a == b
			}
			return configurationsEqual(*a, *b)
		},
	)
	m.disposables.Add(selected.Subscribe(func(cfg *types.ConsentConfiguration) {
		if cfg == nil {
			m.log.Warn("consent: no configuration selected for CMP; provide one in the consent settings")
		}
		m.configuration.OnNext(cfg)
	}))

	inspectors := reactive.DistinctFunc(
		reactive.Combine(m.configuration, cmp.ConsentDecision(),
			func(cfg *types.ConsentConfiguration, d *types.ConsentDecision) *Inspector {
				if cfg == nil || d == nil {
					return nil
				}
				return &Inspector{Configuration: *cfg, Decision: *d, AllPurposes: cmp.AllPurposes()}
			}),
		func(a, b *Inspector) bool {
			if a == nil || b == nil {
				return a == b
			}
			return a.equal(*b)
		},
	)
	if m.sched != nil {
		inspectors = reactive.ObserveOn(inspectors, m.sched)
	}
	m.disposables.Add(inspectors.Subscribe(func(ins *Inspector) {
		m.inspector.OnNext(ins)
		if ins != nil {
			m.handleConsentChange(*ins)
		}
	}))

	m.logMisconfiguredDispatchers()
	return m
}

func (m *Manager) logMisconfiguredDispatchers() {
	configured := reactive.MapNotNil(m.configuration, func(c *types.ConsentConfiguration) (types.ConsentConfiguration, bool) {
		if c == nil {
			return types.ConsentConfiguration{}, false
		}
		return *c, true
	})
	missing := reactive.Combine(configured, reactive.Observable[[]string](m.dispatchers),
		func(cfg types.ConsentConfiguration, ids []string) string {
			var out []string
			for _, id := range ids {
				if len(RequiredPurposes(cfg, id)) == 0 {
					out = append(out, id)
				}
			}
			if len(out) == 0 {
				return ""
			}
			return fmt.Sprint(out)
		})
	m.disposables.Add(reactive.Distinct(reactive.Filter(missing, func(s string) bool { return s != "" })).
		Subscribe(func(ids string) {
			m.log.Error("consent: no purpose references these dispatchers; they will not fire", "dispatchers", ids)
		}))
}

// ─── Track-time gate ─────────────────────────────────────────────────────────

// ApplyConsent decides what happens to a freshly collected dispatch:
//
//   - no configuration or decision yet → consent queue, Accepted
//   - tealium purpose explicitly denied → Dropped
//   - tealium purpose implicitly not granted → consent queue, Accepted
//   - nothing new granted → Dropped
//   - otherwise annotated and queued for every dispatcher (plus the consent
//     queue when refire is allowed), Accepted
func (m *Manager) ApplyConsent(d *types.Dispatch) types.TrackResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	ins := m.inspector.Value()
	if ins == nil {
		return m.enqueueForConsent(d, "missing consent configuration or decision, queued for consent")
	}
	if ins.TealiumExplicitlyBlocked() {
		return types.Dropped(d, "tealium purpose explicitly blocked")
	}
	if !ins.TealiumConsented() {
		return m.enqueueForConsent(d, "tealium purpose implicitly not consented, queued for consent")
	}
	if ApplyDecision(d, ins.Decision) == nil {
		return types.Dropped(d, "no unprocessed purposes")
	}

	processors := types.NewStringSet(m.dispatchers.Value()...)
	if ins.AllowsRefire() {
		processors[QueueID] = struct{}{}
	}
	ids := processors.Sorted()
	if err := m.queue.StoreDispatches([]*types.Dispatch{d}, ids); err != nil {
		return failed(d, err)
	}
	return types.Accepted(d, fmt.Sprintf("queued for processors %v", ids))
}

func (m *Manager) enqueueForConsent(d *types.Dispatch, info string) types.TrackResult {
	if err := m.queue.StoreDispatches([]*types.Dispatch{d}, []string{QueueID}); err != nil {
		return failed(d, err)
	}
	return types.Accepted(d, info)
}

func failed(d *types.Dispatch, err error) types.TrackResult {
	r := types.Dropped(d, "queue write failed")
	r.Err = err
	return r
}

// ─── Decision changes ────────────────────────────────────────────────────────

// handleConsentChange drains the consent queue under a new decision.
// Dispatches never processed before go to every dispatcher; dispatches
// already processed under an earlier decision are copied to the refire
// dispatchers that a newly granted purpose unlocks.
func (m *Manager) handleConsentChange(ins Inspector) {
	if !ins.TealiumExplicitlyBlocked() && !ins.TealiumConsented() {
		// Still waiting for the tealium purpose.
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pending, err := m.queue.DequeueDispatches(-1, QueueID)
	if err != nil {
		m.log.Warn("consent: reading consent queue failed", "err", err)
		return
	}
	if err := m.queue.DeleteAllDispatches(QueueID); err != nil {
		m.log.Warn("consent: clearing consent queue failed", "err", err)
	}
	if ins.TealiumExplicitlyBlocked() {
		if len(pending) > 0 {
			m.log.Debug("consent: dropped queued dispatches, tealium explicitly blocked", "count", len(pending))
		}
		return
	}

	dispatchers := types.NewStringSet(m.dispatchers.Value()...)
	refireIDs := types.NewStringSet(ins.Configuration.RefireDispatcherIDs...)

	var fresh []*types.Dispatch
	refire := make(map[string][]*types.Dispatch)
	for _, d := range pending {
		processed, _ := d.StringSlice(types.KeyAllConsented)
		if ApplyDecision(d, ins.Decision) == nil {
			continue
		}
		if len(processed) == 0 {
			fresh = append(fresh, d)
			continue
		}
		unprocessed, _ := d.StringSlice(types.KeyUnprocessedPurpose)
		targets := gatedBy(ins.Configuration, types.NewStringSet(unprocessed...))
		for id := range targets {
			if !refireIDs.Has(id) || !dispatchers.Has(id) {
				continue
			}
			refire[id] = append(refire[id], d)
		}
	}

	if len(fresh) > 0 {
		m.log.Debug("consent: queued dispatches released", "decision", ins.Decision.Type, "count", len(fresh))
		if err := m.queue.StoreDispatches(fresh, dispatchers.Sorted()); err != nil {
			m.log.Warn("consent: storing released dispatches failed", "err", err)
		}
	}
	for id, ds := range refire {
		copies := make([]*types.Dispatch, len(ds))
		for i, d := range ds {
			copies[i] = types.RestoreDispatch(d.ID()+RefireSuffix, m.now().UnixMilli(), d.Payload())
		}
		m.log.Debug("consent: refiring dispatches", "dispatcher", id, "count", len(copies))
		if err := m.queue.StoreDispatches(copies, []string{id}); err != nil {
			m.log.Warn("consent: storing refire copies failed", "dispatcher", id, "err", err)
		}
	}
	if ins.AllowsRefire() && len(pending) > 0 {
		if err := m.queue.StoreDispatches(pending, []string{QueueID}); err != nil {
			m.log.Warn("consent: re-queueing for refire failed", "err", err)
		}
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// TealiumConsentExplicitlyBlocked reports whether tracking is currently
// denied outright.
func (m *Manager) TealiumConsentExplicitlyBlocked() bool {
	ins := m.inspector.Value()
	return ins != nil && ins.TealiumExplicitlyBlocked()
}

// Configuration emits the configuration selected for the CMP, nil when the
// settings have none.
func (m *Manager) Configuration() reactive.ObservableState[*types.ConsentConfiguration] {
	return m.configuration.AsObservableState()
}

// CurrentConfiguration returns the selected configuration, if any.
func (m *Manager) CurrentConfiguration() (types.ConsentConfiguration, bool) {
	c := m.configuration.Value()
	if c == nil {
		return types.ConsentConfiguration{}, false
	}
	return *c, true
}

// Decisions emits the CMP's decisions.
func (m *Manager) Decisions() reactive.Observable[*types.ConsentDecision] {
	return m.cmp.ConsentDecision()
}

// Inspector returns the current configuration/decision pair, if both are known.
func (m *Manager) Inspector() (Inspector, bool) {
	ins := m.inspector.Value()
	if ins == nil {
		return Inspector{}, false
	}
	return *ins, true
}

// Shutdown stops observing the CMP and the settings.
func (m *Manager) Shutdown() {
	m.disposables.Dispose()
}
