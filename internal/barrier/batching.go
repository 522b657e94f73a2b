package barrier

import (
	"github.com/snehjoshi/dispatchq/internal/reactive"
	"github.com/snehjoshi/dispatchq/internal/types"
)

const (
	// BatchingID is the id of the BatchingBarrier and its settings entry.
	BatchingID = "BatchingBarrier"
	// KeyBatchSize is the configuration key for the batch size.
	KeyBatchSize = "batch_size"
	// DefaultBatchSize applies to dispatchers with an unknown dispatch limit.
	DefaultBatchSize = 1
)

// BatchingBarrier stays closed until enough dispatches are pending for a
// dispatcher to fill a batch. The batch size is clamped to [1, dispatch
// limit]; without configuration it equals the dispatch limit.
//
// The state is recomputed from the current queue size and batch size on
// every change, so shrinking the batch size reopens immediately and growing
// it closes again.
type BatchingBarrier struct {
	queue  QueueMetrics
	limits reactive.Observable[map[string]int]
	// batchSize is 0 when unconfigured.
	batchSize *reactive.StateSubject[int]
}

// NewBatchingBarrier builds a barrier over the given queue metrics and
// dispatch limits.
func NewBatchingBarrier(queue QueueMetrics, limits reactive.Observable[map[string]int], cfg types.DataObject) *BatchingBarrier {
	if limits == nil {
		limits = reactive.Just(map[string]int{})
	}
	return &BatchingBarrier{
		queue:     queue,
		limits:    limits,
		batchSize: reactive.NewStateSubject(parseBatchSize(cfg)),
	}
}

func parseBatchSize(cfg types.DataObject) int {
	n, ok := cfg.GetInt(KeyBatchSize)
	if !ok {
		return 0
	}
	if n < 1 {
		return 1
	}
	return int(n)
}

func (b *BatchingBarrier) ID() string { return BatchingID }

// BatchSize returns the configured batch size, 0 when unset.
func (b *BatchingBarrier) BatchSize() int { return b.batchSize.Value() }

func (b *BatchingBarrier) OnState(dispatcherID string) reactive.Observable[types.BarrierState] {
	size := reactive.Distinct(reactive.Combine(b.batchSize, b.limits, func(configured int, limits map[string]int) int {
		return effectiveBatchSize(configured, limits, dispatcherID)
	}))
	reached := reactive.Distinct(reactive.Combine(b.queue.QueueSizePendingDispatch(dispatcherID), size,
		func(pending, batch int) bool { return pending >= batch }))
	return reactive.Distinct(reactive.Map(reached, stateOf))
}

func effectiveBatchSize(configured int, limits map[string]int, dispatcherID string) int {
	limit, ok := limits[dispatcherID]
	if !ok {
		return DefaultBatchSize
	}
	if limit < 1 {
		limit = 1
	}
	switch {
	case configured == 0:
		return limit
	case configured > limit:
		return limit
	case configured < 1:
		return 1
	}
	return configured
}

func (b *BatchingBarrier) IsFlushable() reactive.Observable[bool] { return reactive.Just(true) }

func (b *BatchingBarrier) UpdateConfiguration(cfg types.DataObject) {
	b.batchSize.OnNext(parseBatchSize(cfg))
}

// ─── Factory ─────────────────────────────────────────────────────────────────

// BatchingFactory creates BatchingBarriers.
type BatchingFactory struct{ baseFactory }

// NewBatchingFactory returns a factory scoped to every dispatcher unless
// WithDefaultScopes says otherwise.
func NewBatchingFactory(opts ...FactoryOption) *BatchingFactory {
	f := &BatchingFactory{baseFactory{id: BatchingID}}
	for _, o := range opts {
		o(&f.baseFactory)
	}
	return f
}

func (f *BatchingFactory) Create(ctx Context, cfg types.DataObject) ConfigurableBarrier {
	return NewBatchingBarrier(ctx.Queue, ctx.DispatchLimits, cfg)
}
