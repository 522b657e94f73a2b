package memory

import (
	"sort"
	"sync"

	"github.com/snehjoshi/dispatchq/internal/storage"
)

type queueStore struct {
	mu         sync.Mutex
	dispatches map[string]*storage.DispatchRow
	processors map[string]map[string]struct{}
}

var _ storage.QueueStore = (*queueStore)(nil)

func newQueueStore() *queueStore {
	return &queueStore{
		dispatches: make(map[string]*storage.DispatchRow),
		processors: make(map[string]map[string]struct{}),
	}
}

func (s *queueStore) release(id string) {
	r, ok := s.dispatches[id]
	if !ok {
		return
	}
	r.Refs--
	if r.Refs <= 0 {
		delete(s.dispatches, id)
	}
}

func (s *queueStore) remove(processor string, ids []string) int {
	set := s.processors[processor]
	n := 0
	for _, id := range ids {
		if _, ok := set[id]; !ok {
			continue
		}
		delete(set, id)
		s.release(id)
		n++
	}
	if len(set) == 0 {
		delete(s.processors, processor)
	}
	return n
}

// ordered returns the ids queued for processor, oldest first.
func (s *queueStore) ordered(processor string) []string {
	set := s.processors[processor]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.dispatches[ids[i]], s.dispatches[ids[j]]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return ids[i] < ids[j]
	})
	return ids
}

func (s *queueStore) Insert(records []storage.QueueRecord, processors []string) error {
	if len(records) == 0 || len(processors) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range processors {
		set, ok := s.processors[p]
		if !ok {
			set = make(map[string]struct{})
			s.processors[p] = set
		}
		for _, rec := range records {
			r, exists := s.dispatches[rec.DispatchID]
			if !exists {
				r = &storage.DispatchRow{Timestamp: rec.Timestamp}
				s.dispatches[rec.DispatchID] = r
			}
			r.Payload = append([]byte(nil), rec.Payload...)
			if _, queued := set[rec.DispatchID]; queued {
				continue
			}
			set[rec.DispatchID] = struct{}{}
			r.Refs++
		}
	}
	return nil
}

func (s *queueStore) Oldest(processor string, limit int, exclude map[string]struct{}) ([]storage.QueueRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.QueueRecord
	if limit == 0 {
		return out, nil
	}
	for _, id := range s.ordered(processor) {
		if _, skip := exclude[id]; skip {
			continue
		}
		r := s.dispatches[id]
		out = append(out, storage.QueueRecord{DispatchID: id, Timestamp: r.Timestamp, Payload: r.Payload})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *queueStore) Delete(processor string, dispatchIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(processor, dispatchIDs), nil
}

func (s *queueStore) DeleteAll(processor string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(processor, s.ordered(processor)), nil
}

func (s *queueStore) DeleteProcessorsNotIn(keep []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		kept[k] = struct{}{}
	}
	var affected []string
	for p := range s.processors {
		if _, ok := kept[p]; ok {
			continue
		}
		if s.remove(p, s.ordered(p)) > 0 {
			affected = append(affected, p)
		}
	}
	sort.Strings(affected)
	return affected, nil
}

func (s *queueStore) DeleteOlderThan(cutoffMs int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var affected []string
	for p := range s.processors {
		var stale []string
		for _, id := range s.ordered(p) {
			if s.dispatches[id].Timestamp >= cutoffMs {
				break
			}
			stale = append(stale, id)
		}
		if s.remove(p, stale) > 0 {
			affected = append(affected, p)
		}
	}
	sort.Strings(affected)
	return affected, nil
}

func (s *queueStore) TrimTo(max int) ([]string, error) {
	if max < 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.dispatches) <= max {
		return nil, nil
	}
	ids := make([]string, 0, len(s.dispatches))
	for id := range s.dispatches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.dispatches[ids[i]], s.dispatches[ids[j]]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return ids[i] < ids[j]
	})
	victims := ids[:len(ids)-max]

	var affected []string
	for p := range s.processors {
		if s.remove(p, victims) > 0 {
			affected = append(affected, p)
		}
	}
	for _, id := range victims {
		delete(s.dispatches, id)
	}
	sort.Strings(affected)
	return affected, nil
}

func (s *queueStore) Count(processor string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processors[processor]), nil
}

func (s *queueStore) Counts() (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.processors))
	for p, set := range s.processors {
		if len(set) > 0 {
			out[p] = len(set)
		}
	}
	return out, nil
}

func (s *queueStore) DispatchCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dispatches), nil
}
