package local

import (
	"sort"
	"strconv"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/dispatchq/internal/storage"
)

// queueStore keeps one row per dispatch plus one ordered bucket per
// processor. A dispatch row is reference counted by processor entries and
// removed with its last reference.
type queueStore struct {
	db *bbolt.DB
}

var _ storage.QueueStore = (*queueStore)(nil)

type queueTx struct {
	dispatches *bbolt.Bucket
	processors *bbolt.Bucket
}

func (s *queueStore) update(op string, fn func(q queueTx) error) error {
	return storage.WrapPersistence(op, s.db.Update(func(tx *bbolt.Tx) error {
		d, err := tx.CreateBucketIfNotExists(bucketDispatches)
		if err != nil {
			return err
		}
		p, err := tx.CreateBucketIfNotExists(bucketProcessors)
		if err != nil {
			return err
		}
		return fn(queueTx{dispatches: d, processors: p})
	}))
}

func (s *queueStore) view(op string, fn func(q queueTx) error) error {
	return storage.WrapPersistence(op, s.db.View(func(tx *bbolt.Tx) error {
		d := tx.Bucket(bucketDispatches)
		p := tx.Bucket(bucketProcessors)
		if d == nil || p == nil {
			return nil
		}
		return fn(queueTx{dispatches: d, processors: p})
	}))
}

func (q queueTx) row(id string) (storage.DispatchRow, bool, error) {
	raw := q.dispatches.Get([]byte(id))
	if raw == nil {
		return storage.DispatchRow{}, false, nil
	}
	r, err := storage.DecodeDispatchRow(raw)
	return r, err == nil, err
}

func (q queueTx) putRow(id string, r storage.DispatchRow) error {
	raw, err := storage.EncodeDispatchRow(r)
	if err != nil {
		return err
	}
	return q.dispatches.Put([]byte(id), raw)
}

// release drops one processor reference from the dispatch row.
func (q queueTx) release(id string) error {
	r, ok, err := q.row(id)
	if err != nil || !ok {
		return err
	}
	r.Refs--
	if r.Refs <= 0 {
		return q.dispatches.Delete([]byte(id))
	}
	return q.putRow(id, r)
}

// removeKeys deletes processor entries and releases their rows.
func (q queueTx) removeKeys(pb *bbolt.Bucket, keys [][]byte) error {
	for _, k := range keys {
		if err := pb.Delete(k); err != nil {
			return err
		}
		if err := q.release(storage.DispatchIDFromOrderKey(k)); err != nil {
			return err
		}
	}
	return nil
}

func (q queueTx) dropProcessor(name []byte) (int, error) {
	pb := q.processors.Bucket(name)
	if pb == nil {
		return 0, nil
	}
	keys, err := allKeys(pb)
	if err != nil {
		return 0, err
	}
	if err := q.removeKeys(pb, keys); err != nil {
		return 0, err
	}
	return len(keys), q.processors.DeleteBucket(name)
}

func allKeys(b *bbolt.Bucket) ([][]byte, error) {
	var keys [][]byte
	err := b.ForEach(func(k, _ []byte) error {
		keys = append(keys, append([]byte(nil), k...))
		return nil
	})
	return keys, err
}

func orderKeyTimestamp(k []byte) int64 {
	if len(k) < 16 {
		return 0
	}
	ts, err := strconv.ParseUint(string(k[:16]), 16, 64)
	if err != nil {
		return 0
	}
	return int64(ts)
}

func (s *queueStore) Insert(records []storage.QueueRecord, processors []string) error {
	if len(records) == 0 || len(processors) == 0 {
		return nil
	}
	return s.update("queue insert", func(q queueTx) error {
		for _, p := range processors {
			pb, err := q.processors.CreateBucketIfNotExists([]byte(p))
			if err != nil {
				return err
			}
			for _, rec := range records {
				r, exists, err := q.row(rec.DispatchID)
				if err != nil {
					return err
				}
				ts := rec.Timestamp
				if exists {
					ts = r.Timestamp
				}
				key := storage.OrderKey(ts, rec.DispatchID)
				if pb.Get(key) != nil {
					r.Payload = rec.Payload
					if err := q.putRow(rec.DispatchID, r); err != nil {
						return err
					}
					continue
				}
				if err := pb.Put(key, nil); err != nil {
					return err
				}
				if !exists {
					r = storage.DispatchRow{Timestamp: rec.Timestamp}
				}
				r.Payload = rec.Payload
				r.Refs++
				if err := q.putRow(rec.DispatchID, r); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *queueStore) Oldest(processor string, limit int, exclude map[string]struct{}) ([]storage.QueueRecord, error) {
	var out []storage.QueueRecord
	if limit == 0 {
		return out, nil
	}
	err := s.view("queue oldest", func(q queueTx) error {
		pb := q.processors.Bucket([]byte(processor))
		if pb == nil {
			return nil
		}
		c := pb.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			id := storage.DispatchIDFromOrderKey(k)
			if _, skip := exclude[id]; skip {
				continue
			}
			r, ok, err := q.row(id)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			out = append(out, storage.QueueRecord{DispatchID: id, Timestamp: r.Timestamp, Payload: r.Payload})
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (s *queueStore) Delete(processor string, dispatchIDs []string) (int, error) {
	n := 0
	err := s.update("queue delete", func(q queueTx) error {
		pb := q.processors.Bucket([]byte(processor))
		if pb == nil {
			return nil
		}
		var keys [][]byte
		for _, id := range dispatchIDs {
			r, ok, err := q.row(id)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			key := storage.OrderKey(r.Timestamp, id)
			if pb.Get(key) != nil {
				keys = append(keys, key)
			}
		}
		n = len(keys)
		return q.removeKeys(pb, keys)
	})
	return n, err
}

func (s *queueStore) DeleteAll(processor string) (int, error) {
	n := 0
	err := s.update("queue delete all", func(q queueTx) error {
		var err error
		n, err = q.dropProcessor([]byte(processor))
		return err
	})
	return n, err
}

func (s *queueStore) DeleteProcessorsNotIn(keep []string) ([]string, error) {
	kept := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		kept[k] = struct{}{}
	}
	var affected []string
	err := s.update("queue delete processors", func(q queueTx) error {
		names, err := nestedBuckets(q.processors)
		if err != nil {
			return err
		}
		for _, name := range names {
			if _, ok := kept[string(name)]; ok {
				continue
			}
			n, err := q.dropProcessor(name)
			if err != nil {
				return err
			}
			if n > 0 {
				affected = append(affected, string(name))
			}
		}
		return nil
	})
	return affected, err
}

func (s *queueStore) DeleteOlderThan(cutoffMs int64) ([]string, error) {
	var affected []string
	err := s.update("queue expire", func(q queueTx) error {
		names, err := nestedBuckets(q.processors)
		if err != nil {
			return err
		}
		for _, name := range names {
			pb := q.processors.Bucket(name)
			var stale [][]byte
			c := pb.Cursor()
			for k, _ := c.First(); k != nil && orderKeyTimestamp(k) < cutoffMs; k, _ = c.Next() {
				stale = append(stale, append([]byte(nil), k...))
			}
			if len(stale) == 0 {
				continue
			}
			if err := q.removeKeys(pb, stale); err != nil {
				return err
			}
			affected = append(affected, string(name))
		}
		return nil
	})
	return affected, err
}

func (s *queueStore) TrimTo(max int) ([]string, error) {
	if max < 0 {
		return nil, nil
	}
	var affected []string
	err := s.update("queue trim", func(q queueTx) error {
		type stored struct {
			id string
			ts int64
		}
		var all []stored
		if err := q.dispatches.ForEach(func(k, raw []byte) error {
			r, err := storage.DecodeDispatchRow(raw)
			if err != nil {
				return err
			}
			all = append(all, stored{id: string(k), ts: r.Timestamp})
			return nil
		}); err != nil {
			return err
		}
		if len(all) <= max {
			return nil
		}
		sort.Slice(all, func(i, j int) bool {
			if all[i].ts != all[j].ts {
				return all[i].ts < all[j].ts
			}
			return all[i].id < all[j].id
		})
		victims := all[:len(all)-max]

		names, err := nestedBuckets(q.processors)
		if err != nil {
			return err
		}
		for _, name := range names {
			pb := q.processors.Bucket(name)
			var keys [][]byte
			for _, v := range victims {
				key := storage.OrderKey(v.ts, v.id)
				if pb.Get(key) != nil {
					keys = append(keys, key)
				}
			}
			if len(keys) == 0 {
				continue
			}
			if err := q.removeKeys(pb, keys); err != nil {
				return err
			}
			affected = append(affected, string(name))
		}
		for _, v := range victims {
			if err := q.dispatches.Delete([]byte(v.id)); err != nil {
				return err
			}
		}
		return nil
	})
	return affected, err
}

func (s *queueStore) Count(processor string) (int, error) {
	n := 0
	err := s.view("queue count", func(q queueTx) error {
		pb := q.processors.Bucket([]byte(processor))
		if pb == nil {
			return nil
		}
		return pb.ForEach(func(_, _ []byte) error {
			n++
			return nil
		})
	})
	return n, err
}

func (s *queueStore) Counts() (map[string]int, error) {
	out := make(map[string]int)
	err := s.view("queue counts", func(q queueTx) error {
		return q.processors.ForEach(func(name, v []byte) error {
			if v != nil {
				return nil
			}
			n := 0
			if err := q.processors.Bucket(name).ForEach(func(_, _ []byte) error {
				n++
				return nil
			}); err != nil {
				return err
			}
			if n > 0 {
				out[string(name)] = n
			}
			return nil
		})
	})
	return out, err
}

func (s *queueStore) DispatchCount() (int, error) {
	n := 0
	err := s.view("queue dispatch count", func(q queueTx) error {
		return q.dispatches.ForEach(func(_, _ []byte) error {
			n++
			return nil
		})
	})
	return n, err
}
