// Package datastore layers expiry-aware, observable key/value stores over a
// storage.KeyValueRepository.
//
// Every module gets its own namespaced DataStore and all modules share one
// additional store. Writes are batched through an Editor and applied in one
// transaction on Commit. After a successful commit the store emits:
//   - OnDataUpdated: the puts that wrote a row
//   - OnDataRemoved: explicit removals, merged with expired keys
//
// Reads never return expired values. A value whose absolute expiry has
// passed is deleted the first time it is read (or swept), and its key is
// reported through OnDataExpired and OnDataRemoved exactly once.
package datastore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/snehjoshi/dispatchq/internal/reactive"
	"github.com/snehjoshi/dispatchq/internal/storage"
	"github.com/snehjoshi/dispatchq/internal/types"
)

// DataStore is an expiry-aware key/value store for one namespace.
type DataStore struct {
	namespace string
	repo      storage.KeyValueRepository
	now       func() time.Time
	log       *slog.Logger

	updated *reactive.Subject[types.DataObject]
	removed *reactive.Subject[[]string]
	expired *reactive.Subject[types.DataObject]
}

// New wraps repo as a DataStore. Most callers obtain stores from a
// StoreProvider instead.
func New(namespace string, repo storage.KeyValueRepository, opts ...Option) *DataStore {
	o := applyOptions(opts)
	return &DataStore{
		namespace: namespace,
		repo:      repo,
		now:       o.now,
		log:       o.logger.With("component", "datastore", "namespace", namespace),
		updated:   reactive.NewSubject[types.DataObject](),
		removed:   reactive.NewSubject[[]string](),
		expired:   reactive.NewSubject[types.DataObject](),
	}
}

// Namespace returns the storage namespace of the store.
func (s *DataStore) Namespace() string { return s.namespace }

// ─── Reads ───────────────────────────────────────────────────────────────────

// Get returns the value stored at key. Storage failures are logged and
// reported as a missing value.
func (s *DataStore) Get(key string) (any, bool) {
	e, ok, err := s.repo.Get(key)
	if err != nil {
		s.log.Warn("datastore: read failed", "key", key, "err", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	v, err := decodeValue(e.Value)
	if err != nil {
		s.log.Warn("datastore: undecodable value", "key", key, "err", err)
		return nil, false
	}
	if e.Expiry.IsExpired(s.now()) {
		s.expire(types.DataObject{key: v})
		return nil, false
	}
	return v, true
}

// GetString returns the string stored at key.
func (s *DataStore) GetString(key string) (string, bool) {
	v, ok := s.Get(key)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// GetAs decodes the value stored at key into out. found is false when the
// key is absent or expired.
func (s *DataStore) GetAs(key string, out any) (found bool, err error) {
	e, ok, err := s.repo.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if e.Expiry.IsExpired(s.now()) {
		if v, derr := decodeValue(e.Value); derr == nil {
			s.expire(types.DataObject{key: v})
		}
		return false, nil
	}
	if err := json.Unmarshal(e.Value, out); err != nil {
		return false, fmt.Errorf("datastore: decode %q: %w", key, err)
	}
	return true, nil
}

// GetExpiry returns the expiry of key.
func (s *DataStore) GetExpiry(key string) (types.Expiry, bool) {
	e, ok, err := s.repo.Get(key)
	if err != nil || !ok || e.Expiry.IsExpired(s.now()) {
		return 0, false
	}
	return e.Expiry, true
}

// GetAll returns every unexpired value.
func (s *DataStore) GetAll() types.DataObject {
	all, err := s.repo.GetAll()
	if err != nil {
		s.log.Warn("datastore: read all failed", "err", err)
		return types.DataObject{}
	}
	now := s.now()
	out := make(types.DataObject, len(all))
	stale := types.DataObject{}
	for k, e := range all {
		v, err := decodeValue(e.Value)
		if err != nil {
			s.log.Warn("datastore: undecodable value", "key", k, "err", err)
			continue
		}
		if e.Expiry.IsExpired(now) {
			stale[k] = v
			continue
		}
		out[k] = v
	}
	if len(stale) > 0 {
		s.expire(stale)
	}
	return out
}

// Keys returns the unexpired keys in lexical order.
func (s *DataStore) Keys() []string {
	all := s.GetAll()
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Count returns the number of unexpired entries.
func (s *DataStore) Count() int { return len(s.GetAll()) }

// ─── Notifications ───────────────────────────────────────────────────────────

// OnDataUpdated emits the values written by each successful commit.
func (s *DataStore) OnDataUpdated() reactive.Observable[types.DataObject] {
	return s.updated.AsObservable()
}

// OnDataRemoved emits explicitly removed keys and expired keys.
func (s *DataStore) OnDataRemoved() reactive.Observable[[]string] {
	expiredKeys := reactive.Map[types.DataObject, []string](s.expired, func(d types.DataObject) []string {
		keys := make([]string, 0, len(d))
		for k := range d {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys
	})
	return reactive.Merge[[]string](s.removed, expiredKeys)
}

// OnDataExpired emits the last values of entries removed by expiry.
func (s *DataStore) OnDataExpired() reactive.Observable[types.DataObject] {
	return s.expired.AsObservable()
}

// ─── Writes ──────────────────────────────────────────────────────────────────

// Edit starts a batch of changes applied on Commit.
func (s *DataStore) Edit() *Editor {
	return &Editor{store: s}
}

// expire deletes the given entries if they are still expired and reports
// the ones this call actually removed, so concurrent readers report a key
// once. Candidates are re-read in the deleting transaction: a value written
// since the stale read survives.
func (s *DataStore) expire(candidates types.DataObject) {
	now := s.now()
	gone := types.DataObject{}
	err := s.repo.Transactionally(func(tx storage.KeyValueRepository) error {
		for k, v := range candidates {
			e, ok, err := tx.Get(k)
			if err != nil {
				return err
			}
			if !ok || !e.Expiry.IsExpired(now) {
				continue
			}
			if _, err := tx.Delete(k); err != nil {
				return err
			}
			gone[k] = v
		}
		return nil
	})
	if err != nil {
		s.log.Warn("datastore: expire failed", "keys", len(candidates), "err", err)
		return
	}
	if len(gone) > 0 {
		s.expired.OnNext(gone)
	}
}

// removeWhere deletes every entry matching pred in one transaction and
// reports the removed values as expired.
func (s *DataStore) removeWhere(op string, pred func(storage.Entry) bool) ([]string, error) {
	gone := types.DataObject{}
	keys, err := s.repo.DeleteWhere(func(k string, e storage.Entry) bool {
		if !pred(e) {
			return false
		}
		if v, err := decodeValue(e.Value); err == nil {
			gone[k] = v
		} else {
			gone[k] = nil
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("datastore: %s: %w", op, err)
	}
	if len(keys) > 0 {
		s.expired.OnNext(gone)
	}
	return keys, nil
}

// DeleteExpired removes entries whose absolute expiry is at or before now.
func (s *DataStore) DeleteExpired(now time.Time) ([]string, error) {
	return s.removeWhere("delete expired", func(e storage.Entry) bool {
		return e.Expiry.IsExpired(now)
	})
}

// ClearSession removes every entry stored with ExpirySession.
func (s *DataStore) ClearSession() ([]string, error) {
	return s.removeWhere("clear session", func(e storage.Entry) bool {
		return e.Expiry == types.ExpirySession
	})
}

func decodeValue(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if m, ok := v.(map[string]any); ok {
		return types.DataObject(m), nil
	}
	return v, nil
}
