package datastore

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/snehjoshi/dispatchq/internal/storage"
	"github.com/snehjoshi/dispatchq/internal/types"
)

type editKind uint8

const (
	editPut editKind = iota
	editRemove
)

type edit struct {
	kind   editKind
	key    string
	value  []byte
	expiry types.Expiry
}

// Editor batches changes to a DataStore. Nothing is written until Commit.
// A successful Commit applies the batch exactly once; later calls are no-ops.
type Editor struct {
	store *DataStore

	mu        sync.Mutex
	edits     []edit
	clear     bool
	committed bool
	err       error
}

// Put stores value at key with the given expiry. value must be JSON
// marshallable; an encoding error is reported by Commit.
func (e *Editor) Put(key string, value any, expiry types.Expiry) *Editor {
	e.mu.Lock()
	defer e.mu.Unlock()
	raw, err := json.Marshal(value)
	if err != nil {
		if e.err == nil {
			e.err = fmt.Errorf("datastore: encode %q: %w", key, err)
		}
		return e
	}
	e.edits = append(e.edits, edit{kind: editPut, key: key, value: raw, expiry: expiry})
	return e
}

// PutAll stores every value in data with the same expiry. Nil values remove
// their key.
func (e *Editor) PutAll(data types.DataObject, expiry types.Expiry) *Editor {
	for k, v := range data {
		if v == nil {
			e.Remove(k)
			continue
		}
		e.Put(k, v, expiry)
	}
	return e
}

// Remove deletes keys.
func (e *Editor) Remove(keys ...string) *Editor {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range keys {
		e.edits = append(e.edits, edit{kind: editRemove, key: k})
	}
	return e
}

// Clear removes every key before the other edits are applied.
func (e *Editor) Clear() *Editor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clear = true
	return e
}

// Commit applies the batch in one transaction. On failure nothing is
// written, the error is returned and the editor may be committed again.
func (e *Editor) Commit() error {
	updated, removed, err := e.apply()
	if err != nil {
		return err
	}
	if len(updated) > 0 {
		e.store.updated.OnNext(updated)
	}
	if len(removed) > 0 {
		e.store.removed.OnNext(removed)
	}
	return nil
}

func (e *Editor) apply() (updated types.DataObject, removed []string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.committed {
		return nil, nil, nil
	}
	if e.err != nil {
		return nil, nil, e.err
	}
	if len(e.edits) == 0 && !e.clear {
		return nil, nil, nil
	}
	e.committed = true

	err = e.store.repo.Transactionally(func(tx storage.KeyValueRepository) error {
		updated = types.DataObject{}
		removed = nil
		if e.clear {
			keys, err := tx.Keys()
			if err != nil {
				return err
			}
			if _, err := tx.Clear(); err != nil {
				return err
			}
			removed = append(removed, keys...)
		}
		for _, ed := range e.edits {
			switch ed.kind {
			case editPut:
				n, err := tx.Upsert(ed.key, ed.value, ed.expiry)
				if err != nil {
					return err
				}
				if n > 0 {
					v, err := decodeValue(ed.value)
					if err != nil {
						return err
					}
					updated[ed.key] = v
				}
			case editRemove:
				n, err := tx.Delete(ed.key)
				if err != nil {
					return err
				}
				if n > 0 {
					removed = append(removed, ed.key)
				}
			}
		}
		return nil
	})
	if err != nil {
		e.committed = false
		return nil, nil, fmt.Errorf("datastore: commit %s: %w", e.store.namespace, err)
	}
	return updated, removed, nil
}
