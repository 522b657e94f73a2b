// Package memory implements storage.Database entirely in process memory.
//
// It is the fallback when the persistent store cannot be opened and the
// default backend in tests. Nothing survives Close.
package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/snehjoshi/dispatchq/internal/storage"
	"github.com/snehjoshi/dispatchq/internal/types"
)

// SchemaVersion reported by the in-memory database.
const SchemaVersion = 2

// Database is a volatile storage.Database.
type Database struct {
	mu     sync.Mutex
	tables map[string]table
	queue  *queueStore
}

var _ storage.Database = (*Database)(nil)

// New creates an empty in-memory database.
func New() *Database {
	return &Database{
		tables: make(map[string]table),
		queue:  newQueueStore(),
	}
}

func (d *Database) Repository(namespace string) (storage.KeyValueRepository, error) {
	if namespace == "" {
		return nil, fmt.Errorf("storage: empty namespace")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tables[namespace]; !ok {
		d.tables[namespace] = make(table)
	}
	return &repository{db: d, ns: namespace}, nil
}

func (d *Database) Namespaces() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.tables))
	for ns := range d.tables {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}

func (d *Database) Queue() storage.QueueStore { return d.queue }
func (d *Database) Version() int              { return SchemaVersion }
func (d *Database) IsPersistent() bool        { return false }
func (d *Database) Close() error              { return nil }

// ─── Key/value ────────────────────────────────────────────────────────────────

type table map[string]storage.Entry

func (t table) clone() table {
	c := make(table, len(t))
	for k, v := range t {
		c[k] = v
	}
	return c
}

// tableOps implements the repository contract over a table the caller has
// already locked.
type tableOps struct{ t table }

func (o tableOps) Get(key string) (storage.Entry, bool, error) {
	e, ok := o.t[key]
	return e, ok, nil
}

func (o tableOps) GetAll() (map[string]storage.Entry, error) {
	return map[string]storage.Entry(o.t.clone()), nil
}

func (o tableOps) Keys() ([]string, error) {
	keys := make([]string, 0, len(o.t))
	for k := range o.t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (o tableOps) Count() (int, error) { return len(o.t), nil }

func (o tableOps) Upsert(key string, value []byte, expiry types.Expiry) (int, error) {
	o.t[key] = storage.Entry{Value: append([]byte(nil), value...), Expiry: expiry}
	return 1, nil
}

func (o tableOps) Delete(key string) (int, error) {
	if _, ok := o.t[key]; !ok {
		return 0, nil
	}
	delete(o.t, key)
	return 1, nil
}

func (o tableOps) Clear() (int, error) {
	n := len(o.t)
	for k := range o.t {
		delete(o.t, k)
	}
	return n, nil
}

func (o tableOps) DeleteWhere(pred func(string, storage.Entry) bool) ([]string, error) {
	var removed []string
	for k, e := range o.t {
		if pred(k, e) {
			removed = append(removed, k)
		}
	}
	sort.Strings(removed)
	for _, k := range removed {
		delete(o.t, k)
	}
	return removed, nil
}

// txRepository runs inside a transaction on a private copy of the table.
type txRepository struct{ tableOps }

func (r txRepository) Transactionally(fn func(storage.KeyValueRepository) error) error {
	return guarded(func() error { return fn(r) })
}

type repository struct {
	db *Database
	ns string
}

func (r *repository) with(fn func(o tableOps) error) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.tables[r.ns]
	if !ok {
		t = make(table)
		r.db.tables[r.ns] = t
	}
	return fn(tableOps{t: t})
}

func (r *repository) Get(key string) (e storage.Entry, ok bool, err error) {
	err = r.with(func(o tableOps) error {
		e, ok, err = o.Get(key)
		return err
	})
	return
}

func (r *repository) GetAll() (m map[string]storage.Entry, err error) {
	err = r.with(func(o tableOps) error {
		m, err = o.GetAll()
		return err
	})
	return
}

func (r *repository) Keys() (keys []string, err error) {
	err = r.with(func(o tableOps) error {
		keys, err = o.Keys()
		return err
	})
	return
}

func (r *repository) Count() (n int, err error) {
	err = r.with(func(o tableOps) error {
		n, err = o.Count()
		return err
	})
	return
}

func (r *repository) Upsert(key string, value []byte, expiry types.Expiry) (n int, err error) {
	err = r.with(func(o tableOps) error {
		n, err = o.Upsert(key, value, expiry)
		return err
	})
	return
}

func (r *repository) Delete(key string) (n int, err error) {
	err = r.with(func(o tableOps) error {
		n, err = o.Delete(key)
		return err
	})
	return
}

func (r *repository) Clear() (n int, err error) {
	err = r.with(func(o tableOps) error {
		n, err = o.Clear()
		return err
	})
	return
}

func (r *repository) DeleteWhere(pred func(string, storage.Entry) bool) (keys []string, err error) {
	err = r.with(func(o tableOps) error {
		keys, err = o.DeleteWhere(pred)
		return err
	})
	return
}

// Transactionally applies fn to a copy of the table and swaps it in only when
// fn succeeds. The database lock is held for the whole call.
func (r *repository) Transactionally(fn func(storage.KeyValueRepository) error) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	working := r.db.tables[r.ns].clone()
	if err := guarded(func() error { return fn(txRepository{tableOps{t: working}}) }); err != nil {
		return storage.WrapPersistence("transaction", err)
	}
	r.db.tables[r.ns] = working
	return nil
}

func guarded(fn func() error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &storage.PanicError{Value: v}
		}
	}()
	return fn()
}
