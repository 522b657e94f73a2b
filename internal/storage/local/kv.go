package local

import (
	"go.etcd.io/bbolt"

	"github.com/snehjoshi/dispatchq/internal/storage"
	"github.com/snehjoshi/dispatchq/internal/types"
)

// repository is one key/value namespace. When tx is set every call runs
// inside that transaction instead of opening its own.
type repository struct {
	db *bbolt.DB
	ns []byte
	tx *bbolt.Tx
}

var _ storage.KeyValueRepository = (*repository)(nil)

func (r *repository) bucket(tx *bbolt.Tx, create bool) (*bbolt.Bucket, error) {
	root := tx.Bucket(bucketKV)
	if root == nil {
		if !create {
			return nil, nil
		}
		var err error
		if root, err = tx.CreateBucketIfNotExists(bucketKV); err != nil {
			return nil, err
		}
	}
	if !create {
		return root.Bucket(r.ns), nil
	}
	return root.CreateBucketIfNotExists(r.ns)
}

// view runs fn with the namespace bucket, which may be nil when the
// namespace has never been written.
func (r *repository) view(op string, fn func(b *bbolt.Bucket) error) error {
	run := func(tx *bbolt.Tx) error {
		b, err := r.bucket(tx, false)
		if err != nil {
			return err
		}
		return fn(b)
	}
	if r.tx != nil {
		return storage.WrapPersistence(op, run(r.tx))
	}
	return storage.WrapPersistence(op, r.db.View(run))
}

func (r *repository) update(op string, fn func(b *bbolt.Bucket) error) error {
	run := func(tx *bbolt.Tx) error {
		b, err := r.bucket(tx, true)
		if err != nil {
			return err
		}
		return fn(b)
	}
	if r.tx != nil {
		return storage.WrapPersistence(op, run(r.tx))
	}
	return storage.WrapPersistence(op, r.db.Update(run))
}

func (r *repository) Get(key string) (storage.Entry, bool, error) {
	var (
		entry storage.Entry
		found bool
	)
	err := r.view("get", func(b *bbolt.Bucket) error {
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		e, err := storage.DecodeEntry(raw)
		if err != nil {
			return err
		}
		entry, found = e, true
		return nil
	})
	return entry, found, err
}

func (r *repository) GetAll() (map[string]storage.Entry, error) {
	out := make(map[string]storage.Entry)
	err := r.view("get all", func(b *bbolt.Bucket) error {
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, raw []byte) error {
			e, err := storage.DecodeEntry(raw)
			if err != nil {
				return err
			}
			out[string(k)] = e
			return nil
		})
	})
	return out, err
}

func (r *repository) Keys() ([]string, error) {
	var keys []string
	err := r.view("keys", func(b *bbolt.Bucket) error {
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

func (r *repository) Count() (int, error) {
	n := 0
	err := r.view("count", func(b *bbolt.Bucket) error {
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, _ []byte) error {
			n++
			return nil
		})
	})
	return n, err
}

func (r *repository) Upsert(key string, value []byte, expiry types.Expiry) (int, error) {
	raw, err := storage.EncodeEntry(storage.Entry{Value: value, Expiry: expiry})
	if err != nil {
		return 0, storage.WrapPersistence("upsert", err)
	}
	err = r.update("upsert", func(b *bbolt.Bucket) error {
		return b.Put([]byte(key), raw)
	})
	if err != nil {
		return 0, err
	}
	return 1, nil
}

func (r *repository) Delete(key string) (int, error) {
	n := 0
	err := r.update("delete", func(b *bbolt.Bucket) error {
		if b.Get([]byte(key)) == nil {
			return nil
		}
		n = 1
		return b.Delete([]byte(key))
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (r *repository) Clear() (int, error) {
	keys, err := r.DeleteWhere(func(string, storage.Entry) bool { return true })
	return len(keys), err
}

func (r *repository) DeleteWhere(pred func(key string, e storage.Entry) bool) ([]string, error) {
	var removed []string
	err := r.update("delete where", func(b *bbolt.Bucket) error {
		var stale [][]byte
		if err := b.ForEach(func(k, raw []byte) error {
			e, err := storage.DecodeEntry(raw)
			if err != nil {
				return err
			}
			if pred(string(k), e) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed = append(removed, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Transactionally runs fn in one bbolt read-write transaction. A nested call
// joins the outer transaction.
func (r *repository) Transactionally(fn func(tx storage.KeyValueRepository) error) error {
	if r.tx != nil {
		return guarded(func() error { return fn(r) })
	}
	err := r.db.Update(func(tx *bbolt.Tx) error {
		return guarded(func() error {
			return fn(&repository{db: r.db, ns: r.ns, tx: tx})
		})
	})
	return storage.WrapPersistence("transaction", err)
}

// guarded converts a panic in fn into a storage.PanicError so the enclosing
// bbolt transaction rolls back instead of unwinding.
func guarded(fn func() error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &storage.PanicError{Value: v}
		}
	}()
	return fn()
}
