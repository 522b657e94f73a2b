// Package storagetest holds the conformance tests every storage.Database
// implementation must pass.
package storagetest

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/dispatchq/internal/storage"
	"github.com/snehjoshi/dispatchq/internal/types"
)

// Opener returns a fresh, empty database for one subtest.
type Opener func(t *testing.T) storage.Database

// Run executes the full suite against databases produced by open.
func Run(t *testing.T, open Opener) {
	t.Run("KeyValue", func(t *testing.T) { runKeyValue(t, open) })
	t.Run("Transactions", func(t *testing.T) { runTransactions(t, open) })
	t.Run("Queue", func(t *testing.T) { runQueue(t, open) })
}

func repo(t *testing.T, db storage.Database, ns string) storage.KeyValueRepository {
	t.Helper()
	r, err := db.Repository(ns)
	require.NoError(t, err)
	return r
}

func runKeyValue(t *testing.T, open Opener) {
	t.Run("UpsertGetDelete", func(t *testing.T) {
		r := repo(t, open(t), "visitor")

		n, err := r.Upsert("a", []byte(`"1"`), types.ExpiryForever)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = r.Upsert("a", []byte(`"2"`), types.ExpirySession)
		require.NoError(t, err)

		e, ok, err := r.Get("a")
		require.NoError(t, err)
		require.True(t, ok)
		assert.JSONEq(t, `"2"`, string(e.Value))
		assert.Equal(t, types.ExpirySession, e.Expiry)

		n, err = r.Delete("a")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = r.Delete("a")
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		_, ok, err = r.Get("a")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("NamespacesAreIsolated", func(t *testing.T) {
		db := open(t)
		a, b := repo(t, db, "a"), repo(t, db, "b")
		_, err := a.Upsert("k", []byte(`1`), types.ExpiryForever)
		require.NoError(t, err)

		_, ok, err := b.Get("k")
		require.NoError(t, err)
		assert.False(t, ok)

		names, err := db.Namespaces()
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, names)
	})

	t.Run("KeysCountClear", func(t *testing.T) {
		r := repo(t, open(t), "ns")
		for _, k := range []string{"c", "a", "b"} {
			_, err := r.Upsert(k, []byte(`true`), types.ExpiryForever)
			require.NoError(t, err)
		}
		keys, err := r.Keys()
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, keys)

		n, err := r.Count()
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		all, err := r.GetAll()
		require.NoError(t, err)
		assert.Len(t, all, 3)

		n, err = r.Clear()
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		n, err = r.Count()
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("DeleteWhere", func(t *testing.T) {
		r := repo(t, open(t), "ns")
		_, _ = r.Upsert("s1", []byte(`1`), types.ExpirySession)
		_, _ = r.Upsert("f1", []byte(`1`), types.ExpiryForever)
		_, _ = r.Upsert("s2", []byte(`1`), types.ExpirySession)

		removed, err := r.DeleteWhere(func(_ string, e storage.Entry) bool {
			return e.Expiry == types.ExpirySession
		})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"s1", "s2"}, removed)

		keys, err := r.Keys()
		require.NoError(t, err)
		assert.Equal(t, []string{"f1"}, keys)
	})
}

func runTransactions(t *testing.T, open Opener) {
	t.Run("CommitsAllWrites", func(t *testing.T) {
		r := repo(t, open(t), "ns")
		err := r.Transactionally(func(tx storage.KeyValueRepository) error {
			for i := 0; i < 3; i++ {
				if _, err := tx.Upsert(fmt.Sprintf("k%d", i), []byte(`1`), types.ExpiryForever); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)
		n, err := r.Count()
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("ErrorRollsBack", func(t *testing.T) {
		r := repo(t, open(t), "ns")
		_, err := r.Upsert("keep", []byte(`1`), types.ExpiryForever)
		require.NoError(t, err)

		boom := errors.New("boom")
		err = r.Transactionally(func(tx storage.KeyValueRepository) error {
			_, _ = tx.Upsert("new", []byte(`1`), types.ExpiryForever)
			_, _ = tx.Delete("keep")
			return boom
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, storage.ErrPersistence)
		assert.ErrorIs(t, err, boom)

		keys, err := r.Keys()
		require.NoError(t, err)
		assert.Equal(t, []string{"keep"}, keys)
	})

	t.Run("PanicRollsBack", func(t *testing.T) {
		r := repo(t, open(t), "ns")
		var err error
		require.NotPanics(t, func() {
			err = r.Transactionally(func(tx storage.KeyValueRepository) error {
				_, _ = tx.Upsert("new", []byte(`1`), types.ExpiryForever)
				panic("boom")
			})
		})
		var pe *storage.PanicError
		require.ErrorAs(t, err, &pe)
		assert.ErrorIs(t, err, storage.ErrPersistence)

		n, err := r.Count()
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("NestedJoinsOuter", func(t *testing.T) {
		r := repo(t, open(t), "ns")
		err := r.Transactionally(func(tx storage.KeyValueRepository) error {
			if _, err := tx.Upsert("outer", []byte(`1`), types.ExpiryForever); err != nil {
				return err
			}
			return tx.Transactionally(func(inner storage.KeyValueRepository) error {
				_, err := inner.Upsert("inner", []byte(`1`), types.ExpiryForever)
				if err != nil {
					return err
				}
				return errors.New("abort")
			})
		})
		require.Error(t, err)
		n, err := r.Count()
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func records(ids ...string) []storage.QueueRecord {
	out := make([]storage.QueueRecord, len(ids))
	for i, id := range ids {
		out[i] = storage.QueueRecord{DispatchID: id, Timestamp: int64(100 + i), Payload: []byte(`{"id":"` + id + `"}`)}
	}
	return out
}

func ids(recs []storage.QueueRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.DispatchID
	}
	return out
}

func runQueue(t *testing.T, open Opener) {
	t.Run("InsertIsFIFOPerProcessor", func(t *testing.T) {
		q := open(t).Queue()
		require.NoError(t, q.Insert(records("a", "b", "c"), []string{"d1", "d2"}))

		got, err := q.Oldest("d1", 2, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids(got))
		assert.JSONEq(t, `{"id":"a"}`, string(got[0].Payload))

		got, err = q.Oldest("d2", -1, map[string]struct{}{"a": {}})
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, ids(got))

		n, err := q.DispatchCount()
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("EmptyInsertIsNoop", func(t *testing.T) {
		q := open(t).Queue()
		require.NoError(t, q.Insert(nil, []string{"d1"}))
		require.NoError(t, q.Insert(records("a"), nil))
		counts, err := q.Counts()
		require.NoError(t, err)
		assert.Empty(t, counts)
	})

	t.Run("ReinsertIsIdempotent", func(t *testing.T) {
		q := open(t).Queue()
		require.NoError(t, q.Insert(records("a"), []string{"d1"}))
		require.NoError(t, q.Insert(records("a"), []string{"d1"}))
		n, err := q.Count("d1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("RowRemovedWithLastReference", func(t *testing.T) {
		q := open(t).Queue()
		require.NoError(t, q.Insert(records("a", "b"), []string{"d1", "d2"}))

		n, err := q.Delete("d1", []string{"a", "missing"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		count, err := q.DispatchCount()
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		_, err = q.Delete("d2", []string{"a"})
		require.NoError(t, err)
		count, err = q.DispatchCount()
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		n, err = q.DeleteAll("d2")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		counts, err := q.Counts()
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"d1": 1}, counts)
	})

	t.Run("DeleteProcessorsNotIn", func(t *testing.T) {
		q := open(t).Queue()
		require.NoError(t, q.Insert(records("a"), []string{"d1", "d2", "d3"}))

		affected, err := q.DeleteProcessorsNotIn([]string{"d2"})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"d1", "d3"}, affected)

		counts, err := q.Counts()
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"d2": 1}, counts)
	})

	t.Run("DeleteOlderThan", func(t *testing.T) {
		q := open(t).Queue()
		require.NoError(t, q.Insert(records("a", "b", "c"), []string{"d1"}))

		affected, err := q.DeleteOlderThan(102)
		require.NoError(t, err)
		assert.Equal(t, []string{"d1"}, affected)

		got, err := q.Oldest("d1", -1, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, ids(got))
	})

	t.Run("TrimToKeepsNewest", func(t *testing.T) {
		q := open(t).Queue()
		require.NoError(t, q.Insert(records("a", "b", "c", "d"), []string{"d1"}))
		require.NoError(t, q.Insert(records("a"), []string{"d2"}))

		affected, err := q.TrimTo(2)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"d1", "d2"}, affected)

		got, err := q.Oldest("d1", -1, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "d"}, ids(got))
		n, err := q.DispatchCount()
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}
