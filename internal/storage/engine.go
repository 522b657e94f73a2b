// Package storage defines the persistence contracts used by the data stores
// and the dispatch queue.
//
// Design principle: every layer above storage (datastore, queue) must ONLY
// interact with persistence through these interfaces. Implementations:
//   - local.Database:  bbolt-backed, schema versioned, durable
//   - memory.Database: volatile, used as fallback and in tests
//
// Values are opaque JSON bytes at this layer; the datastore and queue
// packages own their encoding.
package storage

import (
	"errors"
	"fmt"

	"github.com/snehjoshi/dispatchq/internal/types"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrNotFound is returned when a namespace or record does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrPersistence matches every PersistenceError via errors.Is.
	ErrPersistence = errors.New("storage: persistence failure")

	// ErrUnsupportedDowngrade is returned at open time when the on-disk schema
	// is newer than this binary supports. Data is left untouched.
	ErrUnsupportedDowngrade = errors.New("storage: unsupported downgrade")

	// ErrNoMigrationPath is returned at open time when the on-disk schema is
	// older than the oldest version this binary can migrate from.
	ErrNoMigrationPath = errors.New("storage: no migration path")

	// ErrClosed is returned by operations on a closed database.
	ErrClosed = errors.New("storage: closed")
)

// PersistenceError wraps a storage I/O or transaction failure. A failed
// transaction has been rolled back before the error is returned.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrPersistence) true for every PersistenceError.
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// WrapPersistence wraps err as a PersistenceError for op. Nil stays nil and an
// existing PersistenceError is returned unchanged.
func WrapPersistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// PanicError carries a value recovered from a panicking transaction body.
type PanicError struct{ Value any }

func (e *PanicError) Error() string { return fmt.Sprintf("panic in transaction: %v", e.Value) }

// ─── Key/value ────────────────────────────────────────────────────────────────

// Entry is one stored value with its expiry.
type Entry struct {
	Value  []byte
	Expiry types.Expiry
}

// KeyValueRepository is a namespaced key/value table. All methods are safe
// for concurrent use; writes outside Transactionally commit individually.
type KeyValueRepository interface {
	// Get returns the entry for key; ok is false when absent.
	Get(key string) (e Entry, ok bool, err error)
	// GetAll returns every entry, expired or not.
	GetAll() (map[string]Entry, error)
	// Keys returns every key in lexical order.
	Keys() ([]string, error)
	// Count returns the number of stored entries.
	Count() (int, error)
	// Upsert inserts or replaces key and returns the number of rows written.
	Upsert(key string, value []byte, expiry types.Expiry) (int, error)
	// Delete removes key and returns the number of rows removed.
	Delete(key string) (int, error)
	// Clear removes every key and returns the number of rows removed.
	Clear() (int, error)
	// DeleteWhere removes every entry matching pred and returns their keys.
	DeleteWhere(pred func(key string, e Entry) bool) ([]string, error)
	// Transactionally runs fn against a handle whose writes commit together.
	// An error or panic from fn rolls everything back and is returned wrapped
	// in a PersistenceError.
	Transactionally(fn func(tx KeyValueRepository) error) error
}

// ─── Queue tables ─────────────────────────────────────────────────────────────

// QueueRecord is a persisted dispatch awaiting one or more processors.
type QueueRecord struct {
	DispatchID string
	Timestamp  int64 // UTC ms; primary FIFO ordering key
	Payload    []byte
}

// QueueStore persists dispatches per processor (dispatcher or consent queue).
// A dispatch row is removed once no processor references it. Records are
// returned oldest first (timestamp, then dispatch id).
type QueueStore interface {
	// Insert stores every record for every processor in one transaction.
	// Re-inserting an existing (processor, dispatch) pair is a no-op.
	Insert(records []QueueRecord, processors []string) error
	// Oldest returns up to limit records for processor, skipping ids in
	// exclude. A negative limit returns everything.
	Oldest(processor string, limit int, exclude map[string]struct{}) ([]QueueRecord, error)
	// Delete removes the given dispatch ids for processor.
	Delete(processor string, dispatchIDs []string) (int, error)
	// DeleteAll removes every record for processor.
	DeleteAll(processor string) (int, error)
	// DeleteProcessorsNotIn drops the queues of processors not listed and
	// returns the processors that had records removed.
	DeleteProcessorsNotIn(keep []string) ([]string, error)
	// DeleteOlderThan removes dispatches with a timestamp before cutoffMs and
	// returns the processors that had records removed.
	DeleteOlderThan(cutoffMs int64) ([]string, error)
	// TrimTo keeps only the newest max dispatches and returns the processors
	// that had records removed.
	TrimTo(max int) ([]string, error)
	// Count returns the number of records queued for processor.
	Count(processor string) (int, error)
	// Counts returns the record count of every processor with records.
	Counts() (map[string]int, error)
	// DispatchCount returns the number of distinct stored dispatches.
	DispatchCount() (int, error)
}

// ─── Database ────────────────────────────────────────────────────────────────

// Database is one schema-versioned store holding namespaced key/value tables
// and the queue tables.
type Database interface {
	// Repository returns the table for namespace, creating it if needed.
	Repository(namespace string) (KeyValueRepository, error)
	// Namespaces lists every existing key/value namespace.
	Namespaces() ([]string, error)
	// Queue returns the queue tables.
	Queue() QueueStore
	// Version is the schema version of the open store.
	Version() int
	// IsPersistent is false for the in-memory fallback.
	IsPersistent() bool
	// Close releases the underlying resources.
	Close() error
}
