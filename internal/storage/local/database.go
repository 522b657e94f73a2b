// Package local implements storage.Database on a single bbolt file.
//
// Layout inside the file:
//
//	meta/schema_version            big-endian uint32
//	kv/<namespace>/<key>           msgpack {value, expiry}
//	queue_dispatches/<dispatch id> msgpack {timestamp, payload, refs}
//	queue_processors/<processor>/<hex timestamp>/<dispatch id>
//
// bbolt is chosen because it is:
//   - Pure Go (no CGO, no external process)
//   - ACID: one read-write transaction per write, rolled back on failure
//   - Single file, so the whole pipeline state moves with one path
//
// The schema is versioned. Open runs forward migrations in one transaction
// and refuses to touch a file written by a newer binary.
package local

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/dispatchq/internal/storage"
	"github.com/snehjoshi/dispatchq/internal/storage/memory"
	"github.com/snehjoshi/dispatchq/internal/types"
)

var (
	bucketMeta       = []byte("meta")
	bucketKV         = []byte("kv")
	bucketDispatches = []byte("queue_dispatches")
	bucketProcessors = []byte("queue_processors")

	keySchemaVersion = []byte("schema_version")
)

const (
	// CurrentSchemaVersion is the schema written by this binary.
	CurrentSchemaVersion = 2
	// MinMigratableVersion is the default oldest on-disk schema Open can
	// migrate.
	MinMigratableVersion = 1

	defaultFileName    = "dispatchq.db"
	defaultOpenTimeout = time.Second
)

// Migration upgrades the schema to Version. Up runs inside the open
// transaction together with every other pending migration.
type Migration struct {
	Version int
	Name    string
	Up      func(tx *bbolt.Tx) error
}

// DefaultMigrations returns the migrations shipped with this binary.
func DefaultMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create key/value root",
			Up: func(tx *bbolt.Tx) error {
				_, err := tx.CreateBucketIfNotExists(bucketKV)
				return err
			},
		},
		{
			Version: 2,
			Name:    "create queue tables",
			Up: func(tx *bbolt.Tx) error {
				if _, err := tx.CreateBucketIfNotExists(bucketDispatches); err != nil {
					return err
				}
				_, err := tx.CreateBucketIfNotExists(bucketProcessors)
				return err
			},
		},
	}
}

// Options configures Open.
type Options struct {
	// FileName inside the data directory. Default "dispatchq.db".
	FileName string
	// OpenTimeout bounds the wait for the file lock. Default 1s.
	OpenTimeout time.Duration
	// Migrations overrides DefaultMigrations. The last entry's Version is the
	// target schema version.
	Migrations []Migration
	// MinVersion is the oldest on-disk schema the migrations still upgrade.
	// Older files fail with storage.ErrNoMigrationPath. Default
	// MinMigratableVersion.
	MinVersion int
	Logger     *slog.Logger
}

func (o *Options) defaults() {
	if o.FileName == "" {
		o.FileName = defaultFileName
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = defaultOpenTimeout
	}
	if o.Migrations == nil {
		o.Migrations = DefaultMigrations()
	}
	if o.MinVersion <= 0 {
		o.MinVersion = MinMigratableVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Database is the bbolt-backed storage.Database.
type Database struct {
	db      *bbolt.DB
	path    string
	version int
	queue   *queueStore
	log     *slog.Logger
}

var _ storage.Database = (*Database)(nil)

// Open opens (or creates) the database inside dir, migrates it to the target
// schema and purges values that expire on restart.
//
// Returns storage.ErrUnsupportedDowngrade when the file was written by a newer
// schema and storage.ErrNoMigrationPath when it is too old to migrate. In both
// cases the file is left unchanged.
func Open(dir string, opts Options) (*Database, error) {
	opts.defaults()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, storage.WrapPersistence("open", fmt.Errorf("mkdir %s: %w", dir, err))
	}
	path := filepath.Join(dir, opts.FileName)

	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: opts.OpenTimeout})
	if err != nil {
		return nil, storage.WrapPersistence("open", fmt.Errorf("%s: %w", path, err))
	}

	target := opts.Migrations[len(opts.Migrations)-1].Version
	var version int
	err = db.Update(func(tx *bbolt.Tx) error {
		v, err := migrate(tx, opts, target)
		if err != nil {
			return err
		}
		version = v
		return purgeUntilRestart(tx)
	})
	if err != nil {
		_ = db.Close()
		if errors.Is(err, storage.ErrUnsupportedDowngrade) || errors.Is(err, storage.ErrNoMigrationPath) {
			return nil, err
		}
		return nil, storage.WrapPersistence("migrate", err)
	}

	opts.Logger.Info("storage opened", "path", path, "schema_version", version)
	return &Database{
		db:      db,
		path:    path,
		version: version,
		queue:   &queueStore{db: db},
		log:     opts.Logger,
	}, nil
}

// OpenWithFallback opens the persistent database and falls back to an
// in-memory one on any failure other than an unsupported downgrade, which is
// returned to the caller so newer data is never discarded.
func OpenWithFallback(dir string, opts Options) (storage.Database, error) {
	db, err := Open(dir, opts)
	if err == nil {
		return db, nil
	}
	if errors.Is(err, storage.ErrUnsupportedDowngrade) {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("storage: persistent open failed, using in-memory store", "dir", dir, "error", err)
	return memory.New(), nil
}

func migrate(tx *bbolt.Tx, opts Options, target int) (int, error) {
	meta, err := tx.CreateBucketIfNotExists(bucketMeta)
	if err != nil {
		return 0, err
	}

	current := 0
	if raw := meta.Get(keySchemaVersion); len(raw) == 4 {
		current = int(binary.BigEndian.Uint32(raw))
	}

	switch {
	case current > target:
		return 0, fmt.Errorf("%w: on-disk schema %d, supported %d", storage.ErrUnsupportedDowngrade, current, target)
	case current != 0 && current < opts.MinVersion:
		return 0, fmt.Errorf("%w: on-disk schema %d, oldest supported %d", storage.ErrNoMigrationPath, current, opts.MinVersion)
	case current == target:
		return current, nil
	}

	// Every version between the file and the target needs its migration.
	pending := make([]Migration, 0, target-current)
	next := current + 1
	for _, m := range opts.Migrations {
		if m.Version < next {
			continue
		}
		if m.Version != next {
			return 0, fmt.Errorf("%w: no migration to schema %d", storage.ErrNoMigrationPath, next)
		}
		pending = append(pending, m)
		next++
	}

	for _, m := range pending {
		if err := m.Up(tx); err != nil {
			return 0, fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		opts.Logger.Info("storage migrated", "version", m.Version, "name", m.Name)
		current = m.Version
	}

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(current))
	if err := meta.Put(keySchemaVersion, buf[:]); err != nil {
		return 0, err
	}
	return current, nil
}

// purgeUntilRestart drops every key/value entry that only lives for one
// process lifetime.
func purgeUntilRestart(tx *bbolt.Tx) error {
	root := tx.Bucket(bucketKV)
	if root == nil {
		return nil
	}
	names, err := nestedBuckets(root)
	if err != nil {
		return err
	}
	for _, name := range names {
		b := root.Bucket(name)
		var stale [][]byte
		if err := b.ForEach(func(k, raw []byte) error {
			e, err := storage.DecodeEntry(raw)
			if err != nil {
				return err
			}
			if e.Expiry == types.ExpiryUntilRestart {
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
		}
	}
	return nil
}

// nestedBuckets returns copies of the names of the buckets nested in b.
func nestedBuckets(b *bbolt.Bucket) ([][]byte, error) {
	var names [][]byte
	err := b.ForEach(func(k, v []byte) error {
		if v == nil {
			names = append(names, append([]byte(nil), k...))
		}
		return nil
	})
	return names, err
}

// Repository returns the key/value table for namespace, creating it.
func (d *Database) Repository(namespace string) (storage.KeyValueRepository, error) {
	if namespace == "" {
		return nil, fmt.Errorf("storage: empty namespace")
	}
	err := d.db.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(bucketKV)
		if err != nil {
			return err
		}
		_, err = root.CreateBucketIfNotExists([]byte(namespace))
		return err
	})
	if err != nil {
		return nil, storage.WrapPersistence("create namespace", err)
	}
	return &repository{db: d.db, ns: []byte(namespace)}, nil
}

// Namespaces lists the existing key/value namespaces.
func (d *Database) Namespaces() ([]string, error) {
	var out []string
	err := d.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketKV)
		if root == nil {
			return nil
		}
		return root.ForEach(func(k, v []byte) error {
			if v == nil {
				out = append(out, string(k))
			}
			return nil
		})
	})
	return out, storage.WrapPersistence("namespaces", err)
}

// Queue returns the queue tables.
func (d *Database) Queue() storage.QueueStore { return d.queue }

// Version returns the schema version after migration.
func (d *Database) Version() int { return d.version }

// IsPersistent is always true.
func (d *Database) IsPersistent() bool { return true }

// Path returns the database file path.
func (d *Database) Path() string { return d.path }

// Close flushes and closes the bbolt file.
func (d *Database) Close() error {
	if err := d.db.Close(); err != nil {
		return storage.WrapPersistence("close", err)
	}
	d.log.Info("storage closed", "path", d.path)
	return nil
}
