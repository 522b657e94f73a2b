package datastore

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/snehjoshi/dispatchq/internal/reactive"
	"github.com/snehjoshi/dispatchq/internal/storage"
)

const (
	sharedNamespace = "shared"
	modulePrefix    = "module:"
)

// Option configures a DataStore or StoreProvider.
type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{logger: slog.Default(), now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// StoreProvider hands out one DataStore per module plus the shared store,
// all backed by the same database.
type StoreProvider struct {
	db   storage.Database
	opts []Option
	o    options

	mu     sync.Mutex
	stores map[string]*DataStore
}

// NewStoreProvider creates a provider over db.
func NewStoreProvider(db storage.Database, opts ...Option) *StoreProvider {
	return &StoreProvider{
		db:     db,
		opts:   opts,
		o:      applyOptions(opts),
		stores: make(map[string]*DataStore),
	}
}

// Database returns the backing database.
func (p *StoreProvider) Database() storage.Database { return p.db }

// ModuleStore returns the store owned by moduleID.
func (p *StoreProvider) ModuleStore(moduleID string) (*DataStore, error) {
	if moduleID == "" {
		return nil, errors.New("datastore: empty module id")
	}
	return p.store(modulePrefix + moduleID)
}

// SharedStore returns the store shared by every module.
func (p *StoreProvider) SharedStore() (*DataStore, error) {
	return p.store(sharedNamespace)
}

func (p *StoreProvider) store(namespace string) (*DataStore, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.stores[namespace]; ok {
		return s, nil
	}
	repo, err := p.db.Repository(namespace)
	if err != nil {
		return nil, fmt.Errorf("datastore: open %s: %w", namespace, err)
	}
	s := New(namespace, repo, p.opts...)
	p.stores[namespace] = s
	return s, nil
}

// all opens a store for every namespace in the database so lifecycle sweeps
// reach stores no module has asked for yet.
func (p *StoreProvider) all() ([]*DataStore, error) {
	names, err := p.db.Namespaces()
	if err != nil {
		return nil, err
	}
	out := make([]*DataStore, 0, len(names))
	for _, ns := range names {
		if ns != sharedNamespace && !strings.HasPrefix(ns, modulePrefix) {
			continue
		}
		s, err := p.store(ns)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ClearSession removes session-scoped values from every store. Each store
// reports its removed keys through OnDataRemoved.
func (p *StoreProvider) ClearSession() error {
	stores, err := p.all()
	if err != nil {
		return fmt.Errorf("datastore: clear session: %w", err)
	}
	var errs []error
	for _, s := range stores {
		if _, err := s.ClearSession(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SweepExpired removes timed-out values from every store and returns how
// many keys were removed.
func (p *StoreProvider) SweepExpired() (int, error) {
	stores, err := p.all()
	if err != nil {
		return 0, fmt.Errorf("datastore: sweep: %w", err)
	}
	now := p.o.now()
	total := 0
	var errs []error
	for _, s := range stores {
		keys, err := s.DeleteExpired(now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += len(keys)
	}
	return total, errors.Join(errs...)
}

// StartSweeper runs SweepExpired on sched every interval until the returned
// Disposable is disposed.
func (p *StoreProvider) StartSweeper(sched reactive.Scheduler, interval time.Duration) reactive.Disposable {
	serial := &reactive.SerialDisposable{}
	var tick func()
	tick = func() {
		if n, err := p.SweepExpired(); err != nil {
			p.o.logger.Warn("datastore: expiry sweep failed", "err", err)
		} else if n > 0 {
			p.o.logger.Debug("datastore: expired values removed", "count", n)
		}
		if !serial.IsDisposed() {
			serial.Set(sched.ScheduleAfter(interval, tick))
		}
	}
	serial.Set(sched.ScheduleAfter(interval, tick))
	return serial
}

// Close closes the backing database.
func (p *StoreProvider) Close() error {
	return p.db.Close()
}
