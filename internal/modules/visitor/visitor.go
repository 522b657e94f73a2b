// Package visitor assigns every dispatch a persistent visitor id.
//
// The id is a random UUID without dashes, stored forever in the module's
// data store. When identity_key is configured and a dispatch carries a value
// for it, the visitor id follows the identity: each identity keeps its own
// id, and a new identity gets a fresh one.
package visitor

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/snehjoshi/dispatchq/internal/datastore"
	"github.com/snehjoshi/dispatchq/internal/pipeline"
	"github.com/snehjoshi/dispatchq/internal/settings"
	"github.com/snehjoshi/dispatchq/internal/types"
)

// ModuleType is the factory type and default module id.
const ModuleType = "visitor"

const (
	keyCurrent         = "current_visitor_id"
	keyCurrentIdentity = "current_identity"
	identityPrefix     = "identity:"
)

// Configuration of the visitor module.
type Configuration struct {
	// IdentityKey names the payload key holding a known user identity.
	IdentityKey string `json:"identity_key,omitempty"`
}

// Module is the visitor id collector.
type Module struct {
	store *datastore.DataStore
	log   *slog.Logger

	mu  sync.Mutex
	cfg Configuration
}

// NewID returns a new visitor id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func hashIdentity(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])
}

// VisitorID returns the current visitor id, creating one on first use.
func (m *Module) VisitorID() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked()
}

func (m *Module) currentLocked() (string, error) {
	if id, ok := m.store.GetString(keyCurrent); ok && id != "" {
		return id, nil
	}
	id := NewID()
	if err := m.store.Edit().Put(keyCurrent, id, types.ExpiryForever).Commit(); err != nil {
		return "", fmt.Errorf("visitor: store id: %w", err)
	}
	m.log.Info("visitor: new visitor id")
	return id, nil
}

// Reset discards every stored id and starts a new anonymous visitor.
func (m *Module) Reset() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := NewID()
	if err := m.store.Edit().Clear().Put(keyCurrent, id, types.ExpiryForever).Commit(); err != nil {
		return "", fmt.Errorf("visitor: reset: %w", err)
	}
	m.log.Info("visitor: reset")
	return id, nil
}

// Collect adds tealium_visitor_id.
func (m *Module) Collect(ctx types.DispatchContext) types.DataObject {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.identify(ctx.InitialData)
	if err != nil {
		m.log.Warn("visitor: id unavailable", "err", err)
		return nil
	}
	return types.DataObject{types.KeyVisitorID: id}
}

// identify switches the current visitor when the dispatch names another
// identity than the last one seen.
func (m *Module) identify(data types.DataObject) (string, error) {
	key := m.cfg.IdentityKey
	if key == "" {
		return m.currentLocked()
	}
	identity, ok := data.GetString(key)
	if !ok || identity == "" {
		return m.currentLocked()
	}
	hashed := hashIdentity(identity)
	last, hadIdentity := m.store.GetString(keyCurrentIdentity)
	if hadIdentity && last == hashed {
		return m.currentLocked()
	}

	id, known := m.store.GetString(identityPrefix + hashed)
	edit := m.store.Edit().Put(keyCurrentIdentity, hashed, types.ExpiryForever)
	if !known || id == "" {
		if hadIdentity {
			id = NewID()
		} else {
			// The anonymous visitor becomes the first identity seen.
			current, err := m.currentLocked()
			if err != nil {
				return "", err
			}
			id = current
		}
		edit.Put(identityPrefix+hashed, id, types.ExpiryForever)
	}
	if err := edit.Put(keyCurrent, id, types.ExpiryForever).Commit(); err != nil {
		return "", fmt.Errorf("visitor: switch identity: %w", err)
	}
	m.log.Debug("visitor: identity switched")
	return id, nil
}

// UpdateConfiguration applies identity_key.
func (m *Module) UpdateConfiguration(cfg types.DataObject) error {
	var c Configuration
	if err := cfg.Decode(&c); err != nil {
		return fmt.Errorf("visitor: configuration: %w", err)
	}
	m.mu.Lock()
	m.cfg = c
	m.mu.Unlock()
	return nil
}

// ─── Factory ─────────────────────────────────────────────────────────────────

// Factory creates visitor modules.
type Factory struct{}

// NewFactory returns a visitor factory.
func NewFactory() *Factory { return &Factory{} }

func (Factory) ModuleType() string { return ModuleType }

func (Factory) EnforcedSettings() map[string]settings.ModuleSettings { return nil }

func (Factory) Create(moduleID string, ctx pipeline.ModuleContext, cfg types.DataObject) (*pipeline.Module, error) {
	if ctx.Stores == nil {
		return nil, errors.New("visitor: module context lacks stores")
	}
	store, err := ctx.Stores.ModuleStore(moduleID)
	if err != nil {
		return nil, fmt.Errorf("visitor: module store: %w", err)
	}
	log := ctx.Logger
	if log == nil {
		log = slog.Default()
	}
	m := &Module{store: store, log: log.With("module", moduleID)}
	if err := m.UpdateConfiguration(cfg); err != nil {
		return nil, err
	}
	return &pipeline.Module{
		Version:      "1.0.0",
		Collector:    m,
		Configurable: m,
		Instance:     m,
	}, nil
}
