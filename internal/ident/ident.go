// Package ident generates the identifiers used throughout dispatchq.
//
// Dispatch ids and queue ordering keys are ULIDs drawn from a single monotone
// entropy source, so ids created later always sort after ids created earlier,
// even within the same millisecond. The persistent queue relies on this to
// keep per-dispatcher FIFO order with a plain lexical bucket scan.
//
// Every tracker instance also has a stable instance id, generated on first
// start and stored in the data directory.
package ident

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const instanceIDFile = "instance_id"

// InstanceID is a ULID string that identifies a tracker instance. It is
// stable across restarts within the same data directory.
type InstanceID string

func (id InstanceID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id InstanceID) IsZero() bool { return id == "" }

// Instance holds the persistent identity of a tracker instance.
type Instance struct {
	id      InstanceID
	dataDir string
}

// NewInstance returns an Instance whose id is loaded from dataDir/instance_id.
// If the file does not exist a new ULID is generated and written.
// An override other than "" or "auto" is validated and used as-is.
func NewInstance(dataDir string, override string) (*Instance, error) {
	if dataDir == "" {
		return nil, errors.New("ident: dataDir must not be empty")
	}

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("ident: create data dir: %w", err)
	}

	if override != "" && override != "auto" {
		if err := Validate(override); err != nil {
			return nil, fmt.Errorf("ident: invalid id override %q: %w", override, err)
		}
		return &Instance{id: InstanceID(override), dataDir: dataDir}, nil
	}

	id, err := loadOrGenerate(dataDir)
	if err != nil {
		return nil, err
	}
	return &Instance{id: id, dataDir: dataDir}, nil
}

// ID returns the instance's stable ULID string.
func (n *Instance) ID() InstanceID { return n.id }

// DataDir returns the root data directory for this instance.
func (n *Instance) DataDir() string { return n.dataDir }

func loadOrGenerate(dataDir string) (InstanceID, error) {
	path := filepath.Join(dataDir, instanceIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if err := Validate(id); err != nil {
			return "", fmt.Errorf("ident: persisted id %q is invalid: %w", id, err)
		}
		return InstanceID(id), nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("ident: read id file: %w", err)
	}

	id, err := NewID()
	if err != nil {
		return "", fmt.Errorf("ident: generate id: %w", err)
	}

	if err := os.WriteFile(path, []byte(id+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("ident: persist id: %w", err)
	}

	return InstanceID(id), nil
}

var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewIDAt generates a ULID for time t from the shared monotone source.
func NewIDAt(t time.Time) (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), monoEntropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewID generates a fresh ULID for the current time.
func NewID() (string, error) {
	return NewIDAt(time.Now())
}

// MustNewID is like NewID but panics on error. Use only in tests or init code.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("ident.MustNewID: %v", err))
	}
	return id
}

// Validate returns an error if s is not a well-formed ULID string.
func Validate(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}

// Time extracts the millisecond timestamp embedded in a ULID.
func Time(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}
