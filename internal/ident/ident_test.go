package ident_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/dispatchq/internal/ident"
)

func TestNewInstance_GeneratesIDOnFirstStart(t *testing.T) {
	n, err := ident.NewInstance(t.TempDir(), "auto")
	require.NoError(t, err)
	require.False(t, n.ID().IsZero())
	assert.Len(t, n.ID().String(), 26)
}

func TestNewInstance_PersistsIDAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	n1, err := ident.NewInstance(dir, "auto")
	require.NoError(t, err)
	n2, err := ident.NewInstance(dir, "")
	require.NoError(t, err)

	assert.Equal(t, n1.ID(), n2.ID())

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	require.NoError(t, err)
	assert.Equal(t, n1.ID().String(), strings.TrimSpace(string(data)))
}

func TestNewInstance_ExplicitOverride(t *testing.T) {
	override := ident.MustNewID()

	n, err := ident.NewInstance(t.TempDir(), override)
	require.NoError(t, err)
	assert.Equal(t, override, n.ID().String())
}

func TestNewInstance_RejectsInvalidInput(t *testing.T) {
	_, err := ident.NewInstance(t.TempDir(), "not-a-valid-ulid")
	assert.Error(t, err)

	_, err = ident.NewInstance("", "auto")
	assert.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "instance_id"), []byte("garbage\n"), 0o640))
	_, err = ident.NewInstance(dir, "auto")
	assert.Error(t, err)
}

func TestNewInstance_CreatesDataDirIfAbsent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "subdir", "data")

	_, err := ident.NewInstance(dir, "auto")
	require.NoError(t, err)

	_, err = os.Stat(dir)
	assert.NoError(t, err)
}

func TestMustNewID_UniqueAndMonotonic(t *testing.T) {
	prev := ""
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := ident.MustNewID()
		require.False(t, seen[id], "duplicate ULID %s", id)
		seen[id] = true
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestTime_RoundTripsMillis(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_123)
	id, err := ident.NewIDAt(at)
	require.NoError(t, err)

	got, err := ident.Time(id)
	require.NoError(t, err)
	assert.Equal(t, at.UnixMilli(), got.UnixMilli())
}
