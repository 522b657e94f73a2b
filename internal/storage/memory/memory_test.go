package memory_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/snehjoshi/dispatchq/internal/storage"
	"github.com/snehjoshi/dispatchq/internal/storage/memory"
	"github.com/snehjoshi/dispatchq/internal/storage/storagetest"
)

func TestMemoryDatabase_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Database { return memory.New() })
}

func TestMemoryDatabase_IsNotPersistent(t *testing.T) {
	db := memory.New()
	assert.False(t, db.IsPersistent())
	assert.Equal(t, memory.SchemaVersion, db.Version())
	assert.NoError(t, db.Close())
}
