package events

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/featherfront/internal/datastore"
)

func testLogger(t *testing.T) (*Logger, *datastore.Store) {
	t.Helper()
	store, err := datastore.Open(filepath.Join(t.TempDir(), "overlay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewLogger(store), store
}

func TestEmit(t *testing.T) {
	logger, store := testLogger(t)

	logger.Emit(datastore.EventAnalysis, "Analyzing segment", map[string]any{"segment": "segment_000001.wav"})

	got := store.ReadEvents(-1)
	require.Len(t, got, 1)
	assert.Equal(t, datastore.EventAnalysis, got[0].Type)
	assert.Equal(t, "Analyzing segment", got[0].Message)
	assert.Equal(t, "segment_000001.wav", got[0].Extra["segment"])
	assert.Len(t, got[0].ID, 32)
	assert.NotEmpty(t, got[0].Timestamp)
}

func TestEmitLimited(t *testing.T) {
	logger, store := testLogger(t)

	assert.True(t, logger.EmitLimited("backlog", time.Hour, datastore.EventAnalysis, "Dropped active segment due to backlog (24)", nil))
	assert.False(t, logger.EmitLimited("backlog", time.Hour, datastore.EventAnalysis, "Dropped active segment due to backlog (24)", nil))

	// A different cause has its own limiter.
	assert.True(t, logger.EmitLimited("stale", time.Hour, datastore.EventAnalysis, "Dropped stale segment (> 30s old)", nil))

	assert.Len(t, store.ReadEvents(-1), 2)
}

func TestErrorDeduper(t *testing.T) {
	var dedupe ErrorDeduper

	assert.True(t, dedupe.ShouldEmit("BirdNET failed."))
	assert.False(t, dedupe.ShouldEmit("BirdNET failed."))
	assert.True(t, dedupe.ShouldEmit("BirdNET timed out."))
	assert.False(t, dedupe.ShouldEmit("BirdNET timed out."))

	dedupe.Clear()
	assert.True(t, dedupe.ShouldEmit("BirdNET timed out."))
}
