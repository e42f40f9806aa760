package datastore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/featherfront/internal/model"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "overlay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func detection(stamp, species string, confidence float64) DetectionRecord {
	return DetectionRecord{
		Timestamp:  stamp,
		Species:    species,
		Confidence: model.Float64(confidence),
		Location:   "Stream",
	}
}

func TestAppendAndReadDetections(t *testing.T) {
	store := testStore(t)

	records := []DetectionRecord{
		detection("2026-08-26T10:00:00Z", "Great Tit", 0.9),
		detection("2026-08-26T10:00:03Z", "Blue Jay", 0.7),
	}
	require.NoError(t, store.AppendDetections(records))

	got := store.ReadDetections(-1)
	require.Len(t, got, 2)
	// Chronological order, oldest first.
	assert.Equal(t, "Great Tit", got[0].Species)
	assert.Equal(t, "Blue Jay", got[1].Species)
	assert.NotEmpty(t, got[0].ID)
	require.NotNil(t, got[1].Confidence)
	assert.InDelta(t, 0.7, *got[1].Confidence, 1e-9)
}

func TestReadDetectionsLimit(t *testing.T) {
	store := testStore(t)
	for i := 0; i < 5; i++ {
		stamp := fmt.Sprintf("2026-08-26T10:00:%02dZ", i)
		require.NoError(t, store.AppendDetections([]DetectionRecord{detection(stamp, "Robin", 0.5)}))
	}

	assert.Empty(t, store.ReadDetections(0))
	got := store.ReadDetections(2)
	require.Len(t, got, 2)
	// The two newest, still oldest first.
	assert.Equal(t, "2026-08-26T10:00:03Z", got[0].Timestamp)
	assert.Equal(t, "2026-08-26T10:00:04Z", got[1].Timestamp)
}

func TestEnsureIDDeterministic(t *testing.T) {
	a := detection("2026-08-26T10:00:00Z", "Great Tit", 0.9)
	b := detection("2026-08-26T10:00:00Z", "Great Tit", 0.9)
	a.EnsureID()
	b.EnsureID()
	assert.Equal(t, a.ID, b.ID)
	assert.Len(t, a.ID, 12)

	c := detection("2026-08-26T10:00:00Z", "Great Tit", 0.8)
	c.EnsureID()
	assert.NotEqual(t, a.ID, c.ID)

	// Once set, the id wins over derivation.
	a.Species = "Blue Jay"
	before := a.ID
	a.EnsureID()
	assert.Equal(t, before, a.ID)
}

func TestAppendDetectionsIdempotentByID(t *testing.T) {
	store := testStore(t)
	record := detection("2026-08-26T10:00:00Z", "Great Tit", 0.9)
	record.EnsureID()
	require.NoError(t, store.AppendDetections([]DetectionRecord{record}))
	require.NoError(t, store.AppendDetections([]DetectionRecord{record}))

	assert.Len(t, store.ReadDetections(-1), 1)
}

func TestDeleteDetection(t *testing.T) {
	store := testStore(t)
	records := []DetectionRecord{
		detection("2026-08-26T10:00:00Z", "Great Tit", 0.9),
		detection("2026-08-26T10:00:03Z", "Great Tit", 0.8),
	}
	require.NoError(t, store.AppendDetections(records))
	got := store.ReadDetections(-1)
	require.Len(t, got, 2)

	before := store.Revision()
	removed, err := store.DeleteDetection(got[0].ID)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Greater(t, store.Revision(), before)
	assert.Equal(t, 1, store.TimesHeard("Great Tit"))

	removed, err = store.DeleteDetection("missing")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRevisionMonotonic(t *testing.T) {
	store := testStore(t)
	previous := store.Revision()
	for i := 0; i < 5; i++ {
		next := store.BumpRevision()
		assert.Greater(t, next, previous)
		previous = next
	}
}

func TestAggregates(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.AppendDetections([]DetectionRecord{
		detection("2026-08-26T10:00:00Z", "Great Tit", 0.9),
		detection("2026-08-26T10:00:03Z", "Great Tit", 0.8),
		detection("2026-08-26T10:00:06Z", "Blue Jay", 0.7),
	}))

	assert.Equal(t, 2, store.SpeciesCount())
	assert.Equal(t, 2, store.TimesHeard("Great Tit"))
	assert.Equal(t, 1, store.TimesHeard("Blue Jay"))
	assert.Equal(t, 0, store.TimesHeard("Raven"))

	rank := store.SpeciesRank("Great Tit")
	require.NotNil(t, rank)
	assert.Equal(t, 1, *rank)
	rank = store.SpeciesRank("Blue Jay")
	require.NotNil(t, rank)
	assert.Equal(t, 2, *rank)
	assert.Nil(t, store.SpeciesRank("Raven"))
}

func TestSummaryCacheValidity(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.AppendDetections([]DetectionRecord{
		detection("2026-08-26T10:00:00Z", "Great Tit", 0.9),
	}))

	payload := store.Summarize(nil, nil)
	require.NotNil(t, payload)

	cached, ok := store.CachedSummary()
	require.True(t, ok)
	assert.JSONEq(t, string(payload), string(cached))

	// A write invalidates the cache.
	require.NoError(t, store.AppendDetections([]DetectionRecord{
		detection("2026-08-26T10:00:03Z", "Blue Jay", 0.7),
	}))
	_, ok = store.CachedSummary()
	assert.False(t, ok)
}

func TestSummarize(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC()
	earlier := model.FormatISO(now.Add(-time.Hour))
	latest := model.FormatISO(now)
	require.NoError(t, store.AppendDetections([]DetectionRecord{
		detection(earlier, "Great Tit", 0.6),
		detection(latest, "Great Tit", 0.9),
		detection(earlier, "Blue Jay", 0.7),
	}))

	payload := store.Summarize(
		func(species string) string { return "/data/icons/" + species + ".png" },
		func(species string) (ClipRef, bool) {
			if species == "Great Tit" {
				return ClipRef{URL: "/api/clip?species=Great+Tit", Confidence: model.Float64(0.9)}, true
			}
			return ClipRef{}, false
		},
	)

	var summary SummaryPayload
	require.NoError(t, json.Unmarshal(payload, &summary))
	assert.Equal(t, 2, summary.SpeciesCount)
	assert.Equal(t, 3, summary.TotalDetections)
	require.Len(t, summary.Entries, 2)

	// Sorted by count, then name.
	top := summary.Entries[0]
	assert.Equal(t, "Great Tit", top.Species)
	assert.Equal(t, 2, top.Count)
	assert.Equal(t, latest, top.Timestamp)
	require.NotNil(t, top.Confidence)
	assert.InDelta(t, 0.9, *top.Confidence, 1e-9)
	assert.Equal(t, "/api/clip?species=Great+Tit", top.ClipURL)
	assert.Len(t, top.DailyCounts, 30)
	assert.Equal(t, "/data/icons/Great Tit.png", top.IconURL)

	assert.Equal(t, "Blue Jay", summary.Entries[1].Species)
	assert.Empty(t, summary.Entries[1].ClipURL)
}

func TestSummarizeEmptyStore(t *testing.T) {
	store := testStore(t)
	payload := store.Summarize(nil, nil)
	var summary SummaryPayload
	require.NoError(t, json.Unmarshal(payload, &summary))
	assert.Empty(t, summary.Entries)
	assert.Equal(t, 0, summary.SpeciesCount)
	assert.Equal(t, store.Revision(), summary.LogRevision)
}

func TestActivityCurve(t *testing.T) {
	store := testStore(t)
	now := time.Now()
	require.NoError(t, store.AppendDetections([]DetectionRecord{
		detection(model.FormatISO(now.Add(-10*time.Minute)), "Great Tit", 0.9),
		detection(model.FormatISO(now.Add(-20*time.Minute)), "Great Tit", 0.8),
	}))

	payload := store.ActivityCurve(7)
	assert.Equal(t, 7, payload.Days)
	assert.Len(t, payload.Points, 48)
	assert.Len(t, payload.TodayPoints, 48)

	var total float64
	for _, point := range payload.Points {
		total += point
	}
	assert.Greater(t, total, 0.0)

	// Clamped range.
	assert.Equal(t, 1, store.ActivityCurve(0).Days)
	assert.Equal(t, 30, store.ActivityCurve(99).Days)
}

func TestEventsRoundTrip(t *testing.T) {
	store := testStore(t)
	record := EventRecord{
		Timestamp: "2026-08-26T10:00:00Z",
		Type:      EventAnalysis,
		Message:   "Analyzing segment",
		Extra:     map[string]any{"below_threshold": true},
	}
	record.EnsureID()
	require.NoError(t, store.AppendEvents([]EventRecord{record}))

	got := store.ReadEvents(-1)
	require.Len(t, got, 1)
	assert.Equal(t, record.ID, got[0].ID)
	assert.Equal(t, "Analyzing segment", got[0].Message)
	assert.Equal(t, true, got[0].Extra["below_threshold"])
}

func TestEventRecordJSONFlattensExtra(t *testing.T) {
	record := EventRecord{
		ID:        "abc",
		Timestamp: "2026-08-26T10:00:00Z",
		Type:      EventDetection,
		Message:   "Detected Great Tit (90%)",
		Extra:     map[string]any{"species": "Great Tit"},
	}
	encoded, err := json.Marshal(record)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(encoded, &doc))
	assert.Equal(t, "Great Tit", doc["species"])
	assert.Equal(t, "abc", doc["id"])

	var decoded EventRecord
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, record.ID, decoded.ID)
	assert.Equal(t, record.Extra["species"], decoded.Extra["species"])
}

func TestSpeciesIcons(t *testing.T) {
	store := testStore(t)

	require.NoError(t, store.UpsertSpeciesIcon("Great Tit", "great-tit.png"))
	index := store.IconIndex()
	assert.Equal(t, "great-tit.png", index["great tit"])

	// Upsert replaces.
	require.NoError(t, store.UpsertSpeciesIcon("great tit", "tit2.png"))
	assert.Equal(t, "tit2.png", store.IconIndex()["great tit"])

	filename, ok := store.RemoveSpeciesIcon("GREAT TIT")
	assert.True(t, ok)
	assert.Equal(t, "tit2.png", filename)
	assert.Empty(t, store.IconIndex())

	_, ok = store.RemoveSpeciesIcon("missing")
	assert.False(t, ok)
}

func TestMigrateLegacy(t *testing.T) {
	dir := t.TempDir()
	detectionLog := filepath.Join(dir, "detections.jsonl")
	eventLog := filepath.Join(dir, "events.jsonl")
	iconIndex := filepath.Join(dir, "icons.json")

	detections := `{"id":"aaa","timestamp":"2026-08-26T10:00:00Z","species":"Great Tit","confidence":0.9}
not json
{"timestamp":"2026-08-26T10:00:03Z","species":"Blue Jay","confidence":70}
`
	require.NoError(t, os.WriteFile(detectionLog, []byte(detections), 0o644))
	require.NoError(t, os.WriteFile(eventLog, []byte(`{"id":"eee","timestamp":"2026-08-26T10:00:00Z","type":"server","message":"Server started"}`+"\n"), 0o644))
	require.NoError(t, os.WriteFile(iconIndex, []byte(`{"Great Tit":"great-tit.png"}`), 0o644))

	store := testStore(t)
	require.NoError(t, store.MigrateLegacy(detectionLog, eventLog, iconIndex))
	store.RebuildAggregates()

	entries := store.ReadDetections(-1)
	require.Len(t, entries, 2)
	assert.Equal(t, "aaa", entries[0].ID)
	require.NotNil(t, entries[1].Confidence)
	assert.InDelta(t, 0.7, *entries[1].Confidence, 1e-9)

	events := store.ReadEvents(-1)
	require.Len(t, events, 1)
	assert.Equal(t, "Server started", events[0].Message)

	assert.Equal(t, "great-tit.png", store.IconIndex()["great tit"])

	// Import runs only into empty tables.
	require.NoError(t, store.MigrateLegacy(detectionLog, eventLog, iconIndex))
	assert.Len(t, store.ReadDetections(-1), 2)
}

func TestMigrateLegacyMissingFiles(t *testing.T) {
	store := testStore(t)
	dir := t.TempDir()
	require.NoError(t, store.MigrateLegacy(
		filepath.Join(dir, "none.jsonl"),
		filepath.Join(dir, "none2.jsonl"),
		filepath.Join(dir, "none.json"),
	))
	assert.Empty(t, store.ReadDetections(-1))
}
