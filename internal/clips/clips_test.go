package clips

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/featherfront/internal/model"
)

func testManager(t *testing.T) (*Manager, *int) {
	t.Helper()
	dir := t.TempDir()
	invalidations := 0
	manager := NewManager(filepath.Join(dir, "clips"), filepath.Join(dir, "clips.json"), func() {
		invalidations++
	})
	return manager, &invalidations
}

func writeSegment(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func prediction(species string, confidence float64) model.Prediction {
	return model.Prediction{Species: species, Confidence: model.Float64(confidence)}
}

func TestConsiderArchivesFirstClip(t *testing.T) {
	manager, invalidations := testManager(t)
	segment := writeSegment(t, t.TempDir(), "segment_000001.wav", "first")

	require.NoError(t, manager.Consider(segment, []model.Prediction{prediction("Great Tit", 0.9)}))

	index := manager.Index()
	require.Contains(t, index, "Great Tit")
	entry := index["Great Tit"]
	assert.Equal(t, "great-tit.wav", entry.Filename)
	require.NotNil(t, entry.Confidence)
	assert.InDelta(t, 0.9, *entry.Confidence, 1e-9)
	assert.Equal(t, 1, *invalidations)

	path, ok := manager.ClipPath("Great Tit")
	require.True(t, ok)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestConsiderReplacesOnHigherScore(t *testing.T) {
	manager, invalidations := testManager(t)
	segments := t.TempDir()

	first := writeSegment(t, segments, "a.wav", "first")
	require.NoError(t, manager.Consider(first, []model.Prediction{prediction("Great Tit", 0.8)}))

	second := writeSegment(t, segments, "b.wav", "second")
	require.NoError(t, manager.Consider(second, []model.Prediction{prediction("Great Tit", 0.9)}))

	path, ok := manager.ClipPath("Great Tit")
	require.True(t, ok)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
	assert.Equal(t, 2, *invalidations)
}

func TestConsiderKeepsHigherConfidenceIncumbent(t *testing.T) {
	manager, invalidations := testManager(t)
	segments := t.TempDir()

	first := writeSegment(t, segments, "a.wav", "first")
	require.NoError(t, manager.Consider(first, []model.Prediction{prediction("Great Tit", 0.8)}))

	// Clearly lower confidence never displaces the incumbent.
	second := writeSegment(t, segments, "b.wav", "second")
	require.NoError(t, manager.Consider(second, []model.Prediction{prediction("Great Tit", 0.5)}))

	path, ok := manager.ClipPath("Great Tit")
	require.True(t, ok)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
	assert.Equal(t, 1, *invalidations)
}

func TestConsiderKeepsHigherScoreIncumbent(t *testing.T) {
	manager, _ := testManager(t)
	segments := t.TempDir()

	first := writeSegment(t, segments, "a.wav", "first")
	require.NoError(t, manager.Consider(first, []model.Prediction{prediction("Great Tit", 0.8)}))

	// Within the confidence tolerance but not a better score.
	second := writeSegment(t, segments, "b.wav", "second")
	require.NoError(t, manager.Consider(second, []model.Prediction{prediction("Great Tit", 0.79)}))

	data, err := os.ReadFile(filepath.Join(manager.dir, "great-tit.wav"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestConsiderRejectsUnscorablePrediction(t *testing.T) {
	manager, invalidations := testManager(t)
	segment := writeSegment(t, t.TempDir(), "a.wav", "not audio")

	// No confidence and no measurable SNR scores at the floor, which
	// never beats the default score for an unarchived species.
	require.NoError(t, manager.Consider(segment, []model.Prediction{{Species: "Great Tit"}}))

	assert.Empty(t, manager.Index())
	assert.Equal(t, 0, *invalidations)
}

func TestConsiderEmptyPredictions(t *testing.T) {
	manager, invalidations := testManager(t)
	require.NoError(t, manager.Consider("ignored.wav", nil))
	assert.Empty(t, manager.Index())
	assert.Equal(t, 0, *invalidations)
}

func TestClipFor(t *testing.T) {
	manager, _ := testManager(t)
	segment := writeSegment(t, t.TempDir(), "a.wav", "audio")
	require.NoError(t, manager.Consider(segment, []model.Prediction{prediction("Great Tit", 0.9)}))

	ref, ok := manager.ClipFor("Great Tit")
	require.True(t, ok)
	assert.Equal(t, "/api/clip?species=Great+Tit", ref.URL)
	require.NotNil(t, ref.Confidence)
	assert.InDelta(t, 0.9, *ref.Confidence, 1e-9)

	_, ok = manager.ClipFor("Raven")
	assert.False(t, ok)
}

func TestIndexPersists(t *testing.T) {
	manager, _ := testManager(t)
	segment := writeSegment(t, t.TempDir(), "a.wav", "audio")
	require.NoError(t, manager.Consider(segment, []model.Prediction{prediction("Great Tit", 0.9)}))

	reopened := NewManager(manager.dir, manager.indexPath, nil)
	index := reopened.Index()
	require.Contains(t, index, "Great Tit")
	assert.Equal(t, "great-tit.wav", index["Great Tit"].Filename)
}

func TestClipPathMissingFile(t *testing.T) {
	manager, _ := testManager(t)
	segment := writeSegment(t, t.TempDir(), "a.wav", "audio")
	require.NoError(t, manager.Consider(segment, []model.Prediction{prediction("Great Tit", 0.9)}))

	require.NoError(t, os.Remove(filepath.Join(manager.dir, "great-tit.wav")))
	_, ok := manager.ClipPath("Great Tit")
	assert.False(t, ok)
}
