package analysis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/featherfront/internal/clips"
	"github.com/tphakala/featherfront/internal/conf"
	"github.com/tphakala/featherfront/internal/datastore"
	"github.com/tphakala/featherfront/internal/events"
	"github.com/tphakala/featherfront/internal/icons"
	"github.com/tphakala/featherfront/internal/snapshot"
)

const segmentRate = 8000

func newTestPipeline(t *testing.T) (*Pipeline, *datastore.Store, conf.Paths) {
	t.Helper()
	paths := conf.DefaultPaths(t.TempDir())
	require.NoError(t, paths.EnsureDirs())
	cfg, err := conf.Load(paths)
	require.NoError(t, err)

	store, err := datastore.Open(paths.Database)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eventLog := events.NewLogger(store)
	resolver := icons.NewResolver(store, paths.IconsDir)
	clipArchive := clips.NewManager(paths.ClipsDir, paths.ClipIndex, store.InvalidateSummaryCache)
	snapshots := snapshot.NewManager(cfg, store, eventLog, resolver, paths.Latest)

	return NewPipeline(cfg, eventLog, snapshots, clipArchive, paths.SegmentDir), store, paths
}

// writeSegmentWAV writes a 16-bit mono PCM segment from raw samples.
func writeSegmentWAV(t *testing.T, path string, samples []int) {
	t.Helper()
	file, err := os.Create(path)
	require.NoError(t, err)
	defer file.Close()

	encoder := wav.NewEncoder(file, segmentRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Data:           samples,
		Format:         &audio.Format{SampleRate: segmentRate, NumChannels: 1},
		SourceBitDepth: 16,
	}
	require.NoError(t, encoder.Write(buf))
	require.NoError(t, encoder.Close())
}

// toneSamples alternates +amplitude / -amplitude, so the RMS equals the
// amplitude exactly.
func toneSamples(frames, amplitude int) []int {
	samples := make([]int, frames)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amplitude
		} else {
			samples[i] = -amplitude
		}
	}
	return samples
}

func backdate(t *testing.T, path string, age time.Duration) {
	t.Helper()
	stamp := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, stamp, stamp))
}

func eventMessages(store *datastore.Store) []string {
	records := store.ReadEvents(-1)
	messages := make([]string, 0, len(records))
	for _, record := range records {
		messages = append(messages, record.Message)
	}
	return messages
}

func TestGateWorkerDropsSilentSegment(t *testing.T) {
	pipeline, store, paths := newTestPipeline(t)
	path := filepath.Join(paths.SegmentDir, "segment_000001.wav")
	writeSegmentWAV(t, path, make([]int, segmentRate))
	backdate(t, path, 2*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pipeline.gateWorker(ctx)

	require.True(t, pipeline.tracker.enterGate(path))
	pipeline.gateCh <- path

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, 5*time.Second, 20*time.Millisecond)

	assert.Contains(t, eventMessages(store), "Skipped silent segment (peak -120.0 dBFS)")
	assert.Zero(t, len(pipeline.clsCh))
}

func TestGateWorkerDropsActiveSegmentOnBacklog(t *testing.T) {
	pipeline, store, paths := newTestPipeline(t)
	path := filepath.Join(paths.SegmentDir, "segment_000001.wav")
	writeSegmentWAV(t, path, toneSamples(segmentRate, 8000))
	backdate(t, path, 2*time.Second)

	for i := 0; i < maxAnalysisBacklog; i++ {
		pipeline.tracker.enterAnalysis(fmt.Sprintf("held-%02d.wav", i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pipeline.gateWorker(ctx)

	require.True(t, pipeline.tracker.enterGate(path))
	pipeline.gateCh <- path

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, 5*time.Second, 20*time.Millisecond)

	assert.Contains(t, eventMessages(store), "Dropped active segment due to backlog (24)")
	assert.Zero(t, len(pipeline.clsCh))
}

func TestScanOnceEvictsStaleSegments(t *testing.T) {
	pipeline, store, paths := newTestPipeline(t)

	stale := filepath.Join(paths.SegmentDir, "segment_000001.wav")
	require.NoError(t, os.WriteFile(stale, []byte("stale"), 0o644))
	backdate(t, stale, 40*time.Second)

	held := filepath.Join(paths.SegmentDir, "segment_000002.wav")
	require.NoError(t, os.WriteFile(held, []byte("held"), 0o644))
	backdate(t, held, 40*time.Second)
	require.True(t, pipeline.tracker.enterGate(held))

	fresh := filepath.Join(paths.SegmentDir, "segment_000003.wav")
	require.NoError(t, os.WriteFile(fresh, []byte("fresh"), 0o644))
	backdate(t, fresh, 5*time.Second)

	pipeline.scanOnce(context.Background())

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(held)
	assert.NoError(t, err, "in-flight segment must survive stale eviction")
	_, err = os.Stat(fresh)
	assert.NoError(t, err)

	assert.Contains(t, eventMessages(store), "Dropped stale segment (> 30s old)")
	require.Equal(t, 1, len(pipeline.gateCh))
	assert.Equal(t, fresh, <-pipeline.gateCh)
}

func TestScanOnceCapsQueue(t *testing.T) {
	pipeline, store, paths := newTestPipeline(t)

	total := maxQueueSegments + 10
	base := time.Now().Add(-25 * time.Second)
	names := make([]string, total)
	for i := 0; i < total; i++ {
		path := filepath.Join(paths.SegmentDir, fmt.Sprintf("segment_%06d.wav", i))
		require.NoError(t, os.WriteFile(path, []byte("segment"), 0o644))
		stamp := base.Add(time.Duration(i) * 20 * time.Millisecond)
		require.NoError(t, os.Chtimes(path, stamp, stamp))
		names[i] = path
	}

	pipeline.scanOnce(context.Background())

	for i := 0; i < 10; i++ {
		_, err := os.Stat(names[i])
		assert.True(t, os.IsNotExist(err), "oldest segment %d should be dropped", i)
	}
	remaining, err := filepath.Glob(filepath.Join(paths.SegmentDir, "segment_*.wav"))
	require.NoError(t, err)
	assert.Len(t, remaining, maxQueueSegments)

	assert.Contains(t, eventMessages(store), "Dropped 10 queued segments to cap queue at 60")
}

func TestReportStatusTracksGateStagesSeparately(t *testing.T) {
	pipeline, store, _ := newTestPipeline(t)
	now := time.Now()

	pipeline.reportStatus(now, nil)

	pipeline.tracker.enterGate("segment_000001.wav")
	pipeline.reportStatus(now.Add(6*time.Second), nil)

	// Moving the segment from pending to the gate queue changes the
	// status even though the combined count stays the same.
	pipeline.tracker.leaveGate("segment_000001.wav")
	pipeline.gateCh <- "segment_000001.wav"
	pipeline.reportStatus(now.Add(12*time.Second), nil)

	var statuses []string
	for _, message := range eventMessages(store) {
		if len(message) >= 7 && message[:7] == "Status:" {
			statuses = append(statuses, message)
		}
	}
	require.Len(t, statuses, 3)
	assert.Contains(t, statuses, "Status: tmp 0, gate 0, analysis 0, active 0, oldest 0s")
	assert.Equal(t, "Status: tmp 0, gate 1, analysis 0, active 0, oldest 0s", statuses[1])
	assert.Equal(t, "Status: tmp 0, gate 1, analysis 0, active 0, oldest 0s", statuses[2])
}
