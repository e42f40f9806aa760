// Package analysis drives captured segments through the silence gate and
// the external BirdNET classifier pool.
package analysis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tphakala/featherfront/internal/audiofile"
	"github.com/tphakala/featherfront/internal/clips"
	"github.com/tphakala/featherfront/internal/conf"
	"github.com/tphakala/featherfront/internal/datastore"
	"github.com/tphakala/featherfront/internal/events"
	"github.com/tphakala/featherfront/internal/model"
	"github.com/tphakala/featherfront/internal/snapshot"
)

const (
	gateWorkers         = 1
	classifierWorkers   = 3
	maxAnalysisBacklog  = 24
	maxQueueSegments    = 60
	maxSegmentAge       = 30 * time.Second
	analysisMinConf     = 0.01
	segmentReadyAge     = 400 * time.Millisecond
	dispatchInterval    = 200 * time.Millisecond
	statusReportSpacing = 5 * time.Second
)

// Pipeline owns the segment queues and worker pools. The dispatcher scans
// the segment directory, the gate pool drops silent segments and the
// classifier pool runs BirdNET on the survivors.
type Pipeline struct {
	cfg        *conf.Config
	events     *events.Logger
	snapshots  *snapshot.Manager
	clips      *clips.Manager
	segmentDir string

	gateCh chan string
	clsCh  chan string

	tracker *pathTracker

	classifierErrors events.ErrorDeduper

	lastStatusReport time.Time
	lastStatusTuple  string
}

// NewPipeline creates the analysis pipeline reading from segmentDir.
func NewPipeline(cfg *conf.Config, eventLog *events.Logger, snapshots *snapshot.Manager, clipArchive *clips.Manager, segmentDir string) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		events:     eventLog,
		snapshots:  snapshots,
		clips:      clipArchive,
		segmentDir: segmentDir,
		gateCh:     make(chan string, maxQueueSegments),
		clsCh:      make(chan string, maxAnalysisBacklog),
		tracker:    newPathTracker(),
	}
}

// Run starts the worker pools and the dispatcher, returning when the
// context is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	for id := 1; id <= gateWorkers; id++ {
		p.startWorker(ctx, "Gate", id, p.gateWorker)
	}
	for id := 1; id <= classifierWorkers; id++ {
		id := id
		p.startWorker(ctx, "Analysis", id, func(ctx context.Context) {
			p.classifierWorker(ctx, id)
		})
	}
	p.dispatch(ctx)
}

// startWorker runs fn in a goroutine, restarting it after a panic. A panic
// in one segment's processing must not take the pool down.
func (p *Pipeline) startWorker(ctx context.Context, name string, id int, fn func(context.Context)) {
	go func() {
		for ctx.Err() == nil {
			panicked := func() (panicked bool) {
				defer func() {
					if r := recover(); r != nil {
						panicked = true
						p.events.Emit(datastore.EventError,
							fmt.Sprintf("%s worker %d stopped, restarting", name, id), nil)
					}
				}()
				fn(ctx)
				return false
			}()
			if !panicked {
				return
			}
		}
	}()
}

// gateWorker drops silent segments and hands the rest to the classifier
// pool, unless its backlog is full.
func (p *Pipeline) gateWorker(ctx context.Context) {
	for {
		var path string
		select {
		case <-ctx.Done():
			return
		case path = <-p.gateCh:
		}
		p.tracker.leaveGate(path)

		if _, err := os.Stat(path); err != nil {
			continue
		}
		if !p.fileReady(path) {
			continue
		}

		snap := p.cfg.Snapshot()
		active, peakDB := audiofile.AnalyzeActivity(path, snap.SilenceThresholdDB, snap.SilenceMinSeconds)
		if !active {
			if peakDB == nil {
				p.events.Emit(datastore.EventAnalysis,
					fmt.Sprintf("Skipped silent segment (below %.1f dBFS)", snap.SilenceThresholdDB), nil)
			} else {
				p.events.Emit(datastore.EventAnalysis,
					fmt.Sprintf("Skipped silent segment (peak %.1f dBFS)", *peakDB), nil)
			}
			_ = os.Remove(path)
			continue
		}

		backlog := len(p.clsCh) + p.tracker.analysisCount()
		if backlog >= maxAnalysisBacklog {
			p.events.EmitLimited("backlog", events.DropLogInterval, datastore.EventAnalysis,
				fmt.Sprintf("Dropped active segment due to backlog (%d)", backlog), nil)
			_ = os.Remove(path)
			continue
		}

		p.tracker.enterAnalysis(path)
		select {
		case <-ctx.Done():
			p.tracker.leaveAnalysis(path)
			return
		case p.clsCh <- path:
		}
	}
}

// classifierWorker runs BirdNET on queued segments.
func (p *Pipeline) classifierWorker(ctx context.Context, id int) {
	for {
		var path string
		select {
		case <-ctx.Done():
			return
		case path = <-p.clsCh:
		}
		p.events.Emit(datastore.EventAnalysis, fmt.Sprintf("Worker %d analyzing segment", id), nil)
		if _, err := os.Stat(path); err != nil {
			p.tracker.leaveAnalysis(path)
			continue
		}
		p.analyzeSegment(ctx, path)
		p.tracker.leaveAnalysis(path)
	}
}

// analyzeSegment invokes the classifier for one segment and publishes the
// outcome. The segment file is always removed afterwards.
func (p *Pipeline) analyzeSegment(ctx context.Context, path string) {
	defer os.Remove(path)
	snap := p.cfg.Snapshot()

	if strings.TrimSpace(snap.ClassifierTemplate) == "" {
		message := "BIRDNET_TEMPLATE not set"
		if p.classifierErrors.ShouldEmit(message) {
			p.events.Emit(datastore.EventError, message, nil)
		}
		p.snapshots.Publish(snapshot.StatusIdle, message, nil)
		return
	}

	p.events.Emit(datastore.EventAnalysis, "Analyzing segment", nil)
	effectiveWeek := snap.Week
	if snap.AutoWeek {
		effectiveWeek = snap.CurrentWeek
	}

	predictions, errMessage := runClassifier(ctx, classifierRun{
		Template:       snap.ClassifierTemplate,
		Workdir:        snap.ClassifierWorkdir,
		InputPath:      path,
		OutputTarget:   p.segmentDir,
		MinConfidence:  analysisMinConf,
		SegmentSeconds: snap.SegmentSeconds,
		Latitude:       snap.Latitude,
		Longitude:      snap.Longitude,
		Week:           effectiveWeek,
	})

	if errMessage != "" {
		if p.classifierErrors.ShouldEmit(errMessage) {
			p.events.Emit(datastore.EventError, errMessage, nil)
		}
		p.snapshots.Publish(snapshot.StatusError, errMessage, nil)
		return
	}

	threshold := snap.MinConfidence
	var above, below []model.Prediction
	for _, prediction := range predictions {
		if confidenceValue(prediction) >= threshold {
			above = append(above, prediction)
		} else {
			below = append(below, prediction)
		}
	}
	if len(above) > 3 {
		above = above[:3]
	}
	if len(below) > 3 {
		below = below[:3]
	}

	statusMessage := "No detections"
	if len(above) > 0 {
		statusMessage = "Detected"
		p.snapshots.RecordDetections(above)
		if err := p.clips.Consider(path, above); err != nil {
			p.events.Emit(datastore.EventError, fmt.Sprintf("Failed to archive clip: %v", err), nil)
		}
	} else {
		if label := model.FormatConfidence(model.Float64(threshold)); threshold > 0 && label != "" {
			p.events.Emit(datastore.EventAnalysis, fmt.Sprintf("No detections above %s", label), nil)
		} else {
			p.events.Emit(datastore.EventAnalysis, "No detections above threshold", nil)
		}
	}

	if len(below) > 0 {
		summaries := make([]string, 0, len(below))
		for _, prediction := range below {
			label := model.FormatConfidence(prediction.Confidence)
			if label != "" {
				summaries = append(summaries, fmt.Sprintf("%s (%s)", prediction.Species, label))
			} else {
				summaries = append(summaries, prediction.Species)
			}
		}
		p.events.Emit(datastore.EventDetection, "Below threshold: "+strings.Join(summaries, ", "),
			map[string]any{"below_threshold": true})
	}

	p.classifierErrors.Clear()
	p.snapshots.PublishWithWeek(snapshot.StatusListening, statusMessage, above, effectiveWeek)
}

// dispatch is the scan loop: it evicts stale segments, caps the queue and
// feeds ready files to the gate pool.
func (p *Pipeline) dispatch(ctx context.Context) {
	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.scanOnce(ctx)
	}
}

type segmentFile struct {
	path  string
	mtime time.Time
}

func (p *Pipeline) scanOnce(ctx context.Context) {
	now := time.Now()
	matches, err := filepath.Glob(filepath.Join(p.segmentDir, "segment_*.wav"))
	if err != nil {
		return
	}

	files := make([]segmentFile, 0, len(matches))
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > maxSegmentAge {
			if p.tracker.inFlight(path) {
				continue
			}
			_ = os.Remove(path)
			p.events.EmitLimited("stale", events.DropLogInterval, datastore.EventAnalysis,
				fmt.Sprintf("Dropped stale segment (> %ds old)", int(maxSegmentAge.Seconds())), nil)
			continue
		}
		files = append(files, segmentFile{path: path, mtime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })

	if len(files) > maxQueueSegments {
		dropTarget := len(files) - maxQueueSegments
		dropped := 0
		kept := files[:0]
		for _, file := range files {
			if dropped < dropTarget && !p.tracker.inFlight(file.path) {
				_ = os.Remove(file.path)
				dropped++
				continue
			}
			kept = append(kept, file)
		}
		files = kept
		if dropped > 0 {
			p.events.Emit(datastore.EventAnalysis,
				fmt.Sprintf("Dropped %d queued segments to cap queue at %d", dropped, maxQueueSegments), nil)
		}
	}

	p.reportStatus(now, files)

	for _, file := range files {
		if ctx.Err() != nil {
			return
		}
		if !p.fileReady(file.path) {
			continue
		}
		if !p.tracker.enterGate(file.path) {
			continue
		}
		select {
		case p.gateCh <- file.path:
		default:
			p.tracker.leaveGate(file.path)
		}
	}
}

// reportStatus emits the queue depth line when the picture changed, at most
// once per spacing interval.
func (p *Pipeline) reportStatus(now time.Time, files []segmentFile) {
	oldestAge := 0
	if len(files) > 0 {
		oldestAge = int(now.Sub(files[0].mtime).Seconds())
		if oldestAge < 0 {
			oldestAge = 0
		}
	}
	gatePending := p.tracker.gateCount()
	gateQueued := len(p.gateCh)
	analysisQueued := len(p.clsCh)
	active := p.tracker.analysisCount()
	tuple := fmt.Sprintf("%d|%d|%d|%d|%d|%d", len(files), gatePending, gateQueued, analysisQueued, active, oldestAge)
	if tuple == p.lastStatusTuple {
		return
	}
	if now.Sub(p.lastStatusReport) < statusReportSpacing {
		return
	}
	p.events.Emit(datastore.EventAnalysis,
		fmt.Sprintf("Status: tmp %d, gate %d, analysis %d, active %d, oldest %ds",
			len(files), gatePending+gateQueued, analysisQueued, active, oldestAge), nil)
	p.lastStatusReport = now
	p.lastStatusTuple = tuple
}

// fileReady reports whether the segment has settled: ffmpeg has moved on to
// the next file once the mtime stops advancing.
func (p *Pipeline) fileReady(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > segmentReadyAge
}
