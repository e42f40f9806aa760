// Package capture supervises the ffmpeg process that segments the audio
// input into fixed-length WAV files.
package capture

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/tphakala/featherfront/internal/conf"
	"github.com/tphakala/featherfront/internal/datastore"
	"github.com/tphakala/featherfront/internal/events"
	"github.com/tphakala/featherfront/internal/model"
	"github.com/tphakala/featherfront/internal/snapshot"
)

// fallbackFFmpegPaths are tried when ffmpeg is not on PATH.
var fallbackFFmpegPaths = []string{
	"/opt/homebrew/bin/ffmpeg",
	"/usr/local/bin/ffmpeg",
}

const (
	watchdogInterval  = 5 * time.Second
	restartLogSpacing = 15 * time.Second
	repeatedStallMax  = 3
)

// Publisher writes overlay state for the supervisor's status transitions.
type Publisher interface {
	Publish(status, statusMessage string, predictions []model.Prediction)
}

// Supervisor runs ffmpeg in a restart loop, watching segment production and
// reaping stray capture processes.
type Supervisor struct {
	cfg        *conf.Config
	events     *events.Logger
	publisher  Publisher
	segmentDir string

	pidMu      sync.Mutex
	currentPid int32

	lastStatus string
}

// NewSupervisor creates a capture supervisor writing segments to segmentDir.
func NewSupervisor(cfg *conf.Config, eventLog *events.Logger, publisher Publisher, segmentDir string) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		events:     eventLog,
		publisher:  publisher,
		segmentDir: segmentDir,
	}
}

// ResolveFFmpegPath finds the ffmpeg binary on PATH or at the known
// fallback locations.
func ResolveFFmpegPath() (string, bool) {
	if resolved, err := exec.LookPath("ffmpeg"); err == nil {
		return resolved, true
	}
	for _, candidate := range fallbackFFmpegPaths {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

// BuildCommand assembles the ffmpeg argv for the configured input. The
// returned error message is user-facing and published as the idle status.
func BuildCommand(snap conf.Snapshot, ffmpegPath, segmentDir string) ([]string, string) {
	var inputArgs []string
	switch snap.InputMode {
	case conf.InputModeDevice:
		device := strings.TrimSpace(snap.InputDevice)
		if device == "" {
			return nil, "Audio input not set"
		}
		inputArgs = []string{"-f", "avfoundation", "-i", ":" + device}
	default:
		if snap.StreamURL == "" {
			return nil, "Stream URL not set"
		}
		if parsed, err := url.Parse(snap.StreamURL); err == nil && strings.EqualFold(parsed.Scheme, "rtsp") {
			inputArgs = append(inputArgs, "-rtsp_transport", "tcp")
		}
		inputArgs = append(inputArgs, "-i", snap.StreamURL, "-map", "0:a:0")
	}

	command := []string{
		ffmpegPath,
		"-loglevel", "warning",
		"-hide_banner",
		"-y",
	}
	command = append(command, inputArgs...)
	command = append(command,
		"-vn",
		"-ac", "1",
		"-ar", "48000",
		"-f", "segment",
		"-segment_time", strconv.FormatFloat(snap.SegmentSeconds, 'g', -1, 64),
		"-reset_timestamps", "1",
		filepath.Join(segmentDir, "segment_%06d.wav"),
	)
	return command, ""
}

// Run supervises ffmpeg until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	s.ReapOrphans("startup", 0)
	go s.watchdog(ctx)

	stallCount := 0
	for ctx.Err() == nil {
		snap := s.cfg.Snapshot()

		ffmpegPath, found := ResolveFFmpegPath()
		if !found {
			s.publishStatus(snapshot.StatusError, "ffmpeg not found", datastore.EventError)
			return
		}

		command, buildErr := BuildCommand(snap, ffmpegPath, s.segmentDir)
		if buildErr != "" {
			s.publishStatus(snapshot.StatusIdle, buildErr, datastore.EventServer)
			s.cfg.ConsumeCaptureRestart()
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		s.publishStatus(snapshot.StatusListening, "Listening", datastore.EventServer)

		restartRequested, ok := s.runOnce(ctx, command, snap.SegmentSeconds, &stallCount)
		if !ok {
			return
		}
		if restartRequested {
			continue
		}

		s.publishStatus(snapshot.StatusIdle, "Input disconnected, retrying", datastore.EventServer)
		if !sleepCtx(ctx, 2*time.Second) {
			return
		}
	}
}

// runOnce starts one ffmpeg process and watches it until it exits, a
// restart is requested, or segment production stalls. Returns restart
// intent and false when the context ended.
func (s *Supervisor) runOnce(ctx context.Context, command []string, segmentSeconds float64, stallCount *int) (bool, bool) {
	cmd := exec.Command(command[0], command[1:]...)
	if err := cmd.Start(); err != nil {
		s.events.Emit(datastore.EventError, fmt.Sprintf("Failed to start capture: %v", err), nil)
		return false, sleepCtx(ctx, 2*time.Second)
	}
	s.setCurrentPid(int32(cmd.Process.Pid))
	defer s.setCurrentPid(0)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	lastSegment := s.latestSegmentMtime()
	if lastSegment.IsZero() {
		lastSegment = time.Now()
	}
	stallTimeout := time.Duration(max(10.0, segmentSeconds*5.0) * float64(time.Second))

	restartRequested := false
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

watch:
	for {
		select {
		case <-ctx.Done():
			s.stop(cmd, done)
			return false, false
		case <-done:
			break watch
		case <-ticker.C:
			if s.cfg.ConsumeCaptureRestart() {
				restartRequested = true
				s.stop(cmd, done)
				break watch
			}
			if latest := s.latestSegmentMtime(); !latest.IsZero() && latest.After(lastSegment) {
				lastSegment = latest
				*stallCount = 0
			}
			if time.Since(lastSegment) > stallTimeout {
				s.events.EmitLimited("capture-restart", restartLogSpacing, datastore.EventServer,
					fmt.Sprintf("No new audio segments for %ds, restarting capture", int(stallTimeout.Seconds())), nil)
				s.ClearSegments("stall")
				*stallCount++
				if *stallCount >= repeatedStallMax {
					s.events.Emit(datastore.EventServer, "Repeated stalls detected, forcing capture reset", nil)
					s.ReapOrphans("stall reset", 0)
					*stallCount = 0
				}
				restartRequested = true
				s.stop(cmd, done)
				break watch
			}
		}
	}
	return restartRequested, true
}

// stop terminates the process, escalating to SIGKILL after two seconds.
func (s *Supervisor) stop(cmd *exec.Cmd, done chan error) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(2 * time.Second):
	}
	_ = cmd.Process.Kill()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

func (s *Supervisor) publishStatus(status, message, eventType string) {
	if message != s.lastStatus {
		s.events.Emit(eventType, message, nil)
		s.lastStatus = message
	}
	s.publisher.Publish(status, message, nil)
}

func (s *Supervisor) watchdog(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pid := s.CurrentPid(); pid != 0 {
				s.ReapOrphans("watchdog", pid)
			}
		}
	}
}

// CurrentPid returns the pid of the running capture process, or zero.
func (s *Supervisor) CurrentPid() int32 {
	s.pidMu.Lock()
	defer s.pidMu.Unlock()
	return s.currentPid
}

func (s *Supervisor) setCurrentPid(pid int32) {
	s.pidMu.Lock()
	s.currentPid = pid
	s.pidMu.Unlock()
}

// ReapOrphans terminates stray ffmpeg processes writing into the segment
// directory, sparing allowedPid. Returns the number of processes reaped.
func (s *Supervisor) ReapOrphans(reason string, allowedPid int32) int {
	marker := filepath.Join(s.segmentDir, "segment_")
	procs, err := process.Processes()
	if err != nil {
		return 0
	}
	var candidates []*process.Process
	for _, p := range procs {
		if allowedPid != 0 && p.Pid == allowedPid {
			continue
		}
		cmdline, err := p.Cmdline()
		if err != nil {
			continue
		}
		if strings.Contains(cmdline, "ffmpeg") && strings.Contains(cmdline, marker) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return 0
	}
	for _, p := range candidates {
		_ = p.Terminate()
	}
	deadline := time.Now().Add(2 * time.Second)
	remaining := candidates
	for len(remaining) > 0 && time.Now().Before(deadline) {
		alive := remaining[:0]
		for _, p := range remaining {
			if exists, _ := process.PidExists(p.Pid); exists {
				alive = append(alive, p)
			}
		}
		remaining = alive
		if len(remaining) > 0 {
			time.Sleep(100 * time.Millisecond)
		}
	}
	for _, p := range remaining {
		_ = p.Kill()
	}
	s.events.Emit(datastore.EventServer,
		fmt.Sprintf("Cleaned %d orphan capture process(es) (%s)", len(candidates), reason), nil)
	return len(candidates)
}

// ClearSegments removes all pending segment files. Returns the number of
// files removed.
func (s *Supervisor) ClearSegments(reason string) int {
	matches, err := filepath.Glob(filepath.Join(s.segmentDir, "segment_*.wav"))
	if err != nil {
		return 0
	}
	removed := 0
	for _, path := range matches {
		if err := os.Remove(path); err == nil {
			removed++
		}
	}
	if removed > 0 {
		s.events.Emit(datastore.EventServer, fmt.Sprintf("Cleared %d pending segments (%s)", removed, reason), nil)
	}
	return removed
}

func (s *Supervisor) latestSegmentMtime() time.Time {
	matches, err := filepath.Glob(filepath.Join(s.segmentDir, "segment_*.wav"))
	if err != nil {
		return time.Time{}
	}
	var latest time.Time
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
