package analysis

import "sync"

// pathTracker records which segment paths are queued for the gate or held
// by the classifier pool, so the dispatcher never double-enqueues or evicts
// a segment that is being worked on.
type pathTracker struct {
	mu       sync.Mutex
	gate     map[string]struct{}
	analysis map[string]struct{}
}

func newPathTracker() *pathTracker {
	return &pathTracker{
		gate:     map[string]struct{}{},
		analysis: map[string]struct{}{},
	}
}

// enterGate marks the path as queued for the gate. Reports false when the
// path is already in flight anywhere in the pipeline.
func (t *pathTracker) enterGate(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.gate[path]; ok {
		return false
	}
	if _, ok := t.analysis[path]; ok {
		return false
	}
	t.gate[path] = struct{}{}
	return true
}

func (t *pathTracker) leaveGate(path string) {
	t.mu.Lock()
	delete(t.gate, path)
	t.mu.Unlock()
}

func (t *pathTracker) enterAnalysis(path string) {
	t.mu.Lock()
	t.analysis[path] = struct{}{}
	t.mu.Unlock()
}

func (t *pathTracker) leaveAnalysis(path string) {
	t.mu.Lock()
	delete(t.analysis, path)
	t.mu.Unlock()
}

func (t *pathTracker) inFlight(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.gate[path]; ok {
		return true
	}
	_, ok := t.analysis[path]
	return ok
}

func (t *pathTracker) gateCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.gate)
}

func (t *pathTracker) analysisCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.analysis)
}
