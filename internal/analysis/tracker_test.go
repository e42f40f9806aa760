package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathTracker(t *testing.T) {
	tracker := newPathTracker()

	assert.True(t, tracker.enterGate("a.wav"))
	// Already tracked paths are not re-admitted.
	assert.False(t, tracker.enterGate("a.wav"))
	assert.True(t, tracker.inFlight("a.wav"))
	assert.Equal(t, 1, tracker.gateCount())

	tracker.leaveGate("a.wav")
	tracker.enterAnalysis("a.wav")
	assert.False(t, tracker.enterGate("a.wav"))
	assert.True(t, tracker.inFlight("a.wav"))
	assert.Equal(t, 0, tracker.gateCount())
	assert.Equal(t, 1, tracker.analysisCount())

	tracker.leaveAnalysis("a.wav")
	assert.False(t, tracker.inFlight("a.wav"))
	assert.True(t, tracker.enterGate("a.wav"))
}
