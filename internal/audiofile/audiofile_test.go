package audiofile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRate = 8000

// writeWAV writes a 16-bit mono PCM file from raw samples.
func writeWAV(t *testing.T, path string, samples []int) {
	t.Helper()
	file, err := os.Create(path)
	require.NoError(t, err)
	defer file.Close()

	encoder := wav.NewEncoder(file, testRate, 16, 1, 1)
	if len(samples) > 0 {
		buf := &audio.IntBuffer{
			Data:           samples,
			Format:         &audio.Format{SampleRate: testRate, NumChannels: 1},
			SourceBitDepth: 16,
		}
		require.NoError(t, encoder.Write(buf))
	}
	require.NoError(t, encoder.Close())
}

// squareWave fills frames samples alternating +amplitude / -amplitude, so
// the RMS equals the amplitude exactly.
func squareWave(frames, amplitude int) []int {
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

func TestAnalyzeActivityTone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segment.wav")
	// Amplitude 8000 of 32768 is about -12 dBFS.
	writeWAV(t, path, squareWave(testRate, 8000))

	active, peak := AnalyzeActivity(path, -45.0, 0.2)
	assert.True(t, active)
	require.NotNil(t, peak)
	assert.InDelta(t, -12.25, *peak, 0.5)
}

func TestAnalyzeActivitySilence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segment.wav")
	writeWAV(t, path, make([]int, testRate))

	active, peak := AnalyzeActivity(path, -45.0, 0.2)
	assert.False(t, active)
	require.NotNil(t, peak)
	assert.InDelta(t, -120.0, *peak, 0.01)
}

func TestAnalyzeActivityQuietBelowThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segment.wav")
	// Amplitude 10 of 32768 is about -70 dBFS, below a -45 dB gate.
	writeWAV(t, path, squareWave(testRate, 10))

	active, peak := AnalyzeActivity(path, -45.0, 0.2)
	assert.False(t, active)
	require.NotNil(t, peak)
	assert.InDelta(t, -70.3, *peak, 0.5)
}

func TestAnalyzeActivityDisabledGate(t *testing.T) {
	active, peak := AnalyzeActivity("does-not-matter.wav", -45.0, 0)
	assert.True(t, active)
	assert.Nil(t, peak)
}

func TestAnalyzeActivityUnreadableFile(t *testing.T) {
	// Missing and invalid files pass the gate so a decode problem never
	// drops audio.
	active, peak := AnalyzeActivity(filepath.Join(t.TempDir(), "missing.wav"), -45.0, 0.2)
	assert.True(t, active)
	assert.Nil(t, peak)

	path := filepath.Join(t.TempDir(), "garbage.wav")
	require.NoError(t, os.WriteFile(path, []byte("not a wav file"), 0o644))
	active, peak = AnalyzeActivity(path, -45.0, 0.2)
	assert.True(t, active)
	assert.Nil(t, peak)
}

func TestAnalyzeActivityEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wav")
	writeWAV(t, path, nil)

	active, peak := AnalyzeActivity(path, -45.0, 0.2)
	assert.False(t, active)
	assert.Nil(t, peak)
}

func TestComputeSNRLoudOverQuiet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segment.wav")
	// One quiet 200 ms window followed by four loud ones. The noise floor
	// comes from the quietest tenth of windows, so the quiet window sets it.
	quiet := squareWave(testRate/5, 100)
	loud := squareWave(4*testRate/5, 8000)
	writeWAV(t, path, append(quiet, loud...))

	snr := ComputeSNR(path)
	require.NotNil(t, snr)
	assert.Greater(t, *snr, 10.0)
}

func TestComputeSNRUniformLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segment.wav")
	writeWAV(t, path, squareWave(testRate, 4000))

	snr := ComputeSNR(path)
	require.NotNil(t, snr)
	assert.InDelta(t, 0.0, *snr, 0.1)
}

func TestComputeSNRDegenerate(t *testing.T) {
	assert.Nil(t, ComputeSNR(filepath.Join(t.TempDir(), "missing.wav")))

	// Digital silence has no usable noise floor.
	path := filepath.Join(t.TempDir(), "silence.wav")
	writeWAV(t, path, make([]int, testRate))
	assert.Nil(t, ComputeSNR(path))
}
