// Package audiofile reads captured WAV segments for level analysis: the
// silence gate's activity check and the clip archive's SNR score.
package audiofile

import (
	"math"
	"os"
	"sort"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	activityWindowSeconds = 0.05
	snrWindowSeconds      = 0.2
	floorDB               = -120.0
)

// AnalyzeActivity reports whether the segment carries at least
// minActiveSeconds of audio at or above thresholdDB, along with the peak
// window level in dBFS. Unreadable files are treated as active so a decode
// problem never drops audio; empty files are silent.
func AnalyzeActivity(path string, thresholdDB, minActiveSeconds float64) (bool, *float64) {
	if minActiveSeconds <= 0 {
		return true, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return true, nil
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return true, nil
	}
	rate := int(decoder.SampleRate)
	channels := int(decoder.NumChans)
	depth := int(decoder.BitDepth)
	if rate <= 0 || channels <= 0 || depth <= 0 {
		return true, nil
	}

	maxAmp := math.Pow(2, float64(depth-1))
	chunkFrames := max(1, int(float64(rate)*activityWindowSeconds))
	buf := &audio.IntBuffer{
		Data:   make([]int, chunkFrames*channels),
		Format: &audio.Format{SampleRate: rate, NumChannels: channels},
	}

	activeFrames := 0
	maxDB := floorDB
	sawData := false
	for {
		n, err := decoder.PCMBuffer(buf)
		if n == 0 {
			break
		}
		sawData = true

		var sum float64
		for _, sample := range buf.Data[:n] {
			value := float64(sample)
			sum += value * value
		}
		rms := math.Sqrt(sum / float64(n))
		db := floorDB
		if rms > 0 {
			db = 20.0 * math.Log10(rms/maxAmp)
		}
		if db > maxDB {
			maxDB = db
		}
		if db >= thresholdDB {
			activeFrames += n / channels
			if float64(activeFrames)/float64(rate) >= minActiveSeconds {
				return true, &maxDB
			}
		}
		if err != nil {
			break
		}
	}
	if !sawData {
		return false, nil
	}
	return false, &maxDB
}

// ComputeSNR estimates the segment's signal-to-noise ratio in dB from
// 200 ms RMS windows: the noise floor is the mean of the quietest tenth of
// windows, the signal level the mean of all of them. Returns nil when the
// file cannot be read or the levels degenerate.
func ComputeSNR(path string) *float64 {
	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return nil
	}
	rate := int(decoder.SampleRate)
	channels := int(decoder.NumChans)
	if rate <= 0 || channels <= 0 {
		return nil
	}

	windowFrames := max(1, int(float64(rate)*snrWindowSeconds))
	buf := &audio.IntBuffer{
		Data:   make([]int, windowFrames*channels),
		Format: &audio.Format{SampleRate: rate, NumChannels: channels},
	}

	var rmsValues []float64
	for {
		n, err := decoder.PCMBuffer(buf)
		if n == 0 {
			break
		}
		frames := n / channels
		if frames == 0 {
			break
		}
		var sum float64
		for frame := 0; frame < frames; frame++ {
			var mono float64
			for c := 0; c < channels; c++ {
				mono += float64(buf.Data[frame*channels+c])
			}
			mono /= float64(channels)
			sum += mono * mono
		}
		rmsValues = append(rmsValues, math.Sqrt(sum/float64(frames)))
		if err != nil {
			break
		}
	}
	if len(rmsValues) == 0 {
		return nil
	}

	sort.Float64s(rmsValues)
	noiseCount := max(1, len(rmsValues)/10)
	var noiseFloor float64
	for _, value := range rmsValues[:noiseCount] {
		noiseFloor += value
	}
	noiseFloor /= float64(noiseCount)
	var signal float64
	for _, value := range rmsValues {
		signal += value
	}
	signal /= float64(len(rmsValues))
	if noiseFloor <= 0 || signal <= 0 {
		return nil
	}
	snr := math.Round(20.0*math.Log10(signal/noiseFloor)*100) / 100
	return &snr
}
