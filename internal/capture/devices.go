package capture

import (
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Device is one selectable audio input.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

var deviceLine = regexp.MustCompile(`\[(\d+)\]\s(.+)$`)

// ListAudioInputs enumerates avfoundation audio devices by parsing ffmpeg's
// device listing output. ffmpeg writes the listing to stderr and exits
// non-zero, so only a missing binary is an error.
func ListAudioInputs(ctx context.Context) ([]Device, string) {
	ffmpegPath, found := ResolveFFmpegPath()
	if !found {
		return nil, "ffmpeg not found"
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, ffmpegPath, "-f", "avfoundation", "-list_devices", "true", "-i", "")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	_ = cmd.Run()

	return parseDeviceListing(stderr.String()), ""
}

func parseDeviceListing(output string) []Device {
	devices := []Device{}
	inAudio := false
	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.Contains(line, "AVFoundation audio devices"):
			inAudio = true
			continue
		case strings.Contains(line, "AVFoundation video devices"):
			inAudio = false
			continue
		}
		if !inAudio {
			continue
		}
		match := deviceLine.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		devices = append(devices, Device{ID: match[1], Name: strings.TrimSpace(match[2])})
	}
	return devices
}
