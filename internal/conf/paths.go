package conf

import (
	"os"
	"path/filepath"
)

// Paths collects the filesystem layout under the project root.
type Paths struct {
	Root         string // project root, also the static web root
	Data         string // data/
	SegmentDir   string // tmp/ with in-flight segment_NNNNNN.wav files
	ClipsDir     string // data/clips/
	IconsDir     string // data/icons/
	Settings     string // settings.json, canonical configuration
	LegacyConfig string // config.json, read-only fallback
	Latest       string // data/latest.json
	ClipIndex    string // data/clips.json
	IconIndex    string // data/icons.json, legacy import source
	Database     string // data/overlay.db
	DetectionLog string // data/detections.jsonl, legacy import source
	EventLog     string // data/events.jsonl, legacy import source
}

// DefaultPaths returns the standard layout rooted at root.
func DefaultPaths(root string) Paths {
	data := filepath.Join(root, "data")
	return Paths{
		Root:         root,
		Data:         data,
		SegmentDir:   filepath.Join(root, "tmp"),
		ClipsDir:     filepath.Join(data, "clips"),
		IconsDir:     filepath.Join(data, "icons"),
		Settings:     filepath.Join(root, "settings.json"),
		LegacyConfig: filepath.Join(root, "config.json"),
		Latest:       filepath.Join(data, "latest.json"),
		ClipIndex:    filepath.Join(data, "clips.json"),
		IconIndex:    filepath.Join(data, "icons.json"),
		Database:     filepath.Join(data, "overlay.db"),
		DetectionLog: filepath.Join(data, "detections.jsonl"),
		EventLog:     filepath.Join(data, "events.jsonl"),
	}
}

// EnsureDirs creates the working directories if they do not exist.
func (p Paths) EnsureDirs() error {
	for _, dir := range []string{p.Data, p.SegmentDir, p.ClipsDir, p.IconsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
