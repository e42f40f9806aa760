// Package clips archives the best-scoring audio segment per species.
package clips

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/tphakala/featherfront/internal/audiofile"
	"github.com/tphakala/featherfront/internal/datastore"
	"github.com/tphakala/featherfront/internal/model"
)

// Entry is one archived clip in the index.
type Entry struct {
	Species        string   `json:"species"`
	ScientificName string   `json:"scientific_name"`
	Confidence     *float64 `json:"confidence"`
	SNRDB          *float64 `json:"snr_db"`
	Score          float64  `json:"score"`
	Timestamp      string   `json:"timestamp"`
	Filename       string   `json:"filename"`
}

// Manager keeps the per-species best clip files and their JSON index.
type Manager struct {
	dir       string
	indexPath string

	mu         sync.Mutex
	invalidate func()
}

// NewManager creates a clip manager storing files in dir and the index at
// indexPath. invalidate is called after every index change so dependent
// caches can refresh; it may be nil.
func NewManager(dir, indexPath string, invalidate func()) *Manager {
	return &Manager{dir: dir, indexPath: indexPath, invalidate: invalidate}
}

// Index returns the current clip index. Failures degrade to an empty index.
func (m *Manager) Index() map[string]Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

// ClipFor returns the summary reference for a species' archived clip.
func (m *Manager) ClipFor(species string) (datastore.ClipRef, bool) {
	entry, ok := m.Index()[species]
	if !ok || entry.Filename == "" {
		return datastore.ClipRef{}, false
	}
	return datastore.ClipRef{
		URL:        "/api/clip?species=" + url.QueryEscape(species),
		Confidence: entry.Confidence,
	}, true
}

// ClipPath returns the archived clip file path for a species.
func (m *Manager) ClipPath(species string) (string, bool) {
	entry, ok := m.Index()[species]
	if !ok || entry.Filename == "" {
		return "", false
	}
	path := filepath.Join(m.dir, entry.Filename)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// Consider scores the segment for each prediction and replaces a species'
// archived clip when the new segment scores higher. A clip with clearly
// lower confidence never displaces the incumbent, whatever its SNR.
func (m *Manager) Consider(segmentPath string, predictions []model.Prediction) error {
	if len(predictions) == 0 {
		return nil
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("creating clips dir: %w", err)
	}
	snr := audiofile.ComputeSNR(segmentPath)

	m.mu.Lock()
	defer m.mu.Unlock()
	index := m.loadLocked()
	updated := false
	for _, p := range predictions {
		species := p.Species
		if species == "" {
			species = "Unknown"
		}
		confidence := -1.0
		if normalized := model.NormalizeConfidence(p.Confidence); normalized != nil {
			confidence = *normalized
		}
		score := clipScore(confidence, snr)

		existingConf := -1.0
		existingScore := clipScore(existingConf, nil)
		if existing, ok := index[species]; ok {
			if normalized := model.NormalizeConfidence(existing.Confidence); normalized != nil {
				existingConf = *normalized
			}
			existingScore = existing.Score
			if existingScore == 0 {
				existingScore = clipScore(existingConf, existing.SNRDB)
			}
		}
		if confidence+0.02 < existingConf {
			continue
		}
		if score <= existingScore {
			continue
		}

		filename := model.Slugify(species) + ".wav"
		if err := copyFile(segmentPath, filepath.Join(m.dir, filename)); err != nil {
			continue
		}
		index[species] = Entry{
			Species:        species,
			ScientificName: p.ScientificName,
			Confidence:     p.Confidence,
			SNRDB:          snr,
			Score:          roundTo(score, 2),
			Timestamp:      model.NowISO(),
			Filename:       filename,
		}
		updated = true
	}
	if !updated {
		return nil
	}
	if err := m.saveLocked(index); err != nil {
		return err
	}
	if m.invalidate != nil {
		m.invalidate()
	}
	return nil
}

func (m *Manager) loadLocked() map[string]Entry {
	data, err := os.ReadFile(m.indexPath)
	if err != nil {
		return map[string]Entry{}
	}
	var index map[string]Entry
	if err := json.Unmarshal(data, &index); err != nil || index == nil {
		return map[string]Entry{}
	}
	return index
}

func (m *Manager) saveLocked(index map[string]Entry) error {
	encoded, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding clip index: %w", err)
	}
	if err := os.WriteFile(m.indexPath, append(encoded, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing clip index: %w", err)
	}
	return nil
}

func clipScore(confidence float64, snr *float64) float64 {
	score := confidence * 100.0
	if snr != nil {
		score += *snr
	}
	return score
}

func roundTo(value float64, places int) float64 {
	shift := math.Pow(10, float64(places))
	return math.Round(value*shift) / shift
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
