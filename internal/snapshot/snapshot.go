// Package snapshot maintains the overlay state file consumed by the
// browser overlay and the /api/status endpoint.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tphakala/featherfront/internal/conf"
	"github.com/tphakala/featherfront/internal/datastore"
	"github.com/tphakala/featherfront/internal/events"
	"github.com/tphakala/featherfront/internal/icons"
	"github.com/tphakala/featherfront/internal/model"
)

// Overlay statuses as published in the state file.
const (
	StatusIdle      = "idle"
	StatusListening = "listening"
	StatusAnalyzing = "analyzing"
	StatusDetected  = "detected"
	StatusError     = "error"
)

const noDetectionSpecies = "No detection"

// LastDetection is the most recent detection group: the segment's top
// prediction plus its runners-up.
type LastDetection struct {
	Timestamp      string             `json:"timestamp"`
	Species        string             `json:"species"`
	ScientificName string             `json:"scientific_name"`
	Confidence     *float64           `json:"confidence"`
	ClipSeconds    float64            `json:"clip_seconds"`
	TimesHeard     int                `json:"times_heard"`
	TopPredictions []model.Prediction `json:"top_predictions"`
	Location       string             `json:"location"`
	IconURL        string             `json:"icon_url"`
	SpeciesRank    *int               `json:"species_rank,omitempty"`
}

// Payload is the full overlay state document.
type Payload struct {
	Timestamp          string             `json:"timestamp"`
	Species            string             `json:"species"`
	ScientificName     string             `json:"scientific_name"`
	Confidence         *float64           `json:"confidence"`
	Status             string             `json:"status"`
	StatusMessage      string             `json:"status_message"`
	StreamURL          string             `json:"stream_url"`
	ClipSeconds        float64            `json:"clip_seconds"`
	Model              string             `json:"model"`
	TimesHeard         int                `json:"times_heard"`
	Location           string             `json:"location"`
	Latitude           float64            `json:"latitude"`
	Longitude          float64            `json:"longitude"`
	Week               int                `json:"week"`
	TopPredictions     []model.Prediction `json:"top_predictions"`
	LastDetection      *LastDetection     `json:"last_detection"`
	LastHeard          *string            `json:"last_heard"`
	IconURL            string             `json:"icon_url"`
	LogRevision        int64              `json:"log_revision"`
	SpeciesCount       int                `json:"species_count"`
	SpeciesRank        *int               `json:"species_rank"`
	OverlayHoldSeconds float64            `json:"overlay_hold_seconds"`
	OverlaySticky      bool               `json:"overlay_sticky"`
}

// Manager publishes overlay state atomically and tracks the last detection.
type Manager struct {
	cfg    *conf.Config
	store  *datastore.Store
	events *events.Logger
	icons  *icons.Resolver
	path   string

	writeMu sync.Mutex

	lastMu sync.Mutex
	last   *LastDetection
}

// NewManager creates a snapshot manager writing to path.
func NewManager(cfg *conf.Config, store *datastore.Store, eventLog *events.Logger, resolver *icons.Resolver, path string) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  store,
		events: eventLog,
		icons:  resolver,
		path:   path,
	}
}

// EnsureInitial writes the idle state file when none exists, then derives
// the last detection from the store.
func (m *Manager) EnsureInitial() {
	if _, err := os.Stat(m.path); err != nil {
		m.Publish(StatusIdle, "Waiting for BirdNET", nil)
	}
	m.RefreshLastDetection()
}

// Raw returns the current state file bytes for direct serving.
func (m *Manager) Raw() ([]byte, error) {
	return os.ReadFile(m.path)
}

// Publish builds the full state document from the given status and
// predictions and atomically replaces the state file.
func (m *Manager) Publish(status, statusMessage string, predictions []model.Prediction) {
	m.publish(status, statusMessage, predictions, nil)
}

// PublishWithWeek is Publish with the payload week overridden, used when a
// result was produced with the auto-derived week rather than the configured
// one.
func (m *Manager) PublishWithWeek(status, statusMessage string, predictions []model.Prediction, week int) {
	m.publish(status, statusMessage, predictions, &week)
}

func (m *Manager) publish(status, statusMessage string, predictions []model.Prediction, weekOverride *int) {
	snap := m.cfg.Snapshot()
	if predictions == nil {
		predictions = []model.Prediction{}
	}

	last := m.lastDetection()
	if last != nil {
		last.TimesHeard = m.store.TimesHeard(last.Species)
		last.SpeciesRank = m.store.SpeciesRank(last.Species)
		last.IconURL = m.icons.URLFor(last.Species)
	}

	species := noDetectionSpecies
	scientific := ""
	var confidence *float64
	timesHeard := 0
	if len(predictions) > 0 {
		species = predictions[0].Species
		scientific = predictions[0].ScientificName
		confidence = predictions[0].Confidence
		timesHeard = m.store.TimesHeard(species)
	}

	week := snap.Week
	if weekOverride != nil {
		week = *weekOverride
	}

	payload := Payload{
		Timestamp:          model.NowISO(),
		Species:            species,
		ScientificName:     scientific,
		Confidence:         confidence,
		Status:             status,
		StatusMessage:      statusMessage,
		StreamURL:          conf.SafeStreamURL(snap.StreamURL),
		ClipSeconds:        snap.SegmentSeconds,
		Model:              "BirdNET",
		TimesHeard:         timesHeard,
		Location:           snap.Location,
		Latitude:           snap.Latitude,
		Longitude:          snap.Longitude,
		Week:               week,
		TopPredictions:     predictions,
		LastDetection:      last,
		IconURL:            m.icons.URLFor(species),
		LogRevision:        m.store.Revision(),
		SpeciesCount:       m.store.SpeciesCount(),
		SpeciesRank:        m.store.SpeciesRank(species),
		OverlayHoldSeconds: snap.OverlayHoldSeconds,
		OverlaySticky:      snap.OverlaySticky,
	}
	if last != nil {
		payload.LastHeard = &last.Timestamp
	}

	if err := m.write(&payload); err != nil && m.events != nil {
		m.events.Emit(datastore.EventError, fmt.Sprintf("Failed to write overlay state: %v", err), nil)
	}
}

// RecordDetections persists one detection group: all predictions share one
// timestamp, each gets a detection event, and the last-detection cell is
// replaced. Returns the stored records.
func (m *Manager) RecordDetections(predictions []model.Prediction) []datastore.DetectionRecord {
	if len(predictions) == 0 {
		return nil
	}
	snap := m.cfg.Snapshot()
	timestamp := model.NowISO()
	top := predictions[0]

	m.lastMu.Lock()
	m.last = &LastDetection{
		Timestamp:      timestamp,
		Species:        top.Species,
		ScientificName: top.ScientificName,
		Confidence:     top.Confidence,
		ClipSeconds:    snap.SegmentSeconds,
		TopPredictions: predictions,
		Location:       snap.Location,
		IconURL:        m.icons.URLFor(top.Species),
	}
	m.lastMu.Unlock()

	records := make([]datastore.DetectionRecord, 0, len(predictions))
	for _, p := range predictions {
		record := datastore.DetectionRecord{
			ID:             model.NewID(),
			Timestamp:      timestamp,
			Species:        p.Species,
			ScientificName: p.ScientificName,
			Confidence:     p.Confidence,
			Location:       snap.Location,
		}
		records = append(records, record)

		message := fmt.Sprintf("Detected %s", record.SpeciesOrUnknown())
		if label := model.FormatConfidence(record.Confidence); label != "" {
			message = fmt.Sprintf("%s (%s)", message, label)
		}
		m.events.Emit(datastore.EventDetection, message, map[string]any{
			"species":         record.SpeciesOrUnknown(),
			"scientific_name": record.ScientificName,
			"confidence":      record.Confidence,
		})
	}

	if err := m.store.AppendDetections(records); err != nil {
		m.events.Emit(datastore.EventError, fmt.Sprintf("Failed to save detections: %v", err), nil)
	}
	return records
}

// RefreshLastDetection rebuilds the last-detection cell from the store and
// patches the state file's derived fields in place.
func (m *Manager) RefreshLastDetection() {
	latest := m.derive()
	m.lastMu.Lock()
	m.last = latest
	m.lastMu.Unlock()

	var doc map[string]any
	if data, err := os.ReadFile(m.path); err == nil {
		_ = json.Unmarshal(data, &doc)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	doc["last_detection"] = latest
	if latest != nil {
		doc["last_heard"] = latest.Timestamp
	} else {
		doc["last_heard"] = nil
	}
	doc["log_revision"] = m.store.Revision()
	doc["species_count"] = m.store.SpeciesCount()
	if err := m.writeDocument(doc); err != nil && m.events != nil {
		m.events.Emit(datastore.EventError, fmt.Sprintf("Failed to write overlay state: %v", err), nil)
	}
}

func (m *Manager) lastDetection() *LastDetection {
	m.lastMu.Lock()
	defer m.lastMu.Unlock()
	if m.last == nil {
		return nil
	}
	copied := *m.last
	return &copied
}

// derive finds the newest timestamp in the log and returns its detection
// group, highest confidence first, capped at three predictions.
func (m *Manager) derive() *LastDetection {
	entries := m.store.ReadDetections(-1)
	if len(entries) == 0 {
		return nil
	}

	latest := ""
	var latestOK bool
	var latestTime int64
	for i := range entries {
		stamp := entries[i].Timestamp
		if parsed, ok := model.ParseTimestamp(stamp); ok {
			if !latestOK || parsed.UnixNano() > latestTime {
				latestOK = true
				latestTime = parsed.UnixNano()
				latest = stamp
			}
			continue
		}
		if !latestOK && stamp > latest {
			latest = stamp
		}
	}
	if latest == "" {
		return nil
	}

	grouped := make([]datastore.DetectionRecord, 0, 4)
	for i := range entries {
		if entries[i].Timestamp == latest {
			grouped = append(grouped, entries[i])
		}
	}
	if len(grouped) == 0 {
		return nil
	}
	sort.SliceStable(grouped, func(i, j int) bool {
		return confidenceOf(grouped[i]) > confidenceOf(grouped[j])
	})

	snap := m.cfg.Snapshot()
	top := grouped[0]
	predictions := make([]model.Prediction, 0, 3)
	for i := 0; i < len(grouped) && i < 3; i++ {
		predictions = append(predictions, model.Prediction{
			Species:        grouped[i].SpeciesOrUnknown(),
			ScientificName: grouped[i].ScientificName,
			Confidence:     grouped[i].Confidence,
		})
	}
	location := top.Location
	if location == "" {
		location = snap.Location
	}
	return &LastDetection{
		Timestamp:      top.Timestamp,
		Species:        top.SpeciesOrUnknown(),
		ScientificName: top.ScientificName,
		Confidence:     top.Confidence,
		ClipSeconds:    snap.SegmentSeconds,
		TimesHeard:     m.store.TimesHeard(top.SpeciesOrUnknown()),
		TopPredictions: predictions,
		Location:       location,
		IconURL:        m.icons.URLFor(top.SpeciesOrUnknown()),
	}
}

func confidenceOf(r datastore.DetectionRecord) float64 {
	if r.Confidence == nil {
		return 0
	}
	return *r.Confidence
}

func (m *Manager) write(payload *Payload) error {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding overlay state: %w", err)
	}
	return m.replace(encoded)
}

func (m *Manager) writeDocument(doc map[string]any) error {
	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding overlay state: %w", err)
	}
	return m.replace(encoded)
}

// replace writes via a temp file in the same directory so readers never see
// a partial document.
func (m *Manager) replace(encoded []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("replacing %s: %w", filepath.Base(m.path), err)
	}
	return nil
}
