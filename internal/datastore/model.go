// model.go: database entities and the wire-level record types stored in
// their raw_json columns.
package datastore

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// Event types recorded in the operational log.
const (
	EventServer    = "server"
	EventAnalysis  = "analysis"
	EventDetection = "detection"
	EventError     = "error"
	EventManual    = "manual"
)

// Detection is one species-level prediction row. Rows are append-mostly;
// the raw_json column carries the full record as served to clients.
type Detection struct {
	ID             string   `gorm:"column:id;primaryKey"`
	Timestamp      string   `gorm:"column:timestamp;not null;index:idx_detections_timestamp"`
	Species        string   `gorm:"column:species;index:idx_detections_species"`
	ScientificName string   `gorm:"column:scientific_name"`
	Confidence     *float64 `gorm:"column:confidence"`
	Location       string   `gorm:"column:location"`
	RawJSON        string   `gorm:"column:raw_json;not null"`
}

func (Detection) TableName() string { return "detections" }

// Event is one operational log row.
type Event struct {
	ID        string `gorm:"column:id;primaryKey"`
	Timestamp string `gorm:"column:timestamp;not null;index:idx_events_timestamp"`
	Type      string `gorm:"column:type;index:idx_events_type"`
	Message   string `gorm:"column:message"`
	RawJSON   string `gorm:"column:raw_json;not null"`
}

func (Event) TableName() string { return "events" }

// SpeciesIcon maps a lowercased species key to an uploaded icon filename.
type SpeciesIcon struct {
	SpeciesKey  string `gorm:"column:species_key;primaryKey"`
	SpeciesName string `gorm:"column:species_name"`
	Filename    string `gorm:"column:filename;not null;index:idx_species_icons_filename"`
	UpdatedAt   string `gorm:"column:updated_at;not null"`
}

func (SpeciesIcon) TableName() string { return "species_icons" }

// SummaryCache is the single-row materialized per-species aggregate, valid
// only while its log_revision matches the store's current revision.
type SummaryCache struct {
	CacheKey    string `gorm:"column:cache_key;primaryKey"`
	LogRevision int64  `gorm:"column:log_revision;not null"`
	PayloadJSON string `gorm:"column:payload_json;not null"`
	UpdatedAt   string `gorm:"column:updated_at;not null"`
}

func (SummaryCache) TableName() string { return "summary_cache" }

const summaryCacheKey = "log_summary"

// DetectionRecord is the JSON shape of a detection as stored in raw_json
// and served to clients.
type DetectionRecord struct {
	ID             string   `json:"id"`
	Timestamp      string   `json:"timestamp"`
	Species        string   `json:"species"`
	ScientificName string   `json:"scientific_name"`
	Confidence     *float64 `json:"confidence"`
	Location       string   `json:"location"`
}

// EnsureID assigns the deterministic content id when none is set. Once
// assigned the id is stable: deriving again returns the same value.
func (r *DetectionRecord) EnsureID() {
	if r.ID == "" {
		r.ID = contentID(r.Timestamp, r.Species, confidenceText(r.Confidence))
	}
}

// SpeciesOrUnknown returns the species name, defaulting empty to Unknown.
func (r *DetectionRecord) SpeciesOrUnknown() string {
	if r.Species == "" {
		return "Unknown"
	}
	return r.Species
}

// EventRecord is the JSON shape of an operational event. Extra keys ride
// alongside the fixed fields in the serialized document.
type EventRecord struct {
	ID        string
	Timestamp string
	Type      string
	Message   string
	Extra     map[string]any
}

// EnsureID assigns the deterministic content id when none is set.
func (r *EventRecord) EnsureID() {
	if r.ID == "" {
		r.ID = contentID(r.Timestamp, r.Type, r.Message)
	}
}

// MarshalJSON flattens Extra into the top-level document.
func (r EventRecord) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, 4+len(r.Extra))
	for key, value := range r.Extra {
		doc[key] = value
	}
	doc["id"] = r.ID
	doc["timestamp"] = r.Timestamp
	doc["type"] = r.Type
	doc["message"] = r.Message
	return json.Marshal(doc)
}

// UnmarshalJSON splits the fixed fields back out of the document.
func (r *EventRecord) UnmarshalJSON(data []byte) error {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	pick := func(key string) string {
		value, _ := doc[key].(string)
		delete(doc, key)
		return value
	}
	r.ID = pick("id")
	r.Timestamp = pick("timestamp")
	r.Type = pick("type")
	r.Message = pick("message")
	if len(doc) > 0 {
		r.Extra = doc
	} else {
		r.Extra = nil
	}
	return nil
}

// contentID derives a 12-hex-digit SHA-1 prefix over the identifying
// fields of a record.
func contentID(parts ...string) string {
	sum := sha1.Sum(fmt.Appendf(nil, "%s|%s|%s", parts[0], parts[1], parts[2]))
	return hex.EncodeToString(sum[:])[:12]
}

func confidenceText(confidence *float64) string {
	if confidence == nil {
		return ""
	}
	return strconv.FormatFloat(*confidence, 'g', -1, 64)
}
