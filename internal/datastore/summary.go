// summary.go: the materialized per-species aggregate and its cache.
package datastore

import (
	"encoding/json"
	"sort"
	"time"

	"gorm.io/gorm/clause"

	"github.com/tphakala/featherfront/internal/model"
)

// SummaryEntry is the per-species line of the log summary: the most recent
// detection of the species plus aggregate fields.
type SummaryEntry struct {
	DetectionRecord
	Count          int      `json:"count"`
	DailyCounts    []int    `json:"daily_counts"`
	IconURL        string   `json:"icon_url"`
	ClipURL        string   `json:"clip_url,omitempty"`
	ClipConfidence *float64 `json:"clip_confidence,omitempty"`
}

// SummaryPayload is the full /api/log/summary response body.
type SummaryPayload struct {
	Entries         []SummaryEntry `json:"entries"`
	SpeciesCount    int            `json:"species_count"`
	TotalDetections int            `json:"total_detections"`
	LogRevision     int64          `json:"log_revision"`
}

// ClipRef points a summary entry at the archived best clip for a species.
type ClipRef struct {
	URL        string
	Confidence *float64
}

const summaryDays = 30

// InvalidateSummaryCache drops the cached summary row.
func (s *Store) InvalidateSummaryCache() {
	if err := s.DB.Where("cache_key = ?", summaryCacheKey).Delete(&SummaryCache{}).Error; err != nil {
		readFailure("invalidate summary cache", err)
	}
}

// CachedSummary returns the cached payload iff it was built against the
// current log revision.
func (s *Store) CachedSummary() (json.RawMessage, bool) {
	var row SummaryCache
	err := s.DB.
		Where("cache_key = ? AND log_revision = ?", summaryCacheKey, s.Revision()).
		First(&row).Error
	if err != nil {
		return nil, false
	}
	if !json.Valid([]byte(row.PayloadJSON)) {
		return nil, false
	}
	return json.RawMessage(row.PayloadJSON), true
}

// SetCachedSummary stores the payload against the current revision as the
// single summary cache row.
func (s *Store) SetCachedSummary(payload []byte) {
	row := SummaryCache{
		CacheKey:    summaryCacheKey,
		LogRevision: s.Revision(),
		PayloadJSON: string(payload),
		UpdatedAt:   model.NowISO(),
	}
	if err := s.DB.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		readFailure("store summary cache", err)
	}
}

// Summarize returns the per-species aggregate, serving the cache when it is
// still valid and recomputing (and re-caching) otherwise. iconURL and
// clipFor resolve the presentation extras without coupling the store to the
// icon and clip packages. As a side effect of a full recompute the
// in-memory species aggregates are replaced with the freshly scanned ones.
func (s *Store) Summarize(iconURL func(species string) string, clipFor func(species string) (ClipRef, bool)) json.RawMessage {
	if cached, ok := s.CachedSummary(); ok {
		return cached
	}

	entries := s.ReadDetections(-1)
	if len(entries) == 0 {
		payload := SummaryPayload{
			Entries:     []SummaryEntry{},
			LogRevision: s.Revision(),
		}
		encoded, _ := json.Marshal(&payload)
		s.SetCachedSummary(encoded)
		return encoded
	}

	type accumulator struct {
		count       int
		latest      DetectionRecord
		latestTime  *time.Time
		latestRaw   string
		latestConf  float64
		dailyCounts []int
	}

	now := time.Now()
	startDate := now.AddDate(0, 0, -(summaryDays - 1))
	startDay := time.Date(startDate.Year(), startDate.Month(), startDate.Day(), 0, 0, 0, 0, time.Local)

	summary := map[string]*accumulator{}
	for i := range entries {
		species := entries[i].SpeciesOrUnknown()
		parsed, parsedOK := model.ParseTimestamp(entries[i].Timestamp)
		var dailyIndex = -1
		if parsedOK {
			local := parsed.In(time.Local)
			localDay := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.Local)
			index := int(localDay.Sub(startDay).Hours() / 24)
			if index >= 0 && index < summaryDays {
				dailyIndex = index
			}
		}
		conf := -1.0
		if normalized := model.NormalizeConfidence(entries[i].Confidence); normalized != nil {
			conf = *normalized
		}

		item, ok := summary[species]
		if !ok {
			item = &accumulator{dailyCounts: make([]int, summaryDays)}
			summary[species] = item
		}
		item.count++
		if dailyIndex >= 0 {
			item.dailyCounts[dailyIndex]++
		}

		replace := item.count == 1
		switch {
		case replace:
		case parsedOK && (item.latestTime == nil || parsed.After(*item.latestTime)):
			replace = true
		case !parsedOK && item.latestTime == nil && entries[i].Timestamp > item.latestRaw:
			replace = true
		case parsedOK && item.latestTime != nil && parsed.Equal(*item.latestTime) && conf > item.latestConf:
			replace = true
		}
		if replace {
			item.latest = entries[i]
			if parsedOK {
				t := parsed
				item.latestTime = &t
			}
			item.latestRaw = entries[i].Timestamp
			item.latestConf = conf
		}
	}

	counts := make(map[string]int, len(summary))
	output := make([]SummaryEntry, 0, len(summary))
	for species, item := range summary {
		counts[species] = item.count
		latest := item.latest
		latest.Species = species
		latest.EnsureID()
		entry := SummaryEntry{
			DetectionRecord: latest,
			Count:           item.count,
			DailyCounts:     item.dailyCounts,
		}
		if iconURL != nil {
			entry.IconURL = iconURL(species)
		}
		if clipFor != nil {
			if clip, ok := clipFor(species); ok {
				entry.ClipURL = clip.URL
				entry.ClipConfidence = clip.Confidence
			}
		}
		output = append(output, entry)
	}
	sort.Slice(output, func(i, j int) bool {
		if output[i].Count != output[j].Count {
			return output[i].Count > output[j].Count
		}
		return output[i].Species < output[j].Species
	})

	s.setAggregates(counts)

	payload := SummaryPayload{
		Entries:         output,
		SpeciesCount:    len(output),
		TotalDetections: len(entries),
		LogRevision:     s.Revision(),
	}
	encoded, _ := json.Marshal(&payload)
	s.SetCachedSummary(encoded)
	return encoded
}
