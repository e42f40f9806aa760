// detections.go: append-mostly detection log with incremental aggregates.
package datastore

import (
	"encoding/json"
	"fmt"
	"sort"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AppendDetections inserts records in a single transaction (insert-or-
// replace by id), updates the species aggregates, bumps the log revision
// and invalidates the summary cache.
func (s *Store) AppendDetections(records []DetectionRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]Detection, 0, len(records))
	for i := range records {
		records[i].EnsureID()
		raw, err := json.Marshal(&records[i])
		if err != nil {
			return fmt.Errorf("encoding detection %s: %w", records[i].ID, err)
		}
		rows = append(rows, Detection{
			ID:             records[i].ID,
			Timestamp:      records[i].Timestamp,
			Species:        records[i].SpeciesOrUnknown(),
			ScientificName: records[i].ScientificName,
			Confidence:     records[i].Confidence,
			Location:       records[i].Location,
			RawJSON:        string(raw),
		})
	}

	s.detectionMu.Lock()
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error
	})
	s.detectionMu.Unlock()
	if err != nil {
		return fmt.Errorf("saving detections: %w", err)
	}

	s.speciesMu.Lock()
	for i := range records {
		s.speciesSet[records[i].SpeciesOrUnknown()] = struct{}{}
	}
	s.speciesMu.Unlock()
	s.countsMu.Lock()
	for i := range records {
		s.speciesCounts[records[i].SpeciesOrUnknown()]++
	}
	s.countsMu.Unlock()

	s.bumpRevision()
	s.InvalidateSummaryCache()
	return nil
}

// DeleteDetection removes a detection by id. When a row was actually
// removed the aggregates are rebuilt from a full scan, the revision is
// bumped and the summary cache invalidated.
func (s *Store) DeleteDetection(id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	s.detectionMu.Lock()
	result := s.DB.Where("id = ?", id).Delete(&Detection{})
	s.detectionMu.Unlock()
	if result.Error != nil {
		return false, fmt.Errorf("deleting detection %s: %w", id, result.Error)
	}
	removed := result.RowsAffected > 0
	if removed {
		s.RebuildAggregates()
		s.bumpRevision()
		s.InvalidateSummaryCache()
	}
	return removed, nil
}

// ReadDetections returns up to limit records in chronological (oldest
// first) order. limit < 0 means unbounded; limit == 0 returns nothing.
// Malformed raw_json degrades to a minimal record carrying only the id.
func (s *Store) ReadDetections(limit int) []DetectionRecord {
	if limit == 0 {
		return []DetectionRecord{}
	}
	var rows []Detection
	s.detectionMu.Lock()
	query := s.DB.Select("id", "raw_json").Order("timestamp DESC, rowid DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&rows).Error
	s.detectionMu.Unlock()
	if err != nil {
		readFailure("read detections", err)
		return []DetectionRecord{}
	}

	records := make([]DetectionRecord, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		var record DetectionRecord
		if err := json.Unmarshal([]byte(rows[i].RawJSON), &record); err != nil {
			record = DetectionRecord{ID: rows[i].ID}
		}
		record.ID = rows[i].ID
		record.EnsureID()
		records = append(records, record)
	}
	return records
}

// RebuildAggregates recomputes the species set and per-species counts from
// a full scan of the detections table.
func (s *Store) RebuildAggregates() {
	entries := s.ReadDetections(-1)
	set := make(map[string]struct{}, len(entries))
	counts := make(map[string]int, len(entries))
	for i := range entries {
		species := entries[i].SpeciesOrUnknown()
		set[species] = struct{}{}
		counts[species]++
	}
	s.speciesMu.Lock()
	s.speciesSet = set
	s.speciesMu.Unlock()
	s.countsMu.Lock()
	s.speciesCounts = counts
	s.countsMu.Unlock()
}

// SpeciesCount returns the number of distinct species ever detected.
func (s *Store) SpeciesCount() int {
	s.speciesMu.Lock()
	defer s.speciesMu.Unlock()
	return len(s.speciesSet)
}

// TimesHeard returns the number of detections recorded for a species.
func (s *Store) TimesHeard(species string) int {
	if species == "" {
		return 0
	}
	s.countsMu.Lock()
	defer s.countsMu.Unlock()
	return s.speciesCounts[species]
}

// SpeciesRank returns the 1-based rank of a species by detection count
// (ties broken by name), or nil when the species has no detections.
func (s *Store) SpeciesRank(species string) *int {
	if species == "" {
		return nil
	}
	type pair struct {
		name  string
		count int
	}
	s.countsMu.Lock()
	pairs := make([]pair, 0, len(s.speciesCounts))
	for name, count := range s.speciesCounts {
		pairs = append(pairs, pair{name, count})
	}
	s.countsMu.Unlock()
	if len(pairs) == 0 {
		return nil
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].count != pairs[j].count {
			return pairs[i].count > pairs[j].count
		}
		return pairs[i].name < pairs[j].name
	})
	for index := range pairs {
		if pairs[index].name == species {
			rank := index + 1
			return &rank
		}
	}
	return nil
}

// setAggregates replaces both aggregates wholesale; used by Summarize,
// which has just derived them from a full scan.
func (s *Store) setAggregates(counts map[string]int) {
	set := make(map[string]struct{}, len(counts))
	for species := range counts {
		set[species] = struct{}{}
	}
	s.speciesMu.Lock()
	s.speciesSet = set
	s.speciesMu.Unlock()
	s.countsMu.Lock()
	s.speciesCounts = counts
	s.countsMu.Unlock()
}
