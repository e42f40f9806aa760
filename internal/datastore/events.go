// events.go: the operational event log.
package datastore

import (
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AppendEvents inserts event records (insert-or-replace by id) in a single
// transaction.
func (s *Store) AppendEvents(records []EventRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]Event, 0, len(records))
	for i := range records {
		records[i].EnsureID()
		raw, err := json.Marshal(&records[i])
		if err != nil {
			return fmt.Errorf("encoding event %s: %w", records[i].ID, err)
		}
		rows = append(rows, Event{
			ID:        records[i].ID,
			Timestamp: records[i].Timestamp,
			Type:      records[i].Type,
			Message:   records[i].Message,
			RawJSON:   string(raw),
		})
	}

	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("saving events: %w", err)
	}
	return nil
}

// ReadEvents returns up to limit events in chronological (oldest first)
// order. limit < 0 means unbounded; limit == 0 returns nothing.
func (s *Store) ReadEvents(limit int) []EventRecord {
	if limit == 0 {
		return []EventRecord{}
	}
	var rows []Event
	s.eventMu.Lock()
	query := s.DB.Select("id", "raw_json").Order("timestamp DESC, rowid DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&rows).Error
	s.eventMu.Unlock()
	if err != nil {
		readFailure("read events", err)
		return []EventRecord{}
	}

	records := make([]EventRecord, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		var record EventRecord
		if err := json.Unmarshal([]byte(rows[i].RawJSON), &record); err != nil {
			record = EventRecord{ID: rows[i].ID}
		}
		record.ID = rows[i].ID
		record.EnsureID()
		records = append(records, record)
	}
	return records
}
