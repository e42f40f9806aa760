// migrate.go: one-shot import of the legacy JSONL logs and icon index.
package datastore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gorm.io/gorm/clause"

	"github.com/tphakala/featherfront/internal/model"
)

const migrationBatchSize = 1000

// MigrateLegacy imports pre-existing line-delimited JSON logs and the
// legacy icon index file, each only when the corresponding table is still
// empty. Missing files are not an error.
func (s *Store) MigrateLegacy(detectionLog, eventLog, iconIndex string) error {
	if err := s.migrateDetectionLog(detectionLog); err != nil {
		return err
	}
	if err := s.migrateEventLog(eventLog); err != nil {
		return err
	}
	return s.migrateIconIndex(iconIndex)
}

func (s *Store) migrateDetectionLog(path string) error {
	var count int64
	if err := s.DB.Model(&Detection{}).Count(&count).Error; err != nil || count > 0 {
		return err
	}
	batch := make([]Detection, 0, migrationBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := s.DB.Clauses(clause.OnConflict{UpdateAll: true}).Create(&batch).Error
		batch = batch[:0]
		return err
	}
	err := iterJSONLines(path, func(line []byte) error {
		var record DetectionRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return nil // skip malformed lines
		}
		if record.Timestamp == "" {
			record.Timestamp = model.NowISO()
		}
		record.Confidence = model.NormalizeConfidence(record.Confidence)
		record.EnsureID()
		raw, err := json.Marshal(&record)
		if err != nil {
			return nil
		}
		batch = append(batch, Detection{
			ID:             record.ID,
			Timestamp:      record.Timestamp,
			Species:        record.SpeciesOrUnknown(),
			ScientificName: record.ScientificName,
			Confidence:     record.Confidence,
			Location:       record.Location,
			RawJSON:        string(raw),
		})
		if len(batch) >= migrationBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("importing %s: %w", path, err)
	}
	return flush()
}

func (s *Store) migrateEventLog(path string) error {
	var count int64
	if err := s.DB.Model(&Event{}).Count(&count).Error; err != nil || count > 0 {
		return err
	}
	batch := make([]Event, 0, migrationBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := s.DB.Clauses(clause.OnConflict{UpdateAll: true}).Create(&batch).Error
		batch = batch[:0]
		return err
	}
	err := iterJSONLines(path, func(line []byte) error {
		var record EventRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return nil
		}
		if record.Timestamp == "" {
			record.Timestamp = model.NowISO()
		}
		record.EnsureID()
		raw, err := json.Marshal(&record)
		if err != nil {
			return nil
		}
		batch = append(batch, Event{
			ID:        record.ID,
			Timestamp: record.Timestamp,
			Type:      record.Type,
			Message:   record.Message,
			RawJSON:   string(raw),
		})
		if len(batch) >= migrationBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("importing %s: %w", path, err)
	}
	return flush()
}

func (s *Store) migrateIconIndex(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil // no legacy index
	}
	var index map[string]string
	if err := json.Unmarshal(data, &index); err != nil || len(index) == 0 {
		return nil
	}
	var count int64
	if err := s.DB.Model(&SpeciesIcon{}).Count(&count).Error; err != nil || count > 0 {
		return err
	}
	stamp := model.NowISO()
	rows := make([]SpeciesIcon, 0, len(index))
	for species, filename := range index {
		key := NormalizeSpeciesKey(species)
		filename = strings.TrimSpace(filename)
		if key == "" || filename == "" {
			continue
		}
		rows = append(rows, SpeciesIcon{
			SpeciesKey:  key,
			SpeciesName: species,
			Filename:    filename,
			UpdatedAt:   stamp,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	if err := s.DB.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error; err != nil {
		return fmt.Errorf("importing icon index: %w", err)
	}
	return nil
}

func iterJSONLines(path string, handle func(line []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return nil // missing legacy file
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := handle([]byte(line)); err != nil {
			return err
		}
	}
	return scanner.Err()
}
