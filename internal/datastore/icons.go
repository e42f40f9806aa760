// icons.go: species to icon-filename mapping.
package datastore

import (
	"fmt"
	"strings"

	"gorm.io/gorm/clause"

	"github.com/tphakala/featherfront/internal/model"
)

// NormalizeSpeciesKey lowercases and trims a species name into the lookup
// key used by the icon table.
func NormalizeSpeciesKey(species string) string {
	return strings.ToLower(strings.TrimSpace(species))
}

// IconIndex returns the current species-key to filename mapping. Failures
// degrade to an empty index.
func (s *Store) IconIndex() map[string]string {
	var rows []SpeciesIcon
	if err := s.DB.Find(&rows).Error; err != nil {
		readFailure("read species icons", err)
		return map[string]string{}
	}
	index := make(map[string]string, len(rows))
	for i := range rows {
		key := NormalizeSpeciesKey(rows[i].SpeciesKey)
		filename := strings.TrimSpace(rows[i].Filename)
		if key != "" && filename != "" {
			index[key] = filename
		}
	}
	return index
}

// UpsertSpeciesIcon records an icon filename for a species.
func (s *Store) UpsertSpeciesIcon(species, filename string) error {
	key := NormalizeSpeciesKey(species)
	if key == "" || strings.TrimSpace(filename) == "" {
		return fmt.Errorf("species and filename are required")
	}
	row := SpeciesIcon{
		SpeciesKey:  key,
		SpeciesName: strings.TrimSpace(species),
		Filename:    strings.TrimSpace(filename),
		UpdatedAt:   model.NowISO(),
	}
	if err := s.DB.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("saving icon mapping: %w", err)
	}
	return nil
}

// RemoveSpeciesIcon deletes the mapping for a species and returns the
// filename that was mapped, if any.
func (s *Store) RemoveSpeciesIcon(species string) (string, bool) {
	key := NormalizeSpeciesKey(species)
	if key == "" {
		return "", false
	}
	var row SpeciesIcon
	err := s.DB.Where("species_key = ?", key).First(&row).Error
	if err != nil {
		return "", false
	}
	if err := s.DB.Where("species_key = ?", key).Delete(&SpeciesIcon{}).Error; err != nil {
		readFailure("delete species icon", err)
		return "", false
	}
	filename := strings.TrimSpace(row.Filename)
	return filename, filename != ""
}
