// interfaces.go: the Store type and SQLite database setup.
package datastore

import (
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store provides serialized access to the embedded SQLite database and the
// in-memory aggregates derived from it. Writes to each table are guarded by
// a per-table mutex; holders of the species mutexes never take another lock.
type Store struct {
	DB *gorm.DB

	detectionMu sync.Mutex
	eventMu     sync.Mutex

	revisionMu sync.Mutex
	revision   int64

	speciesMu  sync.Mutex
	speciesSet map[string]struct{}

	countsMu      sync.Mutex
	speciesCounts map[string]int
}

// Open opens (or creates) the database at path with WAL journaling and
// NORMAL synchronous, migrates the schema and rebuilds the in-memory
// aggregates from a full scan.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=30000", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.AutoMigrate(&Detection{}, &Event{}, &SpeciesIcon{}, &SummaryCache{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	store := &Store{
		DB:            db,
		revision:      time.Now().UnixMilli(),
		speciesSet:    map[string]struct{}{},
		speciesCounts: map[string]int{},
	}
	store.RebuildAggregates()
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Revision returns the current log revision.
func (s *Store) Revision() int64 {
	s.revisionMu.Lock()
	defer s.revisionMu.Unlock()
	return s.revision
}

// BumpRevision advances the revision so clients refetch derived views, for
// changes that do not touch the detections table (icon updates).
func (s *Store) BumpRevision() int64 {
	return s.bumpRevision()
}

// bumpRevision advances the revision to max(previous+1, wallclock ms).
func (s *Store) bumpRevision() int64 {
	s.revisionMu.Lock()
	defer s.revisionMu.Unlock()
	candidate := time.Now().UnixMilli()
	if candidate <= s.revision {
		candidate = s.revision + 1
	}
	s.revision = candidate
	return s.revision
}

// readFailure logs a degraded read to standard error only; routing these
// through the event log would recurse on a broken database.
func readFailure(operation string, err error) {
	log.Printf("datastore: %s failed: %v", operation, err)
}
