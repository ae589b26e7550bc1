package storage

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store wraps a GORM handle over a pure-Go sqlite database (no cgo
// dependency, so the engine stays a single static binary).
type Store struct {
	db *gorm.DB
}

// Open creates or migrates the sqlite database at path.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	if err := db.AutoMigrate(&UpdateHistoryEntry{}, &ThroughputSample{}, &AppSetting{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// RecordHistory inserts one completed-or-failed update run.
func (s *Store) RecordHistory(entry UpdateHistoryEntry) error {
	return s.db.Create(&entry).Error
}

// ListHistory returns the most recent history entries for a game,
// newest first, bounded by limit.
func (s *Store) ListHistory(gameUid string, limit int) ([]UpdateHistoryEntry, error) {
	var entries []UpdateHistoryEntry
	q := s.db.Order("id desc")
	if gameUid != "" {
		q = q.Where("game_uid = ?", gameUid)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&entries).Error
	return entries, err
}

// RecordThroughputSample inserts a speed-test result.
func (s *Store) RecordThroughputSample(sample ThroughputSample) error {
	return s.db.Create(&sample).Error
}

// LatestThroughputSample returns the most recently recorded sample,
// or nil if none has ever been recorded.
func (s *Store) LatestThroughputSample() (*ThroughputSample, error) {
	var sample ThroughputSample
	err := s.db.Order("id desc").First(&sample).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sample, nil
}

// GetSetting reads one key/value setting, returning ("", false) if
// unset.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var row AppSetting
	err := s.db.First(&row, "key = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.Value, true, nil
}

// SetSetting upserts one key/value setting.
func (s *Store) SetSetting(key, value string) error {
	return s.db.Save(&AppSetting{Key: key, Value: value}).Error
}

// Close releases the underlying sql.DB connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
