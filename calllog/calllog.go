// Package calllog persists the append-only record of screened calls.
package calllog

import (
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Record is one screened call.
type Record struct {
	// Timestamp is the call start in nanoseconds since the epoch and keys
	// the log.
	Timestamp int64 `gorm:"primaryKey"`
	Number    string
	Name      string
	Blocked   bool
	Action    string
	// DurationSec is how long the block action ran, in seconds.
	DurationSec float64
	EndReason   string
}

// TableName keeps the historical table name.
func (Record) TableName() string { return "call_log" }

// Start returns the call start time.
func (r *Record) Start() time.Time {
	return time.Unix(0, r.Timestamp)
}

// Store is the sqlite backed call log.
type Store struct {
	db *gorm.DB
}

// Open creates or opens the log database at path and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Append adds one record. Records are never updated or deleted.
func (s *Store) Append(r *Record) error {
	return s.db.Create(r).Error
}

// Recent returns up to n records, newest first.
func (s *Store) Recent(n int) ([]Record, error) {
	var recs []Record
	err := s.db.Order("timestamp desc").Limit(n).Find(&recs).Error
	return recs, err
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
