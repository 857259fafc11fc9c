// Package storage tracks update attempts using GORM and SQLite.
package storage

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Sentinel errors for storage operations.
var (
	ErrNilRecord = errors.New("update record cannot be nil")
	ErrNotFound  = errors.New("update record not found")
)

// Outcome values recorded per update attempt.
const (
	OutcomeUpdated = "updated"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// UpdateRecord is one update attempt against an installed binary.
type UpdateRecord struct {
	ID uint `gorm:"primaryKey"`

	Name        string `gorm:"not null;index:idx_name"`
	FromVersion string
	ToVersion   string
	Target      string
	AssetURL    string

	Outcome      string `gorm:"not null;index:idx_outcome"`
	ErrorMessage string
	DurationMs   int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store defines the interface for update history operations.
type Store interface {
	Close() error
	RecordAttempt(*UpdateRecord) error
	LastAttempt(name string) (*UpdateRecord, error)
	ListAttempts(name string, limit int) ([]*UpdateRecord, error)
}

// DB wraps gorm.DB with update history operations.
type DB struct {
	db *gorm.DB
}

// Config holds database configuration.
type Config struct {
	DatabasePath string
	LogLevel     string // silent, error, warn, info
}

// InitDB initializes the database connection and runs migrations.
func InitDB(cfg Config) (*DB, error) {
	logLevel := logger.Silent
	switch cfg.LogLevel {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(cfg.DatabasePath), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&UpdateRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}

// RecordAttempt creates a new update attempt record.
func (d *DB) RecordAttempt(record *UpdateRecord) error {
	if record == nil {
		return ErrNilRecord
	}
	if err := d.db.Create(record).Error; err != nil {
		return fmt.Errorf("failed to record update attempt: %w", err)
	}
	return nil
}

// LastAttempt returns the most recent attempt for the named binary.
func (d *DB) LastAttempt(name string) (*UpdateRecord, error) {
	var record UpdateRecord
	err := d.db.Where("name = ?", name).Order("created_at DESC").First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last attempt for %s: %w", name, err)
	}
	return &record, nil
}

// ListAttempts returns recent attempts for the named binary, newest first.
// A limit of zero or less returns all of them.
func (d *DB) ListAttempts(name string, limit int) ([]*UpdateRecord, error) {
	query := d.db.Where("name = ?", name).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []*UpdateRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list attempts for %s: %w", name, err)
	}
	return records, nil
}
