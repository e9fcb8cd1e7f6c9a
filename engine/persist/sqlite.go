// Package persist provides durable storage for the runtime policy and the
// audit trail: a JSON policy file suited to hot-reloading, and a SQLite
// store for audit history.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"intelliceil/engine/audit"
	"intelliceil/engine/config"
)

// ConfigRecord is the single-row table holding the serialized policy.
type ConfigRecord struct {
	ID        uint   `gorm:"primaryKey"`
	Payload   string `gorm:"type:text"`
	UpdatedAt time.Time
}

// AuditRecord is one durable audit event.
type AuditRecord struct {
	ID         uint      `gorm:"primaryKey"`
	Time       time.Time `gorm:"index"`
	Kind       string    `gorm:"index"`
	FromLevel  string
	ToLevel    string
	Percentage float64
	Detail     string
	Actor      string
}

// SQLiteStore persists config and audit records in one SQLite database.
// Implements config.Persistence and audit.Log.
type SQLiteStore struct {
	db *gorm.DB
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := db.AutoMigrate(&ConfigRecord{}, &AuditRecord{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load reads the persisted policy. Returns defaults when none was saved yet.
func (s *SQLiteStore) Load() (*config.Config, error) {
	var rec ConfigRecord
	err := s.db.First(&rec, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg := config.Default()
	if err := json.Unmarshal([]byte(rec.Payload), cfg); err != nil {
		return nil, fmt.Errorf("parse persisted config: %w", err)
	}
	return cfg, nil
}

// Save upserts the policy row.
func (s *SQLiteStore) Save(cfg *config.Config) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	rec := ConfigRecord{ID: 1, Payload: string(payload), UpdatedAt: time.Now()}
	if err := s.db.Save(&rec).Error; err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

// Record appends an audit event.
func (s *SQLiteStore) Record(ctx context.Context, e audit.Event) error {
	rec := AuditRecord{
		Time:       e.Time,
		Kind:       e.Kind,
		FromLevel:  e.FromLevel,
		ToLevel:    e.ToLevel,
		Percentage: e.Percentage,
		Detail:     e.Detail,
		Actor:      e.Actor,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}

// RecentAudit returns the newest n audit events.
func (s *SQLiteStore) RecentAudit(ctx context.Context, n int) ([]AuditRecord, error) {
	var out []AuditRecord
	err := s.db.WithContext(ctx).Order("id desc").Limit(n).Find(&out).Error
	return out, err
}
