package db

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InternalErrorLog records unexpected server-side errors so operators can
// inspect failures that were surfaced to clients as bare 500s.
type InternalErrorLog struct {
	gorm.Model
	RequestPath string
	Username    string
	ErrorText   string `gorm:"type:text"`
	Traceback   string `gorm:"type:text"`
}

// AccessLog records one API request for usage accounting. Rows are written
// in batches from a short-lived in-process buffer.
type AccessLog struct {
	gorm.Model
	Method       string
	Path         string
	Status       int
	Username     string
	IPAddress    string
	UserAgent    string
	RequestBytes int64
	ResponseBytes int64
	LatencyMS    float64
	Timestamp    time.Time
}

// SideLog is the gorm-backed side channel for append-only operational
// tables. It shares the PostgreSQL instance with the pgx pool but is kept
// separate from the transactional core.
type SideLog struct {
	orm *gorm.DB
}

// NewSideLog opens the side channel and migrates its tables.
func NewSideLog(pgURI string) (*SideLog, error) {
	orm, err := gorm.Open(postgres.Open(pgURI), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open side log database: %w", err)
	}
	if err := orm.AutoMigrate(&InternalErrorLog{}, &AccessLog{}); err != nil {
		return nil, fmt.Errorf("failed to migrate side log tables: %w", err)
	}
	return &SideLog{orm: orm}, nil
}

// SaveError appends an internal error row.
func (s *SideLog) SaveError(entry *InternalErrorLog) error {
	if err := s.orm.Create(entry).Error; err != nil {
		return fmt.Errorf("failed to save internal error: %w", err)
	}
	return nil
}

// SaveAccess appends a batch of access log rows.
func (s *SideLog) SaveAccess(entries []AccessLog) error {
	if len(entries) == 0 {
		return nil
	}
	if err := s.orm.Create(&entries).Error; err != nil {
		return fmt.Errorf("failed to save access log batch: %w", err)
	}
	return nil
}

// RecentErrors returns the most recent internal errors, newest first.
func (s *SideLog) RecentErrors(limit int) ([]InternalErrorLog, error) {
	var out []InternalErrorLog
	if err := s.orm.Order("id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list internal errors: %w", err)
	}
	return out, nil
}
