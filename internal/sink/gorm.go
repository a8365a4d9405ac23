package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/iago/tiprelay/internal/domain"
)

var ErrUnsupportedDriver = errors.New("unsupported sink driver")

// tipRow is the sink table. One row per detected event id.
type tipRow struct {
	ID              string `gorm:"primaryKey;type:varchar(64)"`
	TenantID        string `gorm:"index;not null"`
	Match           string
	Selection       string
	Market          string
	Sport           string
	Odds            float64
	Stake           float64
	SourceChatID    string
	SourceChatTitle string
	SourceMessageID string
	Status          string `gorm:"index;not null"`
	ConfirmedOdds   *float64
	DetectedAt      time.Time
	FinalizedAt     *time.Time
	UpdatedAt       time.Time
}

func (tipRow) TableName() string { return "tips" }

func tipRowFromEvent(event domain.DetectedEvent, now time.Time) tipRow {
	return tipRow{
		ID:              event.ID,
		TenantID:        event.TenantID,
		Match:           event.Match,
		Selection:       event.Selection,
		Market:          event.Market,
		Sport:           event.Sport,
		Odds:            event.Odds,
		Stake:           event.Stake,
		SourceChatID:    event.SourceChatID,
		SourceChatTitle: event.SourceChatTitle,
		SourceMessageID: event.SourceMessageID,
		Status:          string(event.Status),
		ConfirmedOdds:   event.ConfirmedOdds,
		DetectedAt:      event.DetectedAt,
		FinalizedAt:     event.FinalizedAt,
		UpdatedAt:       now,
	}
}

func (r tipRow) toEvent() domain.DetectedEvent {
	return domain.DetectedEvent{
		ID:              r.ID,
		TenantID:        r.TenantID,
		Match:           r.Match,
		Selection:       r.Selection,
		Market:          r.Market,
		Sport:           r.Sport,
		Odds:            r.Odds,
		Stake:           r.Stake,
		SourceChatID:    r.SourceChatID,
		SourceChatTitle: r.SourceChatTitle,
		SourceMessageID: r.SourceMessageID,
		Status:          domain.EventStatus(r.Status),
		ConfirmedOdds:   r.ConfirmedOdds,
		DetectedAt:      r.DetectedAt,
		FinalizedAt:     r.FinalizedAt,
	}
}

// GormSink writes tips to a relational table through GORM.
type GormSink struct {
	db *gorm.DB
}

// OpenGorm opens the sink database. driver is "sqlite" or "postgres".
func OpenGorm(driver, dsn string) (*gorm.DB, error) {
	config := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "":
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
		db, err := gorm.Open(sqlite.Open(dsn), config)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return db, nil
	case "postgres":
		db, err := gorm.Open(postgres.Open(dsn), config)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
}

func NewGormSink(driver, dsn string) (*GormSink, error) {
	db, err := OpenGorm(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &GormSink{db: db}, nil
}

func migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "001_tips",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&tipRow{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("tips")
			},
		},
	})
	if err := m.Migrate(); err != nil {
		return fmt.Errorf("migrate sink: %w", err)
	}
	return nil
}

func (s *GormSink) Upsert(ctx context.Context, event domain.DetectedEvent) error {
	if strings.TrimSpace(event.ID) == "" {
		return errors.New("event id is required")
	}
	row := tipRowFromEvent(event, time.Now().UTC())
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("%w: upsert tip: %v", domain.ErrTransientIO, err)
	}
	return nil
}

func (s *GormSink) Get(ctx context.Context, eventID string) (domain.DetectedEvent, error) {
	var row tipRow
	err := s.db.WithContext(ctx).Where("id = ?", eventID).Take(&row).Error
	if err != nil {
		return domain.DetectedEvent{}, fmt.Errorf("get tip: %w", err)
	}
	return row.toEvent(), nil
}

func (s *GormSink) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&tipRow{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count tips: %w", err)
	}
	return count, nil
}

func (s *GormSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}
