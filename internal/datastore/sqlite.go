package datastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ndajr/shorturls/internal/core"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type mappingRecord struct {
	ID          string    `gorm:"primaryKey;size:36"`
	Shortcode   string    `gorm:"uniqueIndex;size:32;not null"`
	OriginalURL string    `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
	ExpiresAt   time.Time `gorm:"index;not null"`
}

func (mappingRecord) TableName() string { return "mappings" }

func (r mappingRecord) toMapping() core.Mapping {
	id, _ := uuid.Parse(r.ID)
	return core.Mapping{
		ID:          id,
		Shortcode:   r.Shortcode,
		OriginalURL: r.OriginalURL,
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
	}
}

type clickRecord struct {
	ID        uint      `gorm:"primaryKey"`
	Shortcode string    `gorm:"index:idx_clicks_shortcode_clicked_at;size:32;not null"`
	ClickedAt time.Time `gorm:"index:idx_clicks_shortcode_clicked_at;not null"`
	Referrer  string
	Location  string
}

func (clickRecord) TableName() string { return "clicks" }

// SQLiteStore persists mappings in a SQLite file through gorm.
type SQLiteStore struct {
	db        *gorm.DB
	logger    *slog.Logger
	dbMetrics Metrics
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path and migrates the
// schema. Use ":memory:" for a throwaway database.
func NewSQLiteStore(ctx context.Context, logger *slog.Logger, path string) (*SQLiteStore, error) {
	ctx, cancel := context.WithTimeout(ctx, dbConnectTimeout)
	defer cancel()

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: newGormLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("store: failed to open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: failed to get sqlite handle: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases shared across calls.
	sqlDB.SetMaxOpenConns(1)

	if err := db.WithContext(ctx).AutoMigrate(&mappingRecord{}, &clickRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("store: failed to migrate sqlite: %w", err)
	}
	logger.Info("successfully opened sqlite store", "path", path)

	return &SQLiteStore{
		db:        db,
		logger:    logger,
		dbMetrics: queryMetrics(),
	}, nil
}

func newGormLogger(l *slog.Logger) logger.Interface {
	return logger.New(
		slog.NewLogLogger(l.Handler(), slog.LevelWarn),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

func (s *SQLiteStore) AddURL(ctx context.Context, m core.Mapping) (core.Mapping, error) {
	const queryName = "AddURL"
	start := time.Now()

	rec := mappingRecord{
		ID:          m.ID.String(),
		Shortcode:   m.Shortcode,
		OriginalURL: m.OriginalURL,
		CreatedAt:   m.CreatedAt.UTC(),
		ExpiresAt:   m.ExpiresAt.UTC(),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		s.dbMetrics.observe(queryName, start, StatusError)
		return core.Mapping{}, fmt.Errorf("store: AddURL: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		s.dbMetrics.observe(queryName, start, StatusCollision)
		return core.Mapping{}, ErrShortcodeTaken
	}
	s.dbMetrics.observe(queryName, start, StatusSuccess)
	return rec.toMapping(), nil
}

func (s *SQLiteStore) GetURL(ctx context.Context, shortcode string) (core.Mapping, error) {
	const queryName = "GetURL"
	start := time.Now()

	rec, err := s.findMapping(s.db.WithContext(ctx), shortcode)
	if err != nil {
		if errors.Is(err, ErrURLNotFound) {
			s.dbMetrics.observe(queryName, start, StatusSuccess)
			return core.Mapping{}, err
		}
		s.dbMetrics.observe(queryName, start, StatusError)
		return core.Mapping{}, fmt.Errorf("store: GetURL: %w", err)
	}
	s.dbMetrics.observe(queryName, start, StatusSuccess)
	return rec.toMapping(), nil
}

func (s *SQLiteStore) findMapping(tx *gorm.DB, shortcode string) (mappingRecord, error) {
	var rec mappingRecord
	err := tx.Where("shortcode = ?", shortcode).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return mappingRecord{}, ErrURLNotFound
	}
	return rec, err
}

func (s *SQLiteStore) RecordClick(ctx context.Context, shortcode string, c core.Click) error {
	const queryName = "RecordClick"
	start := time.Now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.findMapping(tx, shortcode); err != nil {
			return err
		}
		return tx.Create(&clickRecord{
			Shortcode: shortcode,
			ClickedAt: c.Timestamp.UTC(),
			Referrer:  c.Referrer,
			Location:  c.Location,
		}).Error
	})
	switch {
	case err == nil:
		s.dbMetrics.observe(queryName, start, StatusSuccess)
		return nil
	case errors.Is(err, ErrURLNotFound):
		s.dbMetrics.observe(queryName, start, StatusSuccess)
		return err
	default:
		s.dbMetrics.observe(queryName, start, StatusError)
		return fmt.Errorf("store: RecordClick: %w", err)
	}
}

func (s *SQLiteStore) Stats(ctx context.Context, shortcode string) (core.Stats, error) {
	const queryName = "Stats"

	m, err := s.GetURL(ctx, shortcode)
	if err != nil {
		return core.Stats{}, err
	}

	start := time.Now()
	var recs []clickRecord
	err = s.db.WithContext(ctx).
		Where("shortcode = ?", shortcode).
		Order("clicked_at, id").
		Find(&recs).Error
	if err != nil {
		s.dbMetrics.observe(queryName, start, StatusError)
		return core.Stats{}, fmt.Errorf("store: Stats: %w", err)
	}
	s.dbMetrics.observe(queryName, start, StatusSuccess)

	clicks := make([]core.Click, 0, len(recs))
	for _, r := range recs {
		clicks = append(clicks, core.Click{
			Timestamp: r.ClickedAt,
			Referrer:  r.Referrer,
			Location:  r.Location,
		})
	}
	return core.Stats{
		Mapping:     m,
		TotalClicks: int64(len(clicks)),
		Clicks:      clicks,
	}, nil
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	const queryName = "DeleteExpired"
	start := time.Now()
	before = before.UTC()

	var n int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		expired := tx.Model(&mappingRecord{}).Select("shortcode").Where("expires_at <= ?", before)
		if err := tx.Where("shortcode IN (?)", expired).Delete(&clickRecord{}).Error; err != nil {
			return err
		}
		res := tx.Where("expires_at <= ?", before).Delete(&mappingRecord{})
		n = res.RowsAffected
		return res.Error
	})
	if err != nil {
		s.dbMetrics.observe(queryName, start, StatusError)
		return 0, fmt.Errorf("store: DeleteExpired: %w", err)
	}
	s.dbMetrics.observe(queryName, start, StatusSuccess)
	return n, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLiteStore) Close() {
	if sqlDB, err := s.db.DB(); err == nil {
		if closeErr := sqlDB.Close(); closeErr != nil {
			s.logger.Error("failed to close sqlite store", "error", closeErr)
		}
	}
}
