package datastore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/ndajr/shorturls/internal/core"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db        *pgxpool.Pool
	logger    *slog.Logger
	dbMetrics Metrics
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore establishes a database connection, applies the pending
// migrations and returns a new PostgresStore.
func NewPostgresStore(ctx context.Context, logger *slog.Logger, dbConnStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, dbConnectTimeout)
	defer cancel()

	config, err := pgxpool.ParseConfig(dbConnStr)
	if err != nil {
		return nil, fmt.Errorf("store: failed to parse db config: %w", err)
	}

	db, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("store: failed to create connection pool: %w", err)
	}

	store := &PostgresStore{
		db:        db,
		logger:    logger,
		dbMetrics: queryMetrics(),
	}

	if pingErr := WaitForPing(ctx, logger, PingFunc(db.Ping), time.Second); pingErr != nil {
		db.Close()
		return nil, pingErr
	}

	if migrErr := runMigrations(dbConnStr); migrErr != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to run migrations: %w", migrErr)
	}

	if regErr := registerPoolStats(db, config.ConnConfig.Database); regErr != nil {
		logger.Warn("failed to register pool stats collector", "error", regErr)
	}
	logger.Info("successfully connected to db", "host", config.ConnConfig.Host, "database", config.ConnConfig.Database)

	return store, nil
}

func runMigrations(connStr string) (err error) {
	migrationDB, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("store: failed to open migration db: %w", err)
	}
	defer func() {
		if closeErr := migrationDB.Close(); err == nil {
			err = closeErr
		}
	}()

	driver, err := pgxv5.WithInstance(migrationDB, &pgxv5.Config{})
	if err != nil {
		return fmt.Errorf("store: failed to create migrate driver: %w", err)
	}
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("store: failed to open migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "pgx", driver)
	if err != nil {
		return fmt.Errorf("store: failed to create migrate instance: %w", err)
	}
	if runErr := m.Up(); runErr != nil && !errors.Is(runErr, migrate.ErrNoChange) {
		return fmt.Errorf("store: failed to run migrations: %w", runErr)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// AddURL inserts the mapping. A shortcode collision is reported as
// ErrShortcodeTaken so the caller can retry with a new code.
func (s *PostgresStore) AddURL(ctx context.Context, m core.Mapping) (core.Mapping, error) {
	const queryName = "AddURL"

	start := time.Now()
	rows, err := s.db.Query(ctx, insertMapping, pgx.NamedArgs{
		"id":           m.ID,
		"shortcode":    m.Shortcode,
		"original_url": m.OriginalURL,
		"created_at":   m.CreatedAt,
		"expires_at":   m.ExpiresAt,
	})
	if err != nil {
		s.dbMetrics.observe(queryName, start, StatusError)
		return core.Mapping{}, fmt.Errorf("store: insertMapping: %w", err)
	}

	out, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[core.Mapping])
	switch {
	case err == nil:
		s.dbMetrics.observe(queryName, start, StatusSuccess)
		return out, nil
	case errors.Is(err, pgx.ErrNoRows):
		// ON CONFLICT DO NOTHING returns no row when the shortcode exists.
		s.dbMetrics.observe(queryName, start, StatusCollision)
		return core.Mapping{}, ErrShortcodeTaken
	default:
		s.dbMetrics.observe(queryName, start, StatusError)
		return core.Mapping{}, fmt.Errorf("store: failed to collect inserted row: %w", err)
	}
}

func (s *PostgresStore) GetURL(ctx context.Context, shortcode string) (core.Mapping, error) {
	const queryName = "GetURL"
	start := time.Now()

	rows, err := s.db.Query(ctx, getMapping, shortcode)
	if err != nil {
		s.dbMetrics.observe(queryName, start, StatusError)
		return core.Mapping{}, fmt.Errorf("store: GetURL: %w", err)
	}

	m, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[core.Mapping])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The query was successful but found no rows. This is not a DB error.
			s.dbMetrics.observe(queryName, start, StatusSuccess)
			return core.Mapping{}, ErrURLNotFound
		}
		s.dbMetrics.observe(queryName, start, StatusError)
		return core.Mapping{}, fmt.Errorf("store: GetURL: %w", err)
	}

	s.dbMetrics.observe(queryName, start, StatusSuccess)
	return m, nil
}

func (s *PostgresStore) RecordClick(ctx context.Context, shortcode string, c core.Click) error {
	const queryName = "RecordClick"
	start := time.Now()

	tag, err := s.db.Exec(ctx, insertClick, pgx.NamedArgs{
		"shortcode":  shortcode,
		"clicked_at": c.Timestamp,
		"referrer":   c.Referrer,
		"location":   c.Location,
	})
	if err != nil {
		s.dbMetrics.observe(queryName, start, StatusError)
		return fmt.Errorf("store: RecordClick: %w", err)
	}
	s.dbMetrics.observe(queryName, start, StatusSuccess)
	if tag.RowsAffected() == 0 {
		return ErrURLNotFound
	}
	return nil
}

func (s *PostgresStore) Stats(ctx context.Context, shortcode string) (core.Stats, error) {
	const queryName = "Stats"

	m, err := s.GetURL(ctx, shortcode)
	if err != nil {
		return core.Stats{}, err
	}

	start := time.Now()
	rows, err := s.db.Query(ctx, listClicks, shortcode)
	if err != nil {
		s.dbMetrics.observe(queryName, start, StatusError)
		return core.Stats{}, fmt.Errorf("store: Stats: %w", err)
	}
	clicks, err := pgx.CollectRows(rows, pgx.RowToStructByName[core.Click])
	if err != nil {
		s.dbMetrics.observe(queryName, start, StatusError)
		return core.Stats{}, fmt.Errorf("store: Stats: %w", err)
	}
	s.dbMetrics.observe(queryName, start, StatusSuccess)

	return core.Stats{
		Mapping:     m,
		TotalClicks: int64(len(clicks)),
		Clicks:      clicks,
	}, nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	const queryName = "DeleteExpired"
	start := time.Now()

	tag, err := s.db.Exec(ctx, deleteExpired, before)
	if err != nil {
		s.dbMetrics.observe(queryName, start, StatusError)
		return 0, fmt.Errorf("store: DeleteExpired: %w", err)
	}
	s.dbMetrics.observe(queryName, start, StatusSuccess)
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Close() {
	s.db.Close()
}
