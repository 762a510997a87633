package datastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ndajr/shorturls/internal/config"
	"github.com/ndajr/shorturls/internal/core"
)

var (
	ErrFailedToAddURL = errors.New("failed to add url")
	ErrURLNotFound    = errors.New("url not found")
	ErrShortcodeTaken = errors.New("shortcode already in use")
)

// dbConnectTimeout is the timeout for establishing a database connection.
const dbConnectTimeout = 15 * time.Second

// Store persists mappings and their clicks. Implementations must be safe for
// concurrent use.
type Store interface {
	// AddURL inserts m. It returns ErrShortcodeTaken when m.Shortcode is
	// already stored.
	AddURL(ctx context.Context, m core.Mapping) (core.Mapping, error)
	// GetURL returns ErrURLNotFound when the shortcode is unknown.
	GetURL(ctx context.Context, shortcode string) (core.Mapping, error)
	// RecordClick appends a click. It returns ErrURLNotFound when the
	// shortcode is unknown.
	RecordClick(ctx context.Context, shortcode string, c core.Click) error
	// Stats returns the mapping with its clicks in chronological order.
	Stats(ctx context.Context, shortcode string) (core.Stats, error)
	// DeleteExpired removes the mappings expired at or before t and reports
	// how many were removed.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close()
}

// Open returns the Store selected by cfg.StoreDriver.
func Open(ctx context.Context, logger *slog.Logger, cfg config.AppSettings) (Store, error) {
	switch cfg.StoreDriver {
	case "", config.DriverMemory:
		logger.Info("using in-memory store")
		return NewMemoryStore(), nil
	case config.DriverPostgres:
		return NewPostgresStore(ctx, logger, cfg.DBAddress)
	case config.DriverSQLite:
		return NewSQLiteStore(ctx, logger, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.StoreDriver)
	}
}
