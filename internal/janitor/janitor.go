// Package janitor periodically purges expired short links.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ndajr/shorturls/internal/datastore"
	"github.com/robfig/cron/v3"
)

const purgeTimeout = 30 * time.Second

// Purger deletes mappings expired at or before a point in time.
type Purger interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

var _ Purger = (datastore.Store)(nil)

type Janitor struct {
	logger *slog.Logger
	store  Purger
	grace  time.Duration
	now    func() time.Time
	cron   *cron.Cron
}

// New schedules a purge on schedule (standard cron syntax or descriptors such as
// "@every 1m"). Links are kept for grace after they expire so their stats
// stay readable for a while.
func New(logger *slog.Logger, store Purger, schedule string, grace time.Duration) (*Janitor, error) {
	j := &Janitor{
		logger: logger,
		store:  store,
		grace:  grace,
		now:    time.Now,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	if _, err := j.cron.AddFunc(schedule, j.run); err != nil {
		return nil, fmt.Errorf("janitor: invalid schedule %q: %w", schedule, err)
	}
	return j, nil
}

func (j *Janitor) run() {
	ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
	defer cancel()
	if _, err := j.Purge(ctx); err != nil {
		j.logger.Error("failed to purge expired links", "error", err)
	}
}

// Purge deletes the links whose grace period is over.
func (j *Janitor) Purge(ctx context.Context) (int64, error) {
	n, err := j.store.DeleteExpired(ctx, j.now().Add(-j.grace))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.Info("purged expired links", "count", n)
	}
	return n, nil
}

// Run starts the scheduler and stops it when ctx is done, waiting for a
// running purge to finish.
func (j *Janitor) Run(ctx context.Context) {
	j.cron.Start()
	<-ctx.Done()
	<-j.cron.Stop().Done()
	j.logger.Info("janitor stopped")
}
