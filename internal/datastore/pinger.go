package datastore

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// WaitForPing pings every interval until pinger answers or ctx is done.
func WaitForPing(ctx context.Context, logger *slog.Logger, pinger Pinger, interval time.Duration) (err error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Loop until the context is cancelled or the ping is successful.
	for {
		err = pinger.Ping(ctx)
		if err == nil {
			break // Ping successful.
		}

		logger.Warn("unable to establish connection, retrying...", "error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("connection timed out or was cancelled: %w (last error: %v)", ctx.Err(), err)
		case <-ticker.C:
		}
	}
	return nil
}
