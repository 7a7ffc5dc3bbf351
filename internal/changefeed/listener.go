// Package changefeed subscribes to the relational store's row-change
// notifications for the users table and turns them into cache invalidations.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Channel is the Postgres NOTIFY channel carrying user row changes.
const Channel = "user_change"

// Invalidator drops a user's cached shadow copy.
type Invalidator interface {
	Invalidate(ctx context.Context, userID int64) error
}

// payload mirrors the trigger's NOTIFY body: {"operation": ..., "data": {"id": ...}}.
type payload struct {
	Operation string `json:"operation"`
	Data      struct {
		ID int64 `json:"id"`
	} `json:"data"`
}

// Listener holds a long-lived LISTEN subscription on its own connection,
// isolated from request handling. It reconnects with capped backoff when the
// connection drops; until then the cache may serve stale data, which is
// acceptable because the relational store stays authoritative.
type Listener struct {
	pool    *pgxpool.Pool
	cache   Invalidator
	logger  *slog.Logger
	backoff time.Duration
}

// NewListener constructs a Listener.
func NewListener(pool *pgxpool.Pool, cache Invalidator, logger *slog.Logger) *Listener {
	return &Listener{pool: pool, cache: cache, logger: logger, backoff: time.Second}
}

// Run blocks consuming notifications until ctx is cancelled. Subscription
// errors are logged and followed by a reconnect; they are never fatal.
func (l *Listener) Run(ctx context.Context) error {
	wait := l.backoff
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warn("change feed subscription lost", slog.Any("error", err), slog.Duration("retry_in", wait))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > 30*time.Second {
			wait = 30 * time.Second
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("changefeed: acquire: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return fmt.Errorf("changefeed: listen: %w", err)
	}
	l.logger.Info("change feed subscribed", slog.String("channel", Channel))

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("changefeed: wait: %w", err)
		}
		if notification.Channel != Channel {
			continue
		}
		l.handle(ctx, notification.Payload)
	}
}

// handle parses one notification and invalidates the affected user. Malformed
// payloads are logged and dropped so the feed keeps running.
func (l *Listener) handle(ctx context.Context, raw string) {
	userID, err := ParseUserID(raw)
	if err != nil {
		l.logger.Warn("change feed payload dropped", slog.String("payload", raw), slog.Any("error", err))
		return
	}
	if err := l.cache.Invalidate(ctx, userID); err != nil {
		l.logger.Warn("cache invalidation failed", slog.Int64("user_id", userID), slog.Any("error", err))
	}
}

// ParseUserID extracts the affected row id from a notification payload.
func ParseUserID(raw string) (int64, error) {
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return 0, fmt.Errorf("changefeed: decode payload: %w", err)
	}
	if p.Data.ID <= 0 {
		return 0, fmt.Errorf("changefeed: payload missing row id")
	}
	return p.Data.ID, nil
}
