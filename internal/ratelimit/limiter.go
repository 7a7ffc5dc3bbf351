package ratelimit

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/helix-identity/helix/internal/shared"
)

// Limiter enforces "at most N events per trailing window" per subject using a
// Redis list of event timestamps. Entries are appended in non-decreasing time
// order and aged out by trimming from the head.
type Limiter struct {
	client *redis.Client
	clock  shared.Clock
	prefix string
}

// NewLimiter constructs a Limiter. All subject keys are namespaced under
// prefix.
func NewLimiter(client *redis.Client, clock shared.Clock, prefix string) *Limiter {
	return &Limiter{client: client, clock: clock, prefix: prefix}
}

func (l *Limiter) key(subject string) string {
	return l.prefix + subject
}

// RecordAndCount trims the subject's window, appends the current timestamp if
// the cap has not been reached, and returns the post-trim length (post-append
// when the append happened) together with whether the append happened.
func (l *Limiter) RecordAndCount(ctx context.Context, subject string, window, max int64) (int64, bool, error) {
	now := l.clock.Now().Unix()
	length, err := l.trim(ctx, subject, now, window)
	if err != nil {
		return 0, false, err
	}
	if length >= max {
		return length, false, nil
	}
	if err := l.client.RPush(ctx, l.key(subject), strconv.FormatInt(now, 10)).Err(); err != nil {
		return length, false, fmt.Errorf("ratelimit: push: %w", err)
	}
	return length + 1, true, nil
}

// Count trims the subject's window and reports its length without appending.
func (l *Limiter) Count(ctx context.Context, subject string, window int64) (int64, error) {
	return l.trim(ctx, subject, l.clock.Now().Unix(), window)
}

// trim pops expired entries off the head until the first non-expired one.
// Entries arrive in non-decreasing order, so a linear scan from the head is
// enough. An unparseable or backdated-but-unexpired head simply halts the
// scan; it is never "fixed" by sorting.
func (l *Limiter) trim(ctx context.Context, subject string, now, window int64) (int64, error) {
	key := l.key(subject)
	for {
		head, err := l.client.LIndex(ctx, key, 0).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("ratelimit: head: %w", err)
		}
		ts, err := strconv.ParseInt(head, 10, 64)
		if err != nil || ts >= now-window {
			break
		}
		if err := l.client.LPop(ctx, key).Err(); err != nil && err != redis.Nil {
			return 0, fmt.Errorf("ratelimit: pop: %w", err)
		}
	}
	length, err := l.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: len: %w", err)
	}
	return length, nil
}
