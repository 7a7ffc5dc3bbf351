// Package sessions maps opaque session tokens to user ids in Redis and keeps
// a per-user bucket of live tokens for bulk invalidation.
package sessions

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/helix-identity/helix/internal/shared"
)

// Store persists session tokens in Redis.
//
// The forward mapping (sess:<token> -> user id) is authoritative for session
// validity. The bucket (sess:bucket:<user id>) is advisory and exists only so
// DestroyAll can enumerate a user's sessions; the two writes are not
// transactional and a crash between them leaves an orphan bucket entry, which
// is harmless.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore constructs a Store. ttl bounds the forward mapping's lifetime;
// zero means sessions live until destroyed.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func sessionKey(token string) string {
	return "sess:" + token
}

func bucketKey(userID int64) string {
	return fmt.Sprintf("sess:bucket:%d", userID)
}

// Create generates a random token, writes the forward mapping and adds the
// token to the user's bucket.
func (s *Store) Create(ctx context.Context, userID int64) (string, error) {
	token := uuid.NewString()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.client.Set(gctx, sessionKey(token), strconv.FormatInt(userID, 10), s.ttl).Err()
	})
	g.Go(func() error {
		return s.client.SAdd(gctx, bucketKey(userID), token).Err()
	})
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("sessions: create: %w", err)
	}
	return token, nil
}

// Resolve returns the user id a token maps to. Absent or garbage mappings
// both report shared.ErrNotFound.
func (s *Store) Resolve(ctx context.Context, token string) (int64, error) {
	value, err := s.client.Get(ctx, sessionKey(token)).Result()
	if err == redis.Nil {
		return 0, shared.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("sessions: resolve: %w", err)
	}
	userID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || userID <= 0 {
		return 0, shared.ErrNotFound
	}
	return userID, nil
}

// Destroy removes the forward mapping and the bucket entry. Both deletes are
// best-effort and idempotent.
func (s *Store) Destroy(ctx context.Context, userID int64, token string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.client.Del(gctx, sessionKey(token)).Err()
	})
	g.Go(func() error {
		return s.client.SRem(gctx, bucketKey(userID), token).Err()
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("sessions: destroy: %w", err)
	}
	return nil
}

// DestroyAll enumerates the user's bucket, deletes every forward mapping it
// references, then clears the bucket. A session created concurrently may be
// missed; the bucket is a snapshot, not a lock.
func (s *Store) DestroyAll(ctx context.Context, userID int64) error {
	tokens, err := s.client.SMembers(ctx, bucketKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("sessions: enumerate bucket: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, token := range tokens {
		token := token
		g.Go(func() error {
			return s.client.Del(gctx, sessionKey(token)).Err()
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("sessions: destroy all: %w", err)
	}

	if err := s.client.Del(ctx, bucketKey(userID)).Err(); err != nil {
		return fmt.Errorf("sessions: clear bucket: %w", err)
	}
	return nil
}
