package users

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const cachePayloadVersion = 1

// cacheEnvelope versions the cached shadow so a payload written by an older
// build is treated as a miss instead of being misread.
type cacheEnvelope struct {
	Version int        `json:"v"`
	Record  UserRecord `json:"record"`
}

// Cache is a read-through shadow cache of user records, keyed by canonical
// user id. Entries may be stale until invalidated; they never hold another
// user's data.
type Cache struct {
	client *redis.Client
	repo   Repository
}

// NewCache constructs a Cache backed by client and loading misses from repo.
func NewCache(client *redis.Client, repo Repository) *Cache {
	return &Cache{client: client, repo: repo}
}

func cacheKey(userID int64) string {
	return fmt.Sprintf("userdata:%d", userID)
}

// Get returns the cached record, loading and populating on a miss. Decode
// failures fail closed: the entry is dropped and reloaded from the source of
// truth. Concurrent misses may populate twice; both write the same value.
func (c *Cache) Get(ctx context.Context, userID int64) (*UserRecord, error) {
	payload, err := c.client.Get(ctx, cacheKey(userID)).Bytes()
	if err == nil {
		var envelope cacheEnvelope
		if jsonErr := json.Unmarshal(payload, &envelope); jsonErr == nil && envelope.Version == cachePayloadVersion {
			record := envelope.Record
			return &record, nil
		}
		_ = c.client.Del(ctx, cacheKey(userID)).Err()
	} else if err != redis.Nil {
		return nil, fmt.Errorf("users: cache read: %w", err)
	}

	record, err := c.repo.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := c.Put(ctx, userID, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Put overwrites the cached shadow unconditionally.
func (c *Cache) Put(ctx context.Context, userID int64, record *UserRecord) error {
	data, err := json.Marshal(cacheEnvelope{Version: cachePayloadVersion, Record: *record})
	if err != nil {
		return fmt.Errorf("users: cache encode: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(userID), data, 0).Err(); err != nil {
		return fmt.Errorf("users: cache write: %w", err)
	}
	return nil
}

// Invalidate deletes the cached shadow; the next Get reloads.
func (c *Cache) Invalidate(ctx context.Context, userID int64) error {
	if err := c.client.Del(ctx, cacheKey(userID)).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("users: cache invalidate: %w", err)
	}
	return nil
}
