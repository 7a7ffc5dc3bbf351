package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/helix-identity/helix/internal/shared"
	"github.com/helix-identity/helix/internal/users"
)

// MergeTTL bounds how long a pending conflict stays resolvable.
const MergeTTL = time.Hour

// MergeCoordinator stores short-lived, single-use conflict records and applies
// them to reconcile two auth methods onto one user record.
type MergeCoordinator struct {
	client *redis.Client
	cache  *users.Cache
	repo   users.Repository
	logger *slog.Logger
}

// NewMergeCoordinator constructs a MergeCoordinator.
func NewMergeCoordinator(client *redis.Client, cache *users.Cache, repo users.Repository, logger *slog.Logger) *MergeCoordinator {
	return &MergeCoordinator{client: client, cache: cache, repo: repo, logger: logger}
}

func mergeKey(method, key string) string {
	return fmt.Sprintf("merge:%s:%s", method, key)
}

// OpenConflict stores the incoming identity's payload under a fresh key
// namespaced by the incoming auth method and returns that key. The caller
// surfaces it to drive the merge prompt.
func (m *MergeCoordinator) OpenConflict(ctx context.Context, method string, payload MergePayload) (string, error) {
	if !users.ValidMethod(method) {
		return "", shared.ErrInvalidAuthMethod
	}
	key := uuid.NewString()
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("auth: encode merge payload: %w", err)
	}
	if err := m.client.Set(ctx, mergeKey(method, key), data, MergeTTL).Err(); err != nil {
		return "", fmt.Errorf("auth: store merge record: %w", err)
	}
	return key, nil
}

// Resolve consumes a merge record and reconciles the incoming method onto the
// referenced user. Password merges overwrite the hash and reset the verified
// flag, since password ownership was never proven against this identity.
// Federated merges mark the user verified; providers are treated as
// pre-verified.
//
// The save and the record deletion run together; a failed deletion after a
// successful save is logged and tolerated, since the record expires on its
// own and a retried key fails closed with ErrInvalidMergeKey.
func (m *MergeCoordinator) Resolve(ctx context.Context, key, method string) (*users.UserRecord, error) {
	if !users.ValidMethod(method) {
		return nil, shared.ErrInvalidAuthMethod
	}
	raw, err := m.client.Get(ctx, mergeKey(method, key)).Bytes()
	if err == redis.Nil {
		return nil, shared.ErrInvalidMergeKey
	}
	if err != nil {
		return nil, fmt.Errorf("auth: load merge record: %w", err)
	}

	var payload MergePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("auth: decode merge record: %w", err)
	}

	user, err := m.cache.Get(ctx, payload.UserID)
	if err != nil {
		return nil, err
	}

	user.AddMethod(method)
	switch method {
	case users.MethodPassword:
		user.PasswordHash = payload.PasswordHash
		user.IsVerified = false
	case users.MethodFederated:
		user.IsVerified = true
	}

	var delErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.repo.Save(gctx, user) })
	g.Go(func() error {
		delErr = m.client.Del(gctx, mergeKey(method, key)).Err()
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("auth: apply merge: %w", err)
	}
	if delErr != nil {
		m.logger.Warn("merge record not deleted, will expire", slog.String("method", method), slog.Any("error", delErr))
	}
	return user, nil
}
