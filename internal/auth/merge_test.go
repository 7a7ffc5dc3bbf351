package auth

import (
	"context"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/helix-identity/helix/internal/shared"
	"github.com/helix-identity/helix/internal/users"
	_ "github.com/helix-identity/helix/testing"
)

func newTestMerge(t *testing.T, records ...*users.UserRecord) (*MergeCoordinator, *stubRepo, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	repo := newStubRepo(records...)
	cache := users.NewCache(client, repo)
	return NewMergeCoordinator(client, cache, repo, slog.Default()), repo, mr
}

func TestOpenConflictNamespacesByMethod(t *testing.T) {
	merge, _, mr := newTestMerge(t)
	ctx := context.Background()

	key, err := merge.OpenConflict(ctx, users.MethodFederated, MergePayload{UserID: 1})
	require.NoError(t, err)
	require.NotEmpty(t, key)
	require.True(t, mr.Exists("merge:federated:"+key))

	// The same key under the other namespace resolves to nothing.
	_, err = merge.Resolve(ctx, key, users.MethodPassword)
	require.ErrorIs(t, err, shared.ErrInvalidMergeKey)
}

func TestOpenConflictRejectsUnknownMethod(t *testing.T) {
	merge, _, _ := newTestMerge(t)

	_, err := merge.OpenConflict(context.Background(), "magic_link", MergePayload{UserID: 1})
	require.ErrorIs(t, err, shared.ErrInvalidAuthMethod)
}

func TestResolveIsSingleUse(t *testing.T) {
	merge, _, _ := newTestMerge(t, &users.UserRecord{
		ID: 1, Email: "a@test.local", AuthMethods: []string{users.MethodPassword},
	})
	ctx := context.Background()

	key, err := merge.OpenConflict(ctx, users.MethodFederated, MergePayload{UserID: 1})
	require.NoError(t, err)

	_, err = merge.Resolve(ctx, key, users.MethodFederated)
	require.NoError(t, err)

	_, err = merge.Resolve(ctx, key, users.MethodFederated)
	require.ErrorIs(t, err, shared.ErrInvalidMergeKey)
}

func TestResolveExpiredRecord(t *testing.T) {
	merge, _, mr := newTestMerge(t, &users.UserRecord{
		ID: 1, Email: "a@test.local", AuthMethods: []string{users.MethodPassword},
	})
	ctx := context.Background()

	key, err := merge.OpenConflict(ctx, users.MethodFederated, MergePayload{UserID: 1})
	require.NoError(t, err)

	mr.FastForward(MergeTTL + time.Minute)

	_, err = merge.Resolve(ctx, key, users.MethodFederated)
	require.ErrorIs(t, err, shared.ErrInvalidMergeKey)
}

func TestResolveUserGone(t *testing.T) {
	merge, repo, _ := newTestMerge(t, &users.UserRecord{
		ID: 1, Email: "a@test.local", AuthMethods: []string{users.MethodPassword},
	})
	ctx := context.Background()

	key, err := merge.OpenConflict(ctx, users.MethodFederated, MergePayload{UserID: 1})
	require.NoError(t, err)

	delete(repo.users, 1)

	_, err = merge.Resolve(ctx, key, users.MethodFederated)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestResolvePasswordMergePersists(t *testing.T) {
	merge, repo, _ := newTestMerge(t, &users.UserRecord{
		ID: 1, Email: "a@test.local", AuthMethods: []string{users.MethodFederated}, IsVerified: true,
	})
	ctx := context.Background()

	key, err := merge.OpenConflict(ctx, users.MethodPassword, MergePayload{UserID: 1, PasswordHash: "digest-d"})
	require.NoError(t, err)

	user, err := merge.Resolve(ctx, key, users.MethodPassword)
	require.NoError(t, err)
	require.Equal(t, "digest-d", user.PasswordHash)
	require.False(t, user.IsVerified)

	// The save reached the source of truth, not just the returned copy.
	saved := repo.users[1]
	require.Equal(t, "digest-d", saved.PasswordHash)
	require.ElementsMatch(t, []string{users.MethodPassword, users.MethodFederated}, saved.AuthMethods)
	require.False(t, saved.IsVerified)
}

func TestResolveFederatedMergeKeepsExistingMethodIdempotent(t *testing.T) {
	merge, _, _ := newTestMerge(t, &users.UserRecord{
		ID: 1, Email: "a@test.local", AuthMethods: []string{users.MethodPassword, users.MethodFederated},
	})
	ctx := context.Background()

	key, err := merge.OpenConflict(ctx, users.MethodFederated, MergePayload{UserID: 1})
	require.NoError(t, err)

	user, err := merge.Resolve(ctx, key, users.MethodFederated)
	require.NoError(t, err)
	require.Len(t, user.AuthMethods, 2)
	require.True(t, user.IsVerified)
}
