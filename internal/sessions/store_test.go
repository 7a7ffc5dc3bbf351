package sessions

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/helix-identity/helix/internal/shared"
	_ "github.com/helix-identity/helix/testing"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, 0), mr
}

func TestCreateAndResolve(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	token, err := store.Create(ctx, 42)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	userID, err := store.Resolve(ctx, token)
	require.NoError(t, err)
	require.Equal(t, int64(42), userID)
}

func TestResolveUnknownToken(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Resolve(context.Background(), "nope")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestResolveGarbageMapping(t *testing.T) {
	store, mr := newTestStore(t)

	mr.Set("sess:bad", "not-a-user-id")
	_, err := store.Resolve(context.Background(), "bad")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestDestroyRemovesMappingAndBucketEntry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	token, err := store.Create(ctx, 7)
	require.NoError(t, err)

	require.NoError(t, store.Destroy(ctx, 7, token))

	_, err = store.Resolve(ctx, token)
	require.ErrorIs(t, err, shared.ErrNotFound)

	isMember, err := mr.SIsMember("sess:bucket:7", token)
	require.NoError(t, err)
	require.False(t, isMember)
}

func TestDestroyAll(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	var tokens []string
	for i := 0; i < 3; i++ {
		token, err := store.Create(ctx, 9)
		require.NoError(t, err)
		tokens = append(tokens, token)
	}
	other, err := store.Create(ctx, 10)
	require.NoError(t, err)

	require.NoError(t, store.DestroyAll(ctx, 9))

	for _, token := range tokens {
		_, err := store.Resolve(ctx, token)
		require.ErrorIs(t, err, shared.ErrNotFound)
	}

	// Another user's sessions are untouched.
	userID, err := store.Resolve(ctx, other)
	require.NoError(t, err)
	require.Equal(t, int64(10), userID)
}

func TestDestroyAllEmptyBucket(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.DestroyAll(context.Background(), 123))
}
