package verification

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/helix-identity/helix/internal/mail"
	"github.com/helix-identity/helix/internal/ratelimit"
	"github.com/helix-identity/helix/internal/shared"
	"github.com/helix-identity/helix/internal/users"
	_ "github.com/helix-identity/helix/testing"
)

type fakeMailer struct {
	sent []mail.Message
	err  error
}

func (m *fakeMailer) Send(ctx context.Context, msg mail.Message) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

type memRepo struct {
	users map[int64]*users.UserRecord
}

func (r *memRepo) FindByID(ctx context.Context, id int64) (*users.UserRecord, error) {
	user, ok := r.users[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func (r *memRepo) FindByEmail(ctx context.Context, email string) (*users.UserRecord, error) {
	for _, user := range r.users {
		if user.Email == email {
			copied := *user
			return &copied, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (r *memRepo) Create(ctx context.Context, user *users.UserRecord) (*users.UserRecord, error) {
	copied := *user
	copied.ID = int64(len(r.users) + 1)
	r.users[copied.ID] = &copied
	result := copied
	return &result, nil
}

func (r *memRepo) Save(ctx context.Context, user *users.UserRecord) error {
	if _, ok := r.users[user.ID]; !ok {
		return shared.ErrNotFound
	}
	copied := *user
	r.users[user.ID] = &copied
	return nil
}

func (r *memRepo) SetVerified(ctx context.Context, id int64, verified bool) error {
	user, ok := r.users[id]
	if !ok {
		return shared.ErrNotFound
	}
	user.IsVerified = verified
	return nil
}

func (r *memRepo) List(ctx context.Context, offset, limit int64) ([]users.UserRecord, error) {
	return nil, nil
}

func (r *memRepo) Count(ctx context.Context) (int64, error) {
	return int64(len(r.users)), nil
}

var _ users.Repository = (*memRepo)(nil)

type testFlow struct {
	flow   *Flow
	mailer *fakeMailer
	repo   *memRepo
	clock  *shared.FixedClock
	mr     *miniredis.Miniredis
	client *redis.Client
}

func newTestFlow(t *testing.T, records ...*users.UserRecord) *testFlow {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := &memRepo{users: map[int64]*users.UserRecord{}}
	for _, user := range records {
		repo.users[user.ID] = user
	}
	clock := &shared.FixedClock{T: time.Unix(1_700_000_000, 0)}
	mailer := &fakeMailer{}
	limiter := ratelimit.NewLimiter(client, clock, RateKeyPrefix)
	cache := users.NewCache(client, repo)
	flow := NewFlow(client, limiter, cache, repo, mailer, slog.Default(), "https://id.test.local", "no-reply@test.local")
	return &testFlow{flow: flow, mailer: mailer, repo: repo, clock: clock, mr: mr, client: client}
}

func TestIssueStoresMappingsAndSendsMail(t *testing.T) {
	tf := newTestFlow(t, &users.UserRecord{ID: 1, Email: "a@test.local", AuthMethods: []string{users.MethodPassword}})
	ctx := context.Background()

	token, err := tf.flow.Issue(ctx, 1, "a@test.local")
	require.NoError(t, err)
	require.Len(t, token, 24)

	require.Len(t, tf.mailer.sent, 1)
	require.Equal(t, "a@test.local", tf.mailer.sent[0].To)
	require.Contains(t, tf.mailer.sent[0].Text, token)

	// The token-keyed mapping expires; the user-keyed one does not.
	ttl := tf.mr.TTL("verification:token:" + token)
	require.Equal(t, TokenTTL, ttl)
	require.Zero(t, tf.mr.TTL("verification:user:1"))

	// One rate-limit event was recorded for the token.
	count, err := tf.client.LLen(ctx, RateKeyPrefix+token).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestConsumeRoundTrip(t *testing.T) {
	tf := newTestFlow(t, &users.UserRecord{ID: 1, Email: "a@test.local", AuthMethods: []string{users.MethodPassword}})
	ctx := context.Background()

	token, err := tf.flow.Issue(ctx, 1, "a@test.local")
	require.NoError(t, err)

	userID, err := tf.flow.Consume(ctx, token)
	require.NoError(t, err)
	require.Equal(t, int64(1), userID)
	require.True(t, tf.repo.users[1].IsVerified)

	// The token is single use.
	_, err = tf.flow.Consume(ctx, token)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestConsumeUnknownToken(t *testing.T) {
	tf := newTestFlow(t)

	_, err := tf.flow.Consume(context.Background(), "missing")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestConsumeUserGone(t *testing.T) {
	tf := newTestFlow(t, &users.UserRecord{ID: 1, Email: "a@test.local", AuthMethods: []string{users.MethodPassword}})
	ctx := context.Background()

	token, err := tf.flow.Issue(ctx, 1, "a@test.local")
	require.NoError(t, err)

	delete(tf.repo.users, 1)

	_, err = tf.flow.Consume(ctx, token)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestConsumeExpiredToken(t *testing.T) {
	tf := newTestFlow(t, &users.UserRecord{ID: 1, Email: "a@test.local", AuthMethods: []string{users.MethodPassword}})
	ctx := context.Background()

	token, err := tf.flow.Issue(ctx, 1, "a@test.local")
	require.NoError(t, err)

	tf.mr.FastForward(TokenTTL + time.Minute)

	_, err = tf.flow.Consume(ctx, token)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestCanResendWithoutOutstandingToken(t *testing.T) {
	tf := newTestFlow(t, &users.UserRecord{ID: 1, Email: "a@test.local", AuthMethods: []string{users.MethodPassword}})

	ok, err := tf.flow.CanResend(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestResendCapReached(t *testing.T) {
	tf := newTestFlow(t, &users.UserRecord{ID: 1, Email: "a@test.local", AuthMethods: []string{users.MethodPassword}})
	ctx := context.Background()

	_, err := tf.flow.Issue(ctx, 1, "a@test.local")
	require.NoError(t, err)

	// Issue recorded one event; nine resends reach the cap of ten.
	for i := 0; i < 9; i++ {
		tf.clock.Advance(time.Second)
		require.NoError(t, tf.flow.Resend(ctx, 1))
	}

	ok, err := tf.flow.CanResend(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)

	// Resend itself does not re-check the cap; the mail still goes out.
	require.NoError(t, tf.flow.Resend(ctx, 1))
	require.Len(t, tf.mailer.sent, 11)
}

func TestCanResendRecoversAfterWindow(t *testing.T) {
	tf := newTestFlow(t, &users.UserRecord{ID: 1, Email: "a@test.local", AuthMethods: []string{users.MethodPassword}})
	ctx := context.Background()

	_, err := tf.flow.Issue(ctx, 1, "a@test.local")
	require.NoError(t, err)
	for i := 0; i < 9; i++ {
		require.NoError(t, tf.flow.Resend(ctx, 1))
	}

	ok, err := tf.flow.CanResend(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)

	tf.clock.Advance(time.Duration(ResendWindow+1) * time.Second)

	ok, err = tf.flow.CanResend(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestResendWithoutTokenIssuesFresh(t *testing.T) {
	tf := newTestFlow(t, &users.UserRecord{ID: 1, Email: "fresh@test.local", AuthMethods: []string{users.MethodPassword}})
	ctx := context.Background()

	require.NoError(t, tf.flow.Resend(ctx, 1))
	require.Len(t, tf.mailer.sent, 1)
	require.Equal(t, "fresh@test.local", tf.mailer.sent[0].To)

	token, err := tf.client.HGet(ctx, "verification:user:1", "token").Result()
	require.NoError(t, err)
	require.Len(t, token, 24)
}

func TestResendReusesOutstandingToken(t *testing.T) {
	tf := newTestFlow(t, &users.UserRecord{ID: 1, Email: "a@test.local", AuthMethods: []string{users.MethodPassword}})
	ctx := context.Background()

	token, err := tf.flow.Issue(ctx, 1, "a@test.local")
	require.NoError(t, err)

	require.NoError(t, tf.flow.Resend(ctx, 1))
	require.Len(t, tf.mailer.sent, 2)
	for _, msg := range tf.mailer.sent {
		require.True(t, strings.Contains(msg.Text, token))
	}
}

func TestIssueOverwritesUserMapping(t *testing.T) {
	tf := newTestFlow(t, &users.UserRecord{ID: 1, Email: "a@test.local", AuthMethods: []string{users.MethodPassword}})
	ctx := context.Background()

	first, err := tf.flow.Issue(ctx, 1, "a@test.local")
	require.NoError(t, err)
	second, err := tf.flow.Issue(ctx, 1, "a@test.local")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	current, err := tf.client.HGet(ctx, "verification:user:1", "token").Result()
	require.NoError(t, err)
	require.Equal(t, second, current)

	// The superseded token still resolves until its TTL lapses.
	userID, err := tf.flow.Consume(ctx, first)
	require.NoError(t, err)
	require.Equal(t, int64(1), userID)
}
