// Package verification issues email-verification tokens, tracks their
// bidirectional token/user mappings in Redis and caps resend frequency with a
// sliding-window limiter.
package verification

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/helix-identity/helix/internal/mail"
	"github.com/helix-identity/helix/internal/ratelimit"
	"github.com/helix-identity/helix/internal/shared"
	"github.com/helix-identity/helix/internal/users"
)

// TokenTTL bounds the token-keyed mapping. The user-keyed mapping has no TTL
// of its own; it is deleted on success or overwritten by the next issuance.
const TokenTTL = 24 * time.Hour

const (
	// ResendWindow and ResendMax cap verification sends per token.
	ResendWindow = int64(600)
	ResendMax    = int64(10)

	tokenLength   = 24
	tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// RateKeyPrefix namespaces the limiter's per-token event lists.
	RateKeyPrefix = "token:mail:ts:"
)

// Flow drives the verification state machine: unverified -> pending (issue)
// -> pending (resend, rate limited) -> verified (consume).
type Flow struct {
	client  *redis.Client
	limiter *ratelimit.Limiter
	cache   *users.Cache
	repo    users.Repository
	mailer  mail.Mailer
	logger  *slog.Logger
	baseURL string
	from    string
}

// NewFlow constructs a Flow. baseURL is the public origin embedded in
// verification links.
func NewFlow(client *redis.Client, limiter *ratelimit.Limiter, cache *users.Cache, repo users.Repository, mailer mail.Mailer, logger *slog.Logger, baseURL, from string) *Flow {
	return &Flow{
		client:  client,
		limiter: limiter,
		cache:   cache,
		repo:    repo,
		mailer:  mailer,
		logger:  logger,
		baseURL: baseURL,
		from:    from,
	}
}

func tokenKey(token string) string {
	return "verification:token:" + token
}

func userKey(userID int64) string {
	return fmt.Sprintf("verification:user:%d", userID)
}

// Issue generates a fresh token, stores both mapping directions and sends the
// verification email. A second issuance for the same user overwrites the
// user-keyed mapping but leaves the previous token-keyed record to expire on
// its own.
func (f *Flow) Issue(ctx context.Context, userID int64, email string) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}

	key := tokenKey(token)
	if err := f.client.HSet(ctx, key, "userId", userID, "email", email).Err(); err != nil {
		return "", fmt.Errorf("verification: store token mapping: %w", err)
	}
	if err := f.client.Expire(ctx, key, TokenTTL).Err(); err != nil {
		return "", fmt.Errorf("verification: expire token mapping: %w", err)
	}
	if err := f.client.HSet(ctx, userKey(userID), "token", token, "email", email).Err(); err != nil {
		return "", fmt.Errorf("verification: store user mapping: %w", err)
	}

	if err := f.send(ctx, token, email); err != nil {
		return "", err
	}
	return token, nil
}

// CanResend reports whether another send is allowed right now. With no
// outstanding token a resend degrades to a fresh issue and is always allowed.
//
// This check is deliberately separate from Resend; two concurrent callers can
// both pass it before either records an event, exceeding the cap by a small
// margin.
func (f *Flow) CanResend(ctx context.Context, userID int64) (bool, error) {
	token, _, err := f.outstanding(ctx, userID)
	if err != nil {
		return false, err
	}
	if token == "" {
		return true, nil
	}
	count, err := f.limiter.Count(ctx, token, ResendWindow)
	if err != nil {
		return false, err
	}
	return count < ResendMax, nil
}

// Resend redispatches the user's outstanding token, or issues a fresh one if
// none exists. It does not re-check the cap; callers gate on CanResend.
func (f *Flow) Resend(ctx context.Context, userID int64) error {
	token, email, err := f.outstanding(ctx, userID)
	if err != nil {
		return err
	}
	if token == "" {
		user, err := f.cache.Get(ctx, userID)
		if err != nil {
			return err
		}
		_, err = f.Issue(ctx, user.ID, user.Email)
		return err
	}
	return f.send(ctx, token, email)
}

// Consume resolves the token, marks the user verified in the source of truth
// and drops both mapping directions. A leftover direction after a partial
// delete is harmless: the token side expires, the user side is overwritten by
// the next issuance.
func (f *Flow) Consume(ctx context.Context, token string) (int64, error) {
	data, err := f.client.HGetAll(ctx, tokenKey(token)).Result()
	if err != nil {
		return 0, fmt.Errorf("verification: resolve token: %w", err)
	}
	userID := parseMapping(data["userId"], data["email"])
	if userID == 0 {
		return 0, shared.ErrNotFound
	}

	if _, err := f.cache.Get(ctx, userID); err != nil {
		return 0, err
	}
	if err := f.repo.SetVerified(ctx, userID, true); err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.client.Del(gctx, tokenKey(token)).Err() })
	g.Go(func() error { return f.client.Del(gctx, userKey(userID)).Err() })
	if err := g.Wait(); err != nil {
		f.logger.Warn("verification mapping cleanup incomplete", slog.Int64("user_id", userID), slog.Any("error", err))
	}
	return userID, nil
}

// outstanding returns the user's current token and email, empty when none.
func (f *Flow) outstanding(ctx context.Context, userID int64) (string, string, error) {
	data, err := f.client.HGetAll(ctx, userKey(userID)).Result()
	if err != nil {
		return "", "", fmt.Errorf("verification: user mapping: %w", err)
	}
	return data["token"], data["email"], nil
}

// send dispatches the verification email and records a rate-limit event for
// the token.
func (f *Flow) send(ctx context.Context, token, email string) error {
	link := fmt.Sprintf("%s/auth/verify/%s", f.baseURL, token)
	expiry := "This link will expire in 24 hours."
	msg := mail.Message{
		To:      email,
		From:    f.from,
		Subject: "Verify Your Account",
		Text:    fmt.Sprintf("Please click the following link to verify your account: %s\n%s", link, expiry),
		HTML:    fmt.Sprintf(`<p>Please click the following link to verify your account: <a href="%s">%s</a></p><p>%s</p>`, link, link, expiry),
	}
	if err := f.mailer.Send(ctx, msg); err != nil {
		return err
	}
	if _, _, err := f.limiter.RecordAndCount(ctx, token, ResendWindow, ResendMax); err != nil {
		return err
	}
	return nil
}

// parseMapping validates a token-keyed hash; both fields must be present and
// the id must parse, otherwise the mapping counts as absent.
func parseMapping(rawID, email string) int64 {
	if rawID == "" || email == "" {
		return 0
	}
	userID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || userID <= 0 {
		return 0
	}
	return userID
}

func newToken() (string, error) {
	buf := make([]byte, tokenLength)
	max := big.NewInt(int64(len(tokenAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("verification: token entropy: %w", err)
		}
		buf[i] = tokenAlphabet[n.Int64()]
	}
	return string(buf), nil
}
