package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"golang.org/x/crypto/bcrypt"

	"github.com/helix-identity/helix/internal/sessions"
	"github.com/helix-identity/helix/internal/shared"
)

// ActivityRecorder marks a user as active today. Failures are advisory.
type ActivityRecorder interface {
	RecordActive(ctx context.Context, userID int64) error
}

// Service wraps user-record business rules: cached reads, login bookkeeping
// and password maintenance.
type Service struct {
	repo     Repository
	cache    *Cache
	sessions *sessions.Store
	activity ActivityRecorder
	clock    shared.Clock
	logger   *slog.Logger
}

// NewService constructs a Service.
func NewService(repo Repository, cache *Cache, sessionStore *sessions.Store, activity ActivityRecorder, clock shared.Clock, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		cache:    cache,
		sessions: sessionStore,
		activity: activity,
		clock:    clock,
		logger:   logger,
	}
}

// GetWithCache returns the user's shadow copy, reading through to the
// relational store on a miss.
func (s *Service) GetWithCache(ctx context.Context, userID int64) (*UserRecord, error) {
	return s.cache.Get(ctx, userID)
}

// Get bypasses the cache and reads the source of truth.
func (s *Service) Get(ctx context.Context, userID int64) (*UserRecord, error) {
	return s.repo.FindByID(ctx, userID)
}

// ValidSession reports whether the session token resolves to a user.
func (s *Service) ValidSession(ctx context.Context, token string) (bool, error) {
	_, err := s.sessions.Resolve(ctx, token)
	if errors.Is(err, shared.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetBySession resolves a session token to its user and records the user as
// active today. An activity write failure never fails the lookup.
func (s *Service) GetBySession(ctx context.Context, token string) (*UserRecord, error) {
	userID, err := s.sessions.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	user, err := s.GetWithCache(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.activity.RecordActive(ctx, userID); err != nil {
		s.logger.Warn("record active failed", slog.Int64("user_id", userID), slog.Any("error", err))
	}
	return user, nil
}

// LoginUser bumps the user's login bookkeeping and creates a session. The
// record save and the session write run in parallel; neither waits on the
// other.
func (s *Service) LoginUser(ctx context.Context, user *UserRecord) (string, error) {
	user.LoginCount++
	user.LastSession = s.clock.Now()

	token, err := s.sessions.Create(ctx, user.ID)
	if err != nil {
		return "", err
	}
	if err := s.repo.Save(ctx, user); err != nil {
		return "", fmt.Errorf("users: login bookkeeping: %w", err)
	}
	return token, nil
}

// LogoutBySession destroys the session the token identifies.
func (s *Service) LogoutBySession(ctx context.Context, token string) error {
	userID, err := s.sessions.Resolve(ctx, token)
	if err != nil {
		return err
	}
	return s.sessions.Destroy(ctx, userID, token)
}

// ClearSessions invalidates every live session of the user.
func (s *Service) ClearSessions(ctx context.Context, userID int64) error {
	return s.sessions.DestroyAll(ctx, userID)
}

// UpdatePassword verifies the old password, stores the new hash and returns a
// fresh session token.
func (s *Service) UpdatePassword(ctx context.Context, userID int64, oldPassword, newPassword string) (string, error) {
	user, err := s.GetWithCache(ctx, userID)
	if err != nil {
		return "", err
	}
	if !ValidPassword(newPassword) {
		return "", shared.ErrWeakPassword
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(oldPassword)); err != nil {
		return "", shared.ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	user.PasswordHash = string(hash)
	if err := s.repo.Save(ctx, user); err != nil {
		return "", err
	}
	return s.LoginUser(ctx, user)
}

// List returns a page of users, newest first.
func (s *Service) List(ctx context.Context, offset, limit int64) ([]UserRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.repo.List(ctx, offset, limit)
}

// Count returns the total number of users.
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.repo.Count(ctx)
}

var (
	lowerRe   = regexp.MustCompile(`[a-z]`)
	upperRe   = regexp.MustCompile(`[A-Z]`)
	digitRe   = regexp.MustCompile(`[0-9]`)
	specialRe = regexp.MustCompile(`[!@#$%^&*()_+\-=\[\]{};':"\\|,.<>\/?]`)
)

// ValidPassword enforces the password policy: lower, upper, digit, special
// character and at least eight characters.
func ValidPassword(password string) bool {
	return len(password) >= 8 &&
		lowerRe.MatchString(password) &&
		upperRe.MatchString(password) &&
		digitRe.MatchString(password) &&
		specialRe.MatchString(password)
}
