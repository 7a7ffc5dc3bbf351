package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/helix-identity/helix/internal/shared"
	"github.com/helix-identity/helix/internal/users"
	"github.com/helix-identity/helix/internal/verification"
)

// Service wraps signup, login and verification business rules for both auth
// methods. Conflicts between the two methods surface as shared.ConflictError
// carrying a merge key.
type Service struct {
	repo     users.Repository
	userSvc  *users.Service
	merge    *MergeCoordinator
	flow     *verification.Flow
	validate *validator.Validate
	logger   *slog.Logger
}

// NewService constructs a Service.
func NewService(repo users.Repository, userSvc *users.Service, merge *MergeCoordinator, flow *verification.Flow, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		userSvc:  userSvc,
		merge:    merge,
		flow:     flow,
		validate: validator.New(),
		logger:   logger,
	}
}

// Signup registers a password account. If the email already belongs to a
// federated-only account, the hashed password is parked in a merge record and
// a ConflictError is returned so the caller can drive the merge flow.
// On success the new user gets a verification email and is logged in.
func (s *Service) Signup(ctx context.Context, email, password, name string) (string, error) {
	if err := s.validate.Var(email, "required,email"); err != nil {
		return "", shared.ErrInvalidEmail
	}

	existing, err := s.repo.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return "", err
	}
	if existing != nil {
		if existing.HasMethod(users.MethodPassword) {
			return "", shared.ErrUserExists
		}
		if existing.HasMethod(users.MethodFederated) {
			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return "", err
			}
			key, err := s.merge.OpenConflict(ctx, users.MethodPassword, MergePayload{
				UserID:       existing.ID,
				PasswordHash: string(hash),
			})
			if err != nil {
				return "", err
			}
			return "", &shared.ConflictError{MergeKey: key, Method: users.MethodPassword}
		}
	}

	if !users.ValidPassword(password) {
		return "", shared.ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	user, err := s.repo.Create(ctx, &users.UserRecord{
		Email:        email,
		PasswordHash: string(hash),
		Name:         name,
		AuthMethods:  []string{users.MethodPassword},
	})
	if err != nil {
		return "", err
	}

	if _, err := s.flow.Issue(ctx, user.ID, email); err != nil {
		return "", fmt.Errorf("auth: issue verification: %w", err)
	}
	return s.userSvc.LoginUser(ctx, user)
}

// Login authenticates a password account.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return "", shared.ErrInvalidCredentials
		}
		return "", err
	}
	if !user.HasMethod(users.MethodPassword) {
		return "", shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", shared.ErrInvalidCredentials
	}
	return s.userSvc.LoginUser(ctx, user)
}

// FederatedLogin handles a verified federated identity. A matching federated
// account logs straight in; an email held by a password-only account parks
// the profile in a merge record and returns a ConflictError; an unknown email
// creates a pre-verified federated account.
func (s *Service) FederatedLogin(ctx context.Context, profile FederatedProfile) (string, error) {
	existing, err := s.repo.FindByEmail(ctx, profile.Email)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return "", err
	}
	if existing != nil {
		if existing.HasMethod(users.MethodFederated) {
			return s.userSvc.LoginUser(ctx, existing)
		}
		key, err := s.merge.OpenConflict(ctx, users.MethodFederated, MergePayload{
			UserID:  existing.ID,
			Profile: &profile,
		})
		if err != nil {
			return "", err
		}
		return "", &shared.ConflictError{MergeKey: key, Method: users.MethodFederated}
	}

	user, err := s.repo.Create(ctx, &users.UserRecord{
		Email:       profile.Email,
		Name:        profile.DisplayName(),
		AuthMethods: []string{users.MethodFederated},
		IsVerified:  true,
	})
	if err != nil {
		return "", err
	}
	return s.userSvc.LoginUser(ctx, user)
}

// Verify consumes a verification token and logs the now-verified user in.
func (s *Service) Verify(ctx context.Context, token string) (string, error) {
	userID, err := s.flow.Consume(ctx, token)
	if err != nil {
		return "", err
	}
	// Read the source of truth: the cached shadow predates the verify write.
	user, err := s.userSvc.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	return s.userSvc.LoginUser(ctx, user)
}

// CanResendVerification reports whether the resend cap allows another send.
func (s *Service) CanResendVerification(ctx context.Context, userID int64) (bool, error) {
	return s.flow.CanResend(ctx, userID)
}

// ResendVerification re-sends the user's verification email, gated on the
// resend cap. The gate and the send are separate steps; concurrent calls can
// overshoot the cap slightly.
func (s *Service) ResendVerification(ctx context.Context, userID int64) error {
	ok, err := s.flow.CanResend(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return shared.ErrRateLimited
	}
	return s.flow.Resend(ctx, userID)
}

// ResolveMerge completes a pending account merge.
func (s *Service) ResolveMerge(ctx context.Context, mergeKey, method string) (*users.UserRecord, error) {
	return s.merge.Resolve(ctx, mergeKey, method)
}

// Logout destroys the session the token identifies.
func (s *Service) Logout(ctx context.Context, sessionToken string) error {
	return s.userSvc.LogoutBySession(ctx, sessionToken)
}
