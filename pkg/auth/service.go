package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/platinummonkey/clef/pkg/apierrors"
	"github.com/platinummonkey/clef/pkg/observability"
	"github.com/platinummonkey/clef/pkg/storage/db"
)

// Principal is an authenticated user attached to a request context.
type Principal struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Token    string `json:"-"`
}

// Service implements login, registration and token validation on top of
// the relational store.
type Service struct {
	store     *db.Store
	generator *TokenGenerator
	logger    *observability.Logger
}

// NewService creates the auth service.
func NewService(store *db.Store, logger *observability.Logger) *Service {
	return &Service{
		store:     store,
		generator: NewTokenGenerator(),
		logger:    logger,
	}
}

// LoginResult is the outcome of a login or registration.
type LoginResult struct {
	User  *db.User
	Token string
}

// LoginOrRegister implements the npm adduser flow: an existing username is
// authenticated against its password, an unknown one is registered on the
// fly. Both paths end with a fresh token.
func (s *Service) LoginOrRegister(ctx context.Context, username, password, email string) (*LoginResult, error) {
	if username == "" || password == "" {
		return nil, apierrors.BadRequest("username and password are required")
	}

	user, err := s.store.GetUserByUsername(ctx, username)
	switch {
	case err == nil:
		if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
			return nil, apierrors.Unauthorized("invalid username or password")
		}
	case errors.Is(err, db.ErrNotFound):
		user, err = s.register(ctx, username, password, email)
		if err != nil {
			return nil, err
		}
	default:
		return nil, apierrors.Database(err, "failed to look up user %s", username)
	}

	token, err := s.issueToken(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	s.logger.WithField("username", username).Info("user logged in")
	return &LoginResult{User: user, Token: token}, nil
}

func (s *Service) register(ctx context.Context, username, password, email string) (*db.User, error) {
	if email == "" {
		// npm does not always send an email on adduser.
		email = fmt.Sprintf("%s@example.com", username)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apierrors.Internal(err, "failed to hash password")
	}

	user, err := s.store.CreateUser(ctx, username, email, string(hash))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, apierrors.BadRequest("username or email already taken")
		}
		return nil, apierrors.Database(err, "failed to create user %s", username)
	}

	s.logger.WithField("username", username).Info("user registered")
	return user, nil
}

func (s *Service) issueToken(ctx context.Context, userID int64) (string, error) {
	token, err := s.generator.GenerateToken()
	if err != nil {
		return "", apierrors.Internal(err, "failed to generate token")
	}
	if _, err := s.store.InsertToken(ctx, userID, token, db.TokenTypeAuth, nil); err != nil {
		return "", apierrors.Database(err, "failed to store token")
	}
	return token, nil
}

// Validate resolves a bearer token to a principal. Unknown, revoked,
// expired and malformed tokens all fail with unauthorized.
func (s *Service) Validate(ctx context.Context, token string) (*Principal, error) {
	if err := s.generator.ValidateTokenFormat(token); err != nil {
		return nil, apierrors.Unauthorized("invalid token")
	}

	record, err := s.store.GetActiveToken(ctx, token)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apierrors.Unauthorized("invalid token")
		}
		return nil, apierrors.Database(err, "failed to look up token")
	}

	user, err := s.store.GetUserByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apierrors.Unauthorized("invalid token")
		}
		return nil, apierrors.Database(err, "failed to look up token user")
	}

	return &Principal{
		UserID:   user.ID,
		Username: user.Username,
		Token:    token,
	}, nil
}

// Revoke deactivates a token (npm logout). Revoking an unknown token is
// reported as not-found.
func (s *Service) Revoke(ctx context.Context, token string) error {
	err := s.store.RevokeToken(ctx, token)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return apierrors.NotFound("token not found")
		}
		return apierrors.Database(err, "failed to revoke token")
	}

	s.logger.WithField("token_prefix", s.generator.ExtractPrefix(token)).Info("token revoked")
	return nil
}
