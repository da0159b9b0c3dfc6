// Package auth owns user credentials and session tokens: registration,
// local login, external-identity login, and JWT issue/verify.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"outlay/internal/core"
)

// UserStore is the slice of the repository the auth service needs.
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) (core.User, error)
	UserByUsername(ctx context.Context, username string) (core.User, error)
	UserByID(ctx context.Context, id int64) (core.User, error)
	UpsertExternalUser(ctx context.Context, externalID, email string) (core.User, error)
	UpdateUserPassword(ctx context.Context, id int64, passwordHash string) error
}

type Service struct {
	store  UserStore
	tokens *TokenManager
}

func NewService(store UserStore, tokens *TokenManager) *Service {
	return &Service{store: store, tokens: tokens}
}

// Register creates a user and returns it with a fresh session token.
// Only a bcrypt hash of the credential is ever stored.
func (s *Service) Register(ctx context.Context, username, password string) (core.User, string, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return core.User{}, "", fmt.Errorf("%w: username and password are required", core.ErrValidation)
	}

	hash, err := hashPassword(password)
	if err != nil {
		return core.User{}, "", err
	}

	user, err := s.store.CreateUser(ctx, username, hash)
	if err != nil {
		return core.User{}, "", err
	}

	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		return core.User{}, "", err
	}

	slog.InfoContext(ctx, "User registered", "user_id", user.ID, "username", username)
	return user, token, nil
}

// Login verifies the credential and mints a token. Absent users,
// wrong passwords, and external-identity-only accounts all fail the
// same way so nothing about the account leaks.
func (s *Service) Login(ctx context.Context, username, password string) (core.User, string, error) {
	user, err := s.store.UserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			checkPassword(dummyHash, password)
			return core.User{}, "", core.ErrInvalidCredentials
		}
		return core.User{}, "", err
	}

	if !user.CanLoginLocally() || !checkPassword(user.PasswordHash, password) {
		return core.User{}, "", core.ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		return core.User{}, "", err
	}
	return user, token, nil
}

// LoginExternal resolves an identity-provider callback to a local
// user, creating one on first login, and mints the same session token
// local login does.
func (s *Service) LoginExternal(ctx context.Context, externalID, email string) (core.User, string, error) {
	if externalID == "" {
		return core.User{}, "", fmt.Errorf("%w: empty external identity", core.ErrValidation)
	}

	user, err := s.store.UpsertExternalUser(ctx, externalID, email)
	if err != nil {
		return core.User{}, "", err
	}

	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		return core.User{}, "", err
	}

	slog.InfoContext(ctx, "External identity login", "user_id", user.ID, "external_id", externalID)
	return user, token, nil
}

// ChangePassword re-hashes and stores a new credential.
func (s *Service) ChangePassword(ctx context.Context, userID int64, newPassword string) error {
	if newPassword == "" {
		return fmt.Errorf("%w: password is required", core.ErrValidation)
	}
	hash, err := hashPassword(newPassword)
	if err != nil {
		return err
	}
	return s.store.UpdateUserPassword(ctx, userID, hash)
}

// VerifyToken exposes token verification to the HTTP middleware.
func (s *Service) VerifyToken(token string) (int64, error) {
	return s.tokens.Verify(token)
}

// UserByID loads preferences for an authenticated user id.
func (s *Service) UserByID(ctx context.Context, id int64) (core.User, error) {
	return s.store.UserByID(ctx, id)
}
