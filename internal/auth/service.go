// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gorilla/sessions"
	"github.com/rs/zerolog/log"

	"github.com/nova-desktop/novahub/internal/models"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotSetup           = errors.New("initial setup required")
)

// Service authenticates the hub administrator, by session cookie for the
// dashboard and by API key for automation.
type Service struct {
	store       *sessions.CookieStore
	userStore   *models.UserStore
	apiKeyStore *models.APIKeyStore
}

func NewService(db *sql.DB, sessionSecret string) *Service {
	return &Service{
		store:       sessions.NewCookieStore([]byte(sessionSecret)),
		userStore:   models.NewUserStore(db),
		apiKeyStore: models.NewAPIKeyStore(db),
	}
}

func (s *Service) GetSessionStore() *sessions.CookieStore {
	return s.store
}

// IsSetupComplete reports whether the admin account has been created.
func (s *Service) IsSetupComplete(ctx context.Context) (bool, error) {
	return s.userStore.Exists(ctx)
}

// SetupUser creates the single admin account.
func (s *Service) SetupUser(ctx context.Context, username, password string) (*models.User, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := s.userStore.Create(ctx, username, hash)
	if err != nil {
		return nil, err
	}

	log.Info().Str("username", username).Msg("Admin account created")
	return user, nil
}

// Login verifies the admin credentials.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, error) {
	exists, err := s.userStore.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotSetup
	}

	user, err := s.userStore.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to verify password: %w", err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	return user, nil
}

// ChangePassword rotates the admin password after verifying the old one.
func (s *Service) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	user, err := s.userStore.Get(ctx)
	if err != nil {
		return err
	}

	ok, err := VerifyPassword(oldPassword, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("failed to verify password: %w", err)
	}
	if !ok {
		return ErrInvalidCredentials
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	return s.userStore.UpdatePassword(ctx, hash)
}

// API key management

func (s *Service) CreateAPIKey(ctx context.Context, name string) (string, *models.APIKey, error) {
	return s.apiKeyStore.Create(ctx, name)
}

func (s *Service) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	return s.apiKeyStore.List(ctx)
}

func (s *Service) DeleteAPIKey(ctx context.Context, id int) error {
	return s.apiKeyStore.Delete(ctx, id)
}

func (s *Service) ValidateAPIKey(ctx context.Context, rawKey string) (*models.APIKey, error) {
	return s.apiKeyStore.ValidateAPIKey(ctx, rawKey)
}
