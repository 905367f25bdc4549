/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/friendsincode/airwave/internal/apperr"
	"github.com/friendsincode/airwave/internal/models"
)

// API key constants
const (
	APIKeyPrefix      = "aw_"
	APIKeyRandomBytes = 24 // 192 bits
)

var (
	ErrAPIKeyNotFound = errors.New("api key not found")
	ErrAPIKeyExpired  = errors.New("api key expired")
	ErrAPIKeyRevoked  = errors.New("api key revoked")
	ErrUserSuspended  = errors.New("user account suspended")
)

// KeyStore is the persistence API key validation needs.
type KeyStore interface {
	GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error)
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
}

// GenerateAPIKey creates a new API key for a user.
// Returns the plaintext key (to show to user once) and the model to store.
func GenerateAPIKey(userID, name string, expiresIn time.Duration) (string, *models.APIKey, error) {
	randomBytes := make([]byte, APIKeyRandomBytes)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", nil, err
	}
	plaintextKey := APIKeyPrefix + hex.EncodeToString(randomBytes)

	apiKey := &models.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		KeyHash:   HashAPIKey(plaintextKey),
		KeyPrefix: plaintextKey[:11], // "aw_" + first 8 hex chars
		ExpiresAt: time.Now().Add(expiresIn),
	}
	return plaintextKey, apiKey, nil
}

// HashAPIKey is the stored form of a plaintext key.
func HashAPIKey(plaintextKey string) string {
	hash := sha256.Sum256([]byte(plaintextKey))
	return hex.EncodeToString(hash[:])
}

// ValidateAPIKey resolves a plaintext key to claims and records its use.
func ValidateAPIKey(ctx context.Context, st KeyStore, plaintextKey string) (*Claims, error) {
	apiKey, err := st.GetAPIKeyByHash(ctx, HashAPIKey(plaintextKey))
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, err
	}

	if apiKey.IsRevoked() {
		return nil, ErrAPIKeyRevoked
	}
	if apiKey.IsExpired() {
		return nil, ErrAPIKeyExpired
	}
	if apiKey.User.ID == "" {
		return nil, ErrAPIKeyNotFound
	}
	if apiKey.User.Suspended {
		return nil, ErrUserSuspended
	}

	// Best effort; a failed touch does not reject the request.
	_ = st.TouchAPIKey(ctx, apiKey.ID, time.Now())

	return &Claims{UserID: apiKey.User.ID, Email: apiKey.User.Email}, nil
}
