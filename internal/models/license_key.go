// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"time"
)

// LicenseKey represents a license key record in the database. The plaintext
// key is kept only until first display; all lookups use KeyHash.
type LicenseKey struct {
	ID                   string     `json:"id" db:"id"`
	KeyHash              string     `json:"-" db:"key_hash"`
	FullKey              *string    `json:"-" db:"full_key"`
	DisplayKey           string     `json:"displayKey" db:"display_key"`
	Duration             string     `json:"duration" db:"duration"`
	Status               string     `json:"status" db:"status"`
	HwidHash             *string    `json:"-" db:"hwid_hash"`
	ExpiresAt            *time.Time `json:"expiresAt,omitempty" db:"expires_at"`
	ActivatedAt          *time.Time `json:"activatedAt,omitempty" db:"activated_at"`
	LastValidatedAt      *time.Time `json:"lastValidatedAt,omitempty" db:"last_validated_at"`
	PatreonUserID        *string    `json:"patreonUserId,omitempty" db:"patreon_user_id"`
	ActivationCount      int        `json:"activationCount" db:"activation_count"`
	TemporaryFromPatreon bool       `json:"temporaryLicense" db:"temporary_from_patreon"`
	Notes                *string    `json:"notes,omitempty" db:"notes"`
	CreatedAt            time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt            time.Time  `json:"updatedAt" db:"updated_at"`
}

// LicenseStatus constants
const (
	LicenseStatusIssued  = "issued"
	LicenseStatusActive  = "active"
	LicenseStatusExpired = "expired"
	LicenseStatusRevoked = "revoked"
)

// LicenseDuration constants
const (
	DurationHour      = "1h"
	DurationDay       = "1d"
	DurationMonth     = "30d"
	DurationLifetime  = "lifetime"
	DurationTemporary = "temporary"
)

// IsExpired reports whether the key's absolute expiry has passed. Lifetime
// keys carry a null ExpiresAt and never expire.
func (lk *LicenseKey) IsExpired(now time.Time) bool {
	return lk.ExpiresAt != nil && now.After(*lk.ExpiresAt)
}

// IsBound reports whether the key has been activated on a device.
func (lk *LicenseKey) IsBound() bool {
	return lk.HwidHash != nil && *lk.HwidHash != ""
}

// SecondsLeft returns the remaining validity in whole seconds, nil for
// lifetime keys, never negative.
func (lk *LicenseKey) SecondsLeft(now time.Time) *int {
	if lk.ExpiresAt == nil {
		return nil
	}
	left := int(lk.ExpiresAt.Sub(now).Seconds())
	if left < 0 {
		left = 0
	}
	return &left
}
