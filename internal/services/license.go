// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/rs/zerolog/log"

	"github.com/nova-desktop/novahub/internal/database"
	"github.com/nova-desktop/novahub/internal/keys"
	"github.com/nova-desktop/novahub/internal/models"
)

var (
	ErrKeyNotFound         = errors.New("license key not found")
	ErrAlreadyActivated    = errors.New("license key already activated on another device")
	ErrHwidMismatch        = errors.New("hardware id does not match the activated device")
	ErrExpired             = errors.New("license key expired")
	ErrRevoked             = errors.New("license key revoked")
	ErrNotActivated        = errors.New("license key not activated")
	ErrUnsupportedDuration = errors.New("unsupported license duration")
	ErrKeyRevealed         = errors.New("license key plaintext already cleared")
)

const (
	validationCacheTTL = 30 * time.Second
	lockStripes        = 64
)

// EventRecorder receives lifecycle events for metrics. Implementations must
// be safe for concurrent use.
type EventRecorder interface {
	RecordActivation(outcome string)
	RecordValidation(outcome string)
}

// LicenseResult is the outcome of an Activate or Validate call.
type LicenseResult struct {
	Status      string     `json:"status"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	SecondsLeft *int       `json:"secondsLeft,omitempty"`
}

// LicenseService implements the license key lifecycle: issuance, device
// binding, validation, extension, revocation. All mutating operations run in
// a transaction and serialize per key through striped locks, so two
// concurrent activations of the same key can never both bind.
type LicenseService struct {
	db           *database.DB
	keyPepper    string
	hwidPepper   string
	tempDuration time.Duration
	cache        *ristretto.Cache
	locks        [lockStripes]sync.Mutex
	recorder     EventRecorder
	now          func() time.Time
}

// NewLicenseService creates a license service. recorder may be nil.
func NewLicenseService(db *database.DB, keyPepper, hwidPepper string, tempDuration time.Duration, recorder EventRecorder) (*LicenseService, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create validation cache: %w", err)
	}

	return &LicenseService{
		db:           db,
		keyPepper:    keyPepper,
		hwidPepper:   hwidPepper,
		tempDuration: tempDuration,
		cache:        cache,
		recorder:     recorder,
		now:          time.Now,
	}, nil
}

// parseDuration maps a duration label to the expiry offset. lifetime returns
// (0, false): no expiry.
func (s *LicenseService) parseDuration(duration string) (time.Duration, bool, error) {
	switch duration {
	case models.DurationHour:
		return time.Hour, true, nil
	case models.DurationDay:
		return 24 * time.Hour, true, nil
	case models.DurationMonth:
		return 30 * 24 * time.Hour, true, nil
	case models.DurationTemporary:
		return s.tempDuration, true, nil
	case models.DurationLifetime:
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("%w: %s", ErrUnsupportedDuration, duration)
	}
}

// Generate creates a new license key and returns the record together with the
// plaintext key. The plaintext is only ever derivable from this return value
// and the stored full_key until Reveal clears it.
func (s *LicenseService) Generate(ctx context.Context, duration string, notes, patreonUserID *string) (*models.LicenseKey, string, error) {
	if _, _, err := s.parseDuration(duration); err != nil {
		return nil, "", err
	}

	fullKey, err := keys.Generate()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate key: %w", err)
	}

	lk := &models.LicenseKey{
		ID:                   uuid.New().String(),
		KeyHash:              keys.Hash(fullKey, s.keyPepper),
		FullKey:              &fullKey,
		DisplayKey:           keys.Mask(fullKey),
		Duration:             duration,
		Status:               models.LicenseStatusIssued,
		TemporaryFromPatreon: duration == models.DurationTemporary,
		PatreonUserID:        patreonUserID,
		Notes:                notes,
	}

	query := `
		INSERT INTO license_keys (id, key_hash, full_key, display_key, duration, status,
		                          patreon_user_id, temporary_from_patreon, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING created_at, updated_at
	`

	err = s.db.Conn().QueryRowContext(ctx, query,
		lk.ID, lk.KeyHash, lk.FullKey, lk.DisplayKey, lk.Duration, lk.Status,
		lk.PatreonUserID, lk.TemporaryFromPatreon, lk.Notes,
	).Scan(&lk.CreatedAt, &lk.UpdatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("failed to store license key: %w", err)
	}

	log.Info().
		Str("keyId", lk.ID).
		Str("key", lk.DisplayKey).
		Str("duration", duration).
		Msg("Generated license key")

	return lk, fullKey, nil
}

// Activate binds a key to a device. Re-activating with the hardware id the
// key is already bound to succeeds without touching the activation counter;
// any other hardware id is rejected and never overwrites the binding.
func (s *LicenseService) Activate(ctx context.Context, fullKey, hwid string) (*LicenseResult, error) {
	keyHash := keys.Hash(keys.Normalize(fullKey), s.keyPepper)
	hwidHash := keys.HashHWID(hwid, s.hwidPepper)

	result, err := s.activate(ctx, keyHash, hwidHash)
	s.record(s.recorderActivation, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *LicenseService) activate(ctx context.Context, keyHash, hwidHash string) (*LicenseResult, error) {
	lock := s.lockFor(keyHash)
	lock.Lock()
	defer lock.Unlock()
	defer s.cache.Del(cacheKey(keyHash, hwidHash))

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lk, err := getByKeyHash(ctx, tx, keyHash)
	if err != nil {
		return nil, err
	}

	now := s.now()

	switch lk.Status {
	case models.LicenseStatusRevoked:
		return nil, ErrRevoked

	case models.LicenseStatusExpired:
		return nil, ErrExpired

	case models.LicenseStatusActive:
		if !lk.IsBound() || !keys.Equal(*lk.HwidHash, hwidHash) {
			return nil, ErrAlreadyActivated
		}
		if lk.IsExpired(now) {
			if err := markExpired(ctx, tx, lk.ID); err != nil {
				return nil, err
			}
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("failed to commit: %w", err)
			}
			return nil, ErrExpired
		}
		// Same device re-activating: idempotent success
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		return s.result(lk.Status, lk.ExpiresAt, now), nil

	case models.LicenseStatusIssued:
		if lk.IsBound() {
			// Never rebind a key that carries a binding, whatever its status says
			if !keys.Equal(*lk.HwidHash, hwidHash) {
				return nil, ErrAlreadyActivated
			}
		}

		offset, hasExpiry, err := s.parseDuration(lk.Duration)
		if err != nil {
			return nil, err
		}
		var expiresAt *time.Time
		if hasExpiry {
			t := now.Add(offset)
			expiresAt = &t
		}

		query := `
			UPDATE license_keys
			SET hwid_hash = ?, status = ?, activated_at = ?, expires_at = ?,
			    last_validated_at = ?, activation_count = activation_count + 1,
			    updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`
		if _, err := tx.ExecContext(ctx, query,
			hwidHash, models.LicenseStatusActive, now, expiresAt, now, lk.ID,
		); err != nil {
			return nil, fmt.Errorf("failed to activate key: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}

		log.Info().
			Str("keyId", lk.ID).
			Str("key", lk.DisplayKey).
			Msg("License key activated")

		return s.result(models.LicenseStatusActive, expiresAt, now), nil

	default:
		return nil, fmt.Errorf("license key %s has unknown status %q", lk.ID, lk.Status)
	}
}

// Validate checks a key against the device it claims to run on. Successful
// outcomes are cached briefly to absorb client retry storms; every mutating
// operation invalidates the cache entry for its key.
func (s *LicenseService) Validate(ctx context.Context, fullKey, hwid string) (*LicenseResult, error) {
	keyHash := keys.Hash(keys.Normalize(fullKey), s.keyPepper)
	hwidHash := keys.HashHWID(hwid, s.hwidPepper)

	if cached, found := s.cache.Get(cacheKey(keyHash, hwidHash)); found {
		if result, ok := cached.(*LicenseResult); ok {
			s.record(s.recorderValidation, nil)
			return result, nil
		}
	}

	result, err := s.validate(ctx, keyHash, hwidHash)
	s.record(s.recorderValidation, err)
	if err != nil {
		return nil, err
	}

	if ttl := cacheTTL(result.ExpiresAt, s.now()); ttl > 0 {
		s.cache.SetWithTTL(cacheKey(keyHash, hwidHash), result, 1, ttl)
	}
	return result, nil
}

func (s *LicenseService) validate(ctx context.Context, keyHash, hwidHash string) (*LicenseResult, error) {
	lock := s.lockFor(keyHash)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lk, err := getByKeyHash(ctx, tx, keyHash)
	if err != nil {
		return nil, err
	}

	now := s.now()

	switch lk.Status {
	case models.LicenseStatusRevoked:
		return nil, ErrRevoked
	case models.LicenseStatusExpired:
		return nil, ErrExpired
	case models.LicenseStatusIssued:
		return nil, ErrNotActivated
	}

	if !lk.IsBound() || !keys.Equal(*lk.HwidHash, hwidHash) {
		return nil, ErrHwidMismatch
	}

	if lk.IsExpired(now) {
		if err := markExpired(ctx, tx, lk.ID); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		return nil, ErrExpired
	}

	query := `
		UPDATE license_keys
		SET last_validated_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	if _, err := tx.ExecContext(ctx, query, now, lk.ID); err != nil {
		return nil, fmt.Errorf("failed to update validation time: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return s.result(lk.Status, lk.ExpiresAt, now), nil
}

// Extend pushes a key's expiry out by the given duration, measured from its
// current expiry or from now, whichever is later. An expired or revoked key
// comes back to life: active when bound, issued when not. Lifetime keys are
// left untouched.
func (s *LicenseService) Extend(ctx context.Context, id, additional string) (*models.LicenseKey, error) {
	lk, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if lk.Duration == models.DurationLifetime {
		return lk, nil
	}

	now := s.now()

	var newExpiry *time.Time
	newDuration := lk.Duration
	if additional == models.DurationLifetime {
		newDuration = models.DurationLifetime
	} else {
		offset, _, err := s.parseDuration(additional)
		if err != nil {
			return nil, err
		}
		base := now
		if lk.ExpiresAt != nil && lk.ExpiresAt.After(now) {
			base = *lk.ExpiresAt
		}
		t := base.Add(offset)
		newExpiry = &t
	}

	newStatus := models.LicenseStatusIssued
	if lk.IsBound() {
		newStatus = models.LicenseStatusActive
	}

	return s.adminUpdate(ctx, id, `
		UPDATE license_keys
		SET expires_at = ?, duration = ?, status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, newExpiry, newDuration, newStatus, id)
}

// Revoke puts a key in the revoked state. Clients fail validation with a
// terminal error until an admin reactivates the key.
func (s *LicenseService) Revoke(ctx context.Context, id string) (*models.LicenseKey, error) {
	return s.adminUpdate(ctx, id, `
		UPDATE license_keys
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, models.LicenseStatusRevoked, id)
}

// Reactivate is the administrative override that returns a revoked key to
// circulation. The binding is cleared so the key can be activated on any
// device again.
func (s *LicenseService) Reactivate(ctx context.Context, id string) (*models.LicenseKey, error) {
	return s.adminUpdate(ctx, id, `
		UPDATE license_keys
		SET status = ?, hwid_hash = NULL, activated_at = NULL, expires_at = NULL,
		    last_validated_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, models.LicenseStatusIssued, id)
}

// Delete removes a key record entirely.
func (s *LicenseService) Delete(ctx context.Context, id string) error {
	lk, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}

	lock := s.lockFor(lk.KeyHash)
	lock.Lock()
	defer lock.Unlock()
	defer s.invalidate(lk.KeyHash, lk.HwidHash)

	result, err := s.db.Conn().ExecContext(ctx, "DELETE FROM license_keys WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrKeyNotFound
	}

	log.Info().Str("keyId", id).Str("key", lk.DisplayKey).Msg("License key deleted")
	return nil
}

// Reveal returns the plaintext key and clears it from the database. Each key
// can be revealed at most once; afterwards only the masked form remains.
func (s *LicenseService) Reveal(ctx context.Context, id string) (string, error) {
	lk, err := s.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if lk.FullKey == nil {
		return "", ErrKeyRevealed
	}

	query := `
		UPDATE license_keys
		SET full_key = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	if _, err := s.db.Conn().ExecContext(ctx, query, id); err != nil {
		return "", fmt.Errorf("failed to clear key plaintext: %w", err)
	}

	return *lk.FullKey, nil
}

// GetByID retrieves a key record by its id.
func (s *LicenseService) GetByID(ctx context.Context, id string) (*models.LicenseKey, error) {
	lk := &models.LicenseKey{}
	err := scanLicenseKey(s.db.Conn().QueryRowContext(ctx, selectColumns+" WHERE id = ?", id), lk)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return lk, nil
}

// List returns key records, newest first.
func (s *LicenseService) List(ctx context.Context, limit int) ([]*models.LicenseKey, error) {
	query := selectColumns + " ORDER BY created_at DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.LicenseKey
	for rows.Next() {
		lk := &models.LicenseKey{}
		if err := scanLicenseKey(rows, lk); err != nil {
			return nil, err
		}
		result = append(result, lk)
	}
	return result, rows.Err()
}

// Search fuzzy-matches the query against display key, notes, status and
// patreon user id.
func (s *LicenseService) Search(ctx context.Context, query string) ([]*models.LicenseKey, error) {
	all, err := s.List(ctx, 0)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return all, nil
	}

	var matched []*models.LicenseKey
	for _, lk := range all {
		haystack := lk.DisplayKey + " " + lk.Status
		if lk.Notes != nil {
			haystack += " " + *lk.Notes
		}
		if lk.PatreonUserID != nil {
			haystack += " " + *lk.PatreonUserID
		}
		if fuzzy.MatchNormalizedFold(query, haystack) {
			matched = append(matched, lk)
		}
	}
	return matched, nil
}

// CountByStatus returns the number of keys per status, for metrics.
func (s *LicenseService) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.Conn().QueryContext(ctx, "SELECT status, COUNT(*) FROM license_keys GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (s *LicenseService) adminUpdate(ctx context.Context, id, query string, args ...any) (*models.LicenseKey, error) {
	lk, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	lock := s.lockFor(lk.KeyHash)
	lock.Lock()
	defer lock.Unlock()
	defer s.invalidate(lk.KeyHash, lk.HwidHash)

	if _, err := s.db.Conn().ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("failed to update key: %w", err)
	}

	return s.GetByID(ctx, id)
}

func (s *LicenseService) result(status string, expiresAt *time.Time, now time.Time) *LicenseResult {
	lk := models.LicenseKey{ExpiresAt: expiresAt}
	return &LicenseResult{
		Status:      status,
		ExpiresAt:   expiresAt,
		SecondsLeft: lk.SecondsLeft(now),
	}
}

func (s *LicenseService) lockFor(keyHash string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(keyHash))
	return &s.locks[h.Sum32()%lockStripes]
}

func (s *LicenseService) invalidate(keyHash string, hwidHash *string) {
	if hwidHash != nil {
		s.cache.Del(cacheKey(keyHash, *hwidHash))
	}
}

type recorderFunc func(outcome string)

func (s *LicenseService) recorderActivation(outcome string) {
	if s.recorder != nil {
		s.recorder.RecordActivation(outcome)
	}
}

func (s *LicenseService) recorderValidation(outcome string) {
	if s.recorder != nil {
		s.recorder.RecordValidation(outcome)
	}
}

func (s *LicenseService) record(fn recorderFunc, err error) {
	switch {
	case err == nil:
		fn("success")
	case errors.Is(err, ErrKeyNotFound):
		fn("not_found")
	case errors.Is(err, ErrAlreadyActivated):
		fn("already_activated")
	case errors.Is(err, ErrHwidMismatch):
		fn("hwid_mismatch")
	case errors.Is(err, ErrExpired):
		fn("expired")
	case errors.Is(err, ErrRevoked):
		fn("revoked")
	case errors.Is(err, ErrNotActivated):
		fn("not_activated")
	default:
		fn("error")
	}
}

func cacheKey(keyHash, hwidHash string) string {
	return keyHash + ":" + hwidHash
}

// cacheTTL caps the validation cache lifetime at the key's remaining time, so
// a cached active result never outlives expires_at. Zero means do not cache.
func cacheTTL(expiresAt *time.Time, now time.Time) time.Duration {
	if expiresAt == nil {
		return validationCacheTTL
	}
	remaining := expiresAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	if remaining < validationCacheTTL {
		return remaining
	}
	return validationCacheTTL
}

const selectColumns = `
	SELECT id, key_hash, full_key, display_key, duration, status, hwid_hash,
	       expires_at, activated_at, last_validated_at, patreon_user_id,
	       activation_count, temporary_from_patreon, notes, created_at, updated_at
	FROM license_keys
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicenseKey(row rowScanner, lk *models.LicenseKey) error {
	return row.Scan(
		&lk.ID,
		&lk.KeyHash,
		&lk.FullKey,
		&lk.DisplayKey,
		&lk.Duration,
		&lk.Status,
		&lk.HwidHash,
		&lk.ExpiresAt,
		&lk.ActivatedAt,
		&lk.LastValidatedAt,
		&lk.PatreonUserID,
		&lk.ActivationCount,
		&lk.TemporaryFromPatreon,
		&lk.Notes,
		&lk.CreatedAt,
		&lk.UpdatedAt,
	)
}

func getByKeyHash(ctx context.Context, tx *sql.Tx, keyHash string) (*models.LicenseKey, error) {
	lk := &models.LicenseKey{}
	err := scanLicenseKey(tx.QueryRowContext(ctx, selectColumns+" WHERE key_hash = ?", keyHash), lk)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return lk, nil
}

func markExpired(ctx context.Context, tx *sql.Tx, id string) error {
	query := `
		UPDATE license_keys
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	if _, err := tx.ExecContext(ctx, query, models.LicenseStatusExpired, id); err != nil {
		return fmt.Errorf("failed to mark key expired: %w", err)
	}
	log.Debug().Str("keyId", id).Msg("License key expired")
	return nil
}
