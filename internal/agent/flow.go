// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package agent

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/nova-desktop/novahub/internal/credstore"
	"github.com/nova-desktop/novahub/internal/hwid"
)

// Decision reasons, in the order the launch flow can produce them.
const (
	ReasonActive       = "active"
	ReasonOfflineGrace = "offline_grace"
	ReasonTampered     = "tampered"
	ReasonKeyRequired  = "key_required"
	ReasonGraceExpired = "grace_expired"
	ReasonExpired      = "expired"
	ReasonRevoked      = "revoked"
	ReasonHwidMismatch = "hwid_mismatch"
)

// Decision is the outcome of a launch attempt. State is nil on the offline
// and blocked paths that never reached the hub.
type Decision struct {
	Unlocked bool
	Reason   string
	State    *LicenseState
}

// integrityChecker is satisfied by integrity.Verifier.
type integrityChecker interface {
	Check() error
}

// licenseAPI is the slice of Client the session needs.
type licenseAPI interface {
	Activate(ctx context.Context, key, hwid string) (*LicenseState, error)
	Validate(ctx context.Context, key, hwid string) (*LicenseState, error)
}

const defaultGraceWindow = 72 * time.Hour

// Session sequences the launch-time license decision: integrity first, then
// the local credential, then online validation or the offline grace window.
// It never unlocks on an ambiguous outcome.
type Session struct {
	client   licenseAPI
	store    *credstore.Store
	hwid     hwid.Provider
	verifier integrityChecker
	grace    time.Duration

	now       func() time.Time
	retryBase time.Duration

	mu         sync.Mutex
	cancelPrev context.CancelFunc
	generation uint64
	onBlocked  func(Decision)
}

func NewSession(client *Client, store *credstore.Store, provider hwid.Provider, verifier integrityChecker, grace time.Duration) *Session {
	if grace <= 0 {
		grace = defaultGraceWindow
	}
	return &Session{
		client:    client,
		store:     store,
		hwid:      provider,
		verifier:  verifier,
		grace:     grace,
		now:       time.Now,
		retryBase: time.Minute,
	}
}

// OnBlocked registers a callback invoked when background revalidation gets a
// definitive rejection after an offline-grace unlock. The host application
// uses it to halt protected functionality.
func (s *Session) OnBlocked(fn func(Decision)) {
	s.mu.Lock()
	s.onBlocked = fn
	s.mu.Unlock()
}

// Launch runs the full decision flow. When the hub is unreachable and the
// cached credential is still inside the grace window, the session unlocks in
// a degraded state and revalidates in the background until ctx is done.
func (s *Session) Launch(ctx context.Context) Decision {
	if err := s.verifier.Check(); err != nil {
		log.Error().Err(err).Msg("Integrity check failed")
		return Decision{Reason: ReasonTampered}
	}

	cred, err := s.store.Load()
	if err != nil {
		switch {
		case errors.Is(err, credstore.ErrNotFound):
			return Decision{Reason: ReasonKeyRequired}
		case errors.Is(err, credstore.ErrTampered), errors.Is(err, credstore.ErrForeignMachine):
			log.Warn().Err(err).Msg("Discarding unusable credential store")
			if clearErr := s.store.Clear(); clearErr != nil {
				log.Error().Err(clearErr).Msg("Failed to clear credential store")
			}
			return Decision{Reason: ReasonKeyRequired}
		default:
			log.Error().Err(err).Msg("Failed to read credential store")
			return Decision{Reason: ReasonKeyRequired}
		}
	}

	state, err := s.validate(ctx, cred.Key)
	if err == nil {
		s.persistState(cred.Key, state)
		return Decision{Unlocked: true, Reason: ReasonActive, State: state}
	}

	if errors.Is(err, ErrNetworkUnavailable) {
		return s.offlineDecision(ctx, cred)
	}

	return s.blockedDecision(err)
}

// Activate performs first-time key entry. A successful activation replaces
// any previously stored credential.
func (s *Session) Activate(ctx context.Context, key string) (*LicenseState, error) {
	if err := s.verifier.Check(); err != nil {
		return nil, errors.Wrap(err, "integrity check failed")
	}

	id, err := s.hwid.HWID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read hardware id")
	}

	state, err := s.client.Activate(ctx, key, id)
	if err != nil {
		return nil, err
	}

	s.persistState(key, state)
	return state, nil
}

// Cached returns the stored credential without contacting the hub.
func (s *Session) Cached() (*credstore.Credential, error) {
	return s.store.Load()
}

// validate sends a validation request, cancelling any previous in-flight one.
// Only the most recent request's result is acted on.
func (s *Session) validate(ctx context.Context, key string) (*LicenseState, error) {
	s.mu.Lock()
	if s.cancelPrev != nil {
		s.cancelPrev()
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancelPrev = cancel
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	defer cancel()

	id, err := s.hwid.HWID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read hardware id")
	}

	state, err := s.client.Validate(ctx, key, id)

	s.mu.Lock()
	superseded := gen != s.generation
	s.mu.Unlock()
	if superseded {
		return nil, context.Canceled
	}
	return state, err
}

func (s *Session) offlineDecision(ctx context.Context, cred *credstore.Credential) Decision {
	now := s.now()

	if cred.ExpiresAt != nil && now.After(*cred.ExpiresAt) {
		return Decision{Reason: ReasonExpired}
	}
	if cred.LastValidatedAt.IsZero() || now.Sub(cred.LastValidatedAt) > s.grace {
		log.Warn().
			Time("last_validated_at", cred.LastValidatedAt).
			Dur("grace", s.grace).
			Msg("Offline grace window exhausted")
		return Decision{Reason: ReasonGraceExpired}
	}

	log.Info().
		Time("last_validated_at", cred.LastValidatedAt).
		Msg("License server unreachable, running on offline grace")

	go s.revalidateLoop(ctx, cred.Key)

	return Decision{Unlocked: true, Reason: ReasonOfflineGrace}
}

func (s *Session) blockedDecision(err error) Decision {
	reason := ReasonKeyRequired
	switch {
	case errors.Is(err, ErrExpired):
		reason = ReasonExpired
	case errors.Is(err, ErrRevoked):
		reason = ReasonRevoked
	case errors.Is(err, ErrHwidMismatch):
		reason = ReasonHwidMismatch
	case errors.Is(err, ErrKeyNotFound), errors.Is(err, ErrNotActivated):
		// Stale credential, make the user enter a key again
		if clearErr := s.store.Clear(); clearErr != nil {
			log.Error().Err(clearErr).Msg("Failed to clear credential store")
		}
	}

	log.Warn().Err(err).Str("reason", reason).Msg("License validation blocked launch")
	return Decision{Reason: reason}
}

// revalidateLoop retries validation with exponential backoff until it gets
// a definitive answer from the hub or ctx is cancelled. A rejection revokes
// the offline-grace unlock: the credential is cleared and the registered
// OnBlocked callback fires.
func (s *Session) revalidateLoop(ctx context.Context, key string) {
	backoff := s.retryBase
	maxBackoff := 15 * backoff

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		state, err := s.validate(ctx, key)
		if err == nil {
			s.persistState(key, state)
			log.Info().Msg("Background revalidation succeeded")
			return
		}
		if !errors.Is(err, ErrNetworkUnavailable) && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("Background revalidation got a definitive rejection")
			d := s.blockedDecision(err)
			if errors.Is(err, ErrRevoked) || errors.Is(err, ErrHwidMismatch) {
				if clearErr := s.store.Clear(); clearErr != nil {
					log.Error().Err(clearErr).Msg("Failed to clear credential store")
				}
			}
			s.notifyBlocked(d)
			return
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Session) notifyBlocked(d Decision) {
	s.mu.Lock()
	fn := s.onBlocked
	s.mu.Unlock()
	if fn != nil {
		fn(d)
	}
}

func (s *Session) persistState(key string, state *LicenseState) {
	cred := &credstore.Credential{
		Key:             key,
		Status:          state.Status,
		ExpiresAt:       state.ExpiresAt,
		LastValidatedAt: s.now(),
	}
	if err := s.store.Save(cred); err != nil {
		log.Error().Err(err).Msg("Failed to persist credential")
	}
}
