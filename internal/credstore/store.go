// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package credstore persists the license credential as an encrypted and
// signed blob, bound to the machine it was written on. The store is
// single-writer per installation; atomicity comes from write-to-temp-then-
// rename, never from locking.
package credstore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/scrypt"
)

var (
	// ErrNotFound means no credential has been stored yet.
	ErrNotFound = errors.New("no stored credential")
	// ErrTampered means the blob failed its integrity check. Fail closed.
	ErrTampered = errors.New("credential store tampered")
	// ErrForeignMachine means the blob is authentic but was written on a
	// different device.
	ErrForeignMachine = errors.New("credential bound to another machine")
)

// Credential is the locally cached license state. LastValidatedAt anchors
// the offline grace window.
type Credential struct {
	Key             string     `json:"key"`
	Status          string     `json:"status"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	LastValidatedAt time.Time  `json:"last_validated_at"`
	SavedAt         time.Time  `json:"saved_at"`
}

// Blob layout: magic | version | salt | nonce | ciphertext | tag.
// The tag is an HMAC over everything before it.
var magic = []byte("NVC")

const (
	formatVersion = 1
	saltSize      = 16
	nonceSize     = 12
	tagSize       = sha256.Size
	headerSize    = 4 // magic + version byte

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// Store reads and writes the credential blob. The installation secret is a
// build-time constant shared by all installs; binding to one machine comes
// from mixing the hardware id into the encryption key. The signing key is
// derived from the secret alone, so a blob copied between machines still
// authenticates and can be told apart from a modified one.
type Store struct {
	path   string
	secret []byte
	hwid   string
}

func NewStore(path string, installationSecret []byte, hwid string) *Store {
	return &Store{
		path:   path,
		secret: installationSecret,
		hwid:   hwid,
	}
}

// Save encrypts and signs the credential, replacing any previous blob
// atomically.
func (s *Store) Save(cred *Credential) error {
	if cred.SavedAt.IsZero() {
		cred.SavedAt = time.Now()
	}

	plaintext, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to serialize credential: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	encKey, macKey, err := s.deriveKeys(salt)
	if err != nil {
		return err
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	var blob bytes.Buffer
	blob.Write(magic)
	blob.WriteByte(formatVersion)
	blob.Write(salt)
	blob.Write(nonce)
	blob.Write(ciphertext)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(blob.Bytes())
	blob.Write(mac.Sum(nil))

	return s.writeAtomic(blob.Bytes())
}

// Load decrypts and verifies the stored credential. Verification order
// matters: the signature distinguishes a modified blob (ErrTampered) from an
// authentic blob written on a different machine (ErrForeignMachine).
func (s *Store) Load() (*Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read credential store: %w", err)
	}

	minSize := headerSize + saltSize + nonceSize + tagSize
	if len(data) < minSize {
		return nil, ErrTampered
	}
	if !bytes.Equal(data[:len(magic)], magic) || data[len(magic)] != formatVersion {
		return nil, ErrTampered
	}

	salt := data[headerSize : headerSize+saltSize]
	nonce := data[headerSize+saltSize : headerSize+saltSize+nonceSize]
	ciphertext := data[headerSize+saltSize+nonceSize : len(data)-tagSize]
	tag := data[len(data)-tagSize:]

	encKey, macKey, err := s.deriveKeys(salt)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, macKey)
	mac.Write(data[:len(data)-tagSize])
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, ErrTampered
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		// Authentic blob that does not decrypt here was written elsewhere
		return nil, ErrForeignMachine
	}

	var cred Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return nil, ErrTampered
	}
	return &cred, nil
}

// Clear destroys the stored credential. Called when the user enters a new
// key or the store fails integrity checks.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear credential store: %w", err)
	}
	log.Debug().Str("path", s.path).Msg("Cleared credential store")
	return nil
}

// deriveKeys stretches the installation secret into an encryption key and a
// signing key. Only the encryption key mixes in the hardware id.
func (s *Store) deriveKeys(salt []byte) (encKey, macKey []byte, err error) {
	encMaterial := append(append([]byte{}, s.secret...), []byte(s.hwid)...)
	encKey, err = scrypt.Key(encMaterial, salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	macKey, err = scrypt.Key(s.secret, salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive signing key: %w", err)
	}

	return encKey, macKey, nil
}

func (s *Store) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credential-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write credential: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace credential store: %w", err)
	}
	return nil
}
