// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package keys defines the license key wire format and the one-way hashes
// used for database lookups. Keys are never stored or queried in plaintext;
// every lookup goes through Hash.
package keys

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
)

// Prefix identifies nova license keys.
const Prefix = "NOVA"

// rawKeyBytes is the entropy per key: 160 bits, well above guessing range.
const rawKeyBytes = 20

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Generate returns a new high-entropy license key in the form
// NOVA-XXXX-XXXX-XXXX-XXXX-XXXX-XXXX-XXXX-XXXX.
func Generate() (string, error) {
	buf := make([]byte, rawKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate key material: %w", err)
	}

	encoded := b32.EncodeToString(buf)

	var sb strings.Builder
	sb.WriteString(Prefix)
	for i := 0; i < len(encoded); i += 4 {
		sb.WriteByte('-')
		end := i + 4
		if end > len(encoded) {
			end = len(encoded)
		}
		sb.WriteString(encoded[i:end])
	}

	return sb.String(), nil
}

// Normalize canonicalizes user input: trims whitespace and uppercases, so a
// key typed by hand hashes the same as the issued one.
func Normalize(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// Hash derives the server-side lookup hash for a license key. The pepper is a
// server secret, so a leaked database row does not yield a usable key.
func Hash(key, pepper string) string {
	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(Normalize(key)))
	return hex.EncodeToString(mac.Sum(nil))
}

// HashHWID derives the stored form of a device hardware identifier. It uses
// a pepper distinct from the key pepper so the two hash spaces never overlap.
func HashHWID(hwid, pepper string) string {
	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(strings.TrimSpace(hwid)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Mask returns a redacted representation safe for admin views and logs,
// keeping a short prefix and suffix for recognition.
func Mask(key string) string {
	if len(key) < 13 {
		return "***"
	}
	return key[:9] + "..." + key[len(key)-4:]
}

// Equal compares two hex hashes in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
