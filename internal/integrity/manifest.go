// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package integrity verifies the installed application against its shipped
// checksum manifest and runs debugger heuristics. These checks are best-effort
// deterrents against casual tampering, not cryptographic guarantees.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrTampered is reported whenever the installation does not match the
// manifest. It is terminal: the caller must block, not retry.
var ErrTampered = errors.New("integrity check failed")

// Manifest maps relative file paths to expected SHA-256 content hashes. It is
// generated at build time and shipped read-only next to the application.
type Manifest map[string]string

// LoadManifest reads a manifest file. A missing file means no checksum policy
// was shipped; verification then passes trivially.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", path).Msg("No checksum manifest found")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: malformed manifest: %v", ErrTampered, err)
	}
	return m, nil
}

// WriteManifest hashes every regular file under root and writes the manifest
// to path. Build tooling runs this once per release.
func WriteManifest(root, path string) (Manifest, error) {
	m := Manifest{}

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		digest, err := hashFile(p)
		if err != nil {
			return err
		}
		m[rel] = digest
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to hash tree: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}

	log.Info().Int("files", len(m)).Str("path", path).Msg("Wrote checksum manifest")
	return m, nil
}

// Verify recomputes every manifest entry against the files under root. Any
// mismatch or missing file is ErrTampered. A nil manifest passes.
func (m Manifest) Verify(root string) error {
	if m == nil {
		return nil
	}

	// Deterministic order so the first failure reported is stable
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, rel := range paths {
		target := filepath.Join(root, filepath.FromSlash(rel))

		digest, err := hashFile(target)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%w: missing file %s", ErrTampered, rel)
			}
			return fmt.Errorf("%w: unreadable file %s: %v", ErrTampered, rel, err)
		}

		if digest != m[rel] {
			return fmt.Errorf("%w: checksum mismatch in %s", ErrTampered, rel)
		}
	}

	return nil
}

// VerifyNoExtraExecutables scans the protected directories under root for
// executables not listed in the manifest. An injected binary in a protected
// path is ErrTampered.
func (m Manifest) VerifyNoExtraExecutables(root string, protected []string) error {
	if m == nil {
		return nil
	}

	for _, dir := range protected {
		base := filepath.Join(root, filepath.FromSlash(dir))

		err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if d.IsDir() || !isExecutable(p, d) {
				return nil
			}

			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)

			if _, listed := m[rel]; !listed {
				return fmt.Errorf("%w: unexpected executable %s", ErrTampered, rel)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func isExecutable(path string, d fs.DirEntry) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".exe", ".dll", ".so", ".dylib":
		return true
	}

	info, err := d.Info()
	if err != nil {
		return false
	}
	return info.Mode()&0111 != 0
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
