// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package integrity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()

	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return root
}

func TestManifestRoundTrip(t *testing.T) {
	root := writeTree(t, map[string]string{
		"app.bin":        "binary content",
		"assets/data.db": "weights",
	})
	manifestPath := filepath.Join(t.TempDir(), "checksums.json")

	written, err := WriteManifest(root, manifestPath)
	require.NoError(t, err)
	assert.Len(t, written, 2)

	loaded, err := LoadManifest(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, written, loaded)

	assert.NoError(t, loaded.Verify(root))
}

func TestVerifyDetectsModifiedFile(t *testing.T) {
	root := writeTree(t, map[string]string{"a.bin": "original"})
	manifestPath := filepath.Join(t.TempDir(), "checksums.json")

	_, err := WriteManifest(root, manifestPath)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.bin"), []byte("patched"), 0644))

	m, err := LoadManifest(manifestPath)
	require.NoError(t, err)

	err = m.Verify(root)
	assert.ErrorIs(t, err, ErrTampered)
	assert.Contains(t, err.Error(), "a.bin")
}

func TestVerifyDetectsMissingFile(t *testing.T) {
	root := writeTree(t, map[string]string{"a.bin": "original"})
	manifestPath := filepath.Join(t.TempDir(), "checksums.json")

	_, err := WriteManifest(root, manifestPath)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(root, "a.bin")))

	m, err := LoadManifest(manifestPath)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Verify(root), ErrTampered)
}

func TestVerifyNoExtraExecutables(t *testing.T) {
	root := writeTree(t, map[string]string{"bin/app.exe": "app"})
	manifestPath := filepath.Join(t.TempDir(), "checksums.json")

	m, err := WriteManifest(root, manifestPath)
	require.NoError(t, err)

	assert.NoError(t, m.VerifyNoExtraExecutables(root, []string{"bin"}))

	// Drop an unlisted executable into the protected directory
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin", "inject.dll"), []byte("evil"), 0644))

	err = m.VerifyNoExtraExecutables(root, []string{"bin"})
	assert.ErrorIs(t, err, ErrTampered)
	assert.Contains(t, err.Error(), "inject.dll")
}

func TestLoadManifestMissingFilePassesOpen(t *testing.T) {
	m, err := LoadManifest(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.NoError(t, m.Verify(t.TempDir()))
}

func TestLoadManifestMalformedIsTampered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checksums.json")
	require.NoError(t, os.WriteFile(path, []byte("{{{"), 0644))

	_, err := LoadManifest(path)
	assert.ErrorIs(t, err, ErrTampered)
}

func TestVerifierOrdering(t *testing.T) {
	root := writeTree(t, map[string]string{"a.bin": "original"})
	manifestPath := filepath.Join(root, "checksums.json")

	// Manifest of a different tree, so file verification would fail
	otherRoot := writeTree(t, map[string]string{"a.bin": "different"})
	_, err := WriteManifest(otherRoot, manifestPath)
	require.NoError(t, err)

	v := NewVerifier(root, manifestPath)

	// Debugger check fires first, before any file is hashed
	v.debuggerCheck = func() bool { return true }
	err = v.Check()
	require.ErrorIs(t, err, ErrTampered)
	assert.Contains(t, err.Error(), "debugger")

	v.debuggerCheck = func() bool { return false }
	err = v.Check()
	require.ErrorIs(t, err, ErrTampered)
	assert.Contains(t, err.Error(), "mismatch")
}

func TestDebuggerEnvHeuristic(t *testing.T) {
	t.Setenv("NOVA_DEBUG_ATTACH", "1")
	assert.True(t, DebuggerPresent())
}
