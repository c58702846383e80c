// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nova-desktop/novahub/internal/integrity"
)

func TestVerifierScansWholeInstallTree(t *testing.T) {
	appDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(appDir, "nova"), []byte("app binary"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(appDir, "resources"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(appDir, "resources", "strings.json"), []byte("{}"), 0644))

	_, err := integrity.WriteManifest(appDir, filepath.Join(appDir, manifestName))
	require.NoError(t, err)

	verifier := newVerifier(appDir)
	require.NoError(t, verifier.Check())

	// An executable dropped anywhere in the tree, not just next to the
	// manifest, must block launch.
	require.NoError(t, os.WriteFile(filepath.Join(appDir, "resources", "evil.exe"), []byte("payload"), 0644))

	err = verifier.Check()
	require.ErrorIs(t, err, integrity.ErrTampered)
	require.Contains(t, err.Error(), "evil.exe")
}
