// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package integrity

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// Verifier is the startup integrity gate. It runs before any credential read
// or network call; a failure blocks the application outright.
type Verifier struct {
	root         string
	manifestPath string
	protected    []string

	// debuggerCheck is swappable for tests
	debuggerCheck func() bool
}

func NewVerifier(root, manifestPath string, protected ...string) *Verifier {
	return &Verifier{
		root:          root,
		manifestPath:  manifestPath,
		protected:     protected,
		debuggerCheck: DebuggerPresent,
	}
}

// Check runs all integrity checks in order: debugger heuristics, manifest
// checksums, then the protected-directory scan. Every failure is ErrTampered.
func (v *Verifier) Check() error {
	if v.debuggerCheck() {
		return fmt.Errorf("%w: debugger detected", ErrTampered)
	}

	manifest, err := LoadManifest(v.manifestPath)
	if err != nil {
		return err
	}
	if manifest == nil {
		log.Debug().Msg("No checksum policy, skipping file verification")
		return nil
	}

	if err := manifest.Verify(v.root); err != nil {
		return err
	}
	if err := manifest.VerifyNoExtraExecutables(v.root, v.protected); err != nil {
		return err
	}

	log.Debug().Int("files", len(manifest)).Msg("Integrity verified")
	return nil
}
