// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nova-desktop/novahub/internal/agent"
	"github.com/nova-desktop/novahub/internal/credstore"
	"github.com/nova-desktop/novahub/internal/hwid"
	"github.com/nova-desktop/novahub/internal/integrity"
)

var (
	Version = "dev"

	// InstallationSecret is baked in at build time via
	// -X main.InstallationSecret=...; the dev default keeps local builds
	// working but is never used for released binaries.
	InstallationSecret = "nova-dev-secret"
)

const manifestName = "checksums.json"

func main() {
	var rootCmd = &cobra.Command{
		Use:   "nova-agent",
		Short: "License agent for the Nova desktop application",
		Long: `nova-agent - the desktop-side license client: integrity checking,
key activation and the launch-time unlock decision.`,
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	rootCmd.Version = Version

	rootCmd.AddCommand(RunRunCommand())
	rootCmd.AddCommand(RunActivateCommand())
	rootCmd.AddCommand(RunStatusCommand())
	rootCmd.AddCommand(RunChecksumCommand())
	rootCmd.AddCommand(RunCheckUpdateCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newSession wires the full client stack for commands that need the launch
// flow. appDir is the installation root holding the checksum manifest.
func newSession(serverURL, appDir, dataDir string, grace time.Duration) (*agent.Session, error) {
	if appDir == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate installation directory: %w", err)
		}
		appDir = filepath.Dir(exe)
	}
	if dataDir == "" {
		dataDir = defaultDataDir()
	}

	provider := hwid.NewSystemProvider()
	id, err := provider.HWID(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to read hardware id: %w", err)
	}

	store := credstore.NewStore(
		filepath.Join(dataDir, "credential.bin"),
		[]byte(InstallationSecret),
		id,
	)

	verifier := newVerifier(appDir)
	client := agent.NewClient(serverURL, 30*time.Second)

	return agent.NewSession(client, store, provider, verifier, grace), nil
}

// newVerifier builds the startup integrity gate for an installation tree.
// The whole tree is the protected set: any executable not listed in the
// manifest blocks launch.
func newVerifier(appDir string) *integrity.Verifier {
	return integrity.NewVerifier(appDir, filepath.Join(appDir, manifestName), ".")
}

func defaultDataDir() string {
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, "nova")
	}
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "nova")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nova"
	}
	return filepath.Join(home, ".local", "share", "nova")
}

func RunRunCommand() *cobra.Command {
	var serverURL, appDir, dataDir string
	var graceHours int

	command := &cobra.Command{
		Use:   "run",
		Short: "Run the launch-time license check",
		Long: `Run the full launch flow: integrity check, credential load and
online validation (or offline grace when the hub is unreachable).

Exits 0 when the application is unlocked and non-zero when blocked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := newSession(serverURL, appDir, dataDir, time.Duration(graceHours)*time.Hour)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			decision := session.Launch(ctx)
			if decision.Unlocked {
				cmd.Printf("Unlocked (%s)\n", decision.Reason)
				return nil
			}

			cmd.Printf("Blocked (%s)\n", decision.Reason)
			os.Exit(1)
			return nil
		},
	}

	command.Flags().StringVar(&serverURL, "server", "http://localhost:7410", "license hub URL")
	command.Flags().StringVar(&appDir, "app-dir", "", "installation directory holding the checksum manifest (defaults to the executable's directory)")
	command.Flags().StringVar(&dataDir, "data-dir", "", "directory for the stored credential (defaults to the OS data directory)")
	command.Flags().IntVar(&graceHours, "grace-hours", 72, "offline grace window in hours")

	return command
}

func RunActivateCommand() *cobra.Command {
	var serverURL, appDir, dataDir, key string

	command := &cobra.Command{
		Use:   "activate",
		Short: "Activate a license key on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				fmt.Print("Enter license key: ")
				if _, err := fmt.Scanln(&key); err != nil {
					return fmt.Errorf("failed to read key: %w", err)
				}
			}

			session, err := newSession(serverURL, appDir, dataDir, 0)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			state, err := session.Activate(ctx, key)
			if err != nil {
				return fmt.Errorf("activation failed: %w", err)
			}

			if state.ExpiresAt != nil {
				cmd.Printf("Activated, valid until %s\n", state.ExpiresAt.Local().Format(time.RFC1123))
			} else {
				cmd.Println("Activated with a lifetime key")
			}
			return nil
		},
	}

	command.Flags().StringVar(&serverURL, "server", "http://localhost:7410", "license hub URL")
	command.Flags().StringVar(&appDir, "app-dir", "", "installation directory holding the checksum manifest (defaults to the executable's directory)")
	command.Flags().StringVar(&dataDir, "data-dir", "", "directory for the stored credential (defaults to the OS data directory)")
	command.Flags().StringVar(&key, "key", "", "license key (will prompt if not provided)")

	return command
}

func RunStatusCommand() *cobra.Command {
	var serverURL, appDir, dataDir string

	command := &cobra.Command{
		Use:   "status",
		Short: "Show the locally stored license state",
		Long:  "Show the cached credential without contacting the hub.",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := newSession(serverURL, appDir, dataDir, 0)
			if err != nil {
				return err
			}

			cred, err := session.Cached()
			if err != nil {
				if errors.Is(err, credstore.ErrNotFound) {
					cmd.Println("No license key stored. Run 'nova-agent activate' first.")
					return nil
				}
				return fmt.Errorf("failed to read credential: %w", err)
			}

			cmd.Printf("Status:         %s\n", cred.Status)
			if cred.ExpiresAt != nil {
				cmd.Printf("Expires:        %s\n", cred.ExpiresAt.Local().Format(time.RFC1123))
			} else {
				cmd.Println("Expires:        never (lifetime)")
			}
			cmd.Printf("Last validated: %s\n", cred.LastValidatedAt.Local().Format(time.RFC1123))
			return nil
		},
	}

	command.Flags().StringVar(&serverURL, "server", "http://localhost:7410", "license hub URL")
	command.Flags().StringVar(&appDir, "app-dir", "", "installation directory holding the checksum manifest (defaults to the executable's directory)")
	command.Flags().StringVar(&dataDir, "data-dir", "", "directory for the stored credential (defaults to the OS data directory)")

	return command
}

func RunChecksumCommand() *cobra.Command {
	var outPath string

	command := &cobra.Command{
		Use:   "checksum <directory>",
		Short: "Generate a checksum manifest for a build tree",
		Long: `Generate the checksum manifest shipped alongside a release. Run this
as the final packaging step, after every file in the tree is in place.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := args[0]
			if outPath == "" {
				outPath = filepath.Join(root, manifestName)
			}

			manifest, err := integrity.WriteManifest(root, outPath)
			if err != nil {
				return fmt.Errorf("failed to write manifest: %w", err)
			}

			cmd.Printf("Manifest with %d entries written to %s\n", len(manifest), outPath)
			return nil
		},
	}

	command.Flags().StringVar(&outPath, "out", "", "manifest output path (defaults to <directory>/"+manifestName+")")

	return command
}

func RunCheckUpdateCommand() *cobra.Command {
	var serverURL, currentVersion string

	command := &cobra.Command{
		Use:   "check-update",
		Short: "Check the hub for a newer release",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := agent.NewClient(serverURL, 30*time.Second)

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			release, err := client.LatestRelease(ctx, currentVersion)
			if err != nil {
				return fmt.Errorf("update check failed: %w", err)
			}

			cmd.Printf("Latest version: %s\n", release.Version)
			if release.Notes != "" {
				cmd.Printf("Notes:          %s\n", release.Notes)
			}
			if release.DownloadURL != "" {
				cmd.Printf("Download:       %s\n", release.DownloadURL)
			}
			if currentVersion != "" {
				if release.IsNewer {
					cmd.Println("An update is available.")
				} else {
					cmd.Println("You are up to date.")
				}
			}
			if release.NoticeMessage != "" {
				cmd.Printf("Notice:         %s\n", release.NoticeMessage)
			}
			return nil
		},
	}

	command.Flags().StringVar(&serverURL, "server", "http://localhost:7410", "license hub URL")
	command.Flags().StringVar(&currentVersion, "current", Version, "version to compare against the latest release")

	return command
}
