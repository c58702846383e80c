// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nova-desktop/novahub/internal/config"
	"github.com/nova-desktop/novahub/internal/database"
	"github.com/nova-desktop/novahub/internal/services"
)

// RunKeyCommand groups the direct license key administration commands. They
// operate on the database without going through the HTTP API, so they work
// while the hub is stopped.
func RunKeyCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "key",
		Short: "Manage license keys directly against the database",
	}

	command.AddCommand(runKeyGenerateCommand())
	command.AddCommand(runKeyListCommand())
	command.AddCommand(runKeyExtendCommand())
	command.AddCommand(runKeyRevokeCommand())
	command.AddCommand(runKeyDeleteCommand())

	return command
}

// openLicenseService builds a license service from the on-disk config and
// database. The caller must invoke the returned cleanup function.
func openLicenseService(configDir, dataDir string) (*services.LicenseService, func(), error) {
	cfg, err := config.New(configDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize configuration: %w", err)
	}

	if dataDir != "" {
		cfg.SetDataDir(dataDir)
	}

	dbPath := cfg.GetDatabasePath()
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("database not found at %s. Start the hub once with 'serve' to create it", dbPath)
	}

	db, err := database.New(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	licenseService, err := services.NewLicenseService(
		db,
		cfg.Config.KeyPepper,
		cfg.Config.HwidPepper,
		time.Duration(cfg.Config.TempLicenseHours)*time.Hour,
		nil,
	)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to initialize license service: %w", err)
	}

	return licenseService, func() { db.Close() }, nil
}

func runKeyGenerateCommand() *cobra.Command {
	var configDir, dataDir, duration, notes string

	command := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new license key",
		Long: `Generate a new license key and print the plaintext once.

Valid durations: 1h, 1d, 30d, temporary, lifetime.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			licenseService, cleanup, err := openLicenseService(configDir, dataDir)
			if err != nil {
				return err
			}
			defer cleanup()

			var notesPtr *string
			if notes != "" {
				notesPtr = &notes
			}

			license, fullKey, err := licenseService.Generate(context.Background(), duration, notesPtr, nil)
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}

			cmd.Printf("Key:      %s\n", fullKey)
			cmd.Printf("ID:       %s\n", license.ID)
			cmd.Printf("Duration: %s\n", license.Duration)
			cmd.Println("Store the key now. The plaintext is shown once and can only be recovered while it remains unrevealed.")
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&dataDir, "data-dir", "",
		"data directory path (defaults to next to config file)")
	command.Flags().StringVar(&duration, "duration", "30d",
		"key duration: 1h, 1d, 30d, temporary or lifetime")
	command.Flags().StringVar(&notes, "notes", "",
		"free-form note stored with the key")

	return command
}

func runKeyListCommand() *cobra.Command {
	var configDir, dataDir, search string
	var limit int

	command := &cobra.Command{
		Use:   "list",
		Short: "List license keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			licenseService, cleanup, err := openLicenseService(configDir, dataDir)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := context.Background()
			licenses, err := licenseService.List(ctx, limit)
			if err != nil {
				return fmt.Errorf("failed to list keys: %w", err)
			}
			if search != "" {
				licenses, err = licenseService.Search(ctx, search)
				if err != nil {
					return fmt.Errorf("failed to search keys: %w", err)
				}
			}

			if len(licenses) == 0 {
				cmd.Println("No license keys found.")
				return nil
			}

			cmd.Printf("%-36s  %-24s  %-9s  %-8s  %s\n", "ID", "KEY", "DURATION", "STATUS", "EXPIRES")
			for _, license := range licenses {
				expires := "-"
				if license.ExpiresAt != nil {
					expires = license.ExpiresAt.UTC().Format(time.RFC3339)
				}
				cmd.Printf("%-36s  %-24s  %-9s  %-8s  %s\n",
					license.ID, license.DisplayKey, license.Duration, license.Status, expires)
			}
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&dataDir, "data-dir", "",
		"data directory path (defaults to next to config file)")
	command.Flags().StringVar(&search, "search", "",
		"fuzzy filter on display key, status and notes")
	command.Flags().IntVar(&limit, "limit", 100,
		"maximum number of keys to list")

	return command
}

func runKeyExtendCommand() *cobra.Command {
	var configDir, dataDir, duration string

	command := &cobra.Command{
		Use:   "extend <id>",
		Short: "Extend a license key",
		Long: `Extend a license key by an additional duration.

Extending an expired key resurrects it from the current time; extending an
active key adds to its current expiry.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			licenseService, cleanup, err := openLicenseService(configDir, dataDir)
			if err != nil {
				return err
			}
			defer cleanup()

			license, err := licenseService.Extend(context.Background(), args[0], duration)
			if err != nil {
				return fmt.Errorf("failed to extend key: %w", err)
			}

			if license.ExpiresAt != nil {
				cmd.Printf("Key %s extended, now expires at %s\n", license.DisplayKey, license.ExpiresAt.UTC().Format(time.RFC3339))
			} else {
				cmd.Printf("Key %s is a lifetime key, nothing to extend\n", license.DisplayKey)
			}
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&dataDir, "data-dir", "",
		"data directory path (defaults to next to config file)")
	command.Flags().StringVar(&duration, "duration", "30d",
		"additional duration: 1h, 1d or 30d")

	return command
}

func runKeyRevokeCommand() *cobra.Command {
	var configDir, dataDir string

	command := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a license key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			licenseService, cleanup, err := openLicenseService(configDir, dataDir)
			if err != nil {
				return err
			}
			defer cleanup()

			license, err := licenseService.Revoke(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("failed to revoke key: %w", err)
			}

			cmd.Printf("Key %s revoked\n", license.DisplayKey)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&dataDir, "data-dir", "",
		"data directory path (defaults to next to config file)")

	return command
}

func runKeyDeleteCommand() *cobra.Command {
	var configDir, dataDir string
	var force bool

	command := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a license key permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("deletion is permanent, re-run with --force to confirm")
			}

			licenseService, cleanup, err := openLicenseService(configDir, dataDir)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := licenseService.Delete(context.Background(), args[0]); err != nil {
				return fmt.Errorf("failed to delete key: %w", err)
			}

			cmd.Printf("Key %s deleted\n", args[0])
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&dataDir, "data-dir", "",
		"data directory path (defaults to next to config file)")
	command.Flags().BoolVar(&force, "force", false,
		"confirm permanent deletion")

	return command
}
