// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nova-desktop/novahub/internal/config"
	"github.com/nova-desktop/novahub/internal/database"
	"github.com/nova-desktop/novahub/internal/models"
	"github.com/nova-desktop/novahub/internal/services"
)

// setupKeyTestEnv writes a config and creates the database, returning a
// license service bound to the same files the commands will open.
func setupKeyTestEnv(t *testing.T) *services.LicenseService {
	t.Helper()

	tmpDir := t.TempDir()
	originalWd, _ := os.Getwd()
	t.Cleanup(func() { os.Chdir(originalWd) })
	require.NoError(t, os.Chdir(tmpDir))

	require.NoError(t, os.MkdirAll("test-config", 0755))
	require.NoError(t, config.WriteDefaultConfig("test-config/config.toml"))

	cfg, err := config.New("test-config")
	require.NoError(t, err)

	db, err := database.New(cfg.GetDatabasePath())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	licenseService, err := services.NewLicenseService(
		db,
		cfg.Config.KeyPepper,
		cfg.Config.HwidPepper,
		time.Duration(cfg.Config.TempLicenseHours)*time.Hour,
		nil,
	)
	require.NoError(t, err)

	return licenseService
}

func runKeySubcommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := RunKeyCommand()
	var output bytes.Buffer
	cmd.SetOut(&output)
	cmd.SetErr(&output)
	cmd.SetArgs(append(args, "--config-dir", "test-config"))

	err := cmd.Execute()
	return output.String(), err
}

func TestKeyGenerateCommand(t *testing.T) {
	licenseService := setupKeyTestEnv(t)

	output, err := runKeySubcommand(t, "generate", "--duration", "30d", "--notes", "beta tester")
	require.NoError(t, err)

	assert.Contains(t, output, "Key:")
	assert.Contains(t, output, "NOVA-")
	assert.Contains(t, output, "Duration: 30d")

	licenses, err := licenseService.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, licenses, 1)
	assert.Equal(t, models.LicenseStatusIssued, licenses[0].Status)
	require.NotNil(t, licenses[0].Notes)
	assert.Equal(t, "beta tester", *licenses[0].Notes)
}

func TestKeyGenerateRejectsUnknownDuration(t *testing.T) {
	setupKeyTestEnv(t)

	_, err := runKeySubcommand(t, "generate", "--duration", "90d")
	assert.Error(t, err)
}

func TestKeyListCommand(t *testing.T) {
	licenseService := setupKeyTestEnv(t)

	_, _, err := licenseService.Generate(context.Background(), models.DurationMonth, nil, nil)
	require.NoError(t, err)

	output, err := runKeySubcommand(t, "list")
	require.NoError(t, err)

	assert.Contains(t, output, "STATUS")
	assert.Contains(t, output, "issued")
	assert.Contains(t, output, "NOVA-")
}

func TestKeyListCommandEmpty(t *testing.T) {
	setupKeyTestEnv(t)

	output, err := runKeySubcommand(t, "list")
	require.NoError(t, err)
	assert.Contains(t, output, "No license keys found")
}

func TestKeyExtendCommand(t *testing.T) {
	licenseService := setupKeyTestEnv(t)

	license, _, err := licenseService.Generate(context.Background(), models.DurationMonth, nil, nil)
	require.NoError(t, err)

	output, err := runKeySubcommand(t, "extend", license.ID, "--duration", "1d")
	require.NoError(t, err)
	assert.Contains(t, output, "extended")
}

func TestKeyRevokeCommand(t *testing.T) {
	licenseService := setupKeyTestEnv(t)

	license, _, err := licenseService.Generate(context.Background(), models.DurationMonth, nil, nil)
	require.NoError(t, err)

	output, err := runKeySubcommand(t, "revoke", license.ID)
	require.NoError(t, err)
	assert.Contains(t, output, "revoked")

	updated, err := licenseService.GetByID(context.Background(), license.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LicenseStatusRevoked, updated.Status)
}

func TestKeyDeleteCommandRequiresForce(t *testing.T) {
	licenseService := setupKeyTestEnv(t)

	license, _, err := licenseService.Generate(context.Background(), models.DurationMonth, nil, nil)
	require.NoError(t, err)

	_, err = runKeySubcommand(t, "delete", license.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")

	output, err := runKeySubcommand(t, "delete", license.ID, "--force")
	require.NoError(t, err)
	assert.Contains(t, output, "deleted")

	_, err = licenseService.GetByID(context.Background(), license.ID)
	assert.ErrorIs(t, err, services.ErrKeyNotFound)
}
