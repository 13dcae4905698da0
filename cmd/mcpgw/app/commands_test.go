// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func TestLoadConfig_RequiresPath(t *testing.T) {
	viper.Set("config", "")
	t.Cleanup(func() { viper.Set("config", "") })

	_, err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--config")
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
name: test-gateway
auth:
  anonymous: true
`)
	viper.Set("config", path)
	t.Cleanup(func() { viper.Set("config", "") })

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "test-gateway", cfg.Name)
	assert.Equal(t, 4444, cfg.Port)
	assert.NotEmpty(t, cfg.Database.Path)
	assert.NotNil(t, cfg.Session)
	assert.NotNil(t, cfg.Pool)
}

func TestLoadConfig_RejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
host: 0.0.0.0
auth:
  anonymous: true
`)
	viper.Set("config", path)
	t.Cleanup(func() { viper.Set("config", "") })

	_, err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")
}

func TestVersionCommand(t *testing.T) {
	cmd := newVersionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, cmd.RunE(cmd, nil))
	assert.Contains(t, out.String(), "version")
}
