// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/toolhive-core/env"
)

// YAMLLoader loads gateway configuration from a YAML file.
// Fields ending in _env are resolved against the environment at load time
// so the rest of the process never touches os.Getenv.
type YAMLLoader struct {
	path      string
	envReader env.Reader
}

// NewYAMLLoader creates a loader for the given file path.
func NewYAMLLoader(path string, envReader env.Reader) *YAMLLoader {
	return &YAMLLoader{path: path, envReader: envReader}
}

// Load reads, parses, and resolves the configuration file.
// It does not apply defaults or validate; callers compose those steps.
func (l *YAMLLoader) Load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", l.path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.resolveSecrets(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// resolveSecrets reads every *_env field and stores the resolved value on
// the owning section.
func (l *YAMLLoader) resolveSecrets(cfg *Config) error {
	if cfg.Auth != nil {
		for i := range cfg.Auth.APIKeys {
			key := &cfg.Auth.APIKeys[i]
			if key.KeyEnv == "" {
				return fmt.Errorf("auth.api_keys[%d]: key_env must be set", i)
			}
			value, err := l.requireEnv(key.KeyEnv)
			if err != nil {
				return err
			}
			key.key = value
		}

		if basic := cfg.Auth.Basic; basic != nil {
			if basic.PasswordEnv == "" {
				return fmt.Errorf("auth.basic: password_env must be set")
			}
			value, err := l.requireEnv(basic.PasswordEnv)
			if err != nil {
				return err
			}
			basic.password = value
		}
	}

	if identity := cfg.Identity; identity != nil && identity.SignClaims {
		if identity.SigningSecretEnv == "" {
			return fmt.Errorf("identity: signing_secret_env must be set when sign_claims is true")
		}
		value, err := l.requireEnv(identity.SigningSecretEnv)
		if err != nil {
			return err
		}
		identity.signingSecret = value
	}

	if cache := cfg.Cache; cache != nil && cache.PasswordEnv != "" {
		value, err := l.requireEnv(cache.PasswordEnv)
		if err != nil {
			return err
		}
		cache.password = value
	}

	return nil
}

func (l *YAMLLoader) requireEnv(name string) (string, error) {
	value := l.envReader.Getenv(name)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set or empty", name)
	}
	return value, nil
}
