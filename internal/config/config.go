// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of ats-kms-enclave.
//
// ats-kms-enclave is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package config loads kernel configuration from file, environment, and
// defaults. Settings resolve in that order of increasing precedence:
// defaults, then the config file, then KMS_ENCLAVE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Lukium/ats-kms-enclave-sub003/pkg/adapters/kdf"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/storage"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/storage/file"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/storage/memory"
)

// Backend names accepted by the storage section.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
)

// Config is the resolved kernel configuration.
type Config struct {
	Storage     StorageConfig     `mapstructure:"storage"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
	Debug       bool              `mapstructure:"debug"`
}

// StorageConfig selects and parameterizes the persistence backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// CalibrationConfig overrides the passphrase KDF calibration band, in
// milliseconds.
type CalibrationConfig struct {
	MinMS int `mapstructure:"min_ms"`
	MaxMS int `mapstructure:"max_ms"`
}

var (
	// ErrInvalidBackend indicates an unrecognized storage backend name.
	ErrInvalidBackend = errors.New("config: invalid storage backend")

	// ErrInvalidCalibration indicates an unusable calibration band.
	ErrInvalidCalibration = errors.New("config: invalid calibration band")
)

// DefaultPath returns the default data directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kms-enclave"
	}
	return filepath.Join(home, ".kms-enclave")
}

// Load resolves the configuration. An empty configFile searches the working
// directory and $HOME for ".kms-enclave.yaml"; a missing file is not an
// error, the defaults stand.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetDefault("storage.backend", BackendFile)
	v.SetDefault("storage.path", DefaultPath())
	v.SetDefault("calibration.min_ms", 150)
	v.SetDefault("calibration.max_ms", 300)
	v.SetDefault("debug", false)

	v.SetEnvPrefix("KMS_ENCLAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName(".kms-enclave")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the resolved configuration.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Storage.Path == "" {
			return fmt.Errorf("%w: file backend requires a path", ErrInvalidBackend)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBackend, c.Storage.Backend)
	}
	if c.Calibration.MinMS <= 0 || c.Calibration.MaxMS <= c.Calibration.MinMS {
		return fmt.Errorf("%w: min %dms, max %dms", ErrInvalidCalibration,
			c.Calibration.MinMS, c.Calibration.MaxMS)
	}
	return nil
}

// Band returns the calibration band.
func (c *Config) Band() kdf.Band {
	return kdf.Band{
		Min: time.Duration(c.Calibration.MinMS) * time.Millisecond,
		Max: time.Duration(c.Calibration.MaxMS) * time.Millisecond,
	}
}

// OpenBackend constructs the configured storage backend.
func (c *Config) OpenBackend() (storage.Backend, error) {
	switch c.Storage.Backend {
	case BackendMemory:
		return memory.New(), nil
	case BackendFile:
		return file.New(c.Storage.Path)
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidBackend, c.Storage.Backend)
}
