// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvRoot     = "DOCINDEX_ROOT"
	EnvLogLevel = "DOCINDEX_LOG_LEVEL"
	EnvPort     = "DOCINDEX_PORT"

	// EnvOTLPEndpoint is the standard OpenTelemetry exporter endpoint.
	EnvOTLPEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"

	// EnvOTelSDKDisabled disables telemetry when "true".
	EnvOTelSDKDisabled = "OTEL_SDK_DISABLED"
)

var validate = validator.New()

// Load reads configuration.
//
// # Description
//
// Starts from DefaultConfig, overlays the YAML file at path when it exists
// (a missing file is not an error unless the path was given explicitly),
// applies environment overrides and validates the result.
//
// # Inputs
//
//   - path: Config file path. Empty means FileName in the working directory.
//
// # Outputs
//
//   - *Config: The effective configuration.
//   - error: Read, parse or validation failure.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = FileName
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read the config file %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvRoot)); v != "" {
		c.Root = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvPort)); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		c.Server.Port = port
	}
	if v := strings.TrimSpace(os.Getenv(EnvOTLPEndpoint)); v != "" {
		c.Telemetry.OTLPEndpoint = v
		c.Telemetry.TraceExporter = "otlp"
	}
	if strings.EqualFold(os.Getenv(EnvOTelSDKDisabled), "true") {
		c.Telemetry.Enabled = false
	}
	return nil
}

// AbsRoot returns Root as an absolute, cleaned path.
func (c *Config) AbsRoot() (string, error) {
	return filepath.Abs(c.Root)
}

// AbsIndexPath resolves IndexPath against the root.
func (c *Config) AbsIndexPath() (string, error) {
	if filepath.IsAbs(c.IndexPath) {
		return filepath.Clean(c.IndexPath), nil
	}
	root, err := c.AbsRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(c.IndexPath)), nil
}

// CreateDefault writes the default configuration to path. An existing file
// is left alone unless force is set.
func CreateDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config %s already exists", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create the config directory %w", err)
		}
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
