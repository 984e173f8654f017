// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/toolhive-core/env"
)

// Loader loads a configuration from some source.
type Loader interface {
	Load() (*Config, error)
}

// YAMLLoader loads configuration from a YAML file.
// ${VAR} references are expanded through the environment reader before parsing.
type YAMLLoader struct {
	path      string
	envReader env.Reader
}

// NewYAMLLoader creates a loader for the file at path.
func NewYAMLLoader(path string, envReader env.Reader) *YAMLLoader {
	return &YAMLLoader{path: path, envReader: envReader}
}

// Load reads, expands and parses the file, then applies defaults.
// Validation is left to the Validator so that callers can report every problem at once.
func (l *YAMLLoader) Load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", l.path, err)
	}
	return Parse(data, l.envReader)
}

// Parse decodes a YAML document and applies defaults.
func Parse(data []byte, envReader env.Reader) (*Config, error) {
	expanded := os.Expand(string(data), envReader.Getenv)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewBufferString(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.EnsureDefaults()
	return cfg, nil
}
