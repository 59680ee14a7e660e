// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/bulkload/pkg/logger"
)

const (
	// DefaultConfigPath is the default path to the config file
	DefaultConfigPath = "/data/bulkload.yaml"
)

// ConfigManager is the interface for config management
type ConfigManager interface {
	// GetConfig returns the current config
	GetConfig(ctx context.Context) (FullConfig, error)
}

// FileConfigManager implements the ConfigManager interface by reading from a file
type FileConfigManager struct {
	// configPath is the path to the config file
	configPath string

	// logger is the logger for the config manager
	logger *zap.SugaredLogger
}

// NewFileConfigManager creates a new FileConfigManager for the given path
func NewFileConfigManager(configPath string) *FileConfigManager {
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	return &FileConfigManager{
		configPath: configPath,
		logger:     logger.For(logger.ComponentConfigManager),
	}
}

// GetConfig reads, defaults and validates the config file
func (m *FileConfigManager) GetConfig(ctx context.Context) (FullConfig, error) {
	if err := ctx.Err(); err != nil {
		return FullConfig{}, err
	}

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return FullConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return FullConfig{}, err
	}
	m.logger.Debugf("Loaded config from %s with %d streams", m.configPath, len(cfg.Catalog.Streams))
	return cfg, nil
}

// Parse decodes YAML, applies defaults and validates the result
func Parse(data []byte) (FullConfig, error) {
	var cfg FullConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return FullConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return FullConfig{}, err
	}
	return cfg, nil
}
