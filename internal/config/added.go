// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// AddedModels is the persisted admin-registered model layer. It reuses the
// model_list schema of the main configuration so the file remains hand-
// editable.
type AddedModels struct {
	ModelList []ModelEntry          `yaml:"model_list,omitempty"`
	Fallbacks []map[string][]string `yaml:"fallbacks,omitempty"`
}

// LoadAddedModels reads the persisted added layer. A missing file yields an
// empty layer, not an error.
func LoadAddedModels(path string) (*AddedModels, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &AddedModels{}, nil
		}
		return nil, fmt.Errorf("failed to read added models: %w", err)
	}
	var am AddedModels
	if err := yaml.Unmarshal(raw, &am); err != nil {
		return nil, fmt.Errorf("failed to unmarshal added models: %w", err)
	}
	return &am, nil
}

// SaveAddedModels writes the added layer atomically, write-to-temp then
// rename, so a crash mid-write never leaves a torn file.
func SaveAddedModels(path string, am *AddedModels) error {
	raw, err := yaml.Marshal(am)
	if err != nil {
		return fmt.Errorf("failed to marshal added models: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create added models directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".added-models-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write added models: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to rename added models into place: %w", err)
	}
	return nil
}
