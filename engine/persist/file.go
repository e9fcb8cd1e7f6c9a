package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"intelliceil/engine/config"
)

// FileStore persists the policy as an indented JSON file, the format the
// hot-reload watcher and operators edit by hand.
type FileStore struct {
	path string
}

// NewFileStore builds a file-backed store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path, for the reload watcher.
func (f *FileStore) Path() string { return f.path }

// Load reads the policy file. A missing file yields defaults and writes them
// out so operators have something to edit.
func (f *FileStore) Load() (*config.Config, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := config.Default()
			if saveErr := f.Save(cfg); saveErr != nil {
				return nil, saveErr
			}
			return cfg, nil
		}
		return nil, err
	}
	cfg := config.Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", f.path, err)
	}
	return cfg, nil
}

// Save writes the policy file atomically (write temp, rename).
func (f *FileStore) Save(cfg *config.Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("create policy directory: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write policy file: %w", err)
	}
	return os.Rename(tmp, f.path)
}
