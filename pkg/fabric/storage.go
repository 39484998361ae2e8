package fabric

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// ConfigurationStorage keeps the last configuration received from the fabric
// so it is available before the next sync.
type ConfigurationStorage struct {
	path string
}

func NewConfigurationStorage(path string) *ConfigurationStorage {
	return &ConfigurationStorage{path: path}
}

// Load returns the stored configuration, or nil when nothing was stored yet.
func (s *ConfigurationStorage) Load() (json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("stored configuration in %s is not valid JSON", s.path)
	}
	return data, nil
}

// Save replaces the stored configuration.
func (s *ConfigurationStorage) Save(data json.RawMessage) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	return nil
}
