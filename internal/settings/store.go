package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/vnmchuo/chat-gateway/internal/provider"
)

// FileStore persists settings as YAML.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Path() string { return f.path }

// providerPatch keeps track of which provider fields the file actually set,
// since yaml replaces map values wholesale.
type providerPatch struct {
	Enabled  *bool `yaml:"enabled"`
	Priority *int  `yaml:"priority"`
	Fallback *bool `yaml:"fallback"`
}

// Load returns the file merged over Defaults. A missing file yields the
// defaults. A file that fails to parse also yields the defaults together
// with the parse error so the caller can decide whether to continue.
func (f *FileStore) Load() (Settings, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Defaults(), nil
	}
	if err != nil {
		return Defaults(), fmt.Errorf("read settings: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return Defaults(), fmt.Errorf("parse settings %s: %w", f.path, err)
	}
	return s, nil
}

// Parse merges a YAML document over Defaults.
func Parse(data []byte) (Settings, error) {
	s := Defaults()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, err
	}

	var patch struct {
		Providers map[provider.ID]providerPatch `yaml:"provider_settings"`
	}
	if err := yaml.Unmarshal(data, &patch); err != nil {
		return Settings{}, err
	}

	defaults := Defaults().Providers
	for id, p := range patch.Providers {
		cfg := defaults[id]
		if p.Enabled != nil {
			cfg.Enabled = *p.Enabled
		}
		if p.Priority != nil {
			cfg.Priority = *p.Priority
		}
		if p.Fallback != nil {
			cfg.Fallback = *p.Fallback
		}
		s.Providers[id] = cfg
	}
	return s, nil
}

// Save writes s to a temp file in the same directory and renames it over
// the target so readers never observe a partial file.
func (f *FileStore) Save(s Settings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp settings file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close settings: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
