package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/coopco/octosignal/internal/bus"
)

// Format is the on-disk encoding of a settings file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFor picks the settings format from a file extension.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// DefaultPath returns the default settings path (~/.octosignal/config.json).
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".octosignal", "config.json"), nil
}

// LoadFromFile loads settings from a specific file path. A missing file
// yields the defaults.
func LoadFromFile(path string) (*Settings, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return finish(DefaultSettings())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f, FormatFor(path))
}

// LoadFromReader loads settings from an io.Reader, applying defaults, env
// overrides and validation.
func LoadFromReader(r io.Reader, format Format) (*Settings, error) {
	cfg, err := decode(r, format)
	if err != nil {
		return nil, err
	}
	return finish(cfg)
}

// readFileSettings returns the defaults overlaid with the file contents
// only: no env overrides and no values taken from the OS.
func readFileSettings(path string) (*Settings, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()
	return decode(f, FormatFor(path))
}

func decode(r io.Reader, format Format) (*Settings, error) {
	cfg := DefaultSettings()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if len(bytes.TrimSpace(data)) > 0 {
		switch format {
		case FormatYAML:
			err = yaml.Unmarshal(data, cfg)
		default:
			err = json.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	return cfg, nil
}

func finish(cfg *Settings) (*Settings, error) {
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills the host/user tags from the OS and restores empty
// templates.
func applyDefaults(cfg *Settings) {
	if cfg.Host == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.Host = h
		}
	}
	if cfg.User == "" {
		if u, err := user.Current(); err == nil {
			cfg.User = u.Username
		}
	}
	defaults := DefaultSettings()
	if cfg.Events == nil {
		cfg.Events = map[bus.EventType]Notification{}
	}
	for t, def := range defaults.Events {
		n, ok := cfg.Events[t]
		if !ok {
			cfg.Events[t] = def
			continue
		}
		if n.Template == "" {
			n.Template = def.Template
			cfg.Events[t] = n
		}
	}
	if cfg.Progress.Template == "" {
		cfg.Progress.Template = defaults.Progress.Template
	}
	if cfg.StatusReport.Template == "" {
		cfg.StatusReport.Template = defaults.StatusReport.Template
	}
	if cfg.DeviceGroups == nil {
		cfg.DeviceGroups = map[string]GroupIdentity{}
	}
}

// Encode writes settings in the given format.
func Encode(w io.Writer, cfg *Settings, format Format) error {
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}
}
