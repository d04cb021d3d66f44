// Package config loads and edits the settings file: defaults overlaid with
// settings.yaml overlaid with TASKSYNC_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/tasksync/internal/otel"
)

// SystemSettings holds one adapter's keys from the settings file, e.g.
// github: {token_env: GITHUB_TOKEN, repo: acme/roadmap}.
type SystemSettings map[string]string

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// Difftool is the git mergetool invoked for interactive conflict
	// resolution.
	Difftool string `yaml:"difftool"`

	// MergeStrategy selects the conflict resolver: "mergetool" or
	// "fieldwise".
	MergeStrategy string `yaml:"merge_strategy"`

	// SyncIntervalSeconds is the daemon's pass period.
	SyncIntervalSeconds int `yaml:"sync_interval_seconds"`

	OTel otel.Config `yaml:"otel"`

	// Systems holds per-adapter settings keyed by adapter name.
	Systems map[string]SystemSettings `yaml:"systems"`

	// NeedsGenesis is true when no settings file existed yet.
	NeedsGenesis bool `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:            "info",
		Difftool:            "vimdiff",
		MergeStrategy:       "mergetool",
		SyncIntervalSeconds: 300,
	}
}

// HomeDir returns $TASKSYNC_HOME, defaulting to ~/.tasksync.
func HomeDir() string {
	if override := os.Getenv("TASKSYNC_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".tasksync")
}

// SettingsPath returns the path to settings.yaml within the given home
// directory.
func SettingsPath(homeDir string) string {
	return filepath.Join(homeDir, "settings.yaml")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create tasksync home: %w", err)
	}

	data, err := os.ReadFile(SettingsPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read settings.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse settings.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKSYNC_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKSYNC_DIFFTOOL"); raw != "" {
		cfg.Difftool = raw
	}
	if raw := os.Getenv("TASKSYNC_MERGE_STRATEGY"); raw != "" {
		cfg.MergeStrategy = raw
	}
	if raw := os.Getenv("TASKSYNC_SYNC_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SyncIntervalSeconds = v
		}
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Difftool == "" {
		cfg.Difftool = "vimdiff"
	}
	if cfg.MergeStrategy == "" {
		cfg.MergeStrategy = "mergetool"
	}
	if cfg.SyncIntervalSeconds <= 0 {
		cfg.SyncIntervalSeconds = 300
	}
}

// System returns the named adapter's settings, never nil.
func (c Config) System(name string) SystemSettings {
	if s, ok := c.Systems[name]; ok {
		return s
	}
	return SystemSettings{}
}

// loadRaw reads settings.yaml into a generic map, returning an empty map if
// the file doesn't exist.
func loadRaw(path string) (map[string]any, error) {
	raw := make(map[string]any)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read settings.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse settings.yaml: %w", err)
		}
	}
	return raw, nil
}

func saveRaw(path string, raw map[string]any) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal settings.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// Get reads one value from settings.yaml by dotted key, e.g.
// "systems.github.repo". Returns false when the key is absent.
func Get(homeDir, key string) (string, bool, error) {
	raw, err := loadRaw(SettingsPath(homeDir))
	if err != nil {
		return "", false, err
	}
	node := any(raw)
	for _, part := range strings.Split(key, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return "", false, nil
		}
		node, ok = m[part]
		if !ok {
			return "", false, nil
		}
	}
	return fmt.Sprintf("%v", node), true, nil
}

// Set updates one value in settings.yaml by dotted key, creating
// intermediate maps and preserving everything else.
func Set(homeDir, key, value string) error {
	path := SettingsPath(homeDir)
	raw, err := loadRaw(path)
	if err != nil {
		return err
	}
	parts := strings.Split(key, ".")
	node := raw
	for _, part := range parts[:len(parts)-1] {
		next, ok := node[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			node[part] = next
		}
		node = next
	}
	leaf := parts[len(parts)-1]
	if v, err := strconv.Atoi(value); err == nil {
		node[leaf] = v
	} else if value == "true" || value == "false" {
		node[leaf] = value == "true"
	} else {
		node[leaf] = value
	}
	return saveRaw(path, raw)
}

// List returns every dotted key/value pair in settings.yaml, sorted.
func List(homeDir string) ([][2]string, error) {
	raw, err := loadRaw(SettingsPath(homeDir))
	if err != nil {
		return nil, err
	}
	var out [][2]string
	var walk func(prefix string, node any)
	walk = func(prefix string, node any) {
		m, ok := node.(map[string]any)
		if !ok {
			out = append(out, [2]string{prefix, fmt.Sprintf("%v", node)})
			return
		}
		for k, v := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			walk(key, v)
		}
	}
	walk("", raw)
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out, nil
}
