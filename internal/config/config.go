package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	FS       FSConfig       `yaml:"fs"`
	Backend  BackendConfig  `yaml:"backend"`
	DB       DBConfig       `yaml:"db"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Log      LogConfig      `yaml:"log"`
}

// FSConfig identifies the managed filesystem.
type FSConfig struct {
	Path string `yaml:"path"`
	Type string `yaml:"type"`
	// Key selects how the filesystem key is derived: "fsname", "fsid"
	// or "devid".
	Key string `yaml:"key"`
}

// BackendConfig describes the secondary storage tree.
type BackendConfig struct {
	Root         string        `yaml:"root"`
	MntType      string        `yaml:"mnt_type"`
	CheckMounted bool          `yaml:"check_mounted"`
	CopyTimeout  time.Duration `yaml:"copy_timeout"`
	ActionCmd    string        `yaml:"action_cmd"`
}

type DBConfig struct {
	Path string `yaml:"path"`
}

// PipelineConfig sizes the entry-processing pipeline.
type PipelineConfig struct {
	// MaxInFlight bounds the total number of operations admitted into
	// the pipeline; producers block past this high-water mark.
	MaxInFlight int `yaml:"max_in_flight"`
	// StageQueue bounds each per-stage FIFO.
	StageQueue int `yaml:"stage_queue"`
	// Workers is the worker pool size of each parallel stage.
	Workers int `yaml:"workers"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	MaxSize int    `yaml:"max_size_mb"`
	MaxAge  int    `yaml:"max_age_days"`
}

func DefaultConfig() *Config {
	return &Config{
		FS: FSConfig{
			Type: "lustre",
			Key:  "fsname",
		},
		Backend: BackendConfig{
			MntType:      "nfs",
			CheckMounted: true,
			CopyTimeout:  6 * time.Hour,
		},
		DB: DBConfig{
			Path: defaultDBPath(),
		},
		Pipeline: PipelineConfig{
			MaxInFlight: 1000,
			StageQueue:  100,
			Workers:     8,
		},
		Log: LogConfig{
			Level:   "info",
			MaxSize: 100,
			MaxAge:  30,
		},
	}
}

// Load loads configuration using the real environment.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.Getenv)
}

// LoadWithEnv loads configuration using the provided environment lookup
// function. This allows tests to provide isolated environment values.
func LoadWithEnv(path string, getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = configPathWithEnv(getenv)
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Environment variables override config file
	if fsPath := getenv("FSPOLICY_FS_PATH"); fsPath != "" {
		cfg.FS.Path = fsPath
	}
	if root := getenv("FSPOLICY_BACKEND_ROOT"); root != "" {
		cfg.Backend.Root = root
	}
	if dbPath := getenv("FSPOLICY_DB_PATH"); dbPath != "" {
		cfg.DB.Path = dbPath
	}

	return cfg, cfg.Validate()
}

// Validate rejects option values that cannot be acted on.
func (c *Config) Validate() error {
	switch c.FS.Key {
	case "", "fsname", "fsid", "devid":
	default:
		return fmt.Errorf("fs.key must be one of fsname, fsid, devid (got %q)", c.FS.Key)
	}
	if c.Pipeline.MaxInFlight <= 0 {
		return fmt.Errorf("pipeline.max_in_flight must be positive")
	}
	if c.Pipeline.StageQueue <= 0 {
		return fmt.Errorf("pipeline.stage_queue must be positive")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be positive")
	}
	return nil
}

func configPathWithEnv(getenv func(string) string) string {
	// Check XDG_CONFIG_HOME first
	if xdgConfig := getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "fspolicy", "config.yaml")
	}

	// Fall back to ~/.config
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "fspolicy", "config.yaml")
}

func defaultDBPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = os.Getenv("HOME")
	}
	return filepath.Join(configDir, "fspolicy", "catalog.db")
}
