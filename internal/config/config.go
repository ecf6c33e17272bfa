// Package config loads the engine configuration from sigilzero.yaml with
// environment overrides. Configuration shapes which inputs get resolved;
// the resolved values themselves are snapshotted per run, so config is
// never a hidden hash input.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/jasoncookdesign/sigilzero-ai/internal/contextpack"
	"github.com/jasoncookdesign/sigilzero-ai/internal/otel"
)

// FileName is the engine config file at the repository root.
const FileName = "sigilzero.yaml"

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Quiet bool   `yaml:"quiet"`
}

// ModelConfig is the default model configuration snapshotted per run.
type ModelConfig struct {
	Provider              string  `yaml:"provider"`
	Model                 string  `yaml:"model"`
	Temperature           float64 `yaml:"temperature"`
	TopP                  float64 `yaml:"top_p"`
	ResponseSchema        string  `yaml:"response_schema"`
	ResponseSchemaVersion string  `yaml:"response_schema_version"`
	CacheEnabled          bool    `yaml:"cache_enabled"`
}

// SnapshotValue is the tree persisted as model_config.json.
func (m ModelConfig) SnapshotValue() map[string]any {
	return map[string]any{
		"provider":                m.Provider,
		"model":                   m.Model,
		"temperature":             m.Temperature,
		"top_p":                   m.TopP,
		"response_schema":         m.ResponseSchema,
		"response_schema_version": m.ResponseSchemaVersion,
		"cache_enabled":           m.CacheEnabled,
	}
}

// DoctrineConfig fixes the whitelist and candidate roots at startup.
type DoctrineConfig struct {
	Whitelist []string `yaml:"whitelist"`
	Roots     []string `yaml:"roots"`
}

// IndexConfig locates the secondary sqlite index. The index is rebuildable
// from manifests at any time; the core never reads it.
type IndexConfig struct {
	Path string `yaml:"path"`
}

// SweeperConfig schedules cleanup of abandoned build directories.
type SweeperConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Schedule   string `yaml:"schedule"`
	MaxAgeMins int    `yaml:"max_age_minutes"`
}

// Config is the full engine configuration.
type Config struct {
	RepoRoot     string                 `yaml:"repo_root"`
	ArtifactsDir string                 `yaml:"artifacts_dir"`
	DataDir      string                 `yaml:"data_dir"`
	Logging      LoggingConfig          `yaml:"logging"`
	Model        ModelConfig            `yaml:"model"`
	Doctrine     DoctrineConfig         `yaml:"doctrine"`
	Selectors    []contextpack.Selector `yaml:"context_selectors"`
	OTel         otel.Config            `yaml:"otel"`
	Index        IndexConfig            `yaml:"index"`
	Sweeper      SweeperConfig          `yaml:"sweeper"`
}

// Default returns the built-in configuration rooted at repoRoot.
func Default(repoRoot string) *Config {
	return &Config{
		RepoRoot:     repoRoot,
		ArtifactsDir: filepath.Join(repoRoot, "artifacts"),
		DataDir:      filepath.Join(repoRoot, ".sigilzero"),
		Logging:      LoggingConfig{Level: "info"},
		Model: ModelConfig{
			Provider:              "openai",
			Model:                 "gpt-4.1-mini",
			Temperature:           0.3,
			TopP:                  1.0,
			ResponseSchema:        "response_schemas/ig_copy_package",
			ResponseSchemaVersion: "v1.0.0",
			CacheEnabled:          true,
		},
		Doctrine: DoctrineConfig{
			Whitelist: []string{"prompts/instagram_copy", "prompts/brand_compliance_score", "prompts/brand_optimization", "prompts/example"},
			Roots:     []string{"", "doctrine"},
		},
		Selectors: contextpack.DefaultSelectors(),
		OTel:      otel.Config{Exporter: "none"},
		Index:     IndexConfig{Path: filepath.Join(repoRoot, ".sigilzero", "index.db")},
		Sweeper:   SweeperConfig{Enabled: true, Schedule: "*/30 * * * *", MaxAgeMins: 120},
	}
}

// Load reads <repoRoot>/sigilzero.yaml over the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(repoRoot string) (*Config, error) {
	cfg := Default(repoRoot)
	raw, err := os.ReadFile(filepath.Join(repoRoot, FileName))
	if err == nil {
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", FileName, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", FileName, err)
	}
	cfg.applyEnv()
	if cfg.RepoRoot == "" {
		cfg.RepoRoot = repoRoot
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SIGILZERO_ARTIFACTS_DIR"); v != "" {
		c.ArtifactsDir = v
	}
	if v := os.Getenv("SIGILZERO_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SIGILZERO_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		c.Model.Provider = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.Model.Model = v
	}
	if v := os.Getenv("LLM_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Model.Temperature = f
		}
	}
	if v := os.Getenv("LLM_TOP_P"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Model.TopP = f
		}
	}
}
