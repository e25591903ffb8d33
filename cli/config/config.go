// Package config handles hammer.yaml loading for hammer repair.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config represents a hammer.yaml configuration file.
// All values are optional and act as defaults for hammer repair flags.
// CLI flags always override config values.
type Config struct {
	WorkDir        string   `yaml:"work_dir"`
	MaxAttempts    *int     `yaml:"max_attempts,omitempty"`
	AttemptTimeout Duration `yaml:"attempt_timeout"`
	SessionTimeout Duration `yaml:"session_timeout"`
	Sdist          bool     `yaml:"sdist"`
	// KnowledgeBase is a YAML file extending the built-in rule tables.
	KnowledgeBase string `yaml:"knowledge_base"`
	IndexURL      string `yaml:"index_url"`
	UvBinary      string `yaml:"uv_binary"`
	GitBinary     string `yaml:"git_binary"`

	Nix       NixConfig       `yaml:"nix"`
	Overrides OverridesConfig `yaml:"overrides"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Adapter   AdapterConfig   `yaml:"adapter"`
	Log       LogConfig       `yaml:"log"`
}

// NixConfig holds the build tool and flake pins.
type NixConfig struct {
	Binary     string   `yaml:"binary"`
	FlakeInput string   `yaml:"flake_input"`
	Nixpkgs    string   `yaml:"nixpkgs"`
	Uv2nix     string   `yaml:"uv2nix"`
	System     string   `yaml:"system"`
	Env        []string `yaml:"env,omitempty"`
}

// OverridesConfig selects the override repository.
type OverridesConfig struct {
	Remote string `yaml:"remote"`
	// Commit defaults to true; set false to leave converged overrides uncommitted.
	Commit *bool `yaml:"commit,omitempty"`
}

// ShouldCommit reports whether converged sessions are committed.
func (o OverridesConfig) ShouldCommit() bool {
	return o.Commit == nil || *o.Commit
}

// ArchiveConfig selects where finished sessions are archived.
type ArchiveConfig struct {
	// Backend is "fs", "s3" or empty for no archive.
	Backend string `yaml:"backend"`
	// Path is the fs root or "bucket/prefix" for s3.
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// AdapterConfig holds notification adapter settings.
type AdapterConfig struct {
	Type       string            `yaml:"type"`
	URL        string            `yaml:"url"`
	Channel    string            `yaml:"channel,omitempty"`
	ListKey    string            `yaml:"list_key,omitempty"`
	ListLength int64             `yaml:"list_length,omitempty"`
	Headers    map[string]string `yaml:"headers,omitempty"`
	Secret     string            `yaml:"secret,omitempty"`
	Timeout    Duration          `yaml:"timeout,omitempty"`
	Retries    *int              `yaml:"retries,omitempty"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Debug bool `yaml:"debug"`
	// File receives JSON logs. Empty means hammer.log in the session
	// directory, "-" means stderr.
	File string `yaml:"file"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if parsed < 0 {
		return fmt.Errorf("invalid duration %q: must not be negative", s)
	}
	d.Duration = parsed
	return nil
}

// Validate checks cross-field constraints the YAML schema cannot express.
func (c *Config) Validate() error {
	if c.MaxAttempts != nil && *c.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be >= 0, got %d", *c.MaxAttempts)
	}
	switch c.Archive.Backend {
	case "", "fs", "s3":
	default:
		return fmt.Errorf("archive.backend must be fs or s3, got %q", c.Archive.Backend)
	}
	if c.Archive.Backend != "" && c.Archive.Path == "" {
		return errors.New("archive.path is required when archive.backend is set")
	}
	switch c.Adapter.Type {
	case "":
	case "webhook", "redis":
		if c.Adapter.URL == "" {
			return fmt.Errorf("adapter.url is required for the %s adapter", c.Adapter.Type)
		}
	default:
		return fmt.Errorf("adapter.type must be webhook or redis, got %q", c.Adapter.Type)
	}
	if c.Adapter.Retries != nil && *c.Adapter.Retries < 0 {
		return fmt.Errorf("adapter.retries must be >= 0, got %d", *c.Adapter.Retries)
	}
	return nil
}
