package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_FullConfig(t *testing.T) {
	yaml := `work_dir: /var/hammer
max_attempts: 15
attempt_timeout: 45m
session_timeout: 4h
sdist: true
knowledge_base: ./kb.yaml
index_url: https://pypi.example.com/pypi

nix:
  binary: /run/current-system/sw/bin/nix
  flake_input: my_overrides
  nixpkgs: github:nixos/nixpkgs/24.11
  uv2nix: github:pyproject-nix/uv2nix
  system: aarch64-linux
  env:
    - NIX_CONFIG=max-jobs = 4

overrides:
  remote: git@example.com:me/overrides.git
  commit: false

archive:
  backend: s3
  path: hammer-archive/sessions
  region: eu-central-1
  s3_path_style: true

adapter:
  type: webhook
  url: https://hooks.example.com/hammer
  secret: s3cret
  headers:
    Authorization: Bearer token123
  timeout: 10s
  retries: 2

log:
  debug: true
`
	cfg, err := Load(writeTemp(t, yaml))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	assertEqual(t, "work_dir", cfg.WorkDir, "/var/hammer")
	if cfg.MaxAttempts == nil || *cfg.MaxAttempts != 15 {
		t.Errorf("max_attempts = %v", cfg.MaxAttempts)
	}
	if cfg.AttemptTimeout.Duration != 45*time.Minute || cfg.SessionTimeout.Duration != 4*time.Hour {
		t.Errorf("timeouts = %v / %v", cfg.AttemptTimeout, cfg.SessionTimeout)
	}
	if !cfg.Sdist {
		t.Error("expected sdist=true")
	}
	assertEqual(t, "knowledge_base", cfg.KnowledgeBase, "./kb.yaml")

	assertEqual(t, "nix.flake_input", cfg.Nix.FlakeInput, "my_overrides")
	assertEqual(t, "nix.system", cfg.Nix.System, "aarch64-linux")
	if len(cfg.Nix.Env) != 1 || cfg.Nix.Env[0] != "NIX_CONFIG=max-jobs = 4" {
		t.Errorf("nix.env = %v", cfg.Nix.Env)
	}

	assertEqual(t, "overrides.remote", cfg.Overrides.Remote, "git@example.com:me/overrides.git")
	if cfg.Overrides.ShouldCommit() {
		t.Error("expected overrides.commit=false")
	}

	assertEqual(t, "archive.backend", cfg.Archive.Backend, "s3")
	assertEqual(t, "archive.path", cfg.Archive.Path, "hammer-archive/sessions")
	if !cfg.Archive.S3PathStyle {
		t.Error("expected archive.s3_path_style=true")
	}

	assertEqual(t, "adapter.type", cfg.Adapter.Type, "webhook")
	assertEqual(t, "adapter.secret", cfg.Adapter.Secret, "s3cret")
	if cfg.Adapter.Headers["Authorization"] != "Bearer token123" {
		t.Errorf("adapter.headers = %v", cfg.Adapter.Headers)
	}
	if cfg.Adapter.Retries == nil || *cfg.Adapter.Retries != 2 {
		t.Errorf("adapter.retries = %v", cfg.Adapter.Retries)
	}
	if !cfg.Log.Debug {
		t.Error("expected log.debug=true")
	}
}

func TestLoad_EmptyAndCommentOnly(t *testing.T) {
	for _, content := range []string{"", "   \n  \n", "# just a comment\n"} {
		cfg, err := Load(writeTemp(t, content))
		if err != nil {
			t.Fatalf("Load(%q): %v", content, err)
		}
		if cfg.WorkDir != "" || cfg.MaxAttempts != nil {
			t.Errorf("Load(%q) = %+v, want zero config", content, cfg)
		}
		if !cfg.Overrides.ShouldCommit() {
			t.Error("commit should default to true")
		}
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{"invalid yaml", "{{invalid yaml", "invalid YAML"},
		{"unknown key", "wrok_dir: /x\n", "wrok_dir"},
		{"unknown nested key", "nix:\n  binray: nix\n", "binray"},
		{"bad duration", "attempt_timeout: forever\n", "invalid duration"},
		{"negative duration", "session_timeout: -5m\n", "must not be negative"},
		{"negative attempts", "max_attempts: -1\n", "max_attempts"},
		{"bad backend", "archive:\n  backend: ftp\n  path: x\n", "archive.backend"},
		{"backend without path", "archive:\n  backend: fs\n", "archive.path"},
		{"adapter without url", "adapter:\n  type: redis\n", "adapter.url"},
		{"bad adapter", "adapter:\n  type: kafka\n  url: x\n", "adapter.type"},
		{"negative retries", "adapter:\n  type: webhook\n  url: x\n  retries: -1\n", "adapter.retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTemp(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v", err)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("HAMMER_HOOK_SECRET", "from-env")
	t.Setenv("HAMMER_WORKDIR", "")
	yaml := `work_dir: ${HAMMER_WORKDIR:-/var/hammer}
nix:
  env:
    - HDF5_DIR=${pkgs.hdf5.dev}
    - NIX_PATH=$${NIX_PATH}
    - CACHE=${HAMMER_UNSET_CACHE}
adapter:
  type: webhook
  url: ${HAMMER_HOOK_URL:-https://hooks.example.com}
  secret: ${HAMMER_HOOK_SECRET}
`
	cfg, err := Load(writeTemp(t, yaml))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	assertEqual(t, "work_dir", cfg.WorkDir, "/var/hammer")
	assertEqual(t, "adapter.url", cfg.Adapter.URL, "https://hooks.example.com")
	assertEqual(t, "adapter.secret", cfg.Adapter.Secret, "from-env")

	wantEnv := []string{"HDF5_DIR=${pkgs.hdf5.dev}", "NIX_PATH=${NIX_PATH}", "CACHE="}
	if len(cfg.Nix.Env) != len(wantEnv) {
		t.Fatalf("nix.env = %q, want %q", cfg.Nix.Env, wantEnv)
	}
	for i, want := range wantEnv {
		assertEqual(t, "nix.env", cfg.Nix.Env[i], want)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("HAMMER_A", "alice")
	t.Setenv("HAMMER_B", "bob")
	tests := []struct {
		in   string
		want string
	}{
		{"${HAMMER_A}:${HAMMER_B}", "alice:bob"},
		{"${HAMMER_A:-x}", "alice"},
		{"${HAMMER_UNSET_12345:-x}", "x"},
		{"${HAMMER_UNSET_12345}", ""},
		{"$${HAMMER_A}", "${HAMMER_A}"},
		{"${old.version}", "${old.version}"},
		{"no references", "no references"},
	}
	for _, tt := range tests {
		if got := string(expandEnv([]byte(tt.in))); got != tt.want {
			t.Errorf("expandEnv(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoad_RetriesZeroDistinctFromNil(t *testing.T) {
	cfg, err := Load(writeTemp(t, "adapter:\n  type: redis\n  url: redis://localhost:6379\n  retries: 0\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Adapter.Retries == nil || *cfg.Adapter.Retries != 0 {
		t.Errorf("retries = %v, want explicit 0", cfg.Adapter.Retries)
	}

	cfg, err = Load(writeTemp(t, "adapter:\n  type: redis\n  url: redis://localhost:6379\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Adapter.Retries != nil {
		t.Errorf("retries = %v, want nil", *cfg.Adapter.Retries)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := LoadOptional("")
	if err != nil {
		t.Fatalf("LoadOptional without file: %v", err)
	}
	if cfg.WorkDir != "" {
		t.Errorf("cfg = %+v, want empty", cfg)
	}

	if err := os.WriteFile(filepath.Join(dir, DefaultFile), []byte("work_dir: here\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional("")
	if err != nil {
		t.Fatalf("LoadOptional with default file: %v", err)
	}
	assertEqual(t, "work_dir", cfg.WorkDir, "here")

	if _, err := LoadOptional(filepath.Join(dir, "other.yaml")); err == nil {
		t.Error("explicit missing path accepted")
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hammer.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func assertEqual(t *testing.T, field, got, want string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %q, want %q", field, got, want)
	}
}
