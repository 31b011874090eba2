package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "infinoted.conf")
	contents := "# comment\nport = 7000\nsecurity-policy = require-tls\nroot-directory = /srv/docs\nautosave-interval = 2m\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := Default()
	if err := LoadFile(&cfg, path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Port != 7000 {
		t.Fatalf("expected port 7000, got %d", cfg.Port)
	}
	if cfg.SecurityPolicy != RequireTLS {
		t.Fatalf("expected require-tls, got %q", cfg.SecurityPolicy)
	}
	if cfg.RootDirectory != "/srv/docs" {
		t.Fatalf("expected /srv/docs, got %q", cfg.RootDirectory)
	}
	if cfg.AutosaveInterval != 2*time.Minute {
		t.Fatalf("expected 2m, got %v", cfg.AutosaveInterval)
	}
	// untouched default survives
	if cfg.SyncInterval != 5*time.Second {
		t.Fatalf("expected untouched default sync interval, got %v", cfg.SyncInterval)
	}
}

func TestLoadFileMissingIsNotAnError(t *testing.T) {
	cfg := Default()
	if err := LoadFile(&cfg, filepath.Join(t.TempDir(), "nope.conf")); err != nil {
		t.Fatalf("expected no error for a missing config file, got %v", err)
	}
}

func TestLoadFileRejectsUnknownKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.conf")
	if err := os.WriteFile(path, []byte("bogus-flag = 1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg := Default()
	if err := LoadFile(&cfg, path); err == nil {
		t.Fatal("expected an error for an unknown config key")
	}
}

func TestParseSecurityPolicyRejectsUnknown(t *testing.T) {
	if _, err := ParseSecurityPolicy("maybe-tls"); err == nil {
		t.Fatal("expected an error for an unrecognized security policy")
	}
	p, err := ParseSecurityPolicy("no-tls")
	if err != nil || p != NoTLS {
		t.Fatalf("expected no-tls, got %q, err %v", p, err)
	}
}

func TestApplyEnvOverridesDefaults(t *testing.T) {
	t.Setenv("INFINOTED_PORT", "9999")
	t.Setenv("INFINOTED_LOG_LEVEL", "debug")

	cfg := Default()
	if err := applyEnv(&cfg); err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if cfg.Port != 9999 {
		t.Fatalf("expected port 9999, got %d", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected debug, got %q", cfg.LogLevel)
	}
}

func TestLoadMergesFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "infinoted.conf")
	if err := os.WriteFile(path, []byte("port = 7000\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("INFINOTED_PORT", "8000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8000 {
		t.Fatalf("expected env to win over file, got %d", cfg.Port)
	}
}

func TestBindFlagsOverridesMergedConfig(t *testing.T) {
	cfg := Default()
	cfg.Port = 7000

	cmd := &cobra.Command{
		Use: "server",
		RunE: func(*cobra.Command, []string) error {
			return nil
		},
	}
	BindFlags(cmd, &cfg)

	cmd.SetArgs([]string{"--port=9000", "--security-policy=require-tls"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cfg.Port != 9000 {
		t.Fatalf("expected flag to override merged config, got port %d", cfg.Port)
	}
	if cfg.SecurityPolicy != RequireTLS {
		t.Fatalf("expected require-tls, got %q", cfg.SecurityPolicy)
	}
}
