package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type sample struct {
	Name    string        `yaml:"name"`
	Timeout time.Duration `yaml:"timeout"`
	Token   string        `yaml:"token"`
}

func (s *sample) Validate() error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadExpandsEnvAndKeepsDefaults(t *testing.T) {
	t.Setenv("DW_TEST_TOKEN", "s3cret")
	p := writeConfig(t, "name: edge-01\ntoken: ${DW_TEST_TOKEN}\n")

	cfg := sample{Timeout: 5 * time.Second}
	if err := Load(p, &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Token != "s3cret" {
		t.Errorf("token = %q", cfg.Token)
	}
	if cfg.Timeout != 5*time.Second {
		t.Errorf("default timeout lost: %v", cfg.Timeout)
	}
}

func TestLoadParsesDurations(t *testing.T) {
	p := writeConfig(t, "name: x\ntimeout: 300ms\n")
	var cfg sample
	if err := Load(p, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Timeout != 300*time.Millisecond {
		t.Errorf("timeout = %v", cfg.Timeout)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	p := writeConfig(t, "name: x\ntimeuot: 1s\n")
	var cfg sample
	if err := Load(p, &cfg); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestLoadRunsValidator(t *testing.T) {
	p := writeConfig(t, "timeout: 1s\n")
	var cfg sample
	err := Load(p, &cfg)
	if err == nil || !strings.Contains(err.Error(), "name is required") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadOptional(t *testing.T) {
	cfg := sample{Name: "default"}
	if err := LoadOptional(filepath.Join(t.TempDir(), "missing.yaml"), &cfg); err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if cfg.Name != "default" {
		t.Errorf("name = %q", cfg.Name)
	}

	var empty sample
	if err := LoadOptional(filepath.Join(t.TempDir(), "missing.yaml"), &empty); err == nil {
		t.Error("defaults should still be validated")
	}

	// An empty file keeps the defaults.
	p := writeConfig(t, "")
	if err := Load(p, &cfg); err != nil {
		t.Errorf("empty file: %v", err)
	}
}
