package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvMissingFile(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
}

func TestLoadEnvParsesAndQuotes(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	body := "# comment\nEXCHANGE_KEY=abc\nEXCHANGE_SECRET=\"quo ted\"\nEMPTY\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("EXCHANGE_KEY", "")
	os.Unsetenv("EXCHANGE_KEY")
	t.Setenv("EXCHANGE_SECRET", "")
	os.Unsetenv("EXCHANGE_SECRET")
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("EXCHANGE_KEY"); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
	if got := os.Getenv("EXCHANGE_SECRET"); got != "quo ted" {
		t.Fatalf("expected quoted value, got %q", got)
	}
}

func TestLoadEnvDoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("EXCHANGE_KEY=file\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("EXCHANGE_KEY", "existing")
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("EXCHANGE_KEY"); got != "existing" {
		t.Fatalf("existing env should win, got %q", got)
	}
}
