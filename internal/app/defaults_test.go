package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGetDefaults(t *testing.T) {
	t.Run("uses env vars when set", func(t *testing.T) {
		t.Setenv("TB_CONFIG_PATH", "/custom/config.toml")
		t.Setenv("TB_HOME", "/custom/tb")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		if defaults["config_path"] != "/custom/config.toml" {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], "/custom/config.toml")
		}
		if defaults["base_dir"] != "/custom/tb" {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], "/custom/tb")
		}
		if defaults["log_dir"] != "/custom/tb/log" {
			t.Errorf("log_dir = %q, want %q", defaults["log_dir"], "/custom/tb/log")
		}
	})

	t.Run("falls back to home dir defaults", func(t *testing.T) {
		t.Setenv("TB_CONFIG_PATH", "")
		t.Setenv("TB_HOME", "")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		homeDir, _ := os.UserHomeDir()

		wantConfig := filepath.Join(homeDir, ".config", "tb.toml")
		if defaults["config_path"] != wantConfig {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], wantConfig)
		}

		wantBase := filepath.Join(homeDir, ".local", "share", "tb")
		if defaults["base_dir"] != wantBase {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], wantBase)
		}
	})
}

// clearTransportEnv blanks every variable that would add a transport.
func clearTransportEnv(t *testing.T) {
	for _, key := range []string{
		"CLIENT_NAME", "ENV_TYPE", "REMOTE_SERVER", "REMOTE_PATH", "SSH_PRIVATE_KEY", "SSH_KEY_PATH",
		"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_BUCKET_NAME", "GCP_SERVICE_ACCOUNT_JSON",
		"GCS_BUCKET_NAME", "DR_INSTANCE_ID", "COMPRESSION_LEVEL", "DOTENV_PATH",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfig(t *testing.T) {
	t.Run("file and environment", func(t *testing.T) {
		clearTransportEnv(t)
		t.Setenv("CLIENT_NAME", "acme")
		t.Setenv("REMOTE_PATH", "/mnt/backups")

		dir := t.TempDir()
		path := filepath.Join(dir, "tb.toml")
		toml := `
environment = "staging"

[[transports]]
type = "memory"
name = "scratch"
`
		if err := os.WriteFile(path, []byte(toml), 0600); err != nil {
			t.Fatal(err)
		}

		cfg, err := LoadConfig(path, dir, "")
		if err != nil {
			t.Fatalf("LoadConfig() error: %v", err)
		}
		if cfg.Client != "acme" || cfg.Environment != "staging" {
			t.Errorf("client/environment = %s/%s", cfg.Client, cfg.Environment)
		}
		if len(cfg.Transports) != 2 {
			t.Fatalf("transports = %+v", cfg.Transports)
		}
		if got := strings.Join(cfg.Restore.SearchOrder, ","); got != "local,scratch" {
			t.Errorf("search order = %s", got)
		}
		if cfg.Database.DataDir != filepath.Join(dir, "db") {
			t.Errorf("data dir = %s", cfg.Database.DataDir)
		}
	})

	t.Run("environment only", func(t *testing.T) {
		clearTransportEnv(t)
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"), t.TempDir(), "")
		if err != nil {
			t.Fatalf("LoadConfig() error: %v", err)
		}
		if cfg.Client != "buma" || cfg.Environment != "prod" {
			t.Errorf("defaults not applied: %s/%s", cfg.Client, cfg.Environment)
		}
	})

	t.Run("invalid environment", func(t *testing.T) {
		clearTransportEnv(t)
		t.Setenv("COMPRESSION_LEVEL", "12")
		if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"), t.TempDir(), ""); err == nil {
			t.Error("expected a validation error")
		}
	})

	t.Run("missing dotenv file", func(t *testing.T) {
		clearTransportEnv(t)
		if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"), t.TempDir(), "/nonexistent/.env"); err == nil {
			t.Error("expected an error for an explicit dotenv path that does not exist")
		}
	})
}
