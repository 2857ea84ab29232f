package database

import (
	"os"
	"path/filepath"
	"testing"

	"tb-go/internal/config"
)

func TestNewHistoryFromConfig(t *testing.T) {
	t.Run("memory database", func(t *testing.T) {
		got, err := NewHistoryFromConfig(config.DatabaseConfig{Type: "memory"}, "acme", "prod")
		if err != nil {
			t.Fatalf("NewHistoryFromConfig() unexpected error: %v", err)
		}
		got.Close()
	})

	t.Run("sqlite database", func(t *testing.T) {
		dir := t.TempDir()
		got, err := NewHistoryFromConfig(config.DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(dir, "db")}, "acme", "prod")
		if err != nil {
			t.Fatalf("NewHistoryFromConfig() unexpected error: %v", err)
		}
		defer got.Close()
		if _, err := os.Stat(filepath.Join(dir, "db", "acme-prod.db")); err != nil {
			t.Errorf("database file not created: %v", err)
		}
	})

	errorCases := []struct {
		name string
		cfg  config.DatabaseConfig
	}{
		{"sqlite without data_dir", config.DatabaseConfig{Type: "sqlite"}},
		{"unknown type", config.DatabaseConfig{Type: "postgres"}},
	}
	for _, tt := range errorCases {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewHistoryFromConfig(tt.cfg, "acme", "prod")
			if err == nil {
				t.Error("expected an error")
			}
			if got != nil {
				t.Error("should return nil on error")
				got.Close()
			}
		})
	}
}
