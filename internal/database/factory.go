package database

import (
	"fmt"
	"path/filepath"

	"tb-go/internal/config"
	"tb-go/internal/tb"
)

// NewHistoryFromConfig creates a History based on the database config type. Each
// client and environment pair gets its own database file.
func NewHistoryFromConfig(cfg config.DatabaseConfig, client, environment string) (tb.History, error) {
	var path string
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		path = filepath.Join(cfg.DataDir, client+"-"+environment+".db")
	case "memory":
		path = ":memory:"
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}

	h, err := NewSQLiteHistory(path)
	if err != nil {
		return nil, err
	}
	return h, nil
}
