package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"tb-go/internal/config"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - TB_CONFIG_PATH: config file location (default: ~/.config/tb.toml)
//   - TB_HOME: base directory for tb data (default: ~/.local/share/tb)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// getConfigPath returns the config file path, checking TB_CONFIG_PATH env var first,
// then falling back to the default ~/.config/tb.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("TB_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "tb.toml"), nil
}

// getBaseDir returns the base directory for tb data, checking TB_HOME env var first,
// then falling back to the XDG default ~/.local/share/tb.
func getBaseDir() (string, error) {
	if path := os.Getenv("TB_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "tb"), nil
}

// LoadConfig builds the effective configuration: defaults rooted at baseDir, then the
// TOML file at configPath when it exists, then the dotenv file and process environment.
// The result is validated.
func LoadConfig(configPath, baseDir, dotenvPath string) (*config.Config, error) {
	cfg := config.NewConfig(baseDir)

	if _, err := os.Stat(configPath); err == nil {
		cfg, err = config.ReadFromFile(configPath, cfg)
		if err != nil {
			return nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("checking config file: %w", err)
	}

	if _, err := config.LoadDotenv(dotenvPath); err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
