package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for tb.
type Config struct {
	Client      string            `toml:"client"`
	Environment string            `toml:"environment"`
	BaseDir     string            `toml:"base_dir"`
	LogDir      string            `toml:"log_dir"`
	Backup      BackupConfig      `toml:"backup"`
	Restore     RestoreConfig     `toml:"restore"`
	Compression CompressionConfig `toml:"compression"`
	Retention   RetentionConfig   `toml:"retention"`
	Stack       StackConfig       `toml:"stack"`
	Transports  []TransportConfig `toml:"transports"`
	Validation  ValidationConfig  `toml:"validation"`
	Database    DatabaseConfig    `toml:"database"`
	Metrics     MetricsConfig     `toml:"metrics"`
}

// BackupConfig holds settings of the backup run.
type BackupConfig struct {
	WorkDir            string `toml:"work_dir"`
	DumpAttempts       int    `toml:"dump_attempts"`
	DumpBackoffSeconds int    `toml:"dump_backoff_seconds"`
	IncludeConfig      bool   `toml:"include_config"`
	IncludePlugins     bool   `toml:"include_plugins"`
}

// RestoreConfig holds settings of the restore run.
type RestoreConfig struct {
	ScratchDir string `toml:"scratch_dir"`
	// SearchOrder lists transport names in the order they are searched.
	SearchOrder         []string `toml:"search_order,omitempty"`
	DropMongoDatabases bool     `toml:"drop_mongo_databases"`
}

// CompressionConfig tunes the archive builder.
type CompressionConfig struct {
	Level int  `toml:"level"` // 1-9
	Fast  bool `toml:"fast"`  // use external parallel compressors for large sources
}

// RetentionConfig holds the retention policy parameters.
type RetentionConfig struct {
	DailyDays      int `toml:"daily_days"`
	WeeklyInterval int `toml:"weekly_interval"`
	WeeklyCount    int `toml:"weekly_count"`
}

// StackConfig describes how the tutor stack is reached.
type StackConfig struct {
	TutorBin       string `toml:"tutor_bin"` // command line, e.g. "sudo -u ubuntu tutor"
	ComposeProject string `toml:"compose_project"`
	// Root overrides `tutor config printroot` when set.
	Root string `toml:"root,omitempty"`
	// MongoShell is the shell used inside the mongodb container to list and drop databases.
	MongoShell string `toml:"mongo_shell"`
	// Privileged enables the `sudo -n` retries for archiving, extraction and file staging.
	Privileged bool `toml:"privileged"`
}

// TransportConfig represents configuration for a transport.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type TransportConfig struct {
	Type        string `toml:"type"` // "sftp", "s3", "gcs", "local" or "memory"
	Name        string `toml:"name"`
	Prefix      string `toml:"prefix,omitempty"`
	RestoreOnly bool   `toml:"restore_only,omitempty"`

	// SFTP-specific fields (only used when Type == "sftp")
	SFTPServer  string `toml:"sftp_server,omitempty"`
	SFTPPath    string `toml:"sftp_path,omitempty"`
	SSHKeyPath  string `toml:"ssh_key_path,omitempty"`
	SSHKeyValue string `toml:"-"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID     string `toml:"-"`
	S3SecretAccessKey string `toml:"-"`

	// GCS-specific fields (only used when Type == "gcs")
	GCSBucket          string `toml:"gcs_bucket,omitempty"`
	GCSCredentialsFile string `toml:"gcs_credentials_file,omitempty"`
	GCSCredentialsJSON string `toml:"-"`

	// Local-specific fields (only used when Type == "local")
	LocalRoot string `toml:"local_root,omitempty"`
}

// ValidationConfig configures remote restore validation.
type ValidationConfig struct {
	Enabled             bool   `toml:"enabled"`
	InstanceID          string `toml:"instance_id,omitempty"`
	Region              string `toml:"region,omitempty"`
	SSHUser             string `toml:"ssh_user,omitempty"`
	SSHKeyPath          string `toml:"ssh_key_path,omitempty"`
	RestoreCommand      string `toml:"restore_command,omitempty"`
	PollAttempts        int    `toml:"poll_attempts"`
	PollIntervalSeconds int    `toml:"poll_interval_seconds"`

	AccessKeyID     string `toml:"-"`
	SecretAccessKey string `toml:"-"`
	// SSHKeyValue materializes SSHKeyPath when the file is missing.
	SSHKeyValue string `toml:"-"`
}

// DatabaseConfig represents configuration for the run-history database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// MetricsConfig configures the Prometheus textfile written after each run.
type MetricsConfig struct {
	TextfileDir string `toml:"textfile_dir,omitempty"`
}

// TransportTypes lists the recognized TransportConfig.Type values.
var TransportTypes = []string{"sftp", "s3", "gcs", "local", "memory"}

// NewConfig creates a Config with defaults rooted at baseDir.
func NewConfig(baseDir string) *Config {
	return &Config{
		Client:      "buma",
		Environment: "prod",
		BaseDir:     baseDir,
		LogDir:      filepath.Join(baseDir, "log"),
		Backup: BackupConfig{
			WorkDir:            filepath.Join(baseDir, "backups"),
			DumpAttempts:       1,
			DumpBackoffSeconds: 30,
			IncludeConfig:      true,
			IncludePlugins:     true,
		},
		Restore: RestoreConfig{
			ScratchDir: filepath.Join(baseDir, "restore"),
		},
		Compression: CompressionConfig{Level: 3, Fast: true},
		Retention:   RetentionConfig{DailyDays: 2, WeeklyInterval: 7, WeeklyCount: 52},
		Stack:       StackConfig{TutorBin: "tutor", ComposeProject: "tutor_local", MongoShell: "mongosh", Privileged: true},
		Validation: ValidationConfig{
			SSHUser:             "ubuntu",
			PollAttempts:        30,
			PollIntervalSeconds: 10,
		},
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
	}
}

// Validate checks the configuration for values no component can work with.
func (c *Config) Validate() error {
	if c.Client == "" || c.Environment == "" {
		return fmt.Errorf("client and environment must be set")
	}
	if c.Compression.Level < 1 || c.Compression.Level > 9 {
		return fmt.Errorf("compression level must be between 1 and 9, got %d", c.Compression.Level)
	}
	if c.Retention.DailyDays < 1 || c.Retention.WeeklyInterval < 1 || c.Retention.WeeklyCount < 0 {
		return fmt.Errorf("invalid retention: daily_days=%d weekly_interval=%d weekly_count=%d",
			c.Retention.DailyDays, c.Retention.WeeklyInterval, c.Retention.WeeklyCount)
	}
	if c.Backup.DumpAttempts < 1 {
		return fmt.Errorf("dump_attempts must be at least 1, got %d", c.Backup.DumpAttempts)
	}
	seen := make(map[string]bool)
	for _, t := range c.Transports {
		if t.Name == "" {
			return fmt.Errorf("transport of type %q has no name", t.Type)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate transport name %q", t.Name)
		}
		if !slices.Contains(TransportTypes, t.Type) {
			return fmt.Errorf("transport %q has unknown type %q", t.Name, t.Type)
		}
		seen[t.Name] = true
	}
	for _, name := range c.Restore.SearchOrder {
		if !seen[name] {
			return fmt.Errorf("search_order names unknown transport %q", name)
		}
	}
	if c.Validation.Enabled && c.Validation.InstanceID == "" {
		return fmt.Errorf("validation is enabled but no instance_id is set")
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader, on top of the defaults in base.
func (m *Manager) Read(r io.Reader, base *Config) (*Config, error) {
	cfg := *base
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path on top of base.
func ReadFromFile(path string, base *Config) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f, base)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
