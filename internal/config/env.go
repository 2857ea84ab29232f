package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Names of the transports derived from environment variables.
const (
	EnvSFTPTransport  = "sftp"
	EnvLocalTransport = "local"
	EnvS3Transport    = "s3"
	EnvGCSTransport   = "gcs"
)

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// LoadDotenv loads a dotenv file into the process environment without overriding
// variables that are already set. path wins over DOTENV_PATH; with neither, ./.env is
// used if it exists.
func LoadDotenv(path string) (string, error) {
	if path == "" {
		path = os.Getenv("DOTENV_PATH")
	}
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return "", nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return "", fmt.Errorf("loading %s: %w", path, err)
	}
	return path, nil
}

// ApplyEnv overlays environment settings onto cfg and appends the transports they
// describe. A transport whose settings are incomplete is left out silently, as is one
// whose name is already configured in the file.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}
	var errs []string
	setInt := func(key string, dst *int) {
		if v := get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q is not a number", key, v))
				return
			}
			*dst = n
		}
	}

	if v := get("CLIENT_NAME"); v != "" {
		cfg.Client = v
	}
	if v := get("ENV_TYPE"); v != "" {
		cfg.Environment = v
	}
	setInt("COMPRESSION_LEVEL", &cfg.Compression.Level)
	if v := get("USE_FAST_COMPRESSION"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("USE_FAST_COMPRESSION=%q is not a boolean", v))
		} else {
			cfg.Compression.Fast = b
		}
	}
	setInt("RETENTION_DAILY_DAYS", &cfg.Retention.DailyDays)
	setInt("RETENTION_WEEKLY_INTERVAL", &cfg.Retention.WeeklyInterval)
	setInt("RETENTION_WEEKLY_COUNT", &cfg.Retention.WeeklyCount)
	setInt("DUMP_ATTEMPTS", &cfg.Backup.DumpAttempts)

	if v := get("DR_INSTANCE_ID"); v != "" {
		cfg.Validation.Enabled = true
		cfg.Validation.InstanceID = v
	}
	if v := get("DR_REGION"); v != "" {
		cfg.Validation.Region = v
	}
	if v := get("DR_SSH_USER"); v != "" {
		cfg.Validation.SSHUser = v
	}
	if v := get("DR_RESTORE_COMMAND"); v != "" {
		cfg.Validation.RestoreCommand = v
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}

	region := get("AWS_REGION")
	if region == "" {
		region = "ap-southeast-1"
	}
	if cfg.Validation.Region == "" {
		cfg.Validation.Region = region
	}
	keyPath := get("SSH_KEY_PATH")
	keyValue := get("SSH_PRIVATE_KEY")
	if keyPath == "" && keyValue != "" {
		keyPath = filepath.Join(cfg.BaseDir, "keys", "ssh_key")
	}
	if cfg.Validation.SSHKeyPath == "" {
		cfg.Validation.SSHKeyPath = keyPath
	}
	cfg.Validation.SSHKeyValue = keyValue
	cfg.Validation.AccessKeyID = get("AWS_ACCESS_KEY_ID")
	cfg.Validation.SecretAccessKey = get("AWS_SECRET_ACCESS_KEY")

	server, remotePath := get("REMOTE_SERVER"), get("REMOTE_PATH")
	if server != "" && remotePath != "" && keyPath != "" {
		cfg.addTransport(TransportConfig{
			Type:        "sftp",
			Name:        EnvSFTPTransport,
			SFTPServer:  server,
			SFTPPath:    remotePath,
			SSHKeyPath:  keyPath,
			SSHKeyValue: keyValue,
		})
	}
	if remotePath != "" {
		cfg.addTransport(TransportConfig{
			Type:        "local",
			Name:        EnvLocalTransport,
			LocalRoot:   remotePath,
			RestoreOnly: true,
		})
	}

	bucket := get("AWS_BUCKET_NAME")
	prefix := get("AWS_S3_PREFIX")
	if prefix == "" {
		prefix = "tutor-backup"
	}
	accessKey, secretKey := get("AWS_ACCESS_KEY_ID"), get("AWS_SECRET_ACCESS_KEY")
	if bucket != "" && accessKey != "" && secretKey != "" {
		cfg.addTransport(TransportConfig{
			Type:              "s3",
			Name:              EnvS3Transport,
			Prefix:            prefix,
			S3Bucket:          bucket,
			S3Region:          region,
			S3AccessKeyID:     accessKey,
			S3SecretAccessKey: secretKey,
		})
	}

	gcsJSON := get("GCP_SERVICE_ACCOUNT_JSON")
	gcsBucket := get("GCS_BUCKET_NAME")
	if gcsBucket == "" {
		gcsBucket = bucket
	}
	gcsPrefix := get("GCS_PREFIX")
	if gcsPrefix == "" {
		gcsPrefix = prefix
	}
	if gcsJSON != "" && gcsBucket != "" {
		cfg.addTransport(TransportConfig{
			Type:               "gcs",
			Name:               EnvGCSTransport,
			Prefix:             gcsPrefix,
			GCSBucket:          gcsBucket,
			GCSCredentialsJSON: gcsJSON,
		})
	}

	if len(cfg.Restore.SearchOrder) == 0 {
		cfg.Restore.SearchOrder = cfg.defaultSearchOrder()
	}
	return nil
}

func (c *Config) addTransport(t TransportConfig) {
	for _, existing := range c.Transports {
		if existing.Name == t.Name {
			return
		}
	}
	c.Transports = append(c.Transports, t)
}

// defaultSearchOrder searches direct local copies first, then S3, then GCS, then any
// other configured transport in file order.
func (c *Config) defaultSearchOrder() []string {
	rank := map[string]int{"local": 0, "s3": 1, "gcs": 2}
	var order []string
	for pass := 0; pass <= 3; pass++ {
		for _, t := range c.Transports {
			r, ok := rank[t.Type]
			if !ok {
				r = 3
			}
			if r == pass {
				order = append(order, t.Name)
			}
		}
	}
	return order
}
