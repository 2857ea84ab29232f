package transport

import (
	"context"
	"fmt"
	"io"
	"os"

	"tb-go/internal/config"
	"tb-go/internal/tb"
)

// NewTransportFromConfig creates a Transport implementation based on the transport config type.
func NewTransportFromConfig(ctx context.Context, cfg config.TransportConfig, logger tb.Logger) (tb.Transport, error) {
	opts := RemoteOptions{Prefix: cfg.Prefix}

	var t tb.Transport
	switch cfg.Type {
	case "memory":
		t = NewRemote(cfg.Name, NewMemoryStore(), opts, logger)
	case "local":
		if cfg.LocalRoot == "" {
			return nil, fmt.Errorf("local transport %s requires local_root to be set", cfg.Name)
		}
		if cfg.RestoreOnly {
			return NewDirect(cfg.Name, cfg.LocalRoot), nil
		}
		store, err := NewFileSystemStore(cfg.LocalRoot)
		if err != nil {
			return nil, err
		}
		t = NewRemote(cfg.Name, store, opts, logger)
	case "sftp":
		store, err := NewSFTPStore(SFTPOptions{
			Server:      cfg.SFTPServer,
			BasePath:    cfg.SFTPPath,
			KeyPath:     cfg.SSHKeyPath,
			KeyMaterial: cfg.SSHKeyValue,
		})
		if err != nil {
			return nil, fmt.Errorf("sftp transport %s: %w", cfg.Name, err)
		}
		t = NewRemote(cfg.Name, store, opts, logger)
	case "s3":
		store, err := NewS3StoreFromOptions(ctx, S3Options{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Endpoint:        cfg.S3Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 transport %s: %w", cfg.Name, err)
		}
		t = NewRemote(cfg.Name, store, opts, logger)
	case "gcs":
		creds := cfg.GCSCredentialsJSON
		if creds == "" && cfg.GCSCredentialsFile != "" {
			data, err := os.ReadFile(cfg.GCSCredentialsFile)
			if err != nil {
				return nil, fmt.Errorf("gcs transport %s: reading credentials: %w", cfg.Name, err)
			}
			creds = string(data)
		}
		store, err := NewGCSStoreFromOptions(ctx, GCSOptions{Bucket: cfg.GCSBucket, ServiceAccountJSON: creds})
		if err != nil {
			return nil, fmt.Errorf("gcs transport %s: %w", cfg.Name, err)
		}
		t = NewRemote(cfg.Name, store, opts, logger)
	default:
		return nil, fmt.Errorf("unknown transport type: %s", cfg.Type)
	}

	if cfg.RestoreOnly {
		return restoreOnly{t}, nil
	}
	return t, nil
}

// restoreOnly marks any transport as searched during restore only.
type restoreOnly struct {
	tb.Transport
}

func (restoreOnly) RestoreOnly() bool { return true }

func (r restoreOnly) Close() error {
	if c, ok := r.Transport.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
