package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/storage/v1"
)

// GCSOptions configures a GCSStore.
type GCSOptions struct {
	Bucket string
	// ServiceAccountJSON is the key of the service account. Empty means application
	// default credentials.
	ServiceAccountJSON string
	// Endpoint overrides the API base path.
	Endpoint string
}

// GCSStore is an ObjectStore over one Google Cloud Storage bucket.
type GCSStore struct {
	svc    *storage.Service
	bucket string
}

// NewGCSStore creates a store over an existing service.
func NewGCSStore(svc *storage.Service, bucket string) *GCSStore {
	return &GCSStore{svc: svc, bucket: bucket}
}

// NewGCSStoreFromOptions authenticates with the service-account key and creates the
// storage service.
func NewGCSStoreFromOptions(ctx context.Context, opts GCSOptions) (*GCSStore, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("gcs transport requires a bucket")
	}

	var clientOpts []option.ClientOption
	if opts.ServiceAccountJSON != "" {
		jwt, err := google.JWTConfigFromJSON([]byte(opts.ServiceAccountJSON), storage.DevstorageReadWriteScope)
		if err != nil {
			return nil, fmt.Errorf("parsing service account key: %w", err)
		}
		clientOpts = append(clientOpts, option.WithHTTPClient(jwt.Client(ctx)))
	} else {
		client, err := google.DefaultClient(ctx, storage.DevstorageReadWriteScope)
		if err != nil {
			return nil, fmt.Errorf("loading default credentials: %w", err)
		}
		clientOpts = append(clientOpts, option.WithHTTPClient(client))
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}

	svc, err := storage.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating storage service: %w", err)
	}
	return NewGCSStore(svc, opts.Bucket), nil
}

// Put uploads the object with a resumable media upload.
func (s *GCSStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	obj, err := s.svc.Objects.Insert(s.bucket, &storage.Object{Name: key}).Media(r).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("uploading gs://%s/%s: %w", s.bucket, key, err)
	}
	if obj.Size != uint64(size) {
		return fmt.Errorf("size mismatch for gs://%s/%s: expected %d bytes, stored %d", s.bucket, key, size, obj.Size)
	}
	return nil
}

// Get streams the object to w.
func (s *GCSStore) Get(ctx context.Context, key string, w io.Writer) error {
	res, err := s.svc.Objects.Get(s.bucket, key).Context(ctx).Download()
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: gs://%s/%s", ErrObjectNotFound, s.bucket, key)
		}
		return fmt.Errorf("downloading gs://%s/%s: %w", s.bucket, key, err)
	}
	defer res.Body.Close()

	if _, err := io.Copy(w, res.Body); err != nil {
		return fmt.Errorf("reading gs://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// Keys pages through every object below prefix.
func (s *GCSStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.svc.Objects.List(s.bucket).Prefix(dirPrefix(prefix)).Pages(ctx, func(objs *storage.Objects) error {
		for _, o := range objs.Items {
			keys = append(keys, o.Name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing gs://%s/%s: %w", s.bucket, prefix, err)
	}
	return keys, nil
}

// Dirs lists the prefixes one level below prefix.
func (s *GCSStore) Dirs(ctx context.Context, prefix string) ([]string, error) {
	base := dirPrefix(prefix)
	var dirs []string
	err := s.svc.Objects.List(s.bucket).Prefix(base).Delimiter("/").Pages(ctx, func(objs *storage.Objects) error {
		for _, p := range objs.Prefixes {
			if name := strings.TrimSuffix(strings.TrimPrefix(p, base), "/"); name != "" {
				dirs = append(dirs, name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing gs://%s/%s: %w", s.bucket, prefix, err)
	}
	return dirs, nil
}

// Delete removes one object.
func (s *GCSStore) Delete(ctx context.Context, key string) error {
	if err := s.svc.Objects.Delete(s.bucket, key).Context(ctx).Do(); err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting gs://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

var _ ObjectStore = (*GCSStore)(nil)
