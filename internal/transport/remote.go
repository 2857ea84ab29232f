package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"tb-go/internal/tb"
)

// DefaultWorkers bounds concurrent per-file transfers within one transport.
const DefaultWorkers = 10

// RemoteOptions tunes a Remote transport.
type RemoteOptions struct {
	// Prefix is the namespace below which backup folders live.
	Prefix string
	// Workers bounds concurrent file transfers. Zero means DefaultWorkers.
	Workers int
	// MaxConsecutiveFailures stops an upload early once that many files in a row have
	// failed. Zero means 3.
	MaxConsecutiveFailures uint32
	// DeleteRate limits object deletions per second during pruning. Zero means unlimited.
	DeleteRate float64
}

// Remote is a tb.Transport storing each backup folder as objects below
// {prefix}/{folder}/ in an ObjectStore.
type Remote struct {
	name    string
	store   ObjectStore
	opts    RemoteOptions
	limiter *rate.Limiter
	logger  tb.Logger
}

// NewRemote creates a Remote transport over store.
func NewRemote(name string, store ObjectStore, opts RemoteOptions, logger tb.Logger) *Remote {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxConsecutiveFailures == 0 {
		opts.MaxConsecutiveFailures = 3
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.DeleteRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.DeleteRate), 1)
	}
	return &Remote{name: name, store: store, opts: opts, limiter: limiter, logger: logger}
}

func (r *Remote) Name() string { return r.name }

// Close releases the store's connection, if it holds one.
func (r *Remote) Close() error {
	if c, ok := r.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (r *Remote) folderKey(folder string) string {
	return joinKey(r.opts.Prefix, folder)
}

// Upload sends every file and its checksum sibling. Transfers run concurrently; once
// MaxConsecutiveFailures files fail in a row the remaining ones are not attempted.
func (r *Remote) Upload(ctx context.Context, folder string, files []string) error {
	var paths []string
	for _, f := range files {
		paths = append(paths, f)
		if _, err := os.Stat(tb.ChecksumPath(f)); err == nil {
			paths = append(paths, tb.ChecksumPath(f))
		}
	}

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name: r.name + "-upload",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.opts.MaxConsecutiveFailures
		},
		Timeout: time.Hour,
	})

	tasks := make([]tb.Task[struct{}], 0, len(paths))
	for _, p := range paths {
		key := joinKey(r.folderKey(folder), filepath.Base(p))
		tasks = append(tasks, tb.Task[struct{}]{
			Name: filepath.Base(p),
			Fn: func(ctx context.Context) (struct{}, error) {
				return breaker.Execute(func() (struct{}, error) {
					return struct{}{}, r.putFile(ctx, p, key)
				})
			},
		})
	}

	var errs []error
	for _, res := range tb.RunAll(ctx, r.opts.Workers, tasks) {
		if res.Err != nil {
			r.logger.Warn("file upload failed", "transport", r.name, "file", res.Name, "error", res.Err)
			errs = append(errs, fmt.Errorf("%s: %w", res.Name, res.Err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d files failed: %w", len(errs), len(paths), errors.Join(errs...))
	}
	return nil
}

func (r *Remote) putFile(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}

	start := time.Now()
	if err := r.store.Put(ctx, key, f, info.Size()); err != nil {
		return err
	}
	r.logger.Debug("file uploaded", "transport", r.name, "key", key,
		"size", humanize.IBytes(uint64(info.Size())), "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// Locate downloads the set into scratchDir, but only when every required archive is
// present remotely.
func (r *Remote) Locate(ctx context.Context, folder string, scratchDir string) (*tb.LocatedSet, error) {
	prefix := r.folderKey(folder)
	keys, err := r.store.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing %s on %s: %w", prefix, r.name, err)
	}

	present := make(map[string]string, len(keys))
	for _, k := range keys {
		present[path.Base(k)] = k
	}
	for _, name := range tb.RequiredArchives {
		if _, ok := present[name]; !ok {
			return nil, fmt.Errorf("%w: %s lacks %s on %s", tb.ErrBackupSetNotFound, folder, name, r.name)
		}
	}

	if err := os.MkdirAll(scratchDir, 0755); err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}

	var tasks []tb.Task[struct{}]
	for _, kind := range []tb.ArtifactKind{tb.KindMySQL, tb.KindMongoDB, tb.KindMedia, tb.KindConfig, tb.KindPlugins} {
		for _, name := range []string{tb.ArchiveName(kind), tb.ArchiveName(kind) + tb.ChecksumSuffix} {
			key, ok := present[name]
			if !ok {
				continue
			}
			dest := filepath.Join(scratchDir, name)
			tasks = append(tasks, tb.Task[struct{}]{
				Name: name,
				Fn: func(ctx context.Context) (struct{}, error) {
					return struct{}{}, r.getFile(ctx, key, dest)
				},
			})
		}
	}

	var errs []error
	for _, res := range tb.RunAll(ctx, r.opts.Workers, tasks) {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Name, res.Err))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("downloading %s from %s: %w", folder, r.name, errors.Join(errs...))
	}

	return &tb.LocatedSet{Dir: scratchDir, Downloaded: true, Transport: r.name}, nil
}

func (r *Remote) getFile(ctx context.Context, key, dest string) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := r.store.Get(ctx, key, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	success = true
	r.logger.Debug("file downloaded", "transport", r.name, "key", key)
	return nil
}

// ListFolders returns the folder names below the prefix.
func (r *Remote) ListFolders(ctx context.Context) ([]string, error) {
	return r.store.Dirs(ctx, r.opts.Prefix)
}

// DeleteFolder removes every object of folder, throttled by DeleteRate.
func (r *Remote) DeleteFolder(ctx context.Context, folder string) error {
	prefix := r.folderKey(folder)
	keys, err := r.store.Keys(ctx, prefix)
	if err != nil {
		return fmt.Errorf("listing %s: %w", prefix, err)
	}

	var errs []error
	for _, k := range keys {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := r.store.Delete(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if dr, ok := r.store.(DirRemover); ok {
		if err := dr.RemoveDir(ctx, prefix); err != nil {
			return fmt.Errorf("removing %s: %w", prefix, err)
		}
	}
	return nil
}

var _ tb.Transport = (*Remote)(nil)
