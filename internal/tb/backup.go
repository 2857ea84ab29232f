package tb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
)

// ErrAlreadyBackedUp is returned by the idempotency gate when today's working
// directory already exists.
var ErrAlreadyBackedUp = errors.New("backup already taken today")

// BackupOptions configures a BackupService.
type BackupOptions struct {
	Client      string
	Environment string
	// WorkDir is the local root under which the dated backup folder is created.
	WorkDir string
	// DumpRetry applies to each Dumper independently.
	DumpRetry RetryPolicy
	// IncludeConfig archives the stack root (data excluded) as an extra artifact.
	IncludeConfig bool
	// IncludePlugins archives the plugins tree when it exists.
	IncludePlugins bool
}

// BackupService runs one backup: prune, dump, compress, checksum, transfer, cleanup and
// the optional remote validation.
type BackupService struct {
	opts       BackupOptions
	resolver   ConfigResolver
	dumpers    []Dumper
	archiver   Archiver
	transports []Transport
	pruner     *Pruner
	validator  *RemoteValidator
	logger     Logger
	clock      Clock
}

// NewBackupService creates a BackupService. validator may be nil to skip remote
// validation. Restore-only transports are filtered out.
func NewBackupService(opts BackupOptions, resolver ConfigResolver, dumpers []Dumper, archiver Archiver, transports []Transport, pruner *Pruner, validator *RemoteValidator, logger Logger, clock Clock) *BackupService {
	return &BackupService{
		opts:       opts,
		resolver:   resolver,
		dumpers:    dumpers,
		archiver:   archiver,
		transports: BackupTransports(transports),
		pruner:     pruner,
		validator:  validator,
		logger:     logger,
		clock:      clock,
	}
}

// Run executes one backup. The report is always returned, also alongside a fatal error.
// A second run on the same calendar day is a no-op reported as StatusSkipped.
func (s *BackupService) Run(ctx context.Context) (*RunReport, error) {
	now := s.clock.Now()
	set := NewBackupSet(s.opts.Client, s.opts.Environment, now)
	folder := set.FolderName()
	report := NewRunReport("backup", folder, now)

	s.logger.Info("backup started", "folder", folder, "transports", len(s.transports))
	err := s.run(ctx, report, set)
	if errors.Is(err, ErrAlreadyBackedUp) {
		report.Status = StatusSkipped
		err = nil
	}
	report.Finish(s.clock.Now(), err)

	if err != nil {
		s.logger.Error("backup failed", "folder", folder, "error", err, "elapsed", report.Duration())
		return report, err
	}
	s.logger.Info("backup finished", "folder", folder, "status", report.Status,
		"failures", len(report.Failures()), "elapsed", report.Duration())
	return report, nil
}

func (s *BackupService) run(ctx context.Context, report *RunReport, set BackupSet) error {
	if s.pruner != nil {
		for _, r := range s.pruner.Sweep(ctx, false) {
			report.Record("prune:"+r.Name, r.Err, 0)
		}
		s.pruner.SweepMarkers(s.opts.WorkDir)
	}

	dir, err := s.claimDay(set)
	if err != nil {
		return err
	}

	root, err := s.resolver.Root(ctx)
	if err != nil {
		s.releaseDay(dir)
		return fmt.Errorf("resolving stack root: %w", err)
	}
	layout := StackLayout{Root: root}

	dumps, err := s.dumpAll(ctx, report)
	if err != nil {
		s.releaseDay(dir)
		return err
	}

	artifacts := s.artifacts(dir, layout, dumps)
	compressed := s.compressAll(ctx, report, artifacts)
	if len(compressed) == 0 {
		s.cleanup(compressed, dumps)
		return fmt.Errorf("no archives were produced for %s", set.FolderName())
	}

	s.checksumAll(ctx, report, compressed)
	uploaded := s.uploadAll(ctx, report, set.FolderName(), compressed)
	s.cleanup(compressed, dumps)

	if s.validator != nil {
		if uploaded == 0 {
			s.logger.Warn("remote validation skipped, no transport holds the backup", "folder", set.FolderName())
		} else {
			start := time.Now()
			err := s.validator.Validate(ctx, set.Date)
			report.Record("validate", err, time.Since(start))
		}
	}
	return nil
}

// claimDay creates the dated working directory, or reports ErrAlreadyBackedUp when it
// exists. The check and the create are not atomic.
func (s *BackupService) claimDay(set BackupSet) (string, error) {
	dir := filepath.Join(s.opts.WorkDir, set.FolderName())
	if _, err := os.Stat(dir); err == nil {
		s.logger.Info("backup already exists for today, skipping", "dir", dir)
		return "", ErrAlreadyBackedUp
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("checking backup dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating backup dir: %w", err)
	}
	return dir, nil
}

// releaseDay removes the dated directory after a fatal failure so the day can be retried.
func (s *BackupService) releaseDay(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn("removing backup dir failed", "dir", dir, "error", err)
	}
}

// dumpAll runs the dumpers one after the other. Any exhausted dumper is fatal.
func (s *BackupService) dumpAll(ctx context.Context, report *RunReport) (map[ArtifactKind]string, error) {
	dumps := make(map[ArtifactKind]string, len(s.dumpers))
	for _, d := range s.dumpers {
		start := time.Now()
		s.logger.Info("dump started", "kind", d.Kind())
		path, err := WithRetry(ctx, s.opts.DumpRetry, func(err error, attempt int) {
			s.logger.Warn("dump attempt failed", "kind", d.Kind(), "attempt", attempt, "error", err)
		}, d.Dump)
		report.Record("dump:"+string(d.Kind()), err, time.Since(start))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrDumpFailed, d.Kind(), err)
		}
		s.logger.Info("dump finished", "kind", d.Kind(), "path", path, "elapsed", time.Since(start).Round(time.Millisecond))
		dumps[d.Kind()] = path
	}
	return dumps, nil
}

func (s *BackupService) artifacts(dir string, layout StackLayout, dumps map[ArtifactKind]string) []Artifact {
	var out []Artifact
	for _, kind := range []ArtifactKind{KindMySQL, KindMongoDB} {
		if src, ok := dumps[kind]; ok {
			out = append(out, Artifact{Kind: kind, Source: src, Target: filepath.Join(dir, ArchiveName(kind))})
		}
	}
	out = append(out, Artifact{Kind: KindMedia, Source: layout.MediaDir(), Target: filepath.Join(dir, MediaArchive)})
	if s.opts.IncludeConfig {
		out = append(out, Artifact{
			Kind:    KindConfig,
			Source:  layout.Root,
			Target:  filepath.Join(dir, ConfigArchive),
			Exclude: []string{"data"},
		})
	}
	if s.opts.IncludePlugins {
		out = append(out, Artifact{
			Kind:     KindPlugins,
			Source:   layout.PluginsDir(),
			Target:   filepath.Join(dir, PluginsArchive),
			Optional: true,
		})
	}
	return out
}

func (s *BackupService) compressAll(ctx context.Context, report *RunReport, artifacts []Artifact) []CompressedArtifact {
	tasks := make([]Task[*CompressedArtifact], 0, len(artifacts))
	for _, a := range artifacts {
		tasks = append(tasks, Task[*CompressedArtifact]{
			Name: string(a.Kind),
			Fn: func(ctx context.Context) (*CompressedArtifact, error) {
				return s.archiver.Build(ctx, a)
			},
		})
	}

	start := time.Now()
	var out []CompressedArtifact
	for _, r := range RunAll(ctx, runtime.NumCPU(), tasks) {
		switch {
		case errors.Is(r.Err, ErrNoArtifact):
			s.logger.Warn("artifact skipped", "kind", r.Name, "error", r.Err)
		case r.Err != nil:
			s.logger.Error("compression failed", "kind", r.Name, "error", r.Err)
			report.Record("compress:"+r.Name, r.Err, time.Since(start))
		default:
			s.logger.Info("artifact compressed", "kind", r.Name, "path", r.Value.Path,
				"size", humanize.IBytes(uint64(r.Value.Size)), "strategy", r.Value.Strategy)
			report.Record("compress:"+r.Name, nil, time.Since(start))
			report.AddArtifact(*r.Value)
			out = append(out, *r.Value)
		}
	}
	return out
}

func (s *BackupService) checksumAll(ctx context.Context, report *RunReport, archives []CompressedArtifact) {
	tasks := make([]Task[string], 0, len(archives))
	for _, a := range archives {
		tasks = append(tasks, Task[string]{
			Name: filepath.Base(a.Path),
			Fn: func(context.Context) (string, error) {
				return WriteChecksum(a.Path)
			},
		})
	}
	for _, r := range RunAll(ctx, min(len(tasks), runtime.NumCPU()), tasks) {
		if r.Err != nil {
			s.logger.Warn("checksum failed, uploading without it", "file", r.Name, "error", r.Err)
			report.Record("checksum:"+r.Name, r.Err, 0)
		}
	}
}

// uploadAll sends the archives to every transport concurrently and returns how many
// transports succeeded.
func (s *BackupService) uploadAll(ctx context.Context, report *RunReport, folder string, archives []CompressedArtifact) int {
	if len(s.transports) == 0 {
		s.logger.Warn("no backup transports configured, archives stay local only until cleanup")
		return 0
	}

	files := make([]string, 0, len(archives))
	for _, a := range archives {
		files = append(files, a.Path)
	}

	tasks := make([]Task[time.Duration], 0, len(s.transports))
	for _, t := range s.transports {
		tasks = append(tasks, Task[time.Duration]{
			Name: t.Name(),
			Fn: func(ctx context.Context) (time.Duration, error) {
				start := time.Now()
				s.logger.Info("upload started", "transport", t.Name(), "folder", folder, "files", len(files))
				err := t.Upload(ctx, folder, files)
				return time.Since(start), err
			},
		})
	}

	results := RunAll(ctx, len(tasks), tasks)
	for _, r := range results {
		report.Record("upload:"+r.Name, r.Err, r.Value)
		if r.Err == nil {
			s.logger.Info("upload finished", "transport", r.Name, "folder", folder, "elapsed", r.Value.Round(time.Millisecond))
		}
	}
	failed := Failed(results)
	for _, r := range failed {
		s.logger.Error("upload failed", "transport", r.Name, "folder", folder, "error", r.Err)
	}
	return len(results) - len(failed)
}

// cleanup deletes archives, checksums and dump sources. The dated directory itself is
// kept as the marker of today's backup until Pruner.SweepMarkers expires it.
func (s *BackupService) cleanup(archives []CompressedArtifact, dumps map[ArtifactKind]string) {
	for _, a := range archives {
		for _, p := range []string{a.Path, ChecksumPath(a.Path)} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("removing local file failed", "path", p, "error", err)
			}
		}
	}
	for kind, src := range dumps {
		if err := os.RemoveAll(src); err != nil {
			s.logger.Warn("removing dump source failed", "kind", kind, "path", src, "error", err)
		}
	}
}
