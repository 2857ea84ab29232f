package tb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RestoreOptions configures a RestoreService.
type RestoreOptions struct {
	Client      string
	Environment string
	// ScratchDir is the local root under which downloaded sets and extractions live.
	ScratchDir string
}

// RestoreRequest selects the BackupSet to restore. Folder wins over Date; both empty
// means today.
type RestoreRequest struct {
	Date   string
	Folder string
	// SkipDownload reuses what a previous run left in the scratch directory.
	SkipDownload bool
}

// RestoreService locates, verifies, extracts and replays a BackupSet.
type RestoreService struct {
	opts       RestoreOptions
	transports []Transport
	archiver   Archiver
	replayers  map[ArtifactKind]Replayer
	logger     Logger
	clock      Clock
}

// NewRestoreService creates a RestoreService. transports are searched in the given order.
func NewRestoreService(opts RestoreOptions, transports []Transport, archiver Archiver, replayers []Replayer, logger Logger, clock Clock) *RestoreService {
	byKind := make(map[ArtifactKind]Replayer, len(replayers))
	for _, r := range replayers {
		byKind[r.Kind()] = r
	}
	return &RestoreService{
		opts:       opts,
		transports: transports,
		archiver:   archiver,
		replayers:  byKind,
		logger:     logger,
		clock:      clock,
	}
}

// ResolveFolder returns the folder name targeted by req.
func (s *RestoreService) ResolveFolder(req RestoreRequest) (string, error) {
	if req.Folder != "" {
		return req.Folder, nil
	}
	date := req.Date
	if date == "" {
		date = FormatDate(s.clock.Now())
	}
	if _, err := ParseDate(date); err != nil {
		return "", err
	}
	return FolderName(s.opts.Client, s.opts.Environment, date), nil
}

// Run restores the requested BackupSet. Failures of single replays are recorded in the
// report and do not make Run return an error; a set that cannot be located or extracted
// does.
func (s *RestoreService) Run(ctx context.Context, req RestoreRequest) (*RunReport, error) {
	folder, err := s.ResolveFolder(req)
	if err != nil {
		return nil, err
	}
	report := NewRunReport("restore", folder, s.clock.Now())

	s.logger.Info("restore started", "folder", folder, "skip_download", req.SkipDownload)
	err = s.run(ctx, report, folder, req)
	report.Finish(s.clock.Now(), err)

	if err != nil {
		s.logger.Error("restore failed", "folder", folder, "error", err, "elapsed", report.Duration())
		return report, err
	}
	s.logger.Info("restore finished", "folder", folder, "status", report.Status,
		"failures", len(report.Failures()), "elapsed", report.Duration())
	return report, nil
}

func (s *RestoreService) run(ctx context.Context, report *RunReport, folder string, req RestoreRequest) error {
	scratch := filepath.Join(s.opts.ScratchDir, folder)

	if req.SkipDownload && s.extracted(scratch) {
		s.logger.Info("reusing extracted backup", "dir", scratch)
		s.replayAll(ctx, report, scratch)
		return nil
	}

	var located *LocatedSet
	if req.SkipDownload {
		if !hasRequiredArchives(scratch) {
			return fmt.Errorf("%w: skip-download requested but %s holds no complete set", ErrBackupSetNotFound, scratch)
		}
		located = &LocatedSet{Dir: scratch, Transport: "scratch"}
	} else {
		var err error
		located, err = s.locate(ctx, folder, scratch)
		if err != nil {
			return err
		}
	}
	defer s.cleanup(located, scratch, req.SkipDownload)

	s.verifyAll(ctx, report, located.Dir)
	if err := s.extractAll(ctx, report, located.Dir, scratch); err != nil {
		return err
	}
	s.replayAll(ctx, report, scratch)
	return nil
}

// locate searches every transport in order and stops at the first complete set.
func (s *RestoreService) locate(ctx context.Context, folder, scratch string) (*LocatedSet, error) {
	searched := make([]string, 0, len(s.transports))
	for _, t := range s.transports {
		searched = append(searched, t.Name())
		s.logger.Info("probing transport", "transport", t.Name(), "folder", folder)
		located, err := t.Locate(ctx, folder, scratch)
		if err != nil {
			s.logger.Warn("backup set not available", "transport", t.Name(), "folder", folder, "error", err)
			continue
		}
		s.logger.Info("backup set located", "transport", t.Name(), "dir", located.Dir, "downloaded", located.Downloaded)
		return located, nil
	}

	date, _ := ExtractDate(folder)
	s.logger.Error("backup set not found on any transport", "date", date, "folder", folder,
		"searched", strings.Join(searched, ","))
	return nil, fmt.Errorf("%w: %s (searched: %s)", ErrBackupSetNotFound, folder, strings.Join(searched, ", "))
}

// verifyAll checks the checksum of every archive present. A mismatch is only reported.
func (s *RestoreService) verifyAll(ctx context.Context, report *RunReport, dir string) {
	var tasks []Task[struct{}]
	for _, name := range presentArchives(dir) {
		path := filepath.Join(dir, name)
		tasks = append(tasks, Task[struct{}]{
			Name: name,
			Fn: func(context.Context) (struct{}, error) {
				return struct{}{}, VerifyChecksum(path, ChecksumPath(path), s.logger)
			},
		})
	}
	for _, r := range RunAll(ctx, 3, tasks) {
		if r.Err != nil {
			s.logger.Warn("checksum verification failed, restoring anyway", "file", r.Name, "error", r.Err)
			report.Record("verify:"+r.Name, r.Err, 0)
		}
	}
}

// extractAll unpacks the replayed archives into their scratch subdirectories. Any
// failure is fatal.
func (s *RestoreService) extractAll(ctx context.Context, report *RunReport, archiveDir, scratch string) error {
	tasks := make([]Task[struct{}], 0, len(ReplayKinds))
	for _, kind := range ReplayKinds {
		archive := filepath.Join(archiveDir, ArchiveName(kind))
		dest := filepath.Join(scratch, ExtractDirName(kind))
		tasks = append(tasks, Task[struct{}]{
			Name: string(kind),
			Fn: func(ctx context.Context) (struct{}, error) {
				if err := os.RemoveAll(dest); err != nil {
					return struct{}{}, fmt.Errorf("clearing %s: %w", dest, err)
				}
				return struct{}{}, s.archiver.Extract(ctx, archive, dest)
			},
		})
	}

	start := time.Now()
	var errs []error
	for _, r := range RunAll(ctx, 3, tasks) {
		report.Record("extract:"+r.Name, r.Err, time.Since(start))
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("extracting %s: %w", r.Name, r.Err))
			continue
		}
		s.logger.Info("archive extracted", "kind", r.Name)
	}
	return errors.Join(errs...)
}

// replayAll applies the databases concurrently and then the media tree, which restarts
// the whole stack.
func (s *RestoreService) replayAll(ctx context.Context, report *RunReport, scratch string) {
	var dbTasks []Task[time.Duration]
	for _, kind := range []ArtifactKind{KindMySQL, KindMongoDB} {
		if t, ok := s.replayTask(kind, scratch); ok {
			dbTasks = append(dbTasks, t)
		}
	}
	s.recordReplays(report, RunAll(ctx, 2, dbTasks))

	if t, ok := s.replayTask(KindMedia, scratch); ok {
		s.recordReplays(report, RunAll(ctx, 1, []Task[time.Duration]{t}))
	}
}

func (s *RestoreService) replayTask(kind ArtifactKind, scratch string) (Task[time.Duration], bool) {
	r, ok := s.replayers[kind]
	if !ok {
		s.logger.Warn("no replayer configured", "kind", kind)
		return Task[time.Duration]{}, false
	}
	dir := filepath.Join(scratch, ExtractDirName(kind))
	return Task[time.Duration]{
		Name: string(kind),
		Fn: func(ctx context.Context) (time.Duration, error) {
			start := time.Now()
			s.logger.Info("replay started", "kind", kind)
			err := r.Replay(ctx, dir)
			return time.Since(start), err
		},
	}, true
}

func (s *RestoreService) recordReplays(report *RunReport, results []Result[time.Duration]) {
	for _, r := range results {
		report.Record("replay:"+r.Name, r.Err, r.Value)
		if r.Err != nil {
			s.logger.Error("replay failed", "kind", r.Name, "error", r.Err)
			continue
		}
		s.logger.Info("replay finished", "kind", r.Name, "elapsed", r.Value.Round(time.Millisecond))
	}
}

// cleanup removes the scratch copy of a downloaded set. For a set referenced in place
// only the extraction directories are removed. Skip-download runs keep everything.
func (s *RestoreService) cleanup(located *LocatedSet, scratch string, keep bool) {
	if keep {
		return
	}
	if located.Downloaded {
		if err := os.RemoveAll(scratch); err != nil {
			s.logger.Warn("removing scratch dir failed", "dir", scratch, "error", err)
		}
		return
	}
	for _, kind := range ReplayKinds {
		dir := filepath.Join(scratch, ExtractDirName(kind))
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("removing extraction dir failed", "dir", dir, "error", err)
		}
	}
	if scratch != located.Dir {
		_ = os.Remove(scratch) // only succeeds when empty
	}
}

// extracted reports whether every extraction directory exists and is non-empty.
func (s *RestoreService) extracted(scratch string) bool {
	for _, kind := range ReplayKinds {
		entries, err := os.ReadDir(filepath.Join(scratch, ExtractDirName(kind)))
		if err != nil || len(entries) == 0 {
			return false
		}
	}
	return true
}

func hasRequiredArchives(dir string) bool {
	for _, name := range RequiredArchives {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

func presentArchives(dir string) []string {
	var out []string
	for _, kind := range []ArtifactKind{KindMySQL, KindMongoDB, KindMedia, KindConfig, KindPlugins} {
		name := ArchiveName(kind)
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			out = append(out, name)
		}
	}
	return out
}
