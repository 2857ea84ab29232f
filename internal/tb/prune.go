package tb

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Pruner enforces a RetentionPolicy across transports.
type Pruner struct {
	policy     RetentionPolicy
	transports []Transport
	clock      Clock
	logger     Logger
}

// NewPruner creates a Pruner. Restore-only transports are ignored.
func NewPruner(policy RetentionPolicy, transports []Transport, clock Clock, logger Logger) *Pruner {
	return &Pruner{
		policy:     policy,
		transports: BackupTransports(transports),
		clock:      clock,
		logger:     logger,
	}
}

// PruneResult lists what a sweep did on one transport.
type PruneResult struct {
	Transport  string
	Candidates []string
	Deleted    []string
}

// Sweep lists every transport concurrently, one worker per transport, and deletes
// folders whose date is outside the retain-set. A failure on one folder or transport
// is logged and the sweep moves on; it never aborts the caller. With dryRun set,
// candidates are reported but nothing is deleted.
func (p *Pruner) Sweep(ctx context.Context, dryRun bool) []Result[*PruneResult] {
	now := p.clock.Now()
	tasks := make([]Task[*PruneResult], 0, len(p.transports))
	for _, t := range p.transports {
		tasks = append(tasks, Task[*PruneResult]{
			Name: t.Name(),
			Fn: func(ctx context.Context) (*PruneResult, error) {
				return p.sweepTransport(ctx, t, now, dryRun)
			},
		})
	}

	start := time.Now()
	p.logger.Info("retention sweep started", "transports", len(tasks), "dry_run", dryRun)
	results := RunAll(ctx, len(tasks), tasks)
	for _, r := range Failed(results) {
		p.logger.Warn("retention sweep failed", "transport", r.Name, "error", r.Err)
	}
	p.logger.Info("retention sweep finished", "elapsed", time.Since(start).Round(time.Millisecond))
	return results
}

func (p *Pruner) sweepTransport(ctx context.Context, t Transport, now time.Time, dryRun bool) (*PruneResult, error) {
	folders, err := t.ListFolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing folders on %s: %w", t.Name(), err)
	}

	res := &PruneResult{
		Transport:  t.Name(),
		Candidates: p.policy.DeletionCandidates(now, folders),
	}
	p.logger.Info("retention candidates", "transport", t.Name(), "folders", len(folders), "candidates", len(res.Candidates))

	if dryRun {
		return res, nil
	}

	var failed int
	for _, folder := range res.Candidates {
		if err := t.DeleteFolder(ctx, folder); err != nil {
			failed++
			p.logger.Warn("deleting expired backup failed", "transport", t.Name(), "folder", folder, "error", err)
			continue
		}
		res.Deleted = append(res.Deleted, folder)
		p.logger.Info("expired backup deleted", "transport", t.Name(), "folder", folder)
	}

	if failed > 0 {
		return res, fmt.Errorf("%d of %d deletions failed on %s", failed, len(res.Candidates), t.Name())
	}
	return res, nil
}

// SweepMarkers removes the empty dated directories below workDir whose date lies outside
// the daily window. Backups leave them behind as day markers. A directory that still
// holds files is kept and logged. The removed names are returned.
func (p *Pruner) SweepMarkers(workDir string) []string {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			p.logger.Warn("listing backup markers failed", "dir", workDir, "error", err)
		}
		return nil
	}

	daily := RetentionPolicy{DailyDays: p.policy.DailyDays}.DatesToKeep(p.clock.Now())
	var removed []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		date, ok := ExtractDate(e.Name())
		if !ok || daily[date] {
			continue
		}
		if err := os.Remove(filepath.Join(workDir, e.Name())); err != nil {
			p.logger.Warn("removing backup marker failed", "dir", e.Name(), "error", err)
			continue
		}
		removed = append(removed, e.Name())
	}
	if len(removed) > 0 {
		p.logger.Info("expired backup markers removed", "dir", workDir, "count", len(removed))
	}
	return removed
}
