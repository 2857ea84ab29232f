package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"tb-go/internal/archive"
	"tb-go/internal/command"
	"tb-go/internal/compute"
	"tb-go/internal/config"
	"tb-go/internal/database"
	"tb-go/internal/docker"
	"tb-go/internal/metrics"
	"tb-go/internal/sshauth"
	"tb-go/internal/stack"
	"tb-go/internal/tb"
	"tb-go/internal/transport"
)

// Invocation describes the CLI command a TBApp is created for.
type Invocation struct {
	Command    string
	Parameters []string
	// Verbose mirrors debug records to stderr; the log file always gets them.
	Verbose bool
}

// TBApp is the application layer between the CLI and the backup, restore and prune
// services. It constructs all dependencies from config, records every run in the
// history ledger and the metrics textfile, and releases resources on Close.
type TBApp struct {
	cfg        *config.Config
	op         *RunOperation
	logger     tb.Logger
	logFile    *os.File
	clock      tb.Clock
	transports []tb.Transport
	history    tb.History
	metrics    *metrics.Recorder

	runner command.Runner
	exec   tb.ContainerExec
	// compute and remote are built on demand when validation is enabled.
	compute tb.ComputeControl
	remote  tb.RemoteRunner

	closers []io.Closer
}

// NewTBApp creates a fully wired TBApp from the given config. The caller must call
// Close when done.
func NewTBApp(ctx context.Context, cfg *config.Config, inv Invocation) (*TBApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	op := NewRunOperation(tb.UUIDGenerator{}, inv.Command, inv.Parameters...)

	level := slog.LevelInfo
	if inv.Verbose {
		level = slog.LevelDebug
	}
	l, logFile, err := newLogger(cfg.LogDir, op.ID, level)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: l}

	a := &TBApp{
		cfg:     cfg,
		op:      op,
		logger:  logger,
		logFile: logFile,
		clock:   tb.RealClock{},
		runner:  command.NewExecRunner(),
		metrics: metrics.NewRecorder(cfg.Metrics.TextfileDir, cfg.Client, cfg.Environment),
	}

	a.transports = a.buildTransports(ctx)

	a.history, err = database.NewHistoryFromConfig(cfg.Database, cfg.Client, cfg.Environment)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating history database: %w", err)
	}

	logger.Debug("app initialized", "command", op.String(), "transports", len(a.transports))
	return a, nil
}

// buildTransports creates every configured transport, ordered by the restore search
// order with unlisted transports appended in file order. A transport that cannot be
// created is left out with a warning; the run goes on with the others.
func (a *TBApp) buildTransports(ctx context.Context) []tb.Transport {
	byName := make(map[string]tb.Transport, len(a.cfg.Transports))
	var names []string
	for _, tc := range a.cfg.Transports {
		t, err := transport.NewTransportFromConfig(ctx, tc, a.logger)
		if err != nil {
			a.logger.Warn("transport unavailable", "transport", tc.Name, "type", tc.Type, "error", err)
			continue
		}
		if c, ok := t.(io.Closer); ok {
			a.closers = append(a.closers, c)
		}
		byName[tc.Name] = t
		names = append(names, tc.Name)
	}

	out := make([]tb.Transport, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range append(append([]string{}, a.cfg.Restore.SearchOrder...), names...) {
		if t, ok := byName[name]; ok && !seen[name] {
			seen[name] = true
			out = append(out, t)
		}
	}
	return out
}

// Transports returns the transports in search order.
func (a *TBApp) Transports() []tb.Transport {
	return a.transports
}

func (a *TBApp) resolver() (*stack.TutorResolver, error) {
	return stack.NewTutorResolver(a.cfg.Stack.TutorBin, a.cfg.Stack.Root, a.runner)
}

// containerExec returns the docker-backed exec, creating the client on first use.
func (a *TBApp) containerExec() (tb.ContainerExec, error) {
	if a.exec != nil {
		return a.exec, nil
	}
	e, err := docker.NewExec(a.cfg.Stack.ComposeProject, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, e)
	a.exec = e
	return e, nil
}

func (a *TBApp) archiver() *archive.Builder {
	return archive.NewBuilder(archive.Options{
		Level:      a.cfg.Compression.Level,
		Fast:       a.cfg.Compression.Fast,
		Privileged: a.cfg.Stack.Privileged,
	}, a.runner, a.logger)
}

func (a *TBApp) mongoOptions() stack.MongoOptions {
	return stack.MongoOptions{
		Shell:         a.cfg.Stack.MongoShell,
		DropDatabases: a.cfg.Restore.DropMongoDatabases,
		Privileged:    a.cfg.Stack.Privileged,
	}
}

func (a *TBApp) retentionPolicy() tb.RetentionPolicy {
	return tb.RetentionPolicy{
		DailyDays:      a.cfg.Retention.DailyDays,
		WeeklyInterval: a.cfg.Retention.WeeklyInterval,
		WeeklyCount:    a.cfg.Retention.WeeklyCount,
	}
}

// validator returns nil when remote validation is disabled.
func (a *TBApp) validator(ctx context.Context) (*tb.RemoteValidator, error) {
	vc := a.cfg.Validation
	if !vc.Enabled {
		return nil, nil
	}
	if a.compute == nil {
		ec2, err := compute.NewEC2ControlFromOptions(ctx, compute.EC2Options{
			Region:          vc.Region,
			AccessKeyID:     vc.AccessKeyID,
			SecretAccessKey: vc.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("creating ec2 client: %w", err)
		}
		a.compute = ec2
	}
	if a.remote == nil {
		if vc.SSHKeyValue != "" {
			if err := sshauth.EnsureKeyFile(vc.SSHKeyPath, vc.SSHKeyValue); err != nil {
				return nil, fmt.Errorf("writing validation ssh key: %w", err)
			}
		}
		a.remote = compute.NewSSHRunner(compute.SSHOptions{User: vc.SSHUser, KeyPath: vc.SSHKeyPath}, a.logger)
	}
	return tb.NewRemoteValidator(tb.ValidationOptions{
		InstanceID:     vc.InstanceID,
		RestoreCommand: vc.RestoreCommand,
		Poll: tb.RetryPolicy{
			MaxAttempts: vc.PollAttempts,
			Backoff:     time.Duration(vc.PollIntervalSeconds) * time.Second,
		},
	}, a.compute, a.remote, a.logger), nil
}

// Backup runs one backup and records it.
func (a *TBApp) Backup(ctx context.Context) (*tb.RunReport, error) {
	exec, err := a.containerExec()
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}
	validator, err := a.validator(ctx)
	if err != nil {
		return nil, err
	}

	resolver, err := a.resolver()
	if err != nil {
		return nil, err
	}
	priv := a.cfg.Stack.Privileged
	dumpers := []tb.Dumper{
		stack.NewMySQL(exec, resolver, a.runner, priv, a.logger),
		stack.NewMongoDB(exec, resolver, a.runner, a.mongoOptions(), a.logger),
	}
	pruner := tb.NewPruner(a.retentionPolicy(), a.transports, a.clock, a.logger)

	svc := tb.NewBackupService(tb.BackupOptions{
		Client:      a.cfg.Client,
		Environment: a.cfg.Environment,
		WorkDir:     a.cfg.Backup.WorkDir,
		DumpRetry: tb.RetryPolicy{
			MaxAttempts: a.cfg.Backup.DumpAttempts,
			Backoff:     time.Duration(a.cfg.Backup.DumpBackoffSeconds) * time.Second,
		},
		IncludeConfig:  a.cfg.Backup.IncludeConfig,
		IncludePlugins: a.cfg.Backup.IncludePlugins,
	}, resolver, dumpers, a.archiver(), a.transports, pruner, validator, a.logger, a.clock)

	report, err := svc.Run(ctx)
	a.record(ctx, report, err)
	return report, err
}

// Restore restores the BackupSet selected by req and records the run.
func (a *TBApp) Restore(ctx context.Context, req tb.RestoreRequest) (*tb.RunReport, error) {
	exec, err := a.containerExec()
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}

	resolver, err := a.resolver()
	if err != nil {
		return nil, err
	}
	controller, err := stack.NewTutorController(a.cfg.Stack.TutorBin, a.runner)
	if err != nil {
		return nil, err
	}
	priv := a.cfg.Stack.Privileged
	replayers := []tb.Replayer{
		stack.NewMySQL(exec, resolver, a.runner, priv, a.logger),
		stack.NewMongoDB(exec, resolver, a.runner, a.mongoOptions(), a.logger),
		stack.NewMedia(controller, resolver, a.runner, priv, a.logger),
	}

	svc := tb.NewRestoreService(tb.RestoreOptions{
		Client:      a.cfg.Client,
		Environment: a.cfg.Environment,
		ScratchDir:  a.cfg.Restore.ScratchDir,
	}, a.transports, a.archiver(), replayers, a.logger, a.clock)

	report, err := svc.Run(ctx, req)
	a.record(ctx, report, err)
	return report, err
}

// Prune applies the retention policy to every backup transport. With dryRun set the
// candidates are listed but kept. Only real sweeps are recorded.
func (a *TBApp) Prune(ctx context.Context, dryRun bool) ([]tb.Result[*tb.PruneResult], error) {
	policy := a.retentionPolicy()
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	report := tb.NewRunReport("prune", "", a.clock.Now())
	pruner := tb.NewPruner(policy, a.transports, a.clock, a.logger)
	results := pruner.Sweep(ctx, dryRun)
	if dryRun {
		return results, nil
	}
	pruner.SweepMarkers(a.cfg.Backup.WorkDir)
	for _, r := range results {
		report.Record("prune:"+r.Name, r.Err, 0)
	}
	report.Finish(a.clock.Now(), nil)
	a.record(ctx, report, nil)
	return results, nil
}

// History returns the most recent recorded runs, newest first.
func (a *TBApp) History(ctx context.Context, kind string, limit int) ([]*tb.RunRecord, error) {
	return a.history.ListRuns(ctx, kind, limit)
}

// record writes the run to history and metrics. Failures are logged, never returned:
// bookkeeping must not change the outcome of a run.
func (a *TBApp) record(ctx context.Context, report *tb.RunReport, runErr error) {
	if report == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	if err := a.history.RecordRun(ctx, tb.NewRunRecord(a.op.ID, report, runErr)); err != nil {
		a.logger.Warn("recording run history failed", "error", err)
	} else {
		a.op.Recorded = true
	}

	if err := a.metrics.Record(report, a.lastSuccess(ctx, report.Kind)); err != nil {
		a.logger.Warn("writing metrics failed", "error", err)
	}
}

// lastSuccess returns when the most recent successful run of kind finished, searching
// the latest 100 runs.
func (a *TBApp) lastSuccess(ctx context.Context, kind string) time.Time {
	runs, err := a.history.ListRuns(ctx, kind, 100)
	if err != nil {
		a.logger.Warn("reading run history failed", "error", err)
		return time.Time{}
	}
	for _, r := range runs {
		if r.Status == tb.StatusSuccess {
			return r.Finished
		}
	}
	return time.Time{}
}

// Close releases transports, the docker client, the history database and the log file.
func (a *TBApp) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing history database: %w", err))
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return errors.Join(errs...)
}
