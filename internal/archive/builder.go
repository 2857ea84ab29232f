// Package archive builds the compressed archives of a backup set and unpacks them
// again during restore.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"tb-go/internal/command"
	"tb-go/internal/tb"
)

// Options configures a Builder.
type Options struct {
	// Level is the compression level, 1-9.
	Level int
	// Fast enables the external parallel compressors for large sources.
	Fast bool
	// Privileged allows the sudo retry when archiving or unpacking fails.
	Privileged bool
	// Threads given to parallel compressors. Zero means all but one CPU.
	Threads int
	// SmallThreshold overrides the size below which sources are archived in-process.
	SmallThreshold int64
}

// Builder implements tb.Archiver with escalating strategies: the selected strategy,
// then the in-process archiver, then tar under sudo.
type Builder struct {
	opts   Options
	runner command.Runner
	tools  Tools
	logger tb.Logger
}

// NewBuilder creates a Builder and detects the parallel compressors.
func NewBuilder(opts Options, runner command.Runner, logger tb.Logger) *Builder {
	if opts.Level < 1 || opts.Level > 9 {
		opts.Level = 3
	}
	if opts.Threads <= 0 {
		opts.Threads = max(1, runtime.NumCPU()-1)
	}
	if opts.SmallThreshold <= 0 {
		opts.SmallThreshold = SmallThreshold
	}
	return &Builder{
		opts:   opts,
		runner: runner,
		tools:  DetectTools(runner),
		logger: logger,
	}
}

// Build compresses a.Source into a.Target. A missing source yields tb.ErrNoArtifact.
func (b *Builder) Build(ctx context.Context, a tb.Artifact) (*tb.CompressedArtifact, error) {
	if _, err := os.Stat(a.Source); err != nil {
		if os.IsNotExist(err) {
			if !a.Optional {
				b.logger.Warn("artifact source missing", "kind", a.Kind, "source", a.Source)
			}
			return nil, fmt.Errorf("%w: %s source %s does not exist", tb.ErrNoArtifact, a.Kind, a.Source)
		}
		// Permission problems are left to the privileged retry.
		b.logger.Debug("cannot stat artifact source", "source", a.Source, "error", err)
	}

	if err := os.MkdirAll(filepath.Dir(a.Target), 0755); err != nil {
		return nil, fmt.Errorf("creating archive dir: %w", err)
	}

	exclude := NewExcludeMatcher(a.Exclude)
	start := time.Now()

	used, err := b.compress(ctx, a, exclude)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(a.Target)
	if err != nil {
		return nil, fmt.Errorf("checking archive %s: %w", a.Target, err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("archive %s is empty", a.Target)
	}

	b.logger.Debug("archive built", "kind", a.Kind, "strategy", used,
		"size", humanize.IBytes(uint64(info.Size())), "elapsed", time.Since(start).Round(time.Millisecond))
	return &tb.CompressedArtifact{Path: a.Target, Size: info.Size(), Strategy: used}, nil
}

func (b *Builder) compress(ctx context.Context, a tb.Artifact, exclude *ExcludeMatcher) (string, error) {
	large, err := sizeAtLeast(a.Source, b.opts.SmallThreshold)
	if err != nil {
		b.logger.Debug("sizing source failed, treating as small", "source", a.Source, "error", err)
	}
	strategy := SelectStrategy(!large, b.tools, b.opts.Fast, b.runner, b.opts.Threads)

	err = strategy.Compress(ctx, a.Source, a.Target, exclude, b.opts.Level)
	if err == nil {
		return strategy.Name(), nil
	}
	errs := []error{fmt.Errorf("%s: %w", strategy.Name(), err)}

	if _, inProcess := strategy.(InProcessTar); !inProcess {
		b.logger.Warn("compression failed, falling back to in-process archiver", "kind", a.Kind, "strategy", strategy.Name(), "error", err)
		fallback := InProcessTar{}
		if err = fallback.Compress(ctx, a.Source, a.Target, exclude, b.opts.Level); err == nil {
			return fallback.Name(), nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", fallback.Name(), err))
	}

	if !b.opts.Privileged {
		return "", fmt.Errorf("compressing %s: %w", a.Kind, errors.Join(errs...))
	}

	b.logger.Warn("compression failed, retrying with sudo", "kind", a.Kind, "error", err)
	if err := b.compressPrivileged(ctx, a, exclude); err != nil {
		errs = append(errs, fmt.Errorf("sudo: %w", err))
		return "", fmt.Errorf("compressing %s: %w", a.Kind, errors.Join(errs...))
	}
	return "sudo-tar", nil
}

// compressPrivileged archives with sudo tar and hands the archive back to the current user.
func (b *Builder) compressPrivileged(ctx context.Context, a tb.Artifact, exclude *ExcludeMatcher) error {
	args := []string{"-c", "-z", "-f", a.Target}
	args = append(args, exclude.TarArgs()...)
	args = append(args, "-C", filepath.Dir(a.Source), filepath.Base(a.Source))
	if _, err := b.runner.Run(ctx, command.Sudo(command.Cmd{Name: "tar", Args: args})); err != nil {
		return err
	}
	return b.chown(ctx, a.Target, false)
}

// chown gives path back to the current user.
func (b *Builder) chown(ctx context.Context, path string, recursive bool) error {
	owner := strconv.Itoa(os.Getuid()) + ":" + strconv.Itoa(os.Getgid())
	args := []string{owner, path}
	if recursive {
		args = append([]string{"-R"}, args...)
	}
	if _, err := b.runner.Run(ctx, command.Sudo(command.Cmd{Name: "chown", Args: args})); err != nil {
		return fmt.Errorf("restoring ownership of %s: %w", path, err)
	}
	return nil
}

var _ tb.Archiver = (*Builder)(nil)
