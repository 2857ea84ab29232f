package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/gzip"

	"tb-go/internal/command"
)

// Strategy compresses one source into one archive file.
type Strategy interface {
	Name() string
	Compress(ctx context.Context, src, dest string, exclude *ExcludeMatcher, level int) error
}

// Tools records which external compressors are installed.
type Tools struct {
	Pigz   bool
	Pbzip2 bool
}

// DetectTools searches PATH for the parallel compressors.
func DetectTools(r command.Runner) Tools {
	_, pigzErr := r.LookPath("pigz")
	_, pbzip2Err := r.LookPath("pbzip2")
	return Tools{Pigz: pigzErr == nil, Pbzip2: pbzip2Err == nil}
}

// SelectStrategy picks the strategy for a source. Small sources and disabled fast mode
// use the in-process archiver; otherwise the first available parallel compressor wins,
// with a plain tar and gzip pipeline as the last external choice.
func SelectStrategy(small bool, tools Tools, fast bool, runner command.Runner, threads int) Strategy {
	if small || !fast {
		return InProcessTar{}
	}
	switch {
	case tools.Pigz:
		return ParallelGzip{Runner: runner, Threads: threads}
	case tools.Pbzip2:
		return ParallelBzip2{Runner: runner, Threads: threads}
	default:
		return SequentialTar{Runner: runner}
	}
}

// tarCreate returns the tar invocation streaming src to stdout.
func tarCreate(src string, exclude *ExcludeMatcher) command.Cmd {
	args := []string{"-cf", "-"}
	args = append(args, exclude.TarArgs()...)
	args = append(args, "-C", filepath.Dir(src), filepath.Base(src))
	return command.Cmd{Name: "tar", Args: args}
}

// pipeToFile runs the pipeline into dest, removing dest on failure.
func pipeToFile(ctx context.Context, r command.Runner, dest string, cmds ...command.Cmd) error {
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	err = r.Pipeline(ctx, f, cmds...)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return err
	}
	return nil
}

// ParallelGzip pipes tar through pigz.
type ParallelGzip struct {
	Runner  command.Runner
	Threads int
}

func (ParallelGzip) Name() string { return "pigz" }

func (s ParallelGzip) Compress(ctx context.Context, src, dest string, exclude *ExcludeMatcher, level int) error {
	return pipeToFile(ctx, s.Runner, dest,
		tarCreate(src, exclude),
		command.Cmd{Name: "pigz", Args: []string{"-p", strconv.Itoa(s.Threads), "-" + strconv.Itoa(level)}},
	)
}

// ParallelBzip2 pipes tar through pbzip2. The archive keeps its .tar.gz name; readers
// detect the format from its magic bytes.
type ParallelBzip2 struct {
	Runner  command.Runner
	Threads int
}

func (ParallelBzip2) Name() string { return "pbzip2" }

func (s ParallelBzip2) Compress(ctx context.Context, src, dest string, exclude *ExcludeMatcher, level int) error {
	return pipeToFile(ctx, s.Runner, dest,
		tarCreate(src, exclude),
		command.Cmd{Name: "pbzip2", Args: []string{"-c", "-p" + strconv.Itoa(s.Threads), "-" + strconv.Itoa(level)}},
	)
}

// SequentialTar pipes tar through single-threaded gzip.
type SequentialTar struct {
	Runner command.Runner
}

func (SequentialTar) Name() string { return "tar" }

func (s SequentialTar) Compress(ctx context.Context, src, dest string, exclude *ExcludeMatcher, level int) error {
	return pipeToFile(ctx, s.Runner, dest,
		tarCreate(src, exclude),
		command.Cmd{Name: "gzip", Args: []string{"-c", "-" + strconv.Itoa(level)}},
	)
}

// InProcessTar writes the tar stream and gzip compression without external programs.
type InProcessTar struct{}

func (InProcessTar) Name() string { return "in-process" }

func (InProcessTar) Compress(ctx context.Context, src, dest string, exclude *ExcludeMatcher, level int) (err error) {
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dest)
		}
	}()

	gz, err := gzip.NewWriterLevel(f, level)
	if err != nil {
		return fmt.Errorf("creating gzip writer: %w", err)
	}
	tw := tar.NewWriter(gz)

	if err := writeTree(ctx, tw, src, exclude); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("closing gzip stream: %w", err)
	}
	return nil
}

// writeTree adds src, named by its base name, and everything below it to tw.
func writeTree(ctx context.Context, tw *tar.Writer, src string, exclude *ExcludeMatcher) error {
	parent := filepath.Dir(src)
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if p != src {
			rel, err := filepath.Rel(src, p)
			if err != nil {
				return err
			}
			if exclude.Match(rel) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		} else if !info.Mode().IsRegular() && !info.IsDir() {
			return nil // sockets, devices and pipes are not archived
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("header for %s: %w", p, err)
		}
		name, err := filepath.Rel(parent, p)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(name)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("writing header for %s: %w", p, err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("archiving %s: %w", p, err)
		}
		return nil
	})
}
