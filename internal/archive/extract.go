package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"tb-go/internal/command"
)

var (
	gzipMagic  = []byte{0x1f, 0x8b}
	bzip2Magic = []byte("BZh")
)

// Extract unpacks archive into dir. Gzip and bzip2 streams are told apart by their
// magic bytes. When unpacking fails on permissions, it is retried with sudo tar and the
// tree is handed back to the current user.
func (b *Builder) Extract(ctx context.Context, archive string, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil && !errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	err := extractInProcess(ctx, archive, dir)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrPermission) || !b.opts.Privileged {
		return fmt.Errorf("extracting %s: %w", filepath.Base(archive), err)
	}

	b.logger.Warn("extraction hit a permission error, retrying with sudo", "archive", archive, "error", err)
	if _, err := b.runner.Run(ctx, command.Sudo(command.Cmd{Name: "mkdir", Args: []string{"-p", dir}})); err != nil {
		return fmt.Errorf("creating %s with sudo: %w", dir, err)
	}
	if _, err := b.runner.Run(ctx, command.Sudo(command.Cmd{Name: "tar", Args: []string{"-xf", archive, "-C", dir}})); err != nil {
		return fmt.Errorf("extracting %s with sudo: %w", filepath.Base(archive), err)
	}
	return b.chown(ctx, dir, true)
}

func extractInProcess(ctx context.Context, archive, dir string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	magic, err := br.Peek(3)
	if err != nil {
		return fmt.Errorf("reading header: %w", err)
	}

	var r io.Reader
	switch {
	case bytes.HasPrefix(magic, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return err
		}
		defer gz.Close()
		r = gz
	case bytes.HasPrefix(magic, bzip2Magic):
		r = bzip2.NewReader(br)
	default:
		return fmt.Errorf("unrecognized compression format")
	}

	return untar(ctx, tar.NewReader(r), dir)
}

// untar writes every member through an os.Root opened on dir, so no member can land
// outside it, not even through a symlink unpacked earlier. Symlinks must stay inside
// dir as well.
func untar(ctx context.Context, tr *tar.Reader, dir string) error {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return err
	}
	defer root.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar stream: %w", err)
		}

		name := filepath.Clean(filepath.FromSlash(hdr.Name))
		if !filepath.IsLocal(name) {
			return fmt.Errorf("member %q escapes the extraction directory", hdr.Name)
		}
		if name == "." {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := root.MkdirAll(name, hdr.FileInfo().Mode().Perm()|0700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := root.MkdirAll(filepath.Dir(name), 0755); err != nil {
				return err
			}
			if err := writeFile(root, name, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			link := filepath.FromSlash(hdr.Linkname)
			if filepath.IsAbs(link) || !filepath.IsLocal(filepath.Join(filepath.Dir(name), link)) {
				return fmt.Errorf("symlink %q -> %q escapes the extraction directory", hdr.Name, hdr.Linkname)
			}
			if err := root.MkdirAll(filepath.Dir(name), 0755); err != nil {
				return err
			}
			root.Remove(name)
			if err := root.Symlink(link, name); err != nil {
				return err
			}
		default:
			// Hard links, devices and fifos do not occur in backup archives.
		}
	}
}

func writeFile(root *os.Root, name string, r io.Reader, perm fs.FileMode) error {
	f, err := root.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return f.Close()
}
