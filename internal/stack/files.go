package stack

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"tb-go/internal/command"
	"tb-go/internal/tb"
)

// fileOps stages files into the bind-mounted data directories of the stack. Those are
// often owned by container users, so each operation can fall back to a shell command,
// run with sudo when privileged.
type fileOps struct {
	runner     command.Runner
	privileged bool
	logger     tb.Logger
}

func (o fileOps) shell(ctx context.Context, name string, args ...string) error {
	c := command.Cmd{Name: name, Args: args}
	if o.privileged {
		c = command.Sudo(c)
	}
	_, err := o.runner.Run(ctx, c)
	return err
}

func (o fileOps) copyFile(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil && !os.IsPermission(err) {
		return err
	}
	err := copyFile(src, dst)
	if err == nil {
		return nil
	}
	o.logger.Warn("copy failed, retrying with cp", "src", src, "dst", dst, "error", err)
	if err := o.shell(ctx, "cp", src, dst); err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return nil
}

// copyTree copies the contents of src into dst, which must be absent or empty.
func (o fileOps) copyTree(ctx context.Context, src, dst string) error {
	err := os.CopyFS(dst, os.DirFS(src))
	if err == nil {
		return nil
	}
	o.logger.Warn("tree copy failed, retrying with cp", "src", src, "dst", dst, "error", err)
	if err := o.shell(ctx, "mkdir", "-p", dst); err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if err := o.shell(ctx, "cp", "-a", src+"/.", dst); err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return nil
}

func (o fileOps) removeAll(ctx context.Context, path string) error {
	err := os.RemoveAll(path)
	if err == nil {
		return nil
	}
	if err := o.shell(ctx, "rm", "-rf", path); err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

// chownTree hands path back to the current user. It is a no-op without privilege.
func (o fileOps) chownTree(ctx context.Context, path string) error {
	if !o.privileged {
		return nil
	}
	owner := strconv.Itoa(os.Getuid()) + ":" + strconv.Itoa(os.Getgid())
	return o.shell(ctx, "chown", "-R", owner, path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func isNonEmptyDir(path string) bool {
	entries, err := os.ReadDir(path)
	return err == nil && len(entries) > 0
}
