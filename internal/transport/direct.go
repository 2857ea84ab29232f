package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"tb-go/internal/tb"
)

var errRestoreOnly = errors.New("transport is restore-only")

// Direct is a restore-only transport for backup folders already present on the local
// filesystem, such as those synced here by the secure-copy transport of another host.
// Located sets are referenced in place and never copied.
type Direct struct {
	name string
	root string
}

// NewDirect creates a Direct transport over the folders below root.
func NewDirect(name, root string) *Direct {
	return &Direct{name: name, root: root}
}

func (d *Direct) Name() string { return d.name }

// RestoreOnly marks Direct as excluded from upload and pruning.
func (d *Direct) RestoreOnly() bool { return true }

func (d *Direct) Upload(ctx context.Context, folder string, files []string) error {
	return errRestoreOnly
}

// Locate returns the folder in place when it holds every required archive.
func (d *Direct) Locate(ctx context.Context, folder string, scratchDir string) (*tb.LocatedSet, error) {
	dir := filepath.Join(d.root, folder)
	for _, name := range tb.RequiredArchives {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return nil, fmt.Errorf("%w: %s lacks %s", tb.ErrBackupSetNotFound, dir, name)
		}
	}
	return &tb.LocatedSet{Dir: dir, Downloaded: false, Transport: d.name}, nil
}

func (d *Direct) ListFolders(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (d *Direct) DeleteFolder(ctx context.Context, folder string) error {
	return errRestoreOnly
}

var (
	_ tb.Transport   = (*Direct)(nil)
	_ tb.RestoreOnly = (*Direct)(nil)
)
