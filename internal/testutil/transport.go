package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"tb-go/internal/tb"
)

// FakeTransport implements tb.Transport over an in-memory folder map. Uploaded folders
// become locatable, so one instance can serve a backup and a later restore.
type FakeTransport struct {
	name string

	UploadErr error
	LocateErr error
	ListErr   error
	// DeleteErr fails DeleteFolder for the named folders.
	DeleteErr map[string]error

	mu      sync.Mutex
	folders map[string]map[string][]byte
	deleted []string
	locates int
}

func NewFakeTransport(name string) *FakeTransport {
	return &FakeTransport{name: name, folders: make(map[string]map[string][]byte)}
}

func (t *FakeTransport) Name() string { return t.name }

// Put stores a file directly, bypassing Upload.
func (t *FakeTransport) Put(folder, name string, data []byte) *FakeTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.folders[folder] == nil {
		t.folders[folder] = make(map[string][]byte)
	}
	t.folders[folder][name] = data
	return t
}

// AddFolders creates empty folders, e.g. for retention sweeps.
func (t *FakeTransport) AddFolders(names ...string) *FakeTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range names {
		if t.folders[n] == nil {
			t.folders[n] = make(map[string][]byte)
		}
	}
	return t
}

func (t *FakeTransport) Upload(ctx context.Context, folder string, files []string) error {
	if t.UploadErr != nil {
		return t.UploadErr
	}
	for _, f := range files {
		for _, p := range []string{f, tb.ChecksumPath(f)} {
			data, err := os.ReadFile(p)
			if os.IsNotExist(err) && p != f {
				continue
			}
			if err != nil {
				return err
			}
			t.Put(folder, filepath.Base(p), data)
		}
	}
	return nil
}

func (t *FakeTransport) Locate(ctx context.Context, folder string, scratchDir string) (*tb.LocatedSet, error) {
	t.mu.Lock()
	t.locates++
	files, ok := t.folders[folder]
	snapshot := make(map[string][]byte, len(files))
	for k, v := range files {
		snapshot[k] = v
	}
	t.mu.Unlock()

	if t.LocateErr != nil {
		return nil, t.LocateErr
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", tb.ErrBackupSetNotFound, folder, t.name)
	}
	for _, name := range tb.RequiredArchives {
		if _, ok := snapshot[name]; !ok {
			return nil, fmt.Errorf("%w: %s lacks %s on %s", tb.ErrBackupSetNotFound, folder, name, t.name)
		}
	}

	if err := os.MkdirAll(scratchDir, 0755); err != nil {
		return nil, err
	}
	for name, data := range snapshot {
		if err := os.WriteFile(filepath.Join(scratchDir, name), data, 0644); err != nil {
			return nil, err
		}
	}
	return &tb.LocatedSet{Dir: scratchDir, Downloaded: true, Transport: t.name}, nil
}

func (t *FakeTransport) ListFolders(ctx context.Context) ([]string, error) {
	if t.ListErr != nil {
		return nil, t.ListErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.folders))
	for name := range t.folders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (t *FakeTransport) DeleteFolder(ctx context.Context, folder string) error {
	if err := t.DeleteErr[folder]; err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.folders, folder)
	t.deleted = append(t.deleted, folder)
	return nil
}

// Files returns the sorted file names stored under folder.
func (t *FakeTransport) Files(folder string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for name := range t.folders[folder] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// File returns the content of one stored file.
func (t *FakeTransport) File(folder, name string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, ok := t.folders[folder][name]
	return data, ok
}

func (t *FakeTransport) Deleted() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.deleted...)
}

// Locates counts Locate calls.
func (t *FakeTransport) Locates() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.locates
}

var _ tb.Transport = (*FakeTransport)(nil)
