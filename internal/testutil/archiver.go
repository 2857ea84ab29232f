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

// PayloadFile is the file FakeArchiver.Extract writes into the extract directory.
const PayloadFile = "payload"

// FakeArchiver implements tb.Archiver without compressing. Build writes
// "archive:<kind>" to the target; Extract copies the archive bytes to dir/payload.
type FakeArchiver struct {
	// BuildErr fails Build for the given kinds.
	BuildErr map[tb.ArtifactKind]error
	// ExtractErr fails Extract for the given archive base names.
	ExtractErr map[string]error

	mu        sync.Mutex
	built     []tb.ArtifactKind
	extracted []string
}

func (a *FakeArchiver) Build(ctx context.Context, art tb.Artifact) (*tb.CompressedArtifact, error) {
	if _, err := os.Stat(art.Source); err != nil {
		return nil, fmt.Errorf("%w: %s", tb.ErrNoArtifact, art.Source)
	}
	if err := a.BuildErr[art.Kind]; err != nil {
		return nil, err
	}
	data := []byte("archive:" + string(art.Kind))
	if err := os.WriteFile(art.Target, data, 0644); err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.built = append(a.built, art.Kind)
	a.mu.Unlock()
	return &tb.CompressedArtifact{Path: art.Target, Size: int64(len(data)), Strategy: "fake"}, nil
}

func (a *FakeArchiver) Extract(ctx context.Context, archive string, dir string) error {
	if err := a.ExtractErr[filepath.Base(archive)]; err != nil {
		return err
	}
	data, err := os.ReadFile(archive)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	a.mu.Lock()
	a.extracted = append(a.extracted, filepath.Base(archive))
	a.mu.Unlock()
	return os.WriteFile(filepath.Join(dir, PayloadFile), data, 0644)
}

// Built returns the kinds built so far, sorted.
func (a *FakeArchiver) Built() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.built))
	for i, k := range a.built {
		out[i] = string(k)
	}
	sort.Strings(out)
	return out
}

// Extracted returns the archive base names extracted so far, sorted.
func (a *FakeArchiver) Extracted() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := append([]string(nil), a.extracted...)
	sort.Strings(out)
	return out
}

var _ tb.Archiver = (*FakeArchiver)(nil)
