package tb

import (
	"context"
	"errors"
)

// ErrNoArtifact is returned by Archiver.Build when the source is absent. It is not
// fatal to a backup run.
var ErrNoArtifact = errors.New("no artifact")

// Archiver turns a directory or file into one compressed archive and back.
type Archiver interface {
	// Build compresses a.Source into a.Target, honouring a.Exclude.
	Build(ctx context.Context, a Artifact) (*CompressedArtifact, error)
	// Extract unpacks archive into dir, creating dir if needed.
	Extract(ctx context.Context, archive string, dir string) error
}
