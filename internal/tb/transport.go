package tb

import (
	"context"
	"errors"
)

// ErrBackupSetNotFound is returned by Transport.Locate when the named folder is absent
// or lacks one of the RequiredArchives.
var ErrBackupSetNotFound = errors.New("backup set not found")

// LocatedSet is a BackupSet made available on the local filesystem by a Transport.
type LocatedSet struct {
	// Dir holds the archives (and checksum siblings where present).
	Dir string
	// Downloaded is true when Dir is a scratch copy that the caller owns and may
	// delete. Directly referenced sets are false and must be left untouched.
	Downloaded bool
	// Transport names where the set was found.
	Transport string
}

// Transport is one remote destination for BackupSets. Folders are addressed by their
// backup folder name below the transport's configured prefix.
type Transport interface {
	// Name identifies the transport in logs and reports.
	Name() string

	// Upload stores the given local files (and their .sha256 siblings when present)
	// under folder. Independent files may be uploaded concurrently. An error means at
	// least one file failed.
	Upload(ctx context.Context, folder string, files []string) error

	// Locate makes folder available locally. Remote transports download the required
	// archives into scratchDir only if all of them exist; direct transports return the
	// folder in place. Returns ErrBackupSetNotFound if the set is incomplete.
	Locate(ctx context.Context, folder string, scratchDir string) (*LocatedSet, error)

	// ListFolders returns the top-level folder names under the transport prefix.
	ListFolders(ctx context.Context) ([]string, error)

	// DeleteFolder removes folder and everything below it.
	DeleteFolder(ctx context.Context, folder string) error
}

// RestoreOnly is implemented by transports that are searched during restore but receive
// no uploads and are never pruned.
type RestoreOnly interface {
	RestoreOnly() bool
}

// IsRestoreOnly reports whether t opts out of backup and pruning.
func IsRestoreOnly(t Transport) bool {
	r, ok := t.(RestoreOnly)
	return ok && r.RestoreOnly()
}

// BackupTransports filters out restore-only transports.
func BackupTransports(ts []Transport) []Transport {
	var out []Transport
	for _, t := range ts {
		if !IsRestoreOnly(t) {
			out = append(out, t)
		}
	}
	return out
}
