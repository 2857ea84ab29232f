// Package transport implements tb.Transport on top of object stores and local
// directories.
package transport

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

// ErrObjectNotFound is returned by ObjectStore.Get for a missing key.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is a flat key/value blob store with "/"-separated keys.
type ObjectStore interface {
	// Put stores size bytes read from r under key, replacing any previous object.
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	// Get writes the object stored under key to w.
	Get(ctx context.Context, key string, w io.Writer) error
	// Keys returns every key below prefix, recursively.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Dirs returns the names of the immediate "directories" below prefix.
	Dirs(ctx context.Context, prefix string) ([]string, error)
	// Delete removes one object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// DirRemover is implemented by stores with real directories that outlive their
// objects.
type DirRemover interface {
	RemoveDir(ctx context.Context, prefix string) error
}

// joinKey joins key parts with "/", dropping empty parts.
func joinKey(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return path.Join(nonEmpty...)
}

// dirPrefix returns prefix with exactly one trailing slash, or "" for the root.
func dirPrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

// childDir returns the first path segment of key below prefix, if key is nested deeper
// than one level.
func childDir(prefix, key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, dirPrefix(prefix))
	if !ok {
		return "", false
	}
	name, _, nested := strings.Cut(rest, "/")
	if !nested || name == "" {
		return "", false
	}
	return name, true
}
