package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"tb-go/internal/sshauth"
)

// SFTPOptions configures an SFTPStore.
type SFTPOptions struct {
	// Server is "user@host[:port]".
	Server string
	// BasePath is the remote directory holding the backup folders.
	BasePath string
	// KeyPath is the private key file, created from KeyMaterial if missing.
	KeyPath     string
	KeyMaterial string
	DialTimeout time.Duration
}

// SFTPStore is an ObjectStore over a directory reachable with SFTP. The connection is
// opened on first use and reused.
type SFTPStore struct {
	opts SFTPOptions

	mu     sync.Mutex
	conn   *ssh.Client
	client *sftp.Client
}

// NewSFTPStore validates opts without connecting.
func NewSFTPStore(opts SFTPOptions) (*SFTPStore, error) {
	if _, err := sshauth.ParseTarget(opts.Server, "root"); err != nil {
		return nil, fmt.Errorf("sftp server: %w", err)
	}
	if opts.BasePath == "" {
		return nil, fmt.Errorf("sftp transport requires a remote path")
	}
	if opts.KeyPath == "" {
		return nil, fmt.Errorf("sftp transport requires a key path")
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 30 * time.Second
	}
	return &SFTPStore{opts: opts}, nil
}

func (s *SFTPStore) sftpClient(ctx context.Context) (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	if err := sshauth.EnsureKeyFile(s.opts.KeyPath, s.opts.KeyMaterial); err != nil {
		return nil, err
	}
	signer, err := sshauth.LoadSigner(s.opts.KeyPath)
	if err != nil {
		return nil, err
	}
	target, err := sshauth.ParseTarget(s.opts.Server, "root")
	if err != nil {
		return nil, err
	}
	conn, err := sshauth.Dial(ctx, target, signer, s.opts.DialTimeout)
	if err != nil {
		return nil, err
	}
	client, err := sftp.NewClient(conn, sftp.UseConcurrentWrites(true))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("starting sftp session: %w", err)
	}
	s.conn, s.client = conn, client
	return client, nil
}

// Close ends the session if one was opened.
func (s *SFTPStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	s.client.Close()
	err := s.conn.Close()
	s.client, s.conn = nil, nil
	return err
}

func (s *SFTPStore) remotePath(key string) string {
	return path.Join(s.opts.BasePath, key)
}

// Put writes to a partial file and renames it into place.
func (s *SFTPStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	c, err := s.sftpClient(ctx)
	if err != nil {
		return err
	}

	dest := s.remotePath(key)
	if err := c.MkdirAll(path.Dir(dest)); err != nil {
		return fmt.Errorf("creating remote dir: %w", err)
	}

	tmp := dest + ".part"
	f, err := c.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	written, err := f.ReadFrom(r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		c.Remove(tmp)
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if written != size {
		c.Remove(tmp)
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}
	if err := c.PosixRename(tmp, dest); err != nil {
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}

// Get copies the remote file to w.
func (s *SFTPStore) Get(ctx context.Context, key string, w io.Writer) error {
	c, err := s.sftpClient(ctx)
	if err != nil {
		return err
	}
	f, err := c.Open(s.remotePath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return fmt.Errorf("opening %s: %w", key, err)
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}
	return nil
}

// Keys walks the remote tree below prefix.
func (s *SFTPStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	c, err := s.sftpClient(ctx)
	if err != nil {
		return nil, err
	}

	root := s.remotePath(prefix)
	var keys []string
	walker := c.Walk(root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			if os.IsNotExist(err) && walker.Path() == root {
				return nil, nil
			}
			return nil, fmt.Errorf("walking %s: %w", root, err)
		}
		if walker.Stat().IsDir() || path.Ext(walker.Path()) == ".part" {
			continue
		}
		rel, ok := relKey(s.opts.BasePath, walker.Path())
		if ok {
			keys = append(keys, rel)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Dirs lists the remote subdirectories of prefix.
func (s *SFTPStore) Dirs(ctx context.Context, prefix string) ([]string, error) {
	c, err := s.sftpClient(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := c.ReadDir(s.remotePath(prefix))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", prefix, err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs, nil
}

// Delete removes one remote file.
func (s *SFTPStore) Delete(ctx context.Context, key string) error {
	c, err := s.sftpClient(ctx)
	if err != nil {
		return err
	}
	if err := c.Remove(s.remotePath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// RemoveDir removes the remote directory of prefix and everything below it.
func (s *SFTPStore) RemoveDir(ctx context.Context, prefix string) error {
	if prefix == "" {
		return fmt.Errorf("refusing to remove remote base path")
	}
	c, err := s.sftpClient(ctx)
	if err != nil {
		return err
	}
	return removeTree(c, s.remotePath(prefix))
}

func removeTree(c *sftp.Client, dir string) error {
	entries, err := c.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		p := path.Join(dir, e.Name())
		if e.IsDir() {
			if err := removeTree(c, p); err != nil {
				return err
			}
			continue
		}
		if err := c.Remove(p); err != nil {
			return fmt.Errorf("deleting %s: %w", p, err)
		}
	}
	return c.RemoveDirectory(dir)
}

func relKey(base, p string) (string, bool) {
	base = path.Clean(base) + "/"
	if len(p) <= len(base) || p[:len(base)] != base {
		return "", false
	}
	return p[len(base):], true
}

var (
	_ ObjectStore = (*SFTPStore)(nil)
	_ DirRemover  = (*SFTPStore)(nil)
)
