// Package sshauth materializes the private key used for non-interactive SSH and
// dials hosts with it.
package sshauth

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// DefaultPort is used when a target carries no port.
const DefaultPort = 22

// Target is a parsed "user@host[:port]" address.
type Target struct {
	User string
	Host string
	Port int
}

// ParseTarget parses "user@host[:port]". defaultUser is used when the user part is
// missing.
func ParseTarget(s, defaultUser string) (Target, error) {
	t := Target{User: defaultUser, Port: DefaultPort}
	if at := strings.LastIndex(s, "@"); at >= 0 {
		t.User = s[:at]
		s = s[at+1:]
	}
	if host, port, err := net.SplitHostPort(s); err == nil {
		p, err := strconv.Atoi(port)
		if err != nil {
			return Target{}, fmt.Errorf("invalid port %q: %w", port, err)
		}
		t.Host, t.Port = host, p
	} else {
		t.Host = s
	}
	if t.Host == "" {
		return Target{}, fmt.Errorf("missing host in %q", s)
	}
	if t.User == "" {
		return Target{}, fmt.Errorf("missing user for host %s", t.Host)
	}
	return t, nil
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string {
	return t.User + "@" + t.Addr()
}

// NormalizeKey turns a key stored on a single line, with literal "\n" sequences, back
// into PEM text ending in a newline.
func NormalizeKey(material string) string {
	key := strings.ReplaceAll(strings.TrimSpace(material), `\n`, "\n")
	if !strings.HasSuffix(key, "\n") {
		key += "\n"
	}
	return key
}

// EncodeKey is the inverse of NormalizeKey: it folds a multi-line key onto one line.
func EncodeKey(pem string) string {
	pem = strings.ReplaceAll(pem, "\r\n", "\n")
	return strings.ReplaceAll(strings.TrimRight(pem, "\n"), "\n", `\n`)
}

// EnsureKeyFile writes material to path with owner-only permissions unless a file is
// already there. An existing file is left untouched.
func EnsureKeyFile(path, material string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("checking key file: %w", err)
	}
	if material == "" {
		return fmt.Errorf("no key file at %s and no key material configured", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(NormalizeKey(material)), 0600); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	return nil
}

// LoadSigner parses the private key at path.
func LoadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing key file %s: %w", path, err)
	}
	return signer, nil
}

// Dial opens an SSH connection authenticated with signer. Host keys are not checked:
// the tool runs unattended against hosts that are recreated.
func Dial(ctx context.Context, t Target, signer ssh.Signer, timeout time.Duration) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            t.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", t.Addr())
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", t, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, t.Addr(), cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", t, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}
