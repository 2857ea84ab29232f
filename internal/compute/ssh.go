package compute

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"tb-go/internal/sshauth"
	"tb-go/internal/tb"
)

// SSHOptions configures an SSHRunner.
type SSHOptions struct {
	User        string
	KeyPath     string
	DialTimeout time.Duration
}

// SSHRunner runs a command on a remote host over SSH.
type SSHRunner struct {
	opts   SSHOptions
	logger tb.Logger
}

func NewSSHRunner(opts SSHOptions, logger tb.Logger) *SSHRunner {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 30 * time.Second
	}
	return &SSHRunner{opts: opts, logger: logger}
}

// Run executes command on host, which may be "addr", "user@addr" or "user@addr:port".
// The session is closed when ctx is cancelled.
func (r *SSHRunner) Run(ctx context.Context, host string, command string) error {
	target, err := sshauth.ParseTarget(host, r.opts.User)
	if err != nil {
		return err
	}
	signer, err := sshauth.LoadSigner(r.opts.KeyPath)
	if err != nil {
		return err
	}

	client, err := sshauth.Dial(ctx, target, signer, r.opts.DialTimeout)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("opening session on %s: %w", target, err)
	}
	defer session.Close()

	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	r.logger.Info("running remote command", "host", target.String(), "command", command)
	err = session.Run(command)
	if ctx.Err() != nil {
		return fmt.Errorf("remote command on %s: %w", target, ctx.Err())
	}
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return fmt.Errorf("remote command on %s exited %d: %s", target, exitErr.ExitStatus(), lastLines(out.String(), 5))
		}
		return fmt.Errorf("remote command on %s: %w", target, err)
	}
	r.logger.Debug("remote command finished", "host", target.String(), "output", lastLines(out.String(), 5))
	return nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}

var _ tb.RemoteRunner = (*SSHRunner)(nil)
