package tb

import (
	"context"
	"errors"
)

// ErrDumpFailed wraps failures of a dump producer after all attempts.
var ErrDumpFailed = errors.New("dump failed")

// ConfigResolver reads configuration of the running application stack.
type ConfigResolver interface {
	// Value returns the configured value for key.
	Value(ctx context.Context, key string) (string, error)
	// Root returns the stack's root directory on the host.
	Root(ctx context.Context) (string, error)
}

// ExecResult is the captured output of a command run inside a container.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// ContainerExec runs commands inside the containers of the application stack.
type ContainerExec interface {
	// Exec runs cmd in the container backing service, with env as KEY=VALUE pairs.
	// A non-zero exit code is reported as an error alongside the result.
	Exec(ctx context.Context, service string, cmd []string, env []string) (*ExecResult, error)
}

// StackController stops and starts the whole application stack.
type StackController interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
}

// Dumper materializes one database dump on the host filesystem.
type Dumper interface {
	// Kind names the artifact produced.
	Kind() ArtifactKind
	// Dump runs the dump and returns the host path of the output (file or directory).
	Dump(ctx context.Context) (string, error)
}

// Replayer applies one extracted artifact back onto a live service.
type Replayer interface {
	// Kind names the artifact consumed.
	Kind() ArtifactKind
	// Replay restores from the directory the artifact was extracted into.
	Replay(ctx context.Context, extractDir string) error
}
