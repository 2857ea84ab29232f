// Package stack produces and replays the database dumps and media of a tutor
// (Open edX) deployment.
package stack

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"tb-go/internal/command"
	"tb-go/internal/tb"
)

// tutorCommand parses the configured tutor invocation, which may carry a wrapper such
// as "sudo -u ubuntu tutor". An empty line means plain "tutor".
func tutorCommand(line string) (command.Cmd, error) {
	if strings.TrimSpace(line) == "" {
		line = "tutor"
	}
	c, err := command.FromLine(line)
	if err != nil {
		return command.Cmd{}, fmt.Errorf("tutor command: %w", err)
	}
	return c, nil
}

func withArgs(base command.Cmd, args ...string) command.Cmd {
	return command.Cmd{Name: base.Name, Args: append(slices.Clone(base.Args), args...)}
}

// TutorResolver reads configuration through the tutor CLI.
type TutorResolver struct {
	bin    command.Cmd
	root   string
	runner command.Runner

	mu sync.Mutex
}

// NewTutorResolver creates a resolver. bin is a shell-style command line. A non-empty
// root overrides `tutor config printroot`.
func NewTutorResolver(bin, root string, runner command.Runner) (*TutorResolver, error) {
	c, err := tutorCommand(bin)
	if err != nil {
		return nil, err
	}
	return &TutorResolver{bin: c, root: root, runner: runner}, nil
}

// Value returns `tutor config printvalue key`.
func (r *TutorResolver) Value(ctx context.Context, key string) (string, error) {
	res, err := r.runner.Run(ctx, withArgs(r.bin, "config", "printvalue", key))
	if err != nil {
		return "", fmt.Errorf("reading tutor value %s: %w", key, err)
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// Root returns the tutor project root. The CLI is asked once per resolver.
func (r *TutorResolver) Root(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.root != "" {
		return r.root, nil
	}

	res, err := r.runner.Run(ctx, withArgs(r.bin, "config", "printroot"))
	if err != nil {
		return "", fmt.Errorf("reading tutor root: %w", err)
	}
	root := strings.TrimSpace(string(res.Stdout))
	if root == "" {
		return "", fmt.Errorf("tutor printed an empty root")
	}
	r.root = root
	return root, nil
}

// TutorController stops and starts the local tutor deployment.
type TutorController struct {
	bin    command.Cmd
	runner command.Runner
}

func NewTutorController(bin string, runner command.Runner) (*TutorController, error) {
	c, err := tutorCommand(bin)
	if err != nil {
		return nil, err
	}
	return &TutorController{bin: c, runner: runner}, nil
}

func (c *TutorController) Stop(ctx context.Context) error {
	if _, err := c.runner.Run(ctx, withArgs(c.bin, "local", "stop")); err != nil {
		return fmt.Errorf("stopping tutor: %w", err)
	}
	return nil
}

func (c *TutorController) Start(ctx context.Context) error {
	if _, err := c.runner.Run(ctx, withArgs(c.bin, "local", "start", "--detach")); err != nil {
		return fmt.Errorf("starting tutor: %w", err)
	}
	return nil
}

var (
	_ tb.ConfigResolver  = (*TutorResolver)(nil)
	_ tb.StackController = (*TutorController)(nil)
)
