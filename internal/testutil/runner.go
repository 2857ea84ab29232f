package testutil

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"tb-go/internal/command"
)

// FakeRunner records commands instead of running them. Responses are keyed by the
// command line prefix; the longest matching prefix wins.
type FakeRunner struct {
	mu        sync.Mutex
	calls     []command.Cmd
	responses map[string]FakeResponse
	installed map[string]bool
	// PipelineOutput is written to out by Pipeline.
	PipelineOutput []byte
	PipelineErr    error
}

// FakeResponse is what FakeRunner returns for a matching command.
type FakeResponse struct {
	Stdout string
	Err    error
	// Do runs before the response is returned, e.g. to create files a real command would.
	Do func(c command.Cmd)
}

func NewFakeRunner(installed ...string) *FakeRunner {
	r := &FakeRunner{
		responses: make(map[string]FakeResponse),
		installed: make(map[string]bool),
	}
	for _, name := range installed {
		r.installed[name] = true
	}
	return r
}

// On registers resp for commands whose line starts with prefix.
func (r *FakeRunner) On(prefix string, resp FakeResponse) *FakeRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[prefix] = resp
	return r
}

func (r *FakeRunner) Run(ctx context.Context, c command.Cmd) (*command.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	resp, ok := r.match(c.String())
	r.mu.Unlock()

	if !ok {
		return &command.Result{}, nil
	}
	if resp.Do != nil {
		resp.Do(c)
	}
	if resp.Err != nil {
		return &command.Result{Stdout: []byte(resp.Stdout), ExitCode: 1}, resp.Err
	}
	return &command.Result{Stdout: []byte(resp.Stdout)}, nil
}

func (r *FakeRunner) Pipeline(ctx context.Context, out io.Writer, cmds ...command.Cmd) error {
	r.mu.Lock()
	r.calls = append(r.calls, cmds...)
	r.mu.Unlock()
	if r.PipelineErr != nil {
		return r.PipelineErr
	}
	_, err := out.Write(r.PipelineOutput)
	return err
}

func (r *FakeRunner) LookPath(name string) (string, error) {
	if r.installed[name] {
		return "/usr/bin/" + name, nil
	}
	return "", fmt.Errorf("%s: not found", name)
}

// Calls returns the command lines run so far.
func (r *FakeRunner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := make([]string, len(r.calls))
	for i, c := range r.calls {
		lines[i] = c.String()
	}
	return lines
}

// Called reports whether any command line started with prefix.
func (r *FakeRunner) Called(prefix string) bool {
	for _, line := range r.Calls() {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func (r *FakeRunner) match(line string) (FakeResponse, bool) {
	var best string
	found := false
	for prefix := range r.responses {
		if strings.HasPrefix(line, prefix) && len(prefix) >= len(best) {
			best, found = prefix, true
		}
	}
	return r.responses[best], found
}

var _ command.Runner = (*FakeRunner)(nil)
