package testutil

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"tb-go/internal/tb"
)

// ExecCall records one FakeExec invocation.
type ExecCall struct {
	Service string
	Cmd     []string
	Env     []string
}

// FakeExec implements tb.ContainerExec. Handlers are keyed by "service cmd[0]".
type FakeExec struct {
	mu       sync.Mutex
	calls    []ExecCall
	handlers map[string]func(call ExecCall) (*tb.ExecResult, error)
}

func NewFakeExec() *FakeExec {
	return &FakeExec{handlers: make(map[string]func(ExecCall) (*tb.ExecResult, error))}
}

// Handle registers fn for commands whose program is program in service.
func (e *FakeExec) Handle(service, program string, fn func(call ExecCall) (*tb.ExecResult, error)) *FakeExec {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[service+" "+program] = fn
	return e
}

func (e *FakeExec) Exec(ctx context.Context, service string, cmd []string, env []string) (*tb.ExecResult, error) {
	call := ExecCall{Service: service, Cmd: cmd, Env: env}
	e.mu.Lock()
	e.calls = append(e.calls, call)
	fn := e.handlers[service+" "+cmd[0]]
	e.mu.Unlock()

	if fn == nil {
		return &tb.ExecResult{}, nil
	}
	return fn(call)
}

// Calls returns each call as "service cmd args...".
func (e *FakeExec) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.calls))
	for i, c := range e.calls {
		out[i] = c.Service + " " + strings.Join(c.Cmd, " ")
	}
	return out
}

// FakeResolver implements tb.ConfigResolver from a map.
type FakeResolver struct {
	RootDir string
	Values  map[string]string
	RootErr error
}

func (r *FakeResolver) Value(ctx context.Context, key string) (string, error) {
	v, ok := r.Values[key]
	if !ok {
		return "", fmt.Errorf("unknown key %s", key)
	}
	return v, nil
}

func (r *FakeResolver) Root(ctx context.Context) (string, error) {
	if r.RootErr != nil {
		return "", r.RootErr
	}
	return r.RootDir, nil
}

// FakeController implements tb.StackController and records the order of calls.
type FakeController struct {
	mu       sync.Mutex
	Events   []string
	StopErr  error
	StartErr error
}

func (c *FakeController) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Events = append(c.Events, "stop")
	return c.StopErr
}

func (c *FakeController) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Events = append(c.Events, "start")
	return c.StartErr
}

// FakeDumper implements tb.Dumper. DumpFn produces the dump; Calls counts attempts.
type FakeDumper struct {
	K      tb.ArtifactKind
	DumpFn func(ctx context.Context, attempt int) (string, error)

	mu    sync.Mutex
	calls int
}

func (d *FakeDumper) Kind() tb.ArtifactKind { return d.K }

func (d *FakeDumper) Dump(ctx context.Context) (string, error) {
	d.mu.Lock()
	d.calls++
	attempt := d.calls
	d.mu.Unlock()
	if d.DumpFn == nil {
		return "", errors.New("no dump configured")
	}
	return d.DumpFn(ctx, attempt)
}

func (d *FakeDumper) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// ReplayLog records replay events across replayers, in order.
type ReplayLog struct {
	mu     sync.Mutex
	events []string
}

func (l *ReplayLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *ReplayLog) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// FakeReplayer implements tb.Replayer, logging "<kind>:start" and "<kind>:done".
type FakeReplayer struct {
	K   tb.ArtifactKind
	Log *ReplayLog
	Err error
	// Check inspects the extract directory during replay.
	Check func(extractDir string) error
}

func (r *FakeReplayer) Kind() tb.ArtifactKind { return r.K }

func (r *FakeReplayer) Replay(ctx context.Context, extractDir string) error {
	if r.Log != nil {
		r.Log.add(string(r.K) + ":start")
		defer r.Log.add(string(r.K) + ":done")
	}
	if r.Check != nil {
		if err := r.Check(extractDir); err != nil {
			return err
		}
	}
	return r.Err
}

var (
	_ tb.ContainerExec   = (*FakeExec)(nil)
	_ tb.ConfigResolver  = (*FakeResolver)(nil)
	_ tb.StackController = (*FakeController)(nil)
	_ tb.Dumper          = (*FakeDumper)(nil)
	_ tb.Replayer        = (*FakeReplayer)(nil)
)
