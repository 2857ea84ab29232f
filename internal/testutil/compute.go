package testutil

import (
	"context"
	"sync"

	"tb-go/internal/tb"
)

// FakeCompute implements tb.ComputeControl. Status walks through States, repeating the
// last one once exhausted.
type FakeCompute struct {
	States   []tb.InstanceState
	Address  string
	StartErr error
	StopErr  error

	mu     sync.Mutex
	polls  int
	events []string
}

func (c *FakeCompute) Start(ctx context.Context, instanceID string) error {
	c.record("start " + instanceID)
	return c.StartErr
}

func (c *FakeCompute) Stop(ctx context.Context, instanceID string) error {
	c.record("stop " + instanceID)
	return c.StopErr
}

func (c *FakeCompute) Status(ctx context.Context, instanceID string) (*tb.InstanceStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := tb.InstanceUnknown
	if len(c.States) > 0 {
		state = c.States[min(c.polls, len(c.States)-1)]
	}
	c.polls++
	st := &tb.InstanceStatus{State: state}
	if state == tb.InstanceRunning {
		st.Address = c.Address
	}
	return st, nil
}

// Events returns "start <id>" and "stop <id>" in call order.
func (c *FakeCompute) Events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

// Polls counts Status calls.
func (c *FakeCompute) Polls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls
}

func (c *FakeCompute) record(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// FakeRemoteRunner implements tb.RemoteRunner and records "host: command" lines.
type FakeRemoteRunner struct {
	Err error

	mu       sync.Mutex
	commands []string
}

func (r *FakeRemoteRunner) Run(ctx context.Context, host string, command string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, host+": "+command)
	return r.Err
}

func (r *FakeRemoteRunner) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

var (
	_ tb.ComputeControl = (*FakeCompute)(nil)
	_ tb.RemoteRunner   = (*FakeRemoteRunner)(nil)
)
