// Package command runs external programs: the tutor CLI, database clients inside
// containers, tar and the parallel compressors.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// Cmd describes one process invocation.
type Cmd struct {
	Name  string
	Args  []string
	Env   []string // appended to the current environment
	Dir   string
	Stdin io.Reader
}

func (c Cmd) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Result is the captured output of a finished process.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner starts external processes.
type Runner interface {
	// Run waits for c and captures its output. A non-zero exit is an error.
	Run(ctx context.Context, c Cmd) (*Result, error)
	// Pipeline connects the stdout of each command to the stdin of the next and writes
	// the output of the last one to out.
	Pipeline(ctx context.Context, out io.Writer, cmds ...Cmd) error
	// LookPath reports where name is installed.
	LookPath(name string) (string, error)
}

// ExitError describes a process that ran and failed.
type ExitError struct {
	Cmd      string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", e.Cmd, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// ExecRunner runs processes on the local host.
type ExecRunner struct{}

func NewExecRunner() *ExecRunner { return &ExecRunner{} }

func (r *ExecRunner) command(ctx context.Context, c Cmd) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	return cmd
}

func (r *ExecRunner) Run(ctx context.Context, c Cmd) (*Result, error) {
	cmd := r.command(ctx, c)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		return res, wrapExit(c, err, stderr.Bytes(), &res.ExitCode)
	}
	return res, nil
}

func (r *ExecRunner) Pipeline(ctx context.Context, out io.Writer, cmds ...Cmd) error {
	if len(cmds) == 0 {
		return errors.New("empty pipeline")
	}

	procs := make([]*exec.Cmd, len(cmds))
	stderrs := make([]*bytes.Buffer, len(cmds))
	for i, c := range cmds {
		procs[i] = r.command(ctx, c)
		stderrs[i] = &bytes.Buffer{}
		procs[i].Stderr = stderrs[i]
	}
	for i := 0; i < len(procs)-1; i++ {
		pipe, err := procs[i].StdoutPipe()
		if err != nil {
			return fmt.Errorf("connecting %s: %w", cmds[i].Name, err)
		}
		procs[i+1].Stdin = pipe
	}
	procs[len(procs)-1].Stdout = out

	for i, p := range procs {
		if err := p.Start(); err != nil {
			for _, started := range procs[:i] {
				started.Process.Kill()
				started.Wait()
			}
			return fmt.Errorf("starting %s: %w", cmds[i].Name, err)
		}
	}

	var errs []error
	for i := len(procs) - 1; i >= 0; i-- {
		if err := procs[i].Wait(); err != nil {
			var code int
			errs = append(errs, wrapExit(cmds[i], err, stderrs[i].Bytes(), &code))
		}
	}
	return errors.Join(errs...)
}

func (r *ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func wrapExit(c Cmd, err error, stderr []byte, code *int) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		*code = exitErr.ExitCode()
		return &ExitError{Cmd: c.Name, ExitCode: *code, Stderr: tail(stderr, 512)}
	}
	return fmt.Errorf("running %s: %w", c.Name, err)
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}

// Sudo wraps c to run through non-interactive sudo.
func Sudo(c Cmd) Cmd {
	args := append([]string{"-n"}, c.Name)
	return Cmd{Name: "sudo", Args: append(args, c.Args...), Env: c.Env, Dir: c.Dir, Stdin: c.Stdin}
}

// Split parses a shell-style command line into words, honouring quotes and
// environment variable references.
func Split(line string) ([]string, error) {
	p := shellwords.NewParser()
	p.ParseEnv = true
	words, err := p.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("parsing command %q: %w", line, err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return words, nil
}

// FromLine builds a Cmd from a shell-style command line.
func FromLine(line string) (Cmd, error) {
	words, err := Split(line)
	if err != nil {
		return Cmd{}, err
	}
	return Cmd{Name: words[0], Args: words[1:]}, nil
}

var _ Runner = (*ExecRunner)(nil)
