package docker

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"tb-go/internal/tb"
)

type fakeDaemon struct {
	t          *testing.T
	containers string
	stdout     string
	stderr     string
	exitCode   int
	gotEnv     string
}

func (d *fakeDaemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1.41")
	switch {
	case r.Method == http.MethodGet && path == "/containers/json":
		f, err := filters.FromJSON(r.URL.Query().Get("filters"))
		if err != nil {
			d.t.Errorf("bad filters: %v", err)
		}
		labels := f.Get("label")
		if !slices.Contains(labels, "com.docker.compose.project=tutor_local") {
			d.t.Errorf("missing project label filter: %v", labels)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(d.containers))

	case r.Method == http.MethodPost && path == "/containers/abc123/exec":
		body, _ := io.ReadAll(r.Body)
		d.gotEnv = string(body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"Id":"exec1"}`))

	case r.Method == http.MethodPost && path == "/exec/exec1/start":
		conn, rw, err := w.(http.Hijacker).Hijack()
		if err != nil {
			d.t.Errorf("hijack: %v", err)
			return
		}
		defer conn.Close()
		rw.WriteString("HTTP/1.1 101 UPGRADED\r\nContent-Type: application/vnd.docker.raw-stream\r\nConnection: Upgrade\r\nUpgrade: tcp\r\n\r\n")
		rw.Write(frame(1, d.stdout))
		rw.Write(frame(2, d.stderr))
		rw.Flush()

	case r.Method == http.MethodGet && path == "/exec/exec1/json":
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ID":"exec1","Running":false,"ExitCode":` + strconv.Itoa(d.exitCode) + `}`))

	default:
		d.t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func frame(stream byte, payload string) []byte {
	if payload == "" {
		return nil
	}
	b := make([]byte, 8+len(payload))
	b[0] = stream
	binary.BigEndian.PutUint32(b[4:8], uint32(len(payload)))
	copy(b[8:], payload)
	return b
}

func newTestExec(t *testing.T, d *fakeDaemon) *Exec {
	t.Helper()
	server := httptest.NewServer(d)
	t.Cleanup(server.Close)

	host := strings.TrimPrefix(server.URL, "http://")
	cli, err := client.NewClientWithOpts(client.WithHost("tcp://"+host), client.WithVersion("1.41"), client.WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("creating client: %v", err)
	}
	return NewExecWithClient(cli, "tutor_local", tb.NewNopLogger())
}

const oneContainer = `[{"Id":"abc123","Names":["/tutor_local-mysql-1"],"State":"running",
	"Labels":{"com.docker.compose.project":"tutor_local","com.docker.compose.service":"mysql"}}]`

func TestExec_Success(t *testing.T) {
	d := &fakeDaemon{t: t, containers: oneContainer, stdout: "done\n", stderr: "warning\n"}
	e := newTestExec(t, d)

	res, err := e.Exec(context.Background(), "mysql", []string{"sh", "-c", "mysqldump"}, []string{"USERNAME=root"})
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	if string(res.Stdout) != "done\n" || string(res.Stderr) != "warning\n" {
		t.Errorf("unexpected output: stdout=%q stderr=%q", res.Stdout, res.Stderr)
	}
	if !strings.Contains(d.gotEnv, "USERNAME=root") {
		t.Errorf("env not forwarded: %s", d.gotEnv)
	}
}

func TestExec_NonZeroExit(t *testing.T) {
	d := &fakeDaemon{t: t, containers: oneContainer, stderr: "access denied\n", exitCode: 2}
	e := newTestExec(t, d)

	res, err := e.Exec(context.Background(), "mysql", []string{"false"}, nil)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.ExitCode != 2 || exitErr.Stderr != "access denied" {
		t.Errorf("unexpected ExitError %+v", exitErr)
	}
	if res == nil || res.ExitCode != 2 {
		t.Errorf("result should carry the exit code: %+v", res)
	}
}

func TestExec_ServiceNotRunning(t *testing.T) {
	e := newTestExec(t, &fakeDaemon{t: t, containers: `[]`})
	_, err := e.Exec(context.Background(), "mongodb", []string{"mongodump"}, nil)
	if !errors.Is(err, ErrServiceNotRunning) {
		t.Fatalf("expected ErrServiceNotRunning, got %v", err)
	}
}

func TestExec_RejectsEmptyCommand(t *testing.T) {
	e := &Exec{}
	if _, err := e.Exec(context.Background(), "mysql", nil, nil); err == nil {
		t.Fatal("expected an error")
	}
}
