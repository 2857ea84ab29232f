package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"tb-go/internal/config"
	"tb-go/internal/tb"
	"tb-go/internal/testutil"
)

const todayFolder = "acme-prod-tutor-backup-20250115"

type testApp struct {
	*TBApp
	cfg    *config.Config
	base   string
	root   string
	runner *testutil.FakeRunner
	exec   *testutil.FakeExec
}

func writeTestFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

// newTestApp wires a TBApp against a fake tutor stack: commands go to a FakeRunner,
// container execs to a FakeExec that writes the dumps a real stack would.
func newTestApp(t *testing.T, mutate func(cfg *config.Config)) *testApp {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "tutor")

	cfg := config.NewConfig(base)
	cfg.Client = "acme"
	cfg.Environment = "prod"
	cfg.Stack.Root = root
	cfg.Stack.Privileged = false
	cfg.Compression.Fast = false
	cfg.Database = config.DatabaseConfig{Type: "memory"}
	cfg.Metrics.TextfileDir = filepath.Join(base, "metrics")
	cfg.Transports = []config.TransportConfig{
		{Type: "memory", Name: "s3"},
		{Type: "local", Name: "nas", LocalRoot: filepath.Join(base, "nas")},
	}
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}

	writeTestFile(t, filepath.Join(root, "config.yml"), []byte("LMS_HOST: lms.example.com\n"))
	writeTestFile(t, filepath.Join(root, "data", "openedx-media", "course.png"), []byte("png"))

	a, err := NewTBApp(context.Background(), cfg, Invocation{Command: "test"})
	if err != nil {
		t.Fatalf("NewTBApp() error: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	runner := testutil.NewFakeRunner().
		On("tutor config printvalue MYSQL_ROOT_USERNAME", testutil.FakeResponse{Stdout: "root\n"}).
		On("tutor config printvalue MYSQL_ROOT_PASSWORD", testutil.FakeResponse{Stdout: "secret\n"})

	sqlDump := filepath.Join(root, "data", "mysql", "all-databases.sql")
	mongoDump := filepath.Join(root, "data", "mongodb", "dump.mongodb")
	exec := testutil.NewFakeExec().
		Handle("mysql", "sh", func(call testutil.ExecCall) (*tb.ExecResult, error) {
			if strings.Contains(call.Cmd[2], "mysqldump") {
				writeTestFile(t, sqlDump, bytes.Repeat([]byte("INSERT INTO auth_user VALUES (1);\n"), 100))
				return &tb.ExecResult{}, nil
			}
			if _, err := os.Stat(sqlDump); err != nil {
				return nil, fmt.Errorf("staged dump missing: %w", err)
			}
			return &tb.ExecResult{}, nil
		}).
		Handle("mongodb", "mongodump", func(testutil.ExecCall) (*tb.ExecResult, error) {
			writeTestFile(t, filepath.Join(mongoDump, "openedx", "modulestore.bson"), []byte("bson"))
			return &tb.ExecResult{}, nil
		}).
		Handle("mongodb", "mongorestore", func(testutil.ExecCall) (*tb.ExecResult, error) {
			if _, err := os.Stat(filepath.Join(mongoDump, "openedx", "modulestore.bson")); err != nil {
				return nil, fmt.Errorf("staged dump missing: %w", err)
			}
			return &tb.ExecResult{}, nil
		})

	a.runner = runner
	a.exec = exec
	a.clock = testutil.FixedClock()
	return &testApp{TBApp: a, cfg: cfg, base: base, root: root, runner: runner, exec: exec}
}

func TestTBApp_BackupAndRestore(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, nil)

	report, err := a.Backup(ctx)
	if err != nil {
		t.Fatalf("Backup() error: %v", err)
	}
	if report.Status != tb.StatusSuccess {
		t.Fatalf("backup status = %s, failures %+v", report.Status, report.Failures())
	}
	for _, name := range []string{tb.MySQLArchive, tb.MongoDBArchive, tb.MediaArchive, tb.ConfigArchive, tb.MySQLArchive + ".sha256"} {
		if _, err := os.Stat(filepath.Join(a.base, "nas", todayFolder, name)); err != nil {
			t.Errorf("nas transport missing %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(a.root, "data", "mysql", "all-databases.sql")); !os.IsNotExist(err) {
		t.Error("mysql dump should be cleaned up after the backup")
	}

	// damage the live media tree
	if err := os.Remove(filepath.Join(a.root, "data", "openedx-media", "course.png")); err != nil {
		t.Fatal(err)
	}
	writeTestFile(t, filepath.Join(a.root, "data", "openedx-media", "stray.txt"), []byte("x"))

	report, err = a.Restore(ctx, tb.RestoreRequest{})
	if err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	if report.Status != tb.StatusSuccess {
		t.Fatalf("restore status = %s, failures %+v", report.Status, report.Failures())
	}
	if data, err := os.ReadFile(filepath.Join(a.root, "data", "openedx-media", "course.png")); err != nil || string(data) != "png" {
		t.Errorf("media not restored: %q, %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(a.root, "data", "openedx-media", "stray.txt")); !os.IsNotExist(err) {
		t.Error("media tree should be replaced wholesale")
	}
	if !a.runner.Called("tutor local stop") || !a.runner.Called("tutor local start --detach") {
		t.Errorf("stack was not cycled: %v", a.runner.Calls())
	}
	if calls := a.exec.Calls(); !slices.Contains(calls, "mongodb mongorestore --drop /data/db/dump.mongodb") {
		t.Errorf("exec calls = %v", calls)
	}

	runs, err := a.History(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].Kind != "restore" || runs[1].Kind != "backup" {
		t.Fatalf("history = %+v", runs)
	}
	if runs[0].ID != a.op.ID || !a.op.Recorded {
		t.Errorf("history should carry the operation id %s, got %s", a.op.ID, runs[0].ID)
	}

	for _, kind := range []string{"backup", "restore"} {
		data, err := os.ReadFile(filepath.Join(a.base, "metrics", "tb_"+kind+".prom"))
		if err != nil {
			t.Fatalf("metrics for %s: %v", kind, err)
		}
		if !strings.Contains(string(data), "tb_last_success_timestamp_seconds") {
			t.Errorf("%s metrics lack last success:\n%s", kind, data)
		}
	}
}

func TestTBApp_BackupWithValidation(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) {
		cfg.Validation.Enabled = true
		cfg.Validation.InstanceID = "i-0abc"
		cfg.Validation.PollAttempts = 1
	})
	fc := &testutil.FakeCompute{States: []tb.InstanceState{tb.InstanceRunning}, Address: "10.1.2.3"}
	remote := &testutil.FakeRemoteRunner{}
	a.compute = fc
	a.remote = remote

	report, err := a.Backup(context.Background())
	if err != nil || report.Status != tb.StatusSuccess {
		t.Fatalf("Backup() = %v, failures %+v", err, report.Failures())
	}
	if got := fc.Events(); !slices.Equal(got, []string{"start i-0abc", "stop i-0abc"}) {
		t.Errorf("compute events = %v", got)
	}
	if got := remote.Commands(); len(got) != 1 || got[0] != "10.1.2.3: tb restore --date 20250115" {
		t.Errorf("remote commands = %v", got)
	}
}

func TestTBApp_RestoreNotFound(t *testing.T) {
	a := newTestApp(t, nil)

	_, err := a.Restore(context.Background(), tb.RestoreRequest{Date: "20250101"})
	if !errors.Is(err, tb.ErrBackupSetNotFound) {
		t.Fatalf("Restore() = %v, want ErrBackupSetNotFound", err)
	}
	for _, name := range []string{"s3", "nas"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error should name transport %s: %v", name, err)
		}
	}

	runs, _ := a.History(context.Background(), "restore", 1)
	if len(runs) != 1 || runs[0].Status != tb.StatusFailed || runs[0].Folder != "acme-prod-tutor-backup-20250101" {
		t.Errorf("history = %+v", runs)
	}
}

func TestTBApp_Prune(t *testing.T) {
	a := newTestApp(t, nil)
	old := "acme-prod-tutor-backup-20250105"
	recent := "acme-prod-tutor-backup-20250114"
	for _, folder := range []string{old, recent} {
		writeTestFile(t, filepath.Join(a.base, "nas", folder, tb.MySQLArchive), []byte("x"))
	}

	results, err := a.Prune(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(a.base, "nas", old)); err != nil {
		t.Error("dry run must not delete")
	}
	var candidates []string
	for _, r := range results {
		if r.Value != nil {
			candidates = append(candidates, r.Value.Candidates...)
		}
	}
	if !slices.Equal(candidates, []string{old}) {
		t.Errorf("candidates = %v", candidates)
	}

	if _, err := a.Prune(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(a.base, "nas", old)); !os.IsNotExist(err) {
		t.Error("expired folder should be deleted")
	}
	if _, err := os.Stat(filepath.Join(a.base, "nas", recent)); err != nil {
		t.Error("recent folder should be kept")
	}

	runs, _ := a.History(context.Background(), "prune", 5)
	if len(runs) != 1 || runs[0].Status != tb.StatusSuccess {
		t.Errorf("prune history = %+v", runs)
	}
}

func TestTBApp_TransportOrder(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) {
		cfg.Transports = append(cfg.Transports, config.TransportConfig{Type: "memory", Name: "gcs"})
		cfg.Restore.SearchOrder = []string{"gcs", "nas"}
	})
	var names []string
	for _, tr := range a.Transports() {
		names = append(names, tr.Name())
	}
	if want := []string{"gcs", "nas", "s3"}; !slices.Equal(names, want) {
		t.Errorf("transport order = %v, want %v", names, want)
	}
}

func TestTBApp_BrokenTransportLeftOut(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) {
		cfg.Transports = append(cfg.Transports, config.TransportConfig{
			Type:               "gcs",
			Name:               "gcs",
			GCSBucket:          "acme-backups",
			GCSCredentialsJSON: "{not-json",
		})
		cfg.Restore.SearchOrder = []string{"gcs", "s3", "nas"}
	})

	var names []string
	for _, tr := range a.Transports() {
		names = append(names, tr.Name())
	}
	if want := []string{"s3", "nas"}; !slices.Equal(names, want) {
		t.Fatalf("transports = %v, want %v", names, want)
	}

	report, err := a.Backup(context.Background())
	if err != nil {
		t.Fatalf("Backup() error: %v", err)
	}
	if report.Status != tb.StatusSuccess {
		t.Errorf("backup status = %s, failures %+v", report.Status, report.Failures())
	}
	if _, err := os.Stat(filepath.Join(a.base, "nas", todayFolder, tb.MySQLArchive)); err != nil {
		t.Errorf("backup did not reach the working transport: %v", err)
	}
}

func TestNewTBApp_BadTransport(t *testing.T) {
	cfg := config.NewConfig(t.TempDir())
	cfg.Database = config.DatabaseConfig{Type: "memory"}
	cfg.Transports = []config.TransportConfig{{Type: "ftp", Name: "legacy"}}

	if _, err := NewTBApp(context.Background(), cfg, Invocation{Command: "backup"}); err == nil {
		t.Error("expected an error for an unknown transport type")
	}
}
