package stack_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"testing"

	"tb-go/internal/stack"
	"tb-go/internal/tb"
	"tb-go/internal/testutil"
)

func newResolver(t *testing.T) *testutil.FakeResolver {
	t.Helper()
	return &testutil.FakeResolver{
		RootDir: t.TempDir(),
		Values: map[string]string{
			"MYSQL_ROOT_USERNAME": "root",
			"MYSQL_ROOT_PASSWORD": "s3cret",
		},
	}
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func newTutorResolver(t *testing.T, bin, root string, runner *testutil.FakeRunner) *stack.TutorResolver {
	t.Helper()
	r, err := stack.NewTutorResolver(bin, root, runner)
	if err != nil {
		t.Fatalf("NewTutorResolver(%q) error: %v", bin, err)
	}
	return r
}

func TestTutorCommandLine(t *testing.T) {
	ctx := context.Background()
	t.Setenv("TUTOR_VENV", "/opt/tutor")

	tests := []struct {
		name      string
		bin       string
		wantValue string
		wantStop  string
	}{
		{
			name:      "wrapped in sudo",
			bin:       "sudo -u ubuntu tutor",
			wantValue: "sudo -u ubuntu tutor config printvalue LMS_HOST",
			wantStop:  "sudo -u ubuntu tutor local stop",
		},
		{
			name:      "quoted path with env reference",
			bin:       `"$TUTOR_VENV/bin/tutor"`,
			wantValue: "/opt/tutor/bin/tutor config printvalue LMS_HOST",
			wantStop:  "/opt/tutor/bin/tutor local stop",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := testutil.NewFakeRunner()
			r := newTutorResolver(t, tt.bin, "/srv/tutor", runner)
			if _, err := r.Value(ctx, "LMS_HOST"); err != nil {
				t.Fatal(err)
			}
			c, err := stack.NewTutorController(tt.bin, runner)
			if err != nil {
				t.Fatal(err)
			}
			if err := c.Stop(ctx); err != nil {
				t.Fatal(err)
			}
			want := []string{tt.wantValue, tt.wantStop}
			if got := runner.Calls(); !reflect.DeepEqual(got, want) {
				t.Errorf("calls = %v, want %v", got, want)
			}
		})
	}

	t.Run("unbalanced quote", func(t *testing.T) {
		if _, err := stack.NewTutorResolver(`"tutor`, "", testutil.NewFakeRunner()); err == nil {
			t.Error("expected a parse error")
		}
		if _, err := stack.NewTutorController(`"tutor`, testutil.NewFakeRunner()); err == nil {
			t.Error("expected a parse error")
		}
	})
}

func TestTutorResolver(t *testing.T) {
	ctx := context.Background()
	runner := testutil.NewFakeRunner().
		On("tutor config printvalue MYSQL_ROOT_USERNAME", testutil.FakeResponse{Stdout: "root\n"}).
		On("tutor config printroot", testutil.FakeResponse{Stdout: "/home/ubuntu/.local/share/tutor\n"})

	r := newTutorResolver(t, "", "", runner)
	v, err := r.Value(ctx, "MYSQL_ROOT_USERNAME")
	if err != nil || v != "root" {
		t.Fatalf("Value() = %q, %v", v, err)
	}

	for range 2 {
		root, err := r.Root(ctx)
		if err != nil || root != "/home/ubuntu/.local/share/tutor" {
			t.Fatalf("Root() = %q, %v", root, err)
		}
	}
	printroots := 0
	for _, c := range runner.Calls() {
		if c == "tutor config printroot" {
			printroots++
		}
	}
	if printroots != 1 {
		t.Errorf("printroot ran %d times, want 1", printroots)
	}

	t.Run("override skips the cli", func(t *testing.T) {
		runner := testutil.NewFakeRunner()
		r := newTutorResolver(t, "tutor", "/srv/tutor", runner)
		root, err := r.Root(ctx)
		if err != nil || root != "/srv/tutor" {
			t.Fatalf("Root() = %q, %v", root, err)
		}
		if len(runner.Calls()) != 0 {
			t.Errorf("unexpected calls %v", runner.Calls())
		}
	})

	t.Run("cli failure", func(t *testing.T) {
		runner := testutil.NewFakeRunner().On("tutor config", testutil.FakeResponse{Err: errors.New("exit status 1")})
		r := newTutorResolver(t, "tutor", "", runner)
		if _, err := r.Value(ctx, "X"); err == nil {
			t.Error("expected Value error")
		}
		if _, err := r.Root(ctx); err == nil {
			t.Error("expected Root error")
		}
	})
}

func TestTutorController(t *testing.T) {
	runner := testutil.NewFakeRunner()
	c, err := stack.NewTutorController("tutor", runner)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []string{"tutor local stop", "tutor local start --detach"}
	if got := runner.Calls(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestMySQL_Dump(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		content string
		execErr error
		wantErr string
	}{
		{name: "plausible dump", content: strings.Repeat("x", stack.MinMySQLDumpSize)},
		{name: "too small", content: "-- empty", wantErr: "only"},
		{name: "exec failure", execErr: errors.New("access denied"), wantErr: "mysqldump"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := newResolver(t)
			hostPath := filepath.Join(resolver.RootDir, "data", "mysql", "all-databases.sql")
			exec := testutil.NewFakeExec().Handle("mysql", "sh", func(call testutil.ExecCall) (*tb.ExecResult, error) {
				if !slices.Contains(call.Env, "USERNAME=root") || !slices.Contains(call.Env, "PASSWORD=s3cret") {
					t.Errorf("credentials not passed: %v", call.Env)
				}
				if tt.execErr != nil {
					return nil, tt.execErr
				}
				write(t, hostPath, tt.content)
				return &tb.ExecResult{}, nil
			})

			m := stack.NewMySQL(exec, resolver, testutil.NewFakeRunner(), false, tb.NewNopLogger())
			got, err := m.Dump(ctx)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Dump() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Dump() error: %v", err)
			}
			if got != hostPath {
				t.Errorf("Dump() = %s, want %s", got, hostPath)
			}
			calls := exec.Calls()
			if len(calls) != 1 || !strings.Contains(calls[0], "mysqldump --all-databases") {
				t.Errorf("unexpected exec calls %v", calls)
			}
		})
	}
}

func TestMySQL_Replay(t *testing.T) {
	ctx := context.Background()
	resolver := newResolver(t)
	extract := t.TempDir()
	write(t, filepath.Join(extract, "all-databases.sql"), "CREATE DATABASE openedx;")
	staged := filepath.Join(resolver.RootDir, "data", "mysql", "all-databases.sql")

	exec := testutil.NewFakeExec().Handle("mysql", "sh", func(call testutil.ExecCall) (*tb.ExecResult, error) {
		content, err := os.ReadFile(staged)
		if err != nil || string(content) != "CREATE DATABASE openedx;" {
			t.Errorf("dump not staged before import: %q, %v", content, err)
		}
		if !strings.Contains(call.Cmd[2], "mysql --user=$USERNAME") {
			t.Errorf("unexpected script %q", call.Cmd[2])
		}
		return &tb.ExecResult{}, nil
	})

	m := stack.NewMySQL(exec, resolver, testutil.NewFakeRunner(), false, tb.NewNopLogger())
	if err := m.Replay(ctx, extract); err != nil {
		t.Fatalf("Replay() error: %v", err)
	}
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Error("staged dump should be removed after import")
	}

	t.Run("missing dump file", func(t *testing.T) {
		if err := m.Replay(ctx, t.TempDir()); err == nil {
			t.Fatal("expected an error")
		}
	})
}

func TestMongoDB_Dump(t *testing.T) {
	ctx := context.Background()
	resolver := newResolver(t)
	hostDir := filepath.Join(resolver.RootDir, "data", "mongodb", "dump.mongodb")

	t.Run("non-empty dump", func(t *testing.T) {
		exec := testutil.NewFakeExec().Handle("mongodb", "mongodump", func(call testutil.ExecCall) (*tb.ExecResult, error) {
			if call.Cmd[1] != "--out=/data/db/dump.mongodb" {
				t.Errorf("unexpected args %v", call.Cmd)
			}
			write(t, filepath.Join(hostDir, "openedx", "modulestore.bson"), "bson")
			return &tb.ExecResult{}, nil
		})
		m := stack.NewMongoDB(exec, resolver, testutil.NewFakeRunner(), stack.MongoOptions{}, tb.NewNopLogger())
		got, err := m.Dump(ctx)
		if err != nil || got != hostDir {
			t.Fatalf("Dump() = %s, %v", got, err)
		}
	})

	t.Run("empty dump", func(t *testing.T) {
		exec := testutil.NewFakeExec().Handle("mongodb", "mongodump", func(call testutil.ExecCall) (*tb.ExecResult, error) {
			os.MkdirAll(hostDir, 0755)
			return &tb.ExecResult{}, nil
		})
		m := stack.NewMongoDB(exec, resolver, testutil.NewFakeRunner(), stack.MongoOptions{}, tb.NewNopLogger())
		if _, err := m.Dump(ctx); err == nil {
			t.Fatal("expected an error for an empty dump directory")
		}
	})
}

func TestMongoDB_Replay(t *testing.T) {
	ctx := context.Background()
	resolver := newResolver(t)
	extract := t.TempDir()
	write(t, filepath.Join(extract, "dump.mongodb", "openedx", "modulestore.bson"), "bson")
	staged := filepath.Join(resolver.RootDir, "data", "mongodb", "dump.mongodb")

	exec := testutil.NewFakeExec().
		Handle("mongodb", "mongosh", func(call testutil.ExecCall) (*tb.ExecResult, error) {
			if slices.Contains(call.Cmd, "db.dropDatabase()") {
				return &tb.ExecResult{}, nil
			}
			return &tb.ExecResult{Stdout: []byte("admin\nconfig\nlocal\nopenedx\ncs_comments_service\n")}, nil
		}).
		Handle("mongodb", "mongorestore", func(call testutil.ExecCall) (*tb.ExecResult, error) {
			if _, err := os.Stat(filepath.Join(staged, "openedx", "modulestore.bson")); err != nil {
				t.Errorf("dump not staged before mongorestore: %v", err)
			}
			return &tb.ExecResult{}, nil
		})

	m := stack.NewMongoDB(exec, resolver, testutil.NewFakeRunner(), stack.MongoOptions{DropDatabases: true}, tb.NewNopLogger())
	if err := m.Replay(ctx, extract); err != nil {
		t.Fatalf("Replay() error: %v", err)
	}

	want := []string{
		"mongodb mongosh --quiet --eval db.adminCommand('listDatabases').databases.forEach(function(d) { print(d.name) })",
		"mongodb mongosh --quiet openedx --eval db.dropDatabase()",
		"mongodb mongosh --quiet cs_comments_service --eval db.dropDatabase()",
		"mongodb mongorestore --drop /data/db/dump.mongodb",
	}
	if got := exec.Calls(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls =\n%v\nwant\n%v", got, want)
	}
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Error("staged dump should be removed after restore")
	}
}

func TestMedia_Replay(t *testing.T) {
	ctx := context.Background()

	t.Run("replaces media and restarts", func(t *testing.T) {
		resolver := newResolver(t)
		target := filepath.Join(resolver.RootDir, "data", "openedx-media")
		write(t, filepath.Join(target, "stale.png"), "old")

		extract := t.TempDir()
		write(t, filepath.Join(extract, "openedx-media", "course", "logo.png"), "new")

		ctrl := &testutil.FakeController{}
		m := stack.NewMedia(ctrl, resolver, testutil.NewFakeRunner(), false, tb.NewNopLogger())
		if err := m.Replay(ctx, extract); err != nil {
			t.Fatalf("Replay() error: %v", err)
		}
		if got, _ := os.ReadFile(filepath.Join(target, "course", "logo.png")); string(got) != "new" {
			t.Errorf("media not restored from nested directory, got %q", got)
		}
		if _, err := os.Stat(filepath.Join(target, "stale.png")); !os.IsNotExist(err) {
			t.Error("old media should be replaced")
		}
		if !reflect.DeepEqual(ctrl.Events, []string{"stop", "start"}) {
			t.Errorf("events = %v", ctrl.Events)
		}
	})

	t.Run("flat extract directory", func(t *testing.T) {
		resolver := newResolver(t)
		extract := t.TempDir()
		write(t, filepath.Join(extract, "logo.png"), "flat")

		m := stack.NewMedia(&testutil.FakeController{}, resolver, testutil.NewFakeRunner(), false, tb.NewNopLogger())
		if err := m.Replay(ctx, extract); err != nil {
			t.Fatalf("Replay() error: %v", err)
		}
		if got, _ := os.ReadFile(filepath.Join(resolver.RootDir, "data", "openedx-media", "logo.png")); string(got) != "flat" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("restarts even when the copy fails", func(t *testing.T) {
		resolver := newResolver(t)
		extract := t.TempDir()
		write(t, filepath.Join(extract, "openedx-media", "a.png"), "x")
		// A file where the media directory belongs makes the replacement fail.
		write(t, filepath.Join(resolver.RootDir, "data"), "not a directory")

		runner := testutil.NewFakeRunner().On("", testutil.FakeResponse{Err: errors.New("exit status 1")})
		ctrl := &testutil.FakeController{}
		m := stack.NewMedia(ctrl, resolver, runner, false, tb.NewNopLogger())
		if err := m.Replay(ctx, extract); err == nil {
			t.Fatal("expected an error")
		}
		if !reflect.DeepEqual(ctrl.Events, []string{"stop", "start"}) {
			t.Errorf("stack must be restarted, events = %v", ctrl.Events)
		}
	})

	t.Run("stop failure still starts", func(t *testing.T) {
		resolver := newResolver(t)
		extract := t.TempDir()
		write(t, filepath.Join(extract, "a.png"), "x")
		ctrl := &testutil.FakeController{StopErr: errors.New("compose down failed")}
		m := stack.NewMedia(ctrl, resolver, testutil.NewFakeRunner(), false, tb.NewNopLogger())
		if err := m.Replay(ctx, extract); err == nil {
			t.Fatal("expected the stop error")
		}
		if !reflect.DeepEqual(ctrl.Events, []string{"stop", "start"}) {
			t.Errorf("events = %v", ctrl.Events)
		}
	})
}

func TestMedia_PrivilegedFallback(t *testing.T) {
	resolver := newResolver(t)
	extract := t.TempDir()
	write(t, filepath.Join(extract, "a.png"), "x")

	runner := testutil.NewFakeRunner()
	m := stack.NewMedia(&testutil.FakeController{}, resolver, runner, true, tb.NewNopLogger())
	if err := m.Replay(context.Background(), extract); err != nil {
		t.Fatalf("Replay() error: %v", err)
	}
	if !runner.Called("sudo -n chown -R") {
		t.Errorf("expected ownership fix, calls: %v", runner.Calls())
	}
}
