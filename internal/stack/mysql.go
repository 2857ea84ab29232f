package stack

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"tb-go/internal/command"
	"tb-go/internal/tb"
)

const (
	mysqlService  = "mysql"
	mysqlDumpFile = "all-databases.sql"
	// mysqlContainerDir is bind-mounted from {root}/data/mysql.
	mysqlContainerDir = "/var/lib/mysql"

	// MinMySQLDumpSize is the smallest dump accepted as plausible.
	MinMySQLDumpSize = 1024
)

// MySQL dumps every database of the mysql service and replays such a dump.
type MySQL struct {
	exec     tb.ContainerExec
	resolver tb.ConfigResolver
	files    fileOps
	logger   tb.Logger
}

func NewMySQL(exec tb.ContainerExec, resolver tb.ConfigResolver, runner command.Runner, privileged bool, logger tb.Logger) *MySQL {
	return &MySQL{
		exec:     exec,
		resolver: resolver,
		files:    fileOps{runner: runner, privileged: privileged, logger: logger},
		logger:   logger,
	}
}

func (m *MySQL) Kind() tb.ArtifactKind { return tb.KindMySQL }

// credentials returns the root user environment for the mysql client tools.
func (m *MySQL) credentials(ctx context.Context) ([]string, error) {
	user, err := m.resolver.Value(ctx, "MYSQL_ROOT_USERNAME")
	if err != nil {
		return nil, err
	}
	password, err := m.resolver.Value(ctx, "MYSQL_ROOT_PASSWORD")
	if err != nil {
		return nil, err
	}
	return []string{"USERNAME=" + user, "PASSWORD=" + password}, nil
}

func (m *MySQL) hostDir(ctx context.Context) (string, error) {
	root, err := m.resolver.Root(ctx)
	if err != nil {
		return "", err
	}
	return filepath.Join(tb.StackLayout{Root: root}.DataDir(), "mysql"), nil
}

// Dump runs mysqldump inside the container and returns the host path of the dump.
func (m *MySQL) Dump(ctx context.Context) (string, error) {
	env, err := m.credentials(ctx)
	if err != nil {
		return "", err
	}
	dir, err := m.hostDir(ctx)
	if err != nil {
		return "", err
	}
	hostPath := filepath.Join(dir, mysqlDumpFile)
	// A stale dump from an earlier attempt must not pass the size check.
	os.Remove(hostPath)

	script := "mysqldump --all-databases --user=$USERNAME --password=$PASSWORD > " + mysqlContainerDir + "/" + mysqlDumpFile
	if _, err := m.exec.Exec(ctx, mysqlService, []string{"sh", "-c", script}, env); err != nil {
		return "", fmt.Errorf("mysqldump: %w", err)
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		return "", fmt.Errorf("mysql dump not found at %s: %w", hostPath, err)
	}
	if info.Size() < MinMySQLDumpSize {
		return "", fmt.Errorf("mysql dump %s is only %d bytes", hostPath, info.Size())
	}
	m.logger.Info("mysql dump complete", "path", hostPath, "size", humanize.IBytes(uint64(info.Size())))
	return hostPath, nil
}

// Replay stages the extracted dump where the container can read it and feeds it to the
// mysql client.
func (m *MySQL) Replay(ctx context.Context, extractDir string) error {
	src := filepath.Join(extractDir, mysqlDumpFile)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("mysql dump file not found: %w", err)
	}

	env, err := m.credentials(ctx)
	if err != nil {
		return err
	}
	dir, err := m.hostDir(ctx)
	if err != nil {
		return err
	}
	staged := filepath.Join(dir, mysqlDumpFile)
	if err := m.files.copyFile(ctx, src, staged); err != nil {
		return err
	}
	defer func() {
		if err := m.files.removeAll(context.WithoutCancel(ctx), staged); err != nil {
			m.logger.Warn("removing staged mysql dump failed", "path", staged, "error", err)
		}
	}()

	script := "mysql --user=$USERNAME --password=$PASSWORD < " + mysqlContainerDir + "/" + mysqlDumpFile
	if _, err := m.exec.Exec(ctx, mysqlService, []string{"sh", "-c", script}, env); err != nil {
		return fmt.Errorf("mysql import: %w", err)
	}
	return nil
}

var (
	_ tb.Dumper   = (*MySQL)(nil)
	_ tb.Replayer = (*MySQL)(nil)
)
