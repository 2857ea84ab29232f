package stack

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"tb-go/internal/command"
	"tb-go/internal/tb"
)

const (
	mongoService = "mongodb"
	mongoDumpDir = "dump.mongodb"
	// mongoContainerDir is bind-mounted from {root}/data/mongodb.
	mongoContainerDir = "/data/db"
)

// systemDatabases are never dropped before a restore.
var systemDatabases = []string{"admin", "local", "config"}

const listDatabasesScript = `db.adminCommand('listDatabases').databases.forEach(function(d) { print(d.name) })`

// MongoOptions tunes the MongoDB replay.
type MongoOptions struct {
	// Shell is the interactive shell binary inside the container, mongosh or mongo.
	Shell string
	// DropDatabases drops every non-system database before mongorestore runs.
	DropDatabases bool
	Privileged    bool
}

// MongoDB dumps every database of the mongodb service and replays such a dump.
type MongoDB struct {
	exec     tb.ContainerExec
	resolver tb.ConfigResolver
	opts     MongoOptions
	files    fileOps
	logger   tb.Logger
}

func NewMongoDB(exec tb.ContainerExec, resolver tb.ConfigResolver, runner command.Runner, opts MongoOptions, logger tb.Logger) *MongoDB {
	if opts.Shell == "" {
		opts.Shell = "mongosh"
	}
	return &MongoDB{
		exec:     exec,
		resolver: resolver,
		opts:     opts,
		files:    fileOps{runner: runner, privileged: opts.Privileged, logger: logger},
		logger:   logger,
	}
}

func (m *MongoDB) Kind() tb.ArtifactKind { return tb.KindMongoDB }

func (m *MongoDB) hostDir(ctx context.Context) (string, error) {
	root, err := m.resolver.Root(ctx)
	if err != nil {
		return "", err
	}
	return filepath.Join(tb.StackLayout{Root: root}.DataDir(), "mongodb", mongoDumpDir), nil
}

// Dump runs mongodump inside the container and returns the host dump directory.
func (m *MongoDB) Dump(ctx context.Context) (string, error) {
	hostPath, err := m.hostDir(ctx)
	if err != nil {
		return "", err
	}
	if err := m.files.removeAll(ctx, hostPath); err != nil {
		m.logger.Warn("removing stale mongodb dump failed", "path", hostPath, "error", err)
	}

	if _, err := m.exec.Exec(ctx, mongoService, []string{"mongodump", "--out=" + mongoContainerDir + "/" + mongoDumpDir}, nil); err != nil {
		return "", fmt.Errorf("mongodump: %w", err)
	}

	if !isNonEmptyDir(hostPath) {
		return "", fmt.Errorf("mongodb dump directory %s is missing or empty", hostPath)
	}
	m.logger.Info("mongodb dump complete", "path", hostPath)
	return hostPath, nil
}

// Replay stages the extracted dump inside the data directory and runs mongorestore
// with --drop.
func (m *MongoDB) Replay(ctx context.Context, extractDir string) error {
	src := filepath.Join(extractDir, mongoDumpDir)
	if !isNonEmptyDir(src) {
		return fmt.Errorf("mongodb dump directory %s is missing or empty", src)
	}

	staged, err := m.hostDir(ctx)
	if err != nil {
		return err
	}
	if err := m.files.removeAll(ctx, staged); err != nil {
		return err
	}
	if err := m.files.copyTree(ctx, src, staged); err != nil {
		return err
	}
	defer func() {
		if err := m.files.removeAll(context.WithoutCancel(ctx), staged); err != nil {
			m.logger.Warn("removing staged mongodb dump failed", "path", staged, "error", err)
		}
	}()

	if m.opts.DropDatabases {
		m.dropDatabases(ctx)
	}

	if _, err := m.exec.Exec(ctx, mongoService, []string{"mongorestore", "--drop", mongoContainerDir + "/" + mongoDumpDir}, nil); err != nil {
		return fmt.Errorf("mongorestore: %w", err)
	}
	return nil
}

// dropDatabases drops every non-system database. Failures are logged; mongorestore
// --drop still replaces the collections present in the dump.
func (m *MongoDB) dropDatabases(ctx context.Context) {
	res, err := m.exec.Exec(ctx, mongoService, []string{m.opts.Shell, "--quiet", "--eval", listDatabasesScript}, nil)
	if err != nil {
		m.logger.Warn("listing mongodb databases failed", "error", err)
		return
	}
	for _, name := range userDatabases(string(res.Stdout)) {
		if _, err := m.exec.Exec(ctx, mongoService, []string{m.opts.Shell, "--quiet", name, "--eval", "db.dropDatabase()"}, nil); err != nil {
			m.logger.Warn("dropping mongodb database failed", "database", name, "error", err)
			continue
		}
		m.logger.Info("dropped mongodb database", "database", name)
	}
}

// userDatabases parses one database name per line, leaving out the system databases.
func userDatabases(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if name == "" || slices.Contains(systemDatabases, name) {
			continue
		}
		names = append(names, name)
	}
	return names
}

var (
	_ tb.Dumper   = (*MongoDB)(nil)
	_ tb.Replayer = (*MongoDB)(nil)
)
