package tb

import (
	"fmt"
	"path/filepath"
	"regexp"
	"time"
)

// ArtifactKind identifies what a backup artifact contains.
type ArtifactKind string

const (
	KindMySQL   ArtifactKind = "mysql"
	KindMongoDB ArtifactKind = "mongodb"
	KindMedia   ArtifactKind = "media"
	KindConfig  ArtifactKind = "config"
	KindPlugins ArtifactKind = "plugins"
)

// Artifact filenames inside every BackupSet. These names are part of the remote layout
// and must not change.
const (
	MySQLArchive   = "mysql_dump.tar.gz"
	MongoDBArchive = "mongodb_dump.tar.gz"
	MediaArchive   = "openedx_media.tar.gz"
	ConfigArchive  = "tutor_config.tar.gz"
	PluginsArchive = "tutor_plugins.tar.gz"

	// ChecksumSuffix is appended to an artifact filename to name its checksum sibling.
	ChecksumSuffix = ".sha256"
)

// RequiredArchives lists the archives a BackupSet must hold to be considered complete.
var RequiredArchives = []string{MySQLArchive, MongoDBArchive, MediaArchive}

// ArchiveName returns the compressed filename used for an artifact kind.
func ArchiveName(kind ArtifactKind) string {
	switch kind {
	case KindMySQL:
		return MySQLArchive
	case KindMongoDB:
		return MongoDBArchive
	case KindMedia:
		return MediaArchive
	case KindConfig:
		return ConfigArchive
	case KindPlugins:
		return PluginsArchive
	default:
		return string(kind) + ".tar.gz"
	}
}

// Artifact is one filesystem-resident output of a dump or collection step,
// waiting to be compressed.
type Artifact struct {
	Kind ArtifactKind
	// Source is the file or directory to archive.
	Source string
	// Target is the path of the compressed archive to produce.
	Target string
	// Exclude lists path fragments left out of the archive.
	Exclude []string
	// Optional artifacts are skipped quietly when Source is absent.
	Optional bool
}

// CompressedArtifact is a single-file archive produced by an Archiver.
type CompressedArtifact struct {
	Path     string
	Size     int64
	Strategy string
}

// BackupSet identifies the backup of one environment on one calendar date.
type BackupSet struct {
	Client      string
	Environment string
	Date        string // YYYYMMDD
}

const dateLayout = "20060102"

// FormatDate renders t as the YYYYMMDD stamp used in folder names.
func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}

// ParseDate validates a YYYYMMDD stamp.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYYMMDD): %w", s, err)
	}
	return t, nil
}

// NewBackupSet returns the BackupSet for client/environment on the date of t.
func NewBackupSet(client, environment string, t time.Time) BackupSet {
	return BackupSet{Client: client, Environment: environment, Date: FormatDate(t)}
}

// FolderName returns the folder name used both locally and as the remote namespace key:
// {client}-{environment}-tutor-backup-{YYYYMMDD}.
func (s BackupSet) FolderName() string {
	return FolderName(s.Client, s.Environment, s.Date)
}

// FolderName formats a backup folder name.
func FolderName(client, environment, date string) string {
	return fmt.Sprintf("%s-%s-tutor-backup-%s", client, environment, date)
}

var folderPattern = regexp.MustCompile(`^.+-.+-tutor-backup-(\d{8})$`)

// ExtractDate returns the YYYYMMDD stamp embedded in a backup folder name.
// ok is false for names that do not follow the naming convention; such folders are
// never candidates for deletion.
func ExtractDate(folder string) (date string, ok bool) {
	m := folderPattern.FindStringSubmatch(folder)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ExtractDirName returns the scratch subdirectory an archive of kind is unpacked into
// during restore.
func ExtractDirName(kind ArtifactKind) string {
	switch kind {
	case KindMySQL:
		return "mysql_extract"
	case KindMongoDB:
		return "mongodb_extract"
	case KindMedia:
		return "openedx_media_extract"
	default:
		return string(kind) + "_extract"
	}
}

// ReplayKinds lists the artifacts applied during restore.
var ReplayKinds = []ArtifactKind{KindMySQL, KindMongoDB, KindMedia}

// StackLayout locates the directories of a tutor deployment on the host.
type StackLayout struct {
	Root string
}

// MediaDir is the media tree served by the LMS and CMS.
func (l StackLayout) MediaDir() string { return filepath.Join(l.Root, "data", "openedx-media") }

// DataDir holds the bind-mounted volumes of every service.
func (l StackLayout) DataDir() string { return filepath.Join(l.Root, "data") }

// PluginsDir is the plugin tree kept next to the root.
func (l StackLayout) PluginsDir() string {
	return filepath.Join(filepath.Dir(l.Root), "tutor-plugins")
}
