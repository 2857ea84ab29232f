package tb

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const checksumBlockSize = 64 * 1024

// ErrChecksumMismatch is returned by VerifyChecksum when the stored digest differs
// from the recomputed one.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ChecksumPath returns the path of the checksum sibling for an artifact.
func ChecksumPath(path string) string {
	return path + ChecksumSuffix
}

// FileDigest streams the file at path through SHA-256 and returns the lowercase hex digest.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, checksumBlockSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// WriteChecksum computes the digest of path and writes "<digest>  <basename>\n" to
// path+".sha256", the format understood by sha256sum -c. Returns the checksum file path.
func WriteChecksum(path string) (string, error) {
	digest, err := FileDigest(path)
	if err != nil {
		return "", err
	}

	sumPath := ChecksumPath(path)
	line := fmt.Sprintf("%s  %s\n", digest, filepath.Base(path))
	if err := os.WriteFile(sumPath, []byte(line), 0644); err != nil {
		return "", fmt.Errorf("writing checksum file: %w", err)
	}
	return sumPath, nil
}

// ReadChecksum returns the first whitespace-delimited token of the first line of a
// checksum file.
func ReadChecksum(sumPath string) (string, error) {
	f, err := os.Open(sumPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("reading checksum file: %w", err)
		}
		return "", fmt.Errorf("checksum file %s is empty", sumPath)
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) == 0 {
		return "", fmt.Errorf("checksum file %s has no digest", sumPath)
	}
	return strings.ToLower(fields[0]), nil
}

// VerifyChecksum recomputes the digest of path and compares it with sumPath.
// A missing checksum file verifies vacuously (legacy backups carry none) and is logged
// as a warning. A mismatch returns ErrChecksumMismatch.
func VerifyChecksum(path, sumPath string, logger Logger) error {
	want, err := ReadChecksum(sumPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("checksum file not found, skipping verification", "file", filepath.Base(path))
			return nil
		}
		return err
	}

	got, err := FileDigest(path)
	if err != nil {
		return err
	}

	if got != want {
		return fmt.Errorf("%w for %s: expected %s, got %s", ErrChecksumMismatch, filepath.Base(path), want, got)
	}
	logger.Info("checksum verified", "file", filepath.Base(path))
	return nil
}
