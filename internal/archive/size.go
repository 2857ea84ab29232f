package archive

import (
	"io/fs"
	"os"
	"path/filepath"
)

// SmallThreshold is the source size below which the in-process archiver is used.
const SmallThreshold int64 = 100 << 20

// sizeAtLeast reports whether the regular files below path add up to threshold bytes
// or more. The walk stops as soon as the threshold is reached.
func sizeAtLeast(path string, threshold int64) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if !info.IsDir() {
		return info.Size() >= threshold, nil
	}

	var total int64
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries count as zero; the archiver will surface them.
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		total += fi.Size()
		if total >= threshold {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return total >= threshold, nil
}
