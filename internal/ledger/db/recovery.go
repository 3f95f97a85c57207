package db

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ncruces/go-sqlite3"
)

// ErrMissingExternalID is returned by Upsert for records without a remote id.
var ErrMissingExternalID = errors.New("record has no external id")

// StorageCorruptionError describes a database file that had to be replaced.
type StorageCorruptionError struct {
	Path       string
	BackupPath string
	Err        error
}

func (e *StorageCorruptionError) Error() string {
	return fmt.Sprintf("database %s is corrupted (moved to %s): %v", e.Path, e.BackupPath, e.Err)
}

func (e *StorageCorruptionError) Unwrap() error { return e.Err }

// Recovery is the outcome of the corruption check done by Open.
type Recovery struct {
	Corrupted  bool
	BackupPath string
	Cause      error
	At         time.Time
}

// IsCorruption reports whether err means the database file is unreadable as
// SQLite: SQLITE_NOTADB or SQLITE_CORRUPT.
func IsCorruption(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sqlite3.NOTADB) || errors.Is(err, sqlite3.CORRUPT) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "file is not a database") ||
		strings.Contains(msg, "database disk image is malformed")
}

// backupName returns <path>.corrupted-YYYYMMDD-HHMMSS.
func backupName(path string, at time.Time) string {
	return path + ".corrupted-" + at.Format("20060102-150405")
}

// quarantine renames the database file and its WAL/SHM companions so a fresh
// database can be created at path. Nothing is repaired in place.
func quarantine(path string, at time.Time) (string, error) {
	backup := backupName(path, at)
	if _, err := os.Stat(backup); err == nil {
		// Two recoveries within the same second.
		backup = fmt.Sprintf("%s-%d", backup, at.UnixNano())
	}

	if err := os.Rename(path, backup); err != nil {
		return "", fmt.Errorf("failed to rename %s: %w", path, err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Rename(path+suffix, backup+suffix); err != nil && !os.IsNotExist(err) {
			return backup, fmt.Errorf("failed to rename %s%s: %w", path, suffix, err)
		}
	}
	return backup, nil
}
