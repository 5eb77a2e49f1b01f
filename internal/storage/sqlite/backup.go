package sqlite

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const backupTimeLayout = "20060102-150405.000"

// snapshotLocked copies the database file into the backup directory with a
// timestamped name and refreshes the midas_latest.db copy, then prunes the
// oldest snapshots beyond the retention count. Caller holds writeMu.
func (s *Storage) snapshotLocked(ctx context.Context) error {
	if s.backupDir == "" {
		return nil
	}

	// Fold the WAL into the main file so the copy is self-contained.
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpointing before backup: %w", err)
	}

	stamp := time.Now().UTC().Format(backupTimeLayout)
	name := fmt.Sprintf("midas-%s.db", strings.ReplaceAll(stamp, ".", ""))
	dst := filepath.Join(s.backupDir, name)

	if err := copyFile(s.path, dst); err != nil {
		return fmt.Errorf("copying backup: %w", err)
	}
	if err := copyFile(s.path, filepath.Join(s.backupDir, "midas_latest.db")); err != nil {
		return fmt.Errorf("refreshing latest backup: %w", err)
	}

	return s.pruneBackups()
}

// pruneBackups removes the oldest timestamped snapshots beyond the retention
// count. midas_latest.db is never pruned.
func (s *Storage) pruneBackups() error {
	if s.retain <= 0 {
		return nil
	}
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		return fmt.Errorf("reading backup directory: %w", err)
	}

	var snapshots []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "midas-") && strings.HasSuffix(name, ".db") {
			snapshots = append(snapshots, name)
		}
	}
	if len(snapshots) <= s.retain {
		return nil
	}

	// Timestamped names sort chronologically.
	sort.Strings(snapshots)
	for _, name := range snapshots[:len(snapshots)-s.retain] {
		if err := os.Remove(filepath.Join(s.backupDir, name)); err != nil {
			return fmt.Errorf("pruning backup %s: %w", name, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
