package recgo

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
)

// backupManager rotates snapshots of the log file: plain rolling copies
// (.bak.1 is the newest) and one gzipped archive per calendar day.
type backupManager struct {
	src    string
	dir    string
	keep   int
	logger *Logger
}

func newBackupManager(src, dir string, keep int, logger *Logger) *backupManager {
	return &backupManager{src: src, dir: dir, keep: keep, logger: logger}
}

// Backup takes a snapshot of the current file. Also invoked automatically
// before any maintenance rewrite.
func (db *DB) Backup(ctx context.Context) error {
	release, err := db.connectRead(ctx)
	if err != nil {
		return err
	}
	defer release()
	return db.backups.Run(ctx)
}

// Run writes a rolling backup and, once per day, a gzipped daily archive.
func (b *backupManager) Run(ctx context.Context) error {
	if _, err := os.Stat(b.src); os.IsNotExist(err) {
		return nil
	}
	if err := b.rolling(ctx); err != nil {
		return err
	}
	return b.daily(ctx)
}

func (b *backupManager) rolling(ctx context.Context) error {
	dir := filepath.Join(b.dir, "rolling")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	base := filepath.Base(b.src)

	// Shift .bak.N -> .bak.N+1, dropping the oldest.
	oldest := filepath.Join(dir, fmt.Sprintf("%s.bak.%d", base, b.keep))
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		return err
	}
	for i := b.keep - 1; i >= 1; i-- {
		from := filepath.Join(dir, fmt.Sprintf("%s.bak.%d", base, i))
		to := filepath.Join(dir, fmt.Sprintf("%s.bak.%d", base, i+1))
		if err := os.Rename(from, to); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	dest := filepath.Join(dir, base+".bak.1")
	err := copyFile(dest, b.src)
	b.logger.LogBackup(ctx, dest, err)
	return err
}

func (b *backupManager) daily(ctx context.Context) error {
	dir := filepath.Join(b.dir, "daily")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	dest := filepath.Join(dir, time.Now().UTC().Format("2006-01-02")+".gz")
	if _, err := os.Stat(dest); err == nil {
		return nil
	}

	err := b.writeGzip(dest)
	b.logger.LogBackup(ctx, dest, err)
	return err
}

func (b *backupManager) writeGzip(dest string) error {
	src, err := os.Open(b.src)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".daily-*")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	gz := gzip.NewWriter(tmp)
	if _, err := io.Copy(gz, src); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

func copyFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".bak-*")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
