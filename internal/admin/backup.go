package admin

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"fvpn/internal/db"
	"fvpn/internal/logger"
)

const (
	dumpTimeout     = 2 * time.Minute
	backupRetention = 31 * 24 * time.Hour
)

// DumpFunc снимает дамп базы dsn в файл filename
type DumpFunc func(ctx context.Context, dsn, filename string) error

// Backup: ежедневный дамп базы менеджера с чисткой старых копий
type Backup struct {
	dsn      string
	dir      string
	notifier logger.Notifier
	log      *zap.Logger
	dump     DumpFunc
	now      func() time.Time
}

func NewBackup(dsn, dir string, notifier logger.Notifier, log *zap.Logger) *Backup {
	return &Backup{dsn: dsn, dir: dir, notifier: notifier, log: log, dump: PgDump, now: time.Now}
}

// PgDump создает дамп БД Postgres в указанный файл
func PgDump(ctx context.Context, dsn, filename string) error {
	ctx, cancel := context.WithTimeout(ctx, dumpTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "pg_dump", dsn, "-Fc", "-f", filename).CombinedOutput()
	if err != nil {
		return fmt.Errorf("pg_dump: %w: %s", err, out)
	}
	return nil
}

// PgRestore восстанавливает БД из дампа
func PgRestore(ctx context.Context, dsn, filename string) error {
	if !db.IsPostgres(dsn) {
		return fmt.Errorf("restore supports postgres only")
	}
	if _, err := os.Stat(filename); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, dumpTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "pg_restore", "--clean", "--if-exists", "-d", dsn, filename).CombinedOutput()
	if err != nil {
		return fmt.Errorf("pg_restore: %w: %s", err, out)
	}
	return nil
}

// Run запускает бэкап и чистку, при ошибке уведомляет админа.
// SQLite-базу не дампим, её достаточно копировать файлом.
func (b *Backup) Run(ctx context.Context) (string, error) {
	defer logger.NotifyOnPanic(b.notifier, b.log, "database backup")

	if !db.IsPostgres(b.dsn) {
		b.log.Debug("backup skipped, database is not postgres")
		return "", nil
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", b.failed(ctx, err)
	}
	filename := filepath.Join(b.dir, "autobackup_"+b.now().Format("20060102_150405")+".dump")
	if err := b.dump(ctx, b.dsn, filename); err != nil {
		return "", b.failed(ctx, err)
	}
	removed, err := CleanOldBackups(b.dir, b.now().Add(-backupRetention))
	if err != nil {
		b.log.Warn("old backups not cleaned", zap.Error(err))
	}
	b.log.Info("database backup created", zap.String("file", filename), zap.Int("removed", removed))
	return filename, nil
}

func (b *Backup) failed(ctx context.Context, err error) error {
	b.log.Error("database backup failed", zap.Error(err))
	if nerr := b.notifier.NotifyAdmin(ctx, "Database backup failed: "+err.Error()); nerr != nil {
		b.log.Warn("backup alert not sent", zap.Error(nerr))
	}
	return err
}

// CleanOldBackups удаляет дампы старше cutoff, возвращает число удалённых
func CleanOldBackups(dir string, cutoff time.Time) (int, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*backup_*.dump"))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(f); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
