package db

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrInvoiceNotFound     = errors.New("invoice not found")
	ErrInvoiceNotPending   = errors.New("invoice is not pending")
	ErrServerNotFound      = errors.New("server not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAlreadyCheckedIn    = errors.New("already checked in today")
)

const (
	blockAfterStrikes   = 3
	maxCountedReferrals = 90
	referralsPerCredit  = 3
	pointsPerCredit     = 30
)

// Ledger хранит состояние менеджера (пользователи, балансы, счета, выдачи, серверы).
// Все изменения балансов: атомарные UPDATE на уровне строки.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// IsPostgres: DSN указывает на postgres, иначе это путь к файлу sqlite
func IsPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=")
}

// Open подключается к базе и выполняет миграции
func Open(dsn string, debug bool) (*Ledger, error) {
	var dialector gorm.Dialector
	if IsPostgres(dsn) {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	}

	level := gormlogger.Warn
	if debug {
		level = gormlogger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormlogger.Default.LogMode(level),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := db.AutoMigrate(&User{}, &Referral{}, &Server{}, &Invoice{}, &Claim{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Ledger{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}
