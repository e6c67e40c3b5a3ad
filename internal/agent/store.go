package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"fvpn/internal/protocol"
)

// Account: выданный на этом хосте аккаунт. ExpiresAt вычисляется при создании и не меняется.
type Account struct {
	ID        uint              `gorm:"primaryKey"`
	Protocol  protocol.Protocol `gorm:"type:text;not null;index"`
	Username  string            `gorm:"not null"`
	Secret    string            `gorm:"not null"`
	CreatedAt time.Time         `gorm:"not null"`
	ExpiresAt time.Time         `gorm:"not null;index"`
}

// AccountStore: учёт аккаунтов агента
type AccountStore interface {
	Add(ctx context.Context, acc *Account) error
	CountActive(ctx context.Context, now time.Time) (int64, error)
	ListExpired(ctx context.Context, now time.Time) ([]Account, error)
	Delete(ctx context.Context, id uint) error
}

// Store хранит аккаунты в локальном sqlite. Агент: единственный писатель.
type Store struct {
	db *gorm.DB
}

var _ AccountStore = (*Store)(nil)

// OpenStore открывает (и мигрирует) базу агента
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open agent db: %w", err)
	}
	if err := db.AutoMigrate(&Account{}); err != nil {
		return nil, fmt.Errorf("migrate agent db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Add(ctx context.Context, acc *Account) error {
	acc.CreatedAt = acc.CreatedAt.UTC()
	acc.ExpiresAt = acc.ExpiresAt.UTC()
	return s.db.WithContext(ctx).Create(acc).Error
}

// CountActive считает аккаунты, которые ещё не истекли к моменту now
func (s *Store) CountActive(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Account{}).Where("expires_at > ?", now.UTC()).Count(&count).Error
	return count, err
}

// ListExpired возвращает аккаунты с expires_at <= now
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]Account, error) {
	var accounts []Account
	err := s.db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Order("id").Find(&accounts).Error
	return accounts, err
}

func (s *Store) Delete(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Delete(&Account{}, id).Error
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
