package db

import (
	"context"
	"strings"

	"gorm.io/gorm/clause"
)

func (l *Ledger) AddServer(ctx context.Context, s *Server) error {
	s.Pool = strings.ToUpper(s.Pool)
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")
	return l.db.WithContext(ctx).Create(s).Error
}

// UpsertServer регистрирует сервер по имени или обновляет его параметры.
// Флаг "полон" при обновлении не трогается.
func (l *Ledger) UpsertServer(ctx context.Context, s *Server) error {
	s.Pool = strings.ToUpper(s.Pool)
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")
	return l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"pool", "base_url", "api_key", "max_users", "enabled"}),
	}).Create(s).Error
}

// ListServers возвращает серверы пула в порядке регистрации; пустой pool: все
func (l *Ledger) ListServers(ctx context.Context, pool string) ([]Server, error) {
	var list []Server
	q := l.db.WithContext(ctx).Order("id")
	if pool != "" {
		q = q.Where("pool = ?", strings.ToUpper(pool))
	}
	err := q.Find(&list).Error
	return list, err
}

func (l *Ledger) SetServerEnabled(ctx context.Context, id uint, enabled bool) error {
	return l.updateServer(ctx, id, "enabled", enabled)
}

func (l *Ledger) SetServerNotifiedFull(ctx context.Context, id uint, notified bool) error {
	return l.updateServer(ctx, id, "last_notified_full", notified)
}

func (l *Ledger) updateServer(ctx context.Context, id uint, column string, value any) error {
	res := l.db.WithContext(ctx).Model(&Server{}).Where("id = ?", id).Update(column, value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrServerNotFound
	}
	return nil
}
