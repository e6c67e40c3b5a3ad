package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"fvpn/config"
	"fvpn/internal/db"
)

// SyncFleet переносит агентов из файла флота в реестр серверов.
// Порядок файла задаёт порядок регистрации новых серверов.
func SyncFleet(ctx context.Context, ledger *db.Ledger, fleet []config.FleetServer, log *zap.Logger) error {
	for _, fs := range fleet {
		enabled := true
		if fs.Enabled != nil {
			enabled = *fs.Enabled
		}
		s := &db.Server{
			Name:     fs.Name,
			Pool:     fs.Pool,
			BaseURL:  fs.BaseURL,
			APIKey:   fs.APIKey,
			MaxUsers: fs.MaxUsers,
			Enabled:  enabled,
		}
		if err := ledger.UpsertServer(ctx, s); err != nil {
			return fmt.Errorf("sync server %s: %w", fs.Name, err)
		}
		log.Info("fleet server synced", zap.String("server", fs.Name), zap.String("pool", s.Pool), zap.Bool("enabled", enabled))
	}
	return nil
}
