package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fvpn/internal/db"
	"fvpn/internal/logger"
)

// ErrPoolExhausted: в пуле нет ни одного доступного сервера с местом
var ErrPoolExhausted = errors.New("pool exhausted")

// ServerRegistry: то, что селектору нужно от базы
type ServerRegistry interface {
	ListServers(ctx context.Context, pool string) ([]db.Server, error)
	SetServerNotifiedFull(ctx context.Context, id uint, notified bool) error
}

// PoolSelector выбирает первый сервер пула с местом.
// Недоступный сервер пропускается молча и никогда не считается полным.
type PoolSelector struct {
	servers  ServerRegistry
	agents   Agents
	notifier logger.Notifier
	timeout  time.Duration
	log      *zap.Logger
}

func NewPoolSelector(servers ServerRegistry, agents Agents, notifier logger.Notifier, timeout time.Duration, log *zap.Logger) *PoolSelector {
	return &PoolSelector{servers: servers, agents: agents, notifier: notifier, timeout: timeout, log: log}
}

func (p *PoolSelector) Select(ctx context.Context, pool string) (*db.Server, error) {
	servers, err := p.servers.ListServers(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}

	for i := range servers {
		s := servers[i]
		if !s.Enabled {
			continue
		}
		stats, err := p.agents.Stats(ctx, s, p.timeout)
		if err != nil {
			p.log.Debug("server skipped", zap.String("server", s.Name), zap.Error(err))
			continue
		}

		if stats.ActiveUsers < s.MaxUsers {
			if s.LastNotifiedFull {
				if err := p.servers.SetServerNotifiedFull(ctx, s.ID, false); err != nil {
					p.log.Warn("reset full flag", zap.String("server", s.Name), zap.Error(err))
				}
				s.LastNotifiedFull = false
			}
			return &s, nil
		}

		if !s.LastNotifiedFull {
			if err := p.servers.SetServerNotifiedFull(ctx, s.ID, true); err != nil {
				p.log.Warn("set full flag", zap.String("server", s.Name), zap.Error(err))
				continue
			}
			p.alert(ctx, fmt.Sprintf("Server FULL: %s (pool=%s)\nActive users: %d/%d\nAdd a new server and register it.",
				s.Name, pool, stats.ActiveUsers, s.MaxUsers))
		}
	}

	p.alert(ctx, fmt.Sprintf("No available server in pool=%s. Users cannot claim right now.", pool))
	return nil, ErrPoolExhausted
}

func (p *PoolSelector) alert(ctx context.Context, msg string) {
	if err := p.notifier.NotifyAdmin(ctx, msg); err != nil {
		p.log.Warn("operator alert not sent", zap.Error(err))
	}
}
