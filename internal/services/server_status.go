package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"fvpn/internal/db"
	"fvpn/internal/logger"
)

type ServerStatus struct {
	ID          uint      `json:"id"`
	Name        string    `json:"name"`
	Pool        string    `json:"pool"`
	Online      bool      `json:"online"`
	ActiveUsers int       `json:"active_users"`
	MaxUsers    int       `json:"max_users"`
	LastChecked time.Time `json:"last_checked"`
}

// FleetMonitor периодически опрашивает включённые серверы и хранит последний снимок.
// Оператор получает сообщение, когда сервер перестаёт отвечать, и когда снова отвечает.
type FleetMonitor struct {
	servers  ServerRegistry
	agents   Agents
	notifier logger.Notifier
	timeout  time.Duration
	log      *zap.Logger

	mu       sync.RWMutex
	statuses []ServerStatus
	offline  map[uint]bool
}

func NewFleetMonitor(servers ServerRegistry, agents Agents, notifier logger.Notifier, timeout time.Duration, log *zap.Logger) *FleetMonitor {
	return &FleetMonitor{servers: servers, agents: agents, notifier: notifier, timeout: timeout, log: log, offline: map[uint]bool{}}
}

// Statuses: копия последнего снимка
func (m *FleetMonitor) Statuses() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ServerStatus(nil), m.statuses...)
}

func (m *FleetMonitor) Update(ctx context.Context) {
	defer logger.NotifyOnPanic(m.notifier, m.log, "fleet monitor")

	servers, err := m.servers.ListServers(ctx, "")
	if err != nil {
		m.log.Error("list servers", zap.Error(err))
		return
	}
	statuses := make([]ServerStatus, 0, len(servers))
	for _, s := range servers {
		if !s.Enabled {
			continue
		}
		st := ServerStatus{ID: s.ID, Name: s.Name, Pool: s.Pool, MaxUsers: s.MaxUsers, LastChecked: time.Now().UTC()}
		stats, err := m.agents.Stats(ctx, s, m.timeout)
		if err == nil {
			st.Online = true
			st.ActiveUsers = stats.ActiveUsers
		}
		m.transition(ctx, s, st.Online, err)
		statuses = append(statuses, st)
	}

	m.mu.Lock()
	m.statuses = statuses
	m.mu.Unlock()
}

func (m *FleetMonitor) transition(ctx context.Context, s db.Server, online bool, cause error) {
	m.mu.Lock()
	was := m.offline[s.ID]
	m.offline[s.ID] = !online
	m.mu.Unlock()

	var msg string
	switch {
	case !online && !was:
		msg = fmt.Sprintf("Server %s (%s) is unreachable: %v", s.Name, s.BaseURL, cause)
	case online && was:
		msg = fmt.Sprintf("Server %s (%s) is back online", s.Name, s.BaseURL)
	default:
		return
	}
	if err := m.notifier.NotifyAdmin(ctx, msg); err != nil {
		m.log.Warn("operator alert not sent", zap.Error(err))
	}
}
