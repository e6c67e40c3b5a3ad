package agent

import "context"

// ServiceRestarter перезапускает процесс, читающий конфиг
type ServiceRestarter interface {
	Restart(ctx context.Context, unit string) error
}

// Systemctl перезапускает юнит; если не вышло: пробует общий Fallback (обычно "xray")
type Systemctl struct {
	Fallback string
}

func (s Systemctl) Restart(ctx context.Context, unit string) error {
	err := run(ctx, "systemctl", "restart", unit)
	if err == nil || s.Fallback == "" || s.Fallback == unit {
		return err
	}
	return run(ctx, "systemctl", "restart", s.Fallback)
}
