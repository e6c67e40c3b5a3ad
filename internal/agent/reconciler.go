package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fvpn/internal/protocol"
	"fvpn/internal/xray"
)

// ReconcileReport: итог одного прохода очистки
type ReconcileReport struct {
	Removed   int
	Restarted []string
}

// ExpiryReconciler удаляет истёкшие аккаунты. Запускается первым шагом каждого
// входящего запроса к агенту, своего таймера у него нет.
//
// Строка учёта удаляется всегда, даже если внешнюю очистку сделать не удалось:
// артефакт может пережить срок, но больше никогда не будет посчитан.
type ExpiryReconciler struct {
	store     AccountStore
	sync      *xray.Synchronizer
	accounts  OSAccounts
	restarter ServiceRestarter
	targets   map[protocol.Protocol][]XrayTarget
	log       *zap.Logger
	now       func() time.Time
}

func NewExpiryReconciler(
	store AccountStore,
	sync *xray.Synchronizer,
	accounts OSAccounts,
	restarter ServiceRestarter,
	targets map[protocol.Protocol][]XrayTarget,
	log *zap.Logger,
) *ExpiryReconciler {
	return &ExpiryReconciler{
		store:     store,
		sync:      sync,
		accounts:  accounts,
		restarter: restarter,
		targets:   targets,
		log:       log,
		now:       time.Now,
	}
}

func (r *ExpiryReconciler) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	// отключение клиента не должно оставить изменённый файл без перезапуска
	ctx = context.WithoutCancel(ctx)

	expired, err := r.store.ListExpired(ctx, r.now().UTC())
	if err != nil {
		return report, fmt.Errorf("list expired accounts: %w", err)
	}
	if len(expired) == 0 {
		return report, nil
	}

	changed := make(map[string]string)
	var order []string
	var errs []error
	for _, acc := range expired {
		switch {
		case acc.Protocol == protocol.SSH:
			if err := r.accounts.Delete(ctx, acc.Username); err != nil {
				r.log.Warn("os account not removed", zap.String("username", acc.Username), zap.Error(err))
			}
		case acc.Protocol.UsesXray():
			for _, t := range r.targets[acc.Protocol] {
				ok, err := r.sync.RemoveSegmentFor(t.Path, acc.Username)
				if err != nil {
					r.log.Warn("segment not removed", zap.String("path", t.Path), zap.String("username", acc.Username), zap.Error(err))
					continue
				}
				if _, seen := changed[t.Path]; ok && !seen {
					changed[t.Path] = t.Service
					order = append(order, t.Path)
				}
			}
		default:
			r.log.Warn("unknown protocol in store", zap.Uint("id", acc.ID), zap.String("protocol", acc.Protocol.String()))
		}

		if err := r.store.Delete(ctx, acc.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete account %d: %w", acc.ID, err))
			continue
		}
		report.Removed++
	}

	for _, path := range order {
		unit := changed[path]
		if err := r.restarter.Restart(ctx, unit); err != nil {
			r.log.Warn("restart failed", zap.String("unit", unit), zap.String("path", path), zap.Error(err))
		}
		report.Restarted = append(report.Restarted, unit)
	}

	r.log.Info("expired accounts reconciled", zap.Int("removed", report.Removed), zap.Strings("restarted", report.Restarted))
	return report, errors.Join(errs...)
}
