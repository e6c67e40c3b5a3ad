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

// InvoiceReconciler просрочивает неоплаченные счета и раздаёт страйки.
// Запускается по расписанию; сбой на одном счёте не мешает остальным.
type InvoiceReconciler struct {
	ledger   *db.Ledger
	notifier logger.Notifier
	log      *zap.Logger
	now      func() time.Time
}

func NewInvoiceReconciler(ledger *db.Ledger, notifier logger.Notifier, log *zap.Logger) *InvoiceReconciler {
	return &InvoiceReconciler{ledger: ledger, notifier: notifier, log: log, now: time.Now}
}

// Run: один проход; возвращает число просроченных счетов
func (r *InvoiceReconciler) Run(ctx context.Context) int {
	defer logger.NotifyOnPanic(r.notifier, r.log, "invoice reconciler")

	overdue, err := r.ledger.ListOverdueInvoices(ctx, r.now().UTC())
	if err != nil {
		r.log.Error("list overdue invoices", zap.Error(err))
		return 0
	}
	expired := 0
	for _, inv := range overdue {
		if ctx.Err() != nil {
			break
		}
		if r.expireOne(ctx, inv) {
			expired++
		}
	}
	if expired > 0 {
		r.log.Info("invoices expired", zap.Int("count", expired))
	}
	return expired
}

func (r *InvoiceReconciler) expireOne(ctx context.Context, inv db.Invoice) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic expiring invoice", zap.Uint("invoice_id", inv.ID), zap.Any("recovered", rec))
			ok = false
		}
	}()

	out, err := r.ledger.ExpireInvoice(ctx, inv.ID)
	if errors.Is(err, db.ErrInvoiceNotPending) {
		// оплачен между выборкой и обработкой
		return false
	}
	if err != nil {
		r.log.Warn("expire invoice", zap.Uint("invoice_id", inv.ID), zap.Error(err))
		return false
	}
	if out.Blocked {
		if err := r.notifier.NotifyUser(ctx, inv.UserID, "Your account is blocked: 3 unpaid invoices. Contact support to unblock."); err != nil {
			r.log.Warn("user not notified", zap.Int64("user_id", inv.UserID), zap.Error(err))
		}
		if err := r.notifier.NotifyAdmin(ctx, fmt.Sprintf("Auto blocked user %d (%d unpaid invoices).", inv.UserID, out.Strikes)); err != nil {
			r.log.Warn("operator alert not sent", zap.Error(err))
		}
	}
	return true
}
