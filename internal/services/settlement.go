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

// ErrPaymentNotConfirmed: шлюз пока не видит успешной транзакции, счёт остаётся pending
var ErrPaymentNotConfirmed = errors.New("payment not yet confirmed")

// ErrInvoiceExpired: счёт уже просрочен, оплату по нему не принимаем
var ErrInvoiceExpired = fmt.Errorf("%w: expired", db.ErrInvoiceNotPending)

// Settlement: итог попытки зачесть оплату
type Settlement struct {
	Invoice     db.Invoice
	AlreadyPaid bool
	StarUntil   *time.Time
}

// SettlementCoordinator зачисляет оплату не более одного раза.
// Callback и ручная проверка пользователем сходятся здесь; статусу из callback не доверяем.
type SettlementCoordinator struct {
	ledger       *db.Ledger
	gateway      Gateway
	starDuration time.Duration
	notifier     logger.Notifier
	log          *zap.Logger
}

func NewSettlementCoordinator(ledger *db.Ledger, gateway Gateway, starDuration time.Duration, notifier logger.Notifier, log *zap.Logger) *SettlementCoordinator {
	return &SettlementCoordinator{ledger: ledger, gateway: gateway, starDuration: starDuration, notifier: notifier, log: log}
}

// SettleByBillCode: путь callback шлюза
func (s *SettlementCoordinator) SettleByBillCode(ctx context.Context, billCode string) (*Settlement, error) {
	inv, err := s.ledger.LatestInvoiceByBillCode(ctx, billCode)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, inv)
}

// SettleInvoice: путь "проверить оплату" от владельца счёта
func (s *SettlementCoordinator) SettleInvoice(ctx context.Context, invoiceID uint, userID int64) (*Settlement, error) {
	inv, err := s.ledger.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.UserID != userID {
		return nil, db.ErrInvoiceNotFound
	}
	return s.settle(ctx, inv)
}

func (s *SettlementCoordinator) settle(ctx context.Context, inv *db.Invoice) (*Settlement, error) {
	switch inv.Status {
	case db.InvoicePaid:
		return &Settlement{Invoice: *inv, AlreadyPaid: true}, nil
	case db.InvoiceExpired:
		return nil, ErrInvoiceExpired
	}
	if s.gateway == nil {
		return nil, ErrPaymentsDisabled
	}

	paid, err := s.gateway.IsBillPaid(ctx, inv.BillCode)
	if err != nil {
		return nil, fmt.Errorf("verify bill %s: %w", inv.BillCode, err)
	}
	if !paid {
		return nil, ErrPaymentNotConfirmed
	}

	effect, err := s.ledger.SettleInvoice(ctx, inv.ID, s.starDuration)
	if errors.Is(err, db.ErrInvoiceNotPending) {
		// параллельный зачёт или просрочка успели раньше
		cur, gerr := s.ledger.GetInvoice(ctx, inv.ID)
		if gerr != nil {
			return nil, gerr
		}
		if cur.Status == db.InvoicePaid {
			return &Settlement{Invoice: *cur, AlreadyPaid: true}, nil
		}
		return nil, ErrInvoiceExpired
	}
	if err != nil {
		return nil, fmt.Errorf("settle invoice %d: %w", inv.ID, err)
	}

	s.log.Info("invoice settled",
		zap.Uint("invoice_id", inv.ID),
		zap.Int64("user_id", inv.UserID),
		zap.String("type", string(inv.Type)),
		zap.String("amount", inv.Amount.StringFixed(2)))
	if err := s.notifier.NotifyUser(ctx, inv.UserID, paidMessage(effect)); err != nil {
		s.log.Warn("user not notified", zap.Int64("user_id", inv.UserID), zap.Error(err))
	}
	return &Settlement{Invoice: effect.Invoice, StarUntil: effect.StarActiveUntil}, nil
}

func paidMessage(e *db.SettleEffect) string {
	if e.StarActiveUntil != nil {
		return "Payment received. STAR active until " + e.StarActiveUntil.Format("2006-01-02 15:04") + " UTC."
	}
	return fmt.Sprintf("Payment received. +%d VIP coins.", e.Invoice.Qty)
}
