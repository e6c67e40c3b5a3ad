package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// SettleEffect: что изменилось у пользователя при оплате
type SettleEffect struct {
	Invoice         Invoice
	StarActiveUntil *time.Time
}

// ExpireOutcome: результат просрочки счёта
type ExpireOutcome struct {
	Invoice Invoice
	Strikes int
	Blocked bool // блокировка случилась именно сейчас
}

func (l *Ledger) CreateInvoice(ctx context.Context, inv *Invoice) error {
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = l.now()
	}
	if inv.Status == "" {
		inv.Status = InvoicePending
	}
	return l.db.WithContext(ctx).Create(inv).Error
}

func (l *Ledger) GetInvoice(ctx context.Context, id uint) (*Invoice, error) {
	var inv Invoice
	if err := l.db.WithContext(ctx).First(&inv, id).Error; err != nil {
		return nil, notFound(err, ErrInvoiceNotFound)
	}
	return &inv, nil
}

// LatestInvoiceByBillCode: последний счёт с этим кодом, в любом статусе
func (l *Ledger) LatestInvoiceByBillCode(ctx context.Context, billCode string) (*Invoice, error) {
	var inv Invoice
	err := l.db.WithContext(ctx).Where("bill_code = ?", billCode).Order("id DESC").First(&inv).Error
	if err != nil {
		return nil, notFound(err, ErrInvoiceNotFound)
	}
	return &inv, nil
}

// ListOverdueInvoices: pending-счета с истёкшим сроком
func (l *Ledger) ListOverdueInvoices(ctx context.Context, now time.Time) ([]Invoice, error) {
	var list []Invoice
	err := l.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", InvoicePending, now.UTC()).
		Order("id").Find(&list).Error
	return list, err
}

// SettleInvoice переводит счёт pending→paid и применяет ровно один эффект в одной транзакции.
// Переход статуса гарантирует однократность; проигравший получает ErrInvoiceNotPending.
func (l *Ledger) SettleInvoice(ctx context.Context, id uint, starDuration time.Duration) (*SettleEffect, error) {
	now := l.now()
	var effect SettleEffect
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Invoice{}).
			Where("id = ? AND status = ?", id, InvoicePending).
			Updates(map[string]any{"status": InvoicePaid, "paid_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&Invoice{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrInvoiceNotFound
			}
			return ErrInvoiceNotPending
		}
		if err := tx.First(&effect.Invoice, id).Error; err != nil {
			return err
		}
		inv := effect.Invoice

		fields := map[string]any{
			"total_spent":     gorm.Expr("total_spent + ?", inv.Amount),
			"unpaid_invoices": 0,
		}
		switch inv.Type {
		case InvoiceVIPCoin:
			fields["vip_coins"] = gorm.Expr("vip_coins + ?", inv.Qty)
		case InvoiceStar:
			until := now.Add(starDuration)
			effect.StarActiveUntil = &until
			fields["star_active_until"] = until
			fields["star_reminded_at"] = nil
		default:
			return fmt.Errorf("unknown invoice type %q", inv.Type)
		}
		res = tx.Model(&User{}).Where("id = ?", inv.UserID).Updates(fields)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrUserNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &effect, nil
}

// ExpireInvoice переводит счёт pending→expired и добавляет страйк.
// На третьем страйке пользователь блокируется, если ещё не заблокирован.
func (l *Ledger) ExpireInvoice(ctx context.Context, id uint) (*ExpireOutcome, error) {
	var out ExpireOutcome
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Invoice{}).
			Where("id = ? AND status = ?", id, InvoicePending).
			Update("status", InvoiceExpired)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInvoiceNotPending
		}
		if err := tx.First(&out.Invoice, id).Error; err != nil {
			return err
		}

		if err := tx.Model(&User{}).Where("id = ?", out.Invoice.UserID).
			Update("unpaid_invoices", gorm.Expr("unpaid_invoices + 1")).Error; err != nil {
			return err
		}
		u, err := l.getUserTx(tx, out.Invoice.UserID)
		if err != nil {
			return err
		}
		out.Strikes = u.UnpaidInvoices
		if out.Strikes < blockAfterStrikes || u.IsBlocked {
			return nil
		}
		res = tx.Model(&User{}).Where("id = ? AND is_blocked = ?", u.ID, false).Update("is_blocked", true)
		if res.Error != nil {
			return res.Error
		}
		out.Blocked = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListStarExpiring: пользователи, чья подписка STAR кончается в (from, to] и кому ещё не напоминали
func (l *Ledger) ListStarExpiring(ctx context.Context, from, to time.Time) ([]User, error) {
	var users []User
	err := l.db.WithContext(ctx).
		Where("star_active_until > ? AND star_active_until <= ? AND star_reminded_at IS NULL", from.UTC(), to.UTC()).
		Order("id").Find(&users).Error
	return users, err
}

func (l *Ledger) MarkStarReminded(ctx context.Context, id int64) error {
	return l.updateUser(ctx, id, map[string]any{"star_reminded_at": l.now()})
}
