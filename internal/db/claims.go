package db

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// RecordClaim списывает стоимость и пишет выдачу одной транзакцией.
// Списание не уводит баланс в минус: иначе ErrInsufficientBalance и ничего не записано.
func (l *Ledger) RecordClaim(ctx context.Context, c *Claim) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = l.now()
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if c.CostCredits > 0 || c.CostVIPCoins > 0 {
			res := tx.Model(&User{}).
				Where("id = ? AND credits >= ? AND vip_coins >= ?", c.UserID, c.CostCredits, c.CostVIPCoins).
				Updates(map[string]any{
					"credits":   gorm.Expr("credits - ?", c.CostCredits),
					"vip_coins": gorm.Expr("vip_coins - ?", c.CostVIPCoins),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrInsufficientBalance
			}
		}
		return tx.Create(c).Error
	})
}

// CountClaimsSince: число выдач канала начиная с since (окно лимита бесплатных слотов)
func (l *Ledger) CountClaimsSince(ctx context.Context, channel string, since time.Time) (int64, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&Claim{}).
		Where("channel = ? AND created_at >= ?", channel, since.UTC()).Count(&n).Error
	return n, err
}

func (l *Ledger) CountUserClaims(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&Claim{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}
