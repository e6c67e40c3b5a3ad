package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (l *Ledger) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	if err := l.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return &u, nil
}

// UpsertUser обновляет имя существующего пользователя или создаёт нового.
// Реферал запоминается только при создании: без самоприглашения, первый пригласивший побеждает.
func (l *Ledger) UpsertUser(ctx context.Context, id int64, firstName, username string, referredBy *int64) (*User, bool, error) {
	var (
		u       User
		created bool
	)
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&u, id).Error
		if err == nil {
			u.FirstName, u.Username = firstName, username
			return tx.Model(&User{}).Where("id = ?", id).
				Updates(map[string]any{"first_name": firstName, "username": username}).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if referredBy != nil && *referredBy == id {
			referredBy = nil
		}
		u = User{ID: id, FirstName: firstName, Username: username, Language: "ms", JoinedAt: l.now(), ReferredBy: referredBy}
		if err := tx.Create(&u).Error; err != nil {
			return err
		}
		created = true
		if referredBy == nil {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&Referral{
			ReferrerID: *referredBy,
			ReferredID: id,
			CreatedAt:  l.now(),
		}).Error
	})
	if err != nil {
		return nil, false, fmt.Errorf("upsert user %d: %w", id, err)
	}
	return &u, created, nil
}

// SetLanguage сохраняет язык интерфейса; незнакомые коды сводятся к "ms"
func (l *Ledger) SetLanguage(ctx context.Context, id int64, lang string) (string, error) {
	lang = NormalizeLanguage(lang)
	return lang, l.updateUser(ctx, id, map[string]any{"language": lang})
}

func NormalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	switch {
	case strings.HasPrefix(lang, "zh"):
		return "zh"
	case strings.HasPrefix(lang, "en"):
		return "en"
	}
	return "ms"
}

// MarkSubscribed отмечает подписку на канал. Первая подписка даёт 1 кредит.
func (l *Ledger) MarkSubscribed(ctx context.Context, id int64) (bool, error) {
	res := l.db.WithContext(ctx).Model(&User{}).
		Where("id = ? AND is_subscribed = ?", id, false).
		Updates(map[string]any{
			"is_subscribed": true,
			"subscribed_at": l.now(),
			"credits":       gorm.Expr("credits + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// QualifyReferral засчитывает приглашение один раз и увеличивает счётчик пригласившего
func (l *Ledger) QualifyReferral(ctx context.Context, referredID int64) (int64, bool, error) {
	var referrerID int64
	qualified := false
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ref Referral
		if err := tx.Where("referred_id = ?", referredID).First(&ref).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		res := tx.Model(&Referral{}).Where("id = ? AND qualified = ?", ref.ID, false).Update("qualified", true)
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		referrerID, qualified = ref.ReferrerID, true
		return tx.Model(&User{}).Where("id = ?", ref.ReferrerID).
			Update("referrals_count", gorm.Expr("referrals_count + 1")).Error
	})
	return referrerID, qualified, err
}

// AwardReferralCredit начисляет не больше одного кредита за вызов.
// Положено min(referrals, 90)/3 кредитов, уже выданные хранятся в ReferralCreditsAwarded.
func (l *Ledger) AwardReferralCredit(ctx context.Context, referrerID int64) (bool, error) {
	u, err := l.GetUser(ctx, referrerID)
	if err != nil {
		return false, err
	}
	entitled := min(u.ReferralsCount, maxCountedReferrals) / referralsPerCredit
	if entitled <= u.ReferralCreditsAwarded {
		return false, nil
	}
	res := l.db.WithContext(ctx).Model(&User{}).
		Where("id = ? AND referral_credits_awarded = ?", referrerID, u.ReferralCreditsAwarded).
		Updates(map[string]any{
			"credits":                  gorm.Expr("credits + 1"),
			"referral_credits_awarded": gorm.Expr("referral_credits_awarded + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (l *Ledger) AcceptAgreement(ctx context.Context, id int64) error {
	return l.updateUser(ctx, id, map[string]any{
		"agreement_accepted":    true,
		"agreement_accepted_at": l.now(),
	})
}

// CheckIn даёт +1 очко раз в сутки, каждые 30 очков превращаются в кредит.
// Возвращает остаток очков и число начисленных кредитов.
func (l *Ledger) CheckIn(ctx context.Context, id int64) (int, int, error) {
	today := l.now().Format("2006-01-02")
	var points, credits int
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&User{}).
			Where("id = ? AND last_checkin_date <> ?", id, today).
			Updates(map[string]any{
				"points":            gorm.Expr("points + 1"),
				"last_checkin_date": today,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if _, err := l.getUserTx(tx, id); err != nil {
				return err
			}
			return ErrAlreadyCheckedIn
		}
		u, err := l.getUserTx(tx, id)
		if err != nil {
			return err
		}
		points = u.Points
		if points < pointsPerCredit {
			return nil
		}
		credits = points / pointsPerCredit
		points = points % pointsPerCredit
		return tx.Model(&User{}).Where("id = ?", id).Updates(map[string]any{
			"credits": gorm.Expr("credits + ?", credits),
			"points":  points,
		}).Error
	})
	return points, credits, err
}

// Unblock снимает блокировку и обнуляет страйки
func (l *Ledger) Unblock(ctx context.Context, id int64) error {
	return l.updateUser(ctx, id, map[string]any{"is_blocked": false, "unpaid_invoices": 0})
}

func (l *Ledger) AddCredits(ctx context.Context, id int64, delta int) error {
	return l.updateUser(ctx, id, map[string]any{"credits": gorm.Expr("credits + ?", delta)})
}

func (l *Ledger) updateUser(ctx context.Context, id int64, fields map[string]any) error {
	res := l.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (l *Ledger) getUserTx(tx *gorm.DB, id int64) (*User, error) {
	var u User
	if err := tx.First(&u, id).Error; err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return &u, nil
}
