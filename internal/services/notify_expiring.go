package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fvpn/internal/db"
	"fvpn/internal/logger"
)

// StarReminder напоминает о скором окончании подписки STAR, один раз за период
type StarReminder struct {
	ledger     *db.Ledger
	notifier   logger.Notifier
	daysBefore int
	log        *zap.Logger
	now        func() time.Time
}

func NewStarReminder(ledger *db.Ledger, notifier logger.Notifier, daysBefore int, log *zap.Logger) *StarReminder {
	return &StarReminder{ledger: ledger, notifier: notifier, daysBefore: daysBefore, log: log, now: time.Now}
}

func (r *StarReminder) Run(ctx context.Context) int {
	defer logger.NotifyOnPanic(r.notifier, r.log, "star reminder")

	now := r.now().UTC()
	users, err := r.ledger.ListStarExpiring(ctx, now, now.Add(time.Duration(r.daysBefore)*24*time.Hour))
	if err != nil {
		r.log.Error("list expiring star subscriptions", zap.Error(err))
		return 0
	}
	sent := 0
	for _, u := range users {
		msg := fmt.Sprintf("Your STAR subscription ends on %s UTC. Renew it from the menu.", u.StarActiveUntil.Format("2006-01-02 15:04"))
		if err := r.notifier.NotifyUser(ctx, u.ID, msg); err != nil {
			r.log.Warn("star reminder not sent", zap.Int64("user_id", u.ID), zap.Error(err))
			continue
		}
		if err := r.ledger.MarkStarReminded(ctx, u.ID); err != nil {
			r.log.Warn("mark star reminded", zap.Int64("user_id", u.ID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}
