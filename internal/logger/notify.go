package logger

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Notifier доставляет уведомления оператору и пользователям
type Notifier interface {
	NotifyAdmin(ctx context.Context, msg string) error
	NotifyUser(ctx context.Context, userID int64, msg string) error
}

// TelegramNotifier шлёт сообщения через Bot API; ID пользователя = Telegram chat ID
type TelegramNotifier struct {
	bot     *tgbotapi.BotAPI
	adminID int64
}

func NewTelegramNotifier(token string, adminID int64) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: bot, adminID: adminID}, nil
}

// NotifyAdmin отправляет критическое уведомление админу
func (n *TelegramNotifier) NotifyAdmin(ctx context.Context, msg string) error {
	if n.adminID == 0 {
		return nil
	}
	return n.send(ctx, n.adminID, "[ALERT] "+msg)
}

func (n *TelegramNotifier) NotifyUser(ctx context.Context, userID int64, msg string) error {
	return n.send(ctx, userID, msg)
}

func (n *TelegramNotifier) send(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := n.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("send to %d: %w", chatID, err)
	}
	return nil
}

// LogNotifier пишет уведомления только в лог: когда токен бота не задан
type LogNotifier struct {
	Log *zap.Logger
}

func (n LogNotifier) NotifyAdmin(_ context.Context, msg string) error {
	n.Log.Warn("admin_alert", zap.String("msg", msg))
	return nil
}

func (n LogNotifier) NotifyUser(_ context.Context, userID int64, msg string) error {
	n.Log.Info("user_notification", zap.Int64("user_id", userID), zap.String("msg", msg))
	return nil
}

// NotifyOnPanic ловит панику, логирует и уведомляет
func NotifyOnPanic(n Notifier, log *zap.Logger, where string) {
	if r := recover(); r != nil {
		msg := fmt.Sprintf("Panic in %s: %v", where, r)
		log.Error("panic", zap.String("where", where), zap.Any("panic", r))
		if err := n.NotifyAdmin(context.Background(), msg); err != nil {
			log.Warn("panic alert not delivered", zap.Error(err))
		}
	}
}
