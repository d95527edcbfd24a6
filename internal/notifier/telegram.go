package notifier

import (
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Sender is the part of *tgbotapi.BotAPI used for delivery.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type TelegramNotifier struct {
	bot    Sender
	chatID int64
	retry  RetryOptions
	logger *zap.Logger
}

func NewTelegramNotifier(bot Sender, chatID int64, retry RetryOptions, logger *zap.Logger) (*TelegramNotifier, error) {
	if bot == nil {
		return nil, errors.New("telegram bot is required")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelegramNotifier{bot: bot, chatID: chatID, retry: retry, logger: logger.Named("telegram")}, nil
}

func (t *TelegramNotifier) Send(message string) error {
	msg := tgbotapi.NewMessage(t.chatID, message)
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	return nil
}

func (t *TelegramNotifier) SendWithRetry(message string) error {
	return sendWithRetry(t.Send, message, t.retry, t.logger)
}
