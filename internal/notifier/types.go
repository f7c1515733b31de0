package notifier

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// Config controls operator notifications.
type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerSec int
}

// Sender delivers one plain-text notification. The Telegram
// implementation is the default; tests substitute a fake.
type Sender interface {
	SendText(ctx context.Context, text string) error
}

type telegramSender struct {
	bot  *tele.Bot
	chat *tele.Chat
}

// NewTelegramSender builds a Sender over the Bot API. The bot is used
// send-only; no poller is started.
func NewTelegramSender(token string, chatID int64) (Sender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, err
	}
	return &telegramSender{bot: b, chat: &tele.Chat{ID: chatID}}, nil
}

func (t *telegramSender) SendText(ctx context.Context, text string) error {
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

type HistoryItem struct {
	At   time.Time
	Text string
}
