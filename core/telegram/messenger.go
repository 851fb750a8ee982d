package telegram

import (
	"context"
	"errors"
	"log/slog"

	"github.com/botmata/botmata/core/logger"
	"github.com/botmata/botmata/core/telegram/keyboard"
	"github.com/botmata/botmata/core/telegram/sender"

	tele "gopkg.in/telebot.v4"
)

// Messenger delivers rendered replies through one bot's Telegram
// connection. Sends go through the shared asynchronous dispatcher and
// fall back to a synchronous call when the queue is saturated so a
// reply is never silently dropped.
type Messenger struct {
	botID      int64
	bot        *tele.Bot
	dispatcher *sender.Dispatcher
}

// NewMessenger wraps a connected bot for reply delivery.
func NewMessenger(botID int64, bot *tele.Bot, d *sender.Dispatcher) *Messenger {
	return &Messenger{botID: botID, bot: bot, dispatcher: d}
}

// Send delivers text to the chat. A non-nil keyboard is shown as a
// reply keyboard; replies render HTML entities.
func (m *Messenger) Send(ctx context.Context, chatID int64, text string, kb [][]string) error {
	opts := &tele.SendOptions{ParseMode: tele.ModeHTML}
	if markup := keyboard.Reply(kb); markup != nil {
		opts.ReplyMarkup = markup
	}
	recipient := tele.ChatID(chatID)
	run := func() error {
		_, err := m.bot.Send(recipient, text, opts)
		return err
	}

	if m.dispatcher == nil {
		return run()
	}
	sendCtx := logger.WithBotID(ctx, m.botID)
	if err := m.dispatcher.Enqueue(sendCtx, "send.reply", "sendMessage", run); err != nil {
		if errors.Is(err, sender.ErrQueueFull) || errors.Is(err, sender.ErrQueueClosed) {
			logger.Warn(sendCtx, "tg.sender", "queue.fallback",
				slog.String("action", "send.reply"),
				slog.Int64("chat_id", chatID),
				slog.String("err", err.Error()),
			)
			return run()
		}
		return err
	}
	return nil
}
