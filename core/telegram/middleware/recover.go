package middleware

import (
	"log/slog"
	"runtime/debug"

	"github.com/botmata/botmata/core/logger"

	tele "gopkg.in/telebot.v4"
)

// Recover catches panics in handlers and prevents a single bot's
// handler from taking down the whole fleet.
func Recover(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		defer func() {
			if r := recover(); r != nil {
				logger.TG.Error("panic recovered",
					slog.String("event", "tg.panic"),
					slog.Any("err", r),
					slog.String("stack", string(debug.Stack())),
				)
			}
		}()
		return next(c)
	}
}
