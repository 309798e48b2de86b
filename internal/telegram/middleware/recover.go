package middleware

import (
	"log/slog"
	"runtime/debug"

	tele "gopkg.in/telebot.v4"

	"github.com/asterv/marketbot/internal/logger"
)

// RecoverMiddleware turns handler panics into an error log so one bad update
// cannot take the poller down.
func RecoverMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			ctx := logger.Background()
			if c.Sender() != nil && c.Chat() != nil {
				ctx = logger.WithUpdateMeta(ctx, c.Update().ID, c.Sender().ID, c.Chat().ID)
			}
			logger.Error(ctx, "tg", "handler.panic",
				slog.Any("err", r),
				slog.String("stack", string(debug.Stack())),
			)
		}()
		return next(c)
	}
}
