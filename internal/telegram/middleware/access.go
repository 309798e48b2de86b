package middleware

import tele "gopkg.in/telebot.v4"

// AdminChecker reports whether a user id belongs to the static admin allow-list.
type AdminChecker interface {
	Contains(userID int64) bool
}

// AdminOptions defines how admin-only checks should behave.
type AdminOptions struct {
	Admins   AdminChecker
	OnReject tele.HandlerFunc
}

// AdminOnlyMiddleware ensures that only allow-listed admins can invoke
// downstream handlers.
func AdminOnlyMiddleware(opts AdminOptions) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			sender := c.Sender()
			if opts.Admins == nil || sender == nil || !opts.Admins.Contains(sender.ID) {
				if opts.OnReject != nil {
					return opts.OnReject(c)
				}
				return nil
			}
			return next(c)
		}
	}
}
