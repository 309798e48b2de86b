package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	tele "gopkg.in/telebot.v4"

	"github.com/asterv/marketbot/internal/config"
	"github.com/asterv/marketbot/internal/ledger"
	"github.com/asterv/marketbot/internal/logger"
	"github.com/asterv/marketbot/internal/store"
	"github.com/asterv/marketbot/internal/telegram/keyboard"
	"github.com/asterv/marketbot/internal/telegram/sender"
)

// Inline buttons attached to admin review notifications. The callback data
// carries the pending payment id.
var (
	btnApprove = tele.Btn{Text: "✅ Approve", Unique: "pay_approve"}
	btnReject  = tele.Btn{Text: "❌ Reject", Unique: "pay_reject"}
)

// Outbound delivers messages through the async dispatcher. It implements both
// flow.Sender and approval.Notifier. Delivery is best-effort: failures are
// logged by the dispatcher and never retried synchronously.
type Outbound struct {
	tb     *tele.Bot
	disp   *sender.Dispatcher
	admins config.AdminsConfig
}

// NewOutbound wires the outbound path.
func NewOutbound(tb *tele.Bot, disp *sender.Dispatcher, admins config.AdminsConfig) *Outbound {
	return &Outbound{tb: tb, disp: disp, admins: admins}
}

// SendMessage sends plain text to a user, falling back to a synchronous send
// when the queue is saturated.
func (o *Outbound) SendMessage(ctx context.Context, userID int64, text string) {
	o.send(ctx, "send_message", userID, text)
}

// NotifyAdmins fans a submitted payment out to every configured admin with
// approve/reject buttons keyed by the payment id.
func (o *Outbound) NotifyAdmins(ctx context.Context, p store.PendingPayment) {
	text := fmt.Sprintf("Payment proof from user %d\nAmount: %s %s\nPayment id: %s",
		p.UserID, ledger.FormatAmount(p.Amount), p.Currency, p.ID)
	markup := keyboard.InlineButtonsRows([]keyboard.InlineBtn{
		{Text: btnApprove.Text, Unique: btnApprove.Unique, Data: p.ID},
		{Text: btnReject.Text, Unique: btnReject.Unique, Data: p.ID},
	})
	for _, adminID := range o.admins.IDs {
		o.send(ctx, "notify_admin", adminID, text, markup)
	}
}

// NotifyUser tells the submitter how their payment was decided.
func (o *Outbound) NotifyUser(ctx context.Context, userID int64, p store.PendingPayment) {
	var text string
	switch p.Status {
	case store.PaymentApproved:
		text = fmt.Sprintf("Your payment of %s %s was approved. Your balance has been credited.",
			ledger.FormatAmount(p.Amount), p.Currency)
	case store.PaymentRejected:
		text = fmt.Sprintf("Your payment of %s %s was rejected. You can submit a new proof.",
			ledger.FormatAmount(p.Amount), p.Currency)
	default:
		return
	}
	o.send(ctx, "notify_user", userID, text)
}

func (o *Outbound) send(ctx context.Context, action string, userID int64, text string, opts ...interface{}) {
	recipient := &tele.User{ID: userID}
	run := func() error {
		_, err := o.tb.Send(recipient, text, opts...)
		return err
	}
	err := o.disp.Enqueue(ctx, action, run)
	if err == nil {
		return
	}
	if errors.Is(err, sender.ErrQueueFull) || errors.Is(err, sender.ErrQueueClosed) {
		logger.Warn(ctx, "tg.sender", "queue.fallback",
			slog.String("action", action),
			slog.String("err", err.Error()),
		)
		if sendErr := run(); sendErr != nil {
			logger.Error(ctx, "tg.sender", "send.fail",
				slog.String("action", action),
				slog.Int64("user_id", userID),
				slog.String("err", sendErr.Error()),
			)
		}
		return
	}
	logger.Error(ctx, "tg.sender", "enqueue.fail",
		slog.String("action", action),
		slog.String("err", err.Error()),
	)
}
