package bot

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"log/slog"

	tele "gopkg.in/telebot.v4"

	"github.com/asterv/marketbot/internal/approval"
	"github.com/asterv/marketbot/internal/flow"
	"github.com/asterv/marketbot/internal/ledger"
	"github.com/asterv/marketbot/internal/logger"
	"github.com/asterv/marketbot/internal/store"
	"github.com/asterv/marketbot/internal/telegram/keyboard"
	"github.com/asterv/marketbot/internal/telegram/middleware"
)

// Main menu labels. Pressing one arrives as a plain text message, so handleText
// translates labels into flow actions.
const (
	btnBuy      = "🛒 Buy"
	btnSell     = "📉 Sell"
	btnTransfer = "💸 Transfer"
	btnWallet   = "💾 Save wallet"
	btnProof    = "🧾 Send payment proof"
	btnBalance  = "💰 Balance"
)

var menuActions = map[string]string{
	btnBuy:      flow.ActionBuy,
	btnSell:     flow.ActionSell,
	btnTransfer: flow.ActionTransfer,
	btnWallet:   flow.ActionSaveWallet,
	btnProof:    flow.ActionSendProof,
}

func mainMenu() *tele.ReplyMarkup {
	return keyboard.ReplyButtons(
		[]string{btnBuy, btnSell},
		[]string{btnTransfer, btnWallet},
		[]string{btnProof, btnBalance},
	)
}

const helpText = `Use the menu buttons to trade, transfer, or submit a payment proof.

/balance — your balances and wallet
/history — your recent orders
/cancel — abort the current flow
/help — this message`

func (b *Bot) handleStart(c tele.Context) error {
	ctx := middleware.BuildContext(c)
	userID := c.Sender().ID

	err := b.store.Mutate(func(doc *store.Document) error {
		doc.EnsureUser(userID, time.Now())
		return nil
	})
	if err != nil {
		return err
	}

	logger.Info(ctx, "bot", "user.start", slog.Int64("user_id", userID))
	return c.Send("Welcome! "+helpText, mainMenu())
}

func (b *Bot) handleHelp(c tele.Context) error {
	return c.Send(helpText, mainMenu())
}

func (b *Bot) handleBalance(c tele.Context) error {
	ctx := middleware.BuildContext(c)
	userID := c.Sender().ID

	unitA, unitB, err := b.ledger.Balance(ctx, userID)
	if err != nil {
		return c.Send("Balance is unavailable right now, try again later.")
	}

	doc, readErr := b.store.ReadCached(b.cfg.Store.CacheTTL)
	wallet := ""
	paid := false
	if readErr == nil {
		if u, ok := doc.Users[userID]; ok {
			wallet = u.Wallet
			paid = u.Paid
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Balance: %s / %s\n", ledger.FormatAmount(unitA), ledger.FormatAmount(unitB))
	if wallet != "" {
		fmt.Fprintf(&sb, "Wallet: %s\n", wallet)
	}
	if paid {
		sb.WriteString("Entry fee: paid")
	} else {
		sb.WriteString("Entry fee: not paid yet")
	}
	return c.Send(sb.String(), mainMenu())
}

func (b *Bot) handleHistory(c tele.Context) error {
	ctx := middleware.BuildContext(c)
	userID := c.Sender().ID

	orders, err := b.ledger.History(ctx, userID, 10)
	if err != nil {
		return c.Send("History is unavailable right now, try again later.")
	}
	if len(orders) == 0 {
		return c.Send("No orders yet.")
	}

	var sb strings.Builder
	sb.WriteString("Your recent orders:\n")
	for _, o := range orders {
		switch o.Type {
		case store.OrderTransfer:
			if o.From == userID {
				fmt.Fprintf(&sb, "%s  sent %s to %d\n",
					o.Timestamp.Format("2006-01-02 15:04"), ledger.FormatAmount(o.Amount), o.To)
			} else {
				fmt.Fprintf(&sb, "%s  received %s from %d\n",
					o.Timestamp.Format("2006-01-02 15:04"), ledger.FormatAmount(o.Amount), o.From)
			}
		default:
			fmt.Fprintf(&sb, "%s  %s %s\n",
				o.Timestamp.Format("2006-01-02 15:04"), o.Type, ledger.FormatAmount(o.Amount))
		}
	}
	return c.Send(sb.String())
}

// flowText forwards the raw message text into the conversation engine.
func (b *Bot) flowText(c tele.Context) error {
	ctx := middleware.BuildContext(c)
	return b.engine.Handle(ctx, flow.Event{
		UserID: c.Sender().ID,
		Kind:   flow.EventText,
		Text:   c.Text(),
	})
}

func (b *Bot) handleText(c tele.Context) error {
	ctx := middleware.BuildContext(c)
	userID := c.Sender().ID
	text := strings.TrimSpace(c.Text())

	if text == btnBalance {
		// A balance tap abandons whatever step the user was in, so the
		// session state matches the menu the reply shows.
		b.engine.Sessions().Reset(userID)
		return b.handleBalance(c)
	}
	if action, ok := menuActions[text]; ok {
		return b.engine.Handle(ctx, flow.Event{UserID: userID, Kind: flow.EventButton, Text: action})
	}
	return b.engine.Handle(ctx, flow.Event{UserID: userID, Kind: flow.EventText, Text: text})
}

// handleProofMedia turns photo/document uploads into proof events. The media
// file id is the opaque proof reference; the bot never downloads or inspects it.
func (b *Bot) handleProofMedia(c tele.Context) error {
	ctx := middleware.BuildContext(c)
	msg := c.Message()
	if msg == nil {
		return nil
	}

	proofRef := ""
	switch {
	case msg.Photo != nil:
		proofRef = msg.Photo.FileID
	case msg.Document != nil:
		proofRef = msg.Document.FileID
	}

	return b.engine.Handle(ctx, flow.Event{
		UserID:   c.Sender().ID,
		Kind:     flow.EventPhoto,
		ProofRef: proofRef,
	})
}

func (b *Bot) handlePending(c tele.Context) error {
	ctx := middleware.BuildContext(c)

	pending, err := b.approval.ListPending(ctx, 20)
	if err != nil {
		return c.Send("Could not load pending payments.")
	}
	if len(pending) == 0 {
		return c.Send("No pending payments.")
	}

	for _, p := range pending {
		text := fmt.Sprintf("Payment %s\nUser: %d\nAmount: %s %s\nSubmitted: %s",
			p.ID, p.UserID, ledger.FormatAmount(p.Amount), p.Currency,
			p.CreatedAt.Format("2006-01-02 15:04"))
		markup := keyboard.InlineButtonsRows([]keyboard.InlineBtn{
			{Text: btnApprove.Text, Unique: btnApprove.Unique, Data: p.ID},
			{Text: btnReject.Text, Unique: btnReject.Unique, Data: p.ID},
		})
		if err := c.Send(text, markup); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) handleGrant(c tele.Context) error {
	ctx := middleware.BuildContext(c)

	args := c.Args()
	if len(args) != 2 {
		return c.Send("Usage: /grant <user_id> <amount>")
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || userID <= 0 {
		return c.Send("Invalid user id.")
	}
	amount, err := strconv.ParseFloat(args[1], 64)
	if err != nil || amount == 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return c.Send("Invalid amount.")
	}

	if err := b.ledger.Adjust(ctx, userID, amount, 0); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return c.Send("That would take the balance below zero.")
		}
		return c.Send("Grant failed, see logs.")
	}
	return c.Send(fmt.Sprintf("Granted %s to user %d.", ledger.FormatAmount(amount), userID))
}

// handleDecision resolves an admin's approve/reject tap. Duplicate taps get an
// "already handled" response and cause no second credit.
func (b *Bot) handleDecision(outcome approval.Outcome) tele.HandlerFunc {
	return func(c tele.Context) error {
		ctx := middleware.BuildContext(c)
		adminID := c.Sender().ID

		if !b.cfg.Admins.Contains(adminID) {
			return c.Respond(&tele.CallbackResponse{Text: "Admins only."})
		}

		paymentID := strings.TrimSpace(c.Data())
		if paymentID == "" {
			return c.Respond(&tele.CallbackResponse{Text: "Missing payment reference."})
		}

		decided, err := b.approval.Decide(ctx, paymentID, adminID, outcome)
		switch {
		case errors.Is(err, approval.ErrAlreadyDecided):
			return c.Respond(&tele.CallbackResponse{Text: "This payment was already handled."})
		case errors.Is(err, store.ErrNotFound):
			return c.Respond(&tele.CallbackResponse{Text: "Unknown payment."})
		case err != nil:
			return c.Respond(&tele.CallbackResponse{Text: "Decision failed, see logs."})
		}

		verdict := "approved"
		if decided.Status == store.PaymentRejected {
			verdict = "rejected"
		}
		_ = c.Respond(&tele.CallbackResponse{Text: "Payment " + verdict + "."})

		// Replace the buttons so the message reflects the final state.
		if msg := c.Message(); msg != nil {
			_ = c.Edit(fmt.Sprintf("%s\n\nDecision: %s by %d", msg.Text, verdict, adminID))
		}
		return nil
	}
}
