// Package flow maps (conversation state, inbound event) pairs to replies,
// state transitions, and ledger/approval calls. It is independent of the
// transport: events come in as plain values and replies leave through the
// injected Sender.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/asterv/marketbot/internal/approval"
	"github.com/asterv/marketbot/internal/ledger"
	"github.com/asterv/marketbot/internal/logger"
	"github.com/asterv/marketbot/internal/store"
)

// EventKind distinguishes inbound event shapes.
type EventKind string

const (
	EventText   EventKind = "text"
	EventPhoto  EventKind = "photo"
	EventButton EventKind = "button"
)

// Action tokens carried by button events.
const (
	ActionSaveWallet = "save_wallet"
	ActionBuy        = "buy"
	ActionSell       = "sell"
	ActionTransfer   = "transfer"
	ActionSendProof  = "send_proof"
	ActionCancel     = "cancel"
)

// Event is one inbound user interaction. For photo events ProofRef carries the
// opaque media handle; for button events Text carries the action token.
type Event struct {
	UserID   int64
	Kind     EventKind
	Text     string
	ProofRef string
}

// Sender delivers replies to users. Implementations are fire-and-forget with
// logged failures; the engine never blocks on delivery.
type Sender interface {
	SendMessage(ctx context.Context, userID int64, text string)
}

// Reply texts. The transfer grant amounts are interpolated at send time.
const (
	msgUnrecognized     = "I didn't understand that. Pick an option from the menu or send /help."
	msgCancelled        = "Cancelled. Back to the main menu."
	msgAskWallet        = "Send your wallet address (0x followed by 40 hex characters)."
	msgBadWallet        = "That doesn't look like a wallet address. Expected 0x followed by 40 hex characters, try again."
	msgWalletSaved      = "Wallet address saved."
	msgNeedPayment      = "You need an approved payment before trading. Use \"Send payment proof\" first."
	msgAskBuyAmount     = "How much would you like to buy? Send a positive number."
	msgAskSellAmount    = "How much would you like to sell? Send a positive number."
	msgBadAmount        = "Please send a positive number."
	msgAskTransferTo    = "Send the numeric account id of the recipient."
	msgBadTransferTo    = "That's not a valid account id. Send a number."
	msgAskTransferAmt   = "How much should be transferred? Send a positive number."
	msgInsufficient     = "Insufficient funds for that amount. Send a smaller amount or /cancel."
	msgAskPaymentAmount = "What amount did you pay? Send a positive number."
	msgAskProof         = "Now send a photo of your payment receipt."
	msgProofAccepted    = "Thanks! Your payment proof was sent to the admins for review."
)

var walletRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// temp payload keys
const (
	tempTransferTarget = "transfer_target"
	tempPaymentAmount  = "payment_amount"
)

// Engine drives per-user conversations.
type Engine struct {
	sessions *SessionManager
	store    *store.FileStore
	ledger   *ledger.Service
	approval *approval.Service
	sender   Sender
	currency string
	cacheTTL time.Duration
}

// NewEngine wires the state machine to its collaborators. currency labels
// submitted payments (e.g. "USD"); cacheTTL bounds the staleness of the
// first-interaction existence check and should match the store's configured
// read cache.
func NewEngine(sessions *SessionManager, st *store.FileStore, led *ledger.Service, appr *approval.Service, sender Sender, currency string, cacheTTL time.Duration) *Engine {
	if currency == "" {
		currency = "USD"
	}
	return &Engine{
		sessions: sessions,
		store:    st,
		ledger:   led,
		approval: appr,
		sender:   sender,
		currency: currency,
		cacheTTL: cacheTTL,
	}
}

// Sessions exposes the session manager for transport-level routing checks.
func (e *Engine) Sessions() *SessionManager {
	return e.sessions
}

// Handle processes one inbound event for its user. Validation failures keep
// the current state and reprompt; unlisted (state, input) pairs fall back to
// idle with an unrecognized-input reply.
func (e *Engine) Handle(ctx context.Context, ev Event) error {
	if err := e.ensureUser(ev.UserID); err != nil {
		return err
	}

	if (ev.Kind == EventButton && ev.Text == ActionCancel) || (ev.Kind == EventText && strings.TrimSpace(ev.Text) == "/cancel") {
		e.sessions.Reset(ev.UserID)
		e.sender.SendMessage(ctx, ev.UserID, msgCancelled)
		return nil
	}

	state := e.sessions.State(ev.UserID)
	logger.Debug(ctx, "flow", "event.received",
		slog.Int64("user_id", ev.UserID),
		slog.String("kind", string(ev.Kind)),
		slog.String("state", string(state)),
	)

	switch state {
	case StateIdle:
		return e.handleIdle(ctx, ev)
	case StateAwaitingWallet:
		return e.handleWallet(ctx, ev)
	case StateAwaitingBuyAmount:
		return e.handleTradeAmount(ctx, ev, store.OrderBuy)
	case StateAwaitingSellAmount:
		return e.handleTradeAmount(ctx, ev, store.OrderSell)
	case StateAwaitingTransferTarget:
		return e.handleTransferTarget(ctx, ev)
	case StateAwaitingTransferAmount:
		return e.handleTransferAmount(ctx, ev)
	case StateAwaitingPaymentAmount:
		return e.handlePaymentAmount(ctx, ev)
	case StateAwaitingPaymentProof:
		return e.handlePaymentProof(ctx, ev)
	}
	return e.fallback(ctx, ev)
}

func (e *Engine) handleIdle(ctx context.Context, ev Event) error {
	if ev.Kind != EventButton {
		return e.fallback(ctx, ev)
	}
	switch ev.Text {
	case ActionSaveWallet:
		e.sessions.SetState(ev.UserID, StateAwaitingWallet)
		e.sender.SendMessage(ctx, ev.UserID, msgAskWallet)
	case ActionBuy:
		paid, err := e.userPaid(ev.UserID)
		if err != nil {
			return err
		}
		if !paid {
			e.sender.SendMessage(ctx, ev.UserID, msgNeedPayment)
			return nil
		}
		e.sessions.SetState(ev.UserID, StateAwaitingBuyAmount)
		e.sender.SendMessage(ctx, ev.UserID, msgAskBuyAmount)
	case ActionSell:
		e.sessions.SetState(ev.UserID, StateAwaitingSellAmount)
		e.sender.SendMessage(ctx, ev.UserID, msgAskSellAmount)
	case ActionTransfer:
		e.sessions.SetState(ev.UserID, StateAwaitingTransferTarget)
		e.sender.SendMessage(ctx, ev.UserID, msgAskTransferTo)
	case ActionSendProof:
		e.sessions.SetState(ev.UserID, StateAwaitingPaymentAmount)
		e.sender.SendMessage(ctx, ev.UserID, msgAskPaymentAmount)
	default:
		return e.fallback(ctx, ev)
	}
	return nil
}

func (e *Engine) handleWallet(ctx context.Context, ev Event) error {
	if ev.Kind != EventText {
		return e.fallback(ctx, ev)
	}
	addr := strings.TrimSpace(ev.Text)
	if !walletRe.MatchString(addr) {
		e.sender.SendMessage(ctx, ev.UserID, msgBadWallet)
		return nil
	}
	err := e.store.Mutate(func(doc *store.Document) error {
		u := doc.EnsureUser(ev.UserID, time.Now())
		u.Wallet = addr
		return nil
	})
	if err != nil {
		return err
	}
	e.sessions.Reset(ev.UserID)
	e.sender.SendMessage(ctx, ev.UserID, msgWalletSaved)
	logger.Info(ctx, "flow", "wallet.saved", slog.Int64("user_id", ev.UserID))
	return nil
}

func (e *Engine) handleTradeAmount(ctx context.Context, ev Event, typ store.OrderType) error {
	if ev.Kind != EventText {
		return e.fallback(ctx, ev)
	}
	amount, ok := parseAmount(ev.Text)
	if !ok {
		e.sender.SendMessage(ctx, ev.UserID, msgBadAmount)
		return nil
	}

	var err error
	if typ == store.OrderBuy {
		_, err = e.ledger.Buy(ctx, ev.UserID, amount)
	} else {
		_, err = e.ledger.Sell(ctx, ev.UserID, amount)
	}
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		e.sender.SendMessage(ctx, ev.UserID, msgInsufficient)
		return nil
	}
	if err != nil {
		return err
	}

	unitA, _, err := e.ledger.Balance(ctx, ev.UserID)
	if err != nil {
		return err
	}
	e.sessions.Reset(ev.UserID)
	verb := "Bought"
	if typ == store.OrderSell {
		verb = "Sold"
	}
	e.sender.SendMessage(ctx, ev.UserID, fmt.Sprintf("%s %s. Your balance is now %s.",
		verb, ledger.FormatAmount(amount), ledger.FormatAmount(unitA)))
	return nil
}

func (e *Engine) handleTransferTarget(ctx context.Context, ev Event) error {
	if ev.Kind != EventText {
		return e.fallback(ctx, ev)
	}
	target, err := strconv.ParseInt(strings.TrimSpace(ev.Text), 10, 64)
	if err != nil || target <= 0 {
		e.sender.SendMessage(ctx, ev.UserID, msgBadTransferTo)
		return nil
	}
	e.sessions.SetTemp(ev.UserID, tempTransferTarget, target)
	e.sessions.SetState(ev.UserID, StateAwaitingTransferAmount)
	e.sender.SendMessage(ctx, ev.UserID, msgAskTransferAmt)
	return nil
}

func (e *Engine) handleTransferAmount(ctx context.Context, ev Event) error {
	if ev.Kind != EventText {
		return e.fallback(ctx, ev)
	}
	amount, ok := parseAmount(ev.Text)
	if !ok {
		e.sender.SendMessage(ctx, ev.UserID, msgBadAmount)
		return nil
	}
	target, ok := e.sessions.GetTempInt64(ev.UserID, tempTransferTarget)
	if !ok {
		// Scratch payload lost (process restart or sweep); restart the flow.
		e.sessions.Reset(ev.UserID)
		e.sender.SendMessage(ctx, ev.UserID, msgUnrecognized)
		return nil
	}

	_, err := e.ledger.Transfer(ctx, ev.UserID, target, amount, store.UnitA)
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		e.sender.SendMessage(ctx, ev.UserID, msgInsufficient)
		return nil
	}
	if errors.Is(err, ledger.ErrSameAccount) {
		e.sender.SendMessage(ctx, ev.UserID, "You can't transfer to yourself. Send another account id or /cancel.")
		return nil
	}
	if err != nil {
		return err
	}

	e.sessions.Reset(ev.UserID)
	e.sender.SendMessage(ctx, ev.UserID, fmt.Sprintf("Transferred %s to account %d.", ledger.FormatAmount(amount), target))
	e.sender.SendMessage(ctx, target, fmt.Sprintf("You received %s from account %d.", ledger.FormatAmount(amount), ev.UserID))
	return nil
}

func (e *Engine) handlePaymentAmount(ctx context.Context, ev Event) error {
	if ev.Kind != EventText {
		return e.fallback(ctx, ev)
	}
	amount, ok := parseAmount(ev.Text)
	if !ok {
		e.sender.SendMessage(ctx, ev.UserID, msgBadAmount)
		return nil
	}
	e.sessions.SetTemp(ev.UserID, tempPaymentAmount, amount)
	e.sessions.SetState(ev.UserID, StateAwaitingPaymentProof)
	e.sender.SendMessage(ctx, ev.UserID, msgAskProof)
	return nil
}

func (e *Engine) handlePaymentProof(ctx context.Context, ev Event) error {
	if ev.Kind != EventPhoto || ev.ProofRef == "" {
		if ev.Kind == EventText {
			e.sender.SendMessage(ctx, ev.UserID, msgAskProof)
			return nil
		}
		return e.fallback(ctx, ev)
	}
	amount, ok := e.sessions.GetTempFloat(ev.UserID, tempPaymentAmount)
	if !ok {
		e.sessions.Reset(ev.UserID)
		e.sender.SendMessage(ctx, ev.UserID, msgUnrecognized)
		return nil
	}

	if _, err := e.approval.Submit(ctx, ev.UserID, amount, e.currency, ev.ProofRef); err != nil {
		return err
	}
	e.sessions.Reset(ev.UserID)
	e.sender.SendMessage(ctx, ev.UserID, msgProofAccepted)
	return nil
}

func (e *Engine) fallback(ctx context.Context, ev Event) error {
	e.sessions.Reset(ev.UserID)
	e.sender.SendMessage(ctx, ev.UserID, msgUnrecognized)
	return nil
}

// ensureUser creates the user and balance records on first interaction.
func (e *Engine) ensureUser(userID int64) error {
	doc, err := e.store.ReadCached(e.cacheTTL)
	if err != nil {
		return err
	}
	if _, ok := doc.Users[userID]; ok {
		return nil
	}
	return e.store.Mutate(func(doc *store.Document) error {
		doc.EnsureUser(userID, time.Now())
		return nil
	})
}

func (e *Engine) userPaid(userID int64) (bool, error) {
	doc, err := e.store.Read()
	if err != nil {
		return false, err
	}
	u, ok := doc.Users[userID]
	return ok && u.Paid, nil
}

// parseAmount accepts a positive, finite decimal number. ParseFloat also
// produces NaN and Inf, which must never reach the ledger.
func parseAmount(text string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, false
	}
	return ledger.Round(v), true
}
