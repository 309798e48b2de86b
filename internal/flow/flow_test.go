package flow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/asterv/marketbot/internal/approval"
	"github.com/asterv/marketbot/internal/ledger"
	"github.com/asterv/marketbot/internal/store"
)

type capturedMessage struct {
	UserID int64
	Text   string
}

type fakeSender struct {
	sent []capturedMessage
}

func (s *fakeSender) SendMessage(_ context.Context, userID int64, text string) {
	s.sent = append(s.sent, capturedMessage{UserID: userID, Text: text})
}

func (s *fakeSender) last(t *testing.T) capturedMessage {
	t.Helper()
	if len(s.sent) == 0 {
		t.Fatal("no messages sent")
	}
	return s.sent[len(s.sent)-1]
}

func newTestEngine(t *testing.T) (*Engine, *store.FileStore, *fakeSender) {
	t.Helper()
	st := store.New(filepath.Join(t.TempDir(), "store.json"))
	led := ledger.New(st, 0)
	appr := approval.New(st, 1, nil)
	sender := &fakeSender{}
	eng := NewEngine(NewSessionManager(0), st, led, appr, sender, "USD", 0)
	return eng, st, sender
}

// With a zero TTL every first-interaction check must hit the disk, so a
// document replaced behind the cache is picked up on the next event.
func TestEnsureUserHonorsConfiguredCacheTTL(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Handle(ctx, text(1, "hi")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	// Replace the file out of band; the store's cache still holds user 1.
	if err := os.WriteFile(st.Path(), []byte(`{"users":{},"balances":{},"orders":[],"pending":[]}`), 0o644); err != nil {
		t.Fatalf("rewrite store: %v", err)
	}

	if err := eng.Handle(ctx, text(1, "hi again")); err != nil {
		t.Fatalf("handle after rewrite: %v", err)
	}
	doc, err := st.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, ok := doc.Users[1]; !ok {
		t.Fatal("user not re-created: stale cached document was trusted")
	}
}

func text(userID int64, s string) Event {
	return Event{UserID: userID, Kind: EventText, Text: s}
}

func button(userID int64, action string) Event {
	return Event{UserID: userID, Kind: EventButton, Text: action}
}

func photo(userID int64, ref string) Event {
	return Event{UserID: userID, Kind: EventPhoto, ProofRef: ref}
}

func markPaid(t *testing.T, st *store.FileStore, userID int64, unitA float64) {
	t.Helper()
	err := st.Mutate(func(doc *store.Document) error {
		u := doc.EnsureUser(userID, time.Now())
		u.Paid = true
		doc.Balances[userID].UnitA = unitA
		return nil
	})
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
}

func TestWalletSaveFlow(t *testing.T) {
	eng, st, sender := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Handle(ctx, button(1, ActionSaveWallet)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := eng.Sessions().State(1); got != StateAwaitingWallet {
		t.Fatalf("state = %s", got)
	}
	if sender.last(t).Text != msgAskWallet {
		t.Fatalf("reply = %q", sender.last(t).Text)
	}

	// Malformed address keeps the state and reprompts.
	if err := eng.Handle(ctx, text(1, "not-a-wallet")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := eng.Sessions().State(1); got != StateAwaitingWallet {
		t.Fatalf("state after bad input = %s", got)
	}
	if sender.last(t).Text != msgBadWallet {
		t.Fatalf("reply = %q", sender.last(t).Text)
	}

	addr := "0x0123456789abcdef0123456789ABCDEF01234567"
	if err := eng.Handle(ctx, text(1, "  "+addr+"  ")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := eng.Sessions().State(1); got != StateIdle {
		t.Fatalf("state after save = %s", got)
	}
	if sender.last(t).Text != msgWalletSaved {
		t.Fatalf("reply = %q", sender.last(t).Text)
	}

	doc, err := st.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if doc.Users[1].Wallet != addr {
		t.Fatalf("wallet = %q", doc.Users[1].Wallet)
	}
}

func TestCancelResetsMidConversation(t *testing.T) {
	eng, _, sender := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Handle(ctx, button(1, ActionSaveWallet)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := eng.Handle(ctx, text(1, "/cancel")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := eng.Sessions().State(1); got != StateIdle {
		t.Fatalf("state = %s", got)
	}
	if sender.last(t).Text != msgCancelled {
		t.Fatalf("reply = %q", sender.last(t).Text)
	}
}

func TestBuyRequiresApprovedPayment(t *testing.T) {
	eng, st, sender := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Handle(ctx, button(1, ActionBuy)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := eng.Sessions().State(1); got != StateIdle {
		t.Fatalf("unpaid user entered state %s", got)
	}
	if sender.last(t).Text != msgNeedPayment {
		t.Fatalf("reply = %q", sender.last(t).Text)
	}

	markPaid(t, st, 1, 0)
	if err := eng.Handle(ctx, button(1, ActionBuy)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := eng.Sessions().State(1); got != StateAwaitingBuyAmount {
		t.Fatalf("state = %s", got)
	}
}

func TestBuyFlowCompletes(t *testing.T) {
	eng, st, sender := newTestEngine(t)
	ctx := context.Background()
	markPaid(t, st, 1, 0)

	if err := eng.Handle(ctx, button(1, ActionBuy)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := eng.Handle(ctx, text(1, "2.5")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := eng.Sessions().State(1); got != StateIdle {
		t.Fatalf("state = %s", got)
	}
	doc, err := st.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := doc.Balances[1].UnitA; got != 2.5 {
		t.Fatalf("unit_a = %v, want 2.5", got)
	}
	if len(doc.Orders) != 1 || doc.Orders[0].Type != store.OrderBuy {
		t.Fatalf("orders = %+v", doc.Orders)
	}
	if sender.last(t).Text == msgBadAmount {
		t.Fatal("valid amount rejected")
	}
}

func TestSellInsufficientKeepsState(t *testing.T) {
	eng, _, sender := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Handle(ctx, button(1, ActionSell)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := eng.Handle(ctx, text(1, "100")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := eng.Sessions().State(1); got != StateAwaitingSellAmount {
		t.Fatalf("state = %s, retry must stay possible", got)
	}
	if sender.last(t).Text != msgInsufficient {
		t.Fatalf("reply = %q", sender.last(t).Text)
	}
}

func TestBadAmountReprompts(t *testing.T) {
	eng, _, sender := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Handle(ctx, button(1, ActionSell)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	// "NaN" and infinities parse cleanly through ParseFloat, so they have to
	// be rejected here rather than dying later inside the store encoder.
	for _, bad := range []string{"abc", "-1", "0", "NaN", "Inf", "-Inf", "+Inf"} {
		if err := eng.Handle(ctx, text(1, bad)); err != nil {
			t.Fatalf("handle %q: %v", bad, err)
		}
		if got := eng.Sessions().State(1); got != StateAwaitingSellAmount {
			t.Fatalf("state after %q = %s", bad, got)
		}
		if sender.last(t).Text != msgBadAmount {
			t.Fatalf("reply = %q", sender.last(t).Text)
		}
	}
}

func TestTransferFlowNotifiesBothParties(t *testing.T) {
	eng, st, sender := newTestEngine(t)
	ctx := context.Background()
	markPaid(t, st, 1, 10)

	if err := eng.Handle(ctx, button(1, ActionTransfer)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := eng.Handle(ctx, text(1, "2")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := eng.Sessions().State(1); got != StateAwaitingTransferAmount {
		t.Fatalf("state = %s", got)
	}
	if err := eng.Handle(ctx, text(1, "4")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := eng.Sessions().State(1); got != StateIdle {
		t.Fatalf("state = %s", got)
	}
	doc, err := st.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if doc.Balances[1].UnitA != 6 || doc.Balances[2].UnitA != 4 {
		t.Fatalf("balances = %v/%v", doc.Balances[1].UnitA, doc.Balances[2].UnitA)
	}

	var senderNotified, recipientNotified bool
	for _, m := range sender.sent {
		if m.UserID == 1 && m.Text == "Transferred 4.0 to account 2." {
			senderNotified = true
		}
		if m.UserID == 2 && m.Text == "You received 4.0 from account 1." {
			recipientNotified = true
		}
	}
	if !senderNotified || !recipientNotified {
		t.Fatalf("notifications missing: %+v", sender.sent)
	}
}

func TestTransferBadTargetReprompts(t *testing.T) {
	eng, _, sender := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Handle(ctx, button(1, ActionTransfer)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := eng.Handle(ctx, text(1, "bob")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := eng.Sessions().State(1); got != StateAwaitingTransferTarget {
		t.Fatalf("state = %s", got)
	}
	if sender.last(t).Text != msgBadTransferTo {
		t.Fatalf("reply = %q", sender.last(t).Text)
	}
}

func TestPaymentProofFlowSubmitsPending(t *testing.T) {
	eng, st, sender := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Handle(ctx, button(1, ActionSendProof)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := eng.Handle(ctx, text(1, "25")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := eng.Sessions().State(1); got != StateAwaitingPaymentProof {
		t.Fatalf("state = %s", got)
	}

	// Text instead of a photo reprompts without losing progress.
	if err := eng.Handle(ctx, text(1, "here is my receipt")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if sender.last(t).Text != msgAskProof {
		t.Fatalf("reply = %q", sender.last(t).Text)
	}

	if err := eng.Handle(ctx, photo(1, "file-123")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := eng.Sessions().State(1); got != StateIdle {
		t.Fatalf("state = %s", got)
	}
	if sender.last(t).Text != msgProofAccepted {
		t.Fatalf("reply = %q", sender.last(t).Text)
	}

	doc, err := st.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(doc.Pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(doc.Pending))
	}
	p := doc.Pending[0]
	if p.UserID != 1 || p.Amount != 25 || p.Currency != "USD" || p.ProofRef != "file-123" || p.Status != store.PaymentPending {
		t.Fatalf("unexpected pending %+v", p)
	}
}

func TestUnrecognizedInputFallsBackToIdle(t *testing.T) {
	eng, _, sender := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Handle(ctx, text(1, "hello there")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := eng.Sessions().State(1); got != StateIdle {
		t.Fatalf("state = %s", got)
	}
	if sender.last(t).Text != msgUnrecognized {
		t.Fatalf("reply = %q", sender.last(t).Text)
	}
}

func TestFirstEventRegistersUser(t *testing.T) {
	eng, st, _ := newTestEngine(t)

	if err := eng.Handle(context.Background(), text(9, "hi")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	doc, err := st.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, ok := doc.Users[9]; !ok {
		t.Fatal("user not registered on first contact")
	}
	if _, ok := doc.Balances[9]; !ok {
		t.Fatal("balance record missing")
	}
}
