// Package approval bridges user-submitted payment proofs to admin decisions.
// A decision is applied exactly once: repeated approve/reject calls for the
// same payment fail with ErrAlreadyDecided and cause no second credit.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/asterv/marketbot/internal/ledger"
	"github.com/asterv/marketbot/internal/logger"
	"github.com/asterv/marketbot/internal/store"
)

// ErrAlreadyDecided is returned when a payment has left the pending state.
// Duplicate admin clicks and transport retries surface it to the caller
// instead of silently succeeding twice.
var ErrAlreadyDecided = errors.New("approval: payment already decided")

// Outcome is an admin verdict on a pending payment.
type Outcome string

const (
	Approve Outcome = "approve"
	Reject  Outcome = "reject"
)

// Notifier delivers post-commit notifications. Implementations send outside
// the store lock, best-effort; failures are logged, never retried here.
type Notifier interface {
	NotifyAdmins(ctx context.Context, p store.PendingPayment)
	NotifyUser(ctx context.Context, userID int64, p store.PendingPayment)
}

// Service implements the two-phase payment approval workflow.
type Service struct {
	store    *store.FileStore
	grant    float64
	notifier Notifier
}

// New constructs the workflow. grant is the unit_a credit applied on approval;
// notifier may be nil in tests.
func New(st *store.FileStore, grant float64, notifier Notifier) *Service {
	return &Service{store: st, grant: grant, notifier: notifier}
}

// Submit records a new pending payment and fans the summary out to admins.
// The append is a single exclusive-section mutation; the notification happens
// after commit.
func (s *Service) Submit(ctx context.Context, userID int64, amount float64, currency, proofRef string) (store.PendingPayment, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return store.PendingPayment{}, fmt.Errorf("approval: amount must be positive, got %s", ledger.FormatAmount(amount))
	}

	p := store.PendingPayment{
		ID:        uuid.NewString(),
		UserID:    userID,
		Amount:    ledger.Round(amount),
		Currency:  currency,
		ProofRef:  proofRef,
		Status:    store.PaymentPending,
		CreatedAt: time.Now().UTC(),
	}

	err := s.store.Mutate(func(doc *store.Document) error {
		doc.EnsureUser(userID, time.Now())
		doc.Pending = append(doc.Pending, p)
		return nil
	})
	if err != nil {
		return store.PendingPayment{}, err
	}

	logger.Info(ctx, "service.approval", "payment.submitted",
		slog.String("payment_id", p.ID),
		slog.Int64("user_id", userID),
		slog.String("amount", ledger.FormatAmount(amount)),
	)

	if s.notifier != nil {
		s.notifier.NotifyAdmins(ctx, p)
	}
	return p, nil
}

// Decide applies an admin verdict. Loading the payment, the terminal-state
// check, the status flip, and (for approvals) the grant credit all happen in
// one exclusive section, so the decision and the balance mutation commit
// together or not at all. The user notification follows after commit.
func (s *Service) Decide(ctx context.Context, paymentID string, adminID int64, outcome Outcome) (store.PendingPayment, error) {
	if outcome != Approve && outcome != Reject {
		return store.PendingPayment{}, fmt.Errorf("approval: unknown outcome %q", outcome)
	}

	var decided store.PendingPayment
	err := s.store.Mutate(func(doc *store.Document) error {
		p := doc.FindPending(paymentID)
		if p == nil {
			return fmt.Errorf("%w: payment %s", store.ErrNotFound, paymentID)
		}
		if p.Status != store.PaymentPending {
			return fmt.Errorf("%w: payment %s is %s", ErrAlreadyDecided, paymentID, p.Status)
		}

		now := time.Now().UTC()
		p.DecidedAt = &now
		switch outcome {
		case Approve:
			p.Status = store.PaymentApproved
			u := doc.EnsureUser(p.UserID, now)
			u.Paid = true
			b := doc.Balances[p.UserID]
			b.UnitA = ledger.Round(b.UnitA + s.grant)
		case Reject:
			p.Status = store.PaymentRejected
		}
		decided = *p
		return nil
	})
	if err != nil {
		return store.PendingPayment{}, err
	}

	logger.Info(ctx, "service.approval", "payment.decided",
		slog.String("payment_id", paymentID),
		slog.Int64("admin_id", adminID),
		slog.String("status", string(decided.Status)),
	)

	if s.notifier != nil {
		s.notifier.NotifyUser(ctx, decided.UserID, decided)
	}
	return decided, nil
}

// ListPending returns undecided payments, newest first.
func (s *Service) ListPending(ctx context.Context, limit int) ([]store.PendingPayment, error) {
	if limit <= 0 {
		limit = 20
	}
	doc, err := s.store.Read()
	if err != nil {
		return nil, err
	}
	var out []store.PendingPayment
	for i := len(doc.Pending) - 1; i >= 0 && len(out) < limit; i-- {
		if doc.Pending[i].Status == store.PaymentPending {
			out = append(out, doc.Pending[i])
		}
	}
	return out, nil
}
