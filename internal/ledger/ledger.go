// Package ledger implements invariant-preserving balance arithmetic on top of
// the document store: no balance goes negative, transfers conserve the unit
// total, and every order append commits atomically with its balance change.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/asterv/marketbot/internal/logger"
	"github.com/asterv/marketbot/internal/store"
)

var (
	// ErrInsufficientFunds rejects any mutation that would take a balance below zero.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrSameAccount rejects transfers from an account to itself.
	ErrSameAccount = errors.New("ledger: transfer to same account")
)

// amountDecimals bounds floating drift: every stored amount is rounded to this
// many fractional digits after the arithmetic, not before it.
const amountDecimals = 8

// Round normalizes an amount to the ledger's fixed precision.
func Round(v float64) float64 {
	shift := math.Pow10(amountDecimals)
	return math.Round(v*shift) / shift
}

// finite rejects NaN and the infinities, which survive ParseFloat and slip
// past plain ordering checks (NaN compares false against everything).
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// FormatAmount renders an amount with trailing zeros trimmed.
func FormatAmount(v float64) string {
	s := strconv.FormatFloat(v, 'f', amountDecimals, 64)
	s = strings.TrimRight(s, "0")
	if strings.HasSuffix(s, ".") {
		s += "0"
	}
	return s
}

// Service exposes balance reads and mutations. All mutations run inside a
// single store.Mutate exclusive section.
type Service struct {
	store    *store.FileStore
	cacheTTL time.Duration
}

// New constructs the ledger service. cacheTTL > 0 lets read-only balance
// queries serve from the store's short-lived cache.
func New(st *store.FileStore, cacheTTL time.Duration) *Service {
	return &Service{store: st, cacheTTL: cacheTTL}
}

// Balance returns both unit balances for the user. Users without a balance
// record read as zero; the record itself is created lazily on first mutation.
func (s *Service) Balance(ctx context.Context, userID int64) (unitA, unitB float64, err error) {
	doc, err := s.store.ReadCached(s.cacheTTL)
	if err != nil {
		return 0, 0, err
	}
	if b, ok := doc.Balances[userID]; ok {
		return b.UnitA, b.UnitB, nil
	}
	return 0, 0, nil
}

// Adjust applies a pure balance nudge (admin grant or debit) with no order
// record. Either both deltas commit or nothing does.
func (s *Service) Adjust(ctx context.Context, userID int64, deltaA, deltaB float64) error {
	if !finite(deltaA) || !finite(deltaB) {
		return fmt.Errorf("ledger: delta must be finite, got %s/%s", FormatAmount(deltaA), FormatAmount(deltaB))
	}
	err := s.store.Mutate(func(doc *store.Document) error {
		doc.EnsureUser(userID, time.Now())
		b := doc.Balances[userID]
		newA := Round(b.UnitA + deltaA)
		newB := Round(b.UnitB + deltaB)
		if newA < 0 || newB < 0 {
			return fmt.Errorf("%w: user %d", ErrInsufficientFunds, userID)
		}
		b.UnitA = newA
		b.UnitB = newB
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info(ctx, "service.ledger", "adjust.applied",
		slog.Int64("user_id", userID),
		slog.String("delta_a", FormatAmount(deltaA)),
		slog.String("delta_b", FormatAmount(deltaB)),
	)
	return nil
}

// Buy credits the user with amount of unit_a and appends a completed buy
// order, both inside one exclusive section.
func (s *Service) Buy(ctx context.Context, userID int64, amount float64) (string, error) {
	return s.tradeOrder(ctx, store.OrderBuy, userID, amount)
}

// Sell debits amount of unit_a from the user (rejecting overdrafts) and
// appends a completed sell order atomically with the debit.
func (s *Service) Sell(ctx context.Context, userID int64, amount float64) (string, error) {
	return s.tradeOrder(ctx, store.OrderSell, userID, amount)
}

func (s *Service) tradeOrder(ctx context.Context, typ store.OrderType, userID int64, amount float64) (string, error) {
	if !finite(amount) || amount <= 0 {
		return "", fmt.Errorf("ledger: amount must be positive, got %s", FormatAmount(amount))
	}

	orderID := uuid.NewString()
	err := s.store.Mutate(func(doc *store.Document) error {
		doc.EnsureUser(userID, time.Now())
		b := doc.Balances[userID]

		delta := amount
		if typ == store.OrderSell {
			delta = -amount
		}
		newA := Round(b.UnitA + delta)
		if newA < 0 {
			return fmt.Errorf("%w: user %d has %s, needs %s",
				ErrInsufficientFunds, userID, FormatAmount(b.UnitA), FormatAmount(amount))
		}
		b.UnitA = newA

		doc.Orders = append(doc.Orders, store.Order{
			ID:        orderID,
			Type:      typ,
			From:      userID,
			To:        userID,
			Amount:    Round(amount),
			Unit:      store.UnitA,
			Status:    store.OrderCompleted,
			Timestamp: time.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		return "", err
	}
	logger.Info(ctx, "service.ledger", "order.completed",
		slog.String("order_id", orderID),
		slog.String("type", string(typ)),
		slog.Int64("user_id", userID),
		slog.String("amount", FormatAmount(amount)),
	)
	return orderID, nil
}

// Transfer moves amount of unit between two users. Verification, debit,
// credit, and the completed order append happen inside the same exclusive
// section, so a partial transfer is structurally impossible.
func (s *Service) Transfer(ctx context.Context, fromID, toID int64, amount float64, unit store.Unit) (string, error) {
	if !finite(amount) || amount <= 0 {
		return "", fmt.Errorf("ledger: amount must be positive, got %s", FormatAmount(amount))
	}
	if fromID == toID {
		return "", ErrSameAccount
	}
	if !unit.Valid() {
		return "", fmt.Errorf("ledger: unknown unit %q", unit)
	}

	orderID := uuid.NewString()
	err := s.store.Mutate(func(doc *store.Document) error {
		if _, ok := doc.Users[fromID]; !ok {
			return fmt.Errorf("%w: user %d", store.ErrNotFound, fromID)
		}
		from := doc.EnsureBalance(fromID)
		// Recipient user/balance records are created on demand.
		doc.EnsureUser(toID, time.Now())
		to := doc.Balances[toID]

		debit, credit := balanceField(from, unit), balanceField(to, unit)
		newFrom := Round(*debit - amount)
		if newFrom < 0 {
			return fmt.Errorf("%w: user %d has %s, needs %s",
				ErrInsufficientFunds, fromID, FormatAmount(*debit), FormatAmount(amount))
		}
		*debit = newFrom
		*credit = Round(*credit + amount)

		doc.Orders = append(doc.Orders, store.Order{
			ID:        orderID,
			Type:      store.OrderTransfer,
			From:      fromID,
			To:        toID,
			Amount:    Round(amount),
			Unit:      unit,
			Status:    store.OrderCompleted,
			Timestamp: time.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		return "", err
	}
	logger.Info(ctx, "service.ledger", "transfer.completed",
		slog.String("order_id", orderID),
		slog.Int64("from", fromID),
		slog.Int64("to", toID),
		slog.String("amount", FormatAmount(amount)),
		slog.String("unit", string(unit)),
	)
	return orderID, nil
}

// History returns the most recent orders touching the user, newest first.
func (s *Service) History(ctx context.Context, userID int64, limit int) ([]store.Order, error) {
	if limit <= 0 {
		limit = 10
	}
	doc, err := s.store.ReadCached(s.cacheTTL)
	if err != nil {
		return nil, err
	}
	var out []store.Order
	for i := len(doc.Orders) - 1; i >= 0 && len(out) < limit; i-- {
		o := doc.Orders[i]
		if o.From == userID || o.To == userID {
			out = append(out, o)
		}
	}
	return out, nil
}

func balanceField(b *store.Balance, unit store.Unit) *float64 {
	if unit == store.UnitB {
		return &b.UnitB
	}
	return &b.UnitA
}
