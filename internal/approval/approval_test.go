package approval

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/asterv/marketbot/internal/store"
)

type recordingNotifier struct {
	mu         sync.Mutex
	adminCalls []store.PendingPayment
	userCalls  []store.PendingPayment
}

func (n *recordingNotifier) NotifyAdmins(_ context.Context, p store.PendingPayment) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.adminCalls = append(n.adminCalls, p)
}

func (n *recordingNotifier) NotifyUser(_ context.Context, _ int64, p store.PendingPayment) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.userCalls = append(n.userCalls, p)
}

func newTestService(t *testing.T, grant float64) (*Service, *store.FileStore, *recordingNotifier) {
	t.Helper()
	st := store.New(filepath.Join(t.TempDir(), "store.json"))
	n := &recordingNotifier{}
	return New(st, grant, n), st, n
}

func TestSubmitAppendsPendingAndNotifiesAdmins(t *testing.T) {
	svc, st, n := newTestService(t, 1)
	ctx := context.Background()

	p, err := svc.Submit(ctx, 7, 25, "USD", "file-abc")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if p.ID == "" || p.Status != store.PaymentPending {
		t.Fatalf("unexpected payment %+v", p)
	}

	doc, err := st.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(doc.Pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(doc.Pending))
	}
	if doc.Pending[0].ProofRef != "file-abc" || doc.Pending[0].UserID != 7 {
		t.Fatalf("unexpected record %+v", doc.Pending[0])
	}
	if _, ok := doc.Users[7]; !ok {
		t.Fatal("submit must register the user")
	}

	if len(n.adminCalls) != 1 || n.adminCalls[0].ID != p.ID {
		t.Fatalf("admin notifications = %+v", n.adminCalls)
	}
}

func TestSubmitRejectsNonPositiveAmount(t *testing.T) {
	svc, _, n := newTestService(t, 1)

	if _, err := svc.Submit(context.Background(), 7, 0, "USD", "x"); err == nil {
		t.Fatal("expected error for zero amount")
	}
	if len(n.adminCalls) != 0 {
		t.Fatal("rejected submit must not notify")
	}
}

func TestApproveCreditsGrantExactlyOnce(t *testing.T) {
	svc, st, n := newTestService(t, 2.5)
	ctx := context.Background()

	p, err := svc.Submit(ctx, 7, 25, "USD", "file-abc")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	decided, err := svc.Decide(ctx, p.ID, 100, Approve)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decided.Status != store.PaymentApproved || decided.DecidedAt == nil {
		t.Fatalf("unexpected decision %+v", decided)
	}

	doc, err := st.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !doc.Users[7].Paid {
		t.Fatal("approval must flag the user paid")
	}
	if got := doc.Balances[7].UnitA; got != 2.5 {
		t.Fatalf("grant = %v, want 2.5", got)
	}

	// A second verdict on the same payment must fail and not re-credit.
	if _, err := svc.Decide(ctx, p.ID, 100, Approve); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("second decide err = %v, want ErrAlreadyDecided", err)
	}
	if _, err := svc.Decide(ctx, p.ID, 100, Reject); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("flip decide err = %v, want ErrAlreadyDecided", err)
	}

	doc, err = st.Read()
	if err != nil {
		t.Fatalf("reread: %v", err)
	}
	if got := doc.Balances[7].UnitA; got != 2.5 {
		t.Fatalf("double credit detected: %v", got)
	}
	if len(n.userCalls) != 1 {
		t.Fatalf("user notifications = %d, want 1", len(n.userCalls))
	}
}

func TestRejectLeavesBalanceAndPaidFlag(t *testing.T) {
	svc, st, _ := newTestService(t, 5)
	ctx := context.Background()

	p, err := svc.Submit(ctx, 7, 25, "USD", "file-abc")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	decided, err := svc.Decide(ctx, p.ID, 100, Reject)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decided.Status != store.PaymentRejected {
		t.Fatalf("status = %s", decided.Status)
	}

	doc, err := st.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if doc.Users[7].Paid {
		t.Fatal("reject must not flag paid")
	}
	if got := doc.Balances[7].UnitA; got != 0 {
		t.Fatalf("reject credited %v", got)
	}
}

func TestDecideUnknownPayment(t *testing.T) {
	svc, _, _ := newTestService(t, 1)

	if _, err := svc.Decide(context.Background(), "nope", 100, Approve); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want store.ErrNotFound", err)
	}
}

func TestDecideUnknownOutcome(t *testing.T) {
	svc, _, _ := newTestService(t, 1)

	if _, err := svc.Decide(context.Background(), "id", 100, Outcome("maybe")); err == nil {
		t.Fatal("expected error for unknown outcome")
	}
}

func TestConcurrentDecidesApplyOnce(t *testing.T) {
	svc, st, _ := newTestService(t, 1)
	ctx := context.Background()

	p, err := svc.Submit(ctx, 7, 25, "USD", "file-abc")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	const racers = 8
	errs := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Decide(ctx, p.ID, 100, Approve)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, dup int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyDecided):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != racers-1 {
		t.Fatalf("ok = %d, dup = %d, want 1/%d", ok, dup, racers-1)
	}

	doc, err := st.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := doc.Balances[7].UnitA; got != 1 {
		t.Fatalf("grant applied %v times", got)
	}
}

func TestListPendingNewestFirstExcludesDecided(t *testing.T) {
	svc, _, _ := newTestService(t, 1)
	ctx := context.Background()

	first, err := svc.Submit(ctx, 1, 10, "USD", "a")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	time.Sleep(time.Millisecond)
	second, err := svc.Submit(ctx, 2, 10, "USD", "b")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.Decide(ctx, first.ID, 100, Reject); err != nil {
		t.Fatalf("decide: %v", err)
	}

	pending, err := svc.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Fatalf("pending = %+v", pending)
	}
}
