package store

import "time"

// Unit names one of the two demo ledger units.
type Unit string

const (
	// UnitA is the primary demo unit credited by approvals and grants.
	UnitA Unit = "unit_a"
	// UnitB is the secondary demo unit.
	UnitB Unit = "unit_b"
)

// Valid reports whether the unit is one of the two known ledger units.
func (u Unit) Valid() bool {
	return u == UnitA || u == UnitB
}

// OrderType classifies an order record.
type OrderType string

const (
	OrderBuy      OrderType = "buy"
	OrderSell     OrderType = "sell"
	OrderTransfer OrderType = "transfer"
)

// OrderStatus is the lifecycle state of an order record.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderCompleted OrderStatus = "completed"
)

// PaymentStatus is the lifecycle state of a submitted payment proof.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentApproved PaymentStatus = "approved"
	PaymentRejected PaymentStatus = "rejected"
)

// User is a registered chat account. Admin identity is derived from the
// configured allow-list and is never stored here.
type User struct {
	JoinedAt time.Time `json:"joined_at"`
	Paid     bool      `json:"paid"`
	Wallet   string    `json:"wallet,omitempty"`
}

// Balance holds the two per-user unit balances. Both stay >= 0 at all times.
type Balance struct {
	UnitA float64 `json:"unit_a"`
	UnitB float64 `json:"unit_b"`
}

// Order is an immutable log record documenting a balance change.
type Order struct {
	ID        string      `json:"id"`
	Type      OrderType   `json:"type"`
	From      int64       `json:"from"`
	To        int64       `json:"to"`
	Amount    float64     `json:"amount"`
	Unit      Unit        `json:"unit"`
	Status    OrderStatus `json:"status"`
	Timestamp time.Time   `json:"ts"`
}

// PendingPayment is a submitted proof awaiting an admin decision.
// Approved and rejected are terminal states.
type PendingPayment struct {
	ID        string        `json:"id"`
	UserID    int64         `json:"user_id"`
	Amount    float64       `json:"amount"`
	Currency  string        `json:"currency"`
	ProofRef  string        `json:"proof_ref"`
	Status    PaymentStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	DecidedAt *time.Time    `json:"decided_at,omitempty"`
}

// Document is the whole persisted state. It is only ever read or written
// under the store's exclusive section.
type Document struct {
	Users    map[int64]*User    `json:"users"`
	Balances map[int64]*Balance `json:"balances"`
	Orders   []Order            `json:"orders"`
	Pending  []PendingPayment   `json:"pending"`
}

// NewDocument returns an empty document skeleton.
func NewDocument() *Document {
	return &Document{
		Users:    make(map[int64]*User),
		Balances: make(map[int64]*Balance),
		Orders:   []Order{},
		Pending:  []PendingPayment{},
	}
}

// normalize fills nil collections so decoded documents are safe to use.
func (d *Document) normalize() {
	if d.Users == nil {
		d.Users = make(map[int64]*User)
	}
	if d.Balances == nil {
		d.Balances = make(map[int64]*Balance)
	}
	if d.Orders == nil {
		d.Orders = []Order{}
	}
	if d.Pending == nil {
		d.Pending = []PendingPayment{}
	}
}

// EnsureUser returns the user record for id, creating it (with its balance
// record) on first interaction.
func (d *Document) EnsureUser(id int64, now time.Time) *User {
	u, ok := d.Users[id]
	if !ok {
		u = &User{JoinedAt: now.UTC()}
		d.Users[id] = u
	}
	d.EnsureBalance(id)
	return u
}

// EnsureBalance returns the balance record for id, creating a zero record if absent.
func (d *Document) EnsureBalance(id int64) *Balance {
	b, ok := d.Balances[id]
	if !ok {
		b = &Balance{}
		d.Balances[id] = b
	}
	return b
}

// FindPending returns a pointer into the pending slice for the given payment id.
func (d *Document) FindPending(id string) *PendingPayment {
	for i := range d.Pending {
		if d.Pending[i].ID == id {
			return &d.Pending[i]
		}
	}
	return nil
}

// Clone returns a deep copy so cached reads never alias the committed document.
func (d *Document) Clone() *Document {
	out := &Document{
		Users:    make(map[int64]*User, len(d.Users)),
		Balances: make(map[int64]*Balance, len(d.Balances)),
		Orders:   make([]Order, len(d.Orders)),
		Pending:  make([]PendingPayment, len(d.Pending)),
	}
	for id, u := range d.Users {
		cu := *u
		out.Users[id] = &cu
	}
	for id, b := range d.Balances {
		cb := *b
		out.Balances[id] = &cb
	}
	copy(out.Orders, d.Orders)
	copy(out.Pending, d.Pending)
	for i := range out.Pending {
		if ts := out.Pending[i].DecidedAt; ts != nil {
			cp := *ts
			out.Pending[i].DecidedAt = &cp
		}
	}
	return out
}
