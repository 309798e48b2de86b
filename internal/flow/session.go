package flow

import (
	"context"
	"sync"
	"time"
)

// State identifies a conversation step in the per-user state machine.
type State string

const (
	// StateIdle indicates there is no active conversation with the user.
	StateIdle                   State = "idle"
	StateAwaitingWallet         State = "awaiting_wallet"
	StateAwaitingBuyAmount      State = "awaiting_buy_amount"
	StateAwaitingSellAmount     State = "awaiting_sell_amount"
	StateAwaitingTransferTarget State = "awaiting_transfer_target"
	StateAwaitingTransferAmount State = "awaiting_transfer_amount"
	StateAwaitingPaymentAmount  State = "awaiting_payment_amount"
	StateAwaitingPaymentProof   State = "awaiting_payment_proof"
)

// Session stores conversation state and scratch payload for one user. It lives
// in process memory only; abandoning it loses nothing durable.
type Session struct {
	State     State
	Temp      map[string]any
	EnteredAt time.Time
}

// SessionManager partitions sessions by user id. Only the owning conversation
// mutates a given entry, so a plain RWMutex over the map suffices.
type SessionManager struct {
	mu          sync.RWMutex
	sessions    map[int64]*Session
	idleTimeout time.Duration
}

// NewSessionManager creates the in-memory session manager. idleTimeout <= 0
// disables expiry.
func NewSessionManager(idleTimeout time.Duration) *SessionManager {
	return &SessionManager{
		sessions:    make(map[int64]*Session),
		idleTimeout: idleTimeout,
	}
}

// State returns the user's current state, expiring stale sessions to idle on
// the way.
func (m *SessionManager) State(userID int64) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[userID]
	if !ok {
		return StateIdle
	}
	if m.expired(sess, time.Now()) {
		delete(m.sessions, userID)
		return StateIdle
	}
	return sess.State
}

// SetState moves the user to a new state and restarts the idle clock.
func (m *SessionManager) SetState(userID int64, st State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[userID]
	if !ok {
		sess = &Session{Temp: make(map[string]any)}
		m.sessions[userID] = sess
	}
	sess.State = st
	sess.EnteredAt = time.Now()
}

// SetTemp stores a scratch value on the user's session.
func (m *SessionManager) SetTemp(userID int64, key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[userID]
	if !ok {
		sess = &Session{State: StateIdle, Temp: make(map[string]any), EnteredAt: time.Now()}
		m.sessions[userID] = sess
	}
	sess.Temp[key] = value
}

// GetTemp retrieves a scratch value by key.
func (m *SessionManager) GetTemp(userID int64, key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[userID]
	if !ok {
		return nil, false
	}
	v, ok := sess.Temp[key]
	return v, ok
}

// GetTempInt64 retrieves a scratch value and asserts it as int64.
func (m *SessionManager) GetTempInt64(userID int64, key string) (int64, bool) {
	v, found := m.GetTemp(userID, key)
	if !found {
		return 0, false
	}
	n, ok := v.(int64)
	return n, ok
}

// GetTempFloat retrieves a scratch value and asserts it as float64.
func (m *SessionManager) GetTempFloat(userID int64, key string) (float64, bool) {
	v, found := m.GetTemp(userID, key)
	if !found {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// Reset discards the user's session, returning them to idle with no payload.
func (m *SessionManager) Reset(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, userID)
}

// InProgress reports whether the user is mid-conversation.
func (m *SessionManager) InProgress(userID int64) bool {
	return m.State(userID) != StateIdle
}

// Sweep drops sessions idle longer than the configured timeout and returns
// how many were discarded.
func (m *SessionManager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, sess := range m.sessions {
		if m.expired(sess, now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// RunSweeper periodically expires abandoned conversations until ctx is done.
func (m *SessionManager) RunSweeper(ctx context.Context, interval time.Duration) {
	if m.idleTimeout <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

func (m *SessionManager) expired(sess *Session, now time.Time) bool {
	return m.idleTimeout > 0 && sess.State != StateIdle && now.Sub(sess.EnteredAt) > m.idleTimeout
}
