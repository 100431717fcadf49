// Package registry holds the in-memory SessionRegistry: the single shared
// mutable state behind both the rendezvous service and the TCP relay. All
// structural mutations happen under one lock; callers never do I/O while
// holding it.
package registry

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Role identifies which side of a transfer a connection belongs to. These
// are wire-protocol literals — keep them exact lowercase strings.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// Status is a Session's lifecycle state. Only the transitions named in
// spec.md §3 are valid: waiting_receiver -> matched -> completed, or
// waiting_receiver -> timeout. There is no waiting_sender status; per
// spec.md §9 it has no defined transitions and is deliberately omitted.
type Status string

const (
	StatusWaitingReceiver Status = "waiting_receiver"
	StatusMatched         Status = "matched"
	StatusCompleted       Status = "completed"
	StatusTimeout         Status = "timeout"
)

// Outcome classifies how a transfer or session reached a terminal state,
// for the benefit of the (optional) history sink. It has no bearing on
// registry invariants.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeTimeout    Outcome = "timeout"
	OutcomePeerLost   Outcome = "peer_lost"
)

var (
	// ErrDuplicateSession is returned by PutSession when session_id collides.
	ErrDuplicateSession = errors.New("registry: duplicate session id")
	// ErrConflict is returned by ParkReceiver when a waiter is already
	// parked for the given receiver fingerprint (spec.md §9 Open Question,
	// decision (a): reject rather than silently overwrite).
	ErrConflict = errors.New("registry: receiver already waiting")
	// ErrSessionNotFound is returned when an operation names an id that is
	// absent or already terminal.
	ErrSessionNotFound = errors.New("registry: session not found")
	// ErrDuplicateRole is returned by RegisterSocket when the pending
	// connection already carries the same role as the new socket.
	ErrDuplicateRole = errors.New("registry: duplicate role for session")
)

// Session is the server-side rendezvous record matching one sender to one
// receiver for one transfer. See spec.md §3.
type Session struct {
	ID         string
	SenderFP   string
	ReceiverFP string
	Filename   string
	FileSize   int64
	Signature  string
	FileHash   string
	Status     Status
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Clone returns a value copy, safe to hand to callers outside the lock.
func (s *Session) Clone() *Session {
	cp := *s
	return &cp
}

// Waiter is the promise/future pair a parked Initiate or Listen call blocks
// on: a single-shot channel that resolves with a Session or a failure.
// Complete and Reject are each safe to call from any goroutine, and only
// the first call (of either) has effect.
type Waiter struct {
	ch   chan WaitResult
	once sync.Once
}

// WaitResult is what a Waiter resolves with: a matched Session, or a
// failure (Timeout, or the parked caller's context error).
type WaitResult struct {
	Session *Session
	Err     error
}

// NewWaiter creates a fresh, unresolved waiter.
func NewWaiter() *Waiter {
	return &Waiter{ch: make(chan WaitResult, 1)}
}

// Complete resolves the waiter with a matched session. Returns false if the
// waiter was already resolved (by a prior Complete or Reject).
func (w *Waiter) Complete(s *Session) bool {
	resolved := false
	w.once.Do(func() {
		w.ch <- WaitResult{Session: s}
		resolved = true
	})
	return resolved
}

// Reject resolves the waiter with a failure (e.g. Timeout).
// Returns false if the waiter was already resolved.
func (w *Waiter) Reject(err error) bool {
	resolved := false
	w.once.Do(func() {
		w.ch <- WaitResult{Err: err}
		resolved = true
	})
	return resolved
}

// Chan returns the channel the waiter resolves on. The rendezvous service
// selects on it alongside its caller's context so a parked call can also be
// abandoned on client disconnect.
func (w *Waiter) Chan() <-chan WaitResult {
	return w.ch
}

// PendingConnection is half-open TCP state: a session that has completed
// handshake but whose partner has not yet connected.
type PendingConnection struct {
	SessionID string
	Role      Role
	Conn      net.Conn
	Session   Session
	Handler   any
}

// ActiveTransfer is fully paired state: two sockets engaged in (or about
// to begin) bidirectional relay. SenderAcked, ReceiverAcked, and Paired are
// mutated only by MarkAck under Registry.mu; BytesTransferred is the lone
// field touched from the relay's copy goroutines without that lock, hence
// its atomic type.
type ActiveTransfer struct {
	SessionID        string
	SenderConn       net.Conn
	ReceiverConn     net.Conn
	Session          Session
	BytesTransferred atomic.Int64
	SenderAcked      bool
	ReceiverAcked    bool
	Paired           bool
	SenderHandler    any
	ReceiverHandler  any
}

// TerminalEvent describes a session or transfer reaching a terminal state,
// for consumption by an optional audit sink (see internal/history).
type TerminalEvent struct {
	SessionID        string
	SenderFP         string
	ReceiverFP       string
	Filename         string
	FileSize         int64
	Outcome          Outcome
	BytesTransferred int64
	CreatedAt        time.Time
	ClosedAt         time.Time
}

// Registry is the shared, thread-safe store described in spec.md §3/§4.1.
type Registry struct {
	mu sync.Mutex

	sessions        map[string]*Session
	senderWaiters   map[string]*Waiter // keyed by session id
	receiverWaiters map[string]*Waiter // keyed by receiver fp

	pending map[string]*PendingConnection // keyed by session id
	active  map[string]*ActiveTransfer    // keyed by session id

	// historicalBytes accumulates BytesTransferred from transfers that have
	// already been removed, so TotalBytesTransferred stays monotone even
	// after a transfer's map entry is gone.
	historicalBytes atomic.Int64

	// now is overridable in tests; defaults to time.Now.
	now func() time.Time

	onTerminal func(TerminalEvent)
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		sessions:        make(map[string]*Session),
		senderWaiters:   make(map[string]*Waiter),
		receiverWaiters: make(map[string]*Waiter),
		pending:         make(map[string]*PendingConnection),
		active:          make(map[string]*ActiveTransfer),
		now:             time.Now,
	}
}

// OnTerminal registers a callback invoked (outside the lock) whenever a
// waiting session times out (TimeoutSession) or an active transfer is torn
// down (RemoveTransfer, RemoveByConn). CompleteSession fires no event.
// At most one callback is
// supported; a later call replaces an earlier one. Intended for a single
// history sink wired up at startup.
func (r *Registry) OnTerminal(cb func(TerminalEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTerminal = cb
}

func (r *Registry) fireTerminal(ev TerminalEvent) {
	if r.onTerminal != nil {
		// Never hold the registry lock across this call.
		go r.onTerminal(ev)
	}
}

// PutSession inserts a freshly created session. Fails if session_id
// collides with an existing entry.
func (r *Registry) PutSession(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return ErrDuplicateSession
	}
	r.sessions[s.ID] = s
	return nil
}

// GetSession returns the session if present and not expired. An expired
// session is removed eagerly and reported as absent.
func (r *Registry) GetSession(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getSessionLocked(id)
}

func (r *Registry) getSessionLocked(id string) (*Session, bool) {
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	if r.now().After(s.ExpiresAt) {
		delete(r.sessions, id)
		return nil, false
	}
	return s, true
}

// CompleteSession sets status=completed if the session is present.
// Idempotent: calling it again, or on an absent id, is a no-op.
func (r *Registry) CompleteSession(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.getSessionLocked(id)
	if !ok {
		return
	}
	s.Status = StatusCompleted
}

// ParkSender registers a sender waiter keyed by session id.
func (r *Registry) ParkSender(sessionID string, w *Waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senderWaiters[sessionID] = w
}

// UnparkSender atomically removes and returns the sender waiter, if any.
func (r *Registry) UnparkSender(sessionID string) (*Waiter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.senderWaiters[sessionID]
	if ok {
		delete(r.senderWaiters, sessionID)
	}
	return w, ok
}

// ParkReceiver registers a receiver waiter keyed by fingerprint. Returns
// ErrConflict if one is already parked for this fingerprint (spec.md §9,
// decision (a) in DESIGN.md).
func (r *Registry) ParkReceiver(receiverFP string, w *Waiter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.receiverWaiters[receiverFP]; exists {
		return ErrConflict
	}
	r.receiverWaiters[receiverFP] = w
	return nil
}

// UnparkReceiver atomically removes and returns the receiver waiter, if any.
func (r *Registry) UnparkReceiver(receiverFP string) (*Waiter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.receiverWaiters[receiverFP]
	if ok {
		delete(r.receiverWaiters, receiverFP)
	}
	return w, ok
}

// FindWaitingSessionFor returns a session awaiting a match for receiverFP,
// or false if none exists. When more than one qualifies, the earliest
// created wins (spec.md §4.2 tie-break: "the first by arrival order is
// natural").
func (r *Registry) FindWaitingSessionFor(receiverFP string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findWaitingSessionForLocked(receiverFP)
}

func (r *Registry) findWaitingSessionForLocked(receiverFP string) (*Session, bool) {
	var best *Session
	for _, s := range r.sessions {
		if s.ReceiverFP != receiverFP || s.Status != StatusWaitingReceiver {
			continue
		}
		if r.now().After(s.ExpiresAt) {
			continue // lazily ignore; GetSession will reap it later
		}
		if best == nil || s.CreatedAt.Before(best.CreatedAt) {
			best = s
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// MatchReceiverOrParkSender implements the sender side of spec.md §4.2's
// match-or-park step as a single critical section: under one lock hold, it
// checks for a receiver waiter already parked on sess.ReceiverFP. If found,
// the waiter is unparked and sess is marked matched; the caller must
// Complete() the returned waiter outside the lock. Otherwise w is parked as
// the sender waiter for sess.ID and matched is false.
func (r *Registry) MatchReceiverOrParkSender(sess *Session, w *Waiter) (receiverWaiter *Waiter, matched bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rw, ok := r.receiverWaiters[sess.ReceiverFP]; ok {
		delete(r.receiverWaiters, sess.ReceiverFP)
		sess.Status = StatusMatched
		return rw, true
	}

	r.senderWaiters[sess.ID] = w
	return nil, false
}

// MatchSenderOrParkReceiver implements the receiver side of spec.md §4.2's
// match-or-park step as a single critical section: under one lock hold, it
// looks for the earliest-created waiting session for receiverFP whose
// sender is still parked. If found, both are unparked, the session is
// marked matched, and the caller must Complete() the returned waiter
// outside the lock. Otherwise w is parked as the receiver waiter for
// receiverFP (ErrConflict if one is already parked there).
func (r *Registry) MatchSenderOrParkReceiver(receiverFP string, w *Waiter) (sess *Session, senderWaiter *Waiter, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if best, ok := r.findWaitingSessionForLocked(receiverFP); ok {
		if sw, ok := r.senderWaiters[best.ID]; ok {
			delete(r.senderWaiters, best.ID)
			best.Status = StatusMatched
			return best, sw, nil
		}
		// Sender waiter vanished (e.g. it just timed out) — fall through to
		// park, a fresh Initiate for this fp will still find us below.
	}

	if _, exists := r.receiverWaiters[receiverFP]; exists {
		return nil, nil, ErrConflict
	}
	r.receiverWaiters[receiverFP] = w
	return nil, nil, nil
}

// TimeoutSession transitions a still-waiting session to timeout and
// removes it from the registry, firing a terminal event. Returns false if
// the session is absent or already past waiting_receiver (e.g. a match
// raced the timer).
func (r *Registry) TimeoutSession(sessionID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok || s.Status != StatusWaitingReceiver {
		r.mu.Unlock()
		return false
	}
	s.Status = StatusTimeout
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	r.fireTerminal(TerminalEvent{
		SessionID:  s.ID,
		SenderFP:   s.SenderFP,
		ReceiverFP: s.ReceiverFP,
		Filename:   s.Filename,
		FileSize:   s.FileSize,
		Outcome:    OutcomeTimeout,
		CreatedAt:  s.CreatedAt,
		ClosedAt:   r.now(),
	})
	return true
}

// RegisterSocket implements spec.md §4.3's handshake pairing step.
//
// Exactly one of the returned PendingConnection/ActiveTransfer is non-nil
// on success:
//   - no existing pending entry: this connection becomes the pending entry
//     (PendingConnection returned, caller should move to AwaitPartner).
//   - pending entry exists with the opposite role: promoted to an
//     ActiveTransfer, pending entry removed (ActiveTransfer returned,
//     caller should send READY to both and move to AwaitAck).
//   - pending entry exists with the SAME role: ErrDuplicateRole, existing
//     pending entry left untouched.
func (r *Registry) RegisterSocket(sessionID string, conn net.Conn, role Role, session Session, handler any) (*PendingConnection, *ActiveTransfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.pending[sessionID]
	if !ok {
		pc := &PendingConnection{
			SessionID: sessionID,
			Role:      role,
			Conn:      conn,
			Session:   session,
			Handler:   handler,
		}
		r.pending[sessionID] = pc
		return pc, nil, nil
	}

	if existing.Role == role {
		return nil, nil, ErrDuplicateRole
	}

	at := &ActiveTransfer{
		SessionID: sessionID,
		Session:   session,
	}
	switch role {
	case RoleSender:
		at.SenderConn = conn
		at.SenderHandler = handler
		at.ReceiverConn = existing.Conn
		at.ReceiverHandler = existing.Handler
	case RoleReceiver:
		at.ReceiverConn = conn
		at.ReceiverHandler = handler
		at.SenderConn = existing.Conn
		at.SenderHandler = existing.Handler
	}

	delete(r.pending, sessionID)
	r.active[sessionID] = at
	return nil, at, nil
}

// GetActive returns the active transfer for a session id, if any.
func (r *Registry) GetActive(sessionID string) (*ActiveTransfer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.active[sessionID]
	return at, ok
}

// RemoveTransfer tears down an active transfer, folding its byte count
// into the historical total and firing a terminal event. No-op if absent.
func (r *Registry) RemoveTransfer(sessionID string, outcome Outcome) {
	r.mu.Lock()
	at, ok := r.active[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.active, sessionID)
	r.historicalBytes.Add(at.BytesTransferred.Load())
	r.mu.Unlock()

	r.fireTerminal(TerminalEvent{
		SessionID:        at.SessionID,
		SenderFP:         at.Session.SenderFP,
		ReceiverFP:       at.Session.ReceiverFP,
		Filename:         at.Session.Filename,
		FileSize:         at.Session.FileSize,
		Outcome:          outcome,
		BytesTransferred: at.BytesTransferred.Load(),
		CreatedAt:        at.Session.CreatedAt,
		ClosedAt:         r.now(),
	})
}

// RemoveByConn finds and removes any pending or active entry referencing
// conn. Returns the affected session id and whether it was pending (true)
// or active (false); ok is false if conn was not found in either map.
func (r *Registry) RemoveByConn(conn net.Conn) (sessionID string, wasPending bool, ok bool) {
	r.mu.Lock()
	for id, pc := range r.pending {
		if pc.Conn == conn {
			delete(r.pending, id)
			r.mu.Unlock()
			return id, true, true
		}
	}
	for id, at := range r.active {
		if at.SenderConn == conn || at.ReceiverConn == conn {
			delete(r.active, id)
			r.historicalBytes.Add(at.BytesTransferred.Load())
			r.mu.Unlock()
			r.fireTerminal(TerminalEvent{
				SessionID:        at.SessionID,
				SenderFP:         at.Session.SenderFP,
				ReceiverFP:       at.Session.ReceiverFP,
				Filename:         at.Session.Filename,
				FileSize:         at.Session.FileSize,
				Outcome:          OutcomePeerLost,
				BytesTransferred: at.BytesTransferred.Load(),
				CreatedAt:        at.Session.CreatedAt,
				ClosedAt:         r.now(),
			})
			return id, false, true
		}
	}
	r.mu.Unlock()
	return "", false, false
}

// RemovePending removes a pending connection outright (used when the lone
// half-open side disconnects before a partner arrives).
func (r *Registry) RemovePending(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, sessionID)
}

// MarkAck records role's ack for sessionID and reports whether this call is
// the one that completes the pair. Both the ack flags and the Paired latch
// are read and written under r.mu, so concurrent calls from the sender's
// and receiver's handshake goroutines can never both observe the
// both-acked transition: bothAcked is true for exactly one caller, ever.
func (r *Registry) MarkAck(sessionID string, role Role) (bothAcked bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	at, ok := r.active[sessionID]
	if !ok {
		return false, ErrSessionNotFound
	}

	switch role {
	case RoleSender:
		at.SenderAcked = true
	case RoleReceiver:
		at.ReceiverAcked = true
	}

	if !at.SenderAcked || !at.ReceiverAcked || at.Paired {
		return false, nil
	}
	at.Paired = true
	return true, nil
}

// TotalBytesTransferred sums historical (removed) transfers and all live
// active transfers. Monotone non-decreasing.
func (r *Registry) TotalBytesTransferred() int64 {
	r.mu.Lock()
	live := int64(0)
	for _, at := range r.active {
		live += at.BytesTransferred.Load()
	}
	r.mu.Unlock()
	return r.historicalBytes.Load() + live
}
