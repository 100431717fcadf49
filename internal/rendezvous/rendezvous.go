// Package rendezvous implements the blocking Initiate/Listen request-
// response service described in spec.md §4.2: it parks a caller until its
// counterpart arrives on the same receiver fingerprint, then wakes both
// with a shared Session.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/filebridge/relay/internal/registry"
)

// DefaultBlockingTimeout is BLOCKING_TIMEOUT from spec.md §4.2/§5.
const DefaultBlockingTimeout = 30 * time.Second

// DefaultSessionTTL is the session expiry window from spec.md §3.
const DefaultSessionTTL = 120 * time.Second

// ErrTimeout means no counterpart arrived within the blocking timeout.
var ErrTimeout = errors.New("rendezvous: timed out waiting for counterpart")

// ErrConflict means a Listen arrived for a receiver fingerprint that
// already has one parked (spec.md §9 Open Question, decision (a)).
var ErrConflict = registry.ErrConflict

// InvalidArgumentError names the first request field that failed
// validation, for the HTTP 400 message spec.md §7 requires.
type InvalidArgumentError struct {
	Field string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument: %s must be set", e.Field)
}

// Service implements Initiate and Listen over a shared registry.
type Service struct {
	reg             *registry.Registry
	blockingTimeout time.Duration
	sessionTTL      time.Duration
	now             func() time.Time
	newID           func() string
}

// Option configures a Service.
type Option func(*Service)

// WithBlockingTimeout overrides BLOCKING_TIMEOUT (default 30s).
func WithBlockingTimeout(d time.Duration) Option {
	return func(s *Service) { s.blockingTimeout = d }
}

// WithSessionTTL overrides the session expiry window (default 120s).
func WithSessionTTL(d time.Duration) Option {
	return func(s *Service) { s.sessionTTL = d }
}

// New creates a rendezvous Service backed by reg.
func New(reg *registry.Registry, opts ...Option) *Service {
	s := &Service{
		reg:             reg,
		blockingTimeout: DefaultBlockingTimeout,
		sessionTTL:      DefaultSessionTTL,
		now:             time.Now,
		newID:           func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initiate is the sender-side rendezvous call of spec.md §4.2.
func (s *Service) Initiate(ctx context.Context, senderFP, receiverFP, filename string, fileSize int64, signature, fileHash string) (*registry.Session, error) {
	if senderFP == "" {
		return nil, &InvalidArgumentError{Field: "senderFp"}
	}
	if receiverFP == "" {
		return nil, &InvalidArgumentError{Field: "receiverFp"}
	}
	if filename == "" {
		return nil, &InvalidArgumentError{Field: "filename"}
	}
	if signature == "" {
		return nil, &InvalidArgumentError{Field: "signature"}
	}
	if fileHash == "" {
		return nil, &InvalidArgumentError{Field: "fileHash"}
	}
	if fileSize < 0 {
		return nil, &InvalidArgumentError{Field: "fileSize"}
	}

	now := s.now()
	sess := &registry.Session{
		ID:         s.newID(),
		SenderFP:   senderFP,
		ReceiverFP: receiverFP,
		Filename:   filename,
		FileSize:   fileSize,
		Signature:  signature,
		FileHash:   fileHash,
		Status:     registry.StatusWaitingReceiver,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.sessionTTL),
	}
	if err := s.reg.PutSession(sess); err != nil {
		return nil, err
	}

	// Check for a parked receiver and park ourselves as the sender waiter
	// in one registry critical section (spec.md §4.2 step 2) — otherwise a
	// Listen racing in between the check and the park could park too, and
	// neither side would ever wake the other.
	w := registry.NewWaiter()
	if rw, matched := s.reg.MatchReceiverOrParkSender(sess, w); matched {
		rw.Complete(sess) // wake Listen before anyone else can observe a match
		return sess, nil
	}

	// One-shot timeout timer, per spec.md §4.2 step 3.
	go func() {
		timer := time.NewTimer(s.blockingTimeout)
		defer timer.Stop()
		<-timer.C
		if waiter, ok := s.reg.UnparkSender(sess.ID); ok {
			waiter.Reject(ErrTimeout)
			s.reg.TimeoutSession(sess.ID)
		}
	}()

	select {
	case res := <-w.Chan():
		return res.Session, res.Err
	case <-ctx.Done():
		if waiter, ok := s.reg.UnparkSender(sess.ID); ok {
			waiter.Reject(ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// Listen is the receiver-side rendezvous call of spec.md §4.2.
func (s *Service) Listen(ctx context.Context, receiverFP string) (*registry.Session, error) {
	if receiverFP == "" {
		return nil, &InvalidArgumentError{Field: "receiverFp"}
	}

	// Find a waiting session and park ourselves as the receiver waiter in
	// one registry critical section (spec.md §4.2 step 2) — see Initiate
	// for why this must not be two separately-locked operations.
	w := registry.NewWaiter()
	sess, sw, err := s.reg.MatchSenderOrParkReceiver(receiverFP, w)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		sw.Complete(sess) // wake Initiate before anyone else can observe a match
		return sess, nil
	}

	go func() {
		timer := time.NewTimer(s.blockingTimeout)
		defer timer.Stop()
		<-timer.C
		if waiter, ok := s.reg.UnparkReceiver(receiverFP); ok {
			waiter.Reject(ErrTimeout)
		}
	}()

	select {
	case res := <-w.Chan():
		return res.Session, res.Err
	case <-ctx.Done():
		if waiter, ok := s.reg.UnparkReceiver(receiverFP); ok {
			waiter.Reject(ctx.Err())
		}
		return nil, ctx.Err()
	}
}
