package registry

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(id, senderFP, receiverFP string, now time.Time) *Session {
	return &Session{
		ID:         id,
		SenderFP:   senderFP,
		ReceiverFP: receiverFP,
		Filename:   "f",
		FileSize:   100,
		Signature:  "s",
		FileHash:   "h",
		Status:     StatusWaitingReceiver,
		CreatedAt:  now,
		ExpiresAt:  now.Add(120 * time.Second),
	}
}

func TestPutSessionDuplicateRejected(t *testing.T) {
	r := New()
	now := time.Now()
	require.NoError(t, r.PutSession(newTestSession("s1", "A", "B", now)))
	err := r.PutSession(newTestSession("s1", "A", "B", now))
	assert.ErrorIs(t, err, ErrDuplicateSession)
}

func TestGetSessionExpiryIsLazilyReaped(t *testing.T) {
	r := New()
	now := time.Now()
	clock := now
	r.now = func() time.Time { return clock }

	require.NoError(t, r.PutSession(newTestSession("s1", "A", "B", now)))

	clock = now.Add(121 * time.Second)
	_, ok := r.GetSession("s1")
	assert.False(t, ok)

	// Handshake against the same id must also observe it as absent.
	_, ok = r.GetSession("s1")
	assert.False(t, ok)
}

func TestCompleteSessionIdempotent(t *testing.T) {
	r := New()
	now := time.Now()
	require.NoError(t, r.PutSession(newTestSession("s1", "A", "B", now)))

	r.CompleteSession("s1")
	r.CompleteSession("s1") // second call is a no-op, not an error

	s, ok := r.GetSession("s1")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, s.Status)

	r.CompleteSession("absent-id") // no-op on missing id
}

func TestParkReceiverConflict(t *testing.T) {
	r := New()
	w1 := NewWaiter()
	require.NoError(t, r.ParkReceiver("B", w1))

	w2 := NewWaiter()
	err := r.ParkReceiver("B", w2)
	assert.ErrorIs(t, err, ErrConflict)

	// The first waiter is untouched by the rejected second park.
	got, ok := r.UnparkReceiver("B")
	assert.True(t, ok)
	assert.Same(t, w1, got)
}

func TestFindWaitingSessionForPicksEarliestCreated(t *testing.T) {
	r := New()
	now := time.Now()
	older := newTestSession("s-older", "A1", "B", now)
	newer := newTestSession("s-newer", "A2", "B", now.Add(time.Second))

	require.NoError(t, r.PutSession(newer))
	require.NoError(t, r.PutSession(older))

	got, ok := r.FindWaitingSessionFor("B")
	require.True(t, ok)
	assert.Equal(t, "s-older", got.ID)
}

func TestFindWaitingSessionForIgnoresOtherStatusesAndFingerprints(t *testing.T) {
	r := New()
	now := time.Now()
	matched := newTestSession("s1", "A", "B", now)
	matched.Status = StatusMatched
	require.NoError(t, r.PutSession(matched))

	otherFP := newTestSession("s2", "A", "C", now)
	require.NoError(t, r.PutSession(otherFP))

	_, ok := r.FindWaitingSessionFor("B")
	assert.False(t, ok)
}

func TestTimeoutSessionOnlyFiresOnceAndOnlyWhileWaiting(t *testing.T) {
	r := New()
	now := time.Now()
	require.NoError(t, r.PutSession(newTestSession("s1", "A", "B", now)))

	var events []TerminalEvent
	r.OnTerminal(func(ev TerminalEvent) { events = append(events, ev) })

	ok := r.TimeoutSession("s1")
	assert.True(t, ok)

	// Session already removed; a second timeout attempt is a no-op.
	ok = r.TimeoutSession("s1")
	assert.False(t, ok)

	_, present := r.GetSession("s1")
	assert.False(t, present)

	require.Eventually(t, func() bool { return len(events) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, OutcomeTimeout, events[0].Outcome)
}

func TestTimeoutSessionNoopAfterMatch(t *testing.T) {
	r := New()
	now := time.Now()
	s := newTestSession("s1", "A", "B", now)
	require.NoError(t, r.PutSession(s))
	s.Status = StatusMatched

	ok := r.TimeoutSession("s1")
	assert.False(t, ok)
	got, present := r.GetSession("s1")
	require.True(t, present)
	assert.Equal(t, StatusMatched, got.Status)
}

func newPipe() (net.Conn, net.Conn) {
	return net.Pipe()
}

func TestRegisterSocketPendingThenActive(t *testing.T) {
	r := New()
	now := time.Now()
	s := newTestSession("s1", "A", "B", now)
	require.NoError(t, r.PutSession(s))

	senderConn, _ := newPipe()
	defer senderConn.Close()

	pc, at, err := r.RegisterSocket("s1", senderConn, RoleSender, *s, "sender-handler")
	require.NoError(t, err)
	require.NotNil(t, pc)
	assert.Nil(t, at)
	assert.Equal(t, RoleSender, pc.Role)

	receiverConn, _ := newPipe()
	defer receiverConn.Close()

	pc2, at2, err := r.RegisterSocket("s1", receiverConn, RoleReceiver, *s, "receiver-handler")
	require.NoError(t, err)
	assert.Nil(t, pc2)
	require.NotNil(t, at2)
	assert.Same(t, senderConn, at2.SenderConn)
	assert.Same(t, receiverConn, at2.ReceiverConn)
	assert.Equal(t, "sender-handler", at2.SenderHandler)
	assert.Equal(t, "receiver-handler", at2.ReceiverHandler)

	_, nowActive := r.GetActive("s1")
	assert.True(t, nowActive)
}

func TestRegisterSocketDuplicateRoleRejected(t *testing.T) {
	r := New()
	now := time.Now()
	s := newTestSession("s1", "A", "B", now)
	require.NoError(t, r.PutSession(s))

	c1, _ := newPipe()
	defer c1.Close()
	_, _, err := r.RegisterSocket("s1", c1, RoleSender, *s, nil)
	require.NoError(t, err)

	c2, _ := newPipe()
	defer c2.Close()
	pc, at, err := r.RegisterSocket("s1", c2, RoleSender, *s, nil)
	assert.ErrorIs(t, err, ErrDuplicateRole)
	assert.Nil(t, pc)
	assert.Nil(t, at)
}

func TestMarkAckIdempotentAndBothAcked(t *testing.T) {
	r := New()
	now := time.Now()
	s := newTestSession("s1", "A", "B", now)
	require.NoError(t, r.PutSession(s))

	c1, _ := newPipe()
	defer c1.Close()
	c2, _ := newPipe()
	defer c2.Close()
	r.RegisterSocket("s1", c1, RoleSender, *s, nil)
	r.RegisterSocket("s1", c2, RoleReceiver, *s, nil)

	both, err := r.MarkAck("s1", RoleSender)
	require.NoError(t, err)
	assert.False(t, both)

	// Re-acking the same role stays false and does not spuriously pair.
	both, err = r.MarkAck("s1", RoleSender)
	require.NoError(t, err)
	assert.False(t, both)

	both, err = r.MarkAck("s1", RoleReceiver)
	require.NoError(t, err)
	assert.True(t, both)

	// The pair is latched once: a further ack observes Paired already set
	// and does not re-report bothAcked, so exactly one caller ever drives
	// the bridge.
	both, err = r.MarkAck("s1", RoleReceiver)
	require.NoError(t, err)
	assert.False(t, both)
}

func TestMarkAckConcurrentOnlyOneTransitionWins(t *testing.T) {
	r := New()
	now := time.Now()
	s := newTestSession("s1", "A", "B", now)
	require.NoError(t, r.PutSession(s))

	c1, _ := newPipe()
	defer c1.Close()
	c2, _ := newPipe()
	defer c2.Close()
	r.RegisterSocket("s1", c1, RoleSender, *s, nil)
	r.RegisterSocket("s1", c2, RoleReceiver, *s, nil)

	const rounds = 100
	var wins int
	for i := 0; i < rounds; i++ {
		results := make(chan bool, 2)
		go func() { b, _ := r.MarkAck("s1", RoleSender); results <- b }()
		go func() { b, _ := r.MarkAck("s1", RoleReceiver); results <- b }()
		a, b := <-results, <-results
		if a {
			wins++
		}
		if b {
			wins++
		}
		// Reset for the next round.
		r.active["s1"].SenderAcked = false
		r.active["s1"].ReceiverAcked = false
		r.active["s1"].Paired = false
	}
	assert.Equal(t, rounds, wins, "exactly one MarkAck call per round must observe the both-acked transition")
}

func TestMatchReceiverOrParkSenderAndMatchSenderOrParkReceiver(t *testing.T) {
	r := New()
	now := time.Now()

	// No receiver parked yet: sender parks.
	s := newTestSession("s1", "A", "B", now)
	require.NoError(t, r.PutSession(s))
	senderWaiter := NewWaiter()
	rw, matched := r.MatchReceiverOrParkSender(s, senderWaiter)
	assert.False(t, matched)
	assert.Nil(t, rw)

	// A Listen for the same fingerprint now finds and unparks the sender.
	receiverWaiter := NewWaiter()
	matchedSess, sw, err := r.MatchSenderOrParkReceiver("B", receiverWaiter)
	require.NoError(t, err)
	require.NotNil(t, matchedSess)
	assert.Equal(t, "s1", matchedSess.ID)
	assert.Same(t, senderWaiter, sw)
	assert.Equal(t, StatusMatched, matchedSess.Status)

	// The sender waiter was removed: a second Listen for B parks instead.
	receiverWaiter2 := NewWaiter()
	matchedSess2, sw2, err := r.MatchSenderOrParkReceiver("B", receiverWaiter2)
	require.NoError(t, err)
	assert.Nil(t, matchedSess2)
	assert.Nil(t, sw2)

	// A third Listen for B conflicts with the now-parked receiverWaiter2.
	receiverWaiter3 := NewWaiter()
	_, _, err = r.MatchSenderOrParkReceiver("B", receiverWaiter3)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMarkAckUnknownSession(t *testing.T) {
	r := New()
	_, err := r.MarkAck("nope", RoleSender)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRemoveTransferFoldsBytesIntoHistoricalTotal(t *testing.T) {
	r := New()
	now := time.Now()
	s := newTestSession("s1", "A", "B", now)
	require.NoError(t, r.PutSession(s))

	c1, _ := newPipe()
	defer c1.Close()
	c2, _ := newPipe()
	defer c2.Close()
	_, at, err := func() (*PendingConnection, *ActiveTransfer, error) {
		r.RegisterSocket("s1", c1, RoleSender, *s, nil)
		return r.RegisterSocket("s1", c2, RoleReceiver, *s, nil)
	}()
	require.NoError(t, err)
	at.BytesTransferred.Store(1024)

	r.RemoveTransfer("s1", OutcomeCompleted)
	assert.Equal(t, int64(1024), r.TotalBytesTransferred())

	_, ok := r.GetActive("s1")
	assert.False(t, ok)

	// Idempotent: removing again is a no-op, total unchanged.
	r.RemoveTransfer("s1", OutcomeCompleted)
	assert.Equal(t, int64(1024), r.TotalBytesTransferred())
}

func TestRemoveByConnHandlesPendingAndActive(t *testing.T) {
	r := New()
	now := time.Now()
	s := newTestSession("s1", "A", "B", now)
	require.NoError(t, r.PutSession(s))

	pendingConn, _ := newPipe()
	defer pendingConn.Close()
	r.RegisterSocket("s1", pendingConn, RoleSender, *s, nil)

	id, wasPending, ok := r.RemoveByConn(pendingConn)
	require.True(t, ok)
	assert.True(t, wasPending)
	assert.Equal(t, "s1", id)

	_, _, ok = r.RemoveByConn(pendingConn)
	assert.False(t, ok)

	s2 := newTestSession("s2", "A", "B", now)
	require.NoError(t, r.PutSession(s2))
	c1, _ := newPipe()
	defer c1.Close()
	c2, _ := newPipe()
	defer c2.Close()
	r.RegisterSocket("s2", c1, RoleSender, *s2, nil)
	r.RegisterSocket("s2", c2, RoleReceiver, *s2, nil)

	var events []TerminalEvent
	r.OnTerminal(func(ev TerminalEvent) { events = append(events, ev) })

	id2, wasPending2, ok2 := r.RemoveByConn(c1)
	require.True(t, ok2)
	assert.False(t, wasPending2)
	assert.Equal(t, "s2", id2)

	require.Eventually(t, func() bool { return len(events) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, OutcomePeerLost, events[0].Outcome)
}
