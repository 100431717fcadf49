// Package relaytcp implements the data-plane TCP relay of spec.md §4.3: a
// listener that pairs connections by session id, drives the READY/ACK
// handshake, and streams bytes bidirectionally once both sides are paired.
package relaytcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/filebridge/relay/internal/registry"
)

// Server accepts raw TCP connections and runs the per-connection handshake
// state machine described in spec.md §4.3, sharing a SessionRegistry with
// the rendezvous service.
type Server struct {
	port     int
	reg      *registry.Registry
	listener net.Listener

	totalSessions atomic.Int64
}

// NewServer creates a relay server bound to reg, listening on port (0 uses
// DefaultSocketPort).
func NewServer(reg *registry.Registry, port int) *Server {
	if port <= 0 {
		port = DefaultSocketPort
	}
	return &Server{port: port, reg: reg}
}

// Start listens and accepts connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("[relaytcp] failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	RelayLog("[relaytcp] listening on port %d", s.port)

	go s.statsLoop(ctx)
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				RelayLog("[relaytcp] shutting down")
				return nil
			default:
				RelayLog("[relaytcp] accept error: %v", err)
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			RelayLog("[relaytcp] stats: total_sessions=%d bytes_relayed=%s",
				s.totalSessions.Load(), formatBytes(s.reg.TotalBytesTransferred()))
		}
	}
}

// connHandler is the handler reference spec.md §3 names in PendingConnection
// and ActiveTransfer: it holds everything one side of a pair needs once the
// other side shows up, without the registry ever touching payload bytes.
type connHandler struct {
	sessionID string
	role      registry.Role
	conn      net.Conn
	reader    *bufio.Reader

	// pendingBuf retains bytes observed while AwaitPartner, before this
	// side even knows its partner's identity. afterHandshake splices it
	// ahead of reader before reading the ACK line, so arrival order is
	// preserved.
	pendingBuf bytes.Buffer

	// promoted fires once, when this connection's pending entry is
	// promoted to an ActiveTransfer by the partner's arrival.
	promoted chan *registry.ActiveTransfer
	// acked fires once, when the partner has sent its own ACK after this
	// side already had (bothAcked observed by the other goroutine).
	acked chan struct{}
}

func newConnHandler(sessionID string, role registry.Role, conn net.Conn, reader *bufio.Reader) *connHandler {
	return &connHandler{
		sessionID: sessionID,
		role:      role,
		conn:      conn,
		reader:    reader,
		promoted:  make(chan *registry.ActiveTransfer, 1),
		acked:     make(chan struct{}, 1),
	}
}

func partnerHandler(at *registry.ActiveTransfer, h *connHandler) *connHandler {
	if h.role == registry.RoleSender {
		return at.ReceiverHandler.(*connHandler)
	}
	return at.SenderHandler.(*connHandler)
}

// handleConnection owns conn for its entire lifetime: AwaitHandshake through
// Closing, per spec.md §4.3.
func (s *Server) handleConnection(conn net.Conn) {
	optimizeTCPConn(conn)
	reader := bufio.NewReaderSize(conn, 4096)

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	line, err := reader.ReadString('\n')
	if err != nil {
		RelayLog("[relaytcp] handshake read failed from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	sessionID, roleStr, err := parseHandshake(line)
	if err != nil {
		RelayLog("[relaytcp] malformed handshake from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	role := registry.Role(roleStr)

	sess, ok := s.reg.GetSession(sessionID)
	if !ok {
		RelayLog("[relaytcp] handshake for unknown or expired session %s from %s", sessionID, conn.RemoteAddr())
		conn.Close()
		return
	}

	h := newConnHandler(sessionID, role, conn, reader)

	pc, at, err := s.reg.RegisterSocket(sessionID, conn, role, *sess, h)
	switch {
	case errors.Is(err, registry.ErrDuplicateRole):
		RelayLog("[relaytcp] duplicate %s for session %s from %s", role, sessionID, conn.RemoteAddr())
		conn.Close()
		return

	case at != nil:
		// This connection is the partner that completes the pair.
		partner := partnerHandler(at, h)
		if err := sendLine(at.SenderConn, readyLine); err != nil {
			RelayLog("[relaytcp] session %s: failed to send READY to sender: %v", sessionID, err)
		}
		if err := sendLine(at.ReceiverConn, readyLine); err != nil {
			RelayLog("[relaytcp] session %s: failed to send READY to receiver: %v", sessionID, err)
		}
		s.totalSessions.Add(1)
		partner.promoted <- at
		s.afterHandshake(h, at, partner)

	case pc != nil:
		at, ok := s.awaitPartner(h)
		if !ok {
			return
		}
		partner := partnerHandler(at, h)
		s.afterHandshake(h, at, partner)
	}
}

// awaitPartner blocks this connection in AwaitPartner, retaining any bytes
// the client sends early (spec.md §4.3 state 2) until the partner arrives or
// this connection is lost.
func (s *Server) awaitPartner(h *connHandler) (*registry.ActiveTransfer, bool) {
	scratch := make([]byte, 4096)
	for {
		select {
		case at := <-h.promoted:
			return at, true
		default:
		}

		h.conn.SetReadDeadline(time.Now().Add(partnerPollInterval))
		n, err := h.reader.Read(scratch)
		if n > 0 {
			h.pendingBuf.Write(scratch[:n])
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			RelayLog("[relaytcp] session %s: %s lost while awaiting partner: %v", h.sessionID, h.role, err)
			s.reg.RemoveByConn(h.conn)
			h.conn.Close()
			return nil, false
		}
	}
}

// afterHandshake drives AwaitAck for h: reads its ACK line, marks it, and
// either becomes the sole owner of the Paired bridge (if both sides have now
// acked) or waits for the partner to reach that point (spec.md §4.3 state 3).
func (s *Server) afterHandshake(h *connHandler, at *registry.ActiveTransfer, partner *connHandler) {
	// The client's ACK may already sit in pendingBuf if it arrived while
	// awaitPartner was still polling; read it (and anything after it) first.
	if h.pendingBuf.Len() > 0 {
		early := bytes.NewReader(append([]byte(nil), h.pendingBuf.Bytes()...))
		h.pendingBuf.Reset()
		h.reader = bufio.NewReader(io.MultiReader(early, h.reader))
	}

	h.conn.SetReadDeadline(time.Now().Add(ackReadTimeout))
	line, err := h.reader.ReadString('\n')
	if err != nil {
		RelayLog("[relaytcp] session %s: %s ack read failed: %v", at.SessionID, h.role, err)
		s.reg.RemoveByConn(h.conn)
		h.conn.Close()
		return
	}
	h.conn.SetReadDeadline(time.Time{})

	if trimmed := trimLine(line); trimmed != ackLine {
		RelayLog("[relaytcp] session %s: %s sent non-ACK %q, closing", at.SessionID, h.role, trimmed)
		s.reg.RemoveByConn(h.conn)
		h.conn.Close()
		return
	}

	bothAcked, err := s.reg.MarkAck(at.SessionID, h.role)
	if err != nil {
		h.conn.Close()
		return
	}

	if !bothAcked {
		select {
		case <-h.acked:
			// partner observed bothAcked and now owns the bridge
		case <-time.After(ackReadTimeout):
			RelayLog("[relaytcp] session %s: %s timed out waiting for partner's ack", at.SessionID, h.role)
			s.reg.RemoveByConn(h.conn)
			h.conn.Close()
		}
		return
	}

	// MarkAck already latched at.Paired under the registry lock; this
	// caller is the sole owner of the bridge below.
	select {
	case partner.acked <- struct{}{}:
	default:
	}

	var senderH, receiverH *connHandler
	if h.role == registry.RoleSender {
		senderH, receiverH = h, partner
	} else {
		senderH, receiverH = partner, h
	}
	s.runBridge(at, senderH, receiverH)
}

// runBridge implements spec.md §4.3 state 4 (Paired) and state 5 (Closing):
// bidirectional byte copy with a shared buffer, then teardown. Exactly one
// goroutine (the second side to ACK) calls this, and owns both connHandlers
// for the remainder of the transfer.
func (s *Server) runBridge(at *registry.ActiveTransfer, senderH, receiverH *connHandler) {
	var closeOnce sync.Once
	closeBoth := func() (didClose bool) {
		closeOnce.Do(func() {
			didClose = true
			senderH.conn.Close()
			receiverH.conn.Close()
		})
		return didClose
	}

	var lost atomic.Bool
	done := make(chan struct{}, 2)

	go s.copyDirection(senderH, receiverH, at, closeBoth, &lost, done)
	go s.copyDirection(receiverH, senderH, at, closeBoth, &lost, done)

	<-done
	<-done

	outcome := registry.OutcomeCompleted
	if lost.Load() {
		outcome = registry.OutcomePeerLost
	}
	s.reg.RemoveTransfer(at.SessionID, outcome)
	RelayLog("[relaytcp] session %s closed: %s transferred (outcome=%s)",
		at.SessionID, formatBytes(at.BytesTransferred.Load()), outcome)
}

// copyDirection forwards everything read from src (its pendingBuf first,
// then any bytes still buffered or yet to arrive) to dst, in arrival order.
func (s *Server) copyDirection(src, dst *connHandler, at *registry.ActiveTransfer, closeBoth func() bool, lost *atomic.Bool, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	buf := make([]byte, bridgeBufferSize)
	source := io.MultiReader(bytes.NewReader(src.pendingBuf.Bytes()), src.reader)
	_, err := io.CopyBuffer(&countingWriter{w: dst.conn, counter: &at.BytesTransferred}, source, buf)

	if tc, ok := dst.conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}

	first := closeBoth()
	if first && err != nil {
		lost.Store(true)
	}
}

// countingWriter wraps a connection so every forwarded byte is folded into
// an ActiveTransfer's bytes_transferred counter via an atomic add.
type countingWriter struct {
	w       io.Writer
	counter *atomic.Int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.counter.Add(int64(n))
	}
	return n, err
}

func trimLine(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
