package relaytcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filebridge/relay/internal/registry"
)

// startTestServer runs a Server on an OS-assigned port and returns its
// registry, the chosen port, and a cancel func to stop it.
func startTestServer(t *testing.T) (*registry.Registry, int, context.CancelFunc) {
	t.Helper()
	reg := registry.New()
	s := NewServer(reg, 0)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.listener = ln
	port := ln.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.handleConnection(conn)
		}
	}()

	return reg, port, cancel
}

func putSession(t *testing.T, reg *registry.Registry, id string) *registry.Session {
	t.Helper()
	now := time.Now()
	sess := &registry.Session{
		ID: id, SenderFP: "A", ReceiverFP: "B", Filename: "f", FileSize: 5,
		Signature: "s", FileHash: "h", Status: registry.StatusMatched,
		CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}
	require.NoError(t, reg.PutSession(sess))
	return sess
}

func dialAndHandshake(t *testing.T, port int, sessionID, role string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	_, err = fmt.Fprintf(conn, "%s:%s\n", sessionID, role)
	require.NoError(t, err)
	return conn, bufio.NewReader(conn)
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return trimLine(line)
}

func TestFullTransfer(t *testing.T) {
	reg, port, cancel := startTestServer(t)
	defer cancel()
	putSession(t, reg, "s1")

	senderConn, senderR := dialAndHandshake(t, port, "s1", "sender")
	defer senderConn.Close()
	receiverConn, receiverR := dialAndHandshake(t, port, "s1", "receiver")
	defer receiverConn.Close()

	assert.Equal(t, readyLine, readLine(t, senderR))
	assert.Equal(t, readyLine, readLine(t, receiverR))

	fmt.Fprintf(senderConn, "%s\n", ackLine)
	fmt.Fprintf(receiverConn, "%s\n", ackLine)

	payload := []byte("hello")
	_, err := senderConn.Write(payload)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	_, err = io.ReadFull(receiverR, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf)

	senderConn.Close()

	_, err = receiverR.ReadByte()
	assert.Error(t, err)

	require.Eventually(t, func() bool {
		_, ok := reg.GetActive("s1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestPreAckPayloadIsPreserved(t *testing.T) {
	reg, port, cancel := startTestServer(t)
	defer cancel()
	putSession(t, reg, "s2")

	senderConn, senderR := dialAndHandshake(t, port, "s2", "sender")
	defer senderConn.Close()
	receiverConn, receiverR := dialAndHandshake(t, port, "s2", "receiver")
	defer receiverConn.Close()

	assert.Equal(t, readyLine, readLine(t, senderR))
	assert.Equal(t, readyLine, readLine(t, receiverR))

	// Sender sends its ACK immediately followed by payload bytes, in the
	// same write, before the receiver has acked at all.
	fmt.Fprintf(senderConn, "%s\nearly-bytes", ackLine)

	time.Sleep(50 * time.Millisecond)
	fmt.Fprintf(receiverConn, "%s\n", ackLine)

	buf := make([]byte, len("early-bytes"))
	_, err := io.ReadFull(receiverR, buf)
	require.NoError(t, err)
	assert.Equal(t, "early-bytes", string(buf))
}

func TestPeerDropMidTransferClosesOtherSide(t *testing.T) {
	reg, port, cancel := startTestServer(t)
	defer cancel()
	putSession(t, reg, "s3")

	senderConn, senderR := dialAndHandshake(t, port, "s3", "sender")
	defer senderConn.Close()
	receiverConn, receiverR := dialAndHandshake(t, port, "s3", "receiver")

	assert.Equal(t, readyLine, readLine(t, senderR))
	assert.Equal(t, readyLine, readLine(t, receiverR))

	fmt.Fprintf(senderConn, "%s\n", ackLine)
	fmt.Fprintf(receiverConn, "%s\n", ackLine)

	time.Sleep(20 * time.Millisecond)
	receiverConn.Close()

	senderConn.SetReadDeadline(time.Now().Add(time.Second))
	_, err := senderR.ReadByte()
	assert.Error(t, err)

	require.Eventually(t, func() bool {
		_, ok := reg.GetActive("s3")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestHandshakeRejectedForUnknownSession(t *testing.T) {
	_, port, cancel := startTestServer(t)
	defer cancel()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "%s:%s\n", "never-existed", "sender")

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err) // connection closed, no READY sent
}
