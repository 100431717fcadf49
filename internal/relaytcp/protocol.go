package relaytcp

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Wire protocol: three newline-terminated lines, then opaque bytes.
const (
	handshakeLineSep = ":"
	readyLine        = "READY"
	ackLine          = "ACK"
)

// Timeouts and buffer sizes for the data-plane socket, matching spec.md §6.
const (
	handshakeTimeout    = 10 * time.Second
	ackReadTimeout      = 30 * time.Second
	controlWriteTimeout = 10 * time.Second
	partnerPollInterval = 200 * time.Millisecond

	// bridgeBufferSize is the io.CopyBuffer scratch size once a pair is
	// Paired. 256KB keeps bulk transfers from being buffer-bound without
	// imposing any framing on the relayed bytes.
	bridgeBufferSize = 256 * 1024

	// socketBufferSize is the SO_SNDBUF/SO_RCVBUF size set on every
	// accepted connection.
	socketBufferSize = 2 * 1024 * 1024

	// DefaultSocketPort is socketPort from spec.md §6.
	DefaultSocketPort = 10000
	// DefaultBacklog is the configurable TCP backlog default.
	DefaultBacklog = 128
)

// sendLine writes a single newline-terminated control message.
func sendLine(conn net.Conn, line string) error {
	conn.SetWriteDeadline(time.Now().Add(controlWriteTimeout))
	_, err := fmt.Fprintf(conn, "%s\n", line)
	return err
}

// parseHandshake splits "<session_id>:<role>" from the first protocol line.
// The session id itself never contains ':', so splitting on the last
// occurrence is unambiguous and tolerant of an id containing none.
func parseHandshake(line string) (sessionID string, role string, err error) {
	line = strings.TrimRight(line, "\r\n")
	idx := strings.LastIndex(line, handshakeLineSep)
	if idx < 0 {
		return "", "", fmt.Errorf("missing %q separator", handshakeLineSep)
	}
	sessionID = line[:idx]
	role = line[idx+1:]
	if sessionID == "" {
		return "", "", fmt.Errorf("empty session id")
	}
	if role != "sender" && role != "receiver" {
		return "", "", fmt.Errorf("unknown role %q", role)
	}
	return sessionID, role, nil
}

// optimizeTCPConn sets the socket options spec.md §6 requires on every
// accepted connection: keepalive, no-delay, and 2MiB send/receive buffers.
func optimizeTCPConn(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	tc.SetNoDelay(true)
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(30 * time.Second)
	tc.SetReadBuffer(socketBufferSize)
	tc.SetWriteBuffer(socketBufferSize)
}

// formatBytes renders a byte count for log lines.
func formatBytes(b int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1fGB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1fMB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.1fKB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%dB", b)
	}
}
