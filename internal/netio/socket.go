// Package netio wraps a UDP socket with the bind/recv/send contract spec §4.B
// requires: a bounded receive buffer, a recv call that reports ordinary
// timeouts as "no message" rather than an error, and a send that treats a
// partial write as a failure.
package netio

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/snackerengine/serp/internal/wire"
)

// ServerPort is SERP's well-known relay port.
const ServerPort = 33333

const (
	clientPortMin   = 49152
	clientPortMax   = 65535
	clientBindTries = 10
)

// ErrSendTruncated is returned when fewer bytes were written than requested.
var ErrSendTruncated = errors.New("netio: partial send")

// Socket is a bound UDP endpoint with a fixed-size scratch receive buffer.
type Socket struct {
	conn    *net.UDPConn
	timeout time.Duration
	buf     [wire.MaxPacket]byte
}

// ListenServer binds to 0.0.0.0:33333, the relay's well-known port.
func ListenServer(recvTimeout time.Duration) (*Socket, error) {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: ServerPort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("netio: listen server port %d: %w", ServerPort, err)
	}
	return &Socket{conn: conn, timeout: recvTimeout}, nil
}

// ListenClient binds to a random ephemeral port in 49152..=65535, retrying
// on bind conflicts up to clientBindTries times.
func ListenClient(recvTimeout time.Duration) (*Socket, error) {
	var lastErr error
	for i := 0; i < clientBindTries; i++ {
		port := clientPortMin + rand.Intn(clientPortMax-clientPortMin+1)
		addr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
		conn, err := net.ListenUDP("udp", addr)
		if err == nil {
			return &Socket{conn: conn, timeout: recvTimeout}, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("netio: failed to bind ephemeral client port after %d attempts: %w", clientBindTries, lastErr)
}

// LocalAddr returns the socket's bound address.
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Recv blocks for up to the socket's configured timeout waiting for a
// datagram. It returns (0, nil, nil) on timeout — not an error — and the
// number of bytes plus sender address on success. Any other socket error is
// returned as-is for the caller to log and continue.
func (s *Socket) Recv() (n int, addr *net.UDPAddr, err error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
		return 0, nil, fmt.Errorf("netio: set read deadline: %w", err)
	}
	n, addr, err = s.conn.ReadFromUDP(s.buf[:])
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, nil, nil
		}
		return 0, nil, err
	}
	return n, addr, nil
}

// Buffer returns the scratch buffer the last Recv populated; valid only
// until the next Recv call.
func (s *Socket) Buffer() []byte { return s.buf[:] }

// Send writes buf to addr in a single datagram. A short write is reported as
// ErrSendTruncated.
func (s *Socket) Send(addr *net.UDPAddr, buf []byte) error {
	n, err := s.conn.WriteToUDP(buf, addr)
	if err != nil {
		return fmt.Errorf("netio: send to %s: %w", addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("netio: send to %s: %w (%d of %d bytes)", addr, ErrSendTruncated, n, len(buf))
	}
	return nil
}

// Close releases the underlying socket.
func (s *Socket) Close() error { return s.conn.Close() }
