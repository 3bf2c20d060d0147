package anidb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// Transport relays raw datagrams. It knows nothing about the protocol.
type Transport interface {
	// Send writes one datagram
	Send(ctx context.Context, data []byte) error
	// Receive waits up to timeout for one datagram and returns ErrTimeout when none arrives
	Receive(timeout time.Duration) ([]byte, error)
	Close() error
}

// UDPTransport is a Transport over a connected UDP socket. A TransportFailure
// leaves the socket unusable; recover by dialing a new one.
type UDPTransport struct {
	conn *net.UDPConn
	buf  []byte
}

// DialUDP connects to the AniDB endpoint. AniDB keys sessions on the source
// port, so localPort should be fixed in long-running processes (0 picks one).
func DialUDP(host string, port, localPort int) (*UDPTransport, error) {
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return nil, newError(KindTransportFailure, "dial", 0, "failed to resolve server address", err)
	}

	var laddr *net.UDPAddr
	if localPort > 0 {
		laddr = &net.UDPAddr{Port: localPort}
	}

	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, newError(KindTransportFailure, "dial", 0, "failed to open socket", err)
	}

	return &UDPTransport{conn: conn, buf: make([]byte, MaxDatagramSize*2)}, nil
}

// Send writes data to the server
func (t *UDPTransport) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
	} else {
		t.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := t.conn.Write(data); err != nil {
		return newError(KindTransportFailure, "send", 0, "", err)
	}
	return nil
}

// Receive reads one datagram. Only the client's read loop calls it.
func (t *UDPTransport) Receive(timeout time.Duration) ([]byte, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, newError(KindTransportFailure, "receive", 0, "", err)
	}

	n, err := t.conn.Read(t.buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, newError(KindTransportFailure, "receive", 0, "", err)
	}

	data := make([]byte, n)
	copy(data, t.buf[:n])
	return data, nil
}

// Close closes the socket
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}
