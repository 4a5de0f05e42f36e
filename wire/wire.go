// Package wire implements the Wire Framer: length-prefixed byte framing
// over a reliable stream. One frame is one protocol datagram; the framer
// never interprets the frame body.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/onionmesh/onionmesh/distrimerr"
)

// MaxFrameLen bounds the length a peer may claim for an incoming frame,
// guarding against a hostile or corrupt LENGTH field forcing an
// unbounded allocation.
const MaxFrameLen = 16 * 1024 * 1024

// Conn wraps a net.Conn with frame-oriented Send/Receive and a per-call
// timeout, mirroring the original SocketWrapper's send/receive contract.
type Conn struct {
	nc      net.Conn
	timeout time.Duration
}

// New wraps an already-connected net.Conn.
func New(nc net.Conn, timeout time.Duration) *Conn {
	return &Conn{nc: nc, timeout: timeout}
}

// Dial connects to addr and wraps the resulting connection.
func Dial(addr string, timeout time.Duration) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, distrimerr.Wrap(distrimerr.SockWrap, err, "connect to %s", addr)
	}
	return New(nc, timeout), nil
}

// Close shuts down the underlying connection. Errors closing a socket are
// swallowed per the error handling design (best-effort teardown).
func (c *Conn) Close() {
	_ = c.nc.Close()
}

// RemoteAddr returns the address of the connected peer.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Send writes one frame: a 4-byte big-endian length followed by body.
// Partial writes are retried until the full frame has been sent.
func (c *Conn) Send(body []byte) error {
	if err := c.nc.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return distrimerr.Wrap(distrimerr.SockWrap, err, "set write deadline")
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))

	if _, err := writeFull(c.nc, hdr[:]); err != nil {
		return distrimerr.Wrap(distrimerr.SockWrap, err, "send frame header")
	}
	if _, err := writeFull(c.nc, body); err != nil {
		return distrimerr.Wrap(distrimerr.SockWrap, err, "send frame body")
	}
	return nil
}

// Receive reads exactly one frame: 4-byte length, then that many body
// bytes.
func (c *Conn) Receive() ([]byte, error) {
	if err := c.nc.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, distrimerr.Wrap(distrimerr.SockWrap, err, "set read deadline")
	}

	var hdr [4]byte
	if _, err := io.ReadFull(c.nc, hdr[:]); err != nil {
		return nil, distrimerr.Wrap(distrimerr.SockWrap, err, "read frame header")
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length > MaxFrameLen {
		return nil, distrimerr.New(distrimerr.SockWrap, "frame length %d exceeds max %d", length, MaxFrameLen)
	}

	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(c.nc, body); err != nil {
			return nil, distrimerr.Wrap(distrimerr.SockWrap, err, "read frame body")
		}
	}
	return body, nil
}

// writeFull retries partial writes until all of p has been sent or an
// error occurs, matching the SocketWrapper.send retry loop.
func writeFull(w io.Writer, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := w.Write(p[total:])
		if err != nil {
			return total, fmt.Errorf("partial write at %d/%d: %w", total, len(p), err)
		}
		total += n
	}
	return total, nil
}
