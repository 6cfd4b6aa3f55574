// Package sniff classifies a new client connection by peeking its
// first bytes for a TLS ClientHello SNI or an HTTP Host header, without
// consuming them from the stream (spec.md §4.5, §9).
package sniff

import "net"

// PeekConn wraps a net.Conn so its first bytes can be inspected and
// then replayed to downstream readers — MSG_PEEK isn't portable in Go,
// so this buffers reads instead (spec.md §9).
type PeekConn struct {
	net.Conn
	buf []byte // unread bytes already pulled off the wire
}

// NewPeekConn wraps conn for peeking.
func NewPeekConn(conn net.Conn) *PeekConn {
	return &PeekConn{Conn: conn}
}

// Peek returns a view of up to n buffered bytes without consuming them.
// When fewer than n bytes are buffered it performs one Read off the wire
// first, so it never waits for more than a single Read delivers; it
// returns an error only when nothing at all is buffered.
func (p *PeekConn) Peek(n int) ([]byte, error) {
	if len(p.buf) < n {
		chunk := make([]byte, n-len(p.buf))
		m, err := p.Conn.Read(chunk)
		if m > 0 {
			p.buf = append(p.buf, chunk[:m]...)
		}
		if err != nil && len(p.buf) == 0 {
			return nil, err
		}
	}
	if len(p.buf) < n {
		return p.buf, nil
	}
	return p.buf[:n], nil
}

// Read drains the peeked buffer first, then falls through to the
// underlying connection — this is what makes peeking non-destructive
// to downstream consumers (spec.md §8 property 7).
func (p *PeekConn) Read(b []byte) (int, error) {
	if len(p.buf) > 0 {
		n := copy(b, p.buf)
		p.buf = p.buf[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}
