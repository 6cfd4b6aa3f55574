package egress

import (
	"errors"
	"net"

	"github.com/xxnet/xxnet-go/internal/policy"
)

// GAEHandler is the external CDN-fronted handler spec.md §1's
// Non-goals excludes from this module: "the Smart Router only needs
// to invoke it and interpret its exceptions." Handle is expected to
// fake-CA-wrap conn for host, parse one HTTP/1.x request, serve it,
// and return one of the sentinel errors below on the documented
// failure paths; on ErrNotSupported it must have already re-serialized
// the parsed request back onto conn so a socks retry can re-read it.
type GAEHandler interface {
	Handle(conn net.Conn, host string, leftBuf []byte) error
}

type peeker interface {
	Peek(n int) ([]byte, error)
}

// GAE implements the gae adapter: refuse to fake a CA for a TLS-like
// connection to a foreign host unless enable_fake_ca is set; otherwise
// delegate to Handler and interpret its result (spec.md §4.7).
type GAE struct {
	Handler      GAEHandler
	EnableFakeCA bool
	FakeHost     string
	DomainCache  policy.DomainCache
	// RetrySocks handles the NotSupported fallback: do_unwrap_socks
	// through the x-tunnel socks port, per spec.md §4.7.
	RetrySocks *Socks
}

// Handle implements Adapter.
func (g *GAE) Handle(conn net.Conn, host string, port int, leftBuf []byte) Result {
	lead, ok := leadByte(conn, leftBuf)
	if ok && (lead == 0x16 || lead == 0x80) && host != g.FakeHost && !g.EnableFakeCA {
		return tryNext(ErrDontFakeCA)
	}

	err := g.Handler.Handle(conn, host, leftBuf)
	if err == nil {
		return handled()
	}

	if errors.Is(err, ErrNotSupported) && g.RetrySocks != nil {
		return g.RetrySocks.Handle(conn, host, port, nil)
	}

	if g.DomainCache != nil {
		g.DomainCache.ReportGAEDeny(host)
	}
	_ = conn.Close()
	return handled()
}

func leadByte(conn net.Conn, leftBuf []byte) (byte, bool) {
	if len(leftBuf) > 0 {
		return leftBuf[0], true
	}
	if p, ok := conn.(peeker); ok {
		b, err := p.Peek(1)
		if err == nil && len(b) > 0 {
			return b[0], true
		}
	}
	return 0, false
}
