package egress

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
)

// RedirectHTTPS implements the redirect_https adapter: identical to
// Direct but always connects to port 443 and wraps the upstream
// socket in TLS before splicing (spec.md §4.7).
type RedirectHTTPS struct {
	Direct *Direct
}

// Handle implements Adapter.
func (r *RedirectHTTPS) Handle(conn net.Conn, host string, _ int, leftBuf []byte) Result {
	ctx := context.Background()
	ips, err := r.Direct.resolve(ctx, host)
	if err != nil || len(ips) == 0 {
		return tryNext(ErrNoRoute)
	}

	addr := net.JoinHostPort(ips[0].String(), strconv.Itoa(443))
	raw, err := r.Direct.Pool.Dial(ctx, addr)
	if err != nil {
		return tryNext(ErrConnectFail)
	}

	// InsecureSkipVerify: true matches spec.md §1's non-goal that the core
	// does not certify remote TLS peers here, per the original's
	// ssl.wrap_socket default of CERT_NONE.
	upstream := tls.Client(raw, &tls.Config{ServerName: host, InsecureSkipVerify: true})
	if err := upstream.HandshakeContext(ctx); err != nil {
		upstream.Close()
		return tryNext(ErrSslWrapFail)
	}

	if len(leftBuf) > 0 {
		if _, err := upstream.Write(leftBuf); err != nil {
			upstream.Close()
			return tryNext(ErrConnectFail)
		}
	}

	splice(conn, upstream)
	return handled()
}
