package netutil

import (
	"context"
	"net"
	"net/netip"
	"time"
)

// DialTimeout bounds a single dial attempt in DialFast's fallback paths.
const DialTimeout = 3 * time.Second

// DialFast resolves addr's host (if it isn't already a literal IP) and
// races a TCP dial against every returned address, returning the first
// connection to succeed. Grounded on the teacher's controller.DialFast.
func DialFast(ctx context.Context, resolver Resolver, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return dialDirect(ctx, addr)
	}
	if ip, perr := netip.ParseAddr(host); perr == nil {
		return dialDirect(ctx, net.JoinHostPort(ip.String(), port))
	}

	rctx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()
	addrs, rerr := resolver.Query(rctx, host)
	if rerr != nil || len(addrs) == 0 {
		return dialDirect(ctx, addr)
	}

	type result struct {
		c   net.Conn
		err error
	}
	resCh := make(chan result, 1)
	for i, ip := range addrs {
		go func(delay int, ip net.IP) {
			if delay > 0 {
				select {
				case <-time.After(time.Duration(delay) * 50 * time.Millisecond):
				case <-rctx.Done():
					return
				}
			}
			d := &net.Dialer{Timeout: 2 * time.Second}
			c, e := d.DialContext(rctx, "tcp", net.JoinHostPort(ip.String(), port))
			if e == nil {
				select {
				case resCh <- result{c: c}:
					cancel()
				default:
					_ = c.Close()
				}
			}
		}(i, ip)
	}
	select {
	case r := <-resCh:
		return r.c, nil
	case <-rctx.Done():
		return dialDirect(ctx, addr)
	}
}

func dialDirect(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: DialTimeout}
	return d.DialContext(ctx, "tcp", addr)
}

// tuneTCP applies the keepalive/no-delay settings the teacher's
// prewarmPool.dialOne sets on freshly dialed connections.
func tuneTCP(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
		_ = tc.SetNoDelay(true)
	}
}
