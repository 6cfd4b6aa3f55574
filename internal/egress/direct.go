package egress

import (
	"context"
	"io"
	"net"
	"strconv"

	"github.com/xxnet/xxnet-go/internal/netutil"
)

// Direct implements the direct/direct6 adapters: resolve host (IPv4
// addresses only for direct, IPv6 addresses only for direct6; the two
// families are never combined), pull a connection from the pool
// manager, splice full duplex. Grounded on the teacher's DialFast + prewarmPool
// (controller/direct.go, controller/prewarm.go).
type Direct struct {
	Pool     *netutil.ConnPool
	Resolver netutil.Resolver
	// IPv6 selects AAAA-only resolution — the direct6 variant of
	// spec.md §4.7's "A only, or AAAA only, or both" resolution choice.
	IPv6 bool
}

// Handle implements Adapter.
func (d *Direct) Handle(conn net.Conn, host string, port int, leftBuf []byte) Result {
	ctx := context.Background()
	ips, err := d.resolve(ctx, host)
	if err != nil || len(ips) == 0 {
		return tryNext(ErrNoRoute)
	}

	addr := net.JoinHostPort(ips[0].String(), strconv.Itoa(port))
	upstream, err := d.Pool.Dial(ctx, addr)
	if err != nil {
		return tryNext(ErrConnectFail)
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

func (d *Direct) resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip, ok := literalIP(host); ok {
		return []net.IP{ip}, nil
	}
	ips, err := d.Resolver.Query(ctx, host)
	if err != nil {
		return nil, err
	}
	if !d.IPv6 {
		return filterIPv4(ips), nil
	}
	return filterIPv6(ips), nil
}

func literalIP(host string) (net.IP, bool) {
	ip := net.ParseIP(host)
	return ip, ip != nil
}

func filterIPv4(ips []net.IP) []net.IP {
	var out []net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			out = append(out, ip)
		}
	}
	return out
}

func filterIPv6(ips []net.IP) []net.IP {
	var out []net.IP
	for _, ip := range ips {
		if ip.To4() == nil {
			out = append(out, ip)
		}
	}
	return out
}

// splice copies bytes full-duplex between a and b until either side
// closes, then closes both — the same shape as the teacher's boost
// relay loop, generalized to any two net.Conn.
func splice(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
	a.Close()
	b.Close()
	<-done
}
