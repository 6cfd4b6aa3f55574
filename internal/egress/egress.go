// Package egress implements the C8 adapters the router's rule list
// tries in order: direct/direct6, redirect_https, socks, gae, and
// black. Each adapter either hands the connection off (Handled) or
// signals the router to try the next rule (TryNext), replacing the
// original's exception-based control flow with a tagged Result
// (spec.md §9's REDESIGN note on exceptions-as-control-flow).
package egress

import (
	"errors"
	"net"
)

// Sentinel errors the adapters return in Result.Err in place of the
// original's named exception types; callers can tell them apart with
// errors.Is.
var (
	ErrNoRoute           = errors.New("egress: no route (dns empty)")
	ErrConnectFail       = errors.New("egress: upstream connect failed")
	ErrXTunnelNotRunning = errors.New("egress: x-tunnel session not running")
	ErrDontFakeCA        = errors.New("egress: refusing to fake CA for this host")
	ErrNotSupported      = errors.New("egress: unsupported gae request")
	ErrSslWrapFail       = errors.New("egress: tls wrap of upstream failed")
)

// Result is what an adapter reports back to the router's tryLoop.
type Result struct {
	// Handled is true once the adapter has taken ownership of conn
	// (spliced it, handed it to a Session, or closed it outright).
	// tryLoop stops iterating the rule list as soon as Handled is true.
	Handled bool
	// Err is non-nil when the adapter declined or failed; tryLoop only
	// logs a non-nil Err at debug level, it does not decide whether to
	// continue — any non-Handled result always falls through to the
	// next rule.
	Err error
}

func handled() Result           { return Result{Handled: true} }
func tryNext(err error) Result  { return Result{Handled: false, Err: err} }

// Adapter is the shape every egress handler implements. host is a
// domain name or an IP literal, depending on which router entry point
// reached the adapter; leftBuf carries any bytes already peeked off conn
// by the sniffer (spec.md §4.6, §4.7).
type Adapter func(conn net.Conn, host string, port int, leftBuf []byte) Result
