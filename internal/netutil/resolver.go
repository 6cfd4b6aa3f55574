// Package netutil provides the dial and resolution primitives the
// egress adapters share: a fast parallel-race dialer, a generalized
// connection prewarm pool, and a pluggable DNS resolver (spec.md §6).
package netutil

import (
	"context"
	"net"
)

// Resolver looks up A/AAAA records for a host. Query performs a single
// resolution; QueryRecursive additionally follows CNAME chains when the
// underlying resolver doesn't do so transparently (spec.md §6).
type Resolver interface {
	Query(ctx context.Context, host string) ([]net.IP, error)
	QueryRecursive(ctx context.Context, host string) ([]net.IP, error)
}

// systemResolver backs Resolver with net.Resolver — no ecosystem DNS
// library appears anywhere in the example pack, so this is one of the
// few places this module falls back to the standard library.
type systemResolver struct {
	r *net.Resolver
}

// NewSystemResolver returns a Resolver backed by net.DefaultResolver.
func NewSystemResolver() Resolver {
	return &systemResolver{r: net.DefaultResolver}
}

func (s *systemResolver) Query(ctx context.Context, host string) ([]net.IP, error) {
	return s.r.LookupIP(ctx, "ip", host)
}

// QueryRecursive resolves host the same way Query does: net.Resolver
// already follows any CNAME chain itself before returning addresses.
func (s *systemResolver) QueryRecursive(ctx context.Context, host string) ([]net.IP, error) {
	return s.Query(ctx, host)
}
