// Package router implements the Smart Router (C6): given a freshly
// accepted socket it classifies the destination, consults the policy
// caches, builds a prioritized rule list, and tries each egress
// adapter until one succeeds (spec.md §4.6). Grounded on the teacher's
// controller.Listen dispatch, generalized from a fixed mode switch to
// a prioritized, per-condition rule list.
package router

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/xxnet/xxnet-go/internal/config"
	"github.com/xxnet/xxnet-go/internal/egress"
	"github.com/xxnet/xxnet-go/internal/netutil"
	"github.com/xxnet/xxnet-go/internal/policy"
	"github.com/xxnet/xxnet-go/internal/sniff"
)

// Router owns the policy caches, the egress adapter set, and the
// configuration knobs that shape rule-list construction.
type Router struct {
	Adapters map[string]egress.Adapter

	DomainCache policy.DomainCache
	IPCache     policy.IPCache
	UserRules   policy.UserRules
	IPRegion    policy.IPRegion
	GFWList     policy.GFWList
	Resolver    netutil.Resolver

	Config *config.Config
	Log    *zap.Logger
}

// HandleIPProxy is the entry point for a transparently redirected
// connection whose destination is known only as an IP:port (spec.md
// §4.6's handle_ip_proxy).
func (r *Router) HandleIPProxy(conn net.Conn, ip net.IP, port int, clientAddr string) {
	if rule, ok := r.UserRules.CheckHost(ip.String(), port); ok {
		r.tryLoop(conn, ip.String(), port, []string{string(rule)}, nil)
		return
	}
	if policy.IsPrivateIP(ip) {
		r.tryLoop(conn, ip.String(), port, []string{"direct"}, nil)
		return
	}

	pc := sniff.NewPeekConn(conn)
	if host, err := sniff.Peek(pc, nil); err == nil && host != "" {
		r.HandleDomainProxy(pc, host, port, clientAddr, nil)
		return
	}

	r.tryLoop(pc, ip.String(), port, r.ipRuleList(ip), nil)
}

// ipRuleList builds the rule list for an IP destination with no
// resolvable host, per spec.md §4.6's IP-entry table.
func (r *Router) ipRuleList(ip net.IP) []string {
	switch r.IPCache.GetRule(ip.String()) {
	case policy.RuleGAE:
		return []string{"gae", "socks", "direct"}
	case policy.RuleSocks:
		return []string{"socks", "gae", "direct"}
	case policy.RuleDirect:
		return []string{"direct", "gae", "socks"}
	}
	if r.IPRegion != nil && r.IPRegion.CheckIP(ip) {
		return []string{"direct", "socks"}
	}
	return []string{"direct", "gae", "socks"}
}

// HandleDomainProxy is the entry point once a destination host is
// known, whether from SNI/Host sniffing or a transparent redirect that
// already resolved one (spec.md §4.6's handle_domain_proxy).
func (r *Router) HandleDomainProxy(conn net.Conn, host string, port int, clientAddr string, leftBuf []byte) {
	if r.Config != nil && host == r.Config.FakeHost {
		r.tryLoop(conn, host, port, []string{"gae"}, leftBuf)
		return
	}
	if ip, ok := policy.SplitHostLiteral(host); ok && policy.IsPrivateIP(ip) {
		r.tryLoop(conn, host, port, []string{"direct"}, leftBuf)
		return
	}
	if r.Config != nil && r.Config.BlockAdvertisement && r.GFWList != nil && r.GFWList.IsAdvertisement(host) {
		_ = conn.Close()
		return
	}

	rules := r.domainRuleList(host, port)
	r.tryLoop(conn, host, port, rules, leftBuf)
}

// domainRuleList builds and filters the rule list for a domain
// destination, per spec.md §4.6's base table and configuration
// filters (applied in the documented order).
func (r *Router) domainRuleList(host string, port int) []string {
	country := ""
	if r.Config != nil {
		country = r.Config.CountryCode
	}

	var rules []string
	switch r.DomainCache.GetRule(host) {
	case policy.RuleGAE:
		rules = []string{"gae", "socks", "redirect_https", "direct"}
	case policy.RuleSocks:
		rules = []string{"socks", "gae", "redirect_https", "direct"}
	case policy.RuleDirect:
		rules = []string{"direct", "gae", "socks", "redirect_https"}
	default:
		rules = r.unknownDomainRuleList(host, country)
	}

	if !r.DomainCache.AcceptGAE(host) {
		rules = remove(rules, "gae")
	}

	cfg := r.Config
	if cfg != nil {
		if !cfg.AutoDirect {
			rules = remove(rules, "direct", "redirect_https")
		} else if cfg.AutoDirect6 {
			rules = insertBefore(rules, "direct6", "direct")
		}
		if (!cfg.EnableFakeCA && port == 443) || !cfg.AutoGAE {
			rules = remove(rules, "gae")
		}
	}
	return rules
}

func (r *Router) unknownDomainRuleList(host, country string) []string {
	if country != "CN" {
		return []string{"direct", "socks", "gae", "redirect_https"}
	}
	if r.GFWList != nil && r.GFWList.InWhiteList(host) {
		return []string{"direct", "gae", "socks", "redirect_https"}
	}
	if r.GFWList != nil && r.GFWList.InBlockList(host) {
		if r.Config != nil && r.Config.PACPolicy == "black_X-Tunnel" {
			return []string{"socks", "redirect_https", "direct", "gae"}
		}
		return []string{"gae", "socks", "redirect_https", "direct"}
	}
	if r.Resolver != nil && r.IPRegion != nil {
		if ips, err := r.Resolver.QueryRecursive(context.Background(), host); err == nil && r.IPRegion.CheckIPs(ips) {
			return []string{"direct", "socks", "redirect_https"}
		}
	}
	return []string{"direct", "gae", "socks", "redirect_https"}
}

func remove(rules []string, names ...string) []string {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	out := rules[:0]
	for _, r := range rules {
		if !drop[r] {
			out = append(out, r)
		}
	}
	return out
}

func insertBefore(rules []string, name, before string) []string {
	for i, r := range rules {
		if r == before {
			out := make([]string, 0, len(rules)+1)
			out = append(out, rules[:i]...)
			out = append(out, name)
			out = append(out, rules[i:]...)
			return out
		}
	}
	return rules
}

// tryLoop invokes each named adapter in order until one reports
// Handled, closing the socket if every rule declines (spec.md §4.6's
// try_loop).
func (r *Router) tryLoop(conn net.Conn, host string, port int, rules []string, leftBuf []byte) {
	for _, name := range rules {
		adapter, ok := r.Adapters[name]
		if !ok {
			continue
		}
		result := adapter(conn, host, port, leftBuf)
		if result.Handled {
			return
		}
		if r.Log != nil && result.Err != nil {
			r.Log.Debug("rule declined", zap.String("host", host), zap.String("rule", name), zap.Error(result.Err))
		}
	}
	_ = conn.Close()
}
