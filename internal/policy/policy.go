// Package policy holds the rule-list decision inputs the router
// consults: per-host and per-IP caches, user overrides, and geo/GFW
// lookups (spec.md §3, §4.6). The in-memory defaults here are grounded
// on the teacher's WAF-style ipCache (controller/server.go): the IP
// cache stores rules in patrickmn/go-cache with a TTL, while the domain
// cache is a plain mutex-guarded map that counts gae deny strikes
// within its own time window.
package policy

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// Rule is the egress classification a host or IP has earned.
type Rule string

const (
	RuleGAE     Rule = "gae"
	RuleSocks   Rule = "socks"
	RuleDirect  Rule = "direct"
	RuleUnknown Rule = "unknown"
)

// gaeDenyThreshold and gaeDenyWindow bound accept_gae's strike count
// (spec.md §3's domain cache entry invariant).
const (
	gaeDenyThreshold = 3
	gaeDenyWindow    = 5 * time.Minute
)

// DomainCache tracks each host's earned rule and gae_deny strikes.
type DomainCache interface {
	GetRule(host string) Rule
	SetRule(host string, rule Rule)
	AcceptGAE(host string) bool
	ReportGAEDeny(host string)
}

// IPCache tracks each IP's earned rule.
type IPCache interface {
	GetRule(ip string) Rule
	SetRule(ip string, rule Rule)
}

// UserRules holds operator-configured (ip|host, port) → Rule overrides
// that bypass the rest of the rule-list construction (spec.md §4.6's
// "query user_rules(ip, port); if none and is_private_ip(ip) -> direct").
type UserRules interface {
	CheckHost(hostOrIP string, port int) (Rule, bool)
}

// IPRegion answers whether an IP (or every IP in a set) belongs to the
// configured home country — consumed only, per spec.md §6 (out of
// scope to implement the underlying GeoIP database).
type IPRegion interface {
	CheckIP(ip net.IP) bool
	CheckIPs(ips []net.IP) bool
}

// GFWList answers block/allow-list and advertisement classification
// for a host — consumed only, per spec.md §6.
type GFWList interface {
	InWhiteList(host string) bool
	InBlockList(host string) bool
	IsAdvertisement(host string) bool
}

type domainEntry struct {
	rule          Rule
	denyCount     int
	denyWindowEnd time.Time
}

// memDomainCache is the default in-memory DomainCache, used standalone
// in tests and as the zero-config default at startup.
type memDomainCache struct {
	mu      sync.Mutex
	entries map[string]*domainEntry
}

// NewMemDomainCache returns an in-memory DomainCache with no
// background eviction — entries are small and bounded by distinct
// hosts seen, same tradeoff the teacher's ipCache accepts.
func NewMemDomainCache() DomainCache {
	return &memDomainCache{entries: make(map[string]*domainEntry)}
}

func (c *memDomainCache) GetRule(host string) Rule {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[host]
	if !ok {
		return RuleUnknown
	}
	return e.rule
}

func (c *memDomainCache) SetRule(host string, rule Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[host]
	if !ok {
		e = &domainEntry{}
		c.entries[host] = e
	}
	e.rule = rule
}

func (c *memDomainCache) AcceptGAE(host string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[host]
	if !ok {
		return true
	}
	if time.Now().After(e.denyWindowEnd) {
		e.denyCount = 0
	}
	return e.denyCount < gaeDenyThreshold
}

func (c *memDomainCache) ReportGAEDeny(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[host]
	if !ok {
		e = &domainEntry{}
		c.entries[host] = e
	}
	now := time.Now()
	if now.After(e.denyWindowEnd) {
		e.denyCount = 0
		e.denyWindowEnd = now.Add(gaeDenyWindow)
	}
	e.denyCount++
}

// cacheIPCache is the default IPCache, backed by go-cache the same way
// the teacher bounds its WAF counter — entries expire so a stale rule
// doesn't stick to a reassigned IP forever.
type cacheIPCache struct {
	c *cache.Cache
}

// NewIPCache returns an IPCache whose entries expire after ttl.
func NewIPCache(ttl time.Duration) IPCache {
	return &cacheIPCache{c: cache.New(ttl, 2*ttl)}
}

func (c *cacheIPCache) GetRule(ip string) Rule {
	v, found := c.c.Get(ip)
	if !found {
		return RuleUnknown
	}
	return v.(Rule)
}

func (c *cacheIPCache) SetRule(ip string, rule Rule) {
	c.c.Set(ip, rule, cache.DefaultExpiration)
}

// staticUserRules implements UserRules over a fixed configuration map,
// keyed "host:port" -> Rule.
type staticUserRules struct {
	rules map[string]Rule
}

// NewStaticUserRules returns a UserRules backed by a fixed rule map.
func NewStaticUserRules(rules map[string]Rule) UserRules {
	return &staticUserRules{rules: rules}
}

func (u *staticUserRules) CheckHost(hostOrIP string, port int) (Rule, bool) {
	key := hostOrIP + ":" + strconv.Itoa(port)
	rule, ok := u.rules[key]
	return rule, ok
}

// IsPrivateIP reports whether ip is loopback, link-local, or in an
// RFC1918/RFC4193 private range — spec.md §4.6's is_private_ip guard.
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, cidr := range []string{
		"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "fc00::/7",
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err == nil && block.Contains(ip) {
			return true
		}
	}
	return false
}

// SplitHostLiteral reports whether host parses as an IP literal, and
// if so returns the net.IP.
func SplitHostLiteral(host string) (net.IP, bool) {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	ip := net.ParseIP(host)
	return ip, ip != nil
}

// noopIPRegion/noopGFWList are minimal stand-ins used when no real
// GeoIP/GFW database is configured — spec.md §6 marks both "consumed,
// not implemented in depth".
type noopIPRegion struct{ homeCountry bool }

// NewNoopIPRegion returns an IPRegion that always reports membership
// as homeCountry — a test/default stub, not a real GeoIP database.
func NewNoopIPRegion(homeCountry bool) IPRegion { return noopIPRegion{homeCountry: homeCountry} }

func (n noopIPRegion) CheckIP(net.IP) bool     { return n.homeCountry }
func (n noopIPRegion) CheckIPs([]net.IP) bool  { return n.homeCountry }

type noopGFWList struct {
	white, block, ads map[string]bool
}

// NewStaticGFWList returns a GFWList backed by fixed membership sets.
func NewStaticGFWList(white, block, ads []string) GFWList {
	g := &noopGFWList{white: toSet(white), block: toSet(block), ads: toSet(ads)}
	return g
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

func (g *noopGFWList) InWhiteList(host string) bool      { return g.white[host] }
func (g *noopGFWList) InBlockList(host string) bool       { return g.block[host] }
func (g *noopGFWList) IsAdvertisement(host string) bool   { return g.ads[host] }
