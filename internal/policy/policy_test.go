package policy

import (
	"net"
	"testing"
	"time"
)

func TestDomainCacheDefaultsUnknown(t *testing.T) {
	c := NewMemDomainCache()
	if c.GetRule("example.com") != RuleUnknown {
		t.Fatalf("expected unknown rule for unseen host")
	}
}

func TestDomainCacheAcceptGAEThreshold(t *testing.T) {
	c := NewMemDomainCache()
	host := "blocked.example"
	for i := 0; i < gaeDenyThreshold; i++ {
		if !c.AcceptGAE(host) {
			t.Fatalf("accept_gae false before threshold reached at strike %d", i)
		}
		c.ReportGAEDeny(host)
	}
	if c.AcceptGAE(host) {
		t.Fatalf("expected accept_gae false after %d strikes", gaeDenyThreshold)
	}
}

func TestIPCacheExpires(t *testing.T) {
	c := NewIPCache(20 * time.Millisecond)
	c.SetRule("1.2.3.4", RuleDirect)
	if c.GetRule("1.2.3.4") != RuleDirect {
		t.Fatalf("expected direct rule immediately after SetRule")
	}
	time.Sleep(80 * time.Millisecond)
	if c.GetRule("1.2.3.4") != RuleUnknown {
		t.Fatalf("expected rule to expire")
	}
}

func TestUserRulesCheckHost(t *testing.T) {
	u := NewStaticUserRules(map[string]Rule{"10.0.0.5:443": RuleDirect})
	if rule, ok := u.CheckHost("10.0.0.5", 443); !ok || rule != RuleDirect {
		t.Fatalf("expected direct override, got %v %v", rule, ok)
	}
	if _, ok := u.CheckHost("10.0.0.6", 443); ok {
		t.Fatalf("expected no override for unconfigured host")
	}
}

func TestIsPrivateIP(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1":   true,
		"192.168.1.1": true,
		"10.1.2.3":    true,
		"8.8.8.8":     false,
	}
	for addr, want := range cases {
		if got := IsPrivateIP(net.ParseIP(addr)); got != want {
			t.Fatalf("IsPrivateIP(%s) = %v, want %v", addr, got, want)
		}
	}
}
