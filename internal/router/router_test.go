package router

import (
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/xxnet/xxnet-go/internal/config"
	"github.com/xxnet/xxnet-go/internal/egress"
	"github.com/xxnet/xxnet-go/internal/policy"
)

func newTestRouter(cfg *config.Config) *Router {
	return &Router{
		Adapters:    map[string]egress.Adapter{},
		DomainCache: policy.NewMemDomainCache(),
		IPCache:     policy.NewIPCache(time.Minute),
		UserRules:   policy.NewStaticUserRules(nil),
		IPRegion:    policy.NewNoopIPRegion(false),
		GFWList:     policy.NewStaticGFWList(nil, nil, nil),
		Config:      cfg,
	}
}

func TestDomainRuleListUnknownForeignCountry(t *testing.T) {
	r := newTestRouter(&config.Config{CountryCode: "US", AutoDirect: true, AutoGAE: true, EnableFakeCA: true})
	got := r.domainRuleList("example.com", 80)
	want := []string{"direct", "socks", "gae", "redirect_https"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// TestDomainRuleListS3 exercises the scenario from spec.md §8 S3:
// country_code=CN, domain cache unknown, host in white list,
// auto_direct=true, auto_gae=true, enable_fake_ca=true, port=443.
func TestDomainRuleListS3(t *testing.T) {
	r := newTestRouter(&config.Config{CountryCode: "CN", AutoDirect: true, AutoGAE: true, EnableFakeCA: true})
	r.GFWList = policy.NewStaticGFWList([]string{"example.com"}, nil, nil)

	got := r.domainRuleList("example.com", 443)
	want := []string{"direct", "gae", "socks", "redirect_https"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// TestDomainRuleListS4 exercises spec.md §8 S4: same as S3 but
// auto_direct=false, expecting [gae, socks].
func TestDomainRuleListS4(t *testing.T) {
	r := newTestRouter(&config.Config{CountryCode: "CN", AutoDirect: false, AutoGAE: true, EnableFakeCA: true})
	r.GFWList = policy.NewStaticGFWList([]string{"example.com"}, nil, nil)

	got := r.domainRuleList("example.com", 443)
	want := []string{"gae", "socks"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestDomainRuleListRemovesGAEWhenFakeCADisabledOnHTTPS(t *testing.T) {
	r := newTestRouter(&config.Config{CountryCode: "US", AutoDirect: true, AutoGAE: true, EnableFakeCA: false})
	got := r.domainRuleList("example.com", 443)
	for _, rule := range got {
		if rule == "gae" {
			t.Fatalf("expected gae removed when enable_fake_ca=false and port=443, got %v", got)
		}
	}
}

func TestDomainRuleListRemovesDirectWhenAutoDirectDisabled(t *testing.T) {
	r := newTestRouter(&config.Config{CountryCode: "US", AutoDirect: false, AutoGAE: true, EnableFakeCA: true})
	got := r.domainRuleList("example.com", 80)
	for _, rule := range got {
		if rule == "direct" || rule == "redirect_https" {
			t.Fatalf("expected direct/redirect_https removed, got %v", got)
		}
	}
}

func TestDomainRuleListInsertsDirect6(t *testing.T) {
	r := newTestRouter(&config.Config{CountryCode: "US", AutoDirect: true, AutoDirect6: true, AutoGAE: true, EnableFakeCA: true})
	got := r.domainRuleList("example.com", 80)
	idx6, idx4 := -1, -1
	for i, rule := range got {
		if rule == "direct6" {
			idx6 = i
		}
		if rule == "direct" {
			idx4 = i
		}
	}
	if idx6 == -1 || idx4 == -1 || idx6 >= idx4 {
		t.Fatalf("expected direct6 immediately before direct, got %v", got)
	}
}

func TestDomainRuleListGAERemovedAfterDenyStrikes(t *testing.T) {
	r := newTestRouter(&config.Config{CountryCode: "US", AutoDirect: true, AutoGAE: true, EnableFakeCA: true})
	for i := 0; i < 3; i++ {
		r.DomainCache.ReportGAEDeny("bad.example")
	}
	got := r.domainRuleList("bad.example", 80)
	for _, rule := range got {
		if rule == "gae" {
			t.Fatalf("expected gae removed after deny strikes, got %v", got)
		}
	}
}

func TestIPRuleListByCache(t *testing.T) {
	r := newTestRouter(&config.Config{})
	r.IPCache.SetRule("1.2.3.4", policy.RuleGAE)
	got := r.ipRuleList(net.ParseIP("1.2.3.4"))
	want := []string{"gae", "socks", "direct"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestTryLoopStopsAtFirstHandled(t *testing.T) {
	var tried []string
	r := &Router{Adapters: map[string]egress.Adapter{
		"direct": func(conn net.Conn, host string, port int, leftBuf []byte) egress.Result {
			tried = append(tried, "direct")
			return egress.Result{Handled: false, Err: egress.ErrNoRoute}
		},
		"gae": func(conn net.Conn, host string, port int, leftBuf []byte) egress.Result {
			tried = append(tried, "gae")
			return egress.Result{Handled: true}
		},
		"socks": func(conn net.Conn, host string, port int, leftBuf []byte) egress.Result {
			tried = append(tried, "socks")
			return egress.Result{Handled: true}
		},
	}}

	server, client := net.Pipe()
	defer client.Close()
	r.tryLoop(server, "example.com", 80, []string{"direct", "gae", "socks"}, nil)

	if !reflect.DeepEqual(tried, []string{"direct", "gae"}) {
		t.Fatalf("tried = %v, want [direct gae]", tried)
	}
}
