// Command xxnet-client is the process entry point: load configuration,
// build the logger, wire the Proxy Session and Smart Router, and accept
// connections on every configured listener — grounded on cppla-moto's
// run.go and controller/server.go's Listen.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/xxnet/xxnet-go/internal/config"
	"github.com/xxnet/xxnet-go/internal/egress"
	"github.com/xxnet/xxnet-go/internal/logging"
	"github.com/xxnet/xxnet-go/internal/netutil"
	"github.com/xxnet/xxnet-go/internal/policy"
	"github.com/xxnet/xxnet-go/internal/router"
	"github.com/xxnet/xxnet-go/internal/session"
	"github.com/xxnet/xxnet-go/internal/sniff"
)

func main() {
	confPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*confPath)
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Path:       cfg.Log.Path,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Console:    true,
	})
	defer log.Sync()

	log.Info("xxnet-client starting")

	sess := session.New(cfg, log)
	if cfg.LoginAccount != "" {
		if !sess.EnsureLoggedIn() {
			log.Warn("initial x-tunnel login failed, will retry lazily on first socks dial")
		}
	}

	r := buildRouter(cfg, sess, log)

	wg := &sync.WaitGroup{}
	for _, l := range cfg.Listeners {
		l := l
		wg.Add(1)
		go func() {
			defer wg.Done()
			listen(l, r, log)
		}()
	}
	wg.Wait()

	log.Info("xxnet-client shutting down")
}

// buildRouter wires the policy caches, dial pool, and egress adapters
// into a Router, per spec.md §3/§4.6-4.7. The gae adapter is left
// unregistered: its CDN-fronted handler is an external component this
// module only ever calls through egress.GAEHandler, and no concrete
// implementation lives in this repo (same boundary as the TLS-relay
// front behind session.RelayIPSet) — router.tryLoop already skips any
// rule name absent from Adapters, so unknown-domain rule lists that
// still mention "gae" degrade gracefully to the next candidate.
func buildRouter(cfg *config.Config, sess *session.Session, log *zap.Logger) *router.Router {
	resolver := netutil.NewSystemResolver()
	pool := netutil.NewConnPool(resolver, log)

	direct := &egress.Direct{Pool: pool, Resolver: resolver}
	direct6 := &egress.Direct{Pool: pool, Resolver: resolver, IPv6: true}
	redirectHTTPS := &egress.RedirectHTTPS{Direct: direct}
	socks := &egress.Socks{Session: sess}

	adapters := map[string]egress.Adapter{
		"direct":         direct.Handle,
		"direct6":        direct6.Handle,
		"redirect_https": redirectHTTPS.Handle,
		"socks":          socks.Handle,
		"black":          egress.Black{}.Handle,
	}

	return &router.Router{
		Adapters:    adapters,
		DomainCache: policy.NewMemDomainCache(),
		IPCache:     policy.NewIPCache(30 * time.Second),
		UserRules:   policy.NewStaticUserRules(nil),
		IPRegion:    policy.NewNoopIPRegion(cfg.CountryCode == "CN"),
		GFWList:     policy.NewStaticGFWList(nil, nil, nil),
		Resolver:    resolver,
		Config:      cfg,
		Log:         log,
	}
}

// listen runs one configured listener: accept, apply the per-listener
// blacklist and a request cap by client IP over a fixed 30-second window
// that starts at the IP's first counted request (mirrors
// controller/server.go's Listen — same ipCache-backed WAF strike
// counter, generalized from a fixed rule.Mode switch to sniffing the
// destination and handing it to the Smart Router), then sniff and
// dispatch.
func listen(l *config.Listener, r *router.Router, log *zap.Logger) {
	ln, err := net.Listen("tcp", l.Listen)
	if err != nil {
		log.Error("listener failed to start", zap.String("name", l.Name), zap.String("addr", l.Listen), zap.Error(err))
		return
	}
	log.Info("listening", zap.String("name", l.Name), zap.String("addr", l.Listen))

	rateCache := cache.New(30*time.Second, time.Minute)
	const rateLimit = 200

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Error("accept failed", zap.String("name", l.Name), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		clientIP := hostOf(conn.RemoteAddr().String())
		if len(l.Blacklist) != 0 && l.Blacklist[clientIP] {
			log.Info("disconnected ip in blacklist", zap.String("name", l.Name), zap.String("ip", clientIP))
			conn.Close()
			continue
		}
		if count, found := rateCache.Get(clientIP); found && count.(int) >= rateLimit {
			log.Warn("too many requests, dropping connection", zap.String("ip", clientIP))
			conn.Close()
			continue
		} else if found {
			rateCache.Increment(clientIP, 1)
		} else {
			rateCache.Set(clientIP, 1, cache.DefaultExpiration)
		}

		go dispatch(conn, r, log)
	}
}

// dispatch peeks the new socket's SNI/Host and hands it to the Smart
// Router's domain entry point (spec.md §4.6's data-flow: "an inbound
// socket arrives at C6 ... C6 may call C5 to discover a domain").
func dispatch(conn net.Conn, r *router.Router, log *zap.Logger) {
	pc := sniff.NewPeekConn(conn)
	host, err := sniff.Peek(pc, nil)
	if err != nil {
		log.Debug("no sni/host found, closing", zap.Error(err))
		conn.Close()
		return
	}

	port := 80
	if lead, ok := peekLead(pc); ok && (lead == 0x16 || lead == 0x80) {
		port = 443
	}

	r.HandleDomainProxy(pc, host, port, conn.RemoteAddr().String(), nil)
}

func peekLead(pc *sniff.PeekConn) (byte, bool) {
	b, err := pc.Peek(1)
	if err != nil || len(b) == 0 {
		return 0, false
	}
	return b[0], true
}

func hostOf(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[:i]
	}
	return addr
}
