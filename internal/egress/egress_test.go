package egress

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/xxnet/xxnet-go/internal/netutil"
	"github.com/xxnet/xxnet-go/internal/policy"
)

func TestBlackClosesImmediately(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	go Black{}.Handle(server, "example.com", 80, nil)

	buf := make([]byte, 1)
	_, err := client.Read(buf)
	if err != io.EOF && err == nil {
		t.Fatalf("expected closed connection, got err=%v", err)
	}
}

func TestDirectSplicesToUpstream(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer upstream.Close()

	echoed := make(chan []byte, 1)
	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		n, _ := io.ReadFull(conn, buf)
		echoed <- buf[:n]
		conn.Write([]byte("world"))
	}()

	host, portStr, _ := net.SplitHostPort(upstream.Addr().String())
	port, _ := strconv.Atoi(portStr)

	d := &Direct{Pool: netutil.NewConnPool(netutil.NewSystemResolver(), nil), Resolver: netutil.NewSystemResolver()}

	client, server := net.Pipe()
	go func() {
		client.Write([]byte("hello"))
		buf := make([]byte, 5)
		io.ReadFull(client, buf)
		client.Close()
	}()

	result := d.Handle(server, host, port, nil)
	if !result.Handled {
		t.Fatalf("expected Handled, got Result{%v, %v}", result.Handled, result.Err)
	}
	select {
	case got := <-echoed:
		if string(got) != "hello" {
			t.Fatalf("upstream received %q, want hello", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("upstream never received data")
	}
}

func TestSocksDeclinesWhenSessionNil(t *testing.T) {
	s := &Socks{}
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()
	result := s.Handle(server, "example.com", 443, nil)
	if result.Handled {
		t.Fatalf("expected TryNext when no session is wired")
	}
}

type fakeSocksSession struct{ accept bool }

func (f *fakeSocksSession) CreateConn(net.Conn, string, int, []byte) bool { return f.accept }

func TestSocksHandlesWhenSessionAccepts(t *testing.T) {
	s := &Socks{Session: &fakeSocksSession{accept: true}}
	server, client := net.Pipe()
	defer client.Close()
	result := s.Handle(server, "example.com", 443, nil)
	if !result.Handled {
		t.Fatalf("expected Handled")
	}
}

type fakeGAEHandler struct{ err error }

func (f *fakeGAEHandler) Handle(net.Conn, string, []byte) error { return f.err }

func TestGAERefusesFakeCAForTLSLikeForeignHost(t *testing.T) {
	g := &GAE{Handler: &fakeGAEHandler{}, EnableFakeCA: false, FakeHost: "self-check.invalid"}
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	result := g.Handle(server, "other.example", 443, []byte{0x16})
	if result.Handled {
		t.Fatalf("expected TryNext (DontFakeCA)")
	}
}

func TestGAEReportsDenyOnFailure(t *testing.T) {
	dc := policy.NewMemDomainCache()
	g := &GAE{Handler: &fakeGAEHandler{err: ErrSslWrapFail}, EnableFakeCA: true, DomainCache: dc}
	server, client := net.Pipe()
	defer client.Close()
	result := g.Handle(server, "example.com", 443, nil)
	if !result.Handled {
		t.Fatalf("expected Handled (closed after deny)")
	}
	if dc.AcceptGAE("example.com") != true {
		t.Fatalf("one strike should not yet flip accept_gae")
	}
}
