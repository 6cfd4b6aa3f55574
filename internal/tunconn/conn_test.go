package tunconn

import (
	"net"
	"testing"
	"time"

	"github.com/xxnet/xxnet-go/internal/wire"
)

type fakeBackend struct {
	sent    [][]byte
	removed []uint32
}

func (f *fakeBackend) SendConnData(connID uint32, data []byte) {
	f.sent = append(f.sent, data)
}
func (f *fakeBackend) RemoveConn(connID uint32) {
	f.removed = append(f.removed, connID)
}

func TestPutCmdDataWritesLocallyAndAcks(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	backend := &fakeBackend{}
	c := New(2, server, "example.com", 443, 10, 5, false, backend, nil)

	go func() {
		buf := make([]byte, 16)
		client.Read(buf)
	}()

	block := wire.MarshalBlock(wire.Block{Seq: 0, Cmd: wire.CmdData, CmdPayload: []byte("hello")})
	if err := c.PutCmdData(block); err != nil {
		t.Fatalf("PutCmdData: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if len(backend.sent) != 1 {
		t.Fatalf("expected one ack frame sent, got %d", len(backend.sent))
	}
}

func TestPutCmdDataClosedRemovesConn(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	backend := &fakeBackend{}
	c := New(4, server, "example.com", 80, 10, 5, false, backend, nil)

	block := wire.MarshalBlock(wire.Block{Seq: 0, Cmd: wire.CmdClosed, CmdPayload: wire.MarshalClosedCmd("bye")})
	if err := c.PutCmdData(block); err != nil {
		t.Fatalf("PutCmdData: %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %v, want closed", c.State())
	}
	if len(backend.removed) != 1 || backend.removed[0] != 4 {
		t.Fatalf("RemoveConn not called with id 4: %v", backend.removed)
	}
}

func TestAckAdvancesWindowAndUnblocks(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	backend := &fakeBackend{}
	c := New(6, server, "example.com", 80, 4, 2, true, backend, nil)
	c.addInFlight(4)

	unblocked := make(chan struct{})
	go func() {
		c.waitForWindow(4)
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatalf("should not unblock before ack")
	case <-time.After(20 * time.Millisecond):
	}

	ackBlock := wire.MarshalBlock(wire.Block{Seq: 0, Cmd: wire.CmdAck, CmdPayload: wire.MarshalAckCmd(4)})
	if err := c.PutCmdData(ackBlock); err != nil {
		t.Fatalf("PutCmdData ack: %v", err)
	}

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatalf("did not unblock after ack")
	}
}

// TestAckHandlesMultipleWindowsCumulatively checks that a cmd=3 ack's
// position is treated as a cumulative receive position, not a
// per-ack delta: after two windows worth of data have been sent, an
// ack for the second window's end must still leave in_flight_bytes
// accounting for only the unacked tail, not clamp to zero forever.
func TestAckHandlesMultipleWindowsCumulatively(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	backend := &fakeBackend{}
	c := New(8, server, "example.com", 80, 100, 4, true, backend, nil)

	c.addInFlight(4)
	c.handleAck(4)
	if c.inFlightBytes != 0 {
		t.Fatalf("after first-window ack, inFlightBytes = %d, want 0", c.inFlightBytes)
	}

	c.addInFlight(4) // second window: sentPos now 8, 4 of it unacked
	if c.inFlightBytes != 4 {
		t.Fatalf("before second ack, inFlightBytes = %d, want 4", c.inFlightBytes)
	}
	c.handleAck(8)
	if c.inFlightBytes != 0 {
		t.Fatalf("after second-window ack, inFlightBytes = %d, want 0 (got over-subtraction bug)", c.inFlightBytes)
	}

	c.addInFlight(6) // third window: sentPos now 14, all of it unacked
	if c.inFlightBytes != 6 {
		t.Fatalf("before third ack, inFlightBytes = %d, want 6", c.inFlightBytes)
	}
	c.handleAck(12) // partial ack of the third window
	if c.inFlightBytes != 2 {
		t.Fatalf("after partial third-window ack, inFlightBytes = %d, want 2", c.inFlightBytes)
	}
}
