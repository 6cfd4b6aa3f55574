// Package tunconn implements the logical tunneled TCP stream (spec.md
// §4.3, component C3): one local socket, a bounded receive window, and
// flow-control acks riding the Session's send buffer.
package tunconn

import (
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/xxnet/xxnet-go/internal/wire"
)

// State is a Conn's lifecycle stage.
type State int

const (
	StateNew State = iota
	StateOpen
	StateClosed
)

// Backend is the thin interface a Conn uses to reach its owning
// Session, per spec.md §9's cyclic-reference guidance: Conn never holds
// an owning pointer back to Session, only this narrow call surface.
type Backend interface {
	SendConnData(connID uint32, data []byte)
	RemoveConn(connID uint32)
}

// Conn is one logical stream multiplexed over the x-tunnel transport.
type Conn struct {
	ID       uint32
	Host     string
	Port     uint16
	IsClient bool

	backend Backend
	local   net.Conn
	log     *zap.Logger

	mu               sync.Mutex
	state            State
	windowSize       uint32
	windowAck        uint32
	sentPos          uint64
	inFlightBytes    uint32
	receivePos       uint64
	lastAckedPos     uint64
	cond             *sync.Cond
	pendingLocalSend [][]byte // buffered outbound before server confirms, client-side only
}

// ErrClosed is returned by operations on a closed Conn.
var ErrClosed = errors.New("tunconn: connection closed")

// New creates a Conn in state NEW. The caller (Session.CreateConn) is
// responsible for registering it and sending the initial cmd=0 frame.
func New(id uint32, local net.Conn, host string, port uint16, windowSize, windowAck uint32, isClient bool, backend Backend, log *zap.Logger) *Conn {
	c := &Conn{
		ID:         id,
		Host:       host,
		Port:       port,
		IsClient:   isClient,
		backend:    backend,
		local:      local,
		log:        log,
		state:      StateNew,
		windowSize: windowSize,
		windowAck:  windowAck,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Open transitions NEW -> OPEN, marking that the first frame has been
// sent (or, server-side, that the connect command arrived).
func (c *Conn) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateNew {
		c.state = StateOpen
	}
}

// State reports the current lifecycle stage.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReadLoop pumps bytes from the local socket into the Session's send
// buffer in maxPayload-sized chunks, blocking on flow control when the
// outstanding window is full. It returns when the local socket closes
// or the Conn closes.
func (c *Conn) ReadLoop(maxPayload int) {
	buf := make([]byte, maxPayload)
	seq := uint32(0)
	for {
		c.waitForWindow(uint32(maxPayload))
		if c.State() == StateClosed {
			return
		}
		n, err := c.local.Read(buf)
		if n > 0 {
			block := wire.MarshalBlock(wire.Block{Seq: seq, Cmd: wire.CmdData, CmdPayload: buf[:n]})
			seq++
			c.addInFlight(uint32(n))
			c.backend.SendConnData(c.ID, block)
		}
		if err != nil {
			c.closeLocal("read: " + err.Error())
			return
		}
	}
}

func (c *Conn) waitForWindow(need uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.state != StateClosed && c.inFlightBytes+need > c.windowSize {
		c.cond.Wait()
	}
}

func (c *Conn) addInFlight(n uint32) {
	c.mu.Lock()
	c.sentPos += uint64(n)
	c.inFlightBytes += n
	c.mu.Unlock()
}

// PutCmdData handles one inbound block addressed to this connection, as
// spec.md §4.3 describes: cmd=1 writes locally and maybe acks, cmd=2
// closes, cmd=3 advances the send window.
func (c *Conn) PutCmdData(blockPayload []byte) error {
	block, err := wire.UnmarshalBlock(blockPayload)
	if err != nil {
		return err
	}
	switch block.Cmd {
	case wire.CmdData:
		return c.handleData(block.CmdPayload)
	case wire.CmdClosed:
		c.closeLocal("remote closed")
		return nil
	case wire.CmdAck:
		pos, err := wire.UnmarshalAckCmd(block.CmdPayload)
		if err != nil {
			return err
		}
		c.handleAck(pos)
		return nil
	default:
		return errors.New("tunconn: unknown cmd")
	}
}

func (c *Conn) handleData(payload []byte) error {
	if _, err := c.local.Write(payload); err != nil {
		c.closeLocal("write: " + err.Error())
		return nil
	}

	c.mu.Lock()
	c.receivePos += uint64(len(payload))
	shouldAck := c.receivePos-c.lastAckedPos >= uint64(c.windowAck)
	if shouldAck {
		c.lastAckedPos = c.receivePos
	}
	pos := c.receivePos
	c.mu.Unlock()

	if shouldAck {
		ack := wire.MarshalBlock(wire.Block{Seq: 0, Cmd: wire.CmdAck, CmdPayload: wire.MarshalAckCmd(pos)})
		c.backend.SendConnData(c.ID, ack)
	}
	return nil
}

// handleAck records the peer's cumulative receive position and derives
// in-flight bytes as sentPos-pos, not pos itself: pos only ever grows
// window_ack at a time (spec.md §4.3), so treating it as a per-ack
// delta would over-subtract on every window after the first.
func (c *Conn) handleAck(pos uint64) {
	c.mu.Lock()
	if pos > c.sentPos {
		pos = c.sentPos
	}
	c.inFlightBytes = uint32(c.sentPos - pos)
	c.mu.Unlock()
	c.cond.Broadcast()
}

// closeLocal closes the local socket, marks the Conn CLOSED, and tells
// the backend to forget it — the Session never keeps references to
// closed Connections (spec.md §3).
func (c *Conn) closeLocal(reason string) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.mu.Unlock()
	c.cond.Broadcast()

	_ = c.local.Close()
	if c.log != nil {
		c.log.Debug("conn closed", zap.Uint32("conn_id", c.ID), zap.String("reason", reason))
	}
	c.backend.RemoveConn(c.ID)
}

// Stop closes the Conn from the Session side (e.g. on session stop),
// optionally notifying the peer with a cmd=2 close frame.
func (c *Conn) Stop(reason string) {
	c.mu.Lock()
	alreadyClosed := c.state == StateClosed
	c.state = StateClosed
	c.mu.Unlock()
	c.cond.Broadcast()

	if !alreadyClosed {
		block := wire.MarshalBlock(wire.Block{Seq: 0, Cmd: wire.CmdClosed, CmdPayload: wire.MarshalClosedCmd(reason)})
		c.backend.SendConnData(c.ID, block)
	}
	_ = c.local.Close()
}
