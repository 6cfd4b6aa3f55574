// Package session implements the Proxy Session (C4): the logical
// x-tunnel connection to one server — login, a pool of round-trip
// workers, connection lifecycle, and ack bookkeeping (spec.md §4.4).
// Grounded almost directly on original_source's proxy_session.py,
// which spec.md §4.4 distills.
package session

import (
	"crypto/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xxnet/xxnet-go/internal/buffer"
	"github.com/xxnet/xxnet-go/internal/cipher"
	"github.com/xxnet/xxnet-go/internal/config"
	"github.com/xxnet/xxnet-go/internal/tunconn"
	"github.com/xxnet/xxnet-go/internal/wire"
)

// pendingSn is one entry of wait_ack_send_list: a payload sent but not
// yet acked, or already acked and awaiting compaction.
type pendingSn struct {
	payload  []byte
	sendTime time.Time
	acked    bool
}

// Session owns one login to the x-tunnel server: the shared send/receive
// buffers, the logical connection table, and the worker pool that drains
// them over encrypted HTTP round trips.
type Session struct {
	cfg    *config.Config
	log    *zap.Logger
	cipher cipher.Cipher

	sendBuffer     *buffer.SendBuffer
	receiveProcess *buffer.BlockReceivePool
	waitQueue      *buffer.WaitQueue

	account *Account
	relay   RelayIPSet

	mu                 sync.Mutex
	running             bool
	sessionID           [8]byte
	lastConnID          uint32
	lastTransferNo      uint32
	connList            map[uint32]*tunconn.Conn
	transferList        map[uint32]time.Time
	onRoadNum           int
	targetOnRoads       int
	lastSendTime        time.Time
	lastReceiveTime     time.Time
	oldestReceivedTime  time.Time
	traffic             int64

	ackMu             sync.Mutex
	waitAckSendList   map[uint32]*pendingSn
	ackSendContinueSn uint32

	resendCount int64
	stat        Stat

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Stat mirrors g.stat's round-trip counters, surfaced through Status.
// Resend isn't tracked here: it's session-wide (not per-round-trip) and
// lives in Session.resendCount instead, alongside waitAckSendList which
// it's derived from.
type Stat struct {
	RoundtripNum     int64
	SlowRoundtrip    int64
	TimeoutRoundtrip int64
}

// New creates a Session against the given config; it does not start
// workers until Start is called.
func New(cfg *config.Config, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	cip, err := cipher.New(cfg.EncryptMethod, cfg.EncryptPassword)
	if err != nil || !cfg.EncryptData {
		cip = cipher.Identity
	}
	s := &Session{
		cfg:     cfg,
		log:     log,
		cipher:  cip,
		account: newAccount(cfg, log),

		waitAckSendList: make(map[uint32]*pendingSn),
	}
	s.sendBuffer = buffer.NewSendBuffer(int(cfg.MaxPayload))
	s.receiveProcess = buffer.NewBlockReceivePool(s.downloadDataProcessor)
	s.waitQueue = buffer.NewWaitQueue()
	return s
}

// SetRelay wires the TLS-relay front the reporter loop reports to and
// refreshes; must be called before Start for enable_tls_relay to take
// effect (spec.md §4.4 "Reporter").
func (s *Session) SetRelay(relay RelayIPSet) {
	s.mu.Lock()
	s.relay = relay
	s.mu.Unlock()
}

// randomSessionID mirrors utils.generate_random_lowercase(8).
func randomSessionID() [8]byte {
	const alphabet = "abcdefghijklmnopqrstuvwxyz"
	var out [8]byte
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return out
}

// Start (re)initializes session state, logs in, and spawns the worker
// pool plus the retransmit timer. Idempotent if already running.
func (s *Session) Start() bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn("session try to run but is running")
		return true
	}

	s.sessionID = randomSessionID()
	s.lastConnID = 0
	s.lastTransferNo = 0
	s.connList = make(map[uint32]*tunconn.Conn)
	s.transferList = make(map[uint32]time.Time)
	s.onRoadNum = 0
	s.lastSendTime = time.Now()
	s.lastReceiveTime = time.Time{}
	s.traffic = 0
	s.targetOnRoads = 0

	s.ackMu.Lock()
	s.waitAckSendList = make(map[uint32]*pendingSn)
	s.ackSendContinueSn = 0
	s.ackMu.Unlock()
	s.mu.Unlock()

	if !s.loginSession() {
		s.log.Warn("x-tunnel login_session fail, session not start")
		return false
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.waitQueue.Reopen()
	s.stopCh = make(chan struct{})

	for i := 0; i < s.cfg.ConcurrentThreadNum; i++ {
		i := i
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.normalRoundTripWorker(i)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.timer()
	}()

	if s.cfg.EnableTLSRelay && s.relay != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reporter(s.relay)
		}()
	}

	s.log.Info("session started", zap.String("session_id", string(s.sessionID[:])))
	return true
}

// Stop clears running, wakes every worker, and tears down per-connection
// and buffer state. Safe to call from any goroutine.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.log.Warn("session stop but not running")
		return
	}
	s.running = false
	s.targetOnRoads = 0
	conns := make([]*tunconn.Conn, 0, len(s.connList))
	for _, c := range s.connList {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	close(s.stopCh)
	s.waitQueue.Stop()

	s.log.Info("start close all connection")
	for _, c := range conns {
		c.Stop("system reset")
	}

	s.sendBuffer.Reset()
	s.receiveProcess.Reset()

	s.wg.Wait()
	s.log.Debug("session stopped")
}

// Reset is stop();start().
func (s *Session) Reset() bool {
	s.log.Debug("session reset")
	s.Stop()
	return s.Start()
}

// IsIdle reports whether no round trip has gone out in over a minute.
func (s *Session) IsIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastSendTime) > time.Minute
}

// IsRunning reports the current lifecycle state.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastSendTime reports when the session last issued a round trip, used
// by login's idle-timeout check.
func (s *Session) LastSendTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSendTime
}

// Status renders a human-readable snapshot, mirroring the original's
// status(): one "key:value" pair per line, separated by plain newlines.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := "session_id:" + string(s.sessionID[:]) + "\n"
	running := 0
	if s.running {
		running = 1
	}
	out += "running:" + strconv.Itoa(running) + "\n"
	out += "last_conn:" + strconv.Itoa(int(s.lastConnID)) + "\n"
	out += "last_transfer_no:" + strconv.Itoa(int(s.lastTransferNo)) + "\n"
	out += "traffic:" + strconv.Itoa(int(s.traffic)) + "\n"
	out += "on_road_num:" + strconv.Itoa(s.onRoadNum) + "\n"
	out += "target_on_roads:" + strconv.Itoa(s.targetOnRoads) + "\n"
	out += "transfer_list:" + strconv.Itoa(len(s.transferList)) + "\n"
	out += "conn_list:" + strconv.Itoa(len(s.connList)) + "\n"
	return out
}

// createConn registers a new logical connection for host:port, sends the
// cmd=0 connect frame, and returns the new Conn (false when the session
// is not running). The returned Conn is already in the session's table;
// the caller still must pump it with ReadLoop.
func (s *Session) createConn(local net.Conn, host string, port int) (*tunconn.Conn, bool) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.log.Debug("session not running, try to connect")
		return nil, false
	}
	if s.targetOnRoads < s.cfg.MinOnRoad {
		s.targetOnRoads = s.cfg.MinOnRoad
	}
	s.lastConnID += 2
	connID := s.lastConnID
	s.mu.Unlock()

	c := tunconn.New(connID, local, host, uint16(port), s.cfg.WindowsSize, s.cfg.WindowsAck, true, s, s.log)

	connect := wire.MarshalBlock(wire.Block{
		Seq:        0,
		Cmd:        wire.CmdConnect,
		CmdPayload: wire.MarshalConnectCmd(wire.ConnectCmd{SockType: 0, Host: host, Port: uint16(port)}),
	})
	s.SendConnData(connID, connect)
	c.Open()

	s.mu.Lock()
	s.connList[connID] = c
	s.mu.Unlock()

	return c, true
}

// SendConnData implements tunconn.Backend: frame conn_id||len(data)||data
// and enqueue it, nudging the wait queue if the backlog warrants it.
func (s *Session) SendConnData(connID uint32, data []byte) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.log.Warn("send_conn_data but not running")
		return
	}
	s.mu.Unlock()

	buf := buffer.NewWriteBuffer(nil)
	buf.Append(wire.MarshalConnFrame(wire.ConnFrame{ConnID: connID, Block: data}))
	s.sendBuffer.Put(buf.Bytes())

	s.mu.Lock()
	now := time.Now()
	notify := false
	if s.oldestReceivedTime.IsZero() {
		s.oldestReceivedTime = now
	} else if s.sendBuffer.PoolSize() > int(s.cfg.MaxPayload) ||
		now.Sub(s.oldestReceivedTime) > time.Duration(s.cfg.SendDelayMs)*time.Millisecond {
		notify = true
	}
	s.mu.Unlock()

	if notify {
		s.waitQueue.Notify()
	}
}

// RemoveConn implements tunconn.Backend.
func (s *Session) RemoveConn(connID uint32) {
	s.mu.Lock()
	delete(s.connList, connID)
	empty := len(s.connList) == 0
	if empty {
		s.targetOnRoads = 0
	}
	s.mu.Unlock()
	s.log.Debug("remove conn", zap.Uint32("conn_id", connID))
}

// getTransferNo assigns the next monotonic transfer number.
func (s *Session) getTransferNo() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTransferNo++
	return s.lastTransferNo
}

// downloadDataProcessor is the BlockReceivePool sink: it demuxes one
// in-order sn's payload into its conn_id-tagged frames.
func (s *Session) downloadDataProcessor(data []byte) {
	frames, err := wire.UnmarshalConnFrames(data)
	if err != nil {
		s.log.Warn("download_data_processor unmarshal fail", zap.Error(err))
		return
	}
	for _, f := range frames {
		s.mu.Lock()
		c, ok := s.connList[f.ConnID]
		s.mu.Unlock()
		if !ok {
			s.log.Debug("conn not exist", zap.Uint32("conn_id", f.ConnID))
			continue
		}
		if err := c.PutCmdData(f.Block); err != nil {
			s.log.Warn("put_cmd_data fail", zap.Uint32("conn_id", f.ConnID), zap.Error(err))
		}
	}
}
