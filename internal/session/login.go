package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xxnet/xxnet-go/internal/wire"
)

// loginSession performs the wire-level handshake (pack_type=1) against
// the currently assigned server_host, retrying on failure for up to 30s
// (spec.md §4.4 "Login"). A 521 means the server itself is gone: clear
// it immediately so the caller re-queries the account API instead of
// retrying the same dead host.
func (s *Session) loginSession() bool {
	host := s.account.serverHostPort()
	if host == "" {
		return false
	}

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		attemptID := uuid.NewString()
		start := time.Now()
		req := wire.LoginRequest{
			SessionID:     s.sessionID,
			MaxPayload:    s.cfg.MaxPayload,
			SendDelay:     s.cfg.SendDelayMs,
			WindowsSize:   s.cfg.WindowsSize,
			WindowsAck:    s.cfg.WindowsAck,
			ResendTimeout: s.cfg.ResendTimeoutMs,
			AckDelay:      s.cfg.AckDelayMs,
			Account:       s.cfg.LoginAccount,
			Password:      s.cfg.LoginPassword,
		}
		body, err := s.cipher.Encrypt(wire.MarshalLoginRequest(req))
		if err != nil {
			s.log.Warn("login_session encrypt fail", zap.String("attempt_id", attemptID), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.NetworkTimeoutSec)*time.Second)
		status, content, err := s.postLogin(ctx, host, body)
		cancel()
		timeCost := time.Since(start)

		if err != nil {
			s.log.Warn("login_session request failed", zap.String("attempt_id", attemptID), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if status == 521 {
			s.log.Warn("login session server is down, try get new server", zap.String("attempt_id", attemptID))
			s.account.clearServerHost()
			return false
		}
		if status != http.StatusOK {
			s.log.Warn("login_session fail", zap.String("attempt_id", attemptID), zap.Int("status", status))
			continue
		}
		if len(content) < 6 {
			s.log.Error("login_session protocol fail", zap.String("attempt_id", attemptID), zap.Int("len", len(content)))
			continue
		}

		info, err := s.cipher.Decrypt(content)
		if err != nil {
			s.log.Warn("login_session decrypt fail", zap.String("attempt_id", attemptID), zap.Error(err))
			continue
		}
		resp, err := wire.UnmarshalLoginResponse(info)
		if err != nil {
			s.log.Error("login_session head error", zap.String("attempt_id", attemptID), zap.Error(err))
			return false
		}
		if resp.Res != 0 {
			s.log.Warn("login_session fail", zap.String("attempt_id", attemptID),
				zap.Uint8("res", resp.Res), zap.String("message", resp.Message))
			return false
		}

		s.log.Info("login_session ok", zap.String("attempt_id", attemptID), zap.String("session_id", string(s.sessionID[:])),
			zap.Duration("time_cost", timeCost), zap.String("message", resp.Message))
		return true
	}
	return false
}

func (s *Session) postLogin(ctx context.Context, host string, body []byte) (int, []byte, error) {
	url := fmt.Sprintf("http://%s/data", host)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	resp, err := s.account.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, content, nil
}

var loginMu sync.Mutex

// EnsureLoggedIn mirrors login_process: make sure the account has a
// server assigned (requesting balance if not), restart an idle session,
// and start the session if it isn't already running.
func (s *Session) EnsureLoggedIn() bool {
	loginMu.Lock()
	defer loginMu.Unlock()

	if s.cfg.LoginAccount == "" || s.cfg.LoginPassword == "" {
		s.log.Debug("x-tunnel no account")
		return false
	}

	if s.account.serverHostPort() == "" {
		s.log.Debug("session not running, try login..")
		if _, err := s.account.RequestBalance(context.Background(), s.cfg.LoginAccount, s.cfg.LoginPassword, false, true); err != nil {
			s.log.Warn("x-tunnel request_balance fail when ensuring login", zap.Error(err))
			return false
		}
	}

	if time.Since(s.LastSendTime()) > 5*time.Minute-5*time.Second {
		s.log.Info("session timeout, reset it")
		s.Stop()
	}

	if !s.IsRunning() {
		return s.Start()
	}
	return true
}

// CreateConn is the blocking egress.SocksSession entry point: ensure the
// session is logged in (up to 3 attempts, 1s apart), register conn as a
// logical connection, push any already-peeked bytes, and block until the
// logical connection ends — original_source's top-level create_conn plus
// Connection.ReadLoop folded into one call.
func (s *Session) CreateConn(conn net.Conn, host string, port int, leftBuf []byte) bool {
	if s.cfg.LoginAccount == "" || s.cfg.LoginPassword == "" {
		return false
	}

	loggedIn := false
	for i := 0; i < 3; i++ {
		if s.EnsureLoggedIn() {
			loggedIn = true
			break
		}
		time.Sleep(time.Second)
	}
	if !loggedIn {
		return false
	}

	c, ok := s.createConn(conn, host, port)
	if !ok {
		return false
	}
	if len(leftBuf) > 0 {
		s.SendConnData(c.ID, wire.MarshalBlock(wire.Block{Seq: 0, Cmd: wire.CmdData, CmdPayload: leftBuf}))
	}

	c.ReadLoop(int(s.cfg.MaxPayload))
	return true
}
