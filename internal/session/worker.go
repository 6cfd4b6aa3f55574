package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xxnet/xxnet-go/internal/buffer"
	"github.com/xxnet/xxnet-go/internal/wire"
)

// timer periodically wakes the wait queue when the send buffer has been
// sitting un-drained for longer than send_delay (spec.md §4.4 "Timer").
func (s *Session) timer() {
	delay := time.Duration(s.cfg.SendDelayMs) * time.Millisecond
	ticker := time.NewTicker(delay)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			pending := s.sendBuffer.PoolSize() > 0 && !s.oldestReceivedTime.IsZero() &&
				time.Since(s.oldestReceivedTime) > delay
			s.mu.Unlock()
			if pending {
				s.waitQueue.Notify()
			}
		}
	}
}

// snPayloadHead mirrors sn_payload_head: sn(u32) || len(u32).
func snPayloadHead(sn uint32, payload []byte) []byte {
	var head [8]byte
	binary.LittleEndian.PutUint32(head[0:4], sn)
	binary.LittleEndian.PutUint32(head[4:8], uint32(len(payload)))
	return head[:]
}

// getData assembles one round trip's outbound data section: first any
// sn overdue for retransmit, then fresh payload drained from the send
// buffer, both capped at max_payload (spec.md §4.4 "get_send_data").
func (s *Session) getData(workID int) []byte {
	now := time.Now()
	out := buffer.NewWriteBuffer(nil)
	maxPayload := int(s.cfg.MaxPayload)
	resendTimeout := time.Duration(s.cfg.ResendTimeoutMs) * time.Millisecond

	s.ackMu.Lock()
	for sn, pk := range s.waitAckSendList {
		if pk.acked {
			continue
		}
		if now.Sub(pk.sendTime) > resendTimeout {
			atomic.AddInt64(&s.resendCount, 1)
			out.Append(snPayloadHead(sn, pk.payload))
			out.Append(pk.payload)
			pk.sendTime = now
			if out.Len() > maxPayload {
				s.ackMu.Unlock()
				return out.Bytes()
			}
		}
	}
	s.ackMu.Unlock()

	s.mu.Lock()
	poolSize := s.sendBuffer.PoolSize()
	elapsedSinceOldest := time.Duration(0)
	if !s.oldestReceivedTime.IsZero() {
		elapsedSinceOldest = now.Sub(s.oldestReceivedTime)
	}
	sendDelay := time.Duration(s.cfg.SendDelayMs) * time.Millisecond
	shouldDrain := poolSize > maxPayload ||
		(poolSize > 0 && (elapsedSinceOldest > sendDelay || workID < s.targetOnRoads))
	s.mu.Unlock()

	if shouldDrain {
		if payload, sn, ok := s.sendBuffer.Get(); ok {
			s.ackMu.Lock()
			s.waitAckSendList[sn] = &pendingSn{payload: payload, sendTime: now}
			s.ackMu.Unlock()
			out.Append(snPayloadHead(sn, payload))
			out.Append(payload)

			if s.sendBuffer.PoolSize() == 0 {
				s.mu.Lock()
				s.oldestReceivedTime = time.Time{}
				s.mu.Unlock()
			}
		}
	}

	return out.Bytes()
}

// getAck builds the ack section: receive_process.next_sn-1 followed by
// every buffered out-of-order sn, when forced or when data has been
// received since the last send and ack_delay has elapsed.
func (s *Session) getAck(force bool) []byte {
	now := time.Now()
	s.mu.Lock()
	lastReceive := s.lastReceiveTime
	lastSend := s.lastSendTime
	s.mu.Unlock()

	ackDelay := time.Duration(s.cfg.AckDelayMs) * time.Millisecond
	due := force || (!lastReceive.IsZero() && lastReceive.After(lastSend) && now.Sub(lastReceive) > ackDelay)
	if !due {
		return nil
	}

	out := buffer.NewWriteBuffer(nil)
	lastAck := s.receiveProcess.NextSn() - 1
	out.Append(wire.MarshalAckPayload(wire.AckPayload{LastAck: lastAck, Out: s.receiveProcess.PendingSns()}))
	return out.Bytes()
}

// getSendData blocks until there's something worth sending: non-empty
// data, a justified ack, or elastic keep-alive demand (spec.md §4.4).
func (s *Session) getSendData(workID int) (data, ack []byte) {
	force := false
	for s.IsRunning() {
		data = s.getData(workID)

		s.mu.Lock()
		belowTarget := workID < s.targetOnRoads
		s.mu.Unlock()

		if len(data) > 0 || belowTarget {
			force = true
		}

		ack = s.getAck(force)
		if len(data) > 0 || len(ack) > 0 || force {
			return data, ack
		}

		if !s.waitQueue.Wait(workID) {
			break
		}
	}
	s.log.Debug("get_send_data on stop")
	return nil, nil
}

// ackProcess marks every sn named by ack as acked, then compacts the
// contiguous acked prefix of wait_ack_send_list (spec.md §4.4 "Ack
// processing").
func (s *Session) ackProcess(ack []byte) {
	payload, err := wire.UnmarshalAckPayload(ack)
	if err != nil {
		s.log.Warn("ack_process unmarshal fail", zap.Error(err))
		return
	}

	s.ackMu.Lock()
	defer s.ackMu.Unlock()

	for _, sn := range payload.Out {
		if pk, ok := s.waitAckSendList[sn]; ok {
			pk.acked = true
		}
	}
	for sn, pk := range s.waitAckSendList {
		if sn > payload.LastAck || pk.acked {
			continue
		}
		pk.acked = true
	}
	for {
		pk, ok := s.waitAckSendList[s.ackSendContinueSn+1]
		if !ok || !pk.acked {
			break
		}
		s.ackSendContinueSn++
		delete(s.waitAckSendList, s.ackSendContinueSn)
	}
}

// roundTripProcess feeds downloaded sn-tagged payloads into the receive
// pool, then processes the piggybacked ack.
func (s *Session) roundTripProcess(data, ack []byte) {
	snPayloads, err := wire.UnmarshalSnPayloads(data)
	if err != nil {
		s.log.Warn("round_trip_process unmarshal fail", zap.Error(err))
		return
	}
	for _, p := range snPayloads {
		s.receiveProcess.Put(p.Sn, p.Payload)
	}
	if len(ack) > 0 {
		s.ackProcess(ack)
	}
}

// triggerMore wakes additional workers up to target_on_roads, capped by
// how many are currently parked.
func (s *Session) triggerMore() {
	s.mu.Lock()
	runningNum := s.cfg.ConcurrentThreadNum - s.waitQueue.NumWaiters()
	actionNum := s.targetOnRoads - runningNum
	s.mu.Unlock()
	for i := 0; i < actionNum; i++ {
		s.waitQueue.Notify()
	}
}

// serverTimeout computes the round-trip's long-poll budget: 0 when the
// buffer is backlogged past min_on_road concurrency, else graduated by
// how deep in the worker pool this worker sits (spec.md §4.4 step 2).
func (s *Session) serverTimeout(workID int) uint8 {
	s.mu.Lock()
	poolSize := s.sendBuffer.PoolSize()
	waiters := s.waitQueue.NumWaiters()
	s.mu.Unlock()

	n := s.cfg.ConcurrentThreadNum
	switch {
	case poolSize > int(s.cfg.MaxPayload) || (poolSize > 0 && waiters < s.cfg.MinOnRoad):
		return 0
	case workID > n*9/10:
		return 1
	case workID > n*7/10:
		return 3
	default:
		return uint8(s.cfg.RoundtripTimeoutSec)
	}
}

// normalRoundTripWorker is one of concurrent_thread_num long-running
// workers: wait for outbound work, POST it, dispatch the response.
func (s *Session) normalRoundTripWorker(workID int) {
	for s.IsRunning() {
		data, ack := s.getSendData(workID)
		if !s.IsRunning() {
			return
		}

		transferNo := s.getTransferNo()
		timeout := s.serverTimeout(workID)

		req := wire.RoundTripRequest{
			SessionID:     s.sessionID,
			TransferNo:    transferNo,
			ServerTimeout: timeout,
			Data:          data,
			Ack:           ack,
		}
		body, err := s.cipher.Encrypt(wire.MarshalRoundTripRequest(req))
		if err != nil {
			s.log.Warn("round trip encrypt fail", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		s.mu.Lock()
		s.onRoadNum++
		s.transferList[transferNo] = time.Now()
		s.lastSendTime = time.Now()
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(int(timeout)+s.cfg.NetworkTimeoutSec)*time.Second)
		start := time.Now()
		status, content, err := s.postRoundTrip(ctx, transferNo, body)
		cancel()

		s.mu.Lock()
		s.onRoadNum--
		delete(s.transferList, transferNo)
		s.mu.Unlock()

		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				atomic.AddInt64(&s.stat.TimeoutRoundtrip, 1)
			}
			if s.IsRunning() {
				s.log.Debug("round trip request failed", zap.Error(err))
			}
			time.Sleep(time.Second)
			continue
		}

		traffic := int64(len(body)) + int64(len(content)) + 645
		s.mu.Lock()
		s.traffic += traffic
		s.mu.Unlock()
		s.account.deductTraffic(traffic)

		atomic.AddInt64(&s.stat.RoundtripNum, 1)
		roundTripTime := time.Since(start)

		if status == 521 {
			s.log.Warn("x-tunnel server is down, try get new server")
			s.account.clearServerHost()
			s.Stop()
			s.EnsureLoggedIn()
			return
		}
		if status != http.StatusOK {
			s.log.Warn("roundtrip non-200 status", zap.Int("status", status), zap.Uint32("transfer_no", transferNo))
			time.Sleep(time.Second)
			continue
		}
		if len(content) < 6 {
			s.log.Warn("roundtrip response too short", zap.Int("len", len(content)))
			continue
		}

		plain, err := s.cipher.Decrypt(content)
		if err != nil {
			s.log.Warn("roundtrip decrypt fail", zap.Error(err))
			continue
		}

		hdr, rest, err := wire.ParseHeader(plain)
		if err != nil {
			s.log.Warn("roundtrip header fail", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		switch hdr.Type {
		case wire.PackError:
			errResp, err := wire.UnmarshalErrorResponse(rest)
			if err != nil {
				s.log.Warn("error response unmarshal fail", zap.Error(err))
				continue
			}
			if stop := s.handleErrorResponse(errResp, transferNo); stop {
				return
			}
			continue
		case wire.PackRoundTrip:
			resp, err := wire.UnmarshalRoundTripResponse(rest)
			if err != nil {
				s.log.Warn("roundtrip body fail", zap.Error(err))
				continue
			}
			s.applyRoundTripResponse(workID, transferNo, resp, roundTripTime, len(plain))
		default:
			s.log.Error("unexpected pack type", zap.Uint8("type", hdr.Type))
			time.Sleep(100 * time.Second)
		}
	}
	s.log.Info("roundtrip thread exit")
}

// handleErrorResponse dispatches pack_type=3 per spec.md §7; returns
// true when the worker must exit (quota exhausted or a session reset
// was triggered).
func (s *Session) handleErrorResponse(e wire.ErrorResponse, transferNo uint32) (stop bool) {
	switch e.Code {
	case wire.ErrNoQuota:
		s.log.Warn("x_server error: no quota")
		s.Stop()
		return true
	case wire.ErrUnpack:
		s.log.Warn("roundtrip unpack_error", zap.String("message", e.Message))
		return false
	case wire.ErrSessionMissing:
		s.mu.Lock()
		requestedID := string(s.sessionID[:])
		s.mu.Unlock()
		s.log.Warn("server session_id not exist, reset session", zap.String("session_id", requestedID))
		s.Reset()
		return true
	default:
		s.log.Error("unknown error code", zap.Uint8("code", e.Code), zap.String("message", e.Message))
		return false
	}
}

// applyRoundTripResponse adjusts target_on_roads per spec.md §4.4 step
// 7, feeds the downloaded payload into the receive pool, and processes
// the piggybacked ack. contentLen is the full decrypted response
// (header included), matching the original's comparison against
// len(content) rather than just the data+ack payloads.
func (s *Session) applyRoundTripResponse(workID int, transferNo uint32, resp wire.RoundTripResponse, roundTripTime time.Duration, contentLen int) {
	s.mu.Lock()
	connCount := len(s.connList)
	switch {
	case connCount == 0:
		s.targetOnRoads = 0
	case contentLen >= int(s.cfg.MaxPayload):
		ceiling := s.cfg.ConcurrentThreadNum - s.cfg.MinOnRoad
		s.targetOnRoads += 10
		if s.targetOnRoads > ceiling {
			s.targetOnRoads = ceiling
		}
	case contentLen <= 21:
		s.targetOnRoads -= 5
		if s.targetOnRoads < s.cfg.MinOnRoad {
			s.targetOnRoads = s.cfg.MinOnRoad
		}
	}
	s.mu.Unlock()
	s.triggerMore()

	rtt := roundTripTime.Milliseconds() - int64(resp.TimeCostMs)
	if rtt < 100 {
		rtt = 100
	}
	if rtt > 8000 {
		atomic.AddInt64(&s.stat.SlowRoundtrip, 1)
	}

	s.roundTripProcess(resp.Data, resp.Ack)
	s.mu.Lock()
	s.lastReceiveTime = time.Now()
	s.mu.Unlock()
}

// postRoundTrip issues the encrypted data-plane POST for one transfer.
func (s *Session) postRoundTrip(ctx context.Context, transferNo uint32, body []byte) (status int, content []byte, err error) {
	host := s.account.serverHostPort()
	if host == "" {
		return 0, nil, fmt.Errorf("session: no server host")
	}
	url := fmt.Sprintf("http://%s/data?tid=%d", host, transferNo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Length", fmt.Sprint(len(body)))

	resp, err := s.account.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	content, err = io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, content, nil
}
