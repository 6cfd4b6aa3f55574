package session

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// RelayIPSet is the narrow view onto the TLS-relay front spec.md's CDN
// boundary excludes from this module (same boundary as the gae
// adapter's external handler): the reporter only needs to know whether
// the front currently holds any healthy IP and how to refresh its set,
// never how it dispatches through them.
type RelayIPSet interface {
	HasHealthyIP() bool
	SetIPs(ips []string)
}

// reporter periodically POSTs usage stats to the control-plane API and
// refreshes the TLS-relay IP set when every known IP has gone bad —
// original_source's reporter/check_report_status. Only runs when
// enable_tls_relay is configured.
func (s *Session) reporter(relay RelayIPSet) {
	if relay == nil {
		return
	}
	interval := time.Duration(s.cfg.ReportIntervalSec) * time.Second
	select {
	case <-s.stopCh:
		return
	case <-time.After(5 * time.Second):
	}
	for {
		s.checkReportStatus(relay)
		select {
		case <-s.stopCh:
			return
		case <-time.After(interval):
		}
	}
}

func (s *Session) checkReportStatus(relay RelayIPSet) {
	if s.IsIdle() {
		return
	}
	if relay.HasHealthyIP() {
		return
	}

	reqInfo := map[string]interface{}{
		"account":  s.cfg.LoginAccount,
		"password": s.cfg.LoginPassword,
		"stat": map[string]int64{
			"roundtrip_num":     atomic.LoadInt64(&s.stat.RoundtripNum),
			"slow_roundtrip":    atomic.LoadInt64(&s.stat.SlowRoundtrip),
			"timeout_roundtrip": atomic.LoadInt64(&s.stat.TimeoutRoundtrip),
			"resend":            atomic.LoadInt64(&s.resendCount),
		},
	}

	s.log.Debug("start report_stat")
	info, err := s.account.callAPI(context.Background(), "/report_stat", reqInfo)
	if err != nil {
		s.log.Warn("report fail", zap.Error(err))
		return
	}
	relay.SetIPs(extractRelayIPs(info))
}

// extractRelayIPs pulls the refreshed relay IP set out of report_stat's
// response envelope; validating those IPs is the TLS-relay front's job,
// not this module's.
func extractRelayIPs(info apiResponse) []string {
	return info.Data.IPs
}
