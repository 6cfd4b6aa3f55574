package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// QuotaEntry is one quota window: a size and the unix time it expires.
type QuotaEntry struct {
	Quota   float64 `json:"quota"`
	EndTime int64   `json:"end_time"`
}

// QuotaList is the account's current plus backup windows, as returned by
// the balance/login API (spec.md §1's Non-goals excludes registration
// and UI quota pages, but traffic accounting itself — spec.md §4.4 step
// 3's "g.quota -= traffic" — is load-bearing and restored here per
// original_source/proxy_session.py's calculate_quota_left).
type QuotaList struct {
	Current *QuotaEntry  `json:"current"`
	Backup  []QuotaEntry `json:"backup"`
}

// calculateQuotaLeft sums every window that hasn't expired yet.
func calculateQuotaLeft(ql QuotaList) float64 {
	now := time.Now().Unix()
	var left float64
	if ql.Current != nil && ql.Current.EndTime > now {
		left += ql.Current.Quota
	}
	for _, b := range ql.Backup {
		if b.EndTime >= now {
			left += b.Quota
		}
	}
	return left
}

// deductTraffic mirrors the per-round-trip "g.quota -= traffic" deduction
// (spec.md §4.4 step 3's traffic accounting), floored at zero.
func (a *Account) deductTraffic(n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quota -= float64(n)
	if a.quota < 0 {
		a.quota = 0
	}
}

// PollQuotaUpdate re-requests the balance every minute until quota grows
// by at least 1 GiB or 10 minutes elapse, mirroring update_quota_loop —
// used after a plan purchase to wait for the new quota to take effect.
func (s *Session) PollQuotaUpdate() {
	s.log.Debug("update_quota_loop start")
	deadline := time.Now().Add(10 * time.Minute)
	lastQuota := s.account.Quota()

	for time.Now().Before(deadline) {
		select {
		case <-s.stopCh:
			return
		default:
		}
		if s.cfg.LoginAccount == "" {
			s.log.Info("update_quota_loop but logged out")
			return
		}

		if _, err := s.account.RequestBalance(context.Background(), s.cfg.LoginAccount, s.cfg.LoginPassword, false, false); err != nil {
			s.log.Debug("update_quota_loop request_balance fail", zap.Error(err))
		}

		if s.account.Quota()-lastQuota > 1024*1024*1024 {
			s.log.Info("update_quota_loop quota updated")
			return
		}

		time.Sleep(time.Minute)
	}
}
