package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xxnet/xxnet-go/internal/cipher"
	"github.com/xxnet/xxnet-go/internal/config"
)

// Balance is the decoded result of a successful /login, /register, or
// balance refresh call against the control-plane api_server — restored
// from original_source's request_balance (spec.md §1's Non-goals
// excludes credential issuance itself, not the balance/quota bookkeeping
// a running session depends on).
type Balance struct {
	Balance     float64
	Selectable  bool
	PromoteCode string
	Promoter    string
}

// apiResponse is the control API's common JSON envelope.
type apiResponse struct {
	Res        string    `json:"res"`
	Reason     string    `json:"reason"`
	QuotaList  QuotaList `json:"quota_list"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	Selectable bool      `json:"selectable"`
	PromoteCode string   `json:"promote_code"`
	Promoter   string    `json:"promoter"`
	Balance    float64   `json:"balance"`
	Data       struct {
		IPs []string `json:"ips"`
	} `json:"data"`
}

// Account holds the control-plane / data-plane session state the
// original kept as module globals (g.server_host, g.quota, g.balance,
// ...): which x-tunnel server to round-trip against, and the account's
// remaining quota. Separate from Session's transport bookkeeping since
// it's refreshed independently by login/balance calls, not by round
// trips.
type Account struct {
	cfg        *config.Config
	log        *zap.Logger
	httpClient *http.Client
	cipher     cipher.Cipher

	mu           sync.Mutex
	serverHost   string
	serverPort   int
	quota        float64
	balance      float64
	selectable   bool
	promoteCode  string
	promoter     string
	lastAPIError string
}

func newAccount(cfg *config.Config, log *zap.Logger) *Account {
	a := &Account{
		cfg:        cfg,
		log:        log,
		httpClient: &http.Client{Timeout: time.Duration(cfg.NetworkTimeoutSec) * time.Second},
		serverHost: cfg.ServerHost,
		serverPort: cfg.ServerPort,
		cipher:     cipher.Identity,
	}
	if cfg.EncryptData {
		if c, err := cipher.New(cfg.EncryptMethod, cfg.EncryptPassword); err == nil {
			a.cipher = c
		}
	}
	return a
}

func (a *Account) serverHostPort() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.serverHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", a.serverHost, a.serverPort)
}

func (a *Account) clearServerHost() {
	a.mu.Lock()
	a.serverHost = ""
	a.mu.Unlock()
}

// Quota reports the account's currently tracked remaining quota.
func (a *Account) Quota() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.quota
}

// LastAPIError reports the most recent control-plane failure reason, or
// "" after a successful call.
func (a *Account) LastAPIError() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastAPIError
}

// RequestBalance logs into (or registers against) the control-plane
// api_server and refreshes the account's quota, server assignment, and
// balance — original_source's request_balance. When no api_server is
// configured, the statically configured server_host/port is used as-is
// (single-server deployments skip the control plane entirely).
func (a *Account) RequestBalance(ctx context.Context, account, password string, isRegister, updateServer bool) (Balance, error) {
	if a.cfg.APIServer == "" {
		a.mu.Lock()
		a.serverHost = a.cfg.ServerHost
		a.serverPort = a.cfg.ServerPort
		a.mu.Unlock()
		a.log.Info("not api_server set, use server specified in config",
			zap.String("server_host", a.cfg.ServerHost))
		return Balance{}, nil
	}

	path := "/login"
	if isRegister {
		path = "/register"
		a.log.Info("request_balance register", zap.String("account", account))
	}

	reqInfo := map[string]string{
		"account":          account,
		"password":         password,
		"protocol_version": "2",
	}

	info, err := a.callAPI(ctx, path, reqInfo)
	if err != nil {
		return Balance{}, err
	}

	a.mu.Lock()
	a.quota = calculateQuotaLeft(info.QuotaList)
	a.selectable = info.Selectable
	a.promoteCode = info.PromoteCode
	a.promoter = info.Promoter
	a.balance = info.Balance
	if a.cfg.ServerHost != "" {
		a.log.Info("use server specified in config", zap.String("server_host", a.cfg.ServerHost))
		a.serverHost = a.cfg.ServerHost
		a.serverPort = a.cfg.ServerPort
	} else if updateServer || a.serverHost == "" {
		a.serverHost = info.Host
		a.serverPort = info.Port
	}
	host, port, quota, balance := a.serverHost, a.serverPort, a.quota, a.balance
	a.mu.Unlock()

	if quota <= 0 {
		a.log.Warn("no quota")
	}
	a.log.Info("request_balance", zap.String("host", host), zap.Int("port", port),
		zap.Float64("balance", balance), zap.Float64("quota", quota))

	return Balance{Balance: info.Balance, Selectable: info.Selectable, PromoteCode: info.PromoteCode, Promoter: info.Promoter}, nil
}

// callAPI POSTs a JSON request to the control-plane api_server and
// decodes its envelope, retrying 4xx/5xx responses for up to 30s —
// original_source's call_api.
func (a *Account) callAPI(ctx context.Context, path string, reqInfo interface{}) (apiResponse, error) {
	if len(path) == 0 || path[0] != '/' {
		path = "/" + path
	}

	plain, err := json.Marshal(reqInfo)
	if err != nil {
		return apiResponse{}, fmt.Errorf("session: marshal api request: %w", err)
	}
	body, err := a.encrypt(plain)
	if err != nil {
		return apiResponse{}, fmt.Errorf("session: encrypt api request: %w", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	var status int
	var content []byte
	for time.Now().Before(deadline) {
		status, content, err = a.postJSON(ctx, path, body)
		if err != nil || status >= 400 {
			time.Sleep(time.Second)
			continue
		}
		break
	}

	if err != nil {
		a.setLastAPIError(err.Error())
		return apiResponse{}, err
	}
	if status != http.StatusOK {
		reason := fmt.Sprintf("status:%d", status)
		a.setLastAPIError(reason)
		a.log.Warn("api call failed", zap.String("path", path), zap.String("reason", reason))
		return apiResponse{}, fmt.Errorf("session: api %s: %s", path, reason)
	}

	decrypted, err := a.decrypt(content)
	if err != nil {
		a.setLastAPIError("decrypt fail")
		return apiResponse{}, fmt.Errorf("session: decrypt api response: %w", err)
	}

	var info apiResponse
	if err := json.Unmarshal(decrypted, &info); err != nil {
		a.setLastAPIError("parse json fail")
		a.log.Warn("api parse json fail", zap.String("path", path), zap.Error(err))
		return apiResponse{}, fmt.Errorf("session: parse api response: %w", err)
	}

	if info.Res != "success" {
		a.setLastAPIError(info.Reason)
		a.log.Warn("api call rejected", zap.String("path", path), zap.String("reason", info.Reason))
		return apiResponse{}, fmt.Errorf("session: api %s: %s", path, info.Reason)
	}

	a.setLastAPIError("")
	a.log.Info("api call succeeded", zap.String("path", path))
	return info, nil
}

func (a *Account) postJSON(ctx context.Context, path string, body []byte) (int, []byte, error) {
	url := fmt.Sprintf("http://%s%s", a.cfg.APIServer, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
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

func (a *Account) setLastAPIError(reason string) {
	a.mu.Lock()
	a.lastAPIError = reason
	a.mu.Unlock()
}

func (a *Account) encrypt(plain []byte) ([]byte, error) {
	return a.cipher.Encrypt(plain)
}

func (a *Account) decrypt(ciphertext []byte) ([]byte, error) {
	return a.cipher.Decrypt(ciphertext)
}
