// Package config loads and validates the JSON configuration file that
// drives the router, the x-tunnel session, and logging.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Target is one candidate egress address, carried over from the
// teacher's rule-list config; no other type in this package refers to
// it.
type Target struct {
	Address string `json:"address"`
}

// Listener describes one local TCP accept point and the policy knobs
// that apply to connections accepted there.
type Listener struct {
	Name      string          `json:"name"`
	Listen    string          `json:"listen"`
	Blacklist map[string]bool `json:"blacklist"`
}

// Config is the full persisted schema, matching spec.md §6's
// configuration enumeration.
type Config struct {
	Log struct {
		Level      string `json:"level"`
		Path       string `json:"path"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
		MaxAgeDays int    `json:"max_age_days"`
	} `json:"log"`

	Listeners []*Listener `json:"listeners"`

	// Wire/transport tunables: delays and timeouts in ms; max_payload
	// and windows_* in bytes.
	MaxPayload      uint32 `json:"max_payload"`
	SendDelayMs     uint16 `json:"send_delay"`
	AckDelayMs      uint16 `json:"ack_delay"`
	ResendTimeoutMs uint16 `json:"resend_timeout"`
	WindowsSize     uint32 `json:"windows_size"`
	WindowsAck      uint32 `json:"windows_ack"`

	// Worker pool sizing.
	ConcurrentThreadNum int `json:"concurrent_thread_num"`
	MinOnRoad           int `json:"min_on_road"`

	RoundtripTimeoutSec int `json:"roundtrip_timeout"`
	NetworkTimeoutSec   int `json:"network_timeout"`

	// Crypto.
	EncryptData     bool   `json:"encrypt_data"`
	EncryptPassword string `json:"encrypt_password"`
	EncryptMethod   string `json:"encrypt_method"`

	// Account / servers.
	LoginAccount  string `json:"login_account"`
	LoginPassword string `json:"login_password"`
	APIServer     string `json:"api_server"`
	ServerHost    string `json:"server_host"`
	ServerPort    int    `json:"server_port"`

	// Router policy toggles.
	AutoDirect          bool   `json:"auto_direct"`
	AutoDirect6         bool   `json:"auto_direct6"`
	AutoGAE             bool   `json:"auto_gae"`
	EnableFakeCA        bool   `json:"enable_fake_ca"`
	BlockAdvertisement  bool   `json:"block_advertisement"`
	PACPolicy           string `json:"pac_policy"`
	CountryCode         string `json:"country_code"`
	EnableTLSRelay      bool   `json:"enable_tls_relay"`
	ReportIntervalSec   int    `json:"report_interval"`

	// FakeHost is the self-check sentinel hostname the domain-proxy
	// entry point special-cases straight to the gae adapter (spec.md
	// §4.6).
	FakeHost string `json:"fake_host"`
}

// envOverride names the environment variable that, if set, overrides
// the default config file path — mirrors the teacher's MOTO_CONFIG.
const envOverride = "XXNET_CONFIG"

const defaultPath = "config/setting.json"

// Load reads and validates the config at path, or the env-overridden /
// default path if path is empty.
func Load(path string) (*Config, error) {
	if path == "" {
		if p := os.Getenv(envOverride); p != "" {
			path = p
		} else {
			path = defaultPath
		}
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.verify(); err != nil {
		return nil, fmt.Errorf("verify config %s: %w", path, err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MaxPayload == 0 {
		c.MaxPayload = 1024 * 32
	}
	if c.SendDelayMs == 0 {
		c.SendDelayMs = 100
	}
	if c.AckDelayMs == 0 {
		c.AckDelayMs = 300
	}
	if c.ResendTimeoutMs == 0 {
		c.ResendTimeoutMs = 3000
	}
	if c.WindowsSize == 0 {
		c.WindowsSize = 16 * 1024 * 1024
	}
	if c.WindowsAck == 0 {
		c.WindowsAck = c.WindowsSize / 20
	}
	if c.ConcurrentThreadNum == 0 {
		c.ConcurrentThreadNum = 15
	}
	if c.MinOnRoad == 0 {
		c.MinOnRoad = 2
	}
	if c.RoundtripTimeoutSec == 0 {
		c.RoundtripTimeoutSec = 90
	}
	if c.NetworkTimeoutSec == 0 {
		c.NetworkTimeoutSec = 30
	}
	if c.ReportIntervalSec == 0 {
		c.ReportIntervalSec = 3 * 60
	}
	if c.EncryptMethod == "" {
		c.EncryptMethod = "chacha20poly1305"
	}
}

// verify mirrors the teacher's per-rule verify() pass: reject
// structurally invalid config rather than fail far from the cause.
func (c *Config) verify() error {
	for i, l := range c.Listeners {
		if l.Name == "" {
			return fmt.Errorf("listener[%d]: empty name", i)
		}
		if l.Listen == "" {
			return fmt.Errorf("listener[%d]: empty listen address", i)
		}
	}
	if c.MinOnRoad > c.ConcurrentThreadNum {
		return fmt.Errorf("min_on_road (%d) exceeds concurrent_thread_num (%d)", c.MinOnRoad, c.ConcurrentThreadNum)
	}
	return nil
}

// Save rewrites the config file at path, matching spec.md §6's
// "rewritten on change" persistence requirement.
func (c *Config) Save(path string) error {
	buf, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o600)
}
