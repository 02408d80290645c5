// Package config handles relay configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex
// string suitable for use as a JWT or admin secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level relay configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Session   SessionConfig   `json:"session"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
	Channel   ChannelConfig   `json:"channel,omitempty"`
	Dispute   DisputeConfig   `json:"dispute,omitempty"`
	Allowlist AllowlistConfig `json:"allowlist,omitempty"`
	Admin     AdminConfig     `json:"admin"`
	Storage   StorageConfig   `json:"storage,omitempty"`
	Ops       OpsConfig       `json:"ops,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
}

// ServerConfig defines the relay's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":6667"
	AdminAddr      string   `json:"admin_addr,omitempty"`       // e.g. ":6668"; defaults to Addr
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`  // CORS / WS origin check; default ["*"]
	MaxFrameBytes  int64    `json:"max_frame_bytes,omitempty"`  // max inbound frame size; default 64KB
}

// SessionConfig defines session and handshake behavior.
type SessionConfig struct {
	PreAuthBudgetBurst int      `json:"pre_auth_budget_burst,omitempty"` // frames allowed before IDENTIFY completes; default 5
	ChallengeTTL       Duration `json:"challenge_ttl,omitempty"`         // default 60s
	WriteQueueSize     int      `json:"write_queue_size,omitempty"`      // default 256
}

// RateLimitConfig defines the per-session token bucket.
type RateLimitConfig struct {
	SustainedPerSecond float64 `json:"sustained_per_second,omitempty"` // default 1
	Burst              int     `json:"burst,omitempty"`                // default 10
}

// ChannelConfig defines channel engine defaults.
type ChannelConfig struct {
	ReplayBufferSize int      `json:"replay_buffer_size,omitempty"` // default 20
	DefaultChannels  []string `json:"default_channels,omitempty"`   // default ["#general", "#agents"]
}

// DisputeConfig defines Agentcourt timing and eligibility.
type DisputeConfig struct {
	PanelSize              int      `json:"panel_size,omitempty"`                // default 3
	MinRating              int      `json:"min_rating,omitempty"`                // default 1200
	MinTransactions        int      `json:"min_transactions,omitempty"`          // default 10
	IndependenceWindow     Duration `json:"independence_window,omitempty"`       // default 720h (30d)
	RevealTimeout          Duration `json:"reveal_timeout,omitempty"`            // default 10m
	ArbiterResponseTimeout Duration `json:"arbiter_response_timeout,omitempty"`  // default 30m
	EvidenceWindow         Duration `json:"evidence_window,omitempty"`           // default 1h
	VoteWindow             Duration `json:"vote_window,omitempty"`               // default 1h
	MaxReplacementRounds   int      `json:"max_replacement_rounds,omitempty"`    // default 2
	FilingFee              int      `json:"filing_fee,omitempty"`                // default 10
	EffectiveK             int      `json:"effective_k,omitempty"`               // default 16
}

// AllowlistConfig controls pubkey gating.
type AllowlistConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Strict  bool   `json:"strict,omitempty"` // strict: block connections with no pubkey
	Path    string `json:"path,omitempty"`   // default "./allowlist.json"
}

// AdminConfig defines relay-level admin-key authentication (ADMIN_APPROVE/REVOKE/LIST)
// and the separate operator HTTP dashboard credentials.
type AdminConfig struct {
	Key          string        `json:"key"`                     // shared secret for ADMIN_* frames
	Operator     *InitialAdmin `json:"operator,omitempty"`       // bootstraps the dashboard operator account
	JWTSecret    string        `json:"jwt_secret,omitempty"`
	JWTExpiry    Duration      `json:"jwt_expiry,omitempty"`
}

// InitialAdmin bootstraps the dashboard's first operator account.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines where reputation state lives on disk.
type StorageConfig struct {
	RatingsPath  string `json:"ratings_path,omitempty"`  // default "./ratings.json"
	ReceiptsPath string `json:"receipts_path,omitempty"` // default "./receipts.jsonl"
}

// OpsConfig defines the audit/ops store backend (admin dashboard only).
type OpsConfig struct {
	Driver string `json:"driver,omitempty"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn,omitempty"`    // default "agentchat-ops.db"
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// Duration is a JSON-friendly time.Duration, accepting either a Go duration
// string ("10m") or a plain number of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Admin.Key == "" {
		return fmt.Errorf("admin.key is required")
	}
	if knownWeakSecrets[c.Admin.Key] {
		return fmt.Errorf("admin.key is a well-known weak secret, generate a new one")
	}
	if c.Admin.JWTSecret != "" && len(c.Admin.JWTSecret) < 32 {
		return fmt.Errorf("admin.jwt_secret must be at least 32 characters")
	}
	if c.Allowlist.Enabled && c.Allowlist.Path == "" {
		c.Allowlist.Path = "./allowlist.json"
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.AdminAddr == "" {
		c.Server.AdminAddr = c.Server.Addr
	}
	if c.Server.MaxFrameBytes == 0 {
		c.Server.MaxFrameBytes = 64 * 1024
	}
	if c.Session.PreAuthBudgetBurst == 0 {
		c.Session.PreAuthBudgetBurst = 5
	}
	if c.Session.ChallengeTTL.Duration == 0 {
		c.Session.ChallengeTTL.Duration = 60 * time.Second
	}
	if c.Session.WriteQueueSize == 0 {
		c.Session.WriteQueueSize = 256
	}
	if c.RateLimit.SustainedPerSecond == 0 {
		c.RateLimit.SustainedPerSecond = 1
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 10
	}
	if c.Channel.ReplayBufferSize == 0 {
		c.Channel.ReplayBufferSize = 20
	}
	if len(c.Channel.DefaultChannels) == 0 {
		c.Channel.DefaultChannels = []string{"#general", "#agents"}
	}
	if c.Dispute.PanelSize == 0 {
		c.Dispute.PanelSize = 3
	}
	if c.Dispute.MinRating == 0 {
		c.Dispute.MinRating = 1200
	}
	if c.Dispute.MinTransactions == 0 {
		c.Dispute.MinTransactions = 10
	}
	if c.Dispute.IndependenceWindow.Duration == 0 {
		c.Dispute.IndependenceWindow.Duration = 30 * 24 * time.Hour
	}
	if c.Dispute.RevealTimeout.Duration == 0 {
		c.Dispute.RevealTimeout.Duration = 10 * time.Minute
	}
	if c.Dispute.ArbiterResponseTimeout.Duration == 0 {
		c.Dispute.ArbiterResponseTimeout.Duration = 30 * time.Minute
	}
	if c.Dispute.EvidenceWindow.Duration == 0 {
		c.Dispute.EvidenceWindow.Duration = time.Hour
	}
	if c.Dispute.VoteWindow.Duration == 0 {
		c.Dispute.VoteWindow.Duration = time.Hour
	}
	if c.Dispute.MaxReplacementRounds == 0 {
		c.Dispute.MaxReplacementRounds = 2
	}
	if c.Dispute.FilingFee == 0 {
		c.Dispute.FilingFee = 10
	}
	if c.Dispute.EffectiveK == 0 {
		c.Dispute.EffectiveK = 16
	}
	if c.Storage.RatingsPath == "" {
		c.Storage.RatingsPath = "./ratings.json"
	}
	if c.Storage.ReceiptsPath == "" {
		c.Storage.ReceiptsPath = "./receipts.jsonl"
	}
	if c.Ops.Driver == "" {
		c.Ops.Driver = "sqlite"
	}
	if c.Ops.DSN == "" {
		c.Ops.DSN = "agentchat-ops.db"
	}
	if c.Admin.JWTExpiry.Duration == 0 {
		c.Admin.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
}
