// Package config holds the full configuration for the Intendly auction
// coordinator, loaded from a YAML file with environment overrides for
// secrets.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration, split into nested sections.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Chain     ChainConfig     `yaml:"chain"`
	Auction   AuctionConfig   `yaml:"auction"`
	Database  DatabaseConfig  `yaml:"database"`
	Cache     CacheConfig     `yaml:"cache"`
	WS        WSConfig        `yaml:"ws"`
	RateLimit RateLimitConfig `yaml:"apiRateLimit"`
	Auth      AuthConfig      `yaml:"auth"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the listen address in host:port form.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ChainConfig pins the deployment's EIP-712 domain and on-chain references.
type ChainConfig struct {
	ChainID            uint64 `yaml:"chainId"`
	SettlementContract string `yaml:"settlementContract"`
	RPCURL             string `yaml:"rpcUrl"`
}

// SettlementAddress parses the configured settlement contract address.
func (c ChainConfig) SettlementAddress() common.Address {
	return common.HexToAddress(c.SettlementContract)
}

// AuctionConfig governs the bidding window and winner selection.
type AuctionConfig struct {
	BiddingWindowMs int64        `yaml:"biddingWindowMs"`
	MaxSolverFeeBps uint16       `yaml:"maxSolverFeeBps"`
	MinBidCount     int          `yaml:"minBidCount"`
	Weights         ScoreWeights `yaml:"scoreWeights"`
}

// Window returns the bidding window as a duration.
func (c AuctionConfig) Window() time.Duration {
	return time.Duration(c.BiddingWindowMs) * time.Millisecond
}

// ScoreWeights are the multi-factor score weights. They must be
// non-negative and sum to 1.
type ScoreWeights struct {
	Out   float64 `yaml:"out"`
	Fee   float64 `yaml:"fee"`
	Speed float64 `yaml:"speed"`
	Rep   float64 `yaml:"rep"`
}

// Sum returns the total of all weights.
func (w ScoreWeights) Sum() float64 {
	return w.Out + w.Fee + w.Speed + w.Rep
}

// DatabaseConfig holds the Postgres connection settings. An empty URL
// selects the in-memory stores (development and tests only).
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
	MaxIdleConns int    `yaml:"maxIdleConns"`
}

// CacheConfig sizes the hot-intent cache.
type CacheConfig struct {
	MaxEntries int `yaml:"maxEntries"`
}

// WSConfig holds WebSocket session liveness settings.
type WSConfig struct {
	HeartbeatIntervalMs int64 `yaml:"wsHeartbeatInterval"`
	ConnectionTimeoutMs int64 `yaml:"wsConnectionTimeout"`
	OutboundQueue       int   `yaml:"outboundQueue"`
	MaxSessions         int   `yaml:"maxSessions"`
}

// HeartbeatInterval returns the ping interval as a duration.
func (c WSConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// ConnectionTimeout returns the liveness deadline as a duration.
func (c WSConfig) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutMs) * time.Millisecond
}

// RateLimitConfig throttles the HTTP API per remote address.
type RateLimitConfig struct {
	WindowMs int64 `yaml:"windowMs"`
	Max      int   `yaml:"max"`
}

// Window returns the limiter window as a duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

// AuthConfig holds the bearer-token settings. Secret comes from the
// INTENDLY_AUTH_SECRET environment variable in production.
type AuthConfig struct {
	Secret     string `yaml:"secret"`
	TokenTTLMs int64  `yaml:"tokenTtlMs"`
	Issuer     string `yaml:"issuer"`
}

// TokenTTL returns the token lifetime as a duration.
func (c AuthConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMs) * time.Millisecond
}

// ReaperConfig paces the expiry sweep.
type ReaperConfig struct {
	IntervalMs int64 `yaml:"intervalMs"`
	BatchLimit int   `yaml:"batchLimit"`
}

// Interval returns the sweep period as a duration.
func (c ReaperConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with the documented defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Chain: ChainConfig{
			ChainID:            1,
			SettlementContract: "0x0000000000000000000000000000000000000000",
		},
		Auction: AuctionConfig{
			BiddingWindowMs: 3_000,
			MaxSolverFeeBps: 30,
			MinBidCount:     1,
			Weights:         ScoreWeights{Out: 0.3, Fee: 0.3, Speed: 0.2, Rep: 0.2},
		},
		Database:  DatabaseConfig{MaxOpenConns: 16, MaxIdleConns: 4},
		Cache:     CacheConfig{MaxEntries: 4096},
		WS:        WSConfig{HeartbeatIntervalMs: 30_000, ConnectionTimeoutMs: 60_000, OutboundQueue: 256, MaxSessions: 1024},
		RateLimit: RateLimitConfig{WindowMs: 60_000, Max: 120},
		Auth:      AuthConfig{TokenTTLMs: 900_000, Issuer: "intendly-coordinator"},
		Reaper:    ReaperConfig{IntervalMs: 10_000, BatchLimit: 100},
		Log:       LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads the config file at path (optional: an empty path keeps
// defaults), applies environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv pulls secrets and connection strings from the environment so
// they never have to live in the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("INTENDLY_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("INTENDLY_AUTH_SECRET"); v != "" {
		c.Auth.Secret = v
	}
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port: %d", c.Server.Port)
	}
	if c.Chain.ChainID == 0 {
		return errors.New("config: chainId must be > 0")
	}
	if !common.IsHexAddress(c.Chain.SettlementContract) {
		return fmt.Errorf("config: invalid settlement contract address %q", c.Chain.SettlementContract)
	}
	if c.Auction.BiddingWindowMs <= 0 {
		return fmt.Errorf("config: biddingWindowMs must be > 0, got %d", c.Auction.BiddingWindowMs)
	}
	if c.Auction.MaxSolverFeeBps > 10_000 {
		return fmt.Errorf("config: maxSolverFeeBps out of range: %d", c.Auction.MaxSolverFeeBps)
	}
	if c.Auction.MinBidCount < 1 {
		return fmt.Errorf("config: minBidCount must be >= 1, got %d", c.Auction.MinBidCount)
	}
	w := c.Auction.Weights
	if w.Out < 0 || w.Fee < 0 || w.Speed < 0 || w.Rep < 0 {
		return errors.New("config: score weights must be non-negative")
	}
	if math.Abs(w.Sum()-1.0) > 1e-9 {
		return fmt.Errorf("config: score weights must sum to 1, got %g", w.Sum())
	}
	if c.WS.HeartbeatIntervalMs <= 0 || c.WS.ConnectionTimeoutMs <= c.WS.HeartbeatIntervalMs {
		return errors.New("config: wsConnectionTimeout must exceed wsHeartbeatInterval")
	}
	if c.WS.OutboundQueue <= 0 {
		return fmt.Errorf("config: outboundQueue must be > 0, got %d", c.WS.OutboundQueue)
	}
	if c.RateLimit.WindowMs <= 0 || c.RateLimit.Max <= 0 {
		return errors.New("config: apiRateLimit window and max must be > 0")
	}
	if c.Reaper.IntervalMs <= 0 || c.Reaper.BatchLimit <= 0 {
		return errors.New("config: reaper interval and batch limit must be > 0")
	}
	return nil
}
