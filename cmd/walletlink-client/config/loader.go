package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	utilsconfig "github.com/quantumauth-io/quantum-go-utils/config"

	envconfig "github.com/quantumauth-io/walletlink-client/internal/config"
	"github.com/quantumauth-io/walletlink-client/internal/constants"
	"github.com/quantumauth-io/walletlink-client/internal/securefile"
)

type ClientSettings struct {
	LocalHost    string
	Port         string
	LinkAPIURL   string
	AppName      string
	AppLogoURL   string
	StorageScope string
}

type ChainSettings struct {
	ChainID        int64
	JSONRPCURL     string
	PollIntervalMs int64
}

type RelaySettings struct {
	HeartbeatIntervalMs int64
	RequestTimeoutMs    int64
	ReconnectDelayMs    int64
	// ReconnectBackoff is "constant" or "exponential".
	ReconnectBackoff   string
	ReloadOnDisconnect bool
}

type StorageSettings struct {
	// Path of the sealed store. Empty means the per-user config directory.
	Path string
}

type HTTPSettings struct {
	AllowedOrigins []string
	RateLimit      float64
	RateBurst      int
}

type Config struct {
	ClientSettings *ClientSettings
	Chain          *ChainSettings
	Relay          *RelaySettings
	Storage        *StorageSettings
	HTTP           *HTTPSettings `mapstructure:"HTTP"`
}

func Load() (*Config, error) {
	home, _ := os.UserHomeDir()
	paths := []string{
		filepath.Join(home, ".config", constants.AppName),
		filepath.Join(home, "config"),
		".",
	}

	cfg, err := utilsconfig.ParseConfigWithEmbedded[Config](paths, EmbeddedConfigYAML)
	if err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	if err := cfg.ApplyLinkAPIURLFromEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyEnv(envconfig.Load())
	return cfg, cfg.Validate()
}

func (c *Config) fillDefaults() {
	if c.ClientSettings == nil {
		c.ClientSettings = &ClientSettings{}
	}
	if c.Chain == nil {
		c.Chain = &ChainSettings{}
	}
	if c.Relay == nil {
		c.Relay = &RelaySettings{}
	}
	if c.Storage == nil {
		c.Storage = &StorageSettings{}
	}
	if c.HTTP == nil {
		c.HTTP = &HTTPSettings{}
	}
	if c.ClientSettings.LocalHost == "" {
		c.ClientSettings.LocalHost = "127.0.0.1"
	}
	if c.ClientSettings.StorageScope == "" {
		c.ClientSettings.StorageScope = constants.DefaultScope
	}
	if c.Chain.ChainID == 0 {
		c.Chain.ChainID = 1
	}
}

// ApplyLinkAPIURLFromEnv picks the relay for WALLETLINK_ENV when one is set.
func (c *Config) ApplyLinkAPIURLFromEnv() error {
	raw := strings.TrimSpace(os.Getenv(constants.EnvName))

	switch strings.ToLower(raw) {
	case "":
		// keep the configured relay
	case "prod", "production":
		c.ClientSettings.LinkAPIURL = "https://www.walletlink.org"
	case "local":
		c.ClientSettings.LinkAPIURL = "http://localhost:8080"
	case "dev", "develop", "development":
		c.ClientSettings.LinkAPIURL = "https://dev.walletlink.org"
	default:
		return fmt.Errorf("invalid %s %q (allowed: local, develop, empty)", constants.EnvName, raw)
	}
	return nil
}

// ApplyEnv overrides file values with the non-empty environment ones.
func (c *Config) ApplyEnv(env *envconfig.Env) {
	if env.LinkAPIURL != "" {
		c.ClientSettings.LinkAPIURL = env.LinkAPIURL
	}
	if env.JSONRPCURL != "" {
		c.Chain.JSONRPCURL = env.JSONRPCURL
	}
	if env.ChainID > 0 {
		c.Chain.ChainID = env.ChainID
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.ClientSettings.LinkAPIURL) == "" {
		return fmt.Errorf("ClientSettings.LinkAPIURL must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("Chain.ChainID must be positive, got %d", c.Chain.ChainID)
	}
	switch strings.ToLower(c.Relay.ReconnectBackoff) {
	case "", "constant", "exponential":
	default:
		return fmt.Errorf("invalid Relay.ReconnectBackoff %q (allowed: constant, exponential)", c.Relay.ReconnectBackoff)
	}
	return nil
}

func (c *Config) ListenAddr() string {
	return c.ClientSettings.LocalHost + ":" + c.ClientSettings.Port
}

// StorePath is the configured store file, or the per-user default.
func (c *Config) StorePath() (string, error) {
	if p := strings.TrimSpace(c.Storage.Path); p != "" {
		return p, nil
	}
	return securefile.StorePath(constants.AppName, constants.StoreFile)
}

// ReconnectPolicy builds the delay policy between relay reconnect attempts.
func (c *Config) ReconnectPolicy() backoff.BackOff {
	delay := millis(c.Relay.ReconnectDelayMs, constants.ReconnectDelay)
	if strings.EqualFold(c.Relay.ReconnectBackoff, "exponential") {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = delay
		b.MaxInterval = 12 * delay
		b.MaxElapsedTime = 0
		return b
	}
	return backoff.NewConstantBackOff(delay)
}

func (c *Config) HeartbeatInterval() time.Duration {
	return millis(c.Relay.HeartbeatIntervalMs, constants.HeartbeatInterval)
}

func (c *Config) RequestTimeout() time.Duration {
	return millis(c.Relay.RequestTimeoutMs, constants.RequestTimeout)
}

func (c *Config) PollInterval() time.Duration {
	return millis(c.Chain.PollIntervalMs, constants.DefaultPollInterval)
}

func millis(ms int64, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
