// Package config holds the relay configuration and its defaults.
package config

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/ZentaChain/relaychat/pkg/protocol"
)

// EnvPrefix prefixes environment overrides, e.g. RELAYCHAT_WORKERS=8
const EnvPrefix = "RELAYCHAT_"

// Mailbox backends
const (
	MailboxMemory = "memory"
	MailboxSQLite = "sqlite"
)

// DefaultSQLiteDSN keeps the SQLite mailbox in memory, shared by all
// connections of the process.
const DefaultSQLiteDSN = "file:relaychat-mailbox?mode=memory&cache=shared"

// Config holds relay configuration
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"` // host:port or multiaddr (/ip4/0.0.0.0/tcp/8080)
	APIAddr    string `mapstructure:"api_addr"`    // HTTP status API, empty disables it

	Workers          int           `mapstructure:"workers"`
	RetryInterval    time.Duration `mapstructure:"retry_interval"` // wait before retrying a busy connection
	OrderedDelivery  bool          `mapstructure:"ordered_delivery"`
	GlobalMessageIDs bool          `mapstructure:"global_message_ids"`
	MaxPayloadSize   uint64        `mapstructure:"max_payload_size"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`  // 0 disables
	WriteTimeout     time.Duration `mapstructure:"write_timeout"` // per delivery write, 0 disables

	MailboxBackend string        `mapstructure:"mailbox_backend"`
	MailboxDSN     string        `mapstructure:"mailbox_dsn"`
	MailboxTTL     time.Duration `mapstructure:"mailbox_ttl"` // SQLite backend only

	EnableWebSocket bool `mapstructure:"enable_websocket"`
	RateLimit       int  `mapstructure:"rate_limit"` // API requests per minute per IP

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// Default returns default relay configuration
func Default() *Config {
	return &Config{
		ListenAddr:       "127.0.0.1:8080",
		APIAddr:          "127.0.0.1:9090",
		Workers:          4,
		RetryInterval:    10 * time.Millisecond,
		OrderedDelivery:  true,
		GlobalMessageIDs: false,
		MaxPayloadSize:   1 << 20,
		IdleTimeout:      0,
		WriteTimeout:     10 * time.Second,
		MailboxBackend:   MailboxMemory,
		MailboxDSN:       DefaultSQLiteDSN,
		MailboxTTL:       30 * 24 * time.Hour,
		EnableWebSocket:  true,
		RateLimit:        600,
		LogLevel:         "info",
		LogFormat:        "console",
	}
}

// Validate checks the configuration for values the relay cannot run with
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}

	if c.Workers < 1 {
		return errors.Errorf("workers must be at least 1, got %d", c.Workers)
	}

	if c.RetryInterval <= 0 {
		return errors.Errorf("retry interval must be positive, got %v", c.RetryInterval)
	}

	if c.WriteTimeout < 0 {
		return errors.Errorf("write timeout cannot be negative, got %v", c.WriteTimeout)
	}

	if c.MaxPayloadSize == 0 {
		return errors.New("max payload size must be positive")
	}
	if c.MaxPayloadSize > protocol.MaxPayloadLimit {
		return errors.Errorf("max payload size %d exceeds the limit of %d", c.MaxPayloadSize, protocol.MaxPayloadLimit)
	}

	if c.IdleTimeout < 0 {
		return errors.Errorf("idle timeout cannot be negative, got %v", c.IdleTimeout)
	}

	switch c.MailboxBackend {
	case MailboxMemory:
	case MailboxSQLite:
		if c.MailboxDSN == "" {
			return errors.New("sqlite mailbox requires a DSN")
		}
		if c.MailboxTTL < 0 {
			return errors.Errorf("mailbox TTL cannot be negative, got %v", c.MailboxTTL)
		}
	default:
		return errors.Errorf("unknown mailbox backend %q", c.MailboxBackend)
	}

	if c.RateLimit < 0 {
		return errors.Errorf("rate limit cannot be negative, got %d", c.RateLimit)
	}

	return nil
}

// ApplyEnv overrides fields from RELAYCHAT_* environment variables. It
// returns the variables that match no field, sorted, so the caller can warn
// about them; they do not stop the relay from starting.
func (c *Config) ApplyEnv() ([]string, error) {
	unused, err := c.apply(envValues(os.Environ()))
	if err != nil {
		return nil, err
	}

	ignored := make([]string, len(unused))
	for i, key := range unused {
		ignored[i] = EnvPrefix + strings.ToUpper(key)
	}
	return ignored, nil
}

// apply decodes loosely typed values ("8", "true", "250ms") onto c and
// returns the keys that match no field
func (c *Config) apply(values map[string]interface{}) ([]string, error) {
	if len(values) == 0 {
		return nil, nil
	}

	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           c,
		Metadata:         &md,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "new config decoder")
	}

	if err := dec.Decode(values); err != nil {
		return nil, errors.Wrap(err, "decode environment")
	}

	sort.Strings(md.Unused)
	return md.Unused, nil
}

// envValues collects RELAYCHAT_* variables keyed by lower-case field name
func envValues(environ []string) map[string]interface{} {
	values := make(map[string]interface{})
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		values[strings.ToLower(strings.TrimPrefix(key, EnvPrefix))] = value
	}
	return values
}
