package chat

import (
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the tunables the protocol fixes as constants in the original
// deployment. Library callers can construct it directly; tools load it from
// the environment.
type Config struct {
	// BrokerURL is the WebSocket endpoint of the message broker.
	BrokerURL string `env:"CHAT_BROKER_URL" envDefault:"ws://localhost:8080/ws"`

	// ReconnectDelay is the fixed wait between reconnection attempts. A
	// constant delay is deliberate: bounded reconnect storms are accepted in
	// exchange for simplicity.
	ReconnectDelay time.Duration `env:"CHAT_RECONNECT_DELAY" envDefault:"5s"`

	// HeartbeatInterval is offered to the broker for both directions of the
	// STOMP heart-beat negotiation.
	HeartbeatInterval time.Duration `env:"CHAT_HEARTBEAT_INTERVAL" envDefault:"4s"`

	// DedupWindow bounds how many recently admitted messages are remembered
	// for duplicate suppression.
	DedupWindow int `env:"CHAT_DEDUP_WINDOW" envDefault:"512"`
}

// DefaultConfig returns the configuration matching the fixed constants of the
// original deployment.
func DefaultConfig() Config {
	return Config{
		BrokerURL:         "ws://localhost:8080/ws",
		ReconnectDelay:    5 * time.Second,
		HeartbeatInterval: 4 * time.Second,
		DedupWindow:       512,
	}
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration can drive a connection.
func (cfg Config) Validate() error {
	parsed, err := url.Parse(cfg.BrokerURL)
	if err != nil {
		return NewError(InvalidURIError, err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return NewError(InvalidURIError, "broker URL scheme must be ws or wss")
	}
	if parsed.Host == "" {
		return NewError(InvalidURIError, "broker URL has no host")
	}
	if cfg.ReconnectDelay < 0 {
		return NewError(InvalidURIError, "reconnect delay must not be negative")
	}
	if cfg.HeartbeatInterval < 0 {
		return NewError(InvalidURIError, "heartbeat interval must not be negative")
	}
	return nil
}
