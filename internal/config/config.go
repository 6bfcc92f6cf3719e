// Package config loads and validates the server's process-level
// configuration: an optional .env file via godotenv, then typed,
// defaulted fields via caarlos0/env. Nothing outside this package reads
// os.Getenv directly.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the complete set of externally-tunable knobs. Every field has a
// documented default so the process runs sensibly with no environment set,
// except TZ, which must be established globally before telemetry
// initializes.
type Config struct {
	Host string `env:"CHAT_HOST" envDefault:"127.0.0.1"`
	Port int    `env:"CHAT_PORT" envDefault:"8080"`

	AppEnv   string `env:"APP_ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	RateLimit        int  `env:"CHAT_RATE_LIMIT" envDefault:"10"`
	RateBurst        int  `env:"CHAT_RATE_BURST" envDefault:"20"`
	RoomCapacity     int  `env:"CHAT_ROOM_CAPACITY" envDefault:"65535"`
	OutboundCapacity int  `env:"CHAT_OUTBOUND_CAPACITY" envDefault:"256"`
	MaxConnections   int  `env:"CHAT_MAX_CONNECTIONS" envDefault:"10000"`
	BroadcastFanout  int  `env:"CHAT_BROADCAST_FANOUT" envDefault:"1024"`
	ExcludeSender    bool `env:"CHAT_EXCLUDE_SENDER" envDefault:"false"`

	// MetricsAddr enables the Prometheus HTTP listener when non-empty.
	MetricsAddr string `env:"METRICS_ADDR" envDefault:""`
}

// Addr is the listen address derived from Host/Port.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Production reports whether APP_ENV selects the production logging format.
func (c Config) Production() bool {
	return c.AppEnv == "production"
}

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true, "off": true,
}

// Validate checks semantic constraints Parse cannot express via struct tags.
func (c Config) Validate() error {
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid LOG_LEVEL %q", c.LogLevel)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid CHAT_PORT %d", c.Port)
	}
	if os.Getenv("TZ") == "" {
		return fmt.Errorf("TZ must be set before the server starts")
	}
	return nil
}

// Load reads an optional .env file (a missing file is not an error), parses
// the process environment into a Config, and validates it. Any failure here
// is a startup failure: the process must not accept connections with an
// invalid configuration.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
