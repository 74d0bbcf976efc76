// Package config loads odinkvd's process configuration from the
// environment (optionally seeded by a .env file). None of this is part
// of the reactor core itself — argument parsing and configuration
// validation are an external collaborator's job.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every environment-tunable knob for the odinkvd binary.
type Config struct {
	Addr string `env:"ODINKV_ADDR" envDefault:":4040"`

	RXBufferSize int `env:"ODINKV_RX_BUFFER_BYTES" envDefault:"4096"`
	TXBufferSize int `env:"ODINKV_TX_BUFFER_BYTES" envDefault:"4096"`

	MetricsAddr         string        `env:"ODINKV_METRICS_ADDR" envDefault:":9090"`
	ShutdownGracePeriod time.Duration `env:"ODINKV_SHUTDOWN_GRACE" envDefault:"10s"`

	LogLevel  string `env:"ODINKV_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"ODINKV_LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (if present) and environment
// variables, with environment variables taking priority.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// No .env file is fine; production deployments set real env vars.
		_ = err
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	return cfg, nil
}
