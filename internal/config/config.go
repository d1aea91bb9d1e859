// Package config loads the server configuration from YAML, with environment
// overrides for the secrets that should not live in the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration parses YAML values like "90s" or "10m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Frontend FrontendConfig `yaml:"frontend"`
	Worker   WorkerConfig   `yaml:"worker"`
	Hunts    HuntConfig     `yaml:"hunts"`
	API      APIConfig      `yaml:"api"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	// Addr is the agent-facing listen address, e.g. ":8080".
	Addr string `yaml:"addr"`
	// CommonName identifies this server in signed cipher metadata.
	CommonName string `yaml:"common_name"`
	// PrivateKeyPath points at the PEM RSA key agents pin.
	PrivateKeyPath string `yaml:"private_key_path"`
	MetricsAddr    string `yaml:"metrics_addr"`
}

type DatabaseConfig struct {
	// URL is the Postgres DSN; FLEET_DATABASE_URL overrides it. Empty means
	// the in-memory store.
	URL string `yaml:"url"`
}

type RedisConfig struct {
	// Addr empty means in-process notifications only.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type FrontendConfig struct {
	// MaxLeasedMessages bounds how many queued actions one poll response
	// carries.
	MaxLeasedMessages int      `yaml:"max_leased_messages"`
	MessageLease      Duration `yaml:"message_lease"`
	// MaxBundleBytes bounds the request body read from an agent.
	MaxBundleBytes int64 `yaml:"max_bundle_bytes"`
}

type WorkerConfig struct {
	// Processors is the number of concurrent flow processing goroutines.
	Processors   int      `yaml:"processors"`
	FlowLease    Duration `yaml:"flow_lease"`
	HandlerLease Duration `yaml:"handler_lease"`
	// PollInterval is the queue scan fallback when no wake arrives.
	PollInterval Duration `yaml:"poll_interval"`
}

type HuntConfig struct {
	// ForemanInterval is how often started hunts are matched against
	// polling clients.
	ForemanInterval Duration `yaml:"foreman_interval"`
	// MinClientsForAverages defers ceiling checks until enough samples exist.
	MinClientsForAverages uint64 `yaml:"min_clients_for_averages"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
	// ApproversRequired is the number of grants an approval needs.
	ApproversRequired int      `yaml:"approvers_required"`
	ApprovalTTL       Duration `yaml:"approval_ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Load reads the YAML file, fills defaults and applies env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if url := os.Getenv("FLEET_DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if pw := os.Getenv("FLEET_REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	return cfg, cfg.validate()
}

// Default returns the configuration used when fields are left unset.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":8080",
			CommonName:  "fleet-server",
			MetricsAddr: ":9090",
		},
		Frontend: FrontendConfig{
			MaxLeasedMessages: 10,
			MessageLease:      Duration(10 * time.Minute),
			MaxBundleBytes:    50 << 20,
		},
		Worker: WorkerConfig{
			Processors:   8,
			FlowLease:    Duration(10 * time.Minute),
			HandlerLease: Duration(5 * time.Minute),
			PollInterval: Duration(5 * time.Second),
		},
		Hunts: HuntConfig{
			ForemanInterval:       Duration(30 * time.Minute),
			MinClientsForAverages: 1000,
		},
		API: APIConfig{
			Addr:              ":8081",
			ApproversRequired: 2,
			ApprovalTTL:       Duration(28 * 24 * time.Hour),
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

func (c *Config) validate() error {
	if c.Server.CommonName == "" {
		return fmt.Errorf("server.common_name must be set")
	}
	if c.Frontend.MaxLeasedMessages <= 0 {
		return fmt.Errorf("frontend.max_leased_messages must be positive")
	}
	if c.Worker.Processors <= 0 {
		return fmt.Errorf("worker.processors must be positive")
	}
	if c.API.ApproversRequired < 1 {
		return fmt.Errorf("api.approvers_required must be at least 1")
	}
	return nil
}
