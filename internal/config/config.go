// Package config loads the service configuration from a YAML file with
// environment variable overrides for deploy-time values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Central   CentralConfig   `yaml:"central"`
	Redis     RedisConfig     `yaml:"redis"`
	Crypto    CryptoConfig    `yaml:"crypto"`
	Worker    WorkerConfig    `yaml:"worker"`
	Callback  CallbackConfig  `yaml:"callback"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Providers ProvidersConfig `yaml:"providers"`
}

type ServerConfig struct {
	Port       string `yaml:"port"`
	Env        string `yaml:"env"`
	AdminToken string `yaml:"admin_token"`
}

type CentralConfig struct {
	DatabaseURL string `yaml:"database_url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type CryptoConfig struct {
	Secret string `yaml:"secret"`
}

type WorkerConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	BaseBackoff    time.Duration `yaml:"base_backoff"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	DefaultQueue   string        `yaml:"default_queue"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BroadcastPause time.Duration `yaml:"broadcast_pause"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

type CallbackConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	Timeout     time.Duration `yaml:"timeout"`
}

type RateLimitConfig struct {
	TriggersPerMinute int `yaml:"triggers_per_minute"`
}

type ProvidersConfig struct {
	WhatsAppBaseURL string        `yaml:"whatsapp_base_url"`
	WhatsAppTimeout time.Duration `yaml:"whatsapp_timeout"`
	CalendarTimeout time.Duration `yaml:"calendar_timeout"`
	SMTPTimeout     time.Duration `yaml:"smtp_timeout"`
}

// Load reads the YAML config at path, fills defaults, and applies
// environment overrides. A missing file is not an error: env-only
// deployments (Cloud Run style) run without a config file at all.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: open %s: %w", path, err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if cfg.Server.Env == "production" {
		if cfg.Crypto.Secret == "" {
			return nil, fmt.Errorf("config: ENCRYPTION_SECRET is required in production")
		}
		if cfg.Central.DatabaseURL == "" {
			return nil, fmt.Errorf("config: CENTRAL_DATABASE_URL is required in production")
		}
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Worker: WorkerConfig{
			Concurrency:    5,
			PollInterval:   2 * time.Second,
			BaseBackoff:    5 * time.Second,
			DrainTimeout:   30 * time.Second,
			DefaultQueue:   "central",
			MaxAttempts:    3,
			BroadcastPause: 250 * time.Millisecond,
			SweepInterval:  6 * time.Hour,
		},
		Callback: CallbackConfig{
			MaxAttempts: 5,
			BaseBackoff: time.Second,
			Timeout:     10 * time.Second,
		},
		RateLimit: RateLimitConfig{TriggersPerMinute: 60},
		Providers: ProvidersConfig{
			WhatsAppBaseURL: "https://graph.facebook.com/v19.0",
			WhatsAppTimeout: 15 * time.Second,
			CalendarTimeout: 15 * time.Second,
			SMTPTimeout:     20 * time.Second,
		},
	}
}

func (c *Config) applyEnv() {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.Env, "ENV")
	setString(&c.Server.AdminToken, "ADMIN_TOKEN")
	setString(&c.Central.DatabaseURL, "CENTRAL_DATABASE_URL")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")
	setString(&c.Crypto.Secret, "ENCRYPTION_SECRET")
	setInt(&c.Worker.Concurrency, "WORKER_CONCURRENCY")
	setInt(&c.RateLimit.TriggersPerMinute, "TRIGGER_RATE_LIMIT")
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
