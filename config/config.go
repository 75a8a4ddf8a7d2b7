package config

import (
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	Queue      QueueConfig      `yaml:"queue"`
	Rescorer   RescorerConfig   `yaml:"rescorer"`
	Stream     StreamConfig     `yaml:"stream"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Redis      RedisConfig      `yaml:"redis"`
	Intake     IntakeConfig     `yaml:"intake"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// LogConfig controls the zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // "sqlite" or "postgres"
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// QueueConfig holds the reference data seeded into the queue on startup.
type QueueConfig struct {
	Providers []ProviderSeed `yaml:"providers"`
}

// ProviderSeed is one pre-seeded provider.
type ProviderSeed struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Specialty string `yaml:"specialty"`
	Status    string `yaml:"status"`
}

// RescorerConfig holds the periodic wait-time aging configuration.
type RescorerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	IntervalSeconds int           `yaml:"interval_seconds"`
	Interval        time.Duration `yaml:"-"` // Ignored by YAML parser
}

// StreamConfig holds the observer gateway configuration.
type StreamConfig struct {
	ObserverBuffer      int           `yaml:"observer_buffer"`
	HeartbeatSeconds    int           `yaml:"heartbeat_seconds"`
	WriteTimeoutSeconds int           `yaml:"write_timeout_seconds"`
	Heartbeat           time.Duration `yaml:"-"`
	WriteTimeout        time.Duration `yaml:"-"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// Enabled reports whether both VAPID keys are configured.
func (p PushConfig) Enabled() bool {
	return p.PublicKey != "" && p.PrivateKey != ""
}

// RedisConfig holds the optional event relay target.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// IntakeConfig points at the external risk and narrative-extraction services.
type IntakeConfig struct {
	RiskServiceURL   string        `yaml:"risk_service_url"`
	ExtractorURL     string        `yaml:"extractor_url"`
	RiskTimeoutMs    int           `yaml:"risk_timeout_ms"`
	ExtractTimeoutMs int           `yaml:"extract_timeout_ms"`
	RiskTimeout      time.Duration `yaml:"-"`
	ExtractTimeout   time.Duration `yaml:"-"`
}

// DefaultProviders are seeded when the configuration lists none.
var DefaultProviders = []ProviderSeed{
	{ID: "p1", Name: "Dr. Rao", Specialty: "Cardiology", Status: "available"},
	{ID: "p2", Name: "Dr. Patel", Specialty: "Emergency", Status: "available"},
	{ID: "p3", Name: "Dr. Singh", Specialty: "Neurology", Status: "available"},
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied and no file read.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8082
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 20
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 300
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "triage.db"
	}

	if len(cfg.Queue.Providers) == 0 {
		cfg.Queue.Providers = append([]ProviderSeed(nil), DefaultProviders...)
	}

	if cfg.Rescorer.IntervalSeconds <= 0 {
		cfg.Rescorer.IntervalSeconds = 60
	}
	cfg.Rescorer.Interval = time.Duration(cfg.Rescorer.IntervalSeconds) * time.Second

	if cfg.Stream.ObserverBuffer <= 0 {
		cfg.Stream.ObserverBuffer = 64
	}
	if cfg.Stream.HeartbeatSeconds <= 0 {
		cfg.Stream.HeartbeatSeconds = 30
	}
	if cfg.Stream.WriteTimeoutSeconds <= 0 {
		cfg.Stream.WriteTimeoutSeconds = 10
	}
	cfg.Stream.Heartbeat = time.Duration(cfg.Stream.HeartbeatSeconds) * time.Second
	cfg.Stream.WriteTimeout = time.Duration(cfg.Stream.WriteTimeoutSeconds) * time.Second

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Info().Msg("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = "triage:queue:events"
	}

	if cfg.Intake.RiskTimeoutMs <= 0 {
		cfg.Intake.RiskTimeoutMs = 5000
	}
	if cfg.Intake.ExtractTimeoutMs <= 0 {
		cfg.Intake.ExtractTimeoutMs = 2000
	}
	cfg.Intake.RiskTimeout = time.Duration(cfg.Intake.RiskTimeoutMs) * time.Millisecond
	cfg.Intake.ExtractTimeout = time.Duration(cfg.Intake.ExtractTimeoutMs) * time.Millisecond
}
