// Package config loads bootstrap configuration for the scheduler and API
// processes. Bootstrap config covers process wiring only (database, Redis,
// AMQP, provider credentials, loop intervals); runtime tunables such as batch
// size and retry limits live in the system_config table and are read through
// internal/sysconfig.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full bootstrap configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	AMQP      AMQPConfig      `yaml:"amqp"`
	Server    ServerConfig    `yaml:"server"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	SES       SESConfig       `yaml:"ses"`
	Alerter   AlerterConfig   `yaml:"alerter"`
	LogLevel  string          `yaml:"log_level"`
	RedactPII bool            `yaml:"redact_pii"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig holds Redis connection settings. Redis is optional; when Addr
// is empty the scheduler falls back to database-only coordination.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AMQPConfig holds the outcome-event broker settings. When URL is empty
// outcome events are logged instead of published.
type AMQPConfig struct {
	URL   string `yaml:"url"`
	Queue string `yaml:"queue"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	AdminToken   string        `yaml:"admin_token"`
}

// SchedulerConfig controls the periodic loop cadence.
type SchedulerConfig struct {
	InstanceID       string        `yaml:"instance_id"`
	ScanInterval     time.Duration `yaml:"scan_interval"`
	AllocateInterval time.Duration `yaml:"allocate_interval"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	MetricsInterval  time.Duration `yaml:"metrics_interval"`
}

// SESConfig holds AWS SES credentials for the SES sender backend.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// AlerterConfig holds SMTP settings for operational alert email.
type AlerterConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// Load reads the config file at path (optional), layers environment variable
// overrides on top, and applies defaults. A .env file in the working
// directory is loaded first if present.
func Load(path string) (*Config, error) {
	godotenv.Load()

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database url is required (set DATABASE_URL or database.url)")
	}
	if cfg.Scheduler.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.Scheduler.InstanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		AMQP: AMQPConfig{
			Queue: "email.outcomes",
		},
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			ScanInterval:     10 * time.Second,
			AllocateInterval: 2 * time.Second,
			SweepInterval:    10 * time.Second,
			MetricsInterval:  time.Minute,
		},
		SES: SESConfig{
			Region: "us-east-1",
		},
		Alerter: AlerterConfig{
			Port: 587,
		},
		LogLevel:  "info",
		RedactPII: true,
	}
}

func applyEnv(cfg *Config) {
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setStr(&cfg.AMQP.URL, "AMQP_URL")
	setStr(&cfg.AMQP.Queue, "AMQP_QUEUE")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStr(&cfg.Server.AdminToken, "ADMIN_TOKEN")
	setStr(&cfg.Scheduler.InstanceID, "SCHEDULER_INSTANCE_ID")
	setStr(&cfg.SES.Region, "AWS_REGION")
	setStr(&cfg.SES.AccessKeyID, "AWS_ACCESS_KEY_ID")
	setStr(&cfg.SES.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
	setStr(&cfg.Alerter.Host, "ALERT_SMTP_HOST")
	setInt(&cfg.Alerter.Port, "ALERT_SMTP_PORT")
	setStr(&cfg.Alerter.Username, "ALERT_SMTP_USER")
	setStr(&cfg.Alerter.Password, "ALERT_SMTP_PASSWORD")
	setStr(&cfg.Alerter.From, "ALERT_FROM")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
	if v := os.Getenv("ALERT_SMTP_HOST"); v != "" {
		cfg.Alerter.Enabled = true
	}
	if v := os.Getenv("REDACT_PII"); v != "" {
		cfg.RedactPII = v == "true" || v == "1"
	}
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
