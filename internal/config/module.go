package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"go.uber.org/fx"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Worker   WorkerConfig   `yaml:"worker"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Notify   NotifyConfig   `yaml:"notify"`
	Records  RecordsConfig  `yaml:"records"`
}

// RecordsConfig points at the CRM record service the action executors
// call.
type RecordsConfig struct {
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	// DSN empty means the in-memory store.
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	// Addr empty means daily caps are counted in the primary store.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type WorkerConfig struct {
	Count             int    `yaml:"count"`
	QueueSize         int    `yaml:"queue_size"`
	StepTimeout       string `yaml:"step_timeout"`
	SchedulerInterval string `yaml:"scheduler_interval"`
}

type WebhookConfig struct {
	Tolerance string `yaml:"tolerance"`
}

type NotifyConfig struct {
	AuditURL string `yaml:"audit_url"`
	EventURL string `yaml:"event_url"`
	Timeout  string `yaml:"timeout"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8140,
		},
		Worker: WorkerConfig{
			Count:             4,
			QueueSize:         256,
			StepTimeout:       "30s",
			SchedulerInterval: "60s",
		},
		Webhook: WebhookConfig{
			Tolerance: "5m",
		},
		Notify: NotifyConfig{
			Timeout: "5s",
		},
		Records: RecordsConfig{
			BaseURL: "http://record-service:8120",
			Timeout: "10s",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return cfg, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if v := strings.TrimSpace(os.Getenv("APP_SERVER_HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_SERVER_PORT")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_DATABASE_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_REDIS_ADDR")); v != "" {
		cfg.Redis.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_REDIS_PASSWORD")); v != "" {
		cfg.Redis.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_WORKER_COUNT")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.Worker.Count = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_STEP_TIMEOUT")); v != "" {
		cfg.Worker.StepTimeout = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_WEBHOOK_TOLERANCE")); v != "" {
		cfg.Webhook.Tolerance = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_NOTIFY_AUDIT_URL")); v != "" {
		cfg.Notify.AuditURL = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_NOTIFY_EVENT_URL")); v != "" {
		cfg.Notify.EventURL = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_RECORDS_BASE_URL")); v != "" {
		cfg.Records.BaseURL = v
	}

	return cfg, nil
}

func Module(path string) fx.Option {
	return fx.Provide(func() (Config, error) {
		return Load(path)
	})
}
