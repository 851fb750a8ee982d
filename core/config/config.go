package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// TelegramConfig holds Telegram transport settings shared by every hosted bot.
// Bot tokens live in the database, one per bot row.
type TelegramConfig struct {
	RunMode string `yaml:"run_mode" envconfig:"TELEGRAM_RUN_MODE"`
	// LongPollTimeoutSeconds defines long polling timeout; 0 -> default
	LongPollTimeoutSeconds int `yaml:"longpoll_timeout_seconds" envconfig:"TELEGRAM_LONGPOLL_TIMEOUT_SECONDS"`
}

// WebhookConfig specifies webhook settings.
type WebhookConfig struct {
	URL    string `yaml:"url" envconfig:"WEBHOOK_URL"`
	Listen string `yaml:"listen" envconfig:"WEBHOOK_LISTEN"`
	Port   int    `yaml:"port" envconfig:"WEBHOOK_PORT"`
}

// EngineConfig tunes rule processing and outbound request handling.
type EngineConfig struct {
	RequestTimeoutMS int `yaml:"request_timeout_ms" envconfig:"ENGINE_REQUEST_TIMEOUT_MS"`
	SenderQueueSize  int `yaml:"sender_queue_size" envconfig:"ENGINE_SENDER_QUEUE_SIZE"`
	SenderWorkers    int `yaml:"sender_workers" envconfig:"ENGINE_SENDER_WORKERS"`
	SenderMaxRetries int `yaml:"sender_max_retries" envconfig:"ENGINE_SENDER_MAX_RETRIES"`
}

// HookAPIConfig specifies the HTTP listener that receives external hook triggers.
type HookAPIConfig struct {
	Listen string `yaml:"listen" envconfig:"HOOKAPI_LISTEN"`
	Port   int    `yaml:"port" envconfig:"HOOKAPI_PORT"`
}

// LoggingConfig defines logging related configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	KeysOrder   string `yaml:"keys_order"`
	DebugSample string `yaml:"debug_sample"`
	Dir         string `yaml:"dir"`
	File        string `yaml:"file"`
	// Profile indicates environment profile such as "debug" or "prod".
	Profile string `yaml:"profile"`
}

const (
	// RunModeWebhook selects webhook mode for Telegram updates.
	RunModeWebhook = "webhook"
	// RunModeLongpoll selects long-polling mode for Telegram updates.
	RunModeLongpoll = "longpoll"
)

// Config aggregates the configuration that belongs to the reusable core.
type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Engine   EngineConfig   `yaml:"engine"`
	HookAPI  HookAPIConfig  `yaml:"hookapi"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// Load reads configuration from a YAML file and environment variables.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize performs basic validation of required configuration fields and adjusts defaults.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}

	rm := strings.ToLower(strings.TrimSpace(cfg.Telegram.RunMode))
	if rm == "" {
		rm = RunModeLongpoll
	}
	if rm == "polling" { // accept alias
		rm = RunModeLongpoll
	}
	switch rm {
	case RunModeWebhook:
		if strings.TrimSpace(cfg.Webhook.URL) == "" {
			return fmt.Errorf("webhook.url is required when telegram.run_mode is 'webhook'")
		}
		if strings.TrimSpace(cfg.Webhook.Listen) == "" {
			return fmt.Errorf("webhook.listen is required when telegram.run_mode is 'webhook'")
		}
		if cfg.Webhook.Port <= 0 {
			return fmt.Errorf("webhook.port must be > 0 when telegram.run_mode is 'webhook'")
		}
	case RunModeLongpoll:
		if cfg.Telegram.LongPollTimeoutSeconds < 0 {
			return fmt.Errorf("telegram.longpoll_timeout_seconds must be >= 0")
		}
	default:
		return fmt.Errorf("invalid telegram.run_mode %q; allowed: webhook, longpoll", cfg.Telegram.RunMode)
	}
	cfg.Telegram.RunMode = rm

	if cfg.Engine.RequestTimeoutMS < 0 {
		return fmt.Errorf("engine.request_timeout_ms must be >= 0")
	}
	if cfg.Engine.RequestTimeoutMS == 0 {
		cfg.Engine.RequestTimeoutMS = 10000
	}
	if cfg.Engine.SenderQueueSize <= 0 {
		cfg.Engine.SenderQueueSize = 512
	}
	if cfg.Engine.SenderWorkers <= 0 {
		cfg.Engine.SenderWorkers = 4
	}
	if cfg.Engine.SenderMaxRetries < 0 {
		return fmt.Errorf("engine.sender_max_retries must be >= 0")
	}
	if cfg.Engine.SenderMaxRetries == 0 {
		cfg.Engine.SenderMaxRetries = 3
	}

	if strings.TrimSpace(cfg.HookAPI.Listen) == "" {
		cfg.HookAPI.Listen = "0.0.0.0"
	}
	if cfg.HookAPI.Port == 0 {
		cfg.HookAPI.Port = 8081
	}
	if cfg.HookAPI.Port < 0 {
		return fmt.Errorf("hookapi.port must be > 0")
	}
	return nil
}
