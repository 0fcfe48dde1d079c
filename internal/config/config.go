package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Queue  QueueConfig  `yaml:"queue" mapstructure:"queue"`
	Sweep  SweepConfig  `yaml:"sweep" mapstructure:"sweep"`
	Notify NotifyConfig `yaml:"notify" mapstructure:"notify"`
	OCR    OCRConfig    `yaml:"ocr" mapstructure:"ocr"`
	Blob   BlobConfig   `yaml:"blob" mapstructure:"blob"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`

	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// QueueConfig configures the background job queue and its workers.
type QueueConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	Concurrency     int           `yaml:"concurrency" mapstructure:"concurrency"`
	MaxAttempts     int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffBase     time.Duration `yaml:"backoff_base" mapstructure:"backoff_base"`
	ClaimBatchSize  int           `yaml:"claim_batch_size" mapstructure:"claim_batch_size"`
}

// SweepConfig configures the cron sweep that closes overdue RFQs.
type SweepConfig struct {
	// Schedule is a cron expression; the default fires every minute.
	Schedule string `yaml:"schedule" mapstructure:"schedule"`
	// RemindLead is how long before the deadline supplier reminders go out.
	RemindLead time.Duration `yaml:"remind_lead" mapstructure:"remind_lead"`
}

// NotifyConfig configures notification delivery.
type NotifyConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst         int     `yaml:"burst" mapstructure:"burst"`
}

// OCRConfig configures tracking-number extraction from label photos.
type OCRConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"`
	MistralAPIKey string `yaml:"mistral_api_key" mapstructure:"mistral_api_key"`
	// AutoApplyThreshold is the minimum confidence at which an extracted
	// tracking number is written without manual confirmation.
	AutoApplyThreshold float64 `yaml:"auto_apply_threshold" mapstructure:"auto_apply_threshold"`
}

// BlobConfig configures object storage and signed URL generation.
type BlobConfig struct {
	Dir     string        `yaml:"dir" mapstructure:"dir"`
	BaseURL string        `yaml:"base_url" mapstructure:"base_url"`
	Secret  string        `yaml:"secret" mapstructure:"secret"`
	TTL     time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures the metrics collector and alert checker.
type MonitoringConfig struct {
	CheckInterval time.Duration `yaml:"check_interval" mapstructure:"check_interval"`
	LookbackHours int           `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	// JobFailureRateThreshold is the failed/finished ratio above which an
	// alert fires; 0 disables the check.
	JobFailureRateThreshold float64 `yaml:"job_failure_rate_threshold" mapstructure:"job_failure_rate_threshold"`
	QueueDepthThreshold     int     `yaml:"queue_depth_threshold" mapstructure:"queue_depth_threshold"`
	OverdueRFQThreshold     int     `yaml:"overdue_rfq_threshold" mapstructure:"overdue_rfq_threshold"`
	WebhookURL              string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RFQENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "rfq-engine.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("queue.poll_interval", "2s")
	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.backoff_base", "30s")
	v.SetDefault("queue.claim_batch_size", 20)
	v.SetDefault("sweep.schedule", "* * * * *")
	v.SetDefault("sweep.remind_lead", "4h")
	v.SetDefault("notify.rate_per_second", 20)
	v.SetDefault("notify.burst", 40)
	v.SetDefault("ocr.provider", "pattern")
	v.SetDefault("ocr.auto_apply_threshold", 0.85)
	v.SetDefault("blob.dir", "./data/blobs")
	v.SetDefault("blob.base_url", "http://localhost:9000")
	v.SetDefault("blob.ttl", "15m")
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.check_interval", "5m")
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.job_failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.queue_depth_threshold", 1000)
	v.SetDefault("monitoring.overdue_rfq_threshold", 25)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
