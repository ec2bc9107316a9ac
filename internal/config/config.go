package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`

	MediaDir string `env:"MEDIA_DIR" envDefault:"./media"`
	WorkDir  string `env:"WORK_DIR" envDefault:"./work"`
	InboxDir string `env:"INBOX_DIR"` // empty disables the inbox watcher

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	// External stage engines.
	ASRURL        string        `env:"ASR_URL,required"`
	ASRModel      string        `env:"ASR_MODEL" envDefault:"asr-large-v3"`
	AlignURL      string        `env:"ALIGN_URL,required"`
	AlignModel    string        `env:"ALIGN_MODEL" envDefault:"align-v2"`
	DiarizeURL    string        `env:"DIARIZE_URL,required"`
	DiarizeModel  string        `env:"DIARIZE_MODEL" envDefault:"diar-v3"`
	EngineTimeout time.Duration `env:"ENGINE_TIMEOUT" envDefault:"10m"`

	// Pipeline tuning.
	Workers       int           `env:"WORKERS" envDefault:"2"`
	QueueSize     int           `env:"QUEUE_SIZE" envDefault:"64"`
	MaxAttempts   int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	RetryBase     time.Duration `env:"RETRY_BASE" envDefault:"2s"`
	StageTimeout  time.Duration `env:"STAGE_TIMEOUT" envDefault:"15m"`
	MaxDurationMs int64         `env:"MAX_MEDIA_DURATION_MS" envDefault:"14400000"` // 4h
	MaxSizeBytes  int64         `env:"MAX_MEDIA_SIZE_BYTES" envDefault:"2147483648"` // 2GiB

	// Retention.
	GraceWindow       time.Duration `env:"RETENTION_GRACE_WINDOW" envDefault:"5m"`
	RetentionInterval time.Duration `env:"RETENTION_SWEEP_INTERVAL" envDefault:"1m"`

	// MQTT status pushes. Empty broker URL disables them.
	MQTTBrokerURL string `env:"MQTT_BROKER_URL"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID" envDefault:"custody-engine"`
	MQTTUsername  string `env:"MQTT_USERNAME"`
	MQTTPassword  string `env:"MQTT_PASSWORD"`
	MQTTTopicBase string `env:"MQTT_TOPIC_BASE" envDefault:"custody"`

	S3 S3Config `envPrefix:"S3_"`
}

// S3Config configures the optional S3 media backend. Media stays on the
// local filesystem unless a bucket is set.
type S3Config struct {
	Bucket        string        `env:"BUCKET"`
	Region        string        `env:"REGION" envDefault:"us-east-1"`
	Endpoint      string        `env:"ENDPOINT"`
	Prefix        string        `env:"PREFIX"`
	AccessKey     string        `env:"ACCESS_KEY"`
	SecretKey     string        `env:"SECRET_KEY"`
	PresignExpiry time.Duration `env:"PRESIGN_EXPIRY" envDefault:"15m"`
}

func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	MediaDir    string
	InboxDir    string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.MediaDir != "" {
		cfg.MediaDir = overrides.MediaDir
	}
	if overrides.InboxDir != "" {
		cfg.InboxDir = overrides.InboxDir
	}

	return cfg, nil
}
