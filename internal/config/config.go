package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"300s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken   string `env:"AUTH_TOKEN"`
	CORSOrigins string `env:"CORS_ORIGINS"`
	MaxUploadMB int64  `env:"MAX_UPLOAD_MB" envDefault:"200"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	EmbeddingURL        string        `env:"EMBEDDING_URL,required"`
	EmbeddingTimeout    time.Duration `env:"EMBEDDING_TIMEOUT" envDefault:"30s"`
	EmbeddingDim        int           `env:"EMBEDDING_DIM" envDefault:"512"`
	EmbeddingMinSeconds float64       `env:"EMBEDDING_MIN_SECONDS" envDefault:"0.5"`
	EmbedConcurrency    int           `env:"EMBED_CONCURRENCY" envDefault:"4"`
	MinSegmentSeconds   float64       `env:"MIN_SEGMENT_SECONDS" envDefault:"0.3"`
	SimilarityThreshold float64       `env:"SIMILARITY_THRESHOLD" envDefault:"0.45"`
	DistanceThreshold   float64       `env:"CLUSTER_DISTANCE_THRESHOLD" envDefault:"19"`
	MaxSpeakers         int           `env:"CLUSTER_MAX_SPEAKERS" envDefault:"10"`
	MaxOtherSpeakers    int           `env:"CLUSTER_MAX_OTHER_SPEAKERS" envDefault:"5"`
	SilhouetteGate      float64       `env:"CLUSTER_SILHOUETTE_GATE" envDefault:"0.2"`
	DiarizeTimeout      time.Duration `env:"DIARIZE_TIMEOUT" envDefault:"5m"`
	TempDir             string        `env:"TEMP_DIR"`

	// Optional PostgreSQL (pgvector) for voice profiles and the run log.
	DatabaseURL  string        `env:"DATABASE_URL"`
	RunRetention time.Duration `env:"RUN_RETENTION" envDefault:"720h"`

	// Optional archive of request audio and results.
	ArchiveDir string `env:"ARCHIVE_DIR"`
	S3         S3Config

	// Optional MQTT publishing of completed runs.
	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"speaker-diarizer"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"diarizer"`

	// Optional watch folder.
	WatchDir       string `env:"WATCH_DIR"`
	WatchWorkers   int    `env:"WATCH_WORKERS" envDefault:"2"`
	WatchQueueSize int    `env:"WATCH_QUEUE_SIZE" envDefault:"100"`
}

// S3Config configures the S3-compatible archive backend.
type S3Config struct {
	Bucket         string        `env:"S3_BUCKET"`
	Endpoint       string        `env:"S3_ENDPOINT"`
	Region         string        `env:"S3_REGION" envDefault:"us-east-1"`
	AccessKey      string        `env:"S3_ACCESS_KEY"`
	SecretKey      string        `env:"S3_SECRET_KEY"`
	Prefix         string        `env:"S3_PREFIX"`
	LocalCache     bool          `env:"S3_LOCAL_CACHE" envDefault:"false"`
	CacheRetention time.Duration `env:"S3_CACHE_RETENTION" envDefault:"168h"`
	CacheMaxGB     int           `env:"S3_CACHE_MAX_GB" envDefault:"0"`
}

// Enabled reports whether an S3 bucket is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile      string
	HTTPAddr     string
	LogLevel     string
	DatabaseURL  string
	EmbeddingURL string
	WatchDir     string
	ArchiveDir   string
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

	// The embedding URL may come from the CLI alone.
	var opts env.Options
	if overrides.EmbeddingURL != "" {
		opts.Environment = env.ToMap(os.Environ())
		opts.Environment["EMBEDDING_URL"] = overrides.EmbeddingURL
	}

	// Parse environment variables into config struct
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
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
	if overrides.WatchDir != "" {
		cfg.WatchDir = overrides.WatchDir
	}
	if overrides.ArchiveDir != "" {
		cfg.ArchiveDir = overrides.ArchiveDir
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.EmbeddingDim <= 0 {
		errs = append(errs, fmt.Errorf("EMBEDDING_DIM must be positive, got %d", c.EmbeddingDim))
	}
	if c.SimilarityThreshold < -1 || c.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("SIMILARITY_THRESHOLD must be in [-1, 1], got %v", c.SimilarityThreshold))
	}
	if c.SilhouetteGate < -1 || c.SilhouetteGate > 1 {
		errs = append(errs, fmt.Errorf("CLUSTER_SILHOUETTE_GATE must be in [-1, 1], got %v", c.SilhouetteGate))
	}
	if c.DistanceThreshold <= 0 {
		errs = append(errs, fmt.Errorf("CLUSTER_DISTANCE_THRESHOLD must be positive, got %v", c.DistanceThreshold))
	}
	if c.MaxSpeakers < 2 {
		errs = append(errs, fmt.Errorf("CLUSTER_MAX_SPEAKERS must be at least 2, got %d", c.MaxSpeakers))
	}
	if c.MaxOtherSpeakers < 2 {
		errs = append(errs, fmt.Errorf("CLUSTER_MAX_OTHER_SPEAKERS must be at least 2, got %d", c.MaxOtherSpeakers))
	}
	if c.EmbedConcurrency < 1 {
		errs = append(errs, fmt.Errorf("EMBED_CONCURRENCY must be at least 1, got %d", c.EmbedConcurrency))
	}
	if c.MaxUploadMB < 1 {
		errs = append(errs, fmt.Errorf("MAX_UPLOAD_MB must be at least 1, got %d", c.MaxUploadMB))
	}
	if c.S3.LocalCache && c.ArchiveDir == "" {
		errs = append(errs, errors.New("S3_LOCAL_CACHE requires ARCHIVE_DIR"))
	}
	return errors.Join(errs...)
}
