// Package config loads vpkgate runtime configuration from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for every vpkgate command.
type Config struct {
	Addr        string `env:"ADDR,default=:8080"`
	DBDSN       string `env:"DB_DSN"`
	DataDir     string `env:"DATA_DIR,default=./data"`
	RulesFile   string `env:"RULES_FILE,default=rules.yml"`
	MaxUploadMB int64  `env:"MAX_UPLOAD_MB,default=1024"`

	GuestTTL          time.Duration `env:"GUEST_TTL,default=24h"`
	ScratchStaleAfter time.Duration `env:"SCRATCH_STALE_AFTER,default=6h"`
	OrphanGrace       time.Duration `env:"ORPHAN_GRACE,default=1h"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL,default=10m"`
	VerifyCRC         bool          `env:"VERIFY_CRC,default=false"`

	AdminUser string `env:"ADMIN_USER"`
	AdminPass string `env:"ADMIN_PASS"`

	AllowedOrigins      []string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	UploadRatePerMinute int      `env:"UPLOAD_RATE_PER_MINUTE,default=10"`

	LogLevel     string `env:"LOG_LEVEL,default=info"`
	LogPretty    bool   `env:"LOG_PRETTY,default=false"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	NATSURL string `env:"NATS_URL"`

	AgeSecretKey string `env:"AGE_SECRET_KEY"`
	AgePublicKey string `env:"AGE_PUBLIC_KEY"`

	S3 S3
}

// S3 configures the optional artifact mirror. An empty bucket disables it.
type S3 struct {
	Bucket         string `env:"S3_BUCKET"`
	Prefix         string `env:"S3_PREFIX,default=artifacts"`
	Endpoint       string `env:"S3_ENDPOINT"`
	Region         string `env:"S3_REGION,default=us-east-1"`
	AccessKey      string `env:"S3_ACCESS_KEY"`
	SecretKey      string `env:"S3_SECRET_KEY"`
	DisableTLS     bool   `env:"S3_DISABLE_TLS,default=false"`
	ForcePathStyle bool   `env:"S3_FORCE_PATH_STYLE,default=true"`
}

// Load reads an optional .env file and then the process environment.
func Load(ctx context.Context) (Config, error) {
	_ = godotenv.Load()
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith populates a Config from the given lookuper.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DataDir == "" {
		return errors.New("DATA_DIR must not be empty")
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("MAX_UPLOAD_MB must be positive, got %d", c.MaxUploadMB)
	}
	if (c.AdminUser == "") != (c.AdminPass == "") {
		return errors.New("ADMIN_USER and ADMIN_PASS must be set together")
	}
	if c.OrphanGrace <= 0 || c.ScratchStaleAfter <= 0 {
		return errors.New("ORPHAN_GRACE and SCRATCH_STALE_AFTER must be positive")
	}
	if c.UploadRatePerMinute < 0 {
		return fmt.Errorf("UPLOAD_RATE_PER_MINUTE must not be negative, got %d", c.UploadRatePerMinute)
	}
	return nil
}

// StorageDir is where committed containers live.
func (c Config) StorageDir() string { return filepath.Join(c.DataDir, "storage") }

// ScratchDir is where scratch areas and upload spool files live.
func (c Config) ScratchDir() string { return filepath.Join(c.DataDir, "scratch") }

// MaxUploadBytes converts MaxUploadMB to bytes.
func (c Config) MaxUploadBytes() int64 { return c.MaxUploadMB << 20 }
