package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration for M15.
type Config struct {
	ServiceID string

	HTTPPort int
	GRPCPort int

	DatabaseURL string
	RedisURL    string

	AuthJWTSecret string

	SettlementAddr string
	FeeOracleAddr  string

	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string

	DefaultCurrency      string
	AttachmentLimitBytes int64
	PayloadLimitBytes    int64
	IdempotencyTTL       time.Duration
	LockTTL              time.Duration

	MaxDBConns         int32
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
}

// configFile mirrors the YAML schema used by configs/default.yaml.
type configFile struct {
	Service struct {
		ID       string `yaml:"id"`
		HTTPPort int    `yaml:"http_port"`
		GRPCPort int    `yaml:"grpc_port"`
	} `yaml:"service"`
	Dependencies struct {
		PostgresURL    string `yaml:"postgres_url"`
		RedisURL       string `yaml:"redis_url"`
		SettlementAddr string `yaml:"settlement_addr"`
		FeeOracleAddr  string `yaml:"fee_oracle_addr"`
	} `yaml:"dependencies"`
	Storage struct {
		S3Bucket   string `yaml:"s3_bucket"`
		S3Region   string `yaml:"s3_region"`
		S3Endpoint string `yaml:"s3_endpoint"`
		S3Prefix   string `yaml:"s3_prefix"`
	} `yaml:"storage"`
	Escrow struct {
		DefaultCurrency     string `yaml:"default_currency"`
		AttachmentLimitKB   int64  `yaml:"attachment_limit_kb"`
		PayloadLimitKB      int64  `yaml:"payload_limit_kb"`
		IdempotencyTTLHours int    `yaml:"idempotency_ttl_hours"`
		LockTTLSeconds      int    `yaml:"lock_ttl_seconds"`
	} `yaml:"escrow"`
}

// LoadConfig resolves configuration in priority order: defaults -> file -> env.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		ServiceID:            "M15-Milestone-Escrow-Service",
		HTTPPort:             8080,
		GRPCPort:             9090,
		S3Region:             "us-east-1",
		S3Prefix:             "proofs/",
		DefaultCurrency:      "SAT",
		AttachmentLimitBytes: 2000 * 1024,
		PayloadLimitBytes:    1536 * 1024,
		IdempotencyTTL:       7 * 24 * time.Hour,
		LockTTL:              30 * time.Second,
		MaxDBConns:           20,
		OutboxPollInterval:   2 * time.Second,
		OutboxBatchSize:      100,
	}

	raw, err := os.ReadFile(path)
	if err == nil {
		var f configFile
		if unmarshalErr := yaml.Unmarshal(raw, &f); unmarshalErr != nil {
			return Config{}, fmt.Errorf("parse config file: %w", unmarshalErr)
		}
		if f.Service.ID != "" {
			cfg.ServiceID = f.Service.ID
		}
		if f.Service.HTTPPort > 0 {
			cfg.HTTPPort = f.Service.HTTPPort
		}
		if f.Service.GRPCPort > 0 {
			cfg.GRPCPort = f.Service.GRPCPort
		}
		if f.Dependencies.PostgresURL != "" {
			cfg.DatabaseURL = f.Dependencies.PostgresURL
		}
		if f.Dependencies.RedisURL != "" {
			cfg.RedisURL = f.Dependencies.RedisURL
		}
		if f.Dependencies.SettlementAddr != "" {
			cfg.SettlementAddr = f.Dependencies.SettlementAddr
		}
		if f.Dependencies.FeeOracleAddr != "" {
			cfg.FeeOracleAddr = f.Dependencies.FeeOracleAddr
		}
		if f.Storage.S3Bucket != "" {
			cfg.S3Bucket = f.Storage.S3Bucket
		}
		if f.Storage.S3Region != "" {
			cfg.S3Region = f.Storage.S3Region
		}
		if f.Storage.S3Endpoint != "" {
			cfg.S3Endpoint = f.Storage.S3Endpoint
		}
		if f.Storage.S3Prefix != "" {
			cfg.S3Prefix = f.Storage.S3Prefix
		}
		if f.Escrow.DefaultCurrency != "" {
			cfg.DefaultCurrency = strings.ToUpper(f.Escrow.DefaultCurrency)
		}
		if f.Escrow.AttachmentLimitKB > 0 {
			cfg.AttachmentLimitBytes = f.Escrow.AttachmentLimitKB * 1024
		}
		if f.Escrow.PayloadLimitKB > 0 {
			cfg.PayloadLimitBytes = f.Escrow.PayloadLimitKB * 1024
		}
		if f.Escrow.IdempotencyTTLHours > 0 {
			cfg.IdempotencyTTL = time.Duration(f.Escrow.IdempotencyTTLHours) * time.Hour
		}
		if f.Escrow.LockTTLSeconds > 0 {
			cfg.LockTTL = time.Duration(f.Escrow.LockTTLSeconds) * time.Second
		}
	}

	cfg.DatabaseURL = envOrDefault("DB_URL", envOrDefault("POSTGRES_URL", cfg.DatabaseURL))
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.AuthJWTSecret = envOrDefault("AUTH_JWT_SECRET", cfg.AuthJWTSecret)
	cfg.SettlementAddr = envOrDefault("SETTLEMENT_GRPC_ADDR", cfg.SettlementAddr)
	cfg.FeeOracleAddr = envOrDefault("FEE_ORACLE_GRPC_ADDR", cfg.FeeOracleAddr)
	cfg.S3Bucket = envOrDefault("S3_BUCKET", cfg.S3Bucket)
	cfg.S3Region = envOrDefault("S3_REGION", cfg.S3Region)
	cfg.S3Endpoint = envOrDefault("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Prefix = envOrDefault("S3_PREFIX", cfg.S3Prefix)
	cfg.DefaultCurrency = strings.ToUpper(envOrDefault("DEFAULT_CURRENCY", cfg.DefaultCurrency))

	cfg.HTTPPort = envInt("HTTP_PORT", cfg.HTTPPort)
	cfg.GRPCPort = envInt("GRPC_PORT", cfg.GRPCPort)
	cfg.MaxDBConns = int32(envInt("DB_MAX_CONNS", int(cfg.MaxDBConns)))
	cfg.AttachmentLimitBytes = int64(envInt("ATTACHMENT_LIMIT_KB", int(cfg.AttachmentLimitBytes/1024))) * 1024
	cfg.PayloadLimitBytes = int64(envInt("PAYLOAD_LIMIT_KB", int(cfg.PayloadLimitBytes/1024))) * 1024
	cfg.IdempotencyTTL = time.Duration(envInt("IDEMPOTENCY_TTL_HOURS", int(cfg.IdempotencyTTL.Hours()))) * time.Hour
	cfg.LockTTL = time.Duration(envInt("LOCK_TTL_SECONDS", int(cfg.LockTTL.Seconds()))) * time.Second
	cfg.OutboxPollInterval = time.Duration(envInt("OUTBOX_POLL_SECONDS", int(cfg.OutboxPollInterval.Seconds()))) * time.Second
	cfg.OutboxBatchSize = envInt("OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("missing DB_URL/POSTGRES_URL")
	}
	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("missing REDIS_URL")
	}

	return cfg, nil
}

// envOrDefault returns an env var when present, otherwise the provided fallback.
func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// envInt parses integer env vars with safe fallback on empty/invalid values.
func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
