package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendMinio    = "minio"
)

// Config holds all configuration shared by the pipeline steps.
type Config struct {
	Pipeline PipelineConfig
	Log      LogConfig
	Registry RegistryConfig
	Blob     BlobConfig
	Redis    RedisConfig
}

type PipelineConfig struct {
	Project string
	DataDir string
	WorkDir string
}

type LogConfig struct {
	Format string
	Level  string
}

// RegistryConfig selects where run and artifact metadata lives.
type RegistryConfig struct {
	Backend  string
	Dir      string
	Database DatabaseConfig
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// BlobConfig selects where artifact payloads live.
type BlobConfig struct {
	Backend string
	Dir     string
	Minio   MinioConfig
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// RedisConfig enables the artifact lookup cache when URL is set.
type RedisConfig struct {
	URL string
	TTL time.Duration
}

var (
	validRegistryBackends = map[string]bool{BackendFile: true, BackendPostgres: true}
	validBlobBackends     = map[string]bool{BackendFile: true, BackendMinio: true}
	validLogFormats       = map[string]bool{"json": true, "text": true}
	validLogLevels        = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
)

// Load reads an optional .env file, then configuration from environment
// variables, and returns a validated Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Pipeline: PipelineConfig{
			Project: envString("PREPLINE_PROJECT", "nyc_airbnb"),
			DataDir: envString("PREPLINE_DATA_DIR", "data"),
			WorkDir: envString("PREPLINE_WORK_DIR", ".prepline/runs"),
		},
		Log: LogConfig{
			Format: strings.ToLower(envString("PREPLINE_LOG_FORMAT", "json")),
			Level:  strings.ToLower(envString("PREPLINE_LOG_LEVEL", "info")),
		},
		Registry: RegistryConfig{
			Backend: envString("REGISTRY_BACKEND", BackendFile),
			Dir:     envString("REGISTRY_DIR", ".prepline/registry"),
			Database: DatabaseConfig{
				URL:             os.Getenv("DATABASE_URL"),
				MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 10),
				MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 2),
				ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			},
		},
		Blob: BlobConfig{
			Backend: envString("BLOB_BACKEND", BackendFile),
			Dir:     envString("BLOB_DIR", ".prepline/blobs"),
			Minio: MinioConfig{
				Endpoint:  os.Getenv("MINIO_ENDPOINT"),
				AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
				SecretKey: os.Getenv("MINIO_SECRET_KEY"),
				Bucket:    envString("MINIO_BUCKET", "artifacts"),
				UseSSL:    envBool("MINIO_USE_SSL", false),
			},
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
			TTL: envDuration("ARTIFACT_CACHE_TTL", 24*time.Hour),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Pipeline.Project == "" {
		return fmt.Errorf("PREPLINE_PROJECT must not be empty")
	}

	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("PREPLINE_LOG_FORMAT must be one of json, text; got %q", c.Log.Format)
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("PREPLINE_LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Log.Level)
	}

	if !validRegistryBackends[c.Registry.Backend] {
		return fmt.Errorf("REGISTRY_BACKEND must be one of file, postgres; got %q", c.Registry.Backend)
	}
	if c.Registry.Backend == BackendPostgres && c.Registry.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when REGISTRY_BACKEND is postgres")
	}

	if !validBlobBackends[c.Blob.Backend] {
		return fmt.Errorf("BLOB_BACKEND must be one of file, minio; got %q", c.Blob.Backend)
	}
	if c.Blob.Backend == BackendMinio {
		if c.Blob.Minio.Endpoint == "" {
			return fmt.Errorf("MINIO_ENDPOINT is required when BLOB_BACKEND is minio")
		}
		if strings.Contains(c.Blob.Minio.Endpoint, "://") {
			return fmt.Errorf("MINIO_ENDPOINT must be host[:port] without a scheme, got %q", c.Blob.Minio.Endpoint)
		}
		if c.Blob.Minio.AccessKey == "" || c.Blob.Minio.SecretKey == "" {
			return fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required when BLOB_BACKEND is minio")
		}
	}

	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
