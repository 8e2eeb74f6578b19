package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	DB      DBConfig
	MinIO   MinIOConfig
	JWT     JWTConfig
	Server  ServerConfig
	Storage StorageConfig
	Ingest  IngestConfig
	Recalc  RecalcConfig
	Log     LogConfig
}

type DBConfig struct {
	Driver     string
	Host       string
	Port       string
	User       string
	Password   string
	Name       string
	SSLMode    string
	SQLitePath string
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

type JWTConfig struct {
	Secret          string
	ExpirationHours int
}

type ServerConfig struct {
	Port          string
	BodyLimit     int
	AllowOrigins  string
	RunIngestLoop bool
}

// StorageConfig describes where chunks land and where merged content lives.
// ChunkRoot is node-local; ContentRoot is only used by the local backend.
type StorageConfig struct {
	ChunkRoot      string
	ContentRoot    string
	ContentBackend string
}

type IngestConfig struct {
	PollInterval    time.Duration
	MergeBufferSize int
	DefaultQuota    int64
}

type RecalcConfig struct {
	Commit          bool
	CountContainers bool
}

type LogConfig struct {
	Level string
}

const (
	ContentBackendLocal = "local"
	ContentBackendMinIO = "minio"

	DefaultQuotaBytes int64 = 1 << 40
)

func Load() *Config {
	return &Config{
		DB: DBConfig{
			Driver:     getEnv("DB_DRIVER", "postgres"),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnv("DB_PORT", "5432"),
			User:       getEnv("DB_USER", "vault"),
			Password:   getEnv("DB_PASSWORD", "vault_secret"),
			Name:       getEnv("DB_NAME", "vault"),
			SSLMode:    getEnv("DB_SSLMODE", "disable"),
			SQLitePath: getEnv("DB_SQLITE_PATH", "vault.db"),
		},
		MinIO: MinIOConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: getEnv("MINIO_ACCESS_KEY", "vault"),
			SecretKey: getEnv("MINIO_SECRET_KEY", "vault_secret"),
			Bucket:    getEnv("MINIO_BUCKET", "vault-content"),
			Region:    getEnv("MINIO_REGION", ""),
			UseSSL:    getEnvAsBool("MINIO_USE_SSL", false),
		},
		JWT: JWTConfig{
			Secret:          getEnv("JWT_SECRET", "change-me-in-production"),
			ExpirationHours: getEnvAsInt("JWT_EXPIRATION_HOURS", 24),
		},
		Server: ServerConfig{
			Port:          getEnv("SERVER_PORT", "8080"),
			BodyLimit:     getEnvAsInt("SERVER_BODY_LIMIT_BYTES", 64*1024*1024),
			AllowOrigins:  getEnv("CORS_ALLOW_ORIGINS", "http://localhost:3001,http://127.0.0.1:3001"),
			RunIngestLoop: getEnvAsBool("SERVER_RUN_INGEST", true),
		},
		Storage: StorageConfig{
			ChunkRoot:      getEnv("CHUNK_ROOT", "/var/tmp/vault/uploads"),
			ContentRoot:    getEnv("CONTENT_ROOT", "/var/lib/vault/content"),
			ContentBackend: getEnv("CONTENT_BACKEND", ContentBackendLocal),
		},
		Ingest: IngestConfig{
			PollInterval:    getEnvAsDuration("INGEST_POLL_INTERVAL", 20*time.Second),
			MergeBufferSize: getEnvAsInt("INGEST_MERGE_BUFFER_BYTES", 2*1024*1024),
			DefaultQuota:    getEnvAsInt64("ORGANIZATION_DEFAULT_QUOTA_BYTES", DefaultQuotaBytes),
		},
		Recalc: RecalcConfig{
			Commit:          getEnvAsBool("RECALC_COMMIT", false),
			CountContainers: getEnvAsBool("RECALC_COUNT_CONTAINERS", false),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsInt64(key string, fallback int64) int64 {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}
