package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds configuration for the gateway and llamactl.
type Config struct {
	HTTPPort          string
	Backend           BackendConfig
	JWTSecret         []byte
	AdminPasswordHash string
	Database          DatabaseConfig
	Cache             CacheConfig
	Redis             RedisConfig
	RateLimit         RateLimitConfig
	UsageQueue        UsageQueueConfig
	Webhook           WebhookConfig
	RequestLogger     RequestLoggerConfig
	LogLevel          string

	// ConfigFile is the YAML file settings commands write to
	ConfigFile string
}

// BackendConfig describes the Ollama server requests are forwarded to
type BackendConfig struct {
	URL     string
	Timeout time.Duration // time allowed until the response headers arrive
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string // postgres, mysql or memory
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
}

// CacheConfig holds cache settings
type CacheConfig struct {
	APIKeyCacheSize int
	APIKeyCacheTTL  time.Duration
	WebhookCacheTTL time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RateLimitConfig controls the per-key token buckets
type RateLimitConfig struct {
	Window        time.Duration // refill window
	FlushInterval time.Duration // how often bucket state is written back
}

// UsageQueueConfig controls how usage events reach the database
type UsageQueueConfig struct {
	Backend      string // memory or redis
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// WebhookConfig controls webhook delivery
type WebhookConfig struct {
	Timeout time.Duration
}

type RequestLoggerConfig struct {
	Enabled          bool
	FilePathTemplate string
	MaxSize          int64
	MaxFiles         int
	BufferSize       int
	FlushInterval    time.Duration
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvInt64(key string, defaultValue int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}
	return b
}

// Options tells Load where to look for configuration sources.
type Options struct {
	EnvFile    string // dotenv file, "" means ./.env when present
	ConfigFile string // YAML file
	LegacyDir  string // directory holding port.conf and ollamaPort.conf
}

// DefaultOptions reads ENV_FILE and CONFIG_FILE, falling back to the working directory.
func DefaultOptions() Options {
	return Options{
		EnvFile:    os.Getenv("ENV_FILE"),
		ConfigFile: getEnvString("CONFIG_FILE", DefaultConfigFile),
		LegacyDir:  ".",
	}
}

// Load reads configuration with DefaultOptions.
func Load() (*Config, error) {
	return LoadWithOptions(DefaultOptions())
}

// LoadWithOptions builds the configuration. Precedence, highest first:
// environment (including the dotenv file), YAML file, legacy .conf files, defaults.
// Missing port or backend values are not an error here; see Validate.
func LoadWithOptions(opts Options) (*Config, error) {
	if err := loadEnvFile(opts.EnvFile); err != nil {
		return nil, err
	}

	file, err := ReadFile(opts.ConfigFile)
	if err != nil {
		return nil, err
	}

	legacy := readLegacy(opts.LegacyDir)

	port := getEnvString("HTTP_PORT", "")
	if port == "" && file.Port != 0 {
		port = strconv.Itoa(file.Port)
	}
	if port == "" {
		port = legacy.port
	}

	cfg := &Config{
		HTTPPort: port,
		Backend: BackendConfig{
			URL:     resolveBackendURL(file, legacy),
			Timeout: getEnvDuration("BACKEND_TIMEOUT", 5*time.Minute),
		},
		JWTSecret:         []byte(getEnvString("JWT_SECRET", "")),
		AdminPasswordHash: getEnvString("ADMIN_PASSWORD_HASH", ""),
		Database: DatabaseConfig{
			Driver:          strings.ToLower(getEnvString("DATABASE_DRIVER", orDefault(file.Database.Driver, "postgres"))),
			URL:             getEnvString("DATABASE_URL", file.Database.URL),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
			QueryTimeout:    getEnvDuration("DB_QUERY_TIMEOUT", 5*time.Second),
		},
		Cache: CacheConfig{
			APIKeyCacheSize: getEnvInt("CACHE_API_KEY_SIZE", 1000),
			APIKeyCacheTTL:  getEnvDuration("CACHE_API_KEY_TTL", 5*time.Second),
			WebhookCacheTTL: getEnvDuration("CACHE_WEBHOOK_TTL", 30*time.Second),
		},
		Redis: RedisConfig{
			Address:      getEnvString("REDIS_ADDRESS", orDefault(file.Redis.Address, "localhost:6379")),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		RateLimit: RateLimitConfig{
			Window:        getEnvDuration("RATE_LIMIT_WINDOW", 60*time.Second),
			FlushInterval: getEnvDuration("RATE_LIMIT_FLUSH_INTERVAL", 1*time.Second),
		},
		UsageQueue: UsageQueueConfig{
			Backend:      strings.ToLower(getEnvString("USAGE_QUEUE_BACKEND", orDefault(file.UsageQueue, "memory"))),
			BatchSize:    getEnvInt("USAGE_QUEUE_BATCH_SIZE", 100),
			BatchTimeout: getEnvDuration("USAGE_QUEUE_BATCH_TIMEOUT", 2*time.Second),
			MaxRetries:   getEnvInt("USAGE_QUEUE_MAX_RETRIES", 3),
			RetryBackoff: getEnvDuration("USAGE_QUEUE_RETRY_BACKOFF", 1*time.Second),
		},
		Webhook: WebhookConfig{
			Timeout: getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		},
		RequestLogger: RequestLoggerConfig{
			Enabled:          getEnvBool("REQUEST_LOGGER_ENABLED", false),
			FilePathTemplate: getEnvString("REQUEST_LOGGER_FILE_PATH_TEMPLATE", "/var/log/llama-gateway/requests-%s.jsonl"),
			MaxSize:          getEnvInt64("REQUEST_LOGGER_MAX_SIZE", 10_485_760),              // default 10 MB
			MaxFiles:         getEnvInt("REQUEST_LOGGER_MAX_FILES", 5),                        // default 5
			BufferSize:       getEnvInt("REQUEST_LOGGER_BUFFER_SIZE", 100),                    // default 100
			FlushInterval:    getEnvDuration("REQUEST_LOGGER_FLUSH_INTERVAL", 60*time.Second), // default 60 seconds
		},
		LogLevel:   getEnvString("LOG_LEVEL", orDefault(file.LogLevel, "warning")),
		ConfigFile: opts.ConfigFile,
	}

	return cfg, nil
}

// resolveBackendURL prefers a full URL and falls back to a localhost port.
func resolveBackendURL(file *FileConfig, legacy legacyValues) string {
	if u := getEnvString("OLLAMA_URL", file.OllamaURL); u != "" {
		return u
	}

	port := getEnvString("OLLAMA_PORT", "")
	if port == "" && file.OllamaPort != 0 {
		port = strconv.Itoa(file.OllamaPort)
	}
	if port == "" {
		port = legacy.ollamaPort
	}
	if port == "" {
		return ""
	}
	return BackendURLForPort(port)
}

// BackendURLForPort returns the URL of an Ollama server listening on localhost:port.
func BackendURLForPort(port string) string {
	return fmt.Sprintf("http://localhost:%s", port)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
