package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, loaded from the environment.
type Config struct {
	Environment string

	Server     ServerConfig
	Logging    LoggingConfig
	Security   SecurityConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Clickhouse ClickhouseConfig
	Elastic    ElasticConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	EnableTLS    bool
	CertFile     string
	KeyFile      string
	// AutoCert provisions certificates through ACME for Domain; outside of
	// that, CertFile/KeyFile are used, and development falls back to a
	// generated self-signed certificate.
	AutoCert      bool
	Domain        string
	AutoCertDir   string
	AutoCertEmail string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// SecurityConfig tunes the monitoring core. None of these are hardcoded in
// component logic; every knob comes through here.
type SecurityConfig struct {
	// MetricsWindow is the trailing duration over which rolling metrics are
	// computed. Zero means the full retained history.
	MetricsWindow time.Duration
	// MaxEvents bounds the in-memory event log.
	MaxEvents int
	// BlocklistTTL is applied when a block request carries no explicit TTL.
	BlocklistTTL time.Duration
	// SweepInterval is how often expired blocklist entries are reaped.
	SweepInterval time.Duration
	// FailureThreshold and FailureWindow drive the default blocking policy:
	// a source exceeding FailureThreshold failed logins within FailureWindow
	// gets blocked.
	FailureThreshold int
	FailureWindow    time.Duration
	// TestTimeout is the per-case timeout for suite runs.
	TestTimeout time.Duration
	// TestConcurrency caps concurrently executing cases within one run.
	TestConcurrency int
	// TargetBaseURL is the API surface the penetration and session suites
	// probe.
	TargetBaseURL string
	// SessionIdleTimeout and SessionMaxConcurrent mirror the external
	// session component's configuration for the session suite's checks.
	SessionIdleTimeout   time.Duration
	SessionMaxConcurrent int
	// SessionRefreshInterval is how often the cached active-session count is
	// refreshed from the session component. Zero disables the refresher; the
	// count is then updated only by metrics pulls.
	SessionRefreshInterval time.Duration
	// SubscriberQueue is the per-subscriber outbound buffer in the hub.
	SubscriberQueue int
}

type RedisConfig struct {
	Enabled  bool
	URL      string
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Database string
	Username string
	Password string
	Table    string
}

type ElasticConfig struct {
	Enabled   bool
	Addresses []string
	Username  string
	Password  string
	Index     string
}

var (
	global *Config
	once   sync.Once
)

// LoadConfig reads configuration from the environment (and .env when
// present). It is safe to call more than once; the first load wins.
func LoadConfig() *Config {
	once.Do(func() {
		// Missing .env is fine; real deployments set the environment.
		_ = godotenv.Load()

		global = &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Host:          getEnv("SERVER_HOST", "0.0.0.0"),
				Port:          getEnvInt("SERVER_PORT", 8090),
				ReadTimeout:   getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout:  getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:   getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
				EnableTLS:     getEnvBool("SERVER_ENABLE_TLS", false),
				CertFile:      getEnv("SERVER_CERT_FILE", ""),
				KeyFile:       getEnv("SERVER_KEY_FILE", ""),
				AutoCert:      getEnvBool("SERVER_AUTOCERT", false),
				Domain:        getEnv("SERVER_DOMAIN", ""),
				AutoCertDir:   getEnv("SERVER_AUTOCERT_DIR", "./certs"),
				AutoCertEmail: getEnv("SERVER_AUTOCERT_EMAIL", ""),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
			Security: SecurityConfig{
				MetricsWindow:          getEnvDuration("SECURITY_METRICS_WINDOW", 24*time.Hour),
				MaxEvents:              getEnvInt("SECURITY_MAX_EVENTS", 10000),
				BlocklistTTL:           getEnvDuration("SECURITY_BLOCKLIST_TTL", 15*time.Minute),
				SweepInterval:          getEnvDuration("SECURITY_SWEEP_INTERVAL", 30*time.Second),
				FailureThreshold:       getEnvInt("SECURITY_FAILURE_THRESHOLD", 5),
				FailureWindow:          getEnvDuration("SECURITY_FAILURE_WINDOW", 5*time.Minute),
				TestTimeout:            getEnvDuration("SECURITY_TEST_TIMEOUT", 10*time.Second),
				TestConcurrency:        getEnvInt("SECURITY_TEST_CONCURRENCY", 4),
				TargetBaseURL:          getEnv("SECURITY_TARGET_BASE_URL", "http://localhost:5000"),
				SessionIdleTimeout:     getEnvDuration("SECURITY_SESSION_IDLE_TIMEOUT", 2*time.Second),
				SessionMaxConcurrent:   getEnvInt("SECURITY_SESSION_MAX_CONCURRENT", 3),
				SessionRefreshInterval: getEnvDuration("SECURITY_SESSION_REFRESH_INTERVAL", 30*time.Second),
				SubscriberQueue:        getEnvInt("SECURITY_SUBSCRIBER_QUEUE", 64),
			},
			Redis: RedisConfig{
				Enabled:  getEnvBool("REDIS_ENABLED", false),
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 20),
			},
			Kafka: KafkaConfig{
				Enabled: getEnvBool("KAFKA_ENABLED", false),
				Brokers: getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
				Topic:   getEnv("KAFKA_SECURITY_TOPIC", "security-events"),
			},
			Clickhouse: ClickhouseConfig{
				Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
				URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
				Database: getEnv("CLICKHOUSE_DATABASE", "security"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
				Table:    getEnv("CLICKHOUSE_EVENTS_TABLE", "security_events"),
			},
			Elastic: ElasticConfig{
				Enabled:   getEnvBool("ELASTIC_ENABLED", false),
				Addresses: getEnvSlice("ELASTIC_ADDRESSES", []string{"http://localhost:9200"}),
				Username:  getEnv("ELASTIC_USERNAME", ""),
				Password:  getEnv("ELASTIC_PASSWORD", ""),
				Index:     getEnv("ELASTIC_EVENTS_INDEX", "security-events"),
			},
		}
	})
	return global
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	if global == nil {
		return LoadConfig()
	}
	return global
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate rejects configurations the core cannot run with. Invalid startup
// configuration is the only fatal error class.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Security.MaxEvents <= 0 {
		return fmt.Errorf("SECURITY_MAX_EVENTS must be positive, got %d", c.Security.MaxEvents)
	}
	if c.Security.TestConcurrency <= 0 {
		return fmt.Errorf("SECURITY_TEST_CONCURRENCY must be positive, got %d", c.Security.TestConcurrency)
	}
	if c.Security.TestTimeout <= 0 {
		return fmt.Errorf("SECURITY_TEST_TIMEOUT must be positive, got %s", c.Security.TestTimeout)
	}
	if c.Security.MetricsWindow < 0 {
		return fmt.Errorf("SECURITY_METRICS_WINDOW must not be negative, got %s", c.Security.MetricsWindow)
	}
	if c.Security.SubscriberQueue <= 0 {
		return fmt.Errorf("SECURITY_SUBSCRIBER_QUEUE must be positive, got %d", c.Security.SubscriberQueue)
	}
	if c.Server.EnableTLS && c.Server.AutoCert && c.Server.Domain == "" {
		return fmt.Errorf("SERVER_AUTOCERT requires SERVER_DOMAIN")
	}
	if c.IsProduction() && c.Server.EnableTLS && !c.Server.AutoCert &&
		(c.Server.CertFile == "" || c.Server.KeyFile == "") {
		return fmt.Errorf("TLS enabled in production but SERVER_CERT_FILE/SERVER_KEY_FILE not set")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
