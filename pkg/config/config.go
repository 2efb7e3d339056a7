package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/keeperhq/keeper/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Postgres configuration (identity store)
	Postgres PostgresConfig

	// Redis configuration (credential cache)
	Redis RedisConfig

	// Discord OAuth2 provider configuration
	Discord DiscordConfig

	// Token issuance configuration
	Token TokenConfig

	// Cache behavior configuration
	Cache CacheConfig

	// Observability configuration
	Observability ObservabilityConfig

	// ServiceClients is the static registry for service-to-service auth
	ServiceClients []ServiceClient
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// Session cookie settings (cookie-session strategy)
	CookieName   string
	CookieSecure bool
}

// PostgresConfig holds identity store connection settings
type PostgresConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	ConnTimeout  time.Duration
}

// RedisConfig holds credential cache connection settings
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
}

// DiscordConfig holds the OAuth2 provider client settings
type DiscordConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// Endpoint overrides, used by tests against a fake provider
	APIBaseURL string
	AuthURL    string
	TokenURL   string
	RevokeURL  string

	HTTPTimeout time.Duration
}

// TokenConfig holds signed-token issuance settings
type TokenConfig struct {
	SigningSecret string
	Issuer        string

	// DefaultTTL is used when the provider response carries no expires_in
	DefaultTTL time.Duration

	// ServiceTTL is the lifetime of service-to-service tokens
	ServiceTTL time.Duration
}

// CacheConfig holds cache TTLs and failure policy
type CacheConfig struct {
	ProfileTTL time.Duration
	RolesTTL   time.Duration

	// FailClosed makes cache backend errors surface instead of degrading to a miss
	FailClosed bool

	// L1 in-process cache in front of redis
	L1Size int
	L1TTL  time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// ServiceClient is one registered machine client with a static shared secret
type ServiceClient struct {
	ClientID string
	Secret   string
	Roles    []string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:         loadServerConfig(),
		Postgres:       loadPostgresConfig(),
		Redis:          loadRedisConfig(),
		Discord:        loadDiscordConfig(),
		Token:          loadTokenConfig(),
		Cache:          loadCacheConfig(),
		Observability:  loadObservabilityConfig(),
		ServiceClients: parseServiceClients(getEnv("KEEPER_SERVICE_CLIENTS", "")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("KEEPER_HOST", "0.0.0.0"),
		Port:            getEnv("KEEPER_PORT", "8080"),
		ReadTimeout:     getEnvDuration("KEEPER_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("KEEPER_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("KEEPER_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("KEEPER_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("KEEPER_HEALTH_PORT", "9090"),
		CookieName:      getEnv("KEEPER_COOKIE_NAME", "keeper_session"),
		CookieSecure:    getEnvBool("KEEPER_COOKIE_SECURE", true),
	}
}

func loadPostgresConfig() PostgresConfig {
	return PostgresConfig{
		URL:          getEnv("KEEPER_POSTGRES_URL", ""),
		MaxOpenConns: getEnvInt("KEEPER_POSTGRES_MAX_CONNS", 25),
		MaxIdleConns: getEnvInt("KEEPER_POSTGRES_IDLE_CONNS", 5),
		ConnTimeout:  getEnvDuration("KEEPER_POSTGRES_TIMEOUT", 5*time.Second),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:        getEnv("KEEPER_REDIS_URL", "redis://localhost:6379"),
		Password:   getEnv("KEEPER_REDIS_PASSWORD", ""),
		DB:         getEnvInt("KEEPER_REDIS_DB", 0),
		MaxRetries: getEnvInt("KEEPER_REDIS_MAX_RETRIES", 3),
		PoolSize:   getEnvInt("KEEPER_REDIS_POOL_SIZE", 10),
	}
}

func loadDiscordConfig() DiscordConfig {
	scopes := strings.Split(getEnv("KEEPER_DISCORD_SCOPES", "identify"), ",")
	return DiscordConfig{
		ClientID:     getEnv("KEEPER_DISCORD_CLIENT_ID", ""),
		ClientSecret: getEnv("KEEPER_DISCORD_CLIENT_SECRET", ""),
		RedirectURL:  getEnv("KEEPER_DISCORD_REDIRECT_URL", ""),
		Scopes:       scopes,
		APIBaseURL:   getEnv("KEEPER_DISCORD_API_URL", "https://discord.com/api/v10"),
		AuthURL:      getEnv("KEEPER_DISCORD_AUTH_URL", "https://discord.com/oauth2/authorize"),
		TokenURL:     getEnv("KEEPER_DISCORD_TOKEN_URL", "https://discord.com/api/oauth2/token"),
		RevokeURL:    getEnv("KEEPER_DISCORD_REVOKE_URL", "https://discord.com/api/oauth2/token/revoke"),
		HTTPTimeout:  getEnvDuration("KEEPER_DISCORD_HTTP_TIMEOUT", 10*time.Second),
	}
}

func loadTokenConfig() TokenConfig {
	return TokenConfig{
		SigningSecret: getEnv("KEEPER_TOKEN_SECRET", ""),
		Issuer:        getEnv("KEEPER_TOKEN_ISSUER", "keeper"),
		DefaultTTL:    getEnvDuration("KEEPER_TOKEN_DEFAULT_TTL", 1*time.Hour),
		ServiceTTL:    getEnvDuration("KEEPER_TOKEN_SERVICE_TTL", 24*time.Hour),
	}
}

func loadCacheConfig() CacheConfig {
	return CacheConfig{
		ProfileTTL: getEnvDuration("KEEPER_CACHE_PROFILE_TTL", 15*time.Minute),
		RolesTTL:   getEnvDuration("KEEPER_CACHE_ROLES_TTL", 5*time.Minute),
		FailClosed: getEnvBool("KEEPER_CACHE_FAIL_CLOSED", false),
		L1Size:     getEnvInt("KEEPER_CACHE_L1_SIZE", 1024),
		L1TTL:      getEnvDuration("KEEPER_CACHE_L1_TTL", 30*time.Second),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("KEEPER_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("KEEPER_METRICS_ENABLED", true),
	}
}

// parseServiceClients parses the KEEPER_SERVICE_CLIENTS registry.
// Format: "client_id:secret:role1|role2;client_id2:secret2:role1"
func parseServiceClients(raw string) []ServiceClient {
	if raw == "" {
		return nil
	}

	var clients []ServiceClient
	for _, entry := range strings.Split(raw, ";") {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		client := ServiceClient{
			ClientID: parts[0],
			Secret:   parts[1],
		}
		if len(parts) == 3 && parts[2] != "" {
			client.Roles = strings.Split(parts[2], "|")
		}
		clients = append(clients, client)
	}
	return clients
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Postgres.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required")
	}

	if c.Discord.ClientID == "" || c.Discord.ClientSecret == "" {
		return fmt.Errorf("discord client credentials are required")
	}
	if c.Discord.RedirectURL == "" {
		return fmt.Errorf("discord redirect URL is required")
	}

	if c.Token.SigningSecret == "" {
		return fmt.Errorf("token signing secret is required")
	}
	if len(c.Token.SigningSecret) < 32 {
		return fmt.Errorf("token signing secret must be at least 32 bytes")
	}
	if c.Token.DefaultTTL <= 0 {
		return fmt.Errorf("token default TTL must be positive")
	}

	for _, sc := range c.ServiceClients {
		if sc.ClientID == "" || sc.Secret == "" {
			return fmt.Errorf("service client entries require an id and a secret")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
