package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for easel-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3444"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Authentication configuration
	Auth AuthConfig `yaml:"auth"`

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Redis configuration (optional, tool catalog snapshot cache)
	Redis RedisConfig `yaml:"redis"`

	// Tool registry configuration
	Registry RegistryConfig `yaml:"registry"`

	// Tool invocation configuration
	Invocation InvocationConfig `yaml:"invocation"`
}

// AuthConfig holds authentication-related configuration.
type AuthConfig struct {
	// EnableVerification controls whether JWT tokens are validated.
	// Set to false for local development without auth server.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`

	// JWKSEndpointsStr is a comma-separated list of issuer=jwks_url pairs.
	// Format: "issuer1=url1,issuer2=url2"
	JWKSEndpointsStr string `yaml:"jwks_endpoints" env:"JWKS_ENDPOINTS" env-default:""`

	// JWKSEndpoints is the parsed map from JWKSEndpointsStr (not from config file).
	JWKSEndpoints map[string]string `yaml:"-"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"easel"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"easel_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MigrationsPath string `yaml:"migrations_path" env:"PGMIGRATIONS_PATH" env-default:"migrations"`

	// Pool connections are recycled on these cadences so a long-lived engine
	// does not pin stale connections across database failovers.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"PGCONN_MAX_LIFETIME" env-default:"1h"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"PGCONN_MAX_IDLE_TIME" env-default:"30m"`
}

// URL builds a PostgreSQL connection URL from the config.
func (c *DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// RedisConfig holds Redis configuration for the shared catalog cache.
// An empty host disables Redis; the registry then caches in-process only.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// RegistryConfig holds tool registry settings.
type RegistryConfig struct {
	// CatalogTTLSeconds is how long an aggregated tool catalog is served
	// before providers are listed again.
	CatalogTTLSeconds int `yaml:"catalog_ttl_seconds" env:"REGISTRY_CATALOG_TTL_SECONDS" env-default:"60"`
	// ProviderTimeoutSeconds bounds a single provider's ListTools call.
	ProviderTimeoutSeconds int `yaml:"provider_timeout_seconds" env:"REGISTRY_PROVIDER_TIMEOUT_SECONDS" env-default:"5"`
	// ProvidersPath points at the YAML file describing remote tool providers.
	ProvidersPath string `yaml:"providers_path" env:"REGISTRY_PROVIDERS_PATH" env-default:""`
}

// InvocationConfig holds tool execution settings.
type InvocationConfig struct {
	// DefaultTimeoutSeconds bounds a tool invocation that does not declare
	// its own deadline. Wall-clock, measured from invocation start.
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds" env:"INVOCATION_DEFAULT_TIMEOUT_SECONDS" env-default:"30"`
	// MaxPersistRetries bounds the local retry loop for version writes.
	MaxPersistRetries int `yaml:"max_persist_retries" env:"INVOCATION_MAX_PERSIST_RETRIES" env-default:"3"`
}

// ProviderSpec describes one remote tool provider in the providers file.
type ProviderSpec struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
}

// providersFile is the on-disk shape of the providers catalog.
type providersFile struct {
	Providers []ProviderSpec `yaml:"providers"`
}

// Load reads configuration from config.yaml (if present) and environment
// variables, then applies derived fields.
func Load(version string) (*Config, error) {
	cfg := &Config{}

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	cfg.Version = version
	cfg.Auth.JWKSEndpoints = parseJWKSEndpoints(cfg.Auth.JWKSEndpointsStr)

	return cfg, nil
}

// LoadProviders parses the remote tool provider catalog from path.
// A missing path yields an empty catalog, not an error; the engine can run
// on builtin tools alone.
func LoadProviders(path string) ([]ProviderSpec, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}

	var pf providersFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse providers file: %w", err)
	}

	for i, p := range pf.Providers {
		if p.Name == "" || p.BaseURL == "" {
			return nil, fmt.Errorf("provider entry %d is missing name or base_url", i)
		}
	}

	return pf.Providers, nil
}

// parseJWKSEndpoints parses "issuer1=url1,issuer2=url2" into a map.
// Malformed pairs are skipped.
func parseJWKSEndpoints(s string) map[string]string {
	endpoints := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		issuer, url, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || issuer == "" || url == "" {
			continue
		}
		endpoints[issuer] = url
	}
	return endpoints
}
