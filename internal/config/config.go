package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	Keys      KeysConfig      `mapstructure:"keys"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Queue     QueueConfig     `mapstructure:"queue"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	TLS  struct {
		Enabled  bool   `mapstructure:"enabled"`
		CertFile string `mapstructure:"cert_file"`
		KeyFile  string `mapstructure:"key_file"`
	} `mapstructure:"tls"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Name           string `mapstructure:"name"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	SSLMode        string `mapstructure:"ssl_mode"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// DSN returns the PostgreSQL connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// KeysConfig holds key lifecycle configuration
type KeysConfig struct {
	// ExpireGracePeriodDays extends the window in which an expired key
	// may still be used to obtain lollipop consumer params.
	ExpireGracePeriodDays int `mapstructure:"expire_grace_period_days"`
}

// JWTConfig holds the lollipop consumer auth token configuration
type JWTConfig struct {
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"ttl"`
	// BearerHeader is the request header carrying the auth token on
	// assertion retrieval.
	BearerHeader string `mapstructure:"bearer_header"`
	// PrivateKeyPEM is the EC private key used to sign auth tokens,
	// PEM-encoded. PrivateKeyFile is read instead when set.
	PrivateKeyPEM  string `mapstructure:"private_key_pem"`
	PrivateKeyFile string `mapstructure:"private_key_file"`
}

// QueueConfig holds the revocation queue configuration
type QueueConfig struct {
	// Name is the Redis list the revocation messages arrive on.
	Name string `mapstructure:"name"`
	// Consumer names the per-instance processing list, so an operator
	// can find messages stranded by a crash mid-handling.
	Consumer string `mapstructure:"consumer"`
	// BlockTimeout bounds each blocking pop so the consumer can notice
	// shutdown.
	BlockTimeout time.Duration `mapstructure:"block_timeout"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	// Set config file name and paths
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/popkeyd")

	// Set defaults
	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	// Bind environment variables
	v.SetEnvPrefix("POPKEYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.tls.enabled", false)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "popkeyd")
	v.SetDefault("database.user", "popkeyd")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Key lifecycle defaults
	v.SetDefault("keys.expire_grace_period_days", 0)

	// Auth token defaults
	v.SetDefault("jwt.issuer", "popkeyd")
	v.SetDefault("jwt.ttl", "15m")
	v.SetDefault("jwt.bearer_header", "x-popkeyd-lollipop-auth")

	// Rate limiting defaults
	v.SetDefault("rate_limit.enabled", true)

	// Revocation queue defaults
	v.SetDefault("queue.name", "popkeys:revoke")
	v.SetDefault("queue.consumer", "popkeyd")
	v.SetDefault("queue.block_timeout", "5s")
}
