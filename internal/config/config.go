package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/feedloop/authorizer/internal/database"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Token     TokenConfig     `mapstructure:"token"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Reaper    ReaperConfig    `mapstructure:"reaper"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type ServerConfig struct {
	Port    int           `mapstructure:"port"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type AuthConfig struct {
	MasterToken string `mapstructure:"master_token"`
}

// TokenConfig drives token production. SecretKey keys both the token hash and
// the at-rest encryption of provider keys, so it must be a valid AES key length.
type TokenConfig struct {
	SecretKey           string `mapstructure:"secret_key"`
	SystemName          string `mapstructure:"system_name"`
	SimpleTokenByteSize int    `mapstructure:"simple_token_byte_size"`
	DefaultUsageLimit   int    `mapstructure:"default_usage_limit"`
	DefaultTimeLimit    string `mapstructure:"default_time_limit"`
	CollisionRetries    int    `mapstructure:"collision_retries"`
	PrivateKeyFile      string `mapstructure:"private_key_file"`
}

type DiscoveryConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	RetryMax int           `mapstructure:"retry_max"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type ReaperConfig struct {
	Interval string `mapstructure:"interval"`
}

type RateLimitConfig struct {
	VerifyPerMinute int `mapstructure:"verify_per_minute"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8443)
	v.SetDefault("server.timeout", "30s")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "authorizer")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "authorizer:")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file_path", "logs/authorizer.log")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("token.system_name", "authorization")
	v.SetDefault("token.simple_token_byte_size", 32)
	v.SetDefault("token.default_usage_limit", 10)
	v.SetDefault("token.default_time_limit", "1h")
	v.SetDefault("token.collision_retries", 5)
	v.SetDefault("discovery.base_url", "http://localhost:8443/serviceregistry")
	v.SetDefault("discovery.timeout", "5s")
	v.SetDefault("discovery.retry_max", 2)
	v.SetDefault("discovery.cache_ttl", "1m")
	v.SetDefault("reaper.interval", "10m")
	v.SetDefault("rate_limit.verify_per_minute", 600)
}

func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads the given config file, or config.yaml from the working
// directory when path is empty. Environment variables override file values.
func LoadWithPath(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// a missing default config file is fine, an explicit path must exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return config, nil
}

// Validate checks the settings the token engine cannot run without
func (c *Config) Validate() error {
	switch len(c.Token.SecretKey) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("token.secret_key must be 16, 24 or 32 bytes long, got %d", len(c.Token.SecretKey))
	}
	if c.Token.SimpleTokenByteSize < 16 {
		return fmt.Errorf("token.simple_token_byte_size must be at least 16")
	}
	if c.Token.DefaultUsageLimit <= 0 {
		return fmt.Errorf("token.default_usage_limit must be positive")
	}
	if c.Token.CollisionRetries <= 0 {
		return fmt.Errorf("token.collision_retries must be positive")
	}
	if _, err := c.DefaultTimeLimit(); err != nil {
		return err
	}
	if _, err := c.ReaperInterval(); err != nil {
		return err
	}
	return nil
}

// DefaultTimeLimit returns the parsed token.default_time_limit
func (c *Config) DefaultTimeLimit() (time.Duration, error) {
	d, err := ParseFlexibleDuration(c.Token.DefaultTimeLimit)
	if err != nil {
		return 0, fmt.Errorf("invalid token.default_time_limit: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("token.default_time_limit must be positive")
	}
	return d, nil
}

// ReaperInterval returns the parsed reaper.interval
func (c *Config) ReaperInterval() (time.Duration, error) {
	d, err := ParseFlexibleDuration(c.Reaper.Interval)
	if err != nil {
		return 0, fmt.Errorf("invalid reaper.interval: %w", err)
	}
	return d, nil
}

// ParseFlexibleDuration parses Go durations plus the d (day) and w (week) units
func ParseFlexibleDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	unit := s[len(s)-1]
	switch unit {
	case 'd', 'w':
		n, err := strconv.Atoi(s[:len(s)-1])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		day := 24 * time.Hour
		if unit == 'w' {
			return time.Duration(n) * 7 * day, nil
		}
		return time.Duration(n) * day, nil
	}
	return time.ParseDuration(s)
}

// ToDBConfig converts DatabaseConfig to database.Config
func (c DatabaseConfig) ToDBConfig() database.Config {
	return database.Config{
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
		DBName:   c.DBName,
		SSLMode:  c.SSLMode,
	}
}

// DSN returns the URL form used by the migration driver
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}
