// Package config loads service configuration from config.yaml, an optional
// .env file and FEEDDELTA_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/rpattn/feeddelta/internal/db"
)

const envPrefix = "FEEDDELTA"

// Config is the full service configuration.
type Config struct {
	Database  db.Config       `mapstructure:"database"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
}

// IngestionConfig controls the orchestrator.
type IngestionConfig struct {
	InputDir string `mapstructure:"input_dir" validate:"required"`
	// EnabledFeeds is a comma separated feed list.
	EnabledFeeds   string        `mapstructure:"enabled_feeds"`
	FeedTimeout    time.Duration `mapstructure:"feed_timeout" validate:"gte=0"`
	DeltaBatchSize int           `mapstructure:"delta_batch_size" validate:"gte=1"`
}

// ServerConfig controls the admin HTTP API.
type ServerConfig struct {
	Addr           string `mapstructure:"addr" validate:"required"`
	AllowedOrigins string `mapstructure:"allowed_origins"`
}

// Origins splits AllowedOrigins.
func (s ServerConfig) Origins() []string {
	return splitList(s.AllowedOrigins)
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

// KafkaConfig enables delta publication when Brokers is set.
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic" validate:"required_with=Brokers"`
}

// Enabled reports whether delta events should be published.
func (k KafkaConfig) Enabled() bool {
	return strings.TrimSpace(k.Brokers) != ""
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func setDefaults(v *viper.Viper) {
	dbDefaults := db.DefaultConfig()
	v.SetDefault("database.host", dbDefaults.Host)
	v.SetDefault("database.port", dbDefaults.Port)
	v.SetDefault("database.user", dbDefaults.User)
	v.SetDefault("database.password", dbDefaults.Password)
	v.SetDefault("database.dbname", dbDefaults.DBName)
	v.SetDefault("database.sslmode", dbDefaults.SSLMode)
	v.SetDefault("database.max_conns", dbDefaults.MaxConns)

	v.SetDefault("ingestion.input_dir", "./input")
	v.SetDefault("ingestion.enabled_feeds", "LOAN_MASTER,PAYMENT_TRANSACTION")
	v.SetDefault("ingestion.feed_timeout", 15*time.Minute)
	v.SetDefault("ingestion.delta_batch_size", 500)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", "*")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "feeddelta.delta-events")
}

// Load reads configuration from configPath. A missing config.yaml or .env is
// not an error; defaults and environment variables still apply.
func Load(configPath string) (Config, error) {
	if err := godotenv.Load(filepath.Join(configPath, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDBConfig returns only the database section.
func LoadDBConfig(configPath string) (db.Config, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return db.Config{}, err
	}
	return cfg.Database, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
