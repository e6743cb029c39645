package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/rpattn/devprov/internal/cache"
	"github.com/rpattn/devprov/internal/db"
	"github.com/rpattn/devprov/internal/provisioner"
	"github.com/rpattn/devprov/internal/provisioning"
)

// EnvPrefix namespaces environment overrides, e.g. DEVPROV_DATABASE_HOST.
const EnvPrefix = "DEVPROV"

type ServerConfig struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
	MaxUploadBytes int64
}

type BatchConfig struct {
	Size            int
	Concurrency     int
	PersistAttempts int
}

type LogConfig struct {
	Level string
}

// Config is the full service configuration.
type Config struct {
	Server      ServerConfig
	Database    db.Config
	Redis       cache.Config
	Provisioner provisioner.Config
	Batch       BatchConfig
	Log         LogConfig
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:           ":8080",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   10 * time.Minute,
			IdleTimeout:    2 * time.Minute,
			AllowedOrigins: []string{"http://localhost:3000"},
			MaxUploadBytes: provisioning.DefaultMaxUploadBytes,
		},
		Database: db.DefaultConfig(),
		Redis: cache.Config{
			StatusTTL: cache.DefaultStatusTTL,
		},
		Provisioner: provisioner.Config{
			Timeout: provisioner.DefaultTimeout,
		},
		Batch: BatchConfig{
			Size:            provisioning.DefaultBatchSize,
			PersistAttempts: provisioning.DefaultPersistAttempts,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads .env, then config.yaml from configPath, then DEVPROV_* environment
// variables, each layer overriding the defaults before it. A missing config
// file is not an error.
func Load(configPath string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if strings.TrimSpace(configPath) != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return cfg, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
	}

	apply(v, &cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var keys = []string{
	"server.addr",
	"server.read_timeout",
	"server.write_timeout",
	"server.idle_timeout",
	"server.allowed_origins",
	"server.max_upload_bytes",
	"database.host",
	"database.port",
	"database.user",
	"database.password",
	"database.dbname",
	"database.sslmode",
	"database.max_conns",
	"redis.addr",
	"redis.password",
	"redis.db",
	"redis.status_ttl",
	"provisioner.endpoint",
	"provisioner.token",
	"provisioner.timeout",
	"batch.size",
	"batch.concurrency",
	"batch.persist_attempts",
	"log.level",
}

func apply(v *viper.Viper, cfg *Config) {
	if v.IsSet("server.addr") {
		cfg.Server.Addr = v.GetString("server.addr")
	}
	if v.IsSet("server.read_timeout") {
		cfg.Server.ReadTimeout = v.GetDuration("server.read_timeout")
	}
	if v.IsSet("server.write_timeout") {
		cfg.Server.WriteTimeout = v.GetDuration("server.write_timeout")
	}
	if v.IsSet("server.idle_timeout") {
		cfg.Server.IdleTimeout = v.GetDuration("server.idle_timeout")
	}
	if v.IsSet("server.allowed_origins") {
		cfg.Server.AllowedOrigins = splitList(v.GetStringSlice("server.allowed_origins"))
	}
	if v.IsSet("server.max_upload_bytes") {
		cfg.Server.MaxUploadBytes = v.GetInt64("server.max_upload_bytes")
	}

	if v.IsSet("database.host") {
		cfg.Database.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Database.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.Database.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Database.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.Database.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.Database.SSLMode = v.GetString("database.sslmode")
	}
	if v.IsSet("database.max_conns") {
		cfg.Database.MaxConns = v.GetInt32("database.max_conns")
	}

	if v.IsSet("redis.addr") {
		cfg.Redis.Addr = v.GetString("redis.addr")
	}
	if v.IsSet("redis.password") {
		cfg.Redis.Password = v.GetString("redis.password")
	}
	if v.IsSet("redis.db") {
		cfg.Redis.DB = v.GetInt("redis.db")
	}
	if v.IsSet("redis.status_ttl") {
		cfg.Redis.StatusTTL = v.GetDuration("redis.status_ttl")
	}

	if v.IsSet("provisioner.endpoint") {
		cfg.Provisioner.Endpoint = v.GetString("provisioner.endpoint")
	}
	if v.IsSet("provisioner.token") {
		cfg.Provisioner.Token = v.GetString("provisioner.token")
	}
	if v.IsSet("provisioner.timeout") {
		cfg.Provisioner.Timeout = v.GetDuration("provisioner.timeout")
	}

	if v.IsSet("batch.size") {
		cfg.Batch.Size = v.GetInt("batch.size")
	}
	if v.IsSet("batch.concurrency") {
		cfg.Batch.Concurrency = v.GetInt("batch.concurrency")
	}
	if v.IsSet("batch.persist_attempts") {
		cfg.Batch.PersistAttempts = v.GetInt("batch.persist_attempts")
	}

	if v.IsSet("log.level") {
		cfg.Log.Level = v.GetString("log.level")
	}
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Server.Addr) == "" {
		problems = append(problems, "server.addr is required")
	}
	if c.Server.MaxUploadBytes <= 0 {
		problems = append(problems, "server.max_upload_bytes must be positive")
	}
	if c.Batch.Size <= 0 {
		problems = append(problems, "batch.size must be positive")
	}
	if c.Batch.Concurrency < 0 {
		problems = append(problems, "batch.concurrency must not be negative")
	}
	if c.Batch.PersistAttempts <= 0 {
		problems = append(problems, "batch.persist_attempts must be positive")
	}
	if c.Provisioner.Timeout <= 0 {
		problems = append(problems, "provisioner.timeout must be positive")
	}
	if c.Redis.StatusTTL < 0 {
		problems = append(problems, "redis.status_ttl must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
