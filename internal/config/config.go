package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr        string   `yaml:"addr"`
		CORSOrigins []string `yaml:"cors_origins" envconfig:"cors_origins"`
	} `yaml:"server"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret" envconfig:"jwt_secret"`
		Issuer    string `yaml:"issuer"`
		Audience  string `yaml:"audience"`
	} `yaml:"auth"`
	Firebase struct {
		ProjectID       string `yaml:"project_id" envconfig:"project_id"`
		CredentialsFile string `yaml:"credentials_file" envconfig:"credentials_file"`
	} `yaml:"firebase"`
	Rabbit struct {
		URL      string `yaml:"url"`
		Exchange string `yaml:"exchange"`
		Queue    string `yaml:"queue"`
		Prefetch int    `yaml:"prefetch"`
	} `yaml:"rabbit"`
	Redis struct {
		Addr             string `yaml:"addr"`
		Password         string `yaml:"password"`
		DB               int    `yaml:"db"`
		DedupeTTLSeconds int64  `yaml:"dedupe_ttl_seconds" envconfig:"dedupe_ttl_seconds"`
	} `yaml:"redis"`
	Live struct {
		SendBuffer int `yaml:"send_buffer" envconfig:"send_buffer"`
	} `yaml:"live"`
	Otel struct {
		Endpoint    string `yaml:"endpoint"`
		ServiceName string `yaml:"service_name" envconfig:"service_name"`
		Insecure    bool   `yaml:"insecure"`
	} `yaml:"otel"`
}

// Load reads the YAML file at path (CONFIG_PATH or configs/config.yaml when
// empty) and then applies environment overrides such as DB_DSN or
// AUTH_JWT_SECRET. A .env file in the working directory is loaded first.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	optional := false
	if path == "" {
		path = "configs/config.yaml"
		optional = true
	}

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && optional:
		// environment-only deployments
	default:
		return nil, err
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	applyDefaults(&cfg)

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	if cfg.DB.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, errors.New("auth.jwt_secret is required")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Auth.Audience == "" {
		cfg.Auth.Audience = "authenticated"
	}
	if cfg.Rabbit.Exchange == "" {
		cfg.Rabbit.Exchange = "nexlify.events"
	}
	if cfg.Rabbit.Queue == "" {
		cfg.Rabbit.Queue = "nexlify.notifications"
	}
	if cfg.Rabbit.Prefetch <= 0 {
		cfg.Rabbit.Prefetch = 8
	}
	if cfg.Redis.DedupeTTLSeconds <= 0 {
		cfg.Redis.DedupeTTLSeconds = int64((24 * time.Hour).Seconds())
	}
	if cfg.Live.SendBuffer <= 0 {
		cfg.Live.SendBuffer = 16
	}
	if cfg.Otel.ServiceName == "" {
		cfg.Otel.ServiceName = "nexlify"
	}
}

func (c *Config) DedupeTTL() time.Duration {
	return time.Duration(c.Redis.DedupeTTLSeconds) * time.Second
}
