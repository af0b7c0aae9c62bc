// Package config loads gateway configuration from a YAML file with
// environment-variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Security   SecurityConfig   `yaml:"security"`
	Federation FederationConfig `yaml:"federation"`
	Audit      AuditConfig      `yaml:"audit"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	URL         string `yaml:"url"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SecurityConfig carries the platform master secret. Never put the real
// secret in the YAML file; set AGENTC2_MASTER_SECRET instead.
type SecurityConfig struct {
	MasterSecret string `yaml:"master_secret"`
}

type FederationConfig struct {
	DefaultMaxRequestsPerHour int `yaml:"default_max_requests_per_hour"`
	DefaultMaxRequestsPerDay  int `yaml:"default_max_requests_per_day"`
}

type AuditConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// Load reads the YAML file at path (skipped when path is empty or the
// file does not exist) and then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Federation: FederationConfig{
			DefaultMaxRequestsPerHour: 500,
			DefaultMaxRequestsPerDay:  5000,
		},
		Audit: AuditConfig{QueueSize: 256},
	}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config %s: %w", path, err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setStr(&cfg.Server.Port, "PORT")
	setStr(&cfg.Server.Env, "APP_ENV")
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setBool(&cfg.Database.AutoMigrate, "AGENTC2_AUTO_MIGRATE")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setStr(&cfg.Security.MasterSecret, "AGENTC2_MASTER_SECRET")
	setInt(&cfg.Audit.QueueSize, "AUDIT_QUEUE_SIZE")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
