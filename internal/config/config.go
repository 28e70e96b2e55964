// Package config loads service settings from a YAML or JSON file with
// COFFEE_ environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment overrides. COFFEE_KV__ENGINE sets kv.engine.
const EnvPrefix = "COFFEE_"

type Config struct {
	Bind             string          `json:"bind"`
	LogLevel         string          `json:"log_level"`
	KV               KVConfig        `json:"kv"`
	Audit            AuditConfig     `json:"audit"`
	Recycle          RecycleConfig   `json:"recycle"`
	RateLimits       RateLimitConfig `json:"rate_limits"`
	Auth             AuthConfig      `json:"auth"`
	CORSOrigins      []string        `json:"cors_origins"`
	PayloadSchemaDir string          `json:"payload_schema_dir"`
	MQTT             MQTTConfig      `json:"mqtt"`
	Tracing          TracingConfig   `json:"tracing"`
}

type KVConfig struct {
	// Engine is pebble or badger.
	Engine string `json:"engine"`
	// Path is the data directory. Empty keeps everything in memory.
	Path string `json:"path"`
}

type AuditConfig struct {
	// Backend is kv, sqlite or none.
	Backend    string `json:"backend"`
	SQLitePath string `json:"sqlite_path"`
	StreamMax  int    `json:"stream_max"`
}

type RecycleConfig struct {
	Interval       Duration `json:"interval"`
	MaxAge         Duration `json:"max_age"`
	RepairInterval Duration `json:"repair_interval"`
}

type RateLimitConfig struct {
	BatchDispatchPerMin int `json:"batch_dispatch_per_min"`
}

type AuthConfig struct {
	// JWTSecret enables HS256 bearer tokens. Without it the X-Role header is trusted.
	JWTSecret string `json:"jwt_secret"`
}

type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
}

type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint"`
	SampleRatio float64 `json:"sample_ratio"`
}

// Default returns the settings used when no file is given.
func Default() Config {
	var c Config
	c.SetDefaults()
	return c
}

// Load reads path (when non-empty) and applies environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		var parser koanf.Parser
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", ext)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func (c *Config) SetDefaults() {
	if c.Bind == "" {
		c.Bind = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.KV.Engine == "" {
		c.KV.Engine = "pebble"
	}
	if c.Audit.Backend == "" {
		c.Audit.Backend = "kv"
	}
	if c.Audit.StreamMax <= 0 {
		c.Audit.StreamMax = 10000
	}
	if c.Recycle.Interval <= 0 {
		c.Recycle.Interval = Duration(time.Minute)
	}
	if c.Recycle.MaxAge <= 0 {
		c.Recycle.MaxAge = Duration(60 * time.Second)
	}
	if c.RateLimits.BatchDispatchPerMin <= 0 {
		c.RateLimits.BatchDispatchPerMin = 10
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = []string{"*"}
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "coffeemanage"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "coffee/devices"
	}
}

func (c *Config) Validate() error {
	switch c.KV.Engine {
	case "pebble", "badger":
	default:
		return fmt.Errorf("kv.engine must be pebble or badger, got %q", c.KV.Engine)
	}
	switch c.Audit.Backend {
	case "kv", "none":
	case "sqlite":
		if c.Audit.SQLitePath == "" {
			return fmt.Errorf("audit.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("audit.backend must be kv, sqlite or none, got %q", c.Audit.Backend)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0,1]")
	}
	return nil
}
