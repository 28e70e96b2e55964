package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "coffee.yaml", `bind: ":9000"
kv:
  engine: badger
  path: /var/lib/coffee
audit:
  backend: sqlite
  sqlite_path: /var/lib/coffee/audit.db
recycle:
  interval: 30s
  max_age: 2m
rate_limits:
  batch_dispatch_per_min: 5
cors_origins:
  - https://ops.example.com
mqtt:
  enabled: true
  broker: tcp://localhost:1883
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"bind", cfg.Bind, ":9000"},
		{"kv.engine", cfg.KV.Engine, "badger"},
		{"kv.path", cfg.KV.Path, "/var/lib/coffee"},
		{"audit.backend", cfg.Audit.Backend, "sqlite"},
		{"recycle.interval", cfg.Recycle.Interval.Std(), 30 * time.Second},
		{"recycle.max_age", cfg.Recycle.MaxAge.Std(), 2 * time.Minute},
		{"rate", cfg.RateLimits.BatchDispatchPerMin, 5},
		{"cors", len(cfg.CORSOrigins) == 1 && cfg.CORSOrigins[0] == "https://ops.example.com", true},
		{"mqtt.broker", cfg.MQTT.Broker, "tcp://localhost:1883"},
		{"mqtt.topic_prefix", cfg.MQTT.TopicPrefix, "coffee/devices"},
		{"log_level", cfg.LogLevel, "info"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.KV.Engine != "pebble" || cfg.Audit.Backend != "kv" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Recycle.MaxAge.Std() != 60*time.Second {
		t.Fatalf("max_age = %v", cfg.Recycle.MaxAge.Std())
	}
	if cfg.RateLimits.BatchDispatchPerMin != 10 {
		t.Fatalf("rate = %d", cfg.RateLimits.BatchDispatchPerMin)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "coffee.json", `{"kv":{"engine":"pebble"},"log_level":"info"}`)
	t.Setenv("COFFEE_KV__ENGINE", "badger")
	t.Setenv("COFFEE_LOG_LEVEL", "debug")
	t.Setenv("COFFEE_RECYCLE__MAX_AGE", "45s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.KV.Engine != "badger" {
		t.Errorf("kv.engine = %q, want badger", cfg.KV.Engine)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q, want debug", cfg.LogLevel)
	}
	if cfg.Recycle.MaxAge.Std() != 45*time.Second {
		t.Errorf("recycle.max_age = %v, want 45s", cfg.Recycle.MaxAge.Std())
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"engine":  "kv:\n  engine: redis\n",
		"sqlite":  "audit:\n  backend: sqlite\n",
		"level":   "log_level: loud\n",
		"mqtt":    "mqtt:\n  enabled: true\n",
		"qos":     "mqtt:\n  qos: 3\n",
		"sampler": "tracing:\n  sample_ratio: 2\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, "c.yaml", data)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadUnsupportedFormat(t *testing.T) {
	if _, err := Load(writeConfig(t, "c.toml", "x = 1")); err == nil {
		t.Fatal("expected error for toml")
	}
}

func TestDurationParse(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("90")); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Std() != 90*time.Second {
		t.Fatalf("got %v, want 90s", d.Std())
	}
	if err := d.UnmarshalJSON([]byte(`"1m30s"`)); err != nil || d.Std() != 90*time.Second {
		t.Fatalf("json string: %v %v", d.Std(), err)
	}
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Fatal("expected error")
	}
}
