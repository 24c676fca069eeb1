package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidate_ValidDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Empty(t, Validate(&cfg))
}

func TestValidate_Issues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		path   string
	}{
		{"port too high", func(c *Config) { c.Gateway.Port = 70000 }, "gateway.port"},
		{"negative port", func(c *Config) { c.Gateway.Port = -1 }, "gateway.port"},
		{"unknown bind", func(c *Config) { c.Gateway.Bind = "tailnet" }, "gateway.bind"},
		{"custom bind without host", func(c *Config) { c.Gateway.Bind = "custom" }, "gateway.customBindHost"},
		{"tls without cert", func(c *Config) { c.Gateway.TLS.Enabled = true }, "gateway.tls"},
		{"marker ttl below grace", func(c *Config) { c.Presence.MarkerTTL = 10 * time.Second }, "presence.markerTTL"},
		{"negative transfer ttl", func(c *Config) { c.Presence.TransferTTL = -time.Second }, "presence.transferTTL"},
		{"negative breaker failures", func(c *Config) { c.Presence.Breaker.MaxFailures = -1 }, "presence.breaker.maxFailures"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "etcd" }, "store.driver"},
		{"redis without addr", func(c *Config) { c.Store.Driver = "redis"; c.Store.Redis.Addr = "" }, "store.redis.addr"},
		{"brokers without topic", func(c *Config) { c.Events.Brokers = []string{"k:9092"}; c.Events.Topic = "" }, "events.topic"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad console style", func(c *Config) { c.Logging.ConsoleStyle = "compact" }, "logging.consoleStyle"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			issues := Validate(&cfg)
			if assert.Len(t, issues, 1) {
				assert.Equal(t, tt.path, issues[0].Path)
				assert.Contains(t, issues[0].String(), tt.path)
			}
		})
	}
}

func TestValidate_AcceptsVariants(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Port = 0
	cfg.Gateway.Bind = "custom"
	cfg.Gateway.CustomBindHost = "10.0.0.5"
	cfg.Presence.MarkerTTL = 0
	cfg.Store.Driver = "redis"
	cfg.Logging.Level = "silent"
	cfg.Logging.ConsoleStyle = "json"
	assert.Empty(t, Validate(&cfg))
}

func TestValidate_MultipleIssues(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Port = -5
	cfg.Store.Driver = "etcd"
	cfg.Logging.Level = "loud"
	assert.Len(t, Validate(&cfg), 3)
}
