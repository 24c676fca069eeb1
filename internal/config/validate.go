package config

import (
	"fmt"
	"slices"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue
	add := func(path, format string, args ...any) {
		issues = append(issues, ValidationIssue{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	// Gateway
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		add("gateway.port", "port must be 0-65535, got %d", cfg.Gateway.Port)
	}
	validBinds := []string{"loopback", "lan", "custom"}
	if cfg.Gateway.Bind != "" && !slices.Contains(validBinds, cfg.Gateway.Bind) {
		add("gateway.bind", "must be one of %v, got %q", validBinds, cfg.Gateway.Bind)
	}
	if cfg.Gateway.Bind == "custom" && cfg.Gateway.CustomBindHost == "" {
		add("gateway.customBindHost", "required when bind is custom")
	}
	if cfg.Gateway.MaxPayload < 0 {
		add("gateway.maxPayload", "must not be negative")
	}
	if cfg.Gateway.TLS.Enabled && (cfg.Gateway.TLS.CertPath == "" || cfg.Gateway.TLS.KeyPath == "") {
		add("gateway.tls", "certPath and keyPath are required when TLS is enabled")
	}

	// Presence
	if cfg.Presence.GracePeriod < 0 {
		add("presence.gracePeriod", "must not be negative")
	}
	if cfg.Presence.MarkerTTL != 0 && cfg.Presence.MarkerTTL <= cfg.Presence.GracePeriod {
		add("presence.markerTTL", "must exceed the grace period (%s), got %s",
			cfg.Presence.GracePeriod, cfg.Presence.MarkerTTL)
	}
	if cfg.Presence.TransferTTL < 0 {
		add("presence.transferTTL", "must not be negative")
	}
	if cfg.Presence.Breaker.MaxFailures < 0 {
		add("presence.breaker.maxFailures", "must not be negative")
	}
	if cfg.Presence.Breaker.Cooldown < 0 {
		add("presence.breaker.cooldown", "must not be negative")
	}

	// Store
	validDrivers := []string{"memory", "redis"}
	if cfg.Store.Driver != "" && !slices.Contains(validDrivers, cfg.Store.Driver) {
		add("store.driver", "must be one of %v, got %q", validDrivers, cfg.Store.Driver)
	}
	if cfg.Store.Driver == "redis" && cfg.Store.Redis.Addr == "" {
		add("store.redis.addr", "required when driver is redis")
	}
	if cfg.Store.Redis.DB < 0 {
		add("store.redis.db", "must not be negative")
	}

	// Events
	if cfg.Events.Enabled() && cfg.Events.Topic == "" {
		add("events.topic", "required when brokers are configured")
	}

	// Logging
	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		add("logging.level", "must be one of %v, got %q", validLogLevels, cfg.Logging.Level)
	}
	validConsoleStyles := []string{"pretty", "json"}
	if cfg.Logging.ConsoleStyle != "" && !slices.Contains(validConsoleStyles, cfg.Logging.ConsoleStyle) {
		add("logging.consoleStyle", "must be one of %v, got %q", validConsoleStyles, cfg.Logging.ConsoleStyle)
	}

	if cfg.Health.StatsInterval < 0 {
		add("health.statsInterval", "must not be negative")
	}

	return issues
}
