package config

import (
	"os"
	"regexp"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. LIVECHAT_GATEWAY_PORT.
const EnvPrefix = "LIVECHAT"

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// expandSensitiveFields lets secrets be stored as ${ENV_VAR} references.
func expandSensitiveFields(cfg *Config) {
	cfg.Auth.JWTSecret = expandEnvVars(cfg.Auth.JWTSecret)
	cfg.Store.Redis.Password = expandEnvVars(cfg.Store.Redis.Password)
}

// Load reads the config file, applies environment overrides, and returns
// a merged Config. Missing files produce defaults only.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
		}
	}

	applyDefaults(&cfg)
	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	expandSensitiveFields(&cfg)
	return cfg, nil
}

// LoadRaw reads the config file into a generic map for path-based access.
func LoadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// SaveRaw writes a generic map back to a YAML config file.
func SaveRaw(path string, raw map[string]any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// applyDefaults fills zero-value fields that a config file may have blanked.
func applyDefaults(cfg *Config) {
	d := Defaults()
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = d.Gateway.Port
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = d.Gateway.Bind
	}
	if cfg.Gateway.MaxPayload == 0 {
		cfg.Gateway.MaxPayload = d.Gateway.MaxPayload
	}
	if cfg.Gateway.HandshakeTimeout == 0 {
		cfg.Gateway.HandshakeTimeout = d.Gateway.HandshakeTimeout
	}
	if cfg.Presence.GracePeriod == 0 {
		cfg.Presence.GracePeriod = d.Presence.GracePeriod
	}
	if cfg.Presence.MarkerTTL == 0 {
		cfg.Presence.MarkerTTL = d.Presence.MarkerTTL
	}
	if cfg.Presence.Breaker.MaxFailures == 0 {
		cfg.Presence.Breaker.MaxFailures = d.Presence.Breaker.MaxFailures
	}
	if cfg.Presence.Breaker.Cooldown == 0 {
		cfg.Presence.Breaker.Cooldown = d.Presence.Breaker.Cooldown
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = d.Store.Driver
	}
	if cfg.Store.Channel == "" {
		cfg.Store.Channel = d.Store.Channel
	}
	if cfg.Events.Topic == "" {
		cfg.Events.Topic = d.Events.Topic
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.ConsoleStyle == "" {
		cfg.Logging.ConsoleStyle = d.Logging.ConsoleStyle
	}
	if cfg.Health.StatsInterval == 0 {
		cfg.Health.StatsInterval = d.Health.StatsInterval
	}
}

// applyEnvOverrides processes LIVECHAT_<SECTION>_* variables section by
// section. Unset variables leave the loaded value in place.
func applyEnvOverrides(cfg *Config) error {
	sections := []struct {
		name string
		spec any
	}{
		{"GATEWAY", &cfg.Gateway},
		{"AUTH", &cfg.Auth},
		{"PRESENCE", &cfg.Presence},
		{"STORE", &cfg.Store},
		{"DATABASE", &cfg.Database},
		{"EVENTS", &cfg.Events},
		{"LOGGING", &cfg.Logging},
		{"HEALTH", &cfg.Health},
	}
	for _, s := range sections {
		if err := envconfig.Process(EnvPrefix+"_"+s.name, s.spec); err != nil {
			return &ConfigError{Message: "environment override: " + err.Error()}
		}
	}
	// Shorthand kept for parity with other tooling.
	if v := os.Getenv(EnvPrefix + "_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}
