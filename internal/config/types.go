package config

import "time"

// Config is the root configuration for the livechat gateway.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway,omitempty"`
	Auth     AuthConfig     `yaml:"auth,omitempty"`
	Presence PresenceConfig `yaml:"presence,omitempty"`
	Store    StoreConfig    `yaml:"store,omitempty"`
	Database DatabaseConfig `yaml:"database,omitempty"`
	Events   EventsConfig   `yaml:"events,omitempty"`
	Logging  LoggingConfig  `yaml:"logging,omitempty"`
	Health   HealthConfig   `yaml:"health,omitempty"`
}

// GatewayConfig controls the HTTP/WebSocket listener.
type GatewayConfig struct {
	Port             int           `yaml:"port,omitempty" split_words:"true"`
	Bind             string        `yaml:"bind,omitempty" split_words:"true"` // "loopback" | "lan" | "custom"
	CustomBindHost   string        `yaml:"customBindHost,omitempty" split_words:"true"`
	NodeID           string        `yaml:"nodeId,omitempty" split_words:"true"`
	AllowedOrigins   []string      `yaml:"allowedOrigins,omitempty" split_words:"true"`
	MaxPayload       int64         `yaml:"maxPayload,omitempty" split_words:"true"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout,omitempty" split_words:"true"`
	TLS              GatewayTLS    `yaml:"tls,omitempty" split_words:"true"`
}

// GatewayTLS configures TLS for the gateway.
type GatewayTLS struct {
	Enabled  bool   `yaml:"enabled,omitempty" split_words:"true"`
	CertPath string `yaml:"certPath,omitempty" split_words:"true"`
	KeyPath  string `yaml:"keyPath,omitempty" split_words:"true"`
}

// AuthConfig configures agent token verification.
type AuthConfig struct {
	JWTSecret string `yaml:"jwtSecret,omitempty" split_words:"true"`
	JWTIssuer string `yaml:"jwtIssuer,omitempty" split_words:"true"`
}

// PresenceConfig tunes presence tracking and the reconnect window.
type PresenceConfig struct {
	GracePeriod time.Duration `yaml:"gracePeriod,omitempty" split_words:"true"`
	// MarkerTTL bounds how long a disconnect marker survives when the
	// deferred check never runs (process restart).
	MarkerTTL   time.Duration `yaml:"markerTTL,omitempty" split_words:"true"`
	TransferTTL time.Duration `yaml:"transferTTL,omitempty" split_words:"true"` // 0 = never expire
	Breaker     BreakerConfig `yaml:"breaker,omitempty" split_words:"true"`
}

// BreakerConfig configures the store circuit breaker.
type BreakerConfig struct {
	MaxFailures int           `yaml:"maxFailures,omitempty" split_words:"true"`
	Cooldown    time.Duration `yaml:"cooldown,omitempty" split_words:"true"`
}

// StoreConfig selects the shared presence store.
type StoreConfig struct {
	Driver  string      `yaml:"driver,omitempty" split_words:"true"` // "memory" | "redis"
	Channel string      `yaml:"channel,omitempty" split_words:"true"`
	Redis   RedisConfig `yaml:"redis,omitempty" split_words:"true"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty" split_words:"true"`
	Password string `yaml:"password,omitempty" split_words:"true"`
	DB       int    `yaml:"db,omitempty" split_words:"true"`
	PoolSize int    `yaml:"poolSize,omitempty" split_words:"true"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path,omitempty" split_words:"true"`
}

// EventsConfig enables the Kafka lifecycle export.
type EventsConfig struct {
	Brokers      []string      `yaml:"brokers,omitempty" split_words:"true"`
	Topic        string        `yaml:"topic,omitempty" split_words:"true"`
	WriteTimeout time.Duration `yaml:"writeTimeout,omitempty" split_words:"true"`
}

// Enabled reports whether any broker is configured.
func (e EventsConfig) Enabled() bool { return len(e.Brokers) > 0 }

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	Level string `yaml:"level,omitempty" split_words:"true"`
	// "pretty" | "json"
	ConsoleStyle string `yaml:"consoleStyle,omitempty" split_words:"true"`
}

// HealthConfig controls the periodic health task.
type HealthConfig struct {
	StatsInterval time.Duration `yaml:"statsInterval,omitempty" split_words:"true"`
}
