package config

import (
	"fmt"
	"time"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

const (
	DefaultPort          = 18790
	DefaultGracePeriod   = 15 * time.Second
	DefaultFanoutChannel = "livechat:fanout"
	DefaultEventsTopic   = "livechat.events"
)

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		Gateway: GatewayConfig{
			Port:             DefaultPort,
			Bind:             "loopback",
			MaxPayload:       1 << 20,
			HandshakeTimeout: 10 * time.Second,
		},
		Presence: PresenceConfig{
			GracePeriod: DefaultGracePeriod,
			MarkerTTL:   2 * time.Minute,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Cooldown:    30 * time.Second,
			},
		},
		Store: StoreConfig{
			Driver:  "memory",
			Channel: DefaultFanoutChannel,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 10,
			},
		},
		Events: EventsConfig{
			Topic:        DefaultEventsTopic,
			WriteTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleStyle: "pretty",
		},
		Health: HealthConfig{
			StatsInterval: time.Minute,
		},
	}
}
