package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/soyeahso/livechat/internal/auth"
	"github.com/soyeahso/livechat/internal/config"
	"github.com/soyeahso/livechat/internal/eventsink"
	"github.com/soyeahso/livechat/internal/gateway"
	"github.com/soyeahso/livechat/internal/hooks"
	"github.com/soyeahso/livechat/internal/kv"
	"github.com/soyeahso/livechat/internal/resilience"
	"github.com/soyeahso/livechat/internal/store"
	"github.com/soyeahso/livechat/internal/tracking"
)

func newGatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Manage the livechat gateway server",
	}

	cmd.AddCommand(newGatewayRunCmd())
	return cmd
}

func newGatewayRunCmd() *cobra.Command {
	var (
		port int
		bind string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if port != 0 {
				cfg.Gateway.Port = port
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}

			// Block until SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			backend, err := openBackend(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer backend.Close()

			breaker := resilience.New(resilience.Settings{
				Name:        "presence-store",
				MaxFailures: cfg.Presence.Breaker.MaxFailures,
				Cooldown:    cfg.Presence.Breaker.Cooldown,
				OnStateChange: func(name string, from, to resilience.State) {
					log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
				},
			})
			guard := tracking.NewGuard(backend, breaker)

			if err := paths.EnsureDirs(); err != nil {
				return fmt.Errorf("creating data directories: %w", err)
			}
			dbPath := paths.DatabasePath(&cfg)
			db, err := store.Open(dbPath, log)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer db.Close()
			log.Info().Str("path", dbPath).Msg("using SQLite directory")
			dir := store.NewSQLiteDirectory(db)

			hookMgr := hooks.NewManager(log)
			defer hookMgr.Wait()

			if cfg.Events.Enabled() {
				ecfg := eventsink.Config{
					Brokers:      cfg.Events.Brokers,
					Topic:        cfg.Events.Topic,
					WriteTimeout: cfg.Events.WriteTimeout,
				}
				sink := eventsink.New(eventsink.NewKafkaWriter(ecfg), ecfg, log)
				sink.Register(hookMgr)
				defer sink.Close()
				log.Info().Strs("brokers", ecfg.Brokers).Str("topic", ecfg.Topic).Msg("lifecycle export enabled")
			}

			hub := gateway.NewHub(nodeID(cfg.Gateway), backend, cfg.Store.Channel, log)

			orch := gateway.NewOrchestrator(gateway.Deps{
				Auth:      auth.NewService(auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer), dir),
				Directory: dir,
				Chats:     store.NewSQLiteChats(db),
				Content:   store.NewSQLiteContent(db),
				Tracker:   tracking.NewConnectionTracker(guard, log),
				Messages:  tracking.NewMessageTracker(guard, log),
				Requests:  tracking.NewRequestStore(guard, cfg.Presence.TransferTTL),
				Hub:       hub,
			}, log,
				gateway.WithGracePeriod(cfg.Presence.GracePeriod),
				gateway.WithMarkerTTL(cfg.Presence.MarkerTTL),
				gateway.WithHooks(hookMgr),
			)

			srv := gateway.New(cfg.Gateway, orch, hub, log,
				gateway.WithServerHooks(hookMgr),
				gateway.WithStore(guard),
			)

			go gateway.RunHealth(ctx, cfg.Health.StatsInterval, orch.Stats(), breaker, log)

			return srv.Start(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (loopback, lan, custom)")

	return cmd
}

// openBackend connects the configured presence store.
func openBackend(ctx context.Context, cfg config.StoreConfig) (kv.Backend, error) {
	switch cfg.Driver {
	case "", "memory":
		log.Warn().Msg("using in-process presence store, presence is not shared between gateway processes")
		return kv.NewMemoryStore(), nil
	case "redis":
		rs, err := kv.NewRedisStore(ctx, kv.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("addr", cfg.Redis.Addr).Int("db", cfg.Redis.DB).Msg("using Redis presence store")
		return rs, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// nodeID names this process on the fan-out channel.
func nodeID(cfg config.GatewayConfig) string {
	if cfg.NodeID != "" {
		return cfg.NodeID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "gateway"
	}
	return host + "-" + uuid.NewString()[:8]
}
