package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/soyeahso/livechat/internal/config"
	"github.com/soyeahso/livechat/internal/version"
)

func newStatusCmd() *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show livechat status and configuration summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "livechat %s (commit %s)\n\n", version.Version, version.Short())

			fmt.Fprintf(out, "Config:   %s\n", paths.Config)
			fmt.Fprintf(out, "Data:     %s\n", paths.Data)
			fmt.Fprintf(out, "Logs:     %s\n", paths.Logs)
			fmt.Fprintln(out)

			if _, err := os.Stat(paths.Config); os.IsNotExist(err) {
				fmt.Fprintln(out, "Config:   not found (using defaults)")
			}
			cfg, err := config.Load(paths.Config)
			if err != nil {
				fmt.Fprintf(out, "Config:   error loading: %v\n", err)
				return nil
			}

			gw := cfg.Gateway
			fmt.Fprintf(out, "Gateway:  port=%d bind=%s tls=%v origins=%s\n",
				gw.Port, gw.Bind, gw.TLS.Enabled, strings.Join(gw.AllowedOrigins, ","))
			fmt.Fprintf(out, "Presence: grace=%s markerTTL=%s transferTTL=%s breaker=%d/%s\n",
				cfg.Presence.GracePeriod, cfg.Presence.MarkerTTL, cfg.Presence.TransferTTL,
				cfg.Presence.Breaker.MaxFailures, cfg.Presence.Breaker.Cooldown)

			storeLine := cfg.Store.Driver
			if cfg.Store.Driver == "redis" {
				storeLine += " addr=" + cfg.Store.Redis.Addr
			}
			fmt.Fprintf(out, "Store:    %s channel=%s\n", storeLine, cfg.Store.Channel)
			fmt.Fprintf(out, "Database: %s\n", paths.DatabasePath(&cfg))
			if cfg.Events.Enabled() {
				fmt.Fprintf(out, "Events:   kafka brokers=%s topic=%s\n", strings.Join(cfg.Events.Brokers, ","), cfg.Events.Topic)
			} else {
				fmt.Fprintln(out, "Events:   (export disabled)")
			}
			if cfg.Auth.JWTSecret == "" {
				fmt.Fprintln(out, "Auth:     no JWT secret, agents cannot connect")
			}

			if check {
				ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
				defer cancel()
				backend, err := openBackend(ctx, cfg.Store)
				if err == nil {
					err = backend.Ping(ctx)
					backend.Close()
				}
				if err != nil {
					fmt.Fprintf(out, "Store:    unreachable: %v\n", err)
				} else {
					fmt.Fprintln(out, "Store:    reachable")
				}
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				fmt.Fprintf(out, "\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Fprintf(out, "  - %s: %s\n", issue.Path, issue.Message)
				}
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "ping the presence store")
	return cmd
}
