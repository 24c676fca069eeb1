package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/soyeahso/livechat/internal/auth"
	"github.com/soyeahso/livechat/internal/domain"
	"github.com/soyeahso/livechat/internal/store"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agent accounts",
	}

	cmd.AddCommand(newAgentAddCmd())
	cmd.AddCommand(newAgentInfoCmd())
	cmd.AddCommand(newAgentTokenCmd())
	return cmd
}

// withDirectory opens the configured database for the duration of fn.
func withDirectory(fn func(*store.DB) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := paths.EnsureDirs(); err != nil {
		return err
	}
	db, err := store.Open(paths.DatabasePath(&cfg), log)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	return fn(db)
}

func newAgentAddCmd() *cobra.Command {
	var (
		workspace   string
		name        string
		email       string
		departments []string
	)

	cmd := &cobra.Command{
		Use:   "add <agent-id>",
		Short: "Create an agent account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := &domain.Agent{
				ID:            args[0],
				WorkspaceID:   workspace,
				Name:          name,
				Email:         email,
				DepartmentIDs: departments,
				Active:        true,
			}
			if a.Name == "" {
				a.Name = a.ID
			}
			return withDirectory(func(db *store.DB) error {
				if err := store.NewSQLiteDirectory(db).CreateAgent(cmd.Context(), a); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created agent %s in %s (departments: %s)\n",
					a.ID, a.WorkspaceID, strings.Join(a.DepartmentIDs, ","))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace id")
	cmd.Flags().StringVar(&name, "name", "", "display name (default: the agent id)")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringSliceVar(&departments, "department", nil, "department id (repeatable)")
	cmd.MarkFlagRequired("workspace")
	return cmd
}

func newAgentInfoCmd() *cobra.Command {
	var workspace string

	cmd := &cobra.Command{
		Use:   "info <agent-id>",
		Short: "Show details about an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(func(db *store.DB) error {
				a, err := store.NewSQLiteDirectory(db).GetAgent(cmd.Context(), args[0], workspace)
				if err != nil {
					return fmt.Errorf("agent %s: %w", args[0], err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "ID:          %s\n", a.ID)
				fmt.Fprintf(out, "Name:        %s\n", a.Name)
				fmt.Fprintf(out, "Workspace:   %s\n", a.WorkspaceID)
				if a.Email != "" {
					fmt.Fprintf(out, "Email:       %s\n", a.Email)
				}
				fmt.Fprintf(out, "Departments: %s\n", strings.Join(a.DepartmentIDs, ", "))
				fmt.Fprintf(out, "Active:      %v\n", a.Active)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace id")
	cmd.MarkFlagRequired("workspace")
	return cmd
}

func newAgentTokenCmd() *cobra.Command {
	var (
		workspace string
		ttl       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <agent-id>",
		Short: "Issue a signed agent token with the configured secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tok, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer).Issue(args[0], workspace, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace id")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	cmd.MarkFlagRequired("workspace")
	return cmd
}
