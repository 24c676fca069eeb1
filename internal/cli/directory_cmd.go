package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/soyeahso/livechat/internal/domain"
	"github.com/soyeahso/livechat/internal/store"
)

// newDirectoryCmds provisions the workspace data the gateway reads.
func newDirectoryCmds() []*cobra.Command {
	workspace := &cobra.Command{Use: "workspace", Short: "Manage workspaces"}
	workspace.AddCommand(newWorkspaceAddCmd())

	department := &cobra.Command{Use: "department", Short: "Manage departments"}
	department.AddCommand(newDepartmentAddCmd())
	department.AddCommand(newDepartmentListCmd())

	session := &cobra.Command{Use: "session", Short: "Manage visitor sessions"}
	session.AddCommand(newSessionAddCmd())

	return []*cobra.Command{workspace, department, session}
}

func newWorkspaceAddCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "add <workspace-id>",
		Short: "Create a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws := &domain.Workspace{ID: args[0], Name: name, Active: true}
			if ws.Name == "" {
				ws.Name = ws.ID
			}
			return withDirectory(func(db *store.DB) error {
				if err := store.NewSQLiteDirectory(db).CreateWorkspace(cmd.Context(), ws); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created workspace %s\n", ws.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func newDepartmentAddCmd() *cobra.Command {
	var (
		workspace string
		name      string
		inactive  bool
	)

	cmd := &cobra.Command{
		Use:   "add <department-id>",
		Short: "Create a department",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := &domain.Department{
				ID:          args[0],
				WorkspaceID: workspace,
				Name:        name,
				Status:      domain.DepartmentOffline,
				Active:      !inactive,
			}
			if d.Name == "" {
				d.Name = d.ID
			}
			return withDirectory(func(db *store.DB) error {
				if err := store.NewSQLiteDirectory(db).CreateDepartment(cmd.Context(), d); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created department %s in %s\n", d.ID, d.WorkspaceID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "create the department disabled")
	cmd.MarkFlagRequired("workspace")
	return cmd
}

func newDepartmentListCmd() *cobra.Command {
	var workspace string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List departments and their online status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(func(db *store.DB) error {
				depts, err := store.NewSQLiteDirectory(db).ListDepartments(cmd.Context(), workspace)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, d := range depts {
					active := ""
					if !d.Active {
						active = " (inactive)"
					}
					fmt.Fprintf(out, "  %-12s %-20s %s%s\n", d.ID, d.Name, d.Status, active)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace id")
	cmd.MarkFlagRequired("workspace")
	return cmd
}

func newSessionAddCmd() *cobra.Command {
	var (
		workspace  string
		visitor    string
		department string
	)

	cmd := &cobra.Command{
		Use:   "add [session-id]",
		Short: "Open a visitor session and print its connect parameters",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := &domain.VisitorSession{
				VisitorID:    visitor,
				WorkspaceID:  workspace,
				DepartmentID: department,
			}
			if len(args) == 1 {
				s.ID = args[0]
			}
			if s.VisitorID == "" {
				s.VisitorID = "visitor-" + uuid.NewString()[:8]
			}
			return withDirectory(func(db *store.DB) error {
				if err := store.NewSQLiteDirectory(db).CreateVisitorSession(cmd.Context(), s); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sessionId=%s&workspaceId=%s&visitorId=%s\n", s.ID, s.WorkspaceID, s.VisitorID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace id")
	cmd.Flags().StringVar(&visitor, "visitor", "", "visitor id (default: generated)")
	cmd.Flags().StringVar(&department, "department", "", "department id")
	cmd.MarkFlagRequired("workspace")
	return cmd
}
