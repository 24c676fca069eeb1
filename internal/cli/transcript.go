package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/soyeahso/livechat/internal/store"
)

func newTranscriptCmd() *cobra.Command {
	var (
		limit  int
		before string
	)

	cmd := &cobra.Command{
		Use:   "transcript <room-id>",
		Short: "Print the stored messages of a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(func(db *store.DB) error {
				page, err := store.NewSQLiteChats(db).GetMessages(cmd.Context(), args[0], before, limit)
				if err != nil {
					return fmt.Errorf("room %s: %w", args[0], err)
				}
				out := cmd.OutOrStdout()
				if len(page.Messages) == 0 {
					fmt.Fprintln(out, "No messages.")
					return nil
				}
				for _, m := range page.Messages {
					line := m.Content
					if m.Attachment != nil {
						line = fmt.Sprintf("[%s] %s", m.Attachment.Name, line)
					}
					fmt.Fprintf(out, "%s  %-7s %-12s %s\n",
						m.CreatedAt.Format("2006-01-02 15:04:05"), m.SenderType, m.SenderID, line)
				}
				if page.HasMore {
					fmt.Fprintf(out, "\nOlder messages exist, rerun with --before %s\n", page.Messages[0].ID)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum messages to print")
	cmd.Flags().StringVar(&before, "before", "", "only print messages older than this message id")
	return cmd
}
