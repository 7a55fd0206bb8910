package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/soyeahso/chatline/internal/store"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List and manage stored conversations",
	}

	cmd.AddCommand(newHistoryListCmd())
	cmd.AddCommand(newHistoryShowCmd())
	cmd.AddCommand(newHistoryNewCmd())
	cmd.AddCommand(newHistoryRenameCmd())
	cmd.AddCommand(newHistoryDeleteCmd())
	cmd.AddCommand(newHistoryClearCmd())
	cmd.AddCommand(newHistoryUseCmd())

	return cmd
}

// withStore opens the configured history store for the duration of fn.
func withStore(fn func(ctx context.Context, db *store.DB) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := paths.EnsureDirs(); err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}
	defer db.Close()
	return fn(context.Background(), db)
}

func printSummaries(w io.Writer, convs []store.ConversationSummary) {
	if len(convs) == 0 {
		fmt.Fprintln(w, "No conversations.")
		return
	}
	for _, c := range convs {
		marker := " "
		if c.IsActive {
			marker = "*"
		}
		unseen := ""
		if c.HasUnseen {
			unseen = " (unseen)"
		}
		fmt.Fprintf(w, "%s %-28s %4d msgs  %s  %s%s\n",
			marker, c.ID, c.MessageCount,
			time.UnixMilli(c.UpdatedAtMs).Format("2006-01-02 15:04"),
			c.Title, unseen)
	}
}

func newHistoryListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, db *store.DB) error {
				boot, err := db.Bootstrap(ctx)
				if err != nil {
					return err
				}
				printSummaries(cmd.OutOrStdout(), boot.Conversations)
				return nil
			})
		},
	}
}

func newHistoryShowCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Print the messages of a conversation (default: active)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, db *store.DB) error {
				id, err := conversationArg(ctx, db, args)
				if err != nil {
					return err
				}
				detail, err := db.GetConversationPage(ctx, id, 0, limit)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%s  %s\n", detail.ID, detail.Title)
				if detail.HasMore {
					fmt.Fprintf(w, "(showing the last %d of %d messages)\n", len(detail.Messages), detail.MessageCount)
				}
				for _, m := range detail.Messages {
					fmt.Fprintf(w, "\n[%d] %s:\n%s\n", m.Seq, m.Role, m.Content)
				}
				return db.MarkSeen(ctx, id)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "number of most recent messages to print")
	return cmd
}

func newHistoryNewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new [title]",
		Short: "Create a conversation and make it active",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, db *store.DB) error {
				sum, err := db.CreateConversation(ctx, strings.Join(args, " "), true)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), sum.ID)
				return nil
			})
		},
	}
}

func newHistoryRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Rename a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, db *store.DB) error {
				title := strings.Join(args[1:], " ")
				if err := db.RenameConversation(ctx, args[0], title); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %q\n", args[0], title)
				return nil
			})
		},
	}
}

func newHistoryDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Archive a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, db *store.DB) error {
				boot, err := db.DeleteConversation(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s, active is now %s\n", args[0], boot.ActiveConversationID)
				return nil
			})
		},
	}
}

func newHistoryClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear [id]",
		Short: "Delete every message of a conversation (default: active)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, db *store.DB) error {
				id, err := conversationArg(ctx, db, args)
				if err != nil {
					return err
				}
				if err := db.ClearMessages(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s\n", id)
				return nil
			})
		},
	}
}

func newHistoryUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Make a conversation active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, db *store.DB) error {
				if err := db.SetActiveConversationID(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Active conversation is %s\n", args[0])
				return nil
			})
		},
	}
}

// conversationArg returns args[0], or the active conversation when absent.
func conversationArg(ctx context.Context, db *store.DB, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	boot, err := db.Bootstrap(ctx)
	if err != nil {
		return "", err
	}
	return boot.ActiveConversationID, nil
}
