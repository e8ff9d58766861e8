package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tmarek/chatmux/pkg/chatmux/store"
)

// newConversationsCmd creates the `chatmux conversations` command group.
func newConversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage stored conversations",
	}

	cmd.AddCommand(
		newConversationsListCmd(),
		newConversationsShowCmd(),
		newConversationsDeleteCmd(),
	)
	return cmd
}

func newConversationsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			convs, err := st.ListConversations(context.Background())
			if err != nil {
				return fmt.Errorf("listing conversations: %w", err)
			}
			if len(convs) == 0 {
				fmt.Println("No conversations.")
				return nil
			}
			for _, c := range convs {
				title := c.Title
				if title == "" {
					title = "(untitled)"
				}
				fmt.Printf("%s  %s  updated %s\n", c.ID, title, c.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
}

func newConversationsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a conversation's turns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			turns, err := st.Turns(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("loading turns: %w", err)
			}
			for _, t := range turns {
				marker := ""
				if t.Truncated {
					marker = " [truncated]"
				}
				fmt.Printf("[%s]%s %s\n", t.Role, marker, t.Content)
			}
			return nil
		},
	}
}

func newConversationsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.DeleteConversation(context.Background(), args[0]); err != nil {
				return fmt.Errorf("deleting conversation: %w", err)
			}
			fmt.Printf("Conversation %s deleted.\n", args[0])
			return nil
		},
	}
}

// openStore resolves the config and opens the conversation database.
func openStore(cmd *cobra.Command) (*store.SQLiteStore, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	st, err := store.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return st, nil
}
