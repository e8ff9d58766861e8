package commands

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/tmarek/chatmux/pkg/chatmux/engine"
	"github.com/tmarek/chatmux/pkg/chatmux/store"
)

// newChatCmd creates the `chatmux chat` command for interactive chat.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the assistant",
		Long: `Send a single message or start an interactive session.

Examples:
  chatmux chat "summarize this error"
  chatmux chat --image screenshot.png "what does this chart show?"
  chatmux chat  # interactive mode`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().String("conversation", "", "continue an existing conversation by id")
	cmd.Flags().StringSlice("image", nil, "attach image file(s) to the message")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	// Chat output goes to stdout; keep logs on stderr and quiet by default.
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	st, err := store.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	controller, err := engine.NewController(cfg, st, logger)
	if err != nil {
		return fmt.Errorf("building controller: %w", err)
	}
	registry := engine.NewRegistry(cfg.Session, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conversationID, _ := cmd.Flags().GetString("conversation")
	if conversationID == "" {
		conv, err := st.CreateConversation(ctx, "")
		if err != nil {
			return fmt.Errorf("creating conversation: %w", err)
		}
		conversationID = conv.ID
	} else if _, err := st.GetConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("conversation %s: %w", conversationID, err)
	}

	sess, err := registry.GetOrCreate(conversationID, func() ([]engine.Turn, error) {
		return st.Turns(ctx, conversationID)
	})
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}

	imagePaths, _ := cmd.Flags().GetStringSlice("image")
	attachments, err := loadAttachments(imagePaths)
	if err != nil {
		return err
	}

	if len(args) > 0 {
		return sendAndPrint(ctx, controller, sess, args[0], attachments)
	}

	return runRepl(ctx, controller, sess, conversationID)
}

// runRepl is the interactive loop. Ctrl+C cancels an in-flight reply;
// Ctrl+D or /quit exits.
func runRepl(ctx context.Context, controller *engine.Controller, sess *engine.Session, conversationID string) error {
	rl, err := readline.New("you> ")
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Printf("chatmux interactive session (conversation %s)\n", conversationID)
	fmt.Println("Type /quit to exit, /history to review the conversation.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sigChan {
			sess.Cancel()
		}
	}()
	defer signal.Stop(sigChan)

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch line {
		case "/quit", "/q":
			return nil
		case "/history":
			for _, t := range sess.Turns() {
				marker := ""
				if t.Truncated {
					marker = " [truncated]"
				}
				fmt.Printf("[%s]%s %s\n", t.Role, marker, t.Content)
			}
			continue
		case "/help", "/h":
			fmt.Println("/quit     exit the session")
			fmt.Println("/history  show the conversation so far")
			fmt.Println("Ctrl+C    cancel the current reply")
			continue
		}

		if err := sendAndPrint(ctx, controller, sess, line, nil); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

// sendAndPrint runs one exchange, streaming the reply to stdout.
func sendAndPrint(ctx context.Context, controller *engine.Controller, sess *engine.Session, text string, attachments []engine.Attachment) error {
	done := make(chan error, 1)
	printed := 0

	err := controller.Send(ctx, sess, text, attachments, engine.SendCallbacks{
		OnDelta: func(accumulated string) {
			if len(accumulated) > printed {
				fmt.Print(accumulated[printed:])
				printed = len(accumulated)
			}
		},
		OnDone: func(final engine.Turn) {
			if len(final.Content) > printed {
				fmt.Print(final.Content[printed:])
			}
			if final.Truncated {
				fmt.Print(" [truncated]")
			}
			fmt.Println()
			done <- nil
		},
		OnCancelled: func() {
			fmt.Println(" [cancelled]")
			done <- nil
		},
	})
	if err != nil {
		return err
	}
	return <-done
}

// loadAttachments reads image files into base64 attachments.
func loadAttachments(paths []string) ([]engine.Attachment, error) {
	var out []engine.Attachment
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading attachment %s: %w", path, err)
		}
		out = append(out, engine.Attachment{
			Data:     base64.StdEncoding.EncodeToString(data),
			MimeType: mimeTypeForFile(path),
		})
	}
	return out, nil
}

func mimeTypeForFile(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
