package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/soyeahso/chatline/internal/chat"
	"github.com/soyeahso/chatline/internal/llm"
	"github.com/soyeahso/chatline/internal/store"
	"github.com/soyeahso/chatline/internal/stream"
	"github.com/spf13/cobra"
)

const (
	ansiDim   = "\033[2m"
	ansiReset = "\033[0m"
)

// printer writes a stream to the terminal: text to out, reasoning dimmed to errOut.
type printer struct {
	out    io.Writer
	errOut io.Writer
	done   chan stream.Done
	failed string
}

func (p *printer) EmitToken(t stream.Token) {
	switch t.Kind {
	case stream.KindReasoning:
		fmt.Fprint(p.errOut, ansiDim+t.Delta+ansiReset)
	default:
		fmt.Fprint(p.out, t.Delta)
	}
}

func (p *printer) EmitDone(d stream.Done) {
	select {
	case p.done <- d:
	default:
	}
}

func (p *printer) EmitError(f stream.Failure) {
	p.failed = f.Error
}

func newChatCmd() *cobra.Command {
	var (
		conversationID string
		newConv        bool
		model          string
		noTools        bool
	)

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send a message and stream the reply",
		Long:  "Send a message in a conversation and stream the reply. Without arguments the message is read from stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			message := strings.Join(args, " ")
			if message == "" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("reading stdin: %w", err)
				}
				message = string(data)
			}
			message = strings.TrimSpace(message)
			if message == "" {
				return fmt.Errorf("no message given")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := paths.EnsureDirs(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			id, err := resolveConversation(ctx, a.db, conversationID, newConv)
			if err != nil {
				return err
			}

			detail, err := a.db.GetConversation(ctx, id)
			if err != nil {
				return err
			}
			msgs := make([]chat.Message, 0, len(detail.Messages)+1)
			for _, m := range detail.Messages {
				msgs = append(msgs, chat.Message{Role: m.Role, Content: m.Content})
			}
			msgs = append(msgs, chat.Message{Role: llm.RoleUser, Content: message})

			p := &printer{out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr(), done: make(chan stream.Done, 1)}
			requestID := uuid.New().String()
			err = a.chat.Start(ctx, chat.StartRequest{
				RequestID:      requestID,
				ConversationID: id,
				Messages:       msgs,
				Model:          model,
				DisableTools:   noTools,
			}, p)
			if err != nil {
				return err
			}

			select {
			case <-p.done:
			case <-ctx.Done():
				a.chat.Abort(requestID, nil)
				<-p.done
			}
			a.chat.Wait()
			fmt.Fprintln(p.out)

			if p.failed != "" {
				return fmt.Errorf("stream failed: %s", p.failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id (default: active conversation)")
	cmd.Flags().BoolVar(&newConv, "new", false, "start a new conversation")
	cmd.Flags().StringVar(&model, "model", "", "override the model for this turn")
	cmd.Flags().BoolVar(&noTools, "no-tools", false, "disable tool calls for this turn")

	return cmd
}

// resolveConversation picks the target conversation and makes it active.
func resolveConversation(ctx context.Context, db *store.DB, id string, create bool) (string, error) {
	switch {
	case create:
		sum, err := db.CreateConversation(ctx, "", true)
		if err != nil {
			return "", err
		}
		return sum.ID, nil
	case id != "":
		if err := db.SetActiveConversationID(ctx, id); err != nil {
			return "", err
		}
		return id, nil
	default:
		boot, err := db.Bootstrap(ctx)
		if err != nil {
			return "", err
		}
		return boot.ActiveConversationID, nil
	}
}
